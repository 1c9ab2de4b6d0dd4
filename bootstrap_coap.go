package lwm2m

import (
	"context"
	"time"

	"github.com/matrix-org/go-coap/v2/message/codes"
	"github.com/matrix-org/go-coap/v2/mux"
)

// BootstrapCoAPHandler serves `POST /bs?ep=<name>` Bootstrap-Requests,
// per spec.md §4.6, the Bootstrap interface's counterpart to
// RegistrationCoAPHandler: accept or reject the request synchronously,
// then drive Provision in the background so the client's own
// retransmission timers aren't tied to how long provisioning takes.
type BootstrapCoAPHandler struct {
	Server *BootstrapServer
	// Steps builds the Write/Delete sequence to push to a newly
	// permitted endpoint, e.g. from a YAML seed config keyed by name.
	Steps func(endpoint string) []BootstrapStep
}

func (h *BootstrapCoAPHandler) ServeCOAP(w mux.ResponseWriter, r *mux.Message) {
	path, _ := r.Options.Path()
	segs := pathSegments(path)
	if len(segs) != 1 || segs[0] != "bs" {
		writeResponse(w, Response{Code: codes.NotFound})
		return
	}
	if r.Code() != codes.POST {
		writeResponse(w, Response{Code: codes.MethodNotAllowed})
		return
	}

	endpoint := queryValues(r)["ep"]
	resp := h.Server.HandleBootstrapRequest(endpoint)
	writeResponse(w, resp)
	if resp.Code != codes.Changed {
		return
	}

	addr := clientAddr(w)
	steps := h.Steps(endpoint)
	timeout := h.Server.Timeout
	if timeout == 0 {
		timeout = defaultManagementTimeout
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout*time.Duration(len(steps)+1))
		defer cancel()
		if err := h.Server.Provision(ctx, addr, steps); err != nil {
			logf(h.Server.Log, "bootstrap provision for %s failed: %v", endpoint, err)
		}
	}()
}
