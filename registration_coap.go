package lwm2m

import (
	"io/ioutil"
	"net"
	"strings"

	"github.com/matrix-org/go-coap/v2/message"
	"github.com/matrix-org/go-coap/v2/message/codes"
	"github.com/matrix-org/go-coap/v2/mux"
)

// RegistrationCoAPHandler serves the Registration Interface's `/rd` and
// `/rd/<location>` CoAP resources, per spec.md §4.2, bridging real
// mux.Message requests onto ClientRegistry the same way CoAPAdapter
// bridges the Management Interface onto RequestHandler: the dispatch
// decision already lives in ClientRegistry, unit-tested without a wire
// library, and only this file touches mux.
type RegistrationCoAPHandler struct {
	Registry *ClientRegistry
	// Observers, when set, drops any observations held for a client that
	// deregisters. A rejected Update evicts nothing and drops nothing.
	Observers *ObserveEngine
}

func (h *RegistrationCoAPHandler) ServeCOAP(w mux.ResponseWriter, r *mux.Message) {
	path, _ := r.Options.Path()
	segs := pathSegments(path)
	switch {
	case len(segs) == 1 && segs[0] == "rd":
		h.handleRegisterOrUpdateAll(w, r)
	case len(segs) == 2 && segs[0] == "rd":
		h.handleLocation(w, r, segs[1])
	default:
		writeResponse(w, Response{Code: codes.NotFound})
	}
}

func pathSegments(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// handleRegisterOrUpdateAll handles `POST /rd?ep=...` (spec.md §4.2's
// Register operation); Update and Deregister always target `/rd/<loc>`.
func (h *RegistrationCoAPHandler) handleRegisterOrUpdateAll(w mux.ResponseWriter, r *mux.Message) {
	if r.Code() != codes.POST {
		writeResponse(w, Response{Code: codes.MethodNotAllowed})
		return
	}
	q := RegQueryFromCoAP(r)
	body := readBody(r)
	client, err := h.Registry.Register(q, body, clientAddr(w))
	if err != nil {
		writeResponse(w, errResponse(err))
		return
	}
	var opts message.Options
	if o, err := opts.SetLocationPath(nil, "rd/"+client.Location); err == nil {
		opts = o
	}
	_ = w.SetResponse(codes.Created, message.TextPlain, nil, opts...)
}

// handleLocation handles `POST /rd/<loc>` (Update) and `DELETE /rd/<loc>`
// (Deregister), per spec.md §4.2.
func (h *RegistrationCoAPHandler) handleLocation(w mux.ResponseWriter, r *mux.Message, location string) {
	switch r.Code() {
	case codes.POST:
		q := RegQueryFromCoAP(r)
		body := readBody(r)
		if err := h.Registry.Update(location, q, body); err != nil {
			writeResponse(w, errResponse(err))
			return
		}
		writeResponse(w, Response{Code: codes.Changed})
	case codes.DELETE:
		client, found := h.Registry.GetClientByLocation(location)
		if err := h.Registry.Deregister(location); err != nil {
			writeResponse(w, errResponse(err))
			return
		}
		if h.Observers != nil && found {
			h.Observers.RemoveAllForScope(client.Name)
		}
		writeResponse(w, Response{Code: codes.Deleted})
	default:
		writeResponse(w, Response{Code: codes.MethodNotAllowed})
	}
}

func readBody(r *mux.Message) string {
	if r.Body == nil {
		return ""
	}
	b, err := ioutil.ReadAll(r.Body)
	if err != nil {
		return ""
	}
	return string(b)
}

// clientAddr recovers the requester's network address off the
// ResponseWriter's underlying client connection, mirroring the teacher's
// own muxResponseWriter.Client() adapter in cmd/proxy/proxy.go.
func clientAddr(w mux.ResponseWriter) net.Addr {
	type remoteAddrer interface {
		RemoteAddr() net.Addr
	}
	if ra, ok := w.Client().(remoteAddrer); ok {
		return ra.RemoteAddr()
	}
	return nil
}
