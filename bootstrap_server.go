package lwm2m

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/matrix-org/go-coap/v2/message"
	"github.com/matrix-org/go-coap/v2/message/codes"
)

// BootstrapStep is one Write or Delete the Bootstrap Server pushes to a
// client during provisioning, per spec.md §4.6.
type BootstrapStep struct {
	Method        codes.Code // codes.PUT or codes.DELETE
	Path          Path
	ContentFormat message.MediaType
	Body          []byte
}

// BootstrapFinishTransport sends the server's `POST /bs` completion
// signal, per spec.md §4.6.
type BootstrapFinishTransport interface {
	SendFinish(ctx context.Context, addr net.Addr) error
}

// BootstrapServer is the server-side half of the Bootstrap interface,
// per spec.md §4.6: it accepts `POST /bs?ep=<name>` Bootstrap-Requests
// from permitted endpoints, then the caller drives Provision to push the
// Security/Server/Access-Control object tree and signal completion.
type BootstrapServer struct {
	Transport ManagementTransport
	Finisher  BootstrapFinishTransport
	Log       Logger
	Monitor   Monitor
	Timeout   time.Duration

	mu        sync.Mutex
	permitted map[string]bool // nil/empty means "permit any endpoint"
}

// NewBootstrapServer makes a server with an open allow-list (every
// endpoint is permitted to bootstrap).
func NewBootstrapServer(transport ManagementTransport, finisher BootstrapFinishTransport) *BootstrapServer {
	return &BootstrapServer{Transport: transport, Finisher: finisher}
}

// Permit adds an endpoint name to the allow-list. Once any name has been
// added, only permitted names are accepted (spec.md §4.6's pre-provisioned
// client roster).
func (s *BootstrapServer) Permit(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.permitted == nil {
		s.permitted = make(map[string]bool)
	}
	s.permitted[endpoint] = true
}

func (s *BootstrapServer) isPermitted(endpoint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.permitted) == 0 {
		return true
	}
	return s.permitted[endpoint]
}

// HandleBootstrapRequest processes `POST /bs?ep=<name>`, per spec.md §4.6.
func (s *BootstrapServer) HandleBootstrapRequest(endpoint string) Response {
	if endpoint == "" {
		return Response{Code: codes.BadRequest}
	}
	if !s.isPermitted(endpoint) {
		logf(s.Log, "rejecting bootstrap request from unpermitted endpoint %q", endpoint)
		return Response{Code: codes.Unauthorized}
	}
	return Response{Code: codes.Changed}
}

// fakeClientFor wraps addr into the RegisteredClient shape Management
// dispatch expects, since a bootstrapping client is not yet in the
// ClientRegistry.
func fakeClientFor(addr net.Addr) *RegisteredClient {
	return &RegisteredClient{Name: "<bootstrap>", Addr: addr}
}

// Provision pushes a sequence of Write/Delete steps to addr and, on full
// success, sends the finish signal, per spec.md §4.6. The first failing
// step aborts the sequence (no finish signal is sent) and returns its error.
func (s *BootstrapServer) Provision(ctx context.Context, addr net.Addr, steps []BootstrapStep) error {
	dispatcher := &ManagementDispatcher{Transport: s.Transport, Log: s.Log, Timeout: s.Timeout}
	client := fakeClientFor(addr)
	for _, step := range steps {
		var resp Response
		switch step.Method {
		case codes.DELETE:
			resp = dispatcher.Delete(client, step.Path)
		default:
			resp = dispatcher.Write(client, step.Path, step.ContentFormat, step.Body)
		}
		if resp.Code != codes.Changed && resp.Code != codes.Deleted {
			return Errorf(KindTransport, "bootstrap step on %s failed with code %v", step.Path.String(), resp.Code)
		}
	}
	return s.Finisher.SendFinish(ctx, addr)
}
