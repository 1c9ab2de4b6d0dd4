package lwm2m

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/matrix-org/go-coap/v2/message"
	"github.com/matrix-org/go-coap/v2/message/codes"
)

// defaultManagementTimeout bounds how long the server waits for a client
// reply before synthesizing a 5.04, per spec.md §4.3/§6.
const defaultManagementTimeout = 30 * time.Second

// ManagementRequest is one outbound Read/Write/Create/Delete/Execute or
// Observe request the server issues against a registered client, per
// spec.md §4.3.
type ManagementRequest struct {
	Method        codes.Code
	Path          Path
	ContentFormat message.MediaType
	Body          []byte
	ExecuteArgs   string
	Observe       bool
	// Token correlates the reply with this request; callers that don't
	// supply one get a random 64-bit token per spec.md §4.3.
	Token []byte
}

// ManagementTransport sends one request to a registered client and waits
// for the matching reply, or returns ctx.Err() on timeout. Implementations
// adapt this onto a go-coap/v2 client connection keyed by the client's
// address, mirroring mobile/client.go's per-host connection cache.
type ManagementTransport interface {
	Do(ctx context.Context, client *RegisteredClient, req ManagementRequest) (Response, error)
}

// ManagementDispatcher is the server-side Management Interface of
// spec.md §4.3: it issues Read/Write/Create/Delete/Execute/Observe
// requests against a registered client and correlates the reply via a
// random token, synthesizing a Gateway Timeout when none arrives in time.
type ManagementDispatcher struct {
	Transport ManagementTransport
	Log       Logger
	Timeout   time.Duration
}

func (d *ManagementDispatcher) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return defaultManagementTimeout
}

func newToken() []byte {
	tok := make([]byte, 8)
	_, _ = rand.Read(tok)
	return tok
}

func (d *ManagementDispatcher) send(client *RegisteredClient, req ManagementRequest) Response {
	if len(req.Token) == 0 {
		req.Token = newToken()
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout())
	defer cancel()

	resp, err := d.Transport.Do(ctx, client, req)
	if err != nil {
		logf(d.Log, "management request to %s timed out or failed: %v", client.Name, err)
		return Response{Code: codes.GatewayTimeout}
	}
	return resp
}

// Read issues a GET against a path on a registered client, per spec.md §4.3.
func (d *ManagementDispatcher) Read(client *RegisteredClient, path Path) Response {
	return d.send(client, ManagementRequest{Method: codes.GET, Path: path})
}

// Write issues a PUT (replace semantics) against a path, per spec.md §4.3.
func (d *ManagementDispatcher) Write(client *RegisteredClient, path Path, contentFormat message.MediaType, body []byte) Response {
	return d.send(client, ManagementRequest{Method: codes.PUT, Path: path, ContentFormat: contentFormat, Body: body})
}

// WritePartial issues a POST (partial-update semantics) against an
// Object-Instance path, per spec.md §4.3/§4.4.
func (d *ManagementDispatcher) WritePartial(client *RegisteredClient, path Path, contentFormat message.MediaType, body []byte) Response {
	return d.send(client, ManagementRequest{Method: codes.POST, Path: path, ContentFormat: contentFormat, Body: body})
}

// Create issues a POST against an Object path to create a new instance,
// per spec.md §4.3/§4.4.
func (d *ManagementDispatcher) Create(client *RegisteredClient, path Path, contentFormat message.MediaType, body []byte) Response {
	return d.send(client, ManagementRequest{Method: codes.POST, Path: path, ContentFormat: contentFormat, Body: body})
}

// Delete issues a DELETE against an Object-Instance path, per spec.md §4.3.
func (d *ManagementDispatcher) Delete(client *RegisteredClient, path Path) Response {
	return d.send(client, ManagementRequest{Method: codes.DELETE, Path: path})
}

// Execute issues a POST with Execute arguments against a Resource path,
// per spec.md §4.3/§4.4.
func (d *ManagementDispatcher) Execute(client *RegisteredClient, path Path, args string) Response {
	return d.send(client, ManagementRequest{Method: codes.POST, Path: path, ExecuteArgs: args})
}

// Observe issues a GET with the Observe option set, per spec.md §4.6.
func (d *ManagementDispatcher) Observe(client *RegisteredClient, path Path) Response {
	return d.send(client, ManagementRequest{Method: codes.GET, Observe: true, Path: path})
}

// NewServerObserveEngine wires an ObserveEngine for the server side of
// spec.md §4.6: the scope is the observed client's name, reads re-fetch
// the value over the Management Dispatcher, and a client that has since
// deregistered fails the read with NotFound (which cancels the
// observation like any other notify failure).
func NewServerObserveEngine(dispatcher *ManagementDispatcher, registry *ClientRegistry, transport NotifyTransport) *ObserveEngine {
	e := NewObserveEngine()
	e.Timeout = dispatcher.timeout()
	e.Transport = transport
	e.Read = func(scope string, path Path) Response {
		client, ok := registry.GetClientByName(scope)
		if !ok {
			return Response{Code: codes.NotFound}
		}
		return dispatcher.Read(client, path)
	}
	return e
}

// CancelObserve issues a GET with a fresh token and no Observe option,
// which cancels a previously established observation per RFC 7641 §4.1 as
// used by spec.md §4.6.
func (d *ManagementDispatcher) CancelObserve(client *RegisteredClient, path Path) Response {
	return d.send(client, ManagementRequest{Method: codes.GET, Observe: false, Path: path})
}
