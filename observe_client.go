package lwm2m

import (
	"context"
	"strconv"
)

// ClientNotifyTransport sends a Notify body to one server connection, per
// spec.md §4.6. Implementations look the server's connection up by id,
// mirroring mobile/client.go's per-host connection cache.
type ClientNotifyTransport interface {
	SendNotify(ctx context.Context, serverID uint16, obs *Observation, resp Response) error
}

type clientNotifyAdapter struct {
	transport ClientNotifyTransport
}

func (a clientNotifyAdapter) SendNotify(ctx context.Context, scope string, obs *Observation, resp Response) error {
	serverID, err := scopeServerID(scope)
	if err != nil {
		return err
	}
	return a.transport.SendNotify(ctx, serverID, obs, resp)
}

// NewClientObserveEngine wires an ObserveEngine for the client side of
// spec.md §4.6: the scope is the observing server's short id, reads are
// served directly from the local Object Registry (no network round trip,
// unlike the server-side engine), and sends go out over transport.
func NewClientObserveEngine(registry *Registry, transport ClientNotifyTransport) *ObserveEngine {
	e := NewObserveEngine()
	e.Transport = clientNotifyAdapter{transport}
	reader := &RequestHandler{Registry: registry}
	e.Read = func(scope string, path Path) Response {
		obj, ok := registry.Get(uint16(path.ObjectID))
		if !ok {
			return Response{Code: ResponseCode(Errorf(KindNotFound, "no such object"))}
		}
		return reader.handleRead(Request{Path: path}, obj, ContentFormatTLV, false)
	}
	return e
}

func scopeServerID(scope string) (uint16, error) {
	id, err := strconv.Atoi(scope)
	if err != nil || id < 0 || id > 0xFFFF {
		return 0, Errorf(KindInvalidArgument, "invalid observer scope %q", scope)
	}
	return uint16(id), nil
}
