package lwm2m

import (
	"context"
	"sync"
	"time"
)

// BootstrapRequestTransport sends the client's `POST /bs?ep=<name>`
// Bootstrap-Request to the Bootstrap Server, per spec.md §4.6.
type BootstrapRequestTransport interface {
	SendBootstrapRequest(ctx context.Context, endpoint string) error
}

// BootstrapClient is the client-side half of the Bootstrap interface,
// per spec.md §4.6: after a hold-off delay it sends a Bootstrap-Request;
// while bootstrapping, the regular request handler already accepts
// catch-all PUT/DELETE from the Bootstrap Server short-id (dispatch.go's
// BootstrapServerID checks); when the server's `POST /bs` finish signal
// arrives, the Access Control tables are rebuilt from the newly
// provisioned object tree and a BootstrapFinished event fires.
type BootstrapClient struct {
	EndpointName string
	Transport    BootstrapRequestTransport
	Registry     *Registry
	ACL          *ACLEngine
	Monitor      Monitor
	Log          Logger
	HoldOff      time.Duration
	// Now is overridable for deterministic tests; defaults to time.Now.
	Now func() time.Time

	mu      sync.Mutex
	timer   *time.Timer
	started bool
}

func (c *BootstrapClient) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Start arms the hold-off timer and then sends the Bootstrap-Request,
// per spec.md §4.6. Calling Start while already started is a no-op.
func (c *BootstrapClient) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	holdOff := c.HoldOff
	c.mu.Unlock()

	if holdOff <= 0 {
		c.sendRequest(ctx)
		return
	}
	c.mu.Lock()
	c.timer = time.AfterFunc(holdOff, func() { c.sendRequest(ctx) })
	c.mu.Unlock()
}

func (c *BootstrapClient) sendRequest(ctx context.Context) {
	if err := c.Transport.SendBootstrapRequest(ctx, c.EndpointName); err != nil {
		logf(c.Log, "bootstrap request failed: %v", err)
		c.Monitor.Fire(Event{Kind: EventBootstrapError, ClientName: c.EndpointName, Err: err})
	}
}

// Finish handles the server's `POST /bs` completion signal: it rebuilds
// Access Control from the provisioned Object tree (spec.md §4.8) and
// fires BootstrapFinished.
func (c *BootstrapClient) Finish() {
	c.mu.Lock()
	c.started = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	if c.ACL != nil && c.Registry != nil {
		c.ACL.Rebuild(c.Registry.IDs(), c.serverIDs())
	}
	logf(c.Log, "bootstrap finished for %s", c.EndpointName)
	c.Monitor.Fire(Event{Kind: EventBootstrapFinished, ClientName: c.EndpointName})
}

// CancelHoldOff stops the pending hold-off timer without touching started
// or Access Control state, for a server-initiated Bootstrap Write/Delete
// that arrives before the timer fires: the server has already begun
// provisioning, so the client's own Bootstrap-Request would be redundant,
// per spec.md §4.6. A no-op if the timer already fired or was never armed.
func (c *BootstrapClient) CancelHoldOff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// serverIDs reads the configured Server Object instances' short ids back
// out of the Registry, for the ACL rebuild's per-server seeding step.
func (c *BootstrapClient) serverIDs() []uint16 {
	obj, ok := c.Registry.Get(ObjectServer)
	if !ok {
		return nil
	}
	var ids []uint16
	for _, instanceID := range obj.InstanceIDs() {
		if obj.Ops.Read == nil {
			continue
		}
		tlvs, err := obj.Ops.Read(instanceID, 0)
		if err != nil || len(tlvs) == 0 {
			continue
		}
		t := tlvs[0]
		if t.Type == TLVObjectInstance {
			// A zero Type is the Read handlers' resource-with-value default,
			// as in encodeResourceSet.
			t.Type = TLVResourceWithValue
		}
		v, err := t.AsInt()
		if err != nil {
			continue
		}
		ids = append(ids, uint16(v))
	}
	return ids
}
