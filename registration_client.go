package lwm2m

import (
	"context"
	"sync"
	"time"
)

// ServerConnection is one Server Object instance resolved against its
// matching Security Object instance, per spec.md §4.1/§4.2: the client
// iterates these to register with every configured LWM2M Server.
type ServerConnection struct {
	ServerID uint16
	URI      string
	Lifetime int
}

// RegistrationTransport is the wire-level half of the Registration Engine
// client side: it knows how to reach a server URI, but nothing about the
// object model. Implementations adapt this onto go-coap/v2 client
// connections, mirroring mobile/client.go's dtlsClients connection cache.
type RegistrationTransport interface {
	SendRegister(ctx context.Context, uri string, q RegQuery, payload string) (location string, err error)
	SendUpdate(ctx context.Context, uri, location string, q RegQuery, payload string) error
	SendDeregister(ctx context.Context, uri, location string) error
}

// clientSession is the client's bookkeeping for one registered server.
type clientSession struct {
	ServerID        uint16
	URI             string
	Location        string
	LifetimeSeconds int
	registeredAt    time.Time
}

// RegistrationClient is the client-side half of the Registration Engine,
// per spec.md §4.2: it registers the endpoint with every configured
// server, keeps each registration alive with periodic updates, and can
// force an update (e.g. after an object-tree change) or deregister.
type RegistrationClient struct {
	EndpointName string
	Transport    RegistrationTransport
	Registry     *Registry
	Log          Logger
	// Now is overridable for deterministic tests; defaults to time.Now.
	Now func() time.Time

	mu       sync.Mutex
	sessions map[uint16]*clientSession
	timer    *time.Timer
}

// NewRegistrationClient constructs a client with no active sessions.
func NewRegistrationClient(endpoint string, transport RegistrationTransport, registry *Registry) *RegistrationClient {
	return &RegistrationClient{
		EndpointName: endpoint,
		Transport:    transport,
		Registry:     registry,
		Now:          time.Now,
		sessions:     make(map[uint16]*clientSession),
	}
}

func (c *RegistrationClient) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// payload renders the current object tree as the Link-Format body sent on
// register/update, per spec.md §4.2.
func (c *RegistrationClient) payload() string {
	return EncodeLinkFormat(c.Registry.AdvertisedObjects())
}

// RegisterAll performs the initial `POST /rd` against every configured
// server, per spec.md §4.2. A failure against one server does not prevent
// registering with the others.
func (c *RegistrationClient) RegisterAll(ctx context.Context, servers []ServerConnection) error {
	var firstErr error
	for _, s := range servers {
		if err := c.registerOne(ctx, s); err != nil {
			logf(c.Log, "register with server %d failed: %v", s.ServerID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
	}
	c.rescheduleLocked()
	return firstErr
}

func (c *RegistrationClient) registerOne(ctx context.Context, s ServerConnection) error {
	q := RegQuery{Endpoint: c.EndpointName, Lifetime: s.Lifetime}
	location, err := c.Transport.SendRegister(ctx, s.URI, q, c.payload())
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sessions[s.ServerID] = &clientSession{
		ServerID:        s.ServerID,
		URI:             s.URI,
		Location:        location,
		LifetimeSeconds: s.Lifetime,
		registeredAt:    c.now(),
	}
	c.mu.Unlock()
	logf(c.Log, "registered with server %d at %s (lifetime=%ds)", s.ServerID, location, s.Lifetime)
	return nil
}

// SendUpdate forces a `POST /rd/<location>` update to one server, per
// spec.md §4.2 — used both for the periodic keep-alive and for
// object-tree-changed notifications.
func (c *RegistrationClient) SendUpdate(ctx context.Context, serverID uint16) error {
	c.mu.Lock()
	sess, ok := c.sessions[serverID]
	c.mu.Unlock()
	if !ok {
		return Errorf(KindNotFound, "no active session with server %d", serverID)
	}
	q := RegQuery{Lifetime: sess.LifetimeSeconds}
	if err := c.Transport.SendUpdate(ctx, sess.URI, sess.Location, q, c.payload()); err != nil {
		return err
	}
	c.mu.Lock()
	sess.registeredAt = c.now()
	c.mu.Unlock()
	return nil
}

// SendUpdateAll forces an update to every registered server, e.g. after a
// local object-tree change per spec.md §4.2/§4.5.
func (c *RegistrationClient) SendUpdateAll(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]uint16, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := c.SendUpdate(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stop deregisters from every server, per spec.md §4.2.
func (c *RegistrationClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	sessions := make([]*clientSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[uint16]*clientSession)
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if err := c.Transport.SendDeregister(ctx, s.URI, s.Location); err != nil {
			logf(c.Log, "deregister from server %d failed: %v", s.ServerID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// nextUpdateIn returns the smallest remaining time before any session's
// registration needs refreshing, per spec.md §4.2: "periodic update
// scheduling: min(lifetime_i - elapsed)". Callers hold c.mu.
func (c *RegistrationClient) nextUpdateInLocked() (time.Duration, bool) {
	if len(c.sessions) == 0 {
		return 0, false
	}
	now := c.now()
	var soonest time.Duration
	found := false
	for _, s := range c.sessions {
		// refresh at half the lifetime to leave margin before the
		// server's lifetime+grace watchdog fires.
		deadline := s.registeredAt.Add(time.Duration(s.LifetimeSeconds) * time.Second / 2)
		remaining := deadline.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		if !found || remaining < soonest {
			soonest = remaining
			found = true
		}
	}
	return soonest, found
}

func (c *RegistrationClient) rescheduleLocked() {
	c.mu.Lock()
	d, ok := c.nextUpdateInLocked()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.timer = time.AfterFunc(d, c.onUpdateDue)
}

// onUpdateDue fires when the soonest-due session's timer elapses. Only
// sessions whose own half-lifetime deadline has actually passed are
// refreshed — not every session — per spec.md §4.3's bucketed scheduling
// law; a session with a longer lifetime is left alone until its own
// deadline arrives. SendUpdateAll remains the path for an explicit,
// unconditional refresh of every server.
func (c *RegistrationClient) onUpdateDue() {
	c.mu.Lock()
	now := c.now()
	var due []uint16
	for id, s := range c.sessions {
		deadline := s.registeredAt.Add(time.Duration(s.LifetimeSeconds) * time.Second / 2)
		if !deadline.After(now) {
			due = append(due, id)
		}
	}
	c.mu.Unlock()

	for _, id := range due {
		if err := c.SendUpdate(context.Background(), id); err != nil {
			logf(c.Log, "periodic update to server %d failed: %v", id, err)
		}
	}
	c.rescheduleLocked()
}
