package lwm2m

import (
	"context"
	"testing"
	"time"
)

type fakeTransport struct {
	registerCalls   int
	updateCalls     int
	deregisterCalls int
	locations       map[string]string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{locations: make(map[string]string)}
}

func (f *fakeTransport) SendRegister(ctx context.Context, uri string, q RegQuery, payload string) (string, error) {
	f.registerCalls++
	loc := "loc-" + uri
	f.locations[uri] = loc
	return loc, nil
}

func (f *fakeTransport) SendUpdate(ctx context.Context, uri, location string, q RegQuery, payload string) error {
	f.updateCalls++
	return nil
}

func (f *fakeTransport) SendDeregister(ctx context.Context, uri, location string) error {
	f.deregisterCalls++
	return nil
}

func TestRegistrationClientRegisterAll(t *testing.T) {
	tr := newFakeTransport()
	reg := NewRegistry()
	reg.Add(NewObject(3, 1, ObjectOps{}))
	c := NewRegistrationClient("dev1", tr, reg)

	err := c.RegisterAll(context.Background(), []ServerConnection{
		{ServerID: 1, URI: "coap://a", Lifetime: 100},
		{ServerID: 2, URI: "coap://b", Lifetime: 200},
	})
	if err != nil {
		t.Fatal(err)
	}
	if tr.registerCalls != 2 {
		t.Errorf("got %d register calls want 2", tr.registerCalls)
	}
	if c.sessions[1].Location != "loc-coap://a" {
		t.Errorf("unexpected location %q", c.sessions[1].Location)
	}
}

func TestRegistrationClientSendUpdateUnknownServer(t *testing.T) {
	c := NewRegistrationClient("dev1", newFakeTransport(), NewRegistry())
	if err := c.SendUpdate(context.Background(), 9); err == nil {
		t.Fatal("expected error for unknown server")
	}
}

func TestRegistrationClientStopDeregistersAll(t *testing.T) {
	tr := newFakeTransport()
	reg := NewRegistry()
	c := NewRegistrationClient("dev1", tr, reg)
	c.RegisterAll(context.Background(), []ServerConnection{{ServerID: 1, URI: "coap://a", Lifetime: 100}})

	if err := c.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tr.deregisterCalls != 1 {
		t.Errorf("got %d deregister calls want 1", tr.deregisterCalls)
	}
	if len(c.sessions) != 0 {
		t.Error("sessions should be cleared after Stop")
	}
}

func TestRegistrationClientNextUpdatePicksSoonest(t *testing.T) {
	start := time.Unix(0, 0)
	tr := newFakeTransport()
	c := NewRegistrationClient("dev1", tr, NewRegistry())
	c.Now = func() time.Time { return start }
	c.RegisterAll(context.Background(), []ServerConnection{
		{ServerID: 1, URI: "coap://a", Lifetime: 100},
		{ServerID: 2, URI: "coap://b", Lifetime: 20},
	})

	c.mu.Lock()
	d, ok := c.nextUpdateInLocked()
	c.mu.Unlock()
	if !ok {
		t.Fatal("expected a scheduled update")
	}
	if d != 10*time.Second {
		t.Errorf("got %v want 10s (half of the 20s lifetime)", d)
	}
}
