package lwm2m

import (
	"testing"
	"time"
)

func fakeClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time { return t }
}

func TestRegisterRequiresEndpoint(t *testing.T) {
	r := NewClientRegistry()
	if _, err := r.Register(RegQuery{}, "", nil); err == nil {
		t.Fatal("expected error for missing ep")
	}
}

func TestRegisterDefaultsLifetimeAndBinding(t *testing.T) {
	r := NewClientRegistry()
	c, err := r.Register(RegQuery{Endpoint: "dev1"}, "</3>,</3/0>", nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.LifetimeSeconds != defaultLifetimeSeconds {
		t.Errorf("got lifetime %d want %d", c.LifetimeSeconds, defaultLifetimeSeconds)
	}
	if c.Binding != "U" {
		t.Errorf("got binding %q want U", c.Binding)
	}
	if len(c.Location) != 10 {
		t.Errorf("location %q should be 10 chars", c.Location)
	}
}

func TestRegisterRejectsUnsupportedBinding(t *testing.T) {
	r := NewClientRegistry()
	if _, err := r.Register(RegQuery{Endpoint: "dev1", Binding: "SQ"}, "</3>", nil); err == nil {
		t.Fatal("expected rejection of declared-but-unsupported binding")
	}
}

func TestRegisterSameEndpointEvictsSilently(t *testing.T) {
	r := NewClientRegistry()
	var events []EventKind
	r.Monitor.Subscribe(func(e Event) { events = append(events, e.Kind) })

	first, _ := r.Register(RegQuery{Endpoint: "dev1"}, "</3>", nil)
	second, _ := r.Register(RegQuery{Endpoint: "dev1"}, "</3>", nil)

	if first.Location == second.Location {
		t.Error("expected a fresh location on re-registration")
	}
	if _, ok := r.GetClientByLocation(first.Location); ok {
		t.Error("old location should no longer be live")
	}
	for _, k := range events {
		if k == EventUnregister {
			t.Error("silent eviction must not fire Unregister")
		}
	}
	if len(events) != 2 || events[0] != EventRegister || events[1] != EventRegister {
		t.Errorf("got events %v want two Register events", events)
	}
}

func TestUpdateRejectsEndpointChange(t *testing.T) {
	r := NewClientRegistry()
	c, _ := r.Register(RegQuery{Endpoint: "dev1"}, "</3>", nil)
	if err := r.Update(c.Location, RegQuery{Endpoint: "dev2"}, ""); err == nil {
		t.Fatal("expected rejection of ep change on update")
	}
}

func TestUpdateRefreshesDeadline(t *testing.T) {
	start := time.Unix(0, 0)
	clock := fakeClock(start)
	r := NewClientRegistry()
	r.Now = func() time.Time { return clock() }

	c, _ := r.Register(RegQuery{Endpoint: "dev1", Lifetime: 10}, "</3>", nil)
	want := start.Add(12 * time.Second)
	if !c.deadline.Equal(want) {
		t.Fatalf("got deadline %v want %v", c.deadline, want)
	}

	clock = fakeClock(start.Add(5 * time.Second))
	if err := r.Update(c.Location, RegQuery{}, ""); err != nil {
		t.Fatal(err)
	}
	want = start.Add(17 * time.Second)
	if !c.deadline.Equal(want) {
		t.Errorf("after update got deadline %v want %v", c.deadline, want)
	}
}

func TestDeregisterRemovesClientAndFiresEvent(t *testing.T) {
	r := NewClientRegistry()
	var got *Event
	r.Monitor.Subscribe(func(e Event) {
		if e.Kind == EventUnregister {
			e := e
			got = &e
		}
	})
	c, _ := r.Register(RegQuery{Endpoint: "dev1"}, "</3>", nil)
	if err := r.Deregister(c.Location); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.GetClientByLocation(c.Location); ok {
		t.Error("client should be gone after deregister")
	}
	if got == nil || got.ClientName != "dev1" {
		t.Error("expected an Unregister event for dev1")
	}
}

// OQ1: an empty registry must never attempt to compute a minimum deadline.
func TestWatchdogEmptyRegistryDoesNotPanic(t *testing.T) {
	r := NewClientRegistry()
	r.rearmWatchdog()
	c, _ := r.Register(RegQuery{Endpoint: "dev1"}, "</3>", nil)
	r.Deregister(c.Location)
}

func TestWatchdogEvictsExpiredClients(t *testing.T) {
	start := time.Unix(1000, 0)
	clock := fakeClock(start)
	r := NewClientRegistry()
	r.Now = func() time.Time { return clock() }

	var timedOut []string
	r.Monitor.Subscribe(func(e Event) {
		if e.Kind == EventTimeout {
			timedOut = append(timedOut, e.ClientName)
		}
	})

	r.Register(RegQuery{Endpoint: "short", Lifetime: 5}, "</3>", nil)
	r.Register(RegQuery{Endpoint: "long", Lifetime: 100}, "</3>", nil)

	clock = fakeClock(start.Add(10 * time.Second))
	r.onWatchdogFire()

	if len(timedOut) != 1 || timedOut[0] != "short" {
		t.Errorf("got timed out %v want [short]", timedOut)
	}
	if _, ok := r.byName["long"]; !ok {
		t.Error("long-lived client should still be registered")
	}
}
