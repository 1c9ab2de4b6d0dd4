package lwm2m

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeBootstrapRequestTransport struct {
	calls int
	err   error
}

func (f *fakeBootstrapRequestTransport) SendBootstrapRequest(ctx context.Context, endpoint string) error {
	f.calls++
	return f.err
}

func TestBootstrapClientStartSendsRequestImmediatelyWithNoHoldOff(t *testing.T) {
	tr := &fakeBootstrapRequestTransport{}
	c := &BootstrapClient{EndpointName: "dev1", Transport: tr, Registry: NewRegistry()}
	c.Start(context.Background())
	if tr.calls != 1 {
		t.Errorf("got %d calls want 1", tr.calls)
	}
}

func TestBootstrapClientStartIsIdempotent(t *testing.T) {
	tr := &fakeBootstrapRequestTransport{}
	c := &BootstrapClient{EndpointName: "dev1", Transport: tr, Registry: NewRegistry()}
	c.Start(context.Background())
	c.Start(context.Background())
	if tr.calls != 1 {
		t.Errorf("got %d calls want 1 (idempotent)", tr.calls)
	}
}

func TestBootstrapClientFiresErrorEvent(t *testing.T) {
	tr := &fakeBootstrapRequestTransport{err: errors.New("no route")}
	var got *Event
	c := &BootstrapClient{EndpointName: "dev1", Transport: tr, Registry: NewRegistry()}
	c.Monitor.Subscribe(func(e Event) {
		if e.Kind == EventBootstrapError {
			e := e
			got = &e
		}
	})
	c.Start(context.Background())
	if got == nil {
		t.Fatal("expected a BootstrapError event")
	}
}

func TestBootstrapClientFinishRebuildsACLAndFires(t *testing.T) {
	reg := NewRegistry()
	reg.Add(NewObject(5, 1, ObjectOps{}))
	serverObj := NewObject(ObjectServer, 1, ObjectOps{
		Read: func(instanceID uint16, resourceID int) ([]TLV, error) {
			p, _ := EncodeResourceValue(TypeInteger, int64(1))
			return []TLV{{ID: 0, Payload: p}}, nil
		},
	})
	serverObj.Instances[0] = true
	reg.Add(serverObj)

	acl := NewACLEngine()
	var finished *Event
	c := &BootstrapClient{EndpointName: "dev1", Registry: reg, ACL: acl}
	c.Monitor.Subscribe(func(e Event) {
		if e.Kind == EventBootstrapFinished {
			e := e
			finished = &e
		}
	})

	c.Finish()

	if finished == nil {
		t.Fatal("expected a BootstrapFinished event")
	}
	if !acl.CheckCreate(1, 5) {
		t.Error("expected ACL rebuild to grant Create on object 5 to server 1")
	}
}

func TestBootstrapClientStartHoldOffDelaysRequest(t *testing.T) {
	tr := &fakeBootstrapRequestTransport{}
	c := &BootstrapClient{EndpointName: "dev1", Transport: tr, Registry: NewRegistry(), HoldOff: 20 * time.Millisecond}
	c.Start(context.Background())
	if tr.calls != 0 {
		t.Fatal("request should not fire before hold-off elapses")
	}
	time.Sleep(40 * time.Millisecond)
	if tr.calls != 1 {
		t.Errorf("got %d calls want 1 after hold-off", tr.calls)
	}
}
