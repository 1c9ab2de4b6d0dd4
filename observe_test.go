package lwm2m

import (
	"context"
	"errors"
	"testing"

	"github.com/matrix-org/go-coap/v2/message/codes"
)

type fakeNotifyTransport struct {
	calls int
	err   error
}

func (f *fakeNotifyTransport) SendNotify(ctx context.Context, scope string, obs *Observation, resp Response) error {
	f.calls++
	return f.err
}

func TestObserveAddAndGet(t *testing.T) {
	e := NewObserveEngine()
	path, _ := ParsePath("/3/0/1")
	e.Add("dev1", path, []byte{1, 2, 3})
	obs, ok := e.Get("dev1", path)
	if !ok || obs.Scope != "dev1" {
		t.Fatal("expected observation to be stored")
	}
}

func TestObserveRemove(t *testing.T) {
	e := NewObserveEngine()
	path, _ := ParsePath("/3/0/1")
	e.Add("dev1", path, nil)
	e.Remove("dev1", path)
	if _, ok := e.Get("dev1", path); ok {
		t.Error("expected observation to be removed")
	}
}

func TestObserveMatchesAncestorPaths(t *testing.T) {
	e := NewObserveEngine()
	objPath, _ := ParsePath("/3")
	otherPath, _ := ParsePath("/4")
	e.Add("dev1", objPath, nil)
	e.Add("dev1", otherPath, nil)

	changed, _ := ParsePath("/3/0/1")
	got := e.matching("dev1", changed)
	if len(got) != 1 || got[0].Path.String() != "/3" {
		t.Errorf("got %v want match on /3 only", got)
	}
}

func TestObserveMatchesDescendantObserver(t *testing.T) {
	e := NewObserveEngine()
	resourcePath, _ := ParsePath("/3/0/1")
	e.Add("dev1", resourcePath, nil)

	changed, _ := ParsePath("/3/0") // whole-instance write touching resource 1
	got := e.matching("dev1", changed)
	if len(got) != 1 {
		t.Fatalf("got %d matches want 1", len(got))
	}
}

func TestNotifyChangedDedupsAcrossPaths(t *testing.T) {
	nt := &fakeNotifyTransport{}
	e := NewObserveEngine()
	e.Read = func(scope string, path Path) Response { return Response{Code: codes.Content} }
	e.Transport = nt

	instPath, _ := ParsePath("/3/0")
	e.Add("srv1", instPath, nil)

	r1, _ := ParsePath("/3/0/1")
	r2, _ := ParsePath("/3/0/2")
	e.NotifyChanged([]Path{r1, r2})

	if nt.calls != 1 {
		t.Errorf("got %d notify calls want 1 (deduped)", nt.calls)
	}
}

func TestOnResourceChangedNotifiesAndUpdatesTimestamp(t *testing.T) {
	nt := &fakeNotifyTransport{}
	e := NewObserveEngine()
	e.Read = func(scope string, path Path) Response { return Response{Code: codes.Content} }
	e.Transport = nt

	path, _ := ParsePath("/3/0/1")
	e.Add("dev1", path, []byte{9})
	e.OnResourceChanged("dev1", path)

	if nt.calls != 1 {
		t.Errorf("got %d notify calls want 1", nt.calls)
	}
	if _, ok := e.Get("dev1", path); !ok {
		t.Error("observation should survive a successful notify")
	}
}

func TestOnResourceChangedCancelsOnNotifyError(t *testing.T) {
	nt := &fakeNotifyTransport{err: errors.New("boom")}
	e := NewObserveEngine()
	e.Read = func(scope string, path Path) Response { return Response{Code: codes.Content} }
	e.Transport = nt

	path, _ := ParsePath("/3/0/1")
	e.Add("dev1", path, []byte{9})
	e.OnResourceChanged("dev1", path)

	if _, ok := e.Get("dev1", path); ok {
		t.Error("observation should be cancelled after a failed notify")
	}
}
