package lwm2m

import (
	"context"
	"net"
	"testing"

	"github.com/matrix-org/go-coap/v2/message/codes"
)

type fakeFinishTransport struct {
	calls int
}

func (f *fakeFinishTransport) SendFinish(ctx context.Context, addr net.Addr) error {
	f.calls++
	return nil
}

func TestHandleBootstrapRequestOpenAllowList(t *testing.T) {
	s := NewBootstrapServer(&fakeManagementTransport{}, &fakeFinishTransport{})
	resp := s.HandleBootstrapRequest("dev1")
	if resp.Code != codes.Changed {
		t.Errorf("got %v want Changed", resp.Code)
	}
}

func TestHandleBootstrapRequestRejectsUnpermitted(t *testing.T) {
	s := NewBootstrapServer(&fakeManagementTransport{}, &fakeFinishTransport{})
	s.Permit("dev1")
	resp := s.HandleBootstrapRequest("dev2")
	if resp.Code != codes.Unauthorized {
		t.Errorf("got %v want Unauthorized", resp.Code)
	}
	resp = s.HandleBootstrapRequest("dev1")
	if resp.Code != codes.Changed {
		t.Errorf("got %v want Changed for a permitted endpoint", resp.Code)
	}
}

func TestProvisionSendsStepsThenFinish(t *testing.T) {
	tr := &fakeManagementTransport{resp: Response{Code: codes.Changed}}
	fin := &fakeFinishTransport{}
	s := NewBootstrapServer(tr, fin)
	path, _ := ParsePath("/0/0")
	err := s.Provision(context.Background(), nil, []BootstrapStep{
		{Method: codes.PUT, Path: path, ContentFormat: ContentFormatTLV, Body: []byte{1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if fin.calls != 1 {
		t.Errorf("got %d finish calls want 1", fin.calls)
	}
}

func TestProvisionAbortsOnStepFailure(t *testing.T) {
	tr := &fakeManagementTransport{resp: Response{Code: codes.BadRequest}}
	fin := &fakeFinishTransport{}
	s := NewBootstrapServer(tr, fin)
	path, _ := ParsePath("/0/0")
	err := s.Provision(context.Background(), nil, []BootstrapStep{
		{Method: codes.PUT, Path: path},
	})
	if err == nil {
		t.Fatal("expected an error from a failing step")
	}
	if fin.calls != 0 {
		t.Error("finish should not be sent after a failed step")
	}
}
