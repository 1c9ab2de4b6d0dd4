package lwm2m

import (
	"context"
	"errors"
	"testing"

	"github.com/matrix-org/go-coap/v2/message/codes"
)

type fakeManagementTransport struct {
	lastReq ManagementRequest
	resp    Response
	err     error
}

func (f *fakeManagementTransport) Do(ctx context.Context, client *RegisteredClient, req ManagementRequest) (Response, error) {
	f.lastReq = req
	if f.err != nil {
		return Response{}, f.err
	}
	return f.resp, nil
}

func TestManagementReadBuildsGET(t *testing.T) {
	tr := &fakeManagementTransport{resp: Response{Code: codes.Content}}
	d := &ManagementDispatcher{Transport: tr}
	path, _ := ParsePath("/3/0/1")
	resp := d.Read(&RegisteredClient{Name: "dev1"}, path)

	if tr.lastReq.Method != codes.GET {
		t.Errorf("got method %v want GET", tr.lastReq.Method)
	}
	if len(tr.lastReq.Token) != 8 {
		t.Errorf("expected an 8-byte token, got %d bytes", len(tr.lastReq.Token))
	}
	if resp.Code != codes.Content {
		t.Errorf("got %v want Content", resp.Code)
	}
}

func TestManagementTimeoutSynthesizesGatewayTimeout(t *testing.T) {
	tr := &fakeManagementTransport{err: errors.New("deadline exceeded")}
	d := &ManagementDispatcher{Transport: tr}
	path, _ := ParsePath("/3/0/1")
	resp := d.Read(&RegisteredClient{Name: "dev1"}, path)
	if resp.Code != codes.GatewayTimeout {
		t.Errorf("got %v want GatewayTimeout", resp.Code)
	}
}

func TestManagementExecuteCarriesArgs(t *testing.T) {
	tr := &fakeManagementTransport{resp: Response{Code: codes.Changed}}
	d := &ManagementDispatcher{Transport: tr}
	path, _ := ParsePath("/3/0/4")
	d.Execute(&RegisteredClient{Name: "dev1"}, path, "0,1='x'")
	if tr.lastReq.ExecuteArgs != "0,1='x'" {
		t.Errorf("got args %q", tr.lastReq.ExecuteArgs)
	}
	if tr.lastReq.Method != codes.POST {
		t.Errorf("got method %v want POST", tr.lastReq.Method)
	}
}

func TestManagementObserveSetsFlag(t *testing.T) {
	tr := &fakeManagementTransport{resp: Response{Code: codes.Content}}
	d := &ManagementDispatcher{Transport: tr}
	path, _ := ParsePath("/3/0/1")
	d.Observe(&RegisteredClient{Name: "dev1"}, path)
	if !tr.lastReq.Observe {
		t.Error("expected Observe to be set")
	}
	d.CancelObserve(&RegisteredClient{Name: "dev1"}, path)
	if tr.lastReq.Observe {
		t.Error("expected Observe to be cleared on cancel")
	}
}
