package lwm2m

import (
	"testing"

	"github.com/matrix-org/go-coap/v2/message/codes"
)

func testRegistry() (*Registry, *Object) {
	reg := NewRegistry()
	var stored []byte
	obj := NewObject(3, 1, ObjectOps{
		Read: func(instanceID uint16, resourceID int) ([]TLV, error) {
			if instanceID != 0 {
				return nil, Errorf(KindNotFound, "no such instance")
			}
			p, _ := EncodeResourceValue(TypeString, string(stored))
			return []TLV{{ID: 0, Payload: p}}, nil
		},
		WriteResource: func(instanceID uint16, resourceID uint16, value []byte) error {
			stored = value
			return nil
		},
	})
	obj.Instances[0] = true
	reg.Add(obj)
	return reg, obj
}

func TestDispatchReadResource(t *testing.T) {
	reg, _ := testRegistry()
	h := &RequestHandler{Registry: reg}
	path, _ := ParsePath("/3/0/0")
	resp := h.Handle(Request{Method: codes.GET, Path: path})
	if resp.Code != codes.Content {
		t.Fatalf("got %v want Content", resp.Code)
	}
	if resp.ContentFormat != ContentFormatTLV {
		t.Errorf("got content format %v want TLV", resp.ContentFormat)
	}
}

func TestDispatchWriteThenReadRoundTrip(t *testing.T) {
	reg, _ := testRegistry()
	h := &RequestHandler{Registry: reg}
	writePath, _ := ParsePath("/3/0/0")
	resp := h.Handle(Request{Method: codes.PUT, Path: writePath, ContentFormat: ContentFormatText, Body: []byte("v")})
	if resp.Code != codes.Changed {
		t.Fatalf("write got %v want Changed", resp.Code)
	}
	resp = h.Handle(Request{Method: codes.GET, Path: writePath})
	decoded, err := DecodeTLV(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := decoded[0].AsBytes()
	if string(got) != "v" {
		t.Errorf("got %q want v", got)
	}
}

func TestDispatchRejectsJSON(t *testing.T) {
	reg, _ := testRegistry()
	h := &RequestHandler{Registry: reg}
	path, _ := ParsePath("/3/0/0")
	resp := h.Handle(Request{Method: codes.PUT, Path: path, ContentFormat: ContentFormatJSON, Body: []byte("{}")})
	if resp.Code != codes.UnsupportedMediaType {
		t.Errorf("got %v want UnsupportedMediaType", resp.Code)
	}
}

func TestDispatchSecurityObjectRestricted(t *testing.T) {
	reg := NewRegistry()
	reg.Add(NewObject(ObjectSecurity, 1, ObjectOps{Read: func(uint16, int) ([]TLV, error) { return nil, nil }}))
	h := &RequestHandler{Registry: reg}
	path, _ := ParsePath("/0/0")

	resp := h.Handle(Request{Method: codes.GET, Path: path, ServerID: 7})
	if resp.Code != codes.Unauthorized {
		t.Errorf("non-bootstrap access to Security object: got %v want Unauthorized", resp.Code)
	}
	resp = h.Handle(Request{Method: codes.GET, Path: path, ServerID: BootstrapServerID})
	if resp.Code == codes.Unauthorized {
		t.Error("bootstrap server should be allowed to access the Security object")
	}
}

func TestDispatchDeleteResourceAlwaysMethodNotAllowed(t *testing.T) {
	reg, _ := testRegistry()
	h := &RequestHandler{Registry: reg}
	path, _ := ParsePath("/3/0/0")
	resp := h.Handle(Request{Method: codes.DELETE, Path: path})
	if resp.Code != codes.MethodNotAllowed {
		t.Errorf("got %v want MethodNotAllowed", resp.Code)
	}
}

func TestDispatchACLGateDeniesRead(t *testing.T) {
	reg, _ := testRegistry()
	acl := NewACLEngine()
	acl.AllocateForInstance(3, 0, BootstrapServerID)
	// only server 1 has read rights; server 2 does not.
	inst, _ := acl.Lookup(3, 0)
	inst.ACL[1] = int(RightRead)

	h := &RequestHandler{Registry: reg, ACL: acl, NumServers: 2}
	path, _ := ParsePath("/3/0")

	resp := h.Handle(Request{Method: codes.GET, Path: path, ServerID: 2})
	if resp.Code != codes.Unauthorized {
		t.Errorf("server 2: got %v want Unauthorized", resp.Code)
	}
	resp = h.Handle(Request{Method: codes.GET, Path: path, ServerID: 1})
	if resp.Code != codes.Content {
		t.Errorf("server 1: got %v want Content", resp.Code)
	}
}

func TestDispatchCreateServerChoosesID(t *testing.T) {
	reg := NewRegistry()
	var created []uint16
	obj := NewObject(4, 1, ObjectOps{
		Create: func(instanceID uint16, tlv []byte) (uint16, error) {
			id := uint16(len(created))
			created = append(created, id)
			return id, nil
		},
	})
	reg.Add(obj)
	h := &RequestHandler{Registry: reg}
	path, _ := ParsePath("/4")
	resp := h.Handle(Request{Method: codes.POST, Path: path})
	if resp.Code != codes.Created {
		t.Fatalf("got %v want Created", resp.Code)
	}
	if !obj.Instances[0] {
		t.Error("expected instance 0 to be registered")
	}
}

func TestDispatchObserveEstablishesAndCancels(t *testing.T) {
	reg, _ := testRegistry()
	obsEngine := NewObserveEngine()
	h := &RequestHandler{Registry: reg, Observers: obsEngine}
	path, _ := ParsePath("/3/0/0")

	resp := h.Handle(Request{Method: codes.GET, Path: path, ServerID: 1, Observe: true, Token: []byte{1}})
	if !resp.Observe {
		t.Fatal("expected Observe to be established")
	}
	if _, ok := obsEngine.Get(serverScope(1), path); !ok {
		t.Fatal("expected an observation to be recorded")
	}

	resp = h.Handle(Request{Method: codes.GET, Path: path, ServerID: 1})
	if resp.Observe {
		t.Error("plain GET should not report Observe")
	}
	if _, ok := obsEngine.Get(serverScope(1), path); ok {
		t.Error("plain GET should cancel the existing observation")
	}
}

func TestExecuteArgsValidation(t *testing.T) {
	reg := NewRegistry()
	var gotArgs []ExecuteArgs
	obj := NewObject(5, 1, ObjectOps{
		Execute: func(instanceID, resourceID uint16, args []ExecuteArgs) error {
			gotArgs = args
			return nil
		},
	})
	obj.Instances[0] = true
	reg.Add(obj)
	h := &RequestHandler{Registry: reg}
	path, _ := ParsePath("/5/0/1")

	resp := h.Handle(Request{Method: codes.POST, Path: path, ExecuteArgs: "0,1='hi'"})
	if resp.Code != codes.Changed {
		t.Fatalf("got %v want Changed", resp.Code)
	}
	if len(gotArgs) != 2 || gotArgs[1].Value != "hi" {
		t.Errorf("got args %+v", gotArgs)
	}

	resp = h.Handle(Request{Method: codes.POST, Path: path, ExecuteArgs: "bad"})
	if resp.Code != codes.BadRequest {
		t.Errorf("invalid args: got %v want BadRequest", resp.Code)
	}
}
