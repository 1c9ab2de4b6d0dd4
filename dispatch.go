package lwm2m

import (
	"strconv"

	"github.com/matrix-org/go-coap/v2/message"
	"github.com/matrix-org/go-coap/v2/message/codes"
)

// Content-Format numeric ids, per spec.md §6.
const (
	ContentFormatText   = message.MediaType(1541)
	ContentFormatTLV    = message.MediaType(1542)
	ContentFormatJSON   = message.MediaType(1543)
	ContentFormatOpaque = message.MediaType(1544)
)

// Request is a transport-agnostic view of one incoming CoAP request
// against an Object path, built by the CoAP adapter (coap_adapter.go)
// from a real mux.Message so that the dispatch decision in this file can
// be unit tested without a live CoAP server.
type Request struct {
	ServerID      uint16
	Method        codes.Code
	Path          Path
	ContentFormat message.MediaType
	Body          []byte
	ExecuteArgs   string
	// Observe and Token carry the CoAP Observe option (RFC 7641) on a GET,
	// per spec.md §4.6.
	Observe bool
	Token   []byte
}

// Response is the transport-agnostic result of handling a Request.
type Response struct {
	Code          codes.Code
	ContentFormat message.MediaType
	Body          []byte
	// Observe echoes back whether an observation was established or
	// cancelled by this request, per spec.md §4.6.
	Observe bool
}

// RequestHandler implements spec.md §4.4: path parsing was already done by
// the caller (it builds the Request), Access Control gating, and the
// method x path-length dispatch matrix against the client's Object
// Registry.
type RequestHandler struct {
	Registry *Registry
	ACL      *ACLEngine
	Log      Logger
	// NumServers is the count of currently-configured (non-bootstrap)
	// LWM2M servers; the Access Control gate only applies once more than
	// one server is configured, per spec.md §4.4.
	NumServers int
	// Observers, when set, lets GET requests establish or cancel a local
	// Observe relationship, per spec.md §4.6, scoped per requesting server.
	Observers *ObserveEngine
	// Bootstrap, when set, lets a server-initiated Bootstrap Write/Delete
	// cancel the client's own pending hold-off timer, per spec.md §4.6.
	Bootstrap *BootstrapClient
}

// Handle dispatches req per the method x path-length matrix in spec.md
// §4.4, including the Access Control gate and Content-Format checks.
func (h *RequestHandler) Handle(req Request) Response {
	if req.Path.ObjectID == ObjectSecurity && req.ServerID != BootstrapServerID {
		logf(h.Log, "rejecting non-bootstrap access to Security object from server %d", req.ServerID)
		return Response{Code: codes.Unauthorized}
	}
	if req.ContentFormat == ContentFormatJSON {
		return Response{Code: codes.UnsupportedMediaType}
	}
	contentFormat := req.ContentFormat
	if contentFormat == 0 {
		contentFormat = ContentFormatText
	}

	obj, ok := h.Registry.Get(uint16(req.Path.ObjectID))
	if !ok {
		return Response{Code: codes.NotFound}
	}

	gateActive := h.ACL != nil && h.NumServers > 1 && req.ServerID != BootstrapServerID

	switch req.Method {
	case codes.GET:
		resp := h.handleRead(req, obj, contentFormat, gateActive)
		h.applyObserve(req, resp.Code)
		if h.Observers != nil {
			if req.Observe && resp.Code == codes.Content {
				resp.Observe = true
			}
		}
		return resp
	case codes.POST:
		resp := h.handlePost(req, obj, contentFormat, gateActive)
		if req.Path.Segments != 3 { // segments == 3 is Execute, not a write
			h.notifyWrite(req, resp.Code)
		}
		return resp
	case codes.PUT:
		resp := h.handlePut(req, obj, contentFormat, gateActive)
		h.notifyWrite(req, resp.Code)
		return resp
	case codes.DELETE:
		resp := h.handleDelete(req, obj, gateActive)
		h.notifyWrite(req, resp.Code)
		return resp
	default:
		return Response{Code: codes.MethodNotAllowed}
	}
}

// notifyWrite fans a successful Create/Delete/Write out to every observer
// of req.Path, of one of its ancestors, or of a path beneath it (siblings
// of req.Path are not notified), per spec.md §4.7: a Management
// Write from one server is visible to every other server observing that
// path, not only to changes the app layer explicitly reports via
// Device.ValuesChanged/ObjectsChanged.
func (h *RequestHandler) notifyWrite(req Request, code codes.Code) {
	if h.Observers == nil {
		return
	}
	switch code {
	case codes.Created, codes.Deleted, codes.Changed:
		h.Observers.NotifyChanged([]Path{req.Path})
	}
}

// applyObserve establishes or cancels an Observe relationship for a GET,
// per spec.md §4.6. It is a no-op when no ObserveEngine is wired.
func (h *RequestHandler) applyObserve(req Request, code codes.Code) {
	if h.Observers == nil {
		return
	}
	scope := serverScope(req.ServerID)
	if req.Observe && code == codes.Content {
		h.Observers.Add(scope, req.Path, req.Token)
		return
	}
	if !req.Observe {
		h.Observers.Remove(scope, req.Path)
	}
}

// cancelBootstrapHoldOff stops the client's pending Bootstrap-Request timer
// once a Bootstrap Write/Delete has actually arrived from the Bootstrap
// Server, per spec.md §4.6: the server already initiated bootstrap, so the
// client's own hold-off-triggered Bootstrap-Request would be redundant.
func (h *RequestHandler) cancelBootstrapHoldOff() {
	if h.Bootstrap != nil {
		h.Bootstrap.CancelHoldOff()
	}
}

// serverScope renders a short server id as the Observe-engine scope key.
func serverScope(serverID uint16) string {
	return strconv.Itoa(int(serverID))
}

func (h *RequestHandler) authorized(req Request, gateActive bool, instanceID uint16, right Right) bool {
	if !gateActive {
		return true
	}
	return h.ACL.Check(req.ServerID, uint16(req.Path.ObjectID), instanceID, right)
}

func (h *RequestHandler) handleRead(req Request, obj *Object, contentFormat message.MediaType, gateActive bool) Response {
	if obj.Ops.Read == nil {
		return Response{Code: codes.MethodNotAllowed}
	}
	switch req.Path.Segments {
	case 1:
		ids := obj.InstanceIDs()
		if gateActive {
			ids = h.ACL.ReadableInstances(req.ServerID, obj.ID, ids)
			if len(ids) == 0 && len(obj.Instances) > 0 {
				return Response{Code: codes.Unauthorized}
			}
		}
		var all []byte
		for _, id := range ids {
			tlvs, err := obj.Ops.Read(id, -1)
			if err != nil {
				return errResponse(err)
			}
			all = append(all, encodeResourceSet(tlvs)...)
		}
		return Response{Code: codes.Content, ContentFormat: ContentFormatTLV, Body: all}
	case 2:
		instanceID := uint16(req.Path.InstanceID)
		if !h.authorized(req, gateActive, instanceID, RightRead) {
			return Response{Code: codes.Unauthorized}
		}
		tlvs, err := obj.Ops.Read(instanceID, -1)
		if err != nil {
			return errResponse(err)
		}
		return Response{Code: codes.Content, ContentFormat: ContentFormatTLV, Body: encodeResourceSet(tlvs)}
	case 3:
		instanceID := uint16(req.Path.InstanceID)
		if !h.authorized(req, gateActive, instanceID, RightRead) {
			return Response{Code: codes.Unauthorized}
		}
		tlvs, err := obj.Ops.Read(instanceID, req.Path.ResourceID)
		if err != nil {
			return errResponse(err)
		}
		return Response{Code: codes.Content, ContentFormat: ContentFormatTLV, Body: encodeResourceSet(tlvs)}
	}
	return Response{Code: codes.BadRequest}
}

func (h *RequestHandler) handlePost(req Request, obj *Object, contentFormat message.MediaType, gateActive bool) Response {
	switch req.Path.Segments {
	case 1: // Create, server chooses id
		if obj.Ops.Create == nil {
			return Response{Code: codes.MethodNotAllowed}
		}
		if !h.authorizedCreate(req, gateActive) {
			return Response{Code: codes.Unauthorized}
		}
		id, err := obj.Ops.Create(reservedInstanceID, req.Body)
		if err != nil {
			return errResponse(err)
		}
		obj.Instances[id] = true
		if h.ACL != nil {
			h.ACL.AllocateForInstance(obj.ID, id, req.ServerID)
		}
		return Response{Code: codes.Created}
	case 2: // Create (client-chosen id) or partial Write
		instanceID := uint16(req.Path.InstanceID)
		if obj.Instances[instanceID] {
			if obj.Ops.WriteTLV == nil && obj.Ops.WriteResource == nil {
				return Response{Code: codes.MethodNotAllowed}
			}
			if !h.authorized(req, gateActive, instanceID, RightWrite) {
				return Response{Code: codes.Unauthorized}
			}
			return h.writeBody(req, obj, instanceID, contentFormat, false)
		}
		if obj.Ops.Create == nil {
			return Response{Code: codes.MethodNotAllowed}
		}
		if !h.authorizedCreate(req, gateActive) {
			return Response{Code: codes.Unauthorized}
		}
		id, err := obj.Ops.Create(instanceID, req.Body)
		if err != nil {
			return errResponse(err)
		}
		obj.Instances[id] = true
		if h.ACL != nil {
			h.ACL.AllocateForInstance(obj.ID, id, req.ServerID)
		}
		return Response{Code: codes.Created}
	case 3: // Execute
		if obj.Ops.Execute == nil {
			return Response{Code: codes.MethodNotAllowed}
		}
		instanceID := uint16(req.Path.InstanceID)
		if !h.authorized(req, gateActive, instanceID, RightExecute) {
			return Response{Code: codes.Unauthorized}
		}
		args, err := ParseExecuteArgs(req.ExecuteArgs)
		if err != nil {
			return Response{Code: codes.BadRequest}
		}
		if err := obj.Ops.Execute(instanceID, uint16(req.Path.ResourceID), args); err != nil {
			return errResponse(err)
		}
		return Response{Code: codes.Changed}
	}
	return Response{Code: codes.BadRequest}
}

func (h *RequestHandler) authorizedCreate(req Request, gateActive bool) bool {
	if !gateActive {
		return true
	}
	return h.ACL.CheckCreate(req.ServerID, uint16(req.Path.ObjectID))
}

func (h *RequestHandler) handlePut(req Request, obj *Object, contentFormat message.MediaType, gateActive bool) Response {
	switch req.Path.Segments {
	case 1: // bootstrap-only: Write object
		if req.ServerID != BootstrapServerID {
			return Response{Code: codes.MethodNotAllowed}
		}
		h.cancelBootstrapHoldOff()
		return h.bootstrapWriteObject(req, obj, contentFormat)
	case 2: // Write instance (replace)
		instanceID := uint16(req.Path.InstanceID)
		if obj.Ops.WriteTLV == nil && obj.Ops.WriteResource == nil {
			return Response{Code: codes.MethodNotAllowed}
		}
		if !h.authorized(req, gateActive, instanceID, RightWrite) {
			return Response{Code: codes.Unauthorized}
		}
		return h.writeBody(req, obj, instanceID, contentFormat, true)
	case 3: // Write resource
		instanceID := uint16(req.Path.InstanceID)
		if obj.Ops.WriteResource == nil && obj.Ops.WriteTLV == nil {
			return Response{Code: codes.MethodNotAllowed}
		}
		if !h.authorized(req, gateActive, instanceID, RightWrite) {
			return Response{Code: codes.Unauthorized}
		}
		return h.writeResourcePath(req, obj, instanceID, uint16(req.Path.ResourceID), contentFormat)
	}
	return Response{Code: codes.BadRequest}
}

func (h *RequestHandler) handleDelete(req Request, obj *Object, gateActive bool) Response {
	switch req.Path.Segments {
	case 1: // bootstrap-only: delete all instances
		if req.ServerID != BootstrapServerID {
			return Response{Code: codes.MethodNotAllowed}
		}
		h.cancelBootstrapHoldOff()
		if obj.Ops.Delete == nil {
			return Response{Code: codes.Deleted}
		}
		for _, id := range obj.InstanceIDs() {
			if err := obj.Ops.Delete(id); err != nil {
				return errResponse(err)
			}
			delete(obj.Instances, id)
			if h.ACL != nil {
				h.ACL.Remove(obj.ID, id)
			}
		}
		return Response{Code: codes.Deleted}
	case 2:
		instanceID := uint16(req.Path.InstanceID)
		if obj.Ops.Delete == nil {
			return Response{Code: codes.MethodNotAllowed}
		}
		if !h.authorized(req, gateActive, instanceID, RightDelete) {
			return Response{Code: codes.Unauthorized}
		}
		if err := obj.Ops.Delete(instanceID); err != nil {
			return errResponse(err)
		}
		delete(obj.Instances, instanceID)
		if h.ACL != nil {
			h.ACL.Remove(obj.ID, instanceID)
		}
		return Response{Code: codes.Deleted}
	case 3:
		return Response{Code: codes.MethodNotAllowed}
	}
	return Response{Code: codes.BadRequest}
}

// writeBody handles a Write on an entire instance: TLV payload decodes
// once; a single Object-Instance container (the bootstrap case) is
// unwrapped and its inner records are passed to WriteTLV in one call;
// otherwise it is a flat set of Resource TLVs passed straight to WriteTLV. Text/opaque bodies fall back to WriteResource
// against resource 0, per spec.md §4.4.
func (h *RequestHandler) writeBody(req Request, obj *Object, instanceID uint16, contentFormat message.MediaType, replace bool) Response {
	if contentFormat != ContentFormatTLV {
		if obj.Ops.WriteResource == nil {
			return Response{Code: codes.MethodNotAllowed}
		}
		if err := obj.Ops.WriteResource(instanceID, 0, req.Body); err != nil {
			return errResponse(err)
		}
		return Response{Code: codes.Changed}
	}
	records, err := DecodeTLV(req.Body)
	if err != nil {
		return Response{Code: codes.BadRequest}
	}
	if len(records) == 1 && records[0].Type == TLVObjectInstance {
		inner, err := DecodeTLV(records[0].Payload)
		if err != nil {
			return Response{Code: codes.BadRequest}
		}
		records = inner
	}
	if obj.Ops.WriteTLV == nil {
		return Response{Code: codes.MethodNotAllowed}
	}
	if err := obj.Ops.WriteTLV(instanceID, records, replace); err != nil {
		return errResponse(err)
	}
	return Response{Code: codes.Changed}
}

// writeResourcePath handles a Write targeting a single resource path.
func (h *RequestHandler) writeResourcePath(req Request, obj *Object, instanceID, resourceID uint16, contentFormat message.MediaType) Response {
	if contentFormat != ContentFormatTLV {
		if obj.Ops.WriteResource == nil {
			return Response{Code: codes.MethodNotAllowed}
		}
		if err := obj.Ops.WriteResource(instanceID, resourceID, req.Body); err != nil {
			return errResponse(err)
		}
		return Response{Code: codes.Changed}
	}
	records, err := DecodeTLV(req.Body)
	if err != nil || len(records) == 0 {
		return Response{Code: codes.BadRequest}
	}
	if obj.Ops.WriteTLV != nil {
		if err := obj.Ops.WriteTLV(instanceID, records, false); err != nil {
			return errResponse(err)
		}
		return Response{Code: codes.Changed}
	}
	if obj.Ops.WriteResource == nil {
		return Response{Code: codes.MethodNotAllowed}
	}
	value, err := records[0].AsBytes()
	if err != nil {
		return Response{Code: codes.BadRequest}
	}
	if err := obj.Ops.WriteResource(instanceID, resourceID, value); err != nil {
		return errResponse(err)
	}
	return Response{Code: codes.Changed}
}

// bootstrapWriteObject implements PUT /obj during bootstrap: the payload
// is an array of Object-Instance TLVs, each routed to Create or WriteTLV
// depending on whether the instance already exists, per spec.md §4.6.
func (h *RequestHandler) bootstrapWriteObject(req Request, obj *Object, contentFormat message.MediaType) Response {
	if contentFormat != ContentFormatTLV {
		return Response{Code: codes.BadRequest}
	}
	records, err := DecodeTLV(req.Body)
	if err != nil {
		return Response{Code: codes.BadRequest}
	}
	for _, rec := range records {
		if rec.Type != TLVObjectInstance {
			return Response{Code: codes.BadRequest}
		}
		inner, err := DecodeTLV(rec.Payload)
		if err != nil {
			return Response{Code: codes.BadRequest}
		}
		if obj.Instances[rec.ID] {
			if obj.Ops.WriteTLV == nil {
				continue
			}
			if err := obj.Ops.WriteTLV(rec.ID, inner, true); err != nil {
				return errResponse(err)
			}
		} else {
			if obj.Ops.Create == nil {
				continue
			}
			id, err := obj.Ops.Create(rec.ID, rec.Payload)
			if err != nil {
				return errResponse(err)
			}
			obj.Instances[id] = true
			if h.ACL != nil {
				h.ACL.AllocateForInstance(obj.ID, id, BootstrapServerID)
			}
		}
	}
	return Response{Code: codes.Changed}
}

func encodeResourceSet(tlvs []TLV) []byte {
	var out []byte
	for _, t := range tlvs {
		typ := t.Type
		if typ == 0 {
			typ = TLVResourceWithValue
		}
		out = append(out, EncodeTLV(typ, t.ID, t.Payload)...)
	}
	return out
}

func errResponse(err error) Response {
	return Response{Code: ResponseCode(err)}
}
