package lwm2m

// Security, Server, and Access Control are the well-known object ids the
// engines special-case per spec.md §4.6/§4.8.
const (
	ObjectSecurity      = 0
	ObjectServer        = 1
	ObjectAccessControl = 2
)

// BootstrapServerID is the sentinel server_id denoting the Bootstrap
// Server, per spec.md §6 GLOSSARY ("Short Server ID").
const BootstrapServerID = 0xFFFF

// DefaultServerID is the "default" ACL key, per spec.md §4.8.
const DefaultServerID = 0

// ExecuteArgs is one parsed argument from the Execute grammar in spec.md
// §4.4: `item := digit+ ( '=' '\'' char* '\'' )?`.
type ExecuteArgs struct {
	Digit int
	Value string
	HasValue bool
}

// ObjectOps is the capability set an Object descriptor supports. A nil
// function means the operation is unimplemented and yields 4.05, per
// spec.md §3/§9 ("absence of a capability means 4.05").
type ObjectOps struct {
	// Create is invoked for POST /obj and POST /obj/inst (server- or
	// client-chosen instance id respectively).
	Create func(instanceID uint16, tlvPayload []byte) (uint16, error)
	// Read returns the TLV-encodable resource set for one instance, or
	// (if resourceID >= 0) a single resource.
	Read func(instanceID uint16, resourceID int) ([]TLV, error)
	// WriteResource performs a partial, single-resource update (text or
	// opaque Content-Format payload, constructed into a single-element
	// resource inline per spec.md §4.4).
	WriteResource func(instanceID uint16, resourceID uint16, value []byte) error
	// WriteTLV performs a TLV-container write (replace on PUT, partial
	// update on POST) covering one or more resources of an instance.
	WriteTLV func(instanceID uint16, tlv []TLV, replace bool) error
	// Execute invokes resourceID with the parsed Execute arguments.
	Execute func(instanceID uint16, resourceID uint16, args []ExecuteArgs) error
	// Delete destroys instanceID.
	Delete func(instanceID uint16) error
}

// Object is the descriptor for one managed Object, per spec.md §3: a
// numeric id, a fixed resource count, and a table of operation handlers.
// Each Object is backed by user code; this core never stores instance
// state itself (§5 "per-instance user data is owned by user code").
type Object struct {
	ID            uint16
	ResourceCount int
	Ops           ObjectOps
	// Instances tracks which instance ids currently exist, for Read-all
	// and ACL iteration. User code is responsible for keeping this in
	// sync with Create/Delete.
	Instances map[uint16]bool
}

// NewObject makes an empty Object descriptor.
func NewObject(id uint16, resourceCount int, ops ObjectOps) *Object {
	return &Object{
		ID:            id,
		ResourceCount: resourceCount,
		Ops:           ops,
		Instances:     make(map[uint16]bool),
	}
}

// InstanceIDs returns the currently-registered instance ids in ascending order.
func (o *Object) InstanceIDs() []uint16 {
	out := make([]uint16, 0, len(o.Instances))
	for id, present := range o.Instances {
		if present {
			out = append(out, id)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Registry is the set of Objects a Client exposes, keyed by object id.
// It is the client-side analogue of the server's registered-client table
// and is consulted by the request handler (spec.md §4.4) and the Access
// Control rebuild (spec.md §4.8).
type Registry struct {
	objects map[uint16]*Object
}

// NewRegistry makes an empty Object registry.
func NewRegistry() *Registry {
	return &Registry{objects: make(map[uint16]*Object)}
}

// Add registers an Object descriptor.
func (r *Registry) Add(o *Object) {
	r.objects[o.ID] = o
}

// Get looks up an Object descriptor by id.
func (r *Registry) Get(id uint16) (*Object, bool) {
	o, ok := r.objects[id]
	return o, ok
}

// IDs returns every registered object id in ascending order.
func (r *Registry) IDs() []uint16 {
	out := make([]uint16, 0, len(r.objects))
	for id := range r.objects {
		out = append(out, id)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// AdvertisedObjects builds the `(object_id, [instance_ids])` vector used
// in the CoRE Link Format registration payload (spec.md §3/§4.2/§4.3).
func (r *Registry) AdvertisedObjects() []AdvertisedObject {
	var out []AdvertisedObject
	for _, id := range r.IDs() {
		o := r.objects[id]
		out = append(out, AdvertisedObject{ObjectID: id, InstanceIDs: o.InstanceIDs()})
	}
	return out
}

// AdvertisedObject is one `</N>` or `</N/M>` entry of a registration payload.
type AdvertisedObject struct {
	ObjectID    uint16
	InstanceIDs []uint16
	// AltPath, if non-empty, is set on exactly one element to declare the
	// alternate base path, per spec.md §4.2 (`;rt="oma.lwm2m"`).
	AltPath string
}
