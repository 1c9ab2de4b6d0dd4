package lwm2m

import "sync"

// Right is one bit of the Access Control bitmask, per spec.md §3/§4.8.
type Right int

const (
	RightRead    Right = 1
	RightWrite   Right = 2
	RightExecute Right = 4
	RightDelete  Right = 8
	RightCreate  Right = 16
)

// wildcardInstance is used as the TargetInstanceID of an object-level ACL
// entry seeded by Rebuild (spec.md §4.8's "every Object... gets one Access
// Control Object Instance"). It is consulted for Create requests, which by
// definition have no existing target instance yet.
const wildcardInstance = reservedInstanceID

// ACLInstance is one Access Control Object Instance: the tuple described
// in spec.md §3 ("the target_object_id, target_instance_id, {server_id ->
// ACL bitmask}, owner_server_id").
type ACLInstance struct {
	TargetObjectID   uint16
	TargetInstanceID uint16
	ACL              map[uint16]int
	Owner            uint16
}

// AsResources renders this instance as the four resources of the Access
// Control Object (id=2), for when a management Read targets object 2
// itself (spec.md §4.8).
func (a *ACLInstance) AsResources() []TLV {
	objPayload, _ := EncodeResourceValue(TypeInteger, int64(a.TargetObjectID))
	instPayload, _ := EncodeResourceValue(TypeInteger, int64(a.TargetInstanceID))
	ownerPayload, _ := EncodeResourceValue(TypeInteger, int64(a.Owner))
	var aclSubs []TLV
	for serverID, bitmask := range a.ACL {
		p, _ := EncodeResourceValue(TypeInteger, int64(bitmask))
		aclSubs = append(aclSubs, TLV{ID: serverID, Payload: p})
	}
	return []TLV{
		{Type: TLVResourceWithValue, ID: 0, Payload: objPayload},
		{Type: TLVResourceWithValue, ID: 1, Payload: instPayload},
		{Type: TLVMultipleResources, ID: 2, Payload: encodeLeaves(aclSubs)},
		{Type: TLVResourceWithValue, ID: 3, Payload: ownerPayload},
	}
}

func encodeLeaves(subs []TLV) []byte {
	var out []byte
	for _, s := range subs {
		out = append(out, EncodeTLV(TLVResourceInstance, s.ID, s.Payload)...)
	}
	return out
}

type aclKey struct {
	objectID   uint16
	instanceID uint16
}

// ACLEngine evaluates and maintains Access Control Object Instances,
// per spec.md §4.8. It is consulted by the client-side request handler's
// Access Control gate (spec.md §4.4).
type ACLEngine struct {
	mu        sync.Mutex
	instances map[aclKey]*ACLInstance
}

// NewACLEngine makes an empty engine.
func NewACLEngine() *ACLEngine {
	return &ACLEngine{instances: make(map[aclKey]*ACLInstance)}
}

func isACLManagedObject(objectID uint16) bool {
	return objectID != ObjectSecurity && objectID != ObjectServer && objectID != ObjectAccessControl
}

// Rebuild re-seeds the object-level ACL entries from the current Server
// Object state, per spec.md §4.8's "Client start rebuild": if any server
// instance exists, every managed object gets Create granted to each
// server id; otherwise (pre-bootstrap) the default-server key (0) gets
// Create so any server may bootstrap-provision freely.
func (e *ACLEngine) Rebuild(objectIDs []uint16, serverIDs []uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, objID := range objectIDs {
		if !isACLManagedObject(objID) {
			continue
		}
		key := aclKey{objectID: objID, instanceID: wildcardInstance}
		inst := &ACLInstance{
			TargetObjectID:   objID,
			TargetInstanceID: wildcardInstance,
			ACL:              make(map[uint16]int),
			Owner:            BootstrapServerID,
		}
		if len(serverIDs) == 0 {
			inst.ACL[DefaultServerID] = int(RightCreate)
		} else {
			for _, sid := range serverIDs {
				inst.ACL[sid] = int(RightCreate)
			}
		}
		e.instances[key] = inst
	}
}

// AllocateForInstance seeds a fresh Access Control Object Instance
// targeting (objectID, instanceID) with the given owner, per spec.md
// §4.8's "Per-instance setup": triggered whenever a new Object Instance
// is created on an object other than Security or Access Control.
func (e *ACLEngine) AllocateForInstance(objectID, instanceID, owner uint16) {
	if objectID == ObjectSecurity || objectID == ObjectAccessControl {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.instances[aclKey{objectID: objectID, instanceID: instanceID}] = &ACLInstance{
		TargetObjectID:   objectID,
		TargetInstanceID: instanceID,
		ACL:              make(map[uint16]int),
		Owner:            owner,
	}
}

// Lookup returns the ACL instance with the given target, if any.
func (e *ACLEngine) Lookup(objectID, instanceID uint16) (*ACLInstance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[aclKey{objectID: objectID, instanceID: instanceID}]
	return inst, ok
}

// Check evaluates whether serverID holds `right` on (objectID, instanceID),
// per spec.md §4.8's fallback order: explicit per-server right, then
// owner-of-instance (grants all rights), then default-server (id=0).
// Create checks (no existing instance yet) pass wildcardInstance.
func (e *ACLEngine) Check(serverID, objectID, instanceID uint16, right Right) bool {
	e.mu.Lock()
	inst, ok := e.instances[aclKey{objectID: objectID, instanceID: instanceID}]
	e.mu.Unlock()
	if !ok {
		return false
	}
	if bitmask, ok := inst.ACL[serverID]; ok && bitmask&int(right) != 0 {
		return true
	}
	if inst.Owner == serverID {
		return true
	}
	if bitmask, ok := inst.ACL[DefaultServerID]; ok && bitmask&int(right) != 0 {
		return true
	}
	return false
}

// CheckCreate evaluates Create rights at the object level (there is no
// instance yet to target), per spec.md §4.8.
func (e *ACLEngine) CheckCreate(serverID, objectID uint16) bool {
	return e.Check(serverID, objectID, wildcardInstance, RightCreate)
}

// ReadableInstances filters instanceIDs down to those serverID may Read,
// per spec.md §8 law 6 ("Access Control read-all").
func (e *ACLEngine) ReadableInstances(serverID, objectID uint16, instanceIDs []uint16) []uint16 {
	var out []uint16
	for _, id := range instanceIDs {
		if e.Check(serverID, objectID, id, RightRead) {
			out = append(out, id)
		}
	}
	return out
}

// Remove deletes the ACL instance targeting (objectID, instanceID), called
// when the underlying Object Instance is deleted.
func (e *ACLEngine) Remove(objectID, instanceID uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.instances, aclKey{objectID: objectID, instanceID: instanceID})
}
