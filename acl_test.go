package lwm2m

import "testing"

// S5 from spec.md §8: server with no read grant on the target instance
// gets denied and the underlying read handler must never be called.
func TestACLDenial(t *testing.T) {
	e := NewACLEngine()
	e.AllocateForInstance(5, 0, BootstrapServerID)
	// S1 (server id 1) explicitly granted Read; S2 (server id 2) is not.
	inst, ok := e.Lookup(5, 0)
	if !ok {
		t.Fatal("expected an ACL instance")
	}
	inst.ACL[1] = int(RightRead)

	if !e.Check(1, 5, 0, RightRead) {
		t.Error("server 1 should have read access")
	}
	if e.Check(2, 5, 0, RightRead) {
		t.Error("server 2 should be denied read access")
	}
}

// §8 law 6: read-all filters down to authorized instances only.
func TestACLReadAllFiltersInstances(t *testing.T) {
	e := NewACLEngine()
	e.AllocateForInstance(5, 1, BootstrapServerID)
	e.AllocateForInstance(5, 2, BootstrapServerID)
	e.AllocateForInstance(5, 3, BootstrapServerID)

	i1, _ := e.Lookup(5, 1)
	i1.ACL[9] = int(RightRead)
	i2, _ := e.Lookup(5, 2)
	i2.ACL[9] = int(RightRead)
	// instance 3 has no grant for server 9.

	got := e.ReadableInstances(9, 5, []uint16{1, 2, 3})
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("got %v want [1 2]", got)
	}
}

func TestACLOwnerGrantsAllRights(t *testing.T) {
	e := NewACLEngine()
	e.AllocateForInstance(5, 0, 42)
	for _, r := range []Right{RightRead, RightWrite, RightExecute, RightDelete, RightCreate} {
		if !e.Check(42, 5, 0, r) {
			t.Errorf("owner should hold right %v", r)
		}
	}
}

func TestACLDefaultServerFallback(t *testing.T) {
	e := NewACLEngine()
	e.AllocateForInstance(5, 0, BootstrapServerID)
	inst, _ := e.Lookup(5, 0)
	inst.ACL[DefaultServerID] = int(RightRead)
	if !e.Check(7, 5, 0, RightRead) {
		t.Error("default-server grant should apply to any server id")
	}
	if e.Check(7, 5, 0, RightWrite) {
		t.Error("default-server grant should not extend to ungranted rights")
	}
}

func TestACLRebuildPreBootstrapSeedsDefaultCreate(t *testing.T) {
	e := NewACLEngine()
	e.Rebuild([]uint16{5, 6}, nil)
	if !e.CheckCreate(0, 5) {
		t.Error("pre-bootstrap: default server (0) should be able to create on any managed object")
	}
}

func TestACLRebuildSeedsEachServer(t *testing.T) {
	e := NewACLEngine()
	e.Rebuild([]uint16{5}, []uint16{1, 2})
	if !e.CheckCreate(1, 5) || !e.CheckCreate(2, 5) {
		t.Error("each configured server should be able to create after rebuild")
	}
}

func TestACLRebuildSkipsSecurityServerAndACLObjects(t *testing.T) {
	e := NewACLEngine()
	e.Rebuild([]uint16{ObjectSecurity, ObjectServer, ObjectAccessControl}, []uint16{1})
	if _, ok := e.Lookup(ObjectSecurity, wildcardInstance); ok {
		t.Error("Security object should never get an ACL instance")
	}
	if _, ok := e.Lookup(ObjectServer, wildcardInstance); ok {
		t.Error("Server object should never get an ACL instance")
	}
	if _, ok := e.Lookup(ObjectAccessControl, wildcardInstance); ok {
		t.Error("Access Control object should never get an ACL instance")
	}
}
