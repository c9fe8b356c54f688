package cluster

import (
	"testing"

	"github.com/code-100-precent/clusterbus/wire"
)

func newTestAdmin(t *testing.T, s *State) *Admin {
	t.Helper()
	return NewAdmin(s, DefaultConfig(), &fakeKeyStore{counts: map[int]uint32{}}, nil, nil, nil)
}

func TestAdminAddSlotsRefusesAlreadyOwned(t *testing.T) {
	s, _ := newTestState(t)
	other := addPrimary(s, 5)
	s.SetSlotOwner(5, other.ID)
	a := newTestAdmin(t, s)

	if err := a.AddSlots([]int{5}); err == nil {
		t.Fatalf("expected refusal, slot 5 is owned by %s", other.ID)
	}
	if err := a.AddSlots([]int{10, 11}); err != nil {
		t.Fatalf("unexpected error claiming free slots: %v", err)
	}
	self := s.Self()
	if !self.HasSlot(10) || !self.HasSlot(11) {
		t.Fatalf("self did not claim slots 10, 11")
	}
	if s.SlotOwner(10) != self.ID {
		t.Fatalf("routing table owner = %s, want self", s.SlotOwner(10))
	}
}

func TestAdminDelSlotsRefusesUnowned(t *testing.T) {
	s, self := newTestState(t)
	s.SetSlotOwner(0, self.ID)
	a := newTestAdmin(t, s)

	if err := a.DelSlots([]int{99}); err == nil {
		t.Fatalf("expected refusal, slot 99 is not owned by self")
	}
	if err := a.DelSlots([]int{0}); err != nil {
		t.Fatalf("unexpected error releasing owned slot: %v", err)
	}
	if self.HasSlot(0) {
		t.Fatalf("self still claims slot 0 after delslots")
	}
	if s.SlotOwner(0) != "" {
		t.Fatalf("routing table still assigns slot 0")
	}
}

func TestAdminSetSlotMigrationLifecycle(t *testing.T) {
	s, self := newTestState(t)
	target := addPrimary(s)
	a := newTestAdmin(t, s)

	if err := a.AddSlots([]int{42}); err != nil {
		t.Fatalf("addslots: %v", err)
	}
	if err := a.SetSlot(42, SlotMigrating, target.ID); err != nil {
		t.Fatalf("setslot migrating: %v", err)
	}
	if s.MigratingTo(42) != target.ID {
		t.Fatalf("migrating[42] = %s, want %s", s.MigratingTo(42), target.ID)
	}

	if err := a.SetSlot(42, SlotNode, target.ID); err != nil {
		t.Fatalf("setslot node: %v", err)
	}
	if s.SlotOwner(42) != target.ID {
		t.Fatalf("slots[42] = %s, want %s", s.SlotOwner(42), target.ID)
	}
	if s.MigratingTo(42) != "" || s.ImportingFrom(42) != "" {
		t.Fatalf("migration bookkeeping not cleared after NODE")
	}
	if self.HasSlot(42) {
		t.Fatalf("self still claims slot 42 after handing it off")
	}
}

func TestAdminSetSlotImportBumpsEpochOnCompletion(t *testing.T) {
	s, self := newTestState(t)
	source := addPrimary(s, 42)
	a := newTestAdmin(t, s)
	startEpoch := self.ConfigEpoch

	if err := a.SetSlot(42, SlotImporting, source.ID); err != nil {
		t.Fatalf("setslot importing: %v", err)
	}
	if err := a.SetSlot(42, SlotNode, self.ID); err != nil {
		t.Fatalf("setslot node self: %v", err)
	}
	if !self.HasSlot(42) {
		t.Fatalf("self did not claim imported slot 42")
	}
	if self.ConfigEpoch <= startEpoch {
		t.Fatalf("config epoch not bumped on import completion: %d -> %d", startEpoch, self.ConfigEpoch)
	}
}

func TestAdminForgetRefusesSelfAndUnknown(t *testing.T) {
	s, self := newTestState(t)
	a := newTestAdmin(t, s)

	if err := a.Forget(self.ID); err == nil {
		t.Fatalf("expected refusal forgetting self")
	}
	if err := a.Forget(GenerateID()); err == nil {
		t.Fatalf("expected refusal forgetting unknown node")
	}
	peer := addPrimary(s)
	if err := a.Forget(peer.ID); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, ok := s.GetNode(peer.ID); ok {
		t.Fatalf("forgotten node still present")
	}
	if !s.IsBlacklisted(peer.ID) {
		t.Fatalf("forgotten node not blacklisted")
	}
}

func TestAdminReplicateRefusesWhileOwningSlots(t *testing.T) {
	s, _ := newTestState(t) // self owns slot 0
	target := addPrimary(s, 1)
	a := newTestAdmin(t, s)

	if err := a.Replicate(target.ID); err == nil {
		t.Fatalf("expected refusal, self still owns a slot")
	}
}

func TestAdminReplicateSucceedsOnceSlotless(t *testing.T) {
	s, self := newTestState(t)
	s.SetSlotOwner(0, self.ID)
	target := addPrimary(s, 1)
	a := newTestAdmin(t, s)
	if err := a.DelSlots([]int{0}); err != nil {
		t.Fatalf("delslots: %v", err)
	}

	if err := a.Replicate(target.ID); err != nil {
		t.Fatalf("replicate: %v", err)
	}
	if !self.IsReplica() || self.ReplicatesOf != target.ID {
		t.Fatalf("self did not become a replica of %s", target.ID)
	}
}

func TestAdminBumpEpochIsMonotoneAndUnconditional(t *testing.T) {
	s, self := newTestState(t)
	a := newTestAdmin(t, s)
	first := a.BumpEpoch()
	second := a.BumpEpoch()
	if second <= first {
		t.Fatalf("bumpepoch not monotone: %d then %d", first, second)
	}
	if self.ConfigEpoch != second {
		t.Fatalf("self config epoch = %d, want %d", self.ConfigEpoch, second)
	}
}

func TestAdminSetConfigEpochRefusedOnceClustered(t *testing.T) {
	s, self := newTestState(t)
	a := newTestAdmin(t, s)

	if err := a.SetConfigEpoch(7); err != nil {
		t.Fatalf("set-config-epoch on lone node: %v", err)
	}
	if self.ConfigEpoch != 7 {
		t.Fatalf("config epoch = %d, want 7", self.ConfigEpoch)
	}

	addPrimary(s, 99)
	if err := a.SetConfigEpoch(8); err == nil {
		t.Fatalf("expected refusal once node has peers")
	}
}

func TestAdminResetSoftKeepsIdentity(t *testing.T) {
	s, self := newTestState(t)
	id := self.ID
	a := newTestAdmin(t, s)

	if err := a.Reset(ResetSoft, a.KeyStore); err != nil {
		t.Fatalf("reset soft: %v", err)
	}
	if self.NumSlots() != 0 || s.SlotOwner(0) != "" {
		t.Fatalf("reset soft did not clear slot ownership")
	}
	if s.SelfID != id {
		t.Fatalf("reset soft changed self id")
	}
}

func TestAdminResetHardRegeneratesIdentityAndWipesPeers(t *testing.T) {
	s, self := newTestState(t)
	oldID := self.ID
	peer := addPrimary(s, 1)
	a := newTestAdmin(t, s)

	if err := a.Reset(ResetHard, a.KeyStore); err != nil {
		t.Fatalf("reset hard: %v", err)
	}
	if s.SelfID == oldID {
		t.Fatalf("reset hard did not regenerate self id")
	}
	if _, ok := s.GetNode(peer.ID); ok {
		t.Fatalf("reset hard did not wipe peer table")
	}
	if len(s.Nodes()) != 1 {
		t.Fatalf("reset hard left %d nodes, want 1 (self only)", len(s.Nodes()))
	}
}

func TestAdminRouteCrossSlotAndDown(t *testing.T) {
	s, _ := newTestState(t)
	a := newTestAdmin(t, s)
	SetKeySlotFunc(func(key []byte) uint16 {
		if len(key) == 0 {
			return 0
		}
		return uint16(key[0]) % wire.ClusterSlots
	})
	defer SetKeySlotFunc(func(key []byte) uint16 { return 0 })

	if r := a.Route([][]byte{{1}, {2}}); r.Decision != RouteCrossSlot {
		t.Fatalf("decision = %v, want cross_slot", r.Decision)
	}

	s.Health = HealthFail
	if r := a.Route([][]byte{{1}}); r.Decision != RouteDown {
		t.Fatalf("decision = %v, want down once cluster state is fail", r.Decision)
	}
}

func TestAdminRouteRedirectsToSlotOwner(t *testing.T) {
	s, self := newTestState(t)
	other := addPrimary(s, 7)
	s.SetSlotOwner(7, other.ID)
	a := newTestAdmin(t, s)
	SetKeySlotFunc(func(key []byte) uint16 { return 7 })
	defer SetKeySlotFunc(func(key []byte) uint16 { return 0 })

	r := a.Route([][]byte{[]byte("k")})
	if r.Decision != RouteRedirect || r.Node != other.ID {
		t.Fatalf("route = %+v, want redirect to %s", r, other.ID)
	}
	_ = self
}
