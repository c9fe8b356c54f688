package cluster

import (
	"testing"

	"github.com/code-100-precent/clusterbus/wire"
)

type fakeKeyStore struct {
	counts    map[int]uint32
	deleted   []int
	published []string
}

func (f *fakeKeyStore) CountKeysInSlot(slot int) uint32 { return f.counts[slot] }
func (f *fakeKeyStore) DelKeysInSlot(slot int) uint32 {
	f.deleted = append(f.deleted, slot)
	n := f.counts[slot]
	f.counts[slot] = 0
	return n
}
func (f *fakeKeyStore) Publish(channel string, message []byte, sharded bool) int {
	f.published = append(f.published, channel)
	return 0
}

func TestReconcileSlotsAdoptsHigherEpochClaim(t *testing.T) {
	s, self := newTestState(t)
	oldOwner := addPrimary(s, 5)
	s.SetSlotOwner(5, oldOwner.ID)
	oldOwner.ConfigEpoch = 1

	sender := addPrimary(s)
	sender.ConfigEpoch = 2
	var bm wire.SlotBitmap
	bm.Set(5)

	ks := &fakeKeyStore{counts: map[int]uint32{}}
	dirty, newPrimary, _ := ReconcileSlots(s, DefaultConfig(), sender, bm, sender.ConfigEpoch, ks)

	if s.SlotOwner(5) != sender.ID {
		t.Fatalf("expected slot 5 reassigned to sender")
	}
	if len(dirty) != 0 {
		t.Fatalf("expected no dirty slots when self never owned slot 5")
	}
	_ = self
	_ = newPrimary
}

func TestReconcileSlotsMarksDirtyWhenSelfLosesOwnedSlot(t *testing.T) {
	s, self := newTestState(t)
	s.SetSlotOwner(7, self.ID)
	self.SetSlot(7)
	self.ConfigEpoch = 1

	sender := addPrimary(s)
	sender.ConfigEpoch = 2
	var bm wire.SlotBitmap
	bm.Set(7)

	ks := &fakeKeyStore{counts: map[int]uint32{7: 3}}
	dirty, _, _ := ReconcileSlots(s, DefaultConfig(), sender, bm, sender.ConfigEpoch, ks)

	if len(dirty) != 1 || dirty[0] != 7 {
		t.Fatalf("expected slot 7 marked dirty, got %v", dirty)
	}
}

func TestReconcileSlotsSetsOwnerNotClaimingWithoutUnbinding(t *testing.T) {
	s, _ := newTestState(t)
	owner := addPrimary(s, 9)
	s.SetSlotOwner(9, owner.ID)

	var emptyBM wire.SlotBitmap // owner no longer claims slot 9
	ReconcileSlots(s, DefaultConfig(), owner, emptyBM, owner.ConfigEpoch, nil)

	if s.SlotOwner(9) != owner.ID {
		t.Fatalf("expected slot ownership to remain with owner despite non-claim")
	}
	if !s.OwnerNotClaiming(9) {
		t.Fatalf("expected owner_not_claiming set for slot 9")
	}
}

func TestReconcileSlotsIgnoresEqualEpochClaim(t *testing.T) {
	s, _ := newTestState(t)
	owner := addPrimary(s, 3)
	owner.ConfigEpoch = 5
	s.SetSlotOwner(3, owner.ID)

	challenger := addPrimary(s)
	challenger.ConfigEpoch = 5
	var bm wire.SlotBitmap
	bm.Set(3)

	ReconcileSlots(s, DefaultConfig(), challenger, bm, challenger.ConfigEpoch, nil)
	if s.SlotOwner(3) != owner.ID {
		t.Fatalf("expected equal-epoch claim to be ignored")
	}
}

func TestReconcileSlotsReportsStaleClaimForConvergenceUpdate(t *testing.T) {
	s, _ := newTestState(t)
	owner := addPrimary(s, 3)
	owner.ConfigEpoch = 5
	s.SetSlotOwner(3, owner.ID)

	challenger := addPrimary(s)
	challenger.ConfigEpoch = 2 // older than the recorded owner
	var bm wire.SlotBitmap
	bm.Set(3)

	_, _, staleClaims := ReconcileSlots(s, DefaultConfig(), challenger, bm, challenger.ConfigEpoch, nil)
	if len(staleClaims) != 1 || staleClaims[0] != 3 {
		t.Fatalf("expected slot 3 reported stale, got %v", staleClaims)
	}
	if s.SlotOwner(3) != owner.ID {
		t.Fatalf("expected ownership to remain with owner")
	}
}

func TestApplyUpdateRequiresStrictlyHigherEpoch(t *testing.T) {
	s, _ := newTestState(t)
	target := addPrimary(s)
	target.ConfigEpoch = 4
	p := wire.UpdatePayload{ConfigEpoch: 4, NodeID: target.ID}
	dirty, newPrimary := ApplyUpdate(s, DefaultConfig(), target, p, nil)
	if dirty != nil || newPrimary != nil {
		t.Fatalf("expected no-op update at equal epoch")
	}

	p.ConfigEpoch = 5
	ApplyUpdate(s, DefaultConfig(), target, p, nil)
	if target.ConfigEpoch != 5 {
		t.Fatalf("expected config_epoch advanced to 5, got %d", target.ConfigEpoch)
	}
}
