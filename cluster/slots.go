package cluster

import (
	"github.com/code-100-precent/clusterbus/wire"
)

// KeyStore is the opaque hook into the data store collaborator: just
// enough surface for slot reconciliation to account for keys left
// behind by a slot we've lost, without knowing anything about how keys
// are stored or hashed.
type KeyStore interface {
	CountKeysInSlot(slot int) uint32
	DelKeysInSlot(slot int) uint32
	Publish(channel string, message []byte, sharded bool) int
}

// currentPrimaryID returns the id this node currently follows: itself if
// it is a primary, or the node it replicates if it is a replica.
func currentPrimaryID(self *Node) string {
	if self.IsReplica() {
		return self.ReplicatesOf
	}
	return self.ID
}

// ReconcileSlots applies one sender's advertised slot bitmap against the
// routing table, per §4.5. It returns the slots we lost ownership of but
// still hold keys for (to be deleted by the caller unless a replica
// reconfiguration fires instead), the new primary discovered for our
// own shard, if any, and the slots where the sender's claim was
// rejected as stale against a recorded owner with a newer config_epoch
// (the caller should send each one an UPDATE so its view converges).
func ReconcileSlots(s *State, cfg Config, sender *Node, senderBitmap wire.SlotBitmap, senderConfigEpoch uint64, ks KeyStore) (dirty []int, newPrimary *Node, staleClaims []int) {
	self := s.Self()
	myPrimaryID := currentPrimaryID(self)
	allFromUs := true

	for slot := 0; slot < wire.ClusterSlots; slot++ {
		owner := s.SlotOwner(slot)
		claims := senderBitmap.Test(slot)

		if owner == sender.ID {
			s.setOwnerNotClaiming(slot, !claims)
			continue
		}

		if !claims {
			continue
		}

		ownerNode, ownerKnown := s.GetNode(owner)
		unclaimed := owner == "" || s.OwnerNotClaiming(slot)
		stale := ownerKnown && ownerNode.ConfigEpoch < senderConfigEpoch
		if !unclaimed && !stale {
			if ownerKnown && ownerNode.ConfigEpoch > senderConfigEpoch {
				staleClaims = append(staleClaims, slot)
			}
			continue
		}

		if owner == self.ID && ks != nil && ks.CountKeysInSlot(slot) > 0 {
			dirty = append(dirty, slot)
		}
		if owner == myPrimaryID {
			newPrimary = sender
		} else {
			allFromUs = false
		}
		s.SetSlotOwner(slot, sender.ID)
		s.setOwnerNotClaiming(slot, false)
	}

	if newPrimary != nil {
		selfPrimary, _ := s.GetNode(myPrimaryID)
		primaryNowEmpty := selfPrimary == nil || selfPrimary.NumSlots() == 0
		if primaryNowEmpty && reconfigAllowed(cfg, allFromUs) {
			reconfigureAsReplica(s, self, newPrimary.ID)
			applyAntiSubReplicaSafeguard(s, self)
			return nil, newPrimary, staleClaims
		}
	}
	return dirty, newPrimary, staleClaims
}

// reconfigAllowed implements the disjunction: a replica reconfigures
// onto the discovered primary if either cluster-wide replica migration
// is permitted, or every reassigned slot came from our own primary (so
// there is no cross-shard migration involved at all).
func reconfigAllowed(cfg Config, allFromUs bool) bool {
	return cfg.AllowReplicaMigration || allFromUs
}

func reconfigureAsReplica(s *State, self *Node, primaryID string) {
	self.mu.Lock()
	self.Flags |= FlagReplica
	self.Flags &^= FlagPrimary
	self.ReplicatesOf = primaryID
	self.mu.Unlock()
}

// applyAntiSubReplicaSafeguard adopts our grandprimary if the primary we
// just reconfigured onto is itself a replica, unless doing so would form
// a two-node replication cycle.
func applyAntiSubReplicaSafeguard(s *State, self *Node) {
	primary, ok := s.GetNode(self.ReplicatesOf)
	if !ok || !primary.IsReplica() {
		return
	}
	grandprimary := primary.ReplicatesOf
	if grandprimary == "" || grandprimary == self.ID {
		return
	}
	self.mu.Lock()
	self.ReplicatesOf = grandprimary
	self.mu.Unlock()
}

// ApplyUpdate applies a single authoritative {node, config_epoch,
// bitmap} claim from an UPDATE packet through the same reconciliation
// path, but only if the epoch exceeds what we have recorded for that
// node.
func ApplyUpdate(s *State, cfg Config, target *Node, p wire.UpdatePayload, ks KeyStore) (dirty []int, newPrimary *Node) {
	if p.ConfigEpoch <= target.ConfigEpoch {
		return nil, nil
	}
	target.mu.Lock()
	target.ConfigEpoch = p.ConfigEpoch
	target.mu.Unlock()
	dirty, newPrimary, _ = ReconcileSlots(s, cfg, target, p.Slots, p.ConfigEpoch, ks)
	return dirty, newPrimary
}

// StaleClaimUpdate returns, for a peer claiming slot with an epoch lower
// than the recorded owner's, the UPDATE payload that should be sent back
// to that peer so its stale view converges.
func StaleClaimUpdate(s *State, slot int) (wire.UpdatePayload, bool) {
	ownerID := s.SlotOwner(slot)
	if ownerID == "" {
		return wire.UpdatePayload{}, false
	}
	owner, ok := s.GetNode(ownerID)
	if !ok {
		return wire.UpdatePayload{}, false
	}
	return wire.UpdatePayload{ConfigEpoch: owner.ConfigEpoch, NodeID: owner.ID, Slots: MaskedOutboundSlots(owner, s)}, true
}

// MaskedOutboundSlots returns n's slot bitmap with every owner_not_claiming
// slot cleared, the mask applied to every outbound advertisement (PING,
// PONG, UPDATE) so stale claims are never propagated.
func MaskedOutboundSlots(n *Node, s *State) wire.SlotBitmap {
	n.mu.RLock()
	bm := n.Slots
	n.mu.RUnlock()
	for slot := 0; slot < wire.ClusterSlots; slot++ {
		if s.OwnerNotClaiming(slot) && s.SlotOwner(slot) == n.ID {
			bm.Clear(slot)
		}
	}
	return bm
}
