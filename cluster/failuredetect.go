package cluster

import (
	"time"

	"github.com/code-100-precent/clusterbus/wire"
)

// CheckPFail marks n PFAIL if no pong has arrived within cfg.NodeTimeout
// of the last ping. PFAIL is a purely local suspicion; it never
// propagates directly, only through gossip flags.
func CheckPFail(n *Node, cfg Config, now time.Time) {
	if n.Flags.Has(FlagSelf) || n.Flags.Has(FlagHandshake) || n.Flags.Has(FlagFail) {
		return
	}
	if n.PingSent.IsZero() || n.PongReceived.After(n.PingSent) {
		return
	}
	if now.Sub(n.PingSent) > cfg.NodeTimeout {
		n.mu.Lock()
		n.Flags |= FlagPFail
		n.mu.Unlock()
	}
}

// TryPromoteToFail evaluates the PFAIL->FAIL transition for n: it fires
// once the count of fresh failure reports, plus one if self is any
// primary, reaches the voting-set quorum. When the voting set has
// exactly one member and self is that primary, PFAIL promotes directly
// without waiting on external reports (the degenerate single-primary
// case). Returns true if n transitioned to FAIL on this call.
func TryPromoteToFail(s *State, n *Node, cfg Config, now time.Time) bool {
	if !n.Flags.Has(FlagPFail) || n.Flags.Has(FlagFail) {
		return false
	}

	votingSet := s.VotingSetSize()
	self := s.Self()
	selfIsPrimary := self != nil && self.IsPrimary()

	if votingSet == 1 && selfIsPrimary {
		promoteToFail(n, now)
		return true
	}

	reports := n.CountFreshFailureReports(cfg.FailReportValidity(), now)
	if selfIsPrimary {
		reports++
	}
	if reports >= s.Quorum() {
		promoteToFail(n, now)
		return true
	}
	return false
}

func promoteToFail(n *Node, now time.Time) {
	n.mu.Lock()
	n.Flags |= FlagFail
	n.Flags &^= FlagPFail
	n.FailTime = now
	n.mu.Unlock()
}

// AdoptFailFromPeer applies a FAIL broadcast received from another node,
// transitioning the target to FAIL immediately without waiting on our
// own timers or report count.
func AdoptFailFromPeer(s *State, targetID string, now time.Time) {
	n, ok := s.GetNode(targetID)
	if !ok {
		return
	}
	promoteToFail(n, now)
}

// TryClearFail evaluates whether a locally-FAIL node may be cleared now
// that it is reachable again: always for a replica or a slotless
// primary, and for a slotted primary only once fail_time predates
// FailUndoTimeMult*NodeTimeout + FailUndoTimeAdd (40s with the defaults,
// not 2*NodeTimeout alone), meaning no one took over in time. "Reachable again"
// requires data to have arrived from n since it was marked FAIL; a
// node that has sent nothing stays FAIL regardless of how much time
// has elapsed, matching clearNodeFailureIfNeeded's receive-path-only
// invocation in the original implementation.
func TryClearFail(n *Node, cfg Config, now time.Time) bool {
	if !n.Flags.Has(FlagFail) {
		return false
	}
	if n.DataReceived.IsZero() || n.DataReceived.Before(n.FailTime) {
		return false
	}
	if n.IsReplica() || n.NumSlots() == 0 {
		clearFail(n)
		return true
	}
	limit := time.Duration(cfg.FailUndoTimeMult)*cfg.NodeTimeout + cfg.FailUndoTimeAdd
	if n.IsPrimary() && now.Sub(n.FailTime) > limit {
		clearFail(n)
		return true
	}
	return false
}

func clearFail(n *Node) {
	n.mu.Lock()
	n.Flags &^= FlagFail | FlagPFail
	n.mu.Unlock()
}

// BuildFailPacket assembles the FAIL payload broadcast when a node
// transitions PFAIL->FAIL locally.
func BuildFailPacket(targetID string) wire.FailPayload {
	return wire.FailPayload{TargetID: targetID}
}
