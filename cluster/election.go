package cluster

import (
	"math/rand"
	"time"
)

// ShouldConsiderFailover reports whether self (a replica of primary)
// should consider starting an election right now, per §4.6's trigger
// conditions. manual bypasses the data-freshness precondition.
func ShouldConsiderFailover(self, primary *Node, cfg Config, now time.Time, manual bool) bool {
	if !self.IsReplica() {
		return false
	}
	if primary == nil || primary.NumSlots() == 0 {
		return false
	}
	if !manual {
		if self.Flags.Has(FlagNoFailover) {
			return false
		}
		if !primary.Flags.Has(FlagFail) {
			return false
		}
		dataAge := now.Sub(self.DataReceived)
		limit := time.Duration(cfg.ValidityFactor)*cfg.NodeTimeout + cfg.EffectivePingInterval()
		if dataAge-cfg.NodeTimeout > limit {
			return false
		}
	}
	return true
}

// ComputeRank returns the number of co-replicas of primary with a
// strictly greater replication offset than self — lower rank elects
// sooner.
func ComputeRank(s *State, primary *Node, selfOffset int64) int {
	rank := 0
	for _, peer := range s.Nodes() {
		if peer.ReplicatesOf != primary.ID {
			continue
		}
		if peer.ReplOffset > selfOffset {
			rank++
		}
	}
	return rank
}

// ScheduleElection computes the election time per §4.6: now + 500ms +
// random(0..500ms) + rank*1000ms, collapsing to "now" with rank 0 for a
// manual failover.
func ScheduleElection(now time.Time, rank int, manual bool) time.Time {
	if manual {
		return now
	}
	jitter := time.Duration(rand.Intn(500)) * time.Millisecond
	return now.Add(500*time.Millisecond + jitter + time.Duration(rank)*time.Second)
}

// StartElection begins a new election attempt: bumps current_epoch,
// records it as the auth epoch, and marks auth as sent. Returns the
// claimed epoch for the AUTH_REQ broadcast.
func StartElection(s *State) uint64 {
	epoch := s.NextEpoch()
	s.mu.Lock()
	s.Election.AuthEpoch = epoch
	s.Election.AuthCount = 0
	s.Election.AuthSent = true
	s.mu.Unlock()
	return epoch
}

// AuthRequest carries the fields of an incoming AUTH_REQ relevant to the
// grant decision.
type AuthRequest struct {
	Requester    *Node
	PrimaryID    string
	CurrentEpoch uint64
	ClaimedSlots func(slot int) bool
	ForceAck     bool
}

// GrantVote evaluates an AUTH_REQ against the primary-side rules in
// §4.6 and returns whether to grant, and if not, why.
func GrantVote(s *State, self *Node, req AuthRequest, cfg Config, now time.Time) (bool, string) {
	if !self.IsPrimary() || self.NumSlots() == 0 {
		return false, "self is not a slot-owning primary"
	}
	if req.CurrentEpoch < s.CurrentEpoch {
		return false, "stale epoch"
	}
	if s.LastVoteEpoch == s.CurrentEpoch {
		return false, "already voted this epoch"
	}
	if !req.Requester.IsReplica() {
		return false, "requester is not a replica"
	}
	primary, known := s.GetNode(req.PrimaryID)
	if !known {
		return false, "unknown primary"
	}
	if !primary.Flags.Has(FlagFail) && !req.ForceAck {
		return false, "primary still reachable"
	}
	if !primary.VotedTime.IsZero() && now.Sub(primary.VotedTime) < 2*cfg.NodeTimeout {
		return false, "voted for this shard too recently"
	}
	for slot := 0; slot < len(s.slots); slot++ {
		if !req.ClaimedSlots(slot) {
			continue
		}
		owner := s.SlotOwner(slot)
		if owner == "" {
			continue
		}
		ownerNode, ok := s.GetNode(owner)
		if ok && ownerNode.ConfigEpoch > req.CurrentEpoch {
			return false, "stale slot claim"
		}
	}

	s.mu.Lock()
	s.LastVoteEpoch = s.CurrentEpoch
	s.mu.Unlock()
	primary.mu.Lock()
	primary.VotedTime = now
	primary.mu.Unlock()
	return true, ""
}

// TallyVote records an AUTH_ACK from a primary if it is eligible:
// slot-owning and its current_epoch at least matches the epoch we're
// standing on. Returns the new tally.
func TallyVote(s *State, voter *Node, voterCurrentEpoch uint64) int {
	if !voter.IsPrimary() || voter.NumSlots() == 0 {
		return s.electionAuthCount()
	}
	s.mu.RLock()
	authEpoch := s.Election.AuthEpoch
	s.mu.RUnlock()
	if voterCurrentEpoch < authEpoch {
		return s.electionAuthCount()
	}
	s.mu.Lock()
	s.Election.AuthCount++
	count := s.Election.AuthCount
	s.mu.Unlock()
	return count
}

func (s *State) electionAuthCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Election.AuthCount
}

// WinElection promotes self to primary once quorum is reached: adopts
// the claimed epoch (never regressing config_epoch), flips roles, and
// claims every slot previously owned by the demoted primary.
func WinElection(s *State, self *Node, demoted *Node) {
	s.mu.RLock()
	authEpoch := s.Election.AuthEpoch
	s.mu.RUnlock()

	self.mu.Lock()
	if authEpoch > self.ConfigEpoch {
		self.ConfigEpoch = authEpoch
	}
	self.Flags |= FlagPrimary
	self.Flags &^= FlagReplica
	self.ReplicatesOf = ""
	self.mu.Unlock()

	for slot := 0; slot < len(s.slots); slot++ {
		if s.SlotOwner(slot) == demoted.ID {
			s.SetSlotOwner(slot, self.ID)
		}
	}
	if demoted != nil {
		demoted.mu.Lock()
		demoted.Flags |= FlagReplica
		demoted.Flags &^= FlagPrimary
		demoted.ReplicatesOf = self.ID
		demoted.mu.Unlock()
	}
}

// ResolveEpochCollision implements the config-epoch tie-break: when two
// primaries advertise the same config_epoch, the one whose identifier
// sorts lexicographically smaller bumps current_epoch and adopts it,
// guaranteeing eventual uniqueness. Returns true if self bumped.
func ResolveEpochCollision(s *State, self, sender *Node) bool {
	if !self.IsPrimary() || !sender.IsPrimary() {
		return false
	}
	if self.ConfigEpoch != sender.ConfigEpoch {
		return false
	}
	if self.ID >= sender.ID {
		return false
	}
	newEpoch := s.NextEpoch()
	self.mu.Lock()
	self.ConfigEpoch = newEpoch
	self.mu.Unlock()
	return true
}

// StartManualFailover records an MFSTART request from replica and
// returns the deadline by which it must complete.
func StartManualFailover(s *State, replicaID string, cfg Config, now time.Time) time.Time {
	deadline := now.Add(cfg.ManualFailoverTimeout)
	s.mu.Lock()
	s.ManualFailover = ManualFailoverState{Active: true, Deadline: deadline, Replica: replicaID}
	s.mu.Unlock()
	return deadline
}

// ManualFailoverReady reports whether the replica's processed offset has
// caught up to the primary's paused offset, the gate that lets the
// standard election logic fire with rank 0 and forceack.
func ManualFailoverReady(s *State, replicaOffset int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ManualFailover.Active {
		return false
	}
	if replicaOffset >= s.ManualFailover.PrimaryOffset {
		s.ManualFailover.CanStart = true
	}
	return s.ManualFailover.CanStart
}

// AbortManualFailoverIfExpired clears manual-failover state once
// cfg.ManualFailoverTimeout has elapsed without completion.
func AbortManualFailoverIfExpired(s *State, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ManualFailover.Active {
		return false
	}
	if now.After(s.ManualFailover.Deadline) {
		s.ManualFailover = ManualFailoverState{}
		return true
	}
	return false
}
