package cluster

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/code-100-precent/clusterbus/wire"
)

// blacklistTTL is how long a FORGET'd node id is refused re-admission
// through gossip, long enough to outlast any reasonable gossip loop.
const blacklistTTL = 60 * time.Second

// Health is the cluster-wide coverage/quorum verdict recomputed by the
// cron orchestrator.
type Health int

const (
	HealthOK Health = iota
	HealthFail
)

func (h Health) String() string {
	if h == HealthOK {
		return "ok"
	}
	return "fail"
}

// ElectionState tracks an in-flight (or most recent) failover election
// from this node's point of view, whichever side it is playing.
type ElectionState struct {
	NextElection     time.Time
	PreviousElection time.Time
	AuthEpoch        uint64
	AuthCount        int
	AuthSent         bool
	Rank             int
	CantFailoverReason string
}

// ManualFailoverState tracks a MFSTART-driven manual failover.
type ManualFailoverState struct {
	Active       bool
	Deadline     time.Time
	Replica      string
	PrimaryOffset int64
	CanStart     bool
}

// State is the process-wide cluster singleton: the node table, the
// shard index, the slot ownership table, and the epoch/election/failover
// bookkeeping that the gossip, failure-detection, slot-table and
// election components all read and mutate.
type State struct {
	mu sync.RWMutex

	SelfID string
	nodes  map[string]*Node

	shardIndex map[string][]string

	blacklist *lru.LRU[string, struct{}]

	slots      [wire.ClusterSlots]string // node id owning each slot, "" if none
	migrating  [wire.ClusterSlots]string
	importing  [wire.ClusterSlots]string
	ownerNotClaiming wire.SlotBitmap

	CurrentEpoch  uint64
	LastVoteEpoch uint64

	Health Health

	Election ElectionState
	ManualFailover ManualFailoverState

	sentCounters     [wire.TypeCount]uint64
	receivedCounters [wire.TypeCount]uint64

	Log *logrus.Entry
}

// NewState builds an empty cluster state owning selfID. The node table
// starts empty; callers insert the self node with AddNode.
func NewState(selfID string, log *logrus.Entry) *State {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &State{
		SelfID:     selfID,
		nodes:      make(map[string]*Node),
		shardIndex: make(map[string][]string),
		blacklist:  lru.NewLRU[string, struct{}](4096, nil, blacklistTTL),
		Log:        log,
	}
	return s
}

// Self returns the local node, which must always be present in the
// table after NewState + AddNode(self).
func (s *State) Self() *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes[s.SelfID]
}

// GetNode looks up a node by identifier.
func (s *State) GetNode(id string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// AddNode registers a new node, indexing it by shard id. Callers must
// not already hold an entry for n.ID.
func (s *State) AddNode(n *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.ID] = n
	if n.ShardID != "" {
		s.shardIndex[n.ShardID] = append(s.shardIndex[n.ShardID], n.ID)
	}
}

// RenameNode replaces a handshake placeholder identifier with the peer's
// real one, used when a handshake completes.
func (s *State) RenameNode(oldID, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[oldID]
	if !ok {
		return
	}
	delete(s.nodes, oldID)
	n.ID = newID
	s.nodes[newID] = n
	for slot, owner := range s.slots {
		if owner == oldID {
			s.slots[slot] = newID
		}
	}
}

// ForgetNode removes a node from the table, shard index, and routing
// table, and blacklists its id so gossip cannot re-add it within the
// TTL.
func (s *State) ForgetNode(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return
	}
	delete(s.nodes, id)
	if n.ShardID != "" {
		peers := s.shardIndex[n.ShardID]
		for i, p := range peers {
			if p == id {
				s.shardIndex[n.ShardID] = append(peers[:i], peers[i+1:]...)
				break
			}
		}
	}
	for slot := range s.slots {
		if s.slots[slot] == id {
			s.slots[slot] = ""
		}
	}
	s.blacklist.Add(id, struct{}{})
}

// IsBlacklisted reports whether id was recently forgotten and must not
// be re-admitted through gossip.
func (s *State) IsBlacklisted(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blacklist.Get(id)
	return ok
}

// Nodes returns a snapshot slice of every known node.
func (s *State) Nodes() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return out
}

// ReplicasOf returns the ids of every node currently replicating
// primaryID, computed live off the node table rather than tracked as
// denormalized state on the primary's Node, so it can never drift out
// of sync with the ReplicatesOf links that are the source of truth.
func (s *State) ReplicasOf(primaryID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, n := range s.nodes {
		if n.IsReplica() && n.ReplicatesOf == primaryID {
			out = append(out, n.ID)
		}
	}
	return out
}

// VotingSetSize returns the count of primaries with at least one slot,
// the denominator for every quorum computation.
func (s *State) VotingSetSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, n := range s.nodes {
		if n.IsPrimary() && n.NumSlots() > 0 {
			count++
		}
	}
	return count
}

// Quorum returns floor(votingSetSize/2)+1, the vote/report count needed
// to confirm a failure or win an election.
func (s *State) Quorum() int {
	return s.VotingSetSize()/2 + 1
}

// SlotOwner returns the id of the primary currently owning slot, or ""
// if unclaimed.
func (s *State) SlotOwner(slot int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slots[slot]
}

// SetSlotOwner assigns slot to owner (possibly "" to clear it).
func (s *State) SetSlotOwner(slot int, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot] = owner
}

// OwnerNotClaiming reports the soft-uncertainty bit for slot.
func (s *State) OwnerNotClaiming(slot int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ownerNotClaiming.Test(slot)
}

func (s *State) setOwnerNotClaiming(slot int, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v {
		s.ownerNotClaiming.Set(slot)
	} else {
		s.ownerNotClaiming.Clear(slot)
	}
}

// MigratingTo returns the target node id slot is migrating to, or "".
func (s *State) MigratingTo(slot int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.migrating[slot]
}

// ImportingFrom returns the source node id slot is being imported from,
// or "".
func (s *State) ImportingFrom(slot int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.importing[slot]
}

// SetMigrating marks slot as migrating to target ("" clears it).
func (s *State) SetMigrating(slot int, target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.migrating[slot] = target
}

// SetImporting marks slot as being imported from source ("" clears it).
func (s *State) SetImporting(slot int, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.importing[slot] = source
}

// BumpCurrentEpoch raises CurrentEpoch to at least e.
func (s *State) BumpCurrentEpoch(e uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e > s.CurrentEpoch {
		s.CurrentEpoch = e
	}
}

// NextEpoch increments and returns CurrentEpoch, used when a replica
// starts an election.
func (s *State) NextEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CurrentEpoch++
	return s.CurrentEpoch
}

// RecordSent increments the per-type outbound message counter.
func (s *State) RecordSent(t wire.MessageType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentCounters[t]++
}

// RecordReceived increments the per-type inbound message counter.
func (s *State) RecordReceived(t wire.MessageType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receivedCounters[t]++
}

// SentCount returns the running total of messages of type t this node
// has sent, used to pace how often each peer is offered as a gossip
// sampling target (§4.3's round-robin-over-time selection).
func (s *State) SentCount(t wire.MessageType) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sentCounters[t]
}

// Counters returns a copy of the sent/received counters for info().
func (s *State) Counters() (sent, received [wire.TypeCount]uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sentCounters, s.receivedCounters
}
