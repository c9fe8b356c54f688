package cluster

import (
	"sync"
	"time"

	"github.com/code-100-precent/clusterbus/link"
	"github.com/code-100-precent/clusterbus/wire"
)

// Flag is a bit in a node's role/status flag-set.
type Flag uint32

const (
	FlagPrimary Flag = 1 << iota
	FlagReplica
	FlagSelf
	FlagHandshake
	FlagNoAddress
	FlagMeet
	FlagFail
	FlagPFail
	FlagNoFailover
	FlagMigrateTo
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// FailureReport records that reporter flagged a target node as
// pfail/fail, with the timestamp the report was last refreshed.
type FailureReport struct {
	Reporter string
	Time     time.Time
}

// Node is a cluster participant: self, a known primary, or a known
// replica. Cross-references (ReplicatesOf; a primary's replicas are
// looked up with State.ReplicasOf) are identifier keys into State's node
// table, never pointers, so the node table stays the sole owner.
type Node struct {
	mu sync.RWMutex

	ID      string
	ShardID string
	Flags   Flag

	IP            string
	ClientPort    uint16
	TLSPort       uint16
	BusPort       uint16
	Hostname      string
	HumanNodename string

	ConfigEpoch uint64

	Slots        wire.SlotBitmap
	numSlots     int
	ReplicatesOf string // set when this node is a replica

	ReplOffset    int64
	ReplOffsetAt  time.Time

	PingSent       time.Time
	PongReceived   time.Time
	DataReceived   time.Time
	FailTime       time.Time
	VotedTime      time.Time
	OrphanedTime   time.Time
	CreationTime   time.Time
	LastGossipSent uint64 // "last included in gossip #" counter

	FailureReports []FailureReport

	OutLink *link.Link
	InLink  *link.Link
}

// NewNode constructs a node in handshake state with a freshly generated
// identifier, the state a node starts in before MEET/gossip resolves its
// real identity.
func NewNode(ip string, clientPort, busPort uint16) *Node {
	return &Node{
		ID:           GenerateID(),
		Flags:        FlagHandshake,
		IP:           ip,
		ClientPort:   clientPort,
		BusPort:      busPort,
		CreationTime: time.Now(),
	}
}

// IsPrimary reports whether the node currently holds the primary role.
func (n *Node) IsPrimary() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.Flags.Has(FlagPrimary)
}

// IsReplica reports whether the node currently holds the replica role.
func (n *Node) IsReplica() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.Flags.Has(FlagReplica)
}

// NumSlots returns the cached popcount of the slot bitmap; SetSlot and
// ClearSlot keep it in sync so this never has to rescan the bitmap.
func (n *Node) NumSlots() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.numSlots
}

// SetSlot claims slot s for this node, maintaining the numSlots cache.
func (n *Node) SetSlot(s int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.Slots.Test(s) {
		n.Slots.Set(s)
		n.numSlots++
	}
}

// ClearSlot releases slot s from this node.
func (n *Node) ClearSlot(s int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Slots.Test(s) {
		n.Slots.Clear(s)
		n.numSlots--
	}
}

// HasSlot reports whether this node currently claims slot s.
func (n *Node) HasSlot(s int) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.Slots.Test(s)
}

// SetSlots replaces the node's whole slot bitmap, recomputing numSlots
// once — used when applying a full PING/PONG gossip claim.
func (n *Node) SetSlots(bm wire.SlotBitmap) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Slots = bm
	n.numSlots = bm.PopCount()
}

// AddFailureReport records or refreshes a failure report from reporter,
// used by the PFAIL/FAIL quorum calculation.
func (n *Node) AddFailureReport(reporter string, at time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.FailureReports {
		if n.FailureReports[i].Reporter == reporter {
			n.FailureReports[i].Time = at
			return
		}
	}
	n.FailureReports = append(n.FailureReports, FailureReport{Reporter: reporter, Time: at})
}

// RemoveFailureReport drops any report filed by reporter, used when a
// peer gossips the target as healthy again.
func (n *Node) RemoveFailureReport(reporter string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.FailureReports {
		if n.FailureReports[i].Reporter == reporter {
			n.FailureReports = append(n.FailureReports[:i], n.FailureReports[i+1:]...)
			return
		}
	}
}

// CountFreshFailureReports returns the number of failure reports not
// older than maxAge, the window used by the PFAIL->FAIL quorum check.
func (n *Node) CountFreshFailureReports(maxAge time.Duration, now time.Time) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	fresh := n.FailureReports[:0]
	count := 0
	for _, r := range n.FailureReports {
		if now.Sub(r.Time) <= maxAge {
			fresh = append(fresh, r)
			count++
		}
	}
	n.FailureReports = fresh
	return count
}
