package cluster

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/code-100-precent/clusterbus/persistence"
	"github.com/code-100-precent/clusterbus/wire"
)

// FailoverMode selects the variant of FAILOVER requested by the data
// store collaborator, per §6.
type FailoverMode int

const (
	FailoverDefault FailoverMode = iota
	FailoverForce
	FailoverTakeover
)

// SlotOp selects the variant of SETSLOT requested, per §6.
type SlotOp int

const (
	SlotMigrating SlotOp = iota
	SlotImporting
	SlotStable
	SlotNode
)

// ResetMode selects the variant of RESET requested, per §6.
type ResetMode int

const (
	ResetSoft ResetMode = iota
	ResetHard
)

// RouteDecision is the outcome of routing a command's keys, per §6
// "route(keys)".
type RouteDecision int

const (
	RouteLocal RouteDecision = iota
	RouteRedirect
	RouteCrossSlot
	RouteTryAgain
	RouteDown
)

func (d RouteDecision) String() string {
	switch d {
	case RouteLocal:
		return "local"
	case RouteRedirect:
		return "redirect"
	case RouteCrossSlot:
		return "cross_slot"
	case RouteTryAgain:
		return "try_again"
	case RouteDown:
		return "down"
	default:
		return "unknown"
	}
}

// RouteResult is what route() returns: for RouteRedirect, Node and Slot
// identify where to send the client and AskFlag distinguishes a `-ASK`
// redirect (mid-migration) from a `-MOVED` one (stable reassignment).
type RouteResult struct {
	Decision RouteDecision
	Node     string
	Slot     int
	AskFlag  bool
}

// ShardView is one entry of the CLUSTER SHARDS-equivalent output.
type ShardView struct {
	PrimaryID string
	Slots     []int
	Replicas  []string
}

// Admin is the administrative surface §6 exposes to the data store
// collaborator: the CLUSTER * command family, routing decisions, and
// the human-readable introspection views. It holds no state of its own
// beyond the references needed to mutate the shared cluster State
// through the same primitives the gossip/election/cron components use.
type Admin struct {
	State     *State
	Config    Config
	KeyStore  KeyStore
	Connector Connector
	Sender    Sender
	Log       *logrus.Entry
}

// NewAdmin wires an Admin surface against the shared cluster State.
func NewAdmin(s *State, cfg Config, ks KeyStore, conn Connector, sender Sender, log *logrus.Entry) *Admin {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Admin{State: s, Config: cfg, KeyStore: ks, Connector: conn, Sender: sender, Log: log}
}

// Meet implements `command("meet", ip, port, bus_port)`: creates a
// handshake-flagged node for the peer and sends it a MEET packet. The
// peer is dialled at once and the MEET goes out on the new link; if
// that dial fails, the cron's reconnect path dials it later and sends
// the MEET then (§4.3).
func (a *Admin) Meet(ip string, clientPort, busPort uint16) *Node {
	n := HandleMeet(a.State, ip, clientPort, busPort)
	if a.Connector != nil {
		if err := a.Connector.Connect(n); err != nil {
			a.Log.WithError(err).WithField("node", n.ID).Warn("meet: initial connect failed, cron will retry")
			return n
		}
		if a.Sender != nil {
			if err := a.Sender.SendPing(n, true); err != nil {
				a.Log.WithError(err).WithField("node", n.ID).Warn("meet: sending MEET failed")
				return n
			}
			n.mu.Lock()
			n.PingSent = time.Now()
			n.Flags &^= FlagMeet
			n.mu.Unlock()
		}
	}
	return n
}

// Forget implements `forget(id)`: removes the node from the table,
// shard index, and routing table, and blacklists it against gossip
// re-add for the TTL (§3 Cluster State, §4.3).
func (a *Admin) Forget(id string) error {
	if err := ValidateID(id); err != nil {
		return errors.Wrap(err, "forget")
	}
	if id == a.State.SelfID {
		return errors.New("forget: cannot forget self")
	}
	if _, ok := a.State.GetNode(id); !ok {
		return errors.Errorf("forget: unknown node %s", id)
	}
	a.State.ForgetNode(id)
	return nil
}

// Replicate implements `replicate(id)`: reconfigures self as a replica
// of the named primary. Refuses if self currently owns slots, since a
// slot-owning primary cannot become a replica without first shedding
// ownership through the slot table.
func (a *Admin) Replicate(primaryID string) error {
	primary, ok := a.State.GetNode(primaryID)
	if !ok {
		return errors.Errorf("replicate: unknown node %s", primaryID)
	}
	if !primary.IsPrimary() {
		return errors.New("replicate: target is not a primary")
	}
	self := a.State.Self()
	if self == nil {
		return errors.New("replicate: self not initialized")
	}
	if self.NumSlots() > 0 {
		return errors.New("replicate: self still owns slots")
	}
	reconfigureAsReplica(a.State, self, primaryID)
	return nil
}

// Failover implements `failover([force|takeover])`. FailoverDefault and
// FailoverForce take the same path: self records a local manual-failover
// deadline (StartManualFailover), starts an election and broadcasts
// AUTH_REQ with forceack set, so primaries may grant the vote while the
// old primary is still reachable. No MFSTART is sent to the primary,
// the primary's writes are not paused and its replication offset is not
// awaited before the vote. FailoverTakeover bypasses voting entirely: it is
// for disaster recovery when a quorum can no longer be reached, and
// promotes self unconditionally.
func (a *Admin) Failover(mode FailoverMode) error {
	self := a.State.Self()
	if self == nil || !self.IsReplica() {
		return errors.New("failover: self is not a replica")
	}
	primary, ok := a.State.GetNode(self.ReplicatesOf)
	if !ok {
		return errors.New("failover: primary unknown")
	}
	if mode == FailoverTakeover {
		WinElection(a.State, self, primary)
		return nil
	}
	deadline := StartManualFailover(a.State, self.ID, a.Config, self.DataReceived)
	a.Log.WithField("deadline", deadline).Info("manual failover started")
	if a.Sender != nil {
		epoch := StartElection(a.State)
		if err := a.Sender.SendAuthReq(epoch, true); err != nil {
			return errors.Wrap(err, "failover: broadcasting AUTH_REQ")
		}
	}
	return nil
}

// AddSlots implements `addslots(set)`: claims each listed slot for
// self, refusing if any is already owned by another node.
func (a *Admin) AddSlots(slots []int) error {
	self := a.State.Self()
	if self == nil {
		return errors.New("addslots: self not initialized")
	}
	for _, slot := range slots {
		if slot < 0 || slot >= wire.ClusterSlots {
			return errors.Errorf("addslots: slot %d out of range", slot)
		}
		if owner := a.State.SlotOwner(slot); owner != "" && owner != self.ID {
			return errors.Errorf("addslots: slot %d already owned by %s", slot, owner)
		}
	}
	for _, slot := range slots {
		a.State.SetSlotOwner(slot, self.ID)
		self.SetSlot(slot)
	}
	return nil
}

// DelSlots implements `delslots(set)`: releases each listed slot,
// refusing any slot self does not currently own.
func (a *Admin) DelSlots(slots []int) error {
	self := a.State.Self()
	if self == nil {
		return errors.New("delslots: self not initialized")
	}
	for _, slot := range slots {
		if slot < 0 || slot >= wire.ClusterSlots {
			return errors.Errorf("delslots: slot %d out of range", slot)
		}
		if a.State.SlotOwner(slot) != self.ID {
			return errors.Errorf("delslots: slot %d not owned by self", slot)
		}
	}
	for _, slot := range slots {
		a.State.SetSlotOwner(slot, "")
		self.ClearSlot(slot)
	}
	return nil
}

// SetSlot implements `setslot(slot, MIGRATING|IMPORTING|STABLE|NODE id)`
// (§4.5's migration bookkeeping, scenario §8.5). A final `NODE id` bumps
// self's epoch without consensus once the migration completes, matching
// the "B bumps its epoch without consensus" step of the migration
// scenario.
func (a *Admin) SetSlot(slot int, op SlotOp, nodeID string) error {
	if slot < 0 || slot >= wire.ClusterSlots {
		return errors.Errorf("setslot: slot %d out of range", slot)
	}
	self := a.State.Self()
	if self == nil {
		return errors.New("setslot: self not initialized")
	}
	switch op {
	case SlotMigrating:
		if _, ok := a.State.GetNode(nodeID); !ok {
			return errors.Errorf("setslot: unknown target node %s", nodeID)
		}
		a.State.SetMigrating(slot, nodeID)
	case SlotImporting:
		if _, ok := a.State.GetNode(nodeID); !ok {
			return errors.Errorf("setslot: unknown source node %s", nodeID)
		}
		a.State.SetImporting(slot, nodeID)
	case SlotStable:
		a.State.SetMigrating(slot, "")
		a.State.SetImporting(slot, "")
	case SlotNode:
		target, ok := a.State.GetNode(nodeID)
		if !ok {
			return errors.Errorf("setslot: unknown node %s", nodeID)
		}
		wasImporting := a.State.ImportingFrom(slot) != ""
		a.State.SetSlotOwner(slot, nodeID)
		a.State.SetMigrating(slot, "")
		a.State.SetImporting(slot, "")
		if target.ID == self.ID {
			self.SetSlot(slot)
		} else {
			self.ClearSlot(slot)
		}
		if wasImporting && target.ID == self.ID {
			a.BumpEpoch()
		}
	default:
		return errors.Errorf("setslot: unknown op %d", op)
	}
	return nil
}

// BumpEpoch implements `bumpepoch()`: claims the next current_epoch as
// self's own config_epoch unconditionally, used after a slot migration
// completes without an election (§4.5, §8.5).
func (a *Admin) BumpEpoch() uint64 {
	self := a.State.Self()
	epoch := a.State.NextEpoch()
	if self != nil {
		self.mu.Lock()
		self.ConfigEpoch = epoch
		self.mu.Unlock()
	}
	return epoch
}

// SetConfigEpoch implements `set-config-epoch(n)`: administrative
// override of self's config_epoch, refused once self has any peers
// (mirrors the original tool's single-node-only bootstrap guard, since
// this call only ever makes sense before a node has joined a cluster).
func (a *Admin) SetConfigEpoch(n uint64) error {
	self := a.State.Self()
	if self == nil {
		return errors.New("set-config-epoch: self not initialized")
	}
	if len(a.State.Nodes()) > 1 {
		return errors.New("set-config-epoch: refused, node already knows peers")
	}
	self.mu.Lock()
	self.ConfigEpoch = n
	self.mu.Unlock()
	if n > a.State.CurrentEpoch {
		a.State.BumpCurrentEpoch(n)
	}
	return nil
}

// Reset implements `reset(soft|hard)`. Soft clears slot ownership and
// the routing table but keeps the node's identifier and peer table;
// hard additionally regenerates the identifier and wipes the node
// table down to self, the full reset the original tool performs before
// a node can rejoin a different cluster.
func (a *Admin) Reset(mode ResetMode, ks KeyStore) error {
	self := a.State.Self()
	if self == nil {
		return errors.New("reset: self not initialized")
	}
	for slot := 0; slot < wire.ClusterSlots; slot++ {
		if a.State.SlotOwner(slot) == self.ID {
			a.State.SetSlotOwner(slot, "")
			if ks != nil {
				ks.DelKeysInSlot(slot)
			}
		}
		a.State.SetMigrating(slot, "")
		a.State.SetImporting(slot, "")
	}
	self.SetSlots(wire.SlotBitmap{})
	if mode == ResetHard {
		for _, n := range a.State.Nodes() {
			if n.ID != self.ID {
				a.State.ForgetNode(n.ID)
			}
		}
		newID := GenerateID()
		a.State.RenameNode(self.ID, newID)
		a.State.SelfID = newID
		self.mu.Lock()
		self.ReplicatesOf = ""
		self.Flags = FlagPrimary | FlagSelf
		self.mu.Unlock()
	}
	return nil
}

// Route implements `route(keys) -> Local | Redirect{node, slot,
// ask_flag} | CrossSlot | TryAgain | Down` (§6). Empty or single-key
// command keys are the common case; multi-key commands whose keys span
// more than one slot get CrossSlot.
func (a *Admin) Route(keys [][]byte) RouteResult {
	if a.State.Health == HealthFail {
		return RouteResult{Decision: RouteDown}
	}
	if len(keys) == 0 {
		return RouteResult{Decision: RouteLocal}
	}
	slot := -1
	for _, k := range keys {
		s := int(keySlotFn(k))
		if slot == -1 {
			slot = s
		} else if s != slot {
			return RouteResult{Decision: RouteCrossSlot}
		}
	}
	self := a.State.Self()
	owner := a.State.SlotOwner(slot)
	if owner == "" {
		return RouteResult{Decision: RouteTryAgain, Slot: slot}
	}
	if owner == currentPrimaryID(self) {
		return RouteResult{Decision: RouteLocal, Slot: slot}
	}
	if migrateTarget := a.State.MigratingTo(slot); owner == self.ID && migrateTarget != "" {
		return RouteResult{Decision: RouteRedirect, Node: migrateTarget, Slot: slot, AskFlag: true}
	}
	return RouteResult{Decision: RouteRedirect, Node: owner, Slot: slot, AskFlag: false}
}

// keySlotFn is overridden in tests; production callers route through
// keyspace.KeySlot, injected here to keep this package free of a direct
// import on the data-store collaborator's internals.
var keySlotFn = func(key []byte) uint16 { return 0 }

// SetKeySlotFunc installs the data store collaborator's key_slot hook
// (§6) used by Route. cmd/clusterd wires this to keyspace.KeySlot.
func SetKeySlotFunc(fn func(key []byte) uint16) {
	keySlotFn = fn
}

// Info implements `info()`: a human-readable summary including state,
// slot coverage, epochs, and per-type sent/received counters.
func (a *Admin) Info() string {
	sent, received := a.State.Counters()
	var totalSent, totalReceived uint64
	for _, v := range sent {
		totalSent += v
	}
	for _, v := range received {
		totalReceived += v
	}
	assigned := 0
	for slot := 0; slot < wire.ClusterSlots; slot++ {
		if a.State.SlotOwner(slot) != "" {
			assigned++
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "cluster_state:%s\n", strings.ToLower(a.State.Health.String()))
	fmt.Fprintf(&b, "cluster_slots_assigned:%d\n", assigned)
	fmt.Fprintf(&b, "cluster_known_nodes:%d\n", len(a.State.Nodes()))
	fmt.Fprintf(&b, "cluster_size:%d\n", a.State.VotingSetSize())
	fmt.Fprintf(&b, "cluster_current_epoch:%d\n", a.State.CurrentEpoch)
	fmt.Fprintf(&b, "cluster_my_epoch:%d\n", selfConfigEpoch(a.State))
	fmt.Fprintf(&b, "cluster_stats_messages_sent:%d\n", totalSent)
	fmt.Fprintf(&b, "cluster_stats_messages_received:%d\n", totalReceived)
	for t := wire.MessageType(0); int(t) < wire.TypeCount; t++ {
		fmt.Fprintf(&b, "cluster_stats_messages_%s_sent:%d\n", strings.ToLower(t.String()), sent[t])
		fmt.Fprintf(&b, "cluster_stats_messages_%s_received:%d\n", strings.ToLower(t.String()), received[t])
	}
	return b.String()
}

func selfConfigEpoch(s *State) uint64 {
	self := s.Self()
	if self == nil {
		return 0
	}
	return self.ConfigEpoch
}

// NodesDescription implements `nodes_description()`: the CLUSTER
// NODES-equivalent output, one line per node in the on-disk node-table
// format (§6).
func (a *Admin) NodesDescription() string {
	var b strings.Builder
	for _, n := range a.State.Nodes() {
		b.WriteString(nodeRecordLine(n, a.State))
		b.WriteString("\n")
	}
	return b.String()
}

// nodeRecordLine renders one node as a persistence.NodeRecord line,
// shared by the admin surface and the HTTP introspection server so the
// two views never drift apart.
func nodeRecordLine(n *Node, s *State) string {
	rec := persistence.NodeRecord{
		ID:          n.ID,
		IP:          n.IP,
		ClientPort:  n.ClientPort,
		BusPort:     n.BusPort,
		PrimaryID:   n.ReplicatesOf,
		ConfigEpoch: n.ConfigEpoch,
		Connected:   n.OutLink != nil || n.Flags.Has(FlagSelf),
	}
	if n.IsPrimary() {
		rec.Flags = append(rec.Flags, "master")
	} else {
		rec.Flags = append(rec.Flags, "slave")
	}
	if n.Flags.Has(FlagSelf) {
		rec.Flags = append([]string{"myself"}, rec.Flags...)
	}
	if n.Flags.Has(FlagFail) {
		rec.Flags = append(rec.Flags, "fail")
	} else if n.Flags.Has(FlagPFail) {
		rec.Flags = append(rec.Flags, "fail?")
	}
	for slot := 0; slot < wire.ClusterSlots; slot++ {
		if s.SlotOwner(slot) == n.ID {
			rec.Slots = append(rec.Slots, persistence.SlotToken{Kind: persistence.KindSingle, Start: slot})
		}
	}
	return rec.Line()
}

// Shards implements `shards()`: the CLUSTER SHARDS-equivalent view,
// one entry per primary with at least one slot.
func (a *Admin) Shards() []ShardView {
	byPrimary := map[string]*ShardView{}
	for slot := 0; slot < wire.ClusterSlots; slot++ {
		owner := a.State.SlotOwner(slot)
		if owner == "" {
			continue
		}
		sv, ok := byPrimary[owner]
		if !ok {
			sv = &ShardView{PrimaryID: owner}
			byPrimary[owner] = sv
		}
		sv.Slots = append(sv.Slots, slot)
	}
	out := make([]ShardView, 0, len(byPrimary))
	for id, sv := range byPrimary {
		sv.Replicas = a.State.ReplicasOf(id)
		out = append(out, *sv)
	}
	return out
}

// RouteHTTPStatus maps a RouteResult to the HTTP status an introspection
// or gateway caller would use to surface it, since this package has no
// notion of the RESP protocol's -MOVED/-ASK/-TRYAGAIN/-CLUSTERDOWN reply
// conventions.
func RouteHTTPStatus(r RouteResult) int {
	switch r.Decision {
	case RouteLocal:
		return http.StatusOK
	case RouteRedirect:
		return http.StatusTemporaryRedirect
	case RouteCrossSlot:
		return http.StatusBadRequest
	case RouteTryAgain:
		return http.StatusServiceUnavailable
	case RouteDown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
