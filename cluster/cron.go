package cluster

import (
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/code-100-precent/clusterbus/wire"
)

// TickInterval is the cron's fixed period: 10 Hz.
const TickInterval = 100 * time.Millisecond

// pingSampleSize is the number of candidate peers considered for the
// once-per-second round-robin PING (§4.3's "pick five random peers").
const pingSampleSize = 5

// Connector dials a peer lacking an outbound link. Implementations live
// above this package since they own the actual socket and bus-protocol
// handshake; cron only decides *when* to call it.
type Connector interface {
	Connect(n *Node) error
}

// Sender transmits outgoing cluster-bus traffic the cron orchestrator
// and dispatcher decide to send: targeted PING/PONG traffic, a FAIL
// broadcast on a local PFAIL->FAIL promotion, an AUTH_REQ broadcast
// when a replica starts an election, and a targeted UPDATE correcting a
// peer's stale slot claim.
type Sender interface {
	SendPing(n *Node, meet bool) error
	BroadcastFail(targetID string) error
	SendAuthReq(epoch uint64, forceAck bool) error
	SendUpdate(n *Node, p wire.UpdatePayload) error
}

// LinkBudget reports whether a node's link(s) have exceeded the
// configured send-queue byte limit.
type LinkBudget struct {
	MaxSendQueueMem int64
}

// Cron is the periodic driver described in §4.7: it fires each
// component's time-triggered work at TickInterval and recomputes
// cluster-wide health once per tick.
type Cron struct {
	State     *State
	Config    Config
	KeyStore  KeyStore
	Connector Connector
	Sender    Sender
	Budget    LinkBudget
	Log       *logrus.Entry

	tickCount uint64

	BufferLimitExceeded uint64
}

// NewCron wires a cron orchestrator; Connector and Sender may be stub
// implementations during tests.
func NewCron(s *State, cfg Config, ks KeyStore, conn Connector, sender Sender, log *logrus.Entry) *Cron {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Cron{State: s, Config: cfg, KeyStore: ks, Connector: conn, Sender: sender, Log: log}
}

// Run drives Tick every TickInterval until ctx-like stop channel closes.
func (c *Cron) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if err := c.Tick(now); err != nil {
				c.Log.WithError(err).Warn("cron tick encountered errors")
			}
		}
	}
}

// Tick performs one pass of the orchestration steps in §4.7.
func (c *Cron) Tick(now time.Time) error {
	c.tickCount++
	var errs *multierror.Error

	c.freeOverBudgetLinks()
	errs = multierror.Append(errs, c.connectMissingLinks(now))

	if c.tickCount%10 == 0 {
		errs = multierror.Append(errs, c.roundRobinPing(now))
	}
	errs = multierror.Append(errs, c.independentPings(now))
	c.tearDownStaleLinks(now)

	errs = multierror.Append(errs, c.markFailures(now))
	c.updateOrphanTracking(now)
	errs = multierror.Append(errs, c.tickElections(now))

	if c.anyHealthRelevantChange() {
		c.RecomputeHealth(now)
	}

	return errs.ErrorOrNil()
}

func (c *Cron) freeOverBudgetLinks() {
	if c.Budget.MaxSendQueueMem <= 0 {
		return
	}
	for _, n := range c.State.Nodes() {
		over := false
		if n.OutLink != nil && n.OutLink.SendQueueMem() > c.Budget.MaxSendQueueMem {
			n.OutLink.Close()
			n.OutLink = nil
			over = true
		}
		if n.InLink != nil && n.InLink.SendQueueMem() > c.Budget.MaxSendQueueMem {
			n.InLink.Close()
			n.InLink = nil
			over = true
		}
		if over {
			c.BufferLimitExceeded++
		}
	}
}

// handshakeTimedOut reports whether a still-pending handshake node has
// outlived its welcome and should stop being dialed (it will age out via
// the blacklist/forget path separately; this only stops the reconnect
// sweep from retrying it forever).
func handshakeTimedOut(n *Node, cfg Config, now time.Time) bool {
	limit := cfg.NodeTimeout
	if limit < time.Second {
		limit = time.Second
	}
	return now.Sub(n.CreationTime) > limit
}

// connectMissingLinks dials every node lacking an outbound link, per
// §4.7's reconnection sweep: self, no-address, and handshake-timed-out
// nodes are excluded, but a freshly MEET'd or gossip-learned handshake
// node is still a connect target — it's the whole reason the handshake
// can ever complete. The first PING (or MEET, if the node still carries
// the meet flag) is sent immediately on a successful connect rather than
// waiting for the next round-robin sample, which deliberately excludes
// in-handshake peers once they already have a packet in flight.
func (c *Cron) connectMissingLinks(now time.Time) error {
	if c.Connector == nil {
		return nil
	}
	var errs *multierror.Error
	for _, n := range c.State.Nodes() {
		if n.Flags.Has(FlagSelf) || n.Flags.Has(FlagNoAddress) {
			continue
		}
		if n.Flags.Has(FlagHandshake) && handshakeTimedOut(n, c.Config, now) {
			continue
		}
		if n.OutLink != nil {
			continue
		}
		if err := c.Connector.Connect(n); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if c.Sender == nil {
			continue
		}
		meet := n.Flags.Has(FlagMeet)
		if err := c.Sender.SendPing(n, meet); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		n.mu.Lock()
		n.PingSent = now
		n.Flags &^= FlagMeet
		n.mu.Unlock()
	}
	return errs.ErrorOrNil()
}

func (c *Cron) roundRobinPing(now time.Time) error {
	target := SelectRoundRobinPingTarget(c.State, pingSampleSize)
	if target == nil || c.Sender == nil {
		return nil
	}
	meet := target.Flags.Has(FlagMeet)
	err := c.Sender.SendPing(target, meet)
	if err == nil {
		target.mu.Lock()
		target.PingSent = now
		target.Flags &^= FlagMeet
		target.mu.Unlock()
	}
	return err
}

func (c *Cron) independentPings(now time.Time) error {
	if c.Sender == nil {
		return nil
	}
	var errs *multierror.Error
	for _, n := range PeersNeedingIndependentPing(c.State, c.Config, now) {
		if err := c.Sender.SendPing(n, false); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		n.mu.Lock()
		n.PingSent = now
		n.mu.Unlock()
	}
	return errs.ErrorOrNil()
}

func (c *Cron) tearDownStaleLinks(now time.Time) {
	for _, n := range PeersToTearDown(c.State, c.Config, now) {
		if n.OutLink != nil {
			n.OutLink.Close()
			n.OutLink = nil
		}
	}
}

// markFailures sweeps PFAIL/FAIL transitions for every known node,
// broadcasting a FAIL packet to every peer the instant one of them is
// locally promoted so the rest of the cluster adopts it without
// waiting on their own report quorum.
func (c *Cron) markFailures(now time.Time) error {
	var errs *multierror.Error
	for _, n := range c.State.Nodes() {
		CheckPFail(n, c.Config, now)
		if TryPromoteToFail(c.State, n, c.Config, now) && c.Sender != nil {
			if err := c.Sender.BroadcastFail(n.ID); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		TryClearFail(n, c.Config, now)
	}
	return errs.ErrorOrNil()
}

// tickElections advances any in-flight manual failover, expires
// elections whose auth window has passed, and drives the replica-side
// failover state machine: once our primary is FAIL (or a manual
// failover is ready), schedule an election per §4.6, fire the AUTH_REQ
// broadcast once the scheduled time arrives, and promote ourselves once
// quorum is reached.
func (c *Cron) tickElections(now time.Time) error {
	AbortManualFailoverIfExpired(c.State, now)

	c.State.mu.RLock()
	auth := c.State.Election
	c.State.mu.RUnlock()
	if auth.AuthSent && !auth.NextElection.IsZero() && now.Sub(auth.NextElection) > c.Config.AuthTimeout() {
		c.State.mu.Lock()
		c.State.Election.AuthSent = false
		c.State.Election.NextElection = now.Add(c.Config.AuthRetryTime())
		c.State.mu.Unlock()
	}

	self := c.State.Self()
	if self == nil || !self.IsReplica() {
		return nil
	}
	primary, ok := c.State.GetNode(self.ReplicatesOf)
	if !ok {
		return nil
	}
	c.maybeMigrateOrphanShard(self, primary, now)

	manual := ManualFailoverReady(c.State, self.ReplOffset)
	return c.driveReplicaElection(self, primary, manual, now)
}

// driveReplicaElection implements the replica side of §4.6: decide
// whether to keep pursuing a failover, schedule the AUTH_REQ broadcast
// with the usual jitter+rank delay, send it once due, and promote
// ourselves the moment enough AUTH_ACKs have been tallied.
func (c *Cron) driveReplicaElection(self, primary *Node, manual bool, now time.Time) error {
	if !ShouldConsiderFailover(self, primary, c.Config, now, manual) {
		c.State.mu.Lock()
		c.State.Election.NextElection = time.Time{}
		c.State.mu.Unlock()
		return nil
	}

	c.State.mu.RLock()
	scheduled := c.State.Election.NextElection
	authSent := c.State.Election.AuthSent
	prevRank := c.State.Election.Rank
	c.State.mu.RUnlock()

	if authSent {
		return c.checkElectionOutcome(self, primary)
	}

	if scheduled.IsZero() {
		rank := ComputeRank(c.State, primary, self.ReplOffset)
		scheduled = ScheduleElection(now, rank, manual)
		c.State.mu.Lock()
		c.State.Election.NextElection = scheduled
		c.State.Election.Rank = rank
		c.State.mu.Unlock()
		return nil
	}

	// Rank may rise while the election is still pending (a co-replica's
	// offset overtook ours); push the scheduled time out by the delta
	// so the fresher replica still wins, per the rank-recompute rule.
	if !manual {
		rank := ComputeRank(c.State, primary, self.ReplOffset)
		if rank > prevRank {
			scheduled = scheduled.Add(time.Duration(rank-prevRank) * time.Second)
			c.State.mu.Lock()
			c.State.Election.NextElection = scheduled
			c.State.Election.Rank = rank
			c.State.mu.Unlock()
		}
	}

	if now.Before(scheduled) {
		return nil
	}

	epoch := StartElection(c.State)
	if c.Sender == nil {
		return nil
	}
	return c.Sender.SendAuthReq(epoch, manual)
}

// checkElectionOutcome promotes self once the AUTH_ACK tally (recorded
// by TallyVote as replies arrive) reaches quorum, then clears the
// election bookkeeping so a future failover starts clean.
func (c *Cron) checkElectionOutcome(self, demoted *Node) error {
	if c.State.electionAuthCount() < c.State.Quorum() {
		return nil
	}
	WinElection(c.State, self, demoted)
	c.State.mu.Lock()
	c.State.Election.AuthSent = false
	c.State.Election.NextElection = time.Time{}
	c.State.Election.PreviousElection = time.Time{}
	c.State.mu.Unlock()
	return nil
}

// maybeMigrateOrphanShard implements the replica-migration rule: if our
// primary has at least as many replicas as any other primary (slotted or
// not) and another slotted primary has had no replica at all (FAIL
// replicas still count as replicas) past
// SlaveMigrationDelay, and we are the lexicographically smallest
// co-replica of our own primary, we migrate to the orphan.
func (c *Cron) maybeMigrateOrphanShard(self, primary *Node, now time.Time) {
	orphan := c.findMigrationTarget(primary, now)
	if orphan == nil {
		return
	}
	smallest := self.ID
	for _, id := range c.State.ReplicasOf(primary.ID) {
		if id < smallest {
			smallest = id
		}
	}
	if smallest != self.ID {
		return
	}
	self.mu.Lock()
	self.ReplicatesOf = orphan.ID
	self.mu.Unlock()
}

// updateOrphanTracking stamps or clears OrphanedTime on every slotted
// primary based on whether ReplicasOf lists any replica for it (FAIL
// replicas included), the input
// findMigrationTarget needs to know how long a shard has gone without
// a replica. Every node runs this independently off its own view of
// ReplicasOf, the same way it independently computes PFAIL/FAIL.
func (c *Cron) updateOrphanTracking(now time.Time) {
	for _, n := range c.State.Nodes() {
		if !n.IsPrimary() || n.NumSlots() == 0 {
			continue
		}
		orphaned := len(c.State.ReplicasOf(n.ID)) == 0
		n.mu.Lock()
		if orphaned {
			if n.OrphanedTime.IsZero() {
				n.OrphanedTime = now
			}
		} else {
			n.OrphanedTime = time.Time{}
		}
		n.mu.Unlock()
	}
}

func (c *Cron) findMigrationTarget(ownPrimary *Node, now time.Time) *Node {
	if len(c.State.ReplicasOf(ownPrimary.ID)) < c.maxReplicaCount() {
		return nil
	}
	for _, n := range c.State.Nodes() {
		if !n.IsPrimary() || n.NumSlots() == 0 || n.ID == ownPrimary.ID {
			continue
		}
		if len(c.State.ReplicasOf(n.ID)) > 0 {
			continue
		}
		if n.OrphanedTime.IsZero() || now.Sub(n.OrphanedTime) < c.Config.SlaveMigrationDelay {
			continue
		}
		return n
	}
	return nil
}

func (c *Cron) maxReplicaCount() int {
	maxCount := 0
	for _, n := range c.State.Nodes() {
		if !n.IsPrimary() {
			continue
		}
		if count := len(c.State.ReplicasOf(n.ID)); count > maxCount {
			maxCount = count
		}
	}
	return maxCount
}

func (c *Cron) anyHealthRelevantChange() bool {
	// Health is cheap to recompute at 10Hz relative to the rest of the
	// tick, so we simply always recompute rather than tracking a dirty
	// bit across every call site that could change it.
	return true
}

// RecomputeHealth implements the cluster_state rule: OK iff every slot
// is covered by a non-FAIL primary (when full coverage is required) and
// a quorum of primaries is reachable.
func (c *Cron) RecomputeHealth(now time.Time) {
	s := c.State
	if s.Health == HealthOK {
		if !c.coverageOK() || !c.quorumReachable() {
			s.mu.Lock()
			s.Health = HealthFail
			s.Election.PreviousElection = time.Time{}
			s.mu.Unlock()
		}
		return
	}
	if c.coverageOK() && c.quorumReachable() {
		c.deferReturnToOK(now)
	}
}

func (c *Cron) coverageOK() bool {
	if !c.Config.RequireFullCoverage {
		return true
	}
	for slot := 0; slot < len(c.State.slots); slot++ {
		owner := c.State.SlotOwner(slot)
		if owner == "" {
			return false
		}
		n, ok := c.State.GetNode(owner)
		if !ok || n.Flags.Has(FlagFail) {
			return false
		}
	}
	return true
}

func (c *Cron) quorumReachable() bool {
	reachable := 0
	for _, n := range c.State.Nodes() {
		if n.IsPrimary() && n.NumSlots() > 0 && !n.Flags.Has(FlagFail) {
			reachable++
		}
	}
	return reachable >= c.State.Quorum()
}

// deferReturnToOK applies the flip-flop suppression rule: a FAIL primary
// set that regains coverage/quorum only returns to OK after
// min(max(NodeTimeout, MinRejoinDelay), MaxRejoinDelay) has passed since
// it first looked healthy again, giving configuration updates time to
// converge before client traffic resumes.
func (c *Cron) deferReturnToOK(now time.Time) {
	delay := c.Config.NodeTimeout
	if delay < c.Config.MinRejoinDelay {
		delay = c.Config.MinRejoinDelay
	}
	if delay > c.Config.MaxRejoinDelay {
		delay = c.Config.MaxRejoinDelay
	}
	s := c.State
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Election.PreviousElection.IsZero() {
		s.Election.PreviousElection = now
		return
	}
	if now.Sub(s.Election.PreviousElection) >= delay {
		s.Health = HealthOK
		s.Election.PreviousElection = time.Time{}
	}
}
