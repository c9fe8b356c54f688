package cluster

import "time"

// Config holds the tunables that drive gossip pacing, failure detection,
// and election timing. Defaults mirror Redis Cluster's own
// REDIS_CLUSTER_* constants.
type Config struct {
	// NodeTimeout is the window after which a peer with no pong is
	// marked PFAIL. Default 15s (REDIS_CLUSTER_DEFAULT_NODE_TIMEOUT).
	NodeTimeout time.Duration

	// PingInterval is how often an individual peer is pinged absent
	// the round-robin selection. Default NodeTimeout/2.
	PingInterval time.Duration

	// FailReportValidityMult bounds how long a failure report stays
	// fresh, as a multiple of NodeTimeout. Default 2.
	FailReportValidityMult int

	// FailUndoTimeMult and FailUndoTimeAdd bound how long a FAIL must
	// persist on an unclaimed primary before it can be locally cleared.
	FailUndoTimeMult int
	FailUndoTimeAdd  time.Duration

	// ManualFailoverTimeout bounds an MFSTART-driven failover. Default 5s.
	ManualFailoverTimeout time.Duration
	// ManualFailoverPauseMult multiplies ManualFailoverTimeout to give a
	// write-pause length. Default 2. No code in this module reads it, and
	// nothing here pauses a primary's writes during a manual failover.
	ManualFailoverPauseMult int

	// MinRejoinDelay / MaxRejoinDelay bound the flip-flop suppression
	// delay before a partitioned-then-rejoined primary returns to OK.
	MinRejoinDelay time.Duration
	MaxRejoinDelay time.Duration

	// SlaveMigrationDelay is the orphan time an idle replica must see
	// on a slot-owning orphan primary before migrating to it.
	SlaveMigrationDelay time.Duration

	// ValidityFactor bounds how stale a replica's data may be before
	// it refuses to stand for election.
	ValidityFactor int

	// RequireFullCoverage, when true, makes cluster_state FAIL if any
	// slot has no non-FAIL owner.
	RequireFullCoverage bool

	// AllowReplicaMigration enables the "adopt the new primary as an
	// observer" reconciliation path described in slot-table scanning.
	AllowReplicaMigration bool
}

// DefaultConfig returns the tunables used when no override is supplied.
func DefaultConfig() Config {
	return Config{
		NodeTimeout:             15 * time.Second,
		PingInterval:            0, // resolved to NodeTimeout/2 by EffectivePingInterval
		FailReportValidityMult:  2,
		FailUndoTimeMult:        2,
		FailUndoTimeAdd:         10 * time.Second,
		ManualFailoverTimeout:   5 * time.Second,
		ManualFailoverPauseMult: 2,
		MinRejoinDelay:          500 * time.Millisecond,
		MaxRejoinDelay:          5 * time.Second,
		SlaveMigrationDelay:     10 * time.Second,
		ValidityFactor:          10,
		RequireFullCoverage:     true,
		AllowReplicaMigration:  true,
	}
}

// EffectivePingInterval returns PingInterval if set, else NodeTimeout/2.
func (c Config) EffectivePingInterval() time.Duration {
	if c.PingInterval > 0 {
		return c.PingInterval
	}
	return c.NodeTimeout / 2
}

// FailReportValidity returns the window within which a failure report
// counts toward the PFAIL->FAIL quorum.
func (c Config) FailReportValidity() time.Duration {
	return time.Duration(c.FailReportValidityMult) * c.NodeTimeout
}

// AuthTimeout bounds how long an election stays valid once started.
func (c Config) AuthTimeout() time.Duration {
	t := c.NodeTimeout * 2
	if t < 2*time.Second {
		t = 2 * time.Second
	}
	return t
}

// AuthRetryTime is how long a replica waits before retrying a failed
// election.
func (c Config) AuthRetryTime() time.Duration {
	return 2 * c.AuthTimeout()
}
