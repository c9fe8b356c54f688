package cluster

import (
	"testing"
	"time"
)

func TestFailureDetectionQuorum(t *testing.T) {
	// Five primaries P1..P5 (self = P1), each with one slot. P3 stops
	// responding; once enough peers report it failing, P3 transitions
	// to FAIL.
	s, p1 := newTestState(t)
	p2 := addPrimary(s, 1)
	p3 := addPrimary(s, 2)
	p4 := addPrimary(s, 3)
	p5 := addPrimary(s, 4)
	_ = p2
	_ = p5
	cfg := DefaultConfig()
	now := time.Now()

	p3.mu.Lock()
	p3.Flags |= FlagPFail
	p3.mu.Unlock()

	// Self (P1) holds failure reports from P1 and P2 and adds its own
	// vote as a primary, reaching quorum(5)=3.
	p3.AddFailureReport(p1.ID, now)
	p3.AddFailureReport(p2.ID, now)

	if !TryPromoteToFail(s, p3, cfg, now) {
		t.Fatalf("expected P3 to transition to FAIL at quorum")
	}
	if !p3.Flags.Has(FlagFail) {
		t.Fatalf("expected FAIL flag set")
	}
	if p3.Flags.Has(FlagPFail) {
		t.Fatalf("expected PFAIL cleared once FAIL is set")
	}
	_ = p4
}

func TestFailDoesNotPromoteBelowQuorum(t *testing.T) {
	s, _ := newTestState(t)
	p2 := addPrimary(s, 1)
	p3 := addPrimary(s, 2)
	addPrimary(s, 3)
	addPrimary(s, 4)
	cfg := DefaultConfig()
	now := time.Now()

	p3.mu.Lock()
	p3.Flags |= FlagPFail
	p3.mu.Unlock()
	p3.AddFailureReport(p2.ID, now)

	if TryPromoteToFail(s, p3, cfg, now) {
		t.Fatalf("expected no promotion below quorum")
	}
}

func TestSinglePrimaryDegenerateCasePromotesDirectly(t *testing.T) {
	s, self := newTestState(t)
	replica := &Node{ID: GenerateID(), Flags: FlagReplica}
	s.AddNode(replica)
	cfg := DefaultConfig()
	now := time.Now()

	replica.mu.Lock()
	replica.Flags |= FlagPFail
	replica.mu.Unlock()

	if !self.IsPrimary() {
		t.Fatalf("precondition: self must be the sole primary")
	}
	if !TryPromoteToFail(s, replica, cfg, now) {
		t.Fatalf("expected direct PFAIL->FAIL promotion with voting set of 1")
	}
}

func TestAdoptFailFromPeerSkipsOwnTimers(t *testing.T) {
	s, _ := newTestState(t)
	p2 := addPrimary(s, 1)
	now := time.Now()
	AdoptFailFromPeer(s, p2.ID, now)
	if !p2.Flags.Has(FlagFail) {
		t.Fatalf("expected FAIL adopted directly from peer broadcast")
	}
}

func TestClearFailForSlotlessPrimaryIsImmediate(t *testing.T) {
	s, _ := newTestState(t)
	p2 := addPrimary(s) // zero slots
	now := time.Now()
	p2.mu.Lock()
	p2.Flags |= FlagFail
	p2.FailTime = now
	p2.DataReceived = now.Add(time.Millisecond) // peer reachable again
	p2.mu.Unlock()
	cfg := DefaultConfig()
	if !TryClearFail(p2, cfg, now.Add(time.Second)) {
		t.Fatalf("expected immediate clear for slotless primary once reachable")
	}
}

func TestClearFailKeptWhileStillUnreachable(t *testing.T) {
	s, _ := newTestState(t)
	p2 := addPrimary(s) // zero slots
	now := time.Now()
	p2.mu.Lock()
	p2.Flags |= FlagFail
	p2.FailTime = now
	p2.mu.Unlock()
	cfg := DefaultConfig()
	if TryClearFail(p2, cfg, now.Add(time.Hour)) {
		t.Fatalf("expected FAIL to persist until the peer is heard from again")
	}
}

func TestClearFailForSlottedPrimaryWaitsOutUndoWindow(t *testing.T) {
	s, _ := newTestState(t)
	p2 := addPrimary(s, 1)
	now := time.Now()
	p2.mu.Lock()
	p2.Flags |= FlagFail
	p2.FailTime = now
	p2.DataReceived = now.Add(time.Millisecond) // peer reachable again
	p2.mu.Unlock()
	cfg := DefaultConfig()

	if TryClearFail(p2, cfg, now.Add(time.Second)) {
		t.Fatalf("expected clear to be refused before undo window elapses")
	}
	if !TryClearFail(p2, cfg, now.Add(cfg.NodeTimeout*time.Duration(cfg.FailUndoTimeMult)+cfg.FailUndoTimeAdd+time.Second)) {
		t.Fatalf("expected clear once undo window elapses")
	}
}
