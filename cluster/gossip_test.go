package cluster

import (
	"testing"
	"time"

	"github.com/code-100-precent/clusterbus/wire"
)

func TestGossipTargetCount(t *testing.T) {
	cases := []struct{ nodes, want int }{
		{2, 0},
		{5, 3},
		{40, 4},
		{100, 10},
	}
	for _, c := range cases {
		if got := GossipTargetCount(c.nodes); got != c.want {
			t.Fatalf("GossipTargetCount(%d) = %d, want %d", c.nodes, got, c.want)
		}
	}
}

func TestHandshakeCompletion(t *testing.T) {
	// Node A sends MEET to B; B creates a handshake node and replies
	// PONG with its real id. A completes the handshake on receipt.
	a, _ := newTestState(t)
	placeholder := HandleMeet(a, "10.0.0.2", 6380, 16380)
	if !placeholder.Flags.Has(FlagHandshake) || !placeholder.Flags.Has(FlagMeet) {
		t.Fatalf("expected handshake+meet flags on newly met node")
	}

	bReal := GenerateID()
	h := &wire.Header{Sender: bReal, ConfigEpoch: 0}
	CompleteHandshake(a, placeholder.ID, h, true)

	n, ok := a.GetNode(bReal)
	if !ok {
		t.Fatalf("expected node renamed to real id %s", bReal)
	}
	if n.Flags.Has(FlagHandshake) || n.Flags.Has(FlagMeet) {
		t.Fatalf("expected handshake/meet flags cleared after completion")
	}
	if !n.IsPrimary() {
		t.Fatalf("expected role adopted from handshake packet")
	}
	if _, stillThere := a.GetNode(placeholder.ID); stillThere {
		t.Fatalf("expected placeholder id no longer present")
	}
}

func TestProcessGossipEntryRejectsMalformedID(t *testing.T) {
	s, self := newTestState(t)
	entry := wire.GossipEntry{NodeID: "not-hex", IP: "1.2.3.4"}
	err := ProcessGossipEntry(s, self, true, entry, time.Now())
	if err == nil {
		t.Fatalf("expected error for malformed gossip entry id")
	}
}

func TestProcessGossipEntryCreatesUnknownNode(t *testing.T) {
	s, self := newTestState(t)
	newID := GenerateID()
	entry := wire.GossipEntry{NodeID: newID, IP: "10.0.0.5", Port: 6381, Flags: uint16(FlagPrimary)}
	if err := ProcessGossipEntry(s, self, true, entry, time.Now()); err != nil {
		t.Fatalf("ProcessGossipEntry: %v", err)
	}
	n, ok := s.GetNode(newID)
	if !ok {
		t.Fatalf("expected unknown node created from gossip entry")
	}
	if !n.IsPrimary() {
		t.Fatalf("expected role flag adopted from entry")
	}
}

func TestProcessGossipEntryRecordsFailureReportFromPrimary(t *testing.T) {
	s, self := newTestState(t)
	target := addPrimary(s, 1)
	entry := wire.GossipEntry{NodeID: target.ID, IP: target.IP, Flags: uint16(FlagPFail)}
	if err := ProcessGossipEntry(s, self, true, entry, time.Now()); err != nil {
		t.Fatalf("ProcessGossipEntry: %v", err)
	}
	if len(target.FailureReports) != 1 {
		t.Fatalf("expected one failure report recorded, got %d", len(target.FailureReports))
	}
}

func TestProcessGossipEntryClearsFailureReportWhenHealthy(t *testing.T) {
	s, self := newTestState(t)
	target := addPrimary(s, 1)
	target.AddFailureReport(self.ID, time.Now())
	entry := wire.GossipEntry{NodeID: target.ID, IP: target.IP}
	if err := ProcessGossipEntry(s, self, true, entry, time.Now()); err != nil {
		t.Fatalf("ProcessGossipEntry: %v", err)
	}
	if len(target.FailureReports) != 0 {
		t.Fatalf("expected failure report cleared once gossiped healthy")
	}
}

func TestProcessGossipEntryDoesNotCreateNoAddressNode(t *testing.T) {
	s, self := newTestState(t)
	newID := GenerateID()
	entry := wire.GossipEntry{NodeID: newID, Flags: uint16(FlagNoAddress)}
	ProcessGossipEntry(s, self, true, entry, time.Now())
	if _, ok := s.GetNode(newID); ok {
		t.Fatalf("expected no-address gossip entry not to create a node")
	}
}

func TestProcessGossipEntrySkipsBlacklistedNode(t *testing.T) {
	s, self := newTestState(t)
	forgottenID := GenerateID()
	s.blacklist.Add(forgottenID, struct{}{})
	entry := wire.GossipEntry{NodeID: forgottenID, IP: "10.0.0.9"}
	ProcessGossipEntry(s, self, true, entry, time.Now())
	if _, ok := s.GetNode(forgottenID); ok {
		t.Fatalf("expected blacklisted node not re-admitted via gossip")
	}
}
