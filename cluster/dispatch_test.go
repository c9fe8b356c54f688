package cluster

import (
	"testing"
	"time"

	"github.com/code-100-precent/clusterbus/link"
	"github.com/code-100-precent/clusterbus/wire"
)

type capturingReplier struct {
	header  *wire.Header
	payload []byte
	calls   int
}

func (c *capturingReplier) Reply(l *link.Link, h *wire.Header, payload []byte) {
	c.header = h
	c.payload = payload
	c.calls++
}

func newDispatcherForTest(t *testing.T) (*Dispatcher, *State, *capturingReplier) {
	t.Helper()
	s, _ := newTestState(t)
	d := NewDispatcher(s, DefaultConfig(), &fakeKeyStore{counts: map[int]uint32{}}, nil)
	replier := &capturingReplier{}
	d.Replier = replier
	return d, s, replier
}

func TestDispatchPingRepliesWithPong(t *testing.T) {
	d, s, replier := newDispatcherForTest(t)
	peerID := GenerateID()
	h := &wire.Header{Sender: peerID, Type: wire.TypePing, CurrentEpoch: s.CurrentEpoch}
	pkt := &wire.Packet{Header: h}

	if err := d.Dispatch(nil, pkt, time.Now()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if replier.calls != 1 {
		t.Fatalf("expected exactly one reply, got %d", replier.calls)
	}
	if replier.header.Type != wire.TypePong {
		t.Fatalf("expected PONG reply, got %v", replier.header.Type)
	}
	if _, ok := s.GetNode(peerID); !ok {
		t.Fatalf("expected peer node created from PING")
	}
}

func TestDispatchFailAdoptsImmediately(t *testing.T) {
	d, s, _ := newDispatcherForTest(t)
	target := addPrimary(s, 3)
	senderID := GenerateID()
	h := &wire.Header{Sender: senderID, Type: wire.TypeFail, CurrentEpoch: s.CurrentEpoch}
	pkt := &wire.Packet{Header: h, Fail: &wire.FailPayload{TargetID: target.ID}}

	if err := d.Dispatch(nil, pkt, time.Now()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !target.Flags.Has(FlagFail) {
		t.Fatalf("expected target marked FAIL after adopting broadcast")
	}
}

func TestDispatchCompletesHandshakeOnOutboundLink(t *testing.T) {
	d, s, _ := newDispatcherForTest(t)
	placeholder := NewNode("10.0.0.9", 6379, 16379)
	s.AddNode(placeholder)
	l := &link.Link{NodeID: placeholder.ID}

	realID := GenerateID()
	h := &wire.Header{Sender: realID, Type: wire.TypePong, CurrentEpoch: s.CurrentEpoch}
	pkt := &wire.Packet{Header: h}

	if err := d.Dispatch(l, pkt, time.Now()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, ok := s.GetNode(placeholder.ID); ok {
		t.Fatalf("expected placeholder id renamed away")
	}
	renamed, ok := s.GetNode(realID)
	if !ok {
		t.Fatalf("expected node reachable under its real id after handshake")
	}
	if renamed.Flags.Has(FlagHandshake) {
		t.Fatalf("expected FlagHandshake cleared after completion")
	}
}

func TestDispatchPublishReachesKeyStore(t *testing.T) {
	s, _ := newTestState(t)
	ks := &fakeKeyStore{counts: map[int]uint32{}}
	d := NewDispatcher(s, DefaultConfig(), ks, nil)
	senderID := GenerateID()
	h := &wire.Header{Sender: senderID, Type: wire.TypePublish, CurrentEpoch: s.CurrentEpoch}
	pkt := &wire.Packet{Header: h, Publish: &wire.PublishPayload{Channel: "room:1", Message: []byte("hi")}}

	if err := d.Dispatch(nil, pkt, time.Now()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(ks.published) != 1 || ks.published[0] != "room:1" {
		t.Fatalf("expected publish to reach key store, got %v", ks.published)
	}
}

func TestDispatchRejectsMalformedSenderID(t *testing.T) {
	d, _, _ := newDispatcherForTest(t)
	h := &wire.Header{Sender: "not-hex", Type: wire.TypePing}
	pkt := &wire.Packet{Header: h}
	if err := d.Dispatch(nil, pkt, time.Now()); err == nil {
		t.Fatalf("expected error for malformed sender id")
	}
}

func TestDispatchBumpsCurrentEpochFromAnyPacket(t *testing.T) {
	d, s, _ := newDispatcherForTest(t)
	senderID := GenerateID()
	h := &wire.Header{Sender: senderID, Type: wire.TypePing, CurrentEpoch: 8}
	pkt := &wire.Packet{Header: h}

	if err := d.Dispatch(nil, pkt, time.Now()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if s.CurrentEpoch != 8 {
		t.Fatalf("CurrentEpoch = %d, want 8 after observing it on an unrelated PING", s.CurrentEpoch)
	}
}

// TestDispatchGrantsVoteAcrossEpochGap drives the §8.3 failover scenario
// end to end through Dispatch: a primary that has never voted and sits
// at CurrentEpoch 0 must still grant a vote for an AUTH_REQ carrying a
// far higher epoch, because receiving the request itself is what raises
// CurrentEpoch before GrantVote inspects it.
func TestDispatchGrantsVoteAcrossEpochGap(t *testing.T) {
	d, s, replier := newDispatcherForTest(t)
	primary := addPrimary(s, 1)
	primary.mu.Lock()
	primary.Flags |= FlagFail
	primary.mu.Unlock()
	replica := &Node{ID: GenerateID(), Flags: FlagReplica, ReplicatesOf: primary.ID}
	s.AddNode(replica)

	if s.CurrentEpoch != 0 || s.LastVoteEpoch != 0 {
		t.Fatalf("precondition: fresh node must start at epoch 0 with no prior vote")
	}

	h := &wire.Header{
		Sender:       replica.ID,
		PrimaryOf:    primary.ID,
		Type:         wire.TypeAuthReq,
		CurrentEpoch: 8,
	}
	pkt := &wire.Packet{Header: h}
	if err := d.Dispatch(nil, pkt, time.Now()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if replier.calls != 1 || replier.header.Type != wire.TypeAuthAck {
		t.Fatalf("expected AUTH_ACK reply, got %d calls, header %+v", replier.calls, replier.header)
	}
	if s.CurrentEpoch != 8 {
		t.Fatalf("CurrentEpoch = %d, want 8", s.CurrentEpoch)
	}
	if s.LastVoteEpoch != 8 {
		t.Fatalf("LastVoteEpoch = %d, want 8", s.LastVoteEpoch)
	}
}

func TestDispatchDropsWholeGossipSectionOnCorruptEntry(t *testing.T) {
	d, s, _ := newDispatcherForTest(t)
	goodID := GenerateID()
	senderID := GenerateID()
	h := &wire.Header{Sender: senderID, Type: wire.TypePing, CurrentEpoch: s.CurrentEpoch}
	pkt := &wire.Packet{
		Header: h,
		Gossip: []wire.GossipEntry{
			{NodeID: goodID, Flags: uint16(FlagFail)},
			{NodeID: "not-hex"},
		},
	}

	if err := d.Dispatch(nil, pkt, time.Now()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, ok := s.GetNode(goodID); ok {
		t.Fatalf("expected the whole gossip section dropped, but the leading entry was still applied")
	}
}
