package wire

import (
	"bytes"
	"testing"
)

func sampleHeader(typ MessageType) *Header {
	h := &Header{
		Version:      ProtocolVersion,
		Port:         6379,
		Type:         typ,
		CurrentEpoch: 7,
		ConfigEpoch:  7,
		Offset:       1234,
		Sender:       "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		BusPort:      16379,
	}
	h.Slots.Set(0)
	h.Slots.Set(16383)
	return h
}

func TestHeaderRoundTrip(t *testing.T) {
	h := sampleHeader(TypePing)
	buf := h.Encode()
	if len(buf) != HeaderSize {
		t.Fatalf("encoded header length = %d, want %d", len(buf), HeaderSize)
	}
	got := DecodeHeader(buf)
	if got.Port != h.Port || got.Type != h.Type || got.CurrentEpoch != h.CurrentEpoch {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, h)
	}
	if got.Sender != h.Sender {
		t.Fatalf("sender mismatch: %q vs %q", got.Sender, h.Sender)
	}
	if !got.Slots.Test(0) || !got.Slots.Test(16383) || got.Slots.Test(1) {
		t.Fatalf("slot bitmap mismatch after round trip")
	}
}

func TestPingPongRoundTripWithGossipAndExtensions(t *testing.T) {
	h := sampleHeader(TypePong)
	entries := []GossipEntry{
		{NodeID: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", PingSent: 100, PongReceived: 200, IP: "10.0.0.1", Port: 6380, BusPort: 16380},
	}
	exts := []Extension{
		{Type: ExtShardID, Body: ShardIDBody("cccccccccccccccccccccccccccccccccccccccc")},
		{Type: ExtHostname, Body: StringBody("node-1.internal")},
	}
	h.GossipCount = uint16(len(entries))
	h.ExtCount = uint16(len(exts))
	h.MsgFlags = FlagExtData
	payload := BuildGossipPayload(entries, exts)
	buf := Encode(h, payload)

	pkt, n, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	if len(pkt.Gossip) != 1 || pkt.Gossip[0].NodeID != entries[0].NodeID {
		t.Fatalf("gossip mismatch: %+v", pkt.Gossip)
	}
	if len(pkt.Extensions) != 2 {
		t.Fatalf("extensions mismatch: %+v", pkt.Extensions)
	}
	id, ok := DecodeShardIDBody(pkt.Extensions[0].Body)
	if !ok || id != "cccccccccccccccccccccccccccccccccccccccc" {
		t.Fatalf("shard id extension mismatch: %q", id)
	}
	if DecodeStringBody(pkt.Extensions[1].Body) != "node-1.internal" {
		t.Fatalf("hostname extension mismatch")
	}
}

func TestEmptyGossipSectionIsValid(t *testing.T) {
	h := sampleHeader(TypePing)
	buf := Encode(h, nil)
	pkt, _, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(pkt.Gossip) != 0 {
		t.Fatalf("expected empty gossip section, got %d entries", len(pkt.Gossip))
	}
}

func TestFailPayloadRoundTrip(t *testing.T) {
	h := sampleHeader(TypeFail)
	p := FailPayload{TargetID: "dddddddddddddddddddddddddddddddddddddddd"}
	buf := Encode(h, p.Encode())
	pkt, _, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if pkt.Fail == nil || pkt.Fail.TargetID != p.TargetID {
		t.Fatalf("fail payload mismatch: %+v", pkt.Fail)
	}
}

func TestPublishPayloadRoundTrip(t *testing.T) {
	h := sampleHeader(TypePublish)
	p := PublishPayload{Channel: "room:1", Message: []byte("hello world")}
	buf := Encode(h, p.Encode())
	pkt, _, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if pkt.Publish.Channel != p.Channel || !bytes.Equal(pkt.Publish.Message, p.Message) {
		t.Fatalf("publish payload mismatch: %+v", pkt.Publish)
	}
}

func TestUpdatePayloadRoundTrip(t *testing.T) {
	h := sampleHeader(TypeUpdate)
	p := UpdatePayload{ConfigEpoch: 42, NodeID: "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"}
	p.Slots.Set(100)
	buf := Encode(h, p.Encode())
	pkt, _, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if pkt.Update.ConfigEpoch != 42 || !pkt.Update.Slots.Test(100) {
		t.Fatalf("update payload mismatch: %+v", pkt.Update)
	}
}

func TestAuthMessagesHaveNoPayload(t *testing.T) {
	for _, typ := range []MessageType{TypeAuthReq, TypeAuthAck, TypeMFStart} {
		buf := Encode(sampleHeader(typ), nil)
		if _, _, err := Decode(buf); err != nil {
			t.Fatalf("type %v: Decode: %v", typ, err)
		}
	}
}

func TestDecodeDropsLengthMismatch(t *testing.T) {
	h := sampleHeader(TypeFail)
	buf := Encode(h, []byte("too short"))
	if _, _, err := Decode(buf); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeRejectsBadSignature(t *testing.T) {
	buf := Encode(sampleHeader(TypePing), nil)
	buf[0] = 'X'
	if _, _, err := Decode(buf); err != ErrBadSignature {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	h := sampleHeader(TypePing)
	h.Version = 99
	buf := Encode(h, nil)
	if _, _, err := Decode(buf); err != ErrUnsupportedVersion {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestDecodeIncompleteWaitsForMoreData(t *testing.T) {
	buf := Encode(sampleHeader(TypeFail), FailPayload{TargetID: "f"}.Encode())
	if _, _, err := Decode(buf[:len(buf)-5]); err != ErrIncomplete {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
}

func TestExtensionAlignment(t *testing.T) {
	e := Extension{Type: ExtHostname, Body: StringBody("a")}
	buf := e.Encode()
	if len(buf)%ExtAlign != 0 {
		t.Fatalf("extension length %d not 8-byte aligned", len(buf))
	}
}
