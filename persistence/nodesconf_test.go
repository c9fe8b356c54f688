package persistence

import (
	"path/filepath"
	"testing"
)

func sampleTable() *Table {
	return &Table{
		CurrentEpoch:  8,
		LastVoteEpoch: 7,
		Nodes: []NodeRecord{
			{
				ID:             "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
				IP:             "10.0.0.1",
				ClientPort:     6379,
				BusPort:        16379,
				Aux:            map[string]string{"shard-id": "s1"},
				Flags:          []string{"myself", "master"},
				PrimaryID:      "",
				PingSentMs:     0,
				PongReceivedMs: 1000,
				ConfigEpoch:    8,
				Connected:      true,
				Slots:          []SlotToken{{Kind: KindSingle, Start: 0}, {Kind: KindRange, Start: 1, End: 100}},
			},
			{
				ID:             "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
				IP:             "10.0.0.2",
				ClientPort:     6380,
				BusPort:        16380,
				Flags:          []string{"slave"},
				PrimaryID:      "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
				PingSentMs:     500,
				PongReceivedMs: 1500,
				ConfigEpoch:    8,
				Connected:      true,
			},
		},
	}
}

func TestRoundTripIsIdempotent(t *testing.T) {
	original := sampleTable()
	encoded := Encode(original)
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.CurrentEpoch != original.CurrentEpoch || decoded.LastVoteEpoch != original.LastVoteEpoch {
		t.Fatalf("epoch mismatch: %+v vs %+v", decoded, original)
	}
	if len(decoded.Nodes) != len(original.Nodes) {
		t.Fatalf("node count mismatch: %d vs %d", len(decoded.Nodes), len(original.Nodes))
	}
	for i := range original.Nodes {
		if decoded.Nodes[i].ID != original.Nodes[i].ID {
			t.Fatalf("node %d id mismatch: %q vs %q", i, decoded.Nodes[i].ID, original.Nodes[i].ID)
		}
		if decoded.Nodes[i].IP != original.Nodes[i].IP || decoded.Nodes[i].BusPort != original.Nodes[i].BusPort {
			t.Fatalf("node %d address mismatch", i)
		}
		if decoded.Nodes[i].ConfigEpoch != original.Nodes[i].ConfigEpoch {
			t.Fatalf("node %d config epoch mismatch", i)
		}
	}
	reEncoded := Encode(decoded)
	if string(reEncoded) != string(encoded) {
		t.Fatalf("second encode pass diverged:\n%s\nvs\n%s", reEncoded, encoded)
	}
}

func TestSlotTokenRoundTrip(t *testing.T) {
	cases := []string{"0", "1-100", "[42->bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb]", "[42-<-bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb]"}
	for _, tok := range cases {
		parsed, err := parseSlotToken(tok)
		if err != nil {
			t.Fatalf("parseSlotToken(%q): %v", tok, err)
		}
		if parsed.String() != tok {
			t.Fatalf("round trip mismatch: %q -> %q", tok, parsed.String())
		}
	}
}

func TestRejectsMalformedNodeID(t *testing.T) {
	bad := "short 10.0.0.1:6379@16379 myself,master - 0 0 1 connected\n"
	if _, err := Decode([]byte(bad)); err == nil {
		t.Fatalf("expected error for short node id")
	}
}

func TestBlankLinesPermitted(t *testing.T) {
	data := "\n\n" + string(Encode(sampleTable())) + "\n\n"
	if _, err := Decode([]byte(data)); err != nil {
		t.Fatalf("Decode with blank lines: %v", err)
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.conf")
	original := sampleTable()
	if err := Save(path, original); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Nodes) != len(original.Nodes) {
		t.Fatalf("loaded node count mismatch")
	}
}

func TestAcquireLockRefusesSecondHolder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.conf.lock")
	l1, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("first AcquireLock: %v", err)
	}
	defer l1.Release()

	if _, err := AcquireLock(path); err == nil {
		t.Fatalf("expected second AcquireLock to fail while first holds the lock")
	}
}
