// Package persistence implements the durable node-table file: a
// newline-delimited text format recording every known node, its
// addresses, flags, and slot assignments, plus the cluster's epoch
// counters. Writes are atomic (temp file, fsync, rename, fsync parent
// directory) and the file is held under an advisory lock for the
// lifetime of the process, the same durability discipline applied to
// the plain-text node-table grammar instead of JSON.
package persistence

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SlotToken is one slot-range or migration marker trailing a node line.
type SlotToken struct {
	Kind     SlotTokenKind
	Start    int
	End      int // only meaningful for KindRange
	TargetID string // only meaningful for KindMigrating/KindImporting
}

type SlotTokenKind int

const (
	KindSingle SlotTokenKind = iota
	KindRange
	KindMigrating
	KindImporting
)

func (t SlotToken) String() string {
	switch t.Kind {
	case KindSingle:
		return strconv.Itoa(t.Start)
	case KindRange:
		return fmt.Sprintf("%d-%d", t.Start, t.End)
	case KindMigrating:
		return fmt.Sprintf("[%d->%s]", t.Start, t.TargetID)
	case KindImporting:
		return fmt.Sprintf("[%d-<-%s]", t.Start, t.TargetID)
	default:
		return ""
	}
}

func parseSlotToken(tok string) (SlotToken, error) {
	switch {
	case strings.HasPrefix(tok, "[") && strings.HasSuffix(tok, "]"):
		body := tok[1 : len(tok)-1]
		if idx := strings.Index(body, "->"); idx >= 0 {
			n, err := strconv.Atoi(body[:idx])
			if err != nil {
				return SlotToken{}, errors.Wrapf(err, "migrating slot token %q", tok)
			}
			return SlotToken{Kind: KindMigrating, Start: n, TargetID: body[idx+2:]}, nil
		}
		if idx := strings.Index(body, "-<-"); idx >= 0 {
			n, err := strconv.Atoi(body[:idx])
			if err != nil {
				return SlotToken{}, errors.Wrapf(err, "importing slot token %q", tok)
			}
			return SlotToken{Kind: KindImporting, Start: n, TargetID: body[idx+3:]}, nil
		}
		return SlotToken{}, errors.Errorf("unrecognized bracketed slot token %q", tok)
	case strings.Contains(tok, "-"):
		parts := strings.SplitN(tok, "-", 2)
		start, err1 := strconv.Atoi(parts[0])
		end, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			return SlotToken{}, errors.Errorf("malformed slot range %q", tok)
		}
		return SlotToken{Kind: KindRange, Start: start, End: end}, nil
	default:
		n, err := strconv.Atoi(tok)
		if err != nil {
			return SlotToken{}, errors.Wrapf(err, "malformed slot token %q", tok)
		}
		return SlotToken{Kind: KindSingle, Start: n}, nil
	}
}

// NodeRecord is one line of the node table: a node's identity,
// addresses, flags, and slot claims as they are serialized to disk.
type NodeRecord struct {
	ID             string
	IP             string
	ClientPort     uint16
	BusPort        uint16
	Hostname       string
	Aux            map[string]string // shard-id, nodename, tcp-port, tls-port
	Flags          []string
	PrimaryID      string // "-" if the node is a primary
	PingSentMs     int64
	PongReceivedMs int64
	ConfigEpoch    uint64
	Connected      bool
	Slots          []SlotToken
}

func (r NodeRecord) addressField() string {
	field := fmt.Sprintf("%s:%d@%d", r.IP, r.ClientPort, r.BusPort)
	if r.Hostname != "" {
		field += "," + r.Hostname
	}
	keys := make([]string, 0, len(r.Aux))
	for k := range r.Aux {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		field += fmt.Sprintf(",%s=%s", k, r.Aux[k])
	}
	return field
}

// Line renders r in the on-disk node-table line format, exported so
// callers outside this package (e.g. the introspection API's CLUSTER
// NODES equivalent) can reuse the exact same grammar.
func (r NodeRecord) Line() string {
	return r.line()
}

func (r NodeRecord) line() string {
	flags := strings.Join(r.Flags, ",")
	if flags == "" {
		flags = "noflags"
	}
	primary := r.PrimaryID
	if primary == "" {
		primary = "-"
	}
	linkStatus := "disconnected"
	if r.Connected {
		linkStatus = "connected"
	}
	fields := []string{
		r.ID,
		r.addressField(),
		flags,
		primary,
		strconv.FormatInt(r.PingSentMs, 10),
		strconv.FormatInt(r.PongReceivedMs, 10),
		strconv.FormatUint(r.ConfigEpoch, 10),
		linkStatus,
	}
	for _, s := range r.Slots {
		fields = append(fields, s.String())
	}
	return strings.Join(fields, " ")
}

func parseAddressField(field string) (ip string, clientPort, busPort uint16, hostname string, aux map[string]string, err error) {
	parts := strings.Split(field, ",")
	hostPart := parts[0]
	aux = map[string]string{}
	for _, extra := range parts[1:] {
		if kv := strings.SplitN(extra, "=", 2); len(kv) == 2 {
			aux[kv[0]] = kv[1]
		} else {
			hostname = extra
		}
	}
	atIdx := strings.Index(hostPart, "@")
	if atIdx < 0 {
		return "", 0, 0, "", nil, errors.Errorf("missing bus port in address field %q", field)
	}
	busPortVal, err := strconv.Atoi(hostPart[atIdx+1:])
	if err != nil {
		return "", 0, 0, "", nil, errors.Wrapf(err, "bus port in %q", field)
	}
	hostClient := hostPart[:atIdx]
	colonIdx := strings.LastIndex(hostClient, ":")
	if colonIdx < 0 {
		return "", 0, 0, "", nil, errors.Errorf("missing client port in address field %q", field)
	}
	clientPortVal, err := strconv.Atoi(hostClient[colonIdx+1:])
	if err != nil {
		return "", 0, 0, "", nil, errors.Wrapf(err, "client port in %q", field)
	}
	return hostClient[:colonIdx], uint16(clientPortVal), uint16(busPortVal), hostname, aux, nil
}

func parseNodeLine(line string) (NodeRecord, error) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return NodeRecord{}, errors.Errorf("node line has %d fields, want at least 8: %q", len(fields), line)
	}
	var r NodeRecord
	r.ID = fields[0]
	if len(r.ID) != 40 {
		return NodeRecord{}, errors.Errorf("node id %q is not 40 characters", r.ID)
	}
	ip, clientPort, busPort, hostname, aux, err := parseAddressField(fields[1])
	if err != nil {
		return NodeRecord{}, err
	}
	r.IP, r.ClientPort, r.BusPort, r.Hostname, r.Aux = ip, clientPort, busPort, hostname, aux

	r.Flags = strings.Split(fields[2], ",")
	if fields[3] != "-" {
		r.PrimaryID = fields[3]
	}
	r.PingSentMs, err = strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return NodeRecord{}, errors.Wrap(err, "ping_sent_ms")
	}
	r.PongReceivedMs, err = strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return NodeRecord{}, errors.Wrap(err, "pong_received_ms")
	}
	r.ConfigEpoch, err = strconv.ParseUint(fields[6], 10, 64)
	if err != nil {
		return NodeRecord{}, errors.Wrap(err, "config_epoch")
	}
	r.Connected = fields[7] == "connected"

	for _, tok := range fields[8:] {
		slot, err := parseSlotToken(tok)
		if err != nil {
			return NodeRecord{}, err
		}
		r.Slots = append(r.Slots, slot)
	}
	return r, nil
}

// Table is the full contents of a node-table file: every node record
// plus the epoch counters from the trailing "vars" line.
type Table struct {
	Nodes         []NodeRecord
	CurrentEpoch  uint64
	LastVoteEpoch uint64
}

// Encode renders t in the on-disk node-table format.
func Encode(t *Table) []byte {
	var b strings.Builder
	for _, n := range t.Nodes {
		b.WriteString(n.line())
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "vars currentEpoch %d lastVoteEpoch %d\n", t.CurrentEpoch, t.LastVoteEpoch)
	return []byte(b.String())
}

// Decode parses the node-table format. Blank lines are permitted
// anywhere; a malformed non-blank line is a parse failure (per the
// error taxonomy, callers should log and exit rather than guess).
func Decode(data []byte) (*Table, error) {
	t := &Table{}
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "vars ") {
			fields := strings.Fields(line)
			for i := 1; i+1 < len(fields); i += 2 {
				switch fields[i] {
				case "currentEpoch":
					v, err := strconv.ParseUint(fields[i+1], 10, 64)
					if err != nil {
						return nil, errors.Wrap(err, "vars currentEpoch")
					}
					t.CurrentEpoch = v
				case "lastVoteEpoch":
					v, err := strconv.ParseUint(fields[i+1], 10, 64)
					if err != nil {
						return nil, errors.Wrap(err, "vars lastVoteEpoch")
					}
					t.LastVoteEpoch = v
				}
			}
			continue
		}
		rec, err := parseNodeLine(line)
		if err != nil {
			return nil, errors.Wrap(err, "parsing node-table line")
		}
		t.Nodes = append(t.Nodes, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scanning node-table file")
	}
	return t, nil
}

// Save writes t to path atomically: a temp file in the same directory,
// fsynced, renamed over the destination, then the parent directory is
// fsynced so the rename itself is durable.
func Save(path string, t *Table) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".nodes-*.tmp")
	if err != nil {
		return errors.Wrap(err, "creating temp node-table file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(Encode(t)); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing temp node-table file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "fsyncing temp node-table file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing temp node-table file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrap(err, "renaming node-table file into place")
	}
	dirFile, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "opening parent directory for fsync")
	}
	defer dirFile.Close()
	if err := dirFile.Sync(); err != nil {
		return errors.Wrap(err, "fsyncing parent directory")
	}
	return nil
}

// Load reads and parses the node-table file at path.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading node-table file")
	}
	return Decode(data)
}
