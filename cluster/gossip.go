package cluster

import (
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/code-100-precent/clusterbus/wire"
)

// ErrCorruptGossipEntry signals a non-hex or wrong-length identifier in
// a gossip entry; per the error taxonomy the whole section is dropped.
var ErrCorruptGossipEntry = errors.New("cluster: corrupt gossip entry identifier")

// GossipTargetCount returns the number of entries a PING/PONG packet
// should carry: max(3, nodeCount/10), capped at nodeCount-2 (self and
// receiver excluded).
func GossipTargetCount(nodeCount int) int {
	target := nodeCount / 10
	if target < 3 {
		target = 3
	}
	limit := nodeCount - 2
	if limit < 0 {
		limit = 0
	}
	if target > limit {
		target = limit
	}
	return target
}

func eligibleForGossip(n *Node, selfID, receiverID string) bool {
	if n.ID == selfID || n.ID == receiverID {
		return false
	}
	if n.Flags.Has(FlagHandshake) || n.Flags.Has(FlagNoAddress) {
		return false
	}
	if n.OutLink == nil && n.InLink == nil && n.NumSlots() == 0 {
		return false
	}
	return true
}

// SelectGossipEntries samples peers to include in a PING/PONG to
// receiverID: up to target entries chosen uniformly at random without
// replacement in a single pass capped at 3x attempts, tracked per-node
// so the same peer isn't repeated across consecutive packets to the
// same gossip "round". Every currently-PFAIL peer is appended afterward
// (subject to the sample cap) to accelerate failure propagation.
func SelectGossipEntries(s *State, receiverID string, sendCounter uint64) []*Node {
	all := s.Nodes()
	target := GossipTargetCount(len(all))
	if target == 0 {
		return nil
	}

	candidates := make([]*Node, 0, len(all))
	for _, n := range all {
		if eligibleForGossip(n, s.SelfID, receiverID) && n.LastGossipSent != sendCounter {
			candidates = append(candidates, n)
		}
	}

	selected := make([]*Node, 0, target)
	seen := make(map[string]bool, target)
	maxAttempts := target * 3
	for attempt := 0; attempt < maxAttempts && len(selected) < target && len(candidates) > 0; attempt++ {
		n := candidates[rand.Intn(len(candidates))]
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		n.LastGossipSent = sendCounter
		selected = append(selected, n)
	}

	for _, n := range all {
		if len(selected) >= target {
			break
		}
		if !n.Flags.Has(FlagPFail) || seen[n.ID] || !eligibleForGossip(n, s.SelfID, receiverID) {
			continue
		}
		seen[n.ID] = true
		selected = append(selected, n)
	}
	return selected
}

// BuildGossipEntries converts selected nodes into their wire
// representation for a PING/PONG/MEET payload.
func BuildGossipEntries(selected []*Node) []wire.GossipEntry {
	out := make([]wire.GossipEntry, 0, len(selected))
	for _, n := range selected {
		out = append(out, wire.GossipEntry{
			NodeID:       n.ID,
			PingSent:     uint32(n.PingSent.Unix()),
			PongReceived: uint32(n.PongReceived.Unix()),
			IP:           n.IP,
			Port:         n.ClientPort,
			BusPort:      n.BusPort,
			Flags:        uint16(n.Flags),
			TLSPort:      n.TLSPort,
		})
	}
	return out
}

// SelectRoundRobinPingTarget returns the connected, non-awaiting peer
// with the oldest PongReceived, the once-per-second PING target from
// §4.3's "pick five random peers" rule collapsed to its outcome (the
// five-peer sample narrows to a single oldest-pong winner).
func SelectRoundRobinPingTarget(s *State, sampleSize int) *Node {
	all := s.Nodes()
	candidates := make([]*Node, 0, len(all))
	for _, n := range all {
		if n.ID == s.SelfID || n.Flags.Has(FlagHandshake) {
			continue
		}
		if n.OutLink == nil {
			continue
		}
		if !n.PingSent.IsZero() && n.PongReceived.Before(n.PingSent) {
			continue // awaiting pong
		}
		candidates = append(candidates, n)
	}
	if len(candidates) == 0 {
		return nil
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > sampleSize {
		candidates = candidates[:sampleSize]
	}
	oldest := candidates[0]
	for _, n := range candidates[1:] {
		if n.PongReceived.Before(oldest.PongReceived) {
			oldest = n
		}
	}
	return oldest
}

// PeersNeedingIndependentPing returns peers whose last pong predates
// cfg.EffectivePingInterval(), which must be pinged regardless of the
// round-robin selection.
func PeersNeedingIndependentPing(s *State, cfg Config, now time.Time) []*Node {
	var out []*Node
	for _, n := range s.Nodes() {
		if n.ID == s.SelfID || n.Flags.Has(FlagHandshake) || n.OutLink == nil {
			continue
		}
		if now.Sub(n.PongReceived) > cfg.EffectivePingInterval() {
			out = append(out, n)
		}
	}
	return out
}

// PeersToTearDown returns peers that have sent us nothing for
// NodeTimeout/2 while we've awaited their pong for longer than
// NodeTimeout/2; their link must be torn down so cron reconnects.
func PeersToTearDown(s *State, cfg Config, now time.Time) []*Node {
	half := cfg.NodeTimeout / 2
	var out []*Node
	for _, n := range s.Nodes() {
		if n.ID == s.SelfID || n.OutLink == nil {
			continue
		}
		awaitingPong := !n.PingSent.IsZero() && n.PongReceived.Before(n.PingSent)
		if now.Sub(n.DataReceived) > half && awaitingPong && now.Sub(n.PingSent) > half {
			out = append(out, n)
		}
	}
	return out
}

// ProcessGossipEntry applies one incoming gossip entry from sender,
// following the reconciliation rules in §4.3. senderIsPrimary reflects
// the sender's role at the time the packet was built.
func ProcessGossipEntry(s *State, sender *Node, senderIsPrimary bool, entry wire.GossipEntry, now time.Time) error {
	if err := ValidateID(entry.NodeID); err != nil {
		return errors.Wrap(ErrCorruptGossipEntry, entry.NodeID)
	}

	target, known := s.GetNode(entry.NodeID)
	gossipedFailing := entry.Flags&uint16(FlagPFail) != 0 || entry.Flags&uint16(FlagFail) != 0
	gossipedNoAddress := entry.Flags&uint16(FlagNoAddress) != 0

	if known {
		if senderIsPrimary {
			if gossipedFailing {
				target.AddFailureReport(sender.ID, now)
			} else {
				target.RemoveFailureReport(sender.ID)
			}
		}

		hasPendingPing := !target.PingSent.IsZero() && target.PongReceived.Before(target.PingSent)
		if !hasPendingPing && len(target.FailureReports) == 0 {
			gossipedPong := time.Unix(int64(entry.PongReceived), 0)
			if gossipedPong.After(target.PongReceived) && gossipedPong.Before(now.Add(500*time.Millisecond)) {
				target.mu.Lock()
				target.PongReceived = gossipedPong
				target.mu.Unlock()
			}
		}

		locallyFailing := target.Flags.Has(FlagPFail) || target.Flags.Has(FlagFail)
		if locallyFailing && !gossipedFailing && !gossipedNoAddress && entry.IP != target.IP {
			if target.OutLink != nil {
				target.OutLink.Close()
				target.OutLink = nil
			}
			target.mu.Lock()
			target.IP = entry.IP
			target.ClientPort = entry.Port
			target.BusPort = entry.BusPort
			target.mu.Unlock()
		}
		return nil
	}

	if !gossipedNoAddress && !s.IsBlacklisted(entry.NodeID) && sender != nil {
		n := &Node{
			ID:           entry.NodeID,
			IP:           entry.IP,
			ClientPort:   entry.Port,
			BusPort:      entry.BusPort,
			TLSPort:      entry.TLSPort,
			CreationTime: now,
		}
		if entry.Flags&uint16(FlagPrimary) != 0 {
			n.Flags |= FlagPrimary
		} else {
			n.Flags |= FlagReplica
		}
		s.AddNode(n)
	}
	return nil
}

// HandleMeet starts a MEET handshake toward a freshly specified peer: a
// handshake-flagged node with a random identifier and the meet flag,
// left for the reconnect path to actually dial and send MEET.
func HandleMeet(s *State, ip string, clientPort, busPort uint16) *Node {
	n := NewNode(ip, clientPort, busPort)
	n.Flags |= FlagMeet
	s.AddNode(n)
	return n
}

// HandleIncomingMeet processes an unsolicited MEET from a socket whose
// peer address is peerIP: the sender is recorded as a handshake node so
// the caller can reply PONG.
func HandleIncomingMeet(s *State, peerIP string, port uint16) *Node {
	n := NewNode(peerIP, port, 0)
	s.AddNode(n)
	return n
}

// CompleteHandshake finishes a handshake once the first PING/PONG from
// the new peer arrives: the placeholder id is replaced by the sender's
// real identifier, the handshake flag clears, and role flags adopt the
// packet's declared role.
func CompleteHandshake(s *State, placeholderID string, h *wire.Header, senderIsPrimary bool) {
	n, ok := s.GetNode(placeholderID)
	if !ok {
		return
	}
	s.RenameNode(placeholderID, h.Sender)
	n.mu.Lock()
	n.Flags &^= FlagHandshake | FlagMeet
	if senderIsPrimary {
		n.Flags |= FlagPrimary
		n.Flags &^= FlagReplica
	} else {
		n.Flags |= FlagReplica
		n.Flags &^= FlagPrimary
	}
	n.ConfigEpoch = h.ConfigEpoch
	n.mu.Unlock()
}
