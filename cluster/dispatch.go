package cluster

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/code-100-precent/clusterbus/link"
	"github.com/code-100-precent/clusterbus/wire"
)

// Replier sends a reply packet back down the link a message arrived on.
// A thin wrapper over link.Link.Send so dispatch never has to know about
// link.Block lifetimes beyond constructing one.
type Replier interface {
	Reply(l *link.Link, h *wire.Header, payload []byte)
}

// linkReplier is the default Replier, grounded on the link package's
// reference-counted send path.
type linkReplier struct{}

func (linkReplier) Reply(l *link.Link, h *wire.Header, payload []byte) {
	l.Send(link.NewBlock(wire.Encode(h, payload)))
}

// Dispatcher routes a decoded cluster-bus packet to the cluster-state
// function that handles it, implementing the receive side of §4.2-§4.6:
// the per-type reaction a node has to an incoming PING/PONG/MEET, FAIL,
// PUBLISH, UPDATE or election message.
type Dispatcher struct {
	State    *State
	Config   Config
	KeyStore KeyStore
	Replier  Replier
	Log      *logrus.Entry
}

// NewDispatcher wires a dispatcher against s, replying to PING/MEET and
// AUTH_REQ through the default link-backed Replier.
func NewDispatcher(s *State, cfg Config, ks KeyStore, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{State: s, Config: cfg, KeyStore: ks, Replier: linkReplier{}, Log: log}
}

// Dispatch handles one inbound packet received on l. now is the receive
// timestamp, threaded through explicitly so tests can drive it.
func (d *Dispatcher) Dispatch(l *link.Link, pkt *wire.Packet, now time.Time) error {
	h := pkt.Header
	if err := ValidateID(h.Sender); err != nil {
		return errors.Wrap(err, "dispatch: malformed sender id")
	}
	senderIsPrimary := h.PrimaryOf == ""
	sender := d.resolveSender(l, h, senderIsPrimary, now)
	if sender == nil {
		return nil // blacklisted or otherwise ignored
	}

	d.State.RecordReceived(h.Type)
	d.State.BumpCurrentEpoch(h.CurrentEpoch)
	sender.mu.Lock()
	sender.DataReceived = now
	if !senderIsPrimary {
		sender.Flags |= FlagReplica
		sender.Flags &^= FlagPrimary
		sender.ReplicatesOf = h.PrimaryOf
	} else {
		sender.Flags |= FlagPrimary
		sender.Flags &^= FlagReplica
	}
	sender.mu.Unlock()

	switch h.Type {
	case wire.TypePing, wire.TypePong, wire.TypeMeet:
		return d.handlePingLike(l, sender, senderIsPrimary, h, pkt, now)
	case wire.TypeFail:
		AdoptFailFromPeer(d.State, pkt.Fail.TargetID, now)
	case wire.TypePublish, wire.TypePublishShard:
		if pkt.Publish != nil {
			d.KeyStore.Publish(pkt.Publish.Channel, pkt.Publish.Message, h.Type == wire.TypePublishShard)
		}
	case wire.TypeUpdate:
		d.handleUpdate(pkt.Update)
	case wire.TypeAuthReq:
		d.handleAuthReq(l, sender, h, now)
	case wire.TypeAuthAck:
		TallyVote(d.State, sender, h.CurrentEpoch)
	case wire.TypeMFStart:
		StartManualFailover(d.State, sender.ID, d.Config, now)
	case wire.TypeModule:
		// No module subsystem in this build; decoded and discarded.
	default:
		return errors.Errorf("dispatch: unhandled message type %v", h.Type)
	}
	return nil
}

func (d *Dispatcher) resolveSender(l *link.Link, h *wire.Header, senderIsPrimary bool, now time.Time) *Node {
	if d.State.IsBlacklisted(h.Sender) {
		return nil
	}
	// l.NodeID is the placeholder id Connect stamped on an outbound link
	// before the peer's real id was known. The first reply on that link
	// carries the real id in h.Sender, which never matches the
	// placeholder's randomly generated one, so the handshake node has to
	// be found by link identity instead of by id.
	if l != nil && l.NodeID != "" && l.NodeID != h.Sender {
		if pending, ok := d.State.GetNode(l.NodeID); ok && pending.Flags.Has(FlagHandshake) {
			pending.InLink = l
			return pending
		}
	}
	n, ok := d.State.GetNode(h.Sender)
	if !ok {
		n = &Node{ID: h.Sender, IP: h.IP, ClientPort: h.Port, BusPort: h.BusPort, ConfigEpoch: h.ConfigEpoch, CreationTime: now}
		if senderIsPrimary {
			n.Flags = FlagPrimary
		} else {
			n.Flags = FlagReplica
			n.ReplicatesOf = h.PrimaryOf
		}
		d.State.AddNode(n)
	}
	n.InLink = l
	return n
}

func (d *Dispatcher) handlePingLike(l *link.Link, sender *Node, senderIsPrimary bool, h *wire.Header, pkt *wire.Packet, now time.Time) error {
	if sender.Flags.Has(FlagHandshake) {
		CompleteHandshake(d.State, sender.ID, h, senderIsPrimary)
		sender, _ = d.State.GetNode(h.Sender)
	}
	sender.SetSlots(h.Slots)

	// §7: a corrupt entry id condemns the whole gossip section of this
	// packet, not just that entry — earlier entries in the same loop
	// could otherwise leave side effects (failure reports, address
	// adoption, node creation) from a packet that should be rejected
	// wholesale. Validate every id before applying any of them.
	gossipSectionValid := true
	for _, entry := range pkt.Gossip {
		if err := ValidateID(entry.NodeID); err != nil {
			d.Log.WithFields(logrus.Fields{
				"sender": sender.ID,
				"id_hex": fmt.Sprintf("% x", entry.NodeID),
			}).Warn("dropping entire gossip section: corrupt entry id")
			gossipSectionValid = false
			break
		}
	}
	if gossipSectionValid {
		for _, entry := range pkt.Gossip {
			if err := ProcessGossipEntry(d.State, sender, senderIsPrimary, entry, now); err != nil {
				d.Log.WithError(err).Debug("dropping malformed gossip entry")
			}
		}
	}

	dirty, newPrimary, staleClaims := ReconcileSlots(d.State, d.Config, sender, h.Slots, h.ConfigEpoch, d.KeyStore)
	if newPrimary != nil {
		d.Log.WithField("primary", newPrimary.ID).Info("adopted new shard primary from slot reconciliation")
	}
	for _, slot := range dirty {
		d.KeyStore.DelKeysInSlot(slot)
	}
	sentUpdateFor := make(map[string]bool, len(staleClaims))
	for _, slot := range staleClaims {
		owner := d.State.SlotOwner(slot)
		if sentUpdateFor[owner] {
			continue
		}
		sentUpdateFor[owner] = true
		d.sendStaleClaimUpdate(l, slot)
	}

	if h.Type != wire.TypePong {
		d.replyPong(l, sender)
	}

	self := d.State.Self()
	if self != nil && self.ConfigEpoch == h.ConfigEpoch && self.ID != sender.ID {
		ResolveEpochCollision(d.State, self, sender)
	}
	return nil
}

// sendStaleClaimUpdate replies with the authoritative UPDATE for slot,
// correcting a claim ReconcileSlots rejected because our recorded
// owner's config_epoch is newer. Sent over l directly since the peer to
// correct is the one we're already replying to.
func (d *Dispatcher) sendStaleClaimUpdate(l *link.Link, slot int) {
	p, ok := StaleClaimUpdate(d.State, slot)
	if !ok {
		return
	}
	self := d.State.Self()
	if self == nil {
		return
	}
	reply := &wire.Header{
		Sender:       self.ID,
		CurrentEpoch: d.State.CurrentEpoch,
		ConfigEpoch:  self.ConfigEpoch,
		Type:         wire.TypeUpdate,
	}
	d.Replier.Reply(l, reply, p.Encode())
	d.State.RecordSent(wire.TypeUpdate)
}

func (d *Dispatcher) handleUpdate(p *wire.UpdatePayload) {
	target, ok := d.State.GetNode(p.NodeID)
	if !ok {
		target = &Node{ID: p.NodeID}
		d.State.AddNode(target)
	}
	dirty, _ := ApplyUpdate(d.State, d.Config, target, *p, d.KeyStore)
	for _, slot := range dirty {
		d.KeyStore.DelKeysInSlot(slot)
	}
}

func (d *Dispatcher) handleAuthReq(l *link.Link, requester *Node, h *wire.Header, now time.Time) {
	self := d.State.Self()
	if self == nil {
		return
	}
	req := AuthRequest{
		Requester:    requester,
		PrimaryID:    h.PrimaryOf,
		CurrentEpoch: h.CurrentEpoch,
		ClaimedSlots: h.Slots.Test,
		ForceAck:     h.MsgFlags&wire.FlagForceAck != 0,
	}
	granted, reason := GrantVote(d.State, self, req, d.Config, now)
	if !granted {
		d.Log.WithField("reason", reason).Debug("refused failover vote")
		return
	}
	reply := &wire.Header{
		Sender:       self.ID,
		CurrentEpoch: d.State.CurrentEpoch,
		ConfigEpoch:  self.ConfigEpoch,
		Type:         wire.TypeAuthAck,
	}
	d.Replier.Reply(l, reply, nil)
}

func (d *Dispatcher) replyPong(l *link.Link, self *Node) {
	self2 := d.State.Self()
	if self2 == nil {
		return
	}
	reply := &wire.Header{
		Sender:       self2.ID,
		CurrentEpoch: d.State.CurrentEpoch,
		ConfigEpoch:  self2.ConfigEpoch,
		Offset:       self2.ReplOffset,
		Type:         wire.TypePong,
		Slots:        MaskedOutboundSlots(self2, d.State),
	}
	if self2.IsReplica() {
		reply.PrimaryOf = self2.ReplicatesOf
	}
	gossip := BuildGossipEntries(SelectGossipEntries(d.State, self.ID, d.State.SentCount(wire.TypePong)))
	reply.GossipCount = uint16(len(gossip))
	payload := wire.BuildGossipPayload(gossip, nil)
	d.Replier.Reply(l, reply, payload)
	d.State.RecordSent(wire.TypePong)
}
