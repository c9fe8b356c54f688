package main

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/code-100-precent/clusterbus/cluster"
	"github.com/code-100-precent/clusterbus/link"
	"github.com/code-100-precent/clusterbus/wire"
)

// writeBurst is the chunk size DrainWrites is allowed per pass; the rate
// limiter paces how often a link gets another chunk so one overloaded
// peer can't starve the others' write goroutines of CPU.
const writeBurst = 64 * 1024

// Bus is the cluster-bus transport: it owns the listener, the per-peer
// read/write goroutines, and implements cluster.Connector/cluster.Sender
// against the link package so the cron orchestrator never touches a
// net.Conn directly.
type Bus struct {
	State      *cluster.State
	Config     cluster.Config
	Dispatcher *cluster.Dispatcher
	DialTimeout time.Duration
	Limiter    *rate.Limiter
	Log        *logrus.Entry
}

// NewBus wires a Bus. writeBytesPerSec bounds the aggregate outbound
// write rate across all links; 0 disables pacing.
func NewBus(s *cluster.State, cfg cluster.Config, d *cluster.Dispatcher, writeBytesPerSec int, log *logrus.Entry) *Bus {
	var limiter *rate.Limiter
	if writeBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(writeBytesPerSec), writeBurst)
	}
	return &Bus{State: s, Config: cfg, Dispatcher: d, DialTimeout: 2 * time.Second, Limiter: limiter, Log: log}
}

// Listen accepts inbound cluster-bus connections until ctx is cancelled.
func (b *Bus) Listen(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrap(err, "listening on cluster-bus address")
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accepting cluster-bus connection")
		}
		go b.serve(ctx, link.New(conn, true))
	}
}

// Connect implements cluster.Connector: dials n's bus address and starts
// serving the resulting outbound link.
func (b *Bus) Connect(n *cluster.Node) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.DialTimeout)
	defer cancel()
	addr := net.JoinHostPort(n.IP, strconv.Itoa(int(n.BusPort)))
	conn, err := link.DialWithBackoff(ctx, addr, b.DialTimeout)
	if err != nil {
		return errors.Wrapf(err, "dialing cluster-bus peer %s", n.ID)
	}
	l := link.New(conn, false)
	l.NodeID = n.ID
	n.OutLink = l
	go b.serve(context.Background(), l)
	return nil
}

// SendPing implements cluster.Sender: builds and transmits a PING or
// MEET packet carrying our current gossip view.
func (b *Bus) SendPing(n *cluster.Node, meet bool) error {
	if n.OutLink == nil {
		return errors.Errorf("no outbound link to %s", n.ID)
	}
	self := b.State.Self()
	if self == nil {
		return errors.New("local node not initialized")
	}
	h := &wire.Header{
		Sender:       self.ID,
		CurrentEpoch: b.State.CurrentEpoch,
		ConfigEpoch:  self.ConfigEpoch,
		Offset:       self.ReplOffset,
		Slots:        cluster.MaskedOutboundSlots(self, b.State),
		Port:         self.ClientPort,
		BusPort:      self.BusPort,
	}
	if self.IsReplica() {
		h.PrimaryOf = self.ReplicatesOf
	}
	if meet {
		h.Type = wire.TypeMeet
	} else {
		h.Type = wire.TypePing
	}
	sendCounter := b.State.SentCount(h.Type)
	gossip := cluster.BuildGossipEntries(cluster.SelectGossipEntries(b.State, n.ID, sendCounter))
	h.GossipCount = uint16(len(gossip))
	payload := wire.BuildGossipPayload(gossip, nil)
	n.OutLink.Send(link.NewBlock(wire.Encode(h, payload)))
	b.State.RecordSent(h.Type)
	return nil
}

// BroadcastFail implements cluster.Sender: announces a local PFAIL->FAIL
// promotion to every connected peer so the cluster adopts it without
// waiting on each peer's own report quorum.
func (b *Bus) BroadcastFail(targetID string) error {
	self := b.State.Self()
	if self == nil {
		return errors.New("local node not initialized")
	}
	h := &wire.Header{
		Sender:       self.ID,
		CurrentEpoch: b.State.CurrentEpoch,
		ConfigEpoch:  self.ConfigEpoch,
		Type:         wire.TypeFail,
	}
	payload := cluster.BuildFailPacket(targetID).Encode()
	b.broadcast(h, payload)
	return nil
}

// SendAuthReq implements cluster.Sender: broadcasts an AUTH_REQ for the
// epoch this node just claimed, carrying our current slot claim so
// voting primaries can check it isn't stale. forceAck carries the
// manual-failover bit that lets a vote through even though the demoted
// primary is still reachable.
func (b *Bus) SendAuthReq(epoch uint64, forceAck bool) error {
	self := b.State.Self()
	if self == nil {
		return errors.New("local node not initialized")
	}
	h := &wire.Header{
		Sender:       self.ID,
		CurrentEpoch: epoch,
		ConfigEpoch:  self.ConfigEpoch,
		Type:         wire.TypeAuthReq,
		Slots:        cluster.MaskedOutboundSlots(self, b.State),
	}
	if forceAck {
		h.MsgFlags |= wire.FlagForceAck
	}
	if self.IsReplica() {
		h.PrimaryOf = self.ReplicatesOf
	}
	b.broadcast(h, nil)
	return nil
}

// SendUpdate implements cluster.Sender: sends a targeted UPDATE
// correcting n's stale view of a slot's ownership.
func (b *Bus) SendUpdate(n *cluster.Node, p wire.UpdatePayload) error {
	if n.OutLink == nil {
		return errors.Errorf("no outbound link to %s", n.ID)
	}
	self := b.State.Self()
	if self == nil {
		return errors.New("local node not initialized")
	}
	h := &wire.Header{
		Sender:       self.ID,
		CurrentEpoch: b.State.CurrentEpoch,
		ConfigEpoch:  self.ConfigEpoch,
		Type:         wire.TypeUpdate,
	}
	n.OutLink.Send(link.NewBlock(wire.Encode(h, p.Encode())))
	b.State.RecordSent(wire.TypeUpdate)
	return nil
}

// broadcast sends h+payload to every peer with a live outbound link,
// skipping self. Per-peer send errors are not actionable beyond closing
// the link, which the cron orchestrator's own backpressure sweep
// already handles, so broadcast does not return them.
func (b *Bus) broadcast(h *wire.Header, payload []byte) {
	raw := wire.Encode(h, payload)
	block := link.NewBlock(raw)
	for _, n := range b.State.Nodes() {
		if n.Flags.Has(cluster.FlagSelf) || n.OutLink == nil {
			continue
		}
		n.OutLink.Send(block)
	}
	b.State.RecordSent(h.Type)
}

// serve runs a link's read loop (dispatching complete packets) and write
// loop (draining the send queue) until the connection fails or ctx ends.
func (b *Bus) serve(ctx context.Context, l *link.Link) {
	done := make(chan struct{})
	go b.writeLoop(ctx, l, done)
	b.readLoop(l)
	close(done)
}

func (b *Bus) readLoop(l *link.Link) {
	defer l.Close()
	r := bufio.NewReaderSize(l.Conn, writeBurst)
	buf := make([]byte, writeBurst)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			packets, resetRequired := l.Feed(buf[:n])
			for _, raw := range packets {
				pkt, _, derr := wire.Decode(raw)
				if derr != nil {
					b.Log.WithError(derr).Debug("dropping malformed cluster-bus packet")
					continue
				}
				if derr := b.Dispatcher.Dispatch(l, pkt, time.Now()); derr != nil {
					b.Log.WithError(derr).Warn("dispatch error")
				}
			}
			if resetRequired {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (b *Bus) writeLoop(ctx context.Context, l *link.Link, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-l.Wake():
		}
		for {
			if b.Limiter != nil {
				if err := b.Limiter.WaitN(ctx, writeBurst); err != nil {
					return
				}
			}
			_, drained, err := l.DrainWrites(writeBurst)
			if err != nil {
				return
			}
			if drained {
				break
			}
		}
	}
}

