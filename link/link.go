// Package link implements the duplex cluster-bus connection to a single
// peer: a growable receive buffer that frames whole packets off the wire,
// and a FIFO send queue of reference-counted blocks with byte-budgeted
// draining for backpressure.
package link

import (
	"net"
	"sync"
	"time"

	"github.com/code-100-precent/clusterbus/wire"
)

const (
	initialRecvBuf = 1024
	oneMiB         = 1 << 20
)

type queueItem struct {
	block  *Block
	offset int
}

// Link is one half-duplex cluster-bus connection: either the outbound
// link this node created to a peer, or the inbound link a peer created to
// us. A node owns at most one of each (see cluster.Node).
type Link struct {
	Created time.Time
	NodeID  string // owning node id; empty until handshake/MEET resolves it
	Inbound bool
	Conn    net.Conn

	mu           sync.Mutex
	recvBuf      []byte
	recvLen      int
	sendQueue    []queueItem
	sendQueueMem int64
	closed       bool
	wake         chan struct{}
}

// New wraps an established connection. Inbound links come from the bus
// listener's Accept loop; outbound links come from a reconnect dial.
func New(conn net.Conn, inbound bool) *Link {
	return &Link{
		Created: time.Now(),
		Inbound: inbound,
		Conn:    conn,
		recvBuf: make([]byte, initialRecvBuf),
		wake:    make(chan struct{}, 1),
	}
}

// Feed appends newly read bytes and extracts every complete packet now
// available. It never dispatches a partial packet: if the buffered bytes
// are short of the declared total length, Feed grows the buffer and
// returns what it already had, waiting for the next read.
//
// A framing error (bad signature, or a total length shorter than the
// header itself) is unrecoverable — the caller must reset the link.
func (l *Link) Feed(data []byte) (packets [][]byte, resetRequired bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.appendLocked(data)
	for {
		if l.recvLen < 8 {
			break
		}
		if !wire.HasSignature(l.recvBuf[:4]) {
			return packets, true
		}
		totalLen, _ := wire.Peek(l.recvBuf[:l.recvLen])
		if totalLen < wire.HeaderSize {
			return packets, true
		}
		if uint64(l.recvLen) < uint64(totalLen) {
			l.ensureCapacityLocked(int(totalLen))
			break
		}
		raw := make([]byte, totalLen)
		copy(raw, l.recvBuf[:totalLen])
		packets = append(packets, raw)

		remaining := l.recvLen - int(totalLen)
		copy(l.recvBuf, l.recvBuf[totalLen:l.recvLen])
		l.recvLen = remaining
	}
	if l.recvLen == 0 && cap(l.recvBuf) > initialRecvBuf {
		l.recvBuf = make([]byte, initialRecvBuf)
	}
	return packets, false
}

func (l *Link) appendLocked(data []byte) {
	if len(data) == 0 {
		return
	}
	l.ensureCapacityLocked(l.recvLen + len(data))
	copy(l.recvBuf[l.recvLen:], data)
	l.recvLen += len(data)
}

func (l *Link) ensureCapacityLocked(required int) {
	if cap(l.recvBuf) >= required {
		return
	}
	var newCap int
	if required < oneMiB {
		newCap = required * 2
	} else {
		newCap = required + oneMiB
	}
	buf := make([]byte, newCap)
	copy(buf, l.recvBuf[:l.recvLen])
	l.recvBuf = buf
}

// Send enqueues block for transmission, retaining it for the duration it
// sits in this link's queue. Safe to call with a block already queued on
// other links (broadcast).
func (l *Link) Send(b *Block) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	b.Retain()
	l.sendQueue = append(l.sendQueue, queueItem{block: b})
	l.sendQueueMem += int64(len(b.Data))
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Wake is signaled whenever a new block is enqueued; a writer goroutine
// blocks on it between drain passes instead of busy-polling.
func (l *Link) Wake() <-chan struct{} {
	return l.wake
}

// SendQueueMem returns the current outbound backlog in bytes, used by the
// cron orchestrator's backpressure check.
func (l *Link) SendQueueMem() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sendQueueMem
}

// DrainWrites writes up to maxBytes from the head of the send queue,
// advancing the head block's offset on a partial write and releasing
// fully-sent blocks. drained reports whether the queue emptied.
func (l *Link) DrainWrites(maxBytes int) (wrote int, drained bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for wrote < maxBytes && len(l.sendQueue) > 0 {
		head := &l.sendQueue[0]
		remaining := head.block.Data[head.offset:]
		budget := maxBytes - wrote
		chunk := remaining
		if len(chunk) > budget {
			chunk = chunk[:budget]
		}
		n, werr := l.Conn.Write(chunk)
		wrote += n
		head.offset += n
		l.sendQueueMem -= int64(n)
		if werr != nil {
			return wrote, false, werr
		}
		if n < len(chunk) {
			break
		}
		if head.offset >= len(head.block.Data) {
			head.block.Release()
			l.sendQueue = l.sendQueue[1:]
		}
	}
	return wrote, len(l.sendQueue) == 0, nil
}

// Close releases every queued block and closes the underlying connection.
// Any bytes still sitting in the receive buffer are discarded, matching
// the "freeing a link discards its queue and drops unread data" rule.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for _, item := range l.sendQueue {
		item.block.Release()
	}
	l.sendQueue = nil
	l.sendQueueMem = 0
	l.recvLen = 0
	return l.Conn.Close()
}
