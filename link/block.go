package link

import "sync/atomic"

// Block is a reference-counted, immutable wire-format buffer. A single
// block can be enqueued on many links at once for broadcast; each enqueue
// retains it and each completed send (or discarded queue) releases it.
type Block struct {
	Data     []byte
	refcount int32
}

// NewBlock wraps data in a block with a reference count of zero. The
// block holds no link's reference until it is actually enqueued via
// Send, which is what calls Retain.
func NewBlock(data []byte) *Block {
	return &Block{Data: data}
}

// Retain increments the reference count. Send calls it each time the
// block is enqueued on a link, including the first.
func (b *Block) Retain() {
	atomic.AddInt32(&b.refcount, 1)
}

// Release decrements the reference count. The underlying buffer becomes
// eligible for garbage collection once the count reaches zero; Go's GC
// does the actual reclaiming, so Release only needs to drop this link's
// hold on it.
func (b *Block) Release() {
	atomic.AddInt32(&b.refcount, -1)
}

// RefCount reports the current reference count, mostly for tests.
func (b *Block) RefCount() int32 {
	return atomic.LoadInt32(&b.refcount)
}
