// Package wire implements the cluster-bus binary protocol: the fixed
// 2256-byte message header, gossip entries, extension TLVs and the
// per-type payload shapes exchanged between cluster peers. All integers
// are big-endian; layouts and offsets are pinned so the wire format stays
// byte-compatible across versions.
package wire

import "github.com/pkg/errors"

// Fixed sizes pinned by the wire format. Changing any of these breaks
// compatibility with every peer still running the previous layout.
const (
	NameLen         = 40   // hex-encoded node/shard identifier length
	IPStrLen        = 46   // announced IP string, NUL-padded
	ClusterSlots    = 16384
	SlotBytes       = ClusterSlots / 8 // 2048
	GossipEntrySize = 104
	HeaderSize      = 2256
	ExtAlign        = 8
	ProtocolVersion = 1
	busPortIncrement = 10000
)

// BusPortIncrement is the default offset added to a node's client port to
// get its cluster-bus listening port (client_port + 10000).
const BusPortIncrement = busPortIncrement

// MessageType identifies the payload shape carried after the header.
type MessageType uint16

const (
	TypePing MessageType = iota
	TypePong
	TypeMeet
	TypeFail
	TypePublish
	TypeAuthReq
	TypeAuthAck
	TypeUpdate
	TypeMFStart
	TypeModule
	TypePublishShard
	typeCount
)

func (t MessageType) String() string {
	switch t {
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeMeet:
		return "MEET"
	case TypeFail:
		return "FAIL"
	case TypePublish:
		return "PUBLISH"
	case TypeAuthReq:
		return "AUTH_REQ"
	case TypeAuthAck:
		return "AUTH_ACK"
	case TypeUpdate:
		return "UPDATE"
	case TypeMFStart:
		return "MFSTART"
	case TypeModule:
		return "MODULE"
	case TypePublishShard:
		return "PUBLISH_SHARD"
	default:
		return "UNKNOWN"
	}
}

// TypeCount is the number of known message types, used to size the
// per-type sent/received counters in the cluster state.
const TypeCount = int(typeCount)

// Message flags (byte 0 of the 3-byte mflags field).
const (
	FlagPaused uint8 = 1 << iota
	FlagForceAck
	FlagExtData
)

// ExtensionType identifies the kind of TLV extension attached to a
// PING/PONG/MEET packet.
type ExtensionType uint16

const (
	ExtHostname ExtensionType = iota
	ExtForgottenNode
	ExtShardID
	ExtHumanNodename
)

var (
	// ErrBadSignature means the first 4 bytes of a connection are not
	// "RCmb" — the link must be reset, not merely have the packet dropped.
	ErrBadSignature = errors.New("wire: bad cluster-bus signature")
	// ErrUnsupportedVersion means the packet declares a protocol version
	// this node cannot parse; the packet is dropped, the link survives.
	ErrUnsupportedVersion = errors.New("wire: unsupported protocol version")
	// ErrMalformed covers any other length/shape mismatch; the packet is
	// dropped, the link survives.
	ErrMalformed = errors.New("wire: malformed packet")
	// ErrIncomplete means fewer bytes are buffered than TotalLen declares;
	// the caller must wait for more data, not treat this as an error.
	ErrIncomplete = errors.New("wire: incomplete packet")
)

var signature = [4]byte{'R', 'C', 'm', 'b'}
