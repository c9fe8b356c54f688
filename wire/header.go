package wire

import (
	"encoding/binary"
)

// Header is the fixed-layout prologue carried by every cluster-bus
// message. Offsets below are stable across versions — see the field
// comments for the byte offset each one occupies on the wire.
type Header struct {
	TotalLen      uint32 // 4, includes header + payload
	Version       uint16 // 8
	Port          uint16 // 10, sender's client TCP port
	Type          MessageType
	GossipCount   uint16 // 14, only meaningful for PING/PONG/MEET
	CurrentEpoch  uint64 // 16
	ConfigEpoch   uint64 // 24
	Offset        int64  // 32, replication offset
	Sender        string // 40, 40 hex chars
	Slots         SlotBitmap
	PrimaryOf     string // 2128, 40 hex chars, zeroed if sender is a primary
	IP            string // 2168, zeroed -> use peer socket IP
	ExtCount      uint16 // 2214
	SecondaryPort uint16 // 2246, the non-default of tcp/tls
	BusPort       uint16 // 2248
	Flags         uint16 // 2250, sender role flags
	State         uint8  // 2252, sender's view of cluster state
	MsgFlags      uint8  // 2253, low byte of mflags[3]
}

func putFixedString(dst []byte, s string) {
	copy(dst, s)
	for i := len(s); i < len(dst); i++ {
		dst[i] = 0
	}
}

func getFixedString(src []byte) string {
	n := 0
	for n < len(src) && src[n] != 0 {
		n++
	}
	return string(src[:n])
}

// Encode writes the header in wire order into a fresh HeaderSize buffer.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], signature[:])
	binary.BigEndian.PutUint32(buf[4:8], h.TotalLen)
	binary.BigEndian.PutUint16(buf[8:10], h.Version)
	binary.BigEndian.PutUint16(buf[10:12], h.Port)
	binary.BigEndian.PutUint16(buf[12:14], uint16(h.Type))
	binary.BigEndian.PutUint16(buf[14:16], h.GossipCount)
	binary.BigEndian.PutUint64(buf[16:24], h.CurrentEpoch)
	binary.BigEndian.PutUint64(buf[24:32], h.ConfigEpoch)
	binary.BigEndian.PutUint64(buf[32:40], uint64(h.Offset))
	putFixedString(buf[40:80], h.Sender)
	copy(buf[80:2128], h.Slots[:])
	putFixedString(buf[2128:2168], h.PrimaryOf)
	putFixedString(buf[2168:2214], h.IP)
	binary.BigEndian.PutUint16(buf[2214:2216], h.ExtCount)
	// buf[2216:2246] stays zero: 30 reserved bytes.
	binary.BigEndian.PutUint16(buf[2246:2248], h.SecondaryPort)
	binary.BigEndian.PutUint16(buf[2248:2250], h.BusPort)
	binary.BigEndian.PutUint16(buf[2250:2252], h.Flags)
	buf[2252] = h.State
	buf[2253] = h.MsgFlags
	// buf[2254:2256] stays zero: the rest of mflags[3].
	return buf
}

// DecodeHeader parses a HeaderSize-prefix of buf. It does not validate the
// signature or version; callers do that explicitly since the two failures
// carry different recovery policies (reset link vs. drop packet).
func DecodeHeader(buf []byte) *Header {
	h := &Header{}
	h.TotalLen = binary.BigEndian.Uint32(buf[4:8])
	h.Version = binary.BigEndian.Uint16(buf[8:10])
	h.Port = binary.BigEndian.Uint16(buf[10:12])
	h.Type = MessageType(binary.BigEndian.Uint16(buf[12:14]))
	h.GossipCount = binary.BigEndian.Uint16(buf[14:16])
	h.CurrentEpoch = binary.BigEndian.Uint64(buf[16:24])
	h.ConfigEpoch = binary.BigEndian.Uint64(buf[24:32])
	h.Offset = int64(binary.BigEndian.Uint64(buf[32:40]))
	h.Sender = getFixedString(buf[40:80])
	copy(h.Slots[:], buf[80:2128])
	h.PrimaryOf = getFixedString(buf[2128:2168])
	h.IP = getFixedString(buf[2168:2214])
	h.ExtCount = binary.BigEndian.Uint16(buf[2214:2216])
	h.SecondaryPort = binary.BigEndian.Uint16(buf[2246:2248])
	h.BusPort = binary.BigEndian.Uint16(buf[2248:2250])
	h.Flags = binary.BigEndian.Uint16(buf[2250:2252])
	h.State = buf[2252]
	h.MsgFlags = buf[2253]
	return h
}

// HasSignature reports whether buf begins with the cluster-bus signature.
// buf must have at least 4 bytes.
func HasSignature(buf []byte) bool {
	return buf[0] == signature[0] && buf[1] == signature[1] && buf[2] == signature[2] && buf[3] == signature[3]
}
