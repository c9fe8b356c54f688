package wire

import "encoding/binary"

// GossipEntry is one 104-byte record inside a PING/PONG/MEET payload,
// describing the sender's view of one other node at the time the packet
// was built.
type GossipEntry struct {
	NodeID       string // 40
	PingSent     uint32 // seconds resolution
	PongReceived uint32 // seconds resolution
	IP           string // 46
	Port         uint16
	BusPort      uint16
	Flags        uint16
	TLSPort      uint16
}

// Encode writes the entry into a fresh GossipEntrySize buffer.
func (g *GossipEntry) Encode() []byte {
	buf := make([]byte, GossipEntrySize)
	putFixedString(buf[0:40], g.NodeID)
	binary.BigEndian.PutUint32(buf[40:44], g.PingSent)
	binary.BigEndian.PutUint32(buf[44:48], g.PongReceived)
	putFixedString(buf[48:94], g.IP)
	binary.BigEndian.PutUint16(buf[94:96], g.Port)
	binary.BigEndian.PutUint16(buf[96:98], g.BusPort)
	binary.BigEndian.PutUint16(buf[98:100], g.Flags)
	binary.BigEndian.PutUint16(buf[100:102], g.TLSPort)
	// buf[102:104] reserved, stays zero.
	return buf
}

// DecodeGossipEntry parses a GossipEntrySize prefix of buf.
func DecodeGossipEntry(buf []byte) GossipEntry {
	return GossipEntry{
		NodeID:       getFixedString(buf[0:40]),
		PingSent:     binary.BigEndian.Uint32(buf[40:44]),
		PongReceived: binary.BigEndian.Uint32(buf[44:48]),
		IP:           getFixedString(buf[48:94]),
		Port:         binary.BigEndian.Uint16(buf[94:96]),
		BusPort:      binary.BigEndian.Uint16(buf[96:98]),
		Flags:        binary.BigEndian.Uint16(buf[98:100]),
		TLSPort:      binary.BigEndian.Uint16(buf[100:102]),
	}
}

// EncodeGossipSection concatenates the wire form of every entry.
func EncodeGossipSection(entries []GossipEntry) []byte {
	buf := make([]byte, 0, len(entries)*GossipEntrySize)
	for i := range entries {
		buf = append(buf, entries[i].Encode()...)
	}
	return buf
}

// DecodeGossipSection reads exactly count entries from buf, returning the
// number of bytes consumed. ErrMalformed if buf is too short.
func DecodeGossipSection(buf []byte, count int) ([]GossipEntry, int, error) {
	need := count * GossipEntrySize
	if len(buf) < need {
		return nil, 0, ErrMalformed
	}
	entries := make([]GossipEntry, count)
	for i := 0; i < count; i++ {
		entries[i] = DecodeGossipEntry(buf[i*GossipEntrySize : (i+1)*GossipEntrySize])
	}
	return entries, need, nil
}
