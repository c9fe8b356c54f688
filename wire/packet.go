package wire

// Packet is a fully parsed cluster-bus message: the header plus whichever
// of the type-specific fields applies. Exactly one of Gossip/Fail/Publish
// /Update/Module is populated, selected by Header.Type.
type Packet struct {
	Header     *Header
	Gossip     []GossipEntry // PING, PONG, MEET
	Extensions []Extension   // PING, PONG, MEET, only when FlagExtData set
	Fail       *FailPayload
	Publish    *PublishPayload
	Update     *UpdatePayload
	Module     *ModulePayload
}

// BuildGossipPayload concatenates the gossip section and, if any
// extensions are present, the extension section that follows it.
func BuildGossipPayload(entries []GossipEntry, exts []Extension) []byte {
	payload := EncodeGossipSection(entries)
	if len(exts) > 0 {
		payload = append(payload, EncodeExtensions(exts)...)
	}
	return payload
}

// Encode assembles the full wire buffer for h plus a pre-encoded payload,
// patching in h.TotalLen.
func Encode(h *Header, payload []byte) []byte {
	h.TotalLen = uint32(HeaderSize + len(payload))
	buf := h.Encode()
	return append(buf, payload...)
}

// Peek reads just enough of buf to learn the declared total length of the
// next packet, without validating anything else. Returns false if buf
// doesn't yet hold the 8-byte length prefix.
func Peek(buf []byte) (totalLen uint32, ok bool) {
	if len(buf) < 8 {
		return 0, false
	}
	return decodeTotalLen(buf), true
}

func decodeTotalLen(buf []byte) uint32 {
	return uint32(buf[4])<<24 | uint32(buf[5])<<16 | uint32(buf[6])<<8 | uint32(buf[7])
}

// Decode parses one complete packet out of the front of buf. buf must
// contain at least as many bytes as the packet's declared TotalLen — the
// caller (the link layer) is responsible for buffering until that holds,
// per the "no partial dispatch" invariant.
//
// Decode never panics on malformed input: every shape mismatch comes back
// as ErrMalformed (drop the packet) except a signature mismatch
// (ErrBadSignature, reset the link) and a version mismatch
// (ErrUnsupportedVersion, drop the packet).
func Decode(buf []byte) (*Packet, int, error) {
	if len(buf) < 8 {
		return nil, 0, ErrIncomplete
	}
	if !HasSignature(buf) {
		return nil, 0, ErrBadSignature
	}
	totalLen := decodeTotalLen(buf)
	if totalLen < HeaderSize {
		return nil, 0, ErrMalformed
	}
	if uint64(len(buf)) < uint64(totalLen) {
		return nil, 0, ErrIncomplete
	}
	h := DecodeHeader(buf[:HeaderSize])
	if h.Version != ProtocolVersion {
		return nil, int(totalLen), ErrUnsupportedVersion
	}
	payload := buf[HeaderSize:totalLen]

	pkt := &Packet{Header: h}
	switch h.Type {
	case TypePing, TypePong, TypeMeet:
		entries, consumed, err := DecodeGossipSection(payload, int(h.GossipCount))
		if err != nil {
			return nil, int(totalLen), err
		}
		pkt.Gossip = entries
		rest := payload[consumed:]
		if h.MsgFlags&FlagExtData != 0 {
			exts, err := DecodeExtensions(rest, int(h.ExtCount))
			if err != nil {
				return nil, int(totalLen), err
			}
			pkt.Extensions = exts
		} else if len(rest) != 0 {
			return nil, int(totalLen), ErrMalformed
		}
	case TypeFail:
		p, err := DecodeFailPayload(payload)
		if err != nil || len(payload) != NameLen {
			return nil, int(totalLen), ErrMalformed
		}
		pkt.Fail = &p
	case TypePublish, TypePublishShard:
		p, err := DecodePublishPayload(payload)
		if err != nil {
			return nil, int(totalLen), err
		}
		if uint64(len(payload)) != 8+uint64(len(p.Channel))+uint64(len(p.Message)) {
			return nil, int(totalLen), ErrMalformed
		}
		pkt.Publish = &p
	case TypeAuthReq, TypeAuthAck, TypeMFStart:
		if len(payload) != 0 {
			return nil, int(totalLen), ErrMalformed
		}
	case TypeUpdate:
		p, err := DecodeUpdatePayload(payload)
		if err != nil || len(payload) != 8+NameLen+SlotBytes {
			return nil, int(totalLen), ErrMalformed
		}
		pkt.Update = &p
	case TypeModule:
		p, err := DecodeModulePayload(payload)
		if err != nil || len(payload) != 13+len(p.Payload) {
			return nil, int(totalLen), ErrMalformed
		}
		pkt.Module = &p
	default:
		return nil, int(totalLen), ErrMalformed
	}
	return pkt, int(totalLen), nil
}
