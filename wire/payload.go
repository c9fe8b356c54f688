package wire

import "encoding/binary"

// FailPayload is the {target_id[40]} body of a FAIL message.
type FailPayload struct {
	TargetID string
}

func (p FailPayload) Encode() []byte {
	buf := make([]byte, NameLen)
	putFixedString(buf, p.TargetID)
	return buf
}

func DecodeFailPayload(buf []byte) (FailPayload, error) {
	if len(buf) < NameLen {
		return FailPayload{}, ErrMalformed
	}
	return FailPayload{TargetID: getFixedString(buf[:NameLen])}, nil
}

// PublishPayload is the {channel_len, message_len, bulk} body shared by
// PUBLISH and PUBLISH_SHARD.
type PublishPayload struct {
	Channel string
	Message []byte
}

func (p PublishPayload) Encode() []byte {
	buf := make([]byte, 8+len(p.Channel)+len(p.Message))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(p.Channel)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(p.Message)))
	copy(buf[8:8+len(p.Channel)], p.Channel)
	copy(buf[8+len(p.Channel):], p.Message)
	return buf
}

func DecodePublishPayload(buf []byte) (PublishPayload, error) {
	if len(buf) < 8 {
		return PublishPayload{}, ErrMalformed
	}
	chLen := binary.BigEndian.Uint32(buf[0:4])
	msgLen := binary.BigEndian.Uint32(buf[4:8])
	need := 8 + uint64(chLen) + uint64(msgLen)
	if uint64(len(buf)) < need {
		return PublishPayload{}, ErrMalformed
	}
	channel := string(buf[8 : 8+chLen])
	message := append([]byte(nil), buf[8+chLen:8+chLen+msgLen]...)
	return PublishPayload{Channel: channel, Message: message}, nil
}

// UpdatePayload is the {config_epoch, node_id, slots_bitmap} body of an
// UPDATE message: a single authoritative claim for one primary.
type UpdatePayload struct {
	ConfigEpoch uint64
	NodeID      string
	Slots       SlotBitmap
}

func (p UpdatePayload) Encode() []byte {
	buf := make([]byte, 8+NameLen+SlotBytes)
	binary.BigEndian.PutUint64(buf[0:8], p.ConfigEpoch)
	putFixedString(buf[8:8+NameLen], p.NodeID)
	copy(buf[8+NameLen:], p.Slots[:])
	return buf
}

func DecodeUpdatePayload(buf []byte) (UpdatePayload, error) {
	if len(buf) < 8+NameLen+SlotBytes {
		return UpdatePayload{}, ErrMalformed
	}
	p := UpdatePayload{
		ConfigEpoch: binary.BigEndian.Uint64(buf[0:8]),
		NodeID:      getFixedString(buf[8 : 8+NameLen]),
	}
	copy(p.Slots[:], buf[8+NameLen:8+NameLen+SlotBytes])
	return p, nil
}

// ModulePayload is the {module_id, length, subtype, payload} body of a
// MODULE message.
type ModulePayload struct {
	ModuleID uint64
	Subtype  uint8
	Payload  []byte
}

func (p ModulePayload) Encode() []byte {
	buf := make([]byte, 13+len(p.Payload))
	binary.BigEndian.PutUint64(buf[0:8], p.ModuleID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(p.Payload)))
	buf[12] = p.Subtype
	copy(buf[13:], p.Payload)
	return buf
}

func DecodeModulePayload(buf []byte) (ModulePayload, error) {
	if len(buf) < 13 {
		return ModulePayload{}, ErrMalformed
	}
	length := binary.BigEndian.Uint32(buf[8:12])
	if uint64(len(buf)) < 13+uint64(length) {
		return ModulePayload{}, ErrMalformed
	}
	return ModulePayload{
		ModuleID: binary.BigEndian.Uint64(buf[0:8]),
		Subtype:  buf[12],
		Payload:  append([]byte(nil), buf[13:13+length]...),
	}, nil
}
