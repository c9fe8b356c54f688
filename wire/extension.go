package wire

import "encoding/binary"

// Extension is one TLV entry in the ping/pong/meet extension section:
// {length:u32, type:u16, reserved:u16, body}, padded to an 8-byte
// boundary. Length includes the 8-byte TLV header itself.
type Extension struct {
	Type ExtensionType
	Body []byte
}

func alignUp8(n int) int {
	return ((n + ExtAlign - 1) / ExtAlign) * ExtAlign
}

// Encode returns the TLV-encoded, 8-byte-aligned extension.
func (e Extension) Encode() []byte {
	total := alignUp8(8 + len(e.Body))
	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	binary.BigEndian.PutUint16(buf[4:6], uint16(e.Type))
	copy(buf[8:8+len(e.Body)], e.Body)
	return buf
}

// EncodeExtensions concatenates the wire form of every extension.
func EncodeExtensions(exts []Extension) []byte {
	buf := make([]byte, 0)
	for _, e := range exts {
		buf = append(buf, e.Encode()...)
	}
	return buf
}

// DecodeExtensions parses count back-to-back extensions from buf. Every
// declared length must be an 8-byte multiple and fit within buf, per the
// packet validator in §4.1; either violation is ErrMalformed.
func DecodeExtensions(buf []byte, count int) ([]Extension, error) {
	exts := make([]Extension, 0, count)
	off := 0
	for i := 0; i < count; i++ {
		if off+8 > len(buf) {
			return nil, ErrMalformed
		}
		length := binary.BigEndian.Uint32(buf[off : off+4])
		if length%ExtAlign != 0 || length < 8 {
			return nil, ErrMalformed
		}
		if off+int(length) > len(buf) {
			return nil, ErrMalformed
		}
		typ := ExtensionType(binary.BigEndian.Uint16(buf[off+4 : off+6]))
		body := buf[off+8 : off+int(length)]
		exts = append(exts, Extension{Type: typ, Body: append([]byte(nil), body...)})
		off += int(length)
	}
	return exts, nil
}

// ForgottenNodeBody encodes a {id[40], ttl_seconds:u64} extension body.
func ForgottenNodeBody(id string, ttlSeconds uint64) []byte {
	buf := make([]byte, 48)
	putFixedString(buf[0:40], id)
	binary.BigEndian.PutUint64(buf[40:48], ttlSeconds)
	return buf
}

// DecodeForgottenNodeBody parses the body written by ForgottenNodeBody.
func DecodeForgottenNodeBody(body []byte) (id string, ttlSeconds uint64, ok bool) {
	if len(body) < 48 {
		return "", 0, false
	}
	return getFixedString(body[0:40]), binary.BigEndian.Uint64(body[40:48]), true
}

// ShardIDBody encodes a {id[40]} extension body.
func ShardIDBody(id string) []byte {
	buf := make([]byte, 40)
	putFixedString(buf, id)
	return buf
}

// DecodeShardIDBody parses the body written by ShardIDBody.
func DecodeShardIDBody(body []byte) (id string, ok bool) {
	if len(body) < 40 {
		return "", false
	}
	return getFixedString(body[0:40]), true
}

// StringBody encodes a NUL-terminated string body (hostname / human
// nodename extensions).
func StringBody(s string) []byte {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	return buf
}

// DecodeStringBody parses the body written by StringBody.
func DecodeStringBody(body []byte) string {
	return getFixedString(body)
}
