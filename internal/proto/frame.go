package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Client and relay exchange length-prefixed JSON frames over one QUIC
// stream. The hard cap bounds any frame; the soft cap is the size past
// which the reader demands a sniffable type and applies that type's own
// budget, so a sub frame cannot claim a pub frame's allowance.
const (
	MaxFrameSize     = 1 << 20
	SoftMaxFrameSize = 64 << 10
	TypeSniffBytes   = 512
)

func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("payload too large")
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

// WriteFrame writes the length prefix and payload, covering short writes.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	for len(frame) > 0 {
		n, err := w.Write(frame)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		frame = frame[n:]
	}
	return nil
}

// ReadFrame reads one frame, applying only the hard cap. The client side
// uses this: relays send nothing bigger than an event frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	return readFrame(r, 0, nil)
}

// ReadFrameWithTypeCap reads one frame; a payload above softMax must carry
// a sniffable type whose budget admits it. The relay read loop uses this
// with MaxSizeForType.
func ReadFrameWithTypeCap(r io.Reader, softMax int, typeCap func(string) int) ([]byte, error) {
	return readFrame(r, softMax, typeCap)
}

func readFrame(r io.Reader, softMax int, typeCap func(string) int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := int(binary.BigEndian.Uint32(hdr[:]))
	if size == 0 || size > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame size")
	}
	payload := make([]byte, size)
	if softMax <= 0 || size <= softMax {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}

	// Oversized: read only enough to sniff the type before committing to
	// the rest.
	sniff := size
	if sniff > TypeSniffBytes {
		sniff = TypeSniffBytes
	}
	if _, err := io.ReadFull(r, payload[:sniff]); err != nil {
		return nil, err
	}
	msgType, ok := sniffFrameType(payload[:sniff])
	if !ok {
		return nil, fmt.Errorf("message too large for type sniff")
	}
	if typeCap != nil {
		if limit := typeCap(msgType); limit > 0 && size > limit {
			return nil, fmt.Errorf("payload too large for type %s", msgType)
		}
	}
	if _, err := io.ReadFull(r, payload[sniff:]); err != nil {
		return nil, err
	}
	return payload, nil
}

// sniffFrameType pulls the "type" discriminator out of a possibly truncated
// JSON prefix. A whole-prefix decode covers frames that fit entirely; the
// byte scan covers prefixes cut mid-document.
func sniffFrameType(prefix []byte) (string, bool) {
	var head struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(prefix, &head) == nil && head.Type != "" {
		return head.Type, true
	}
	_, rest, found := bytes.Cut(prefix, []byte(`"type"`))
	if !found {
		return "", false
	}
	_, rest, found = bytes.Cut(rest, []byte{':'})
	if !found {
		return "", false
	}
	rest = bytes.TrimLeft(rest, " \t\r\n")
	if len(rest) == 0 || rest[0] != '"' {
		return "", false
	}
	val, _, found := bytes.Cut(rest[1:], []byte{'"'})
	if !found {
		return "", false
	}
	return string(val), true
}
