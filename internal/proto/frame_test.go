package proto

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestFrameRoundtrip(t *testing.T) {
	payload := []byte(`{"type":"pub"}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("roundtrip mismatch")
	}
}

func TestEncodeFrameRejectsEmptyAndOversized(t *testing.T) {
	if _, err := EncodeFrame(nil); err == nil {
		t.Fatalf("expected error for empty payload")
	}
	if _, err := EncodeFrame(make([]byte, MaxFrameSize+1)); err == nil {
		t.Fatalf("expected error for oversized payload")
	}
}

func TestReadFrameRejectsBadLength(t *testing.T) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], MaxFrameSize+1)
	if _, err := ReadFrame(bytes.NewReader(buf[:])); err == nil {
		t.Fatalf("expected error for oversized frame")
	}
	binary.BigEndian.PutUint32(buf[:], 0)
	if _, err := ReadFrame(bytes.NewReader(buf[:])); err == nil {
		t.Fatalf("expected error for zero frame")
	}
}

func TestReadFrameWithTypeCap(t *testing.T) {
	big := append([]byte(`{"type":"pub","record":{"content":"`), bytes.Repeat([]byte("a"), 2*MaxSubSize)...)
	big = append(big, []byte(`"}}`)...)
	frame, err := EncodeFrame(big)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := ReadFrameWithTypeCap(bytes.NewReader(frame), MaxSubSize, MaxSizeForType)
	if err != nil {
		t.Fatalf("pub within cap rejected: %v", err)
	}
	if !bytes.Equal(got, big) {
		t.Fatalf("payload mismatch")
	}

	bigSub := append([]byte(`{"type":"sub","sub_id":"`), bytes.Repeat([]byte("b"), 2*MaxSubSize)...)
	bigSub = append(bigSub, []byte(`"}`)...)
	frame, err = EncodeFrame(bigSub)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if _, err := ReadFrameWithTypeCap(bytes.NewReader(frame), MaxSubSize, MaxSizeForType); err == nil {
		t.Fatalf("expected oversized sub to be rejected")
	}
}
