package proto

import (
	"testing"

	"hailmesh/internal/identity"
)

func TestSealedMessageRoundtrip(t *testing.T) {
	sender := newSigner(t)
	recipient := newSigner(t)

	plain, err := EncodeAcceptPayload(AcceptPayload{
		RequestID: "req1",
		Sender:    sender.PeerID(),
	})
	if err != nil {
		t.Fatalf("encode payload failed: %v", err)
	}
	rec, err := SealMessageRecord(sender, recipient.PeerID(), recipient.ExchangePub(), plain)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if err := VerifyRecord(&rec); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if rec.Recipient() != recipient.PeerID() {
		t.Fatalf("recipient tag missing")
	}

	got, err := OpenMessageRecord(recipient, &rec)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	payload, err := DecodeAcceptPayload(got)
	if err != nil {
		t.Fatalf("decode payload failed: %v", err)
	}
	if payload.RequestID != "req1" || payload.Sender != sender.PeerID() {
		t.Fatalf("payload mismatch: %+v", payload)
	}
}

func TestSealedMessageOpaqueToThirdParty(t *testing.T) {
	sender := newSigner(t)
	recipient := newSigner(t)
	eavesdropper, err := identity.Ephemeral()
	if err != nil {
		t.Fatalf("ephemeral identity failed: %v", err)
	}

	rec, err := SealMessageRecord(sender, recipient.PeerID(), recipient.ExchangePub(), []byte("secret"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := OpenMessageRecord(eavesdropper, &rec); err == nil {
		t.Fatalf("expected third party to fail opening")
	}
}

func TestDecodeAcceptPayloadRejectsIncomplete(t *testing.T) {
	if _, err := DecodeAcceptPayload([]byte(`{"type":"accept"}`)); err == nil {
		t.Fatalf("expected error for missing fields")
	}
	if _, err := DecodeAcceptPayload([]byte(`{"type":"offer","request_id":"x","sender":"y"}`)); err == nil {
		t.Fatalf("expected error for wrong type")
	}
	if _, err := DecodeAcceptPayload([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
}
