package crypto

import (
	"bytes"
	"testing"
)

func TestSignVerifyDigest(t *testing.T) {
	pub, priv, err := GenKeypair()
	if err != nil {
		t.Fatalf("gen keypair failed: %v", err)
	}
	digest := SHA3_256([]byte("hello"))
	sig, err := SignDigest(priv, digest)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if !VerifyDigest(pub, digest, sig) {
		t.Fatalf("expected signature to verify")
	}
	digest[0] ^= 0xff
	if VerifyDigest(pub, digest, sig) {
		t.Fatalf("expected tampered digest to fail")
	}
}

func TestSignDigestRejectsBadSizes(t *testing.T) {
	_, priv, err := GenKeypair()
	if err != nil {
		t.Fatalf("gen keypair failed: %v", err)
	}
	if _, err := SignDigest(priv, []byte("short")); err == nil {
		t.Fatalf("expected error for short digest")
	}
	if _, err := SignDigest([]byte("bad"), SHA3_256([]byte("x"))); err == nil {
		t.Fatalf("expected error for bad key")
	}
}

func TestSealedBoxRoundtrip(t *testing.T) {
	pub, priv, err := GenExchangeKeypair()
	if err != nil {
		t.Fatalf("gen exchange keypair failed: %v", err)
	}
	plain := []byte(`{"type":"accept","request_id":"req1"}`)
	aad := []byte("ctx")
	sealed, err := SealTo(pub, plain, aad)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	got, err := OpenFrom(priv, pub, sealed, aad)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("roundtrip mismatch")
	}
}

func TestSealedBoxTamperFails(t *testing.T) {
	pub, priv, err := GenExchangeKeypair()
	if err != nil {
		t.Fatalf("gen exchange keypair failed: %v", err)
	}
	sealed, err := SealTo(pub, []byte("payload"), nil)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01
	if _, err := OpenFrom(priv, pub, sealed, nil); err == nil {
		t.Fatalf("expected tampered box to fail")
	}
}

func TestSealedBoxWrongRecipient(t *testing.T) {
	pubA, _, err := GenExchangeKeypair()
	if err != nil {
		t.Fatalf("gen keypair failed: %v", err)
	}
	pubB, privB, err := GenExchangeKeypair()
	if err != nil {
		t.Fatalf("gen keypair failed: %v", err)
	}
	sealed, err := SealTo(pubA, []byte("payload"), nil)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := OpenFrom(privB, pubB, sealed, nil); err == nil {
		t.Fatalf("expected wrong recipient to fail")
	}
}

func TestKeypairStorage(t *testing.T) {
	dir := t.TempDir()
	pub, priv, err := GenKeypair()
	if err != nil {
		t.Fatalf("gen keypair failed: %v", err)
	}
	if err := SaveKeypair(dir, "sign", pub, priv); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	gotPub, gotPriv, err := LoadKeypair(dir, "sign")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !bytes.Equal(gotPub, pub) || !bytes.Equal(gotPriv, priv) {
		t.Fatalf("loaded keypair mismatch")
	}
}
