package proto

import (
	"strings"
	"testing"
	"time"

	"hailmesh/internal/identity"
)

func newSigner(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Ephemeral()
	if err != nil {
		t.Fatalf("ephemeral identity failed: %v", err)
	}
	return id
}

func sampleRequest(t *testing.T, id *identity.Identity) Record {
	t.Helper()
	content, err := RequestContent{
		Type:        "ride",
		Origin:      Location{Lat: 37.77, Lon: -122.41},
		Destination: Location{Lat: 37.79, Lon: -122.40},
		Status:      StatusOpen,
		ExchangePub: strings.Repeat("00", 32),
	}.Encode()
	if err != nil {
		t.Fatalf("encode content failed: %v", err)
	}
	rec := Record{
		Kind:      KindRequest,
		CreatedAt: time.Now().Unix(),
		Content:   content,
	}
	rec.SetTag(TagD, "req1")
	rec.SetTag(TagCell, "9q8yy")
	rec.SetExpiry(time.Now().Add(60 * time.Second).Unix())
	if err := SignRecord(&rec, id); err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	return rec
}

func TestSignAndVerifyRecord(t *testing.T) {
	id := newSigner(t)
	rec := sampleRequest(t, id)
	if rec.Pubkey != id.PeerID() {
		t.Fatalf("pubkey not set from signer")
	}
	if err := VerifyRecord(&rec); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestVerifyRejectsTamperedContent(t *testing.T) {
	id := newSigner(t)
	rec := sampleRequest(t, id)
	rec.Content = strings.Replace(rec.Content, "open", "taken", 1)
	if err := VerifyRecord(&rec); err == nil {
		t.Fatalf("expected tampered record to fail verification")
	}
}

func TestVerifyRejectsForgedAuthor(t *testing.T) {
	id := newSigner(t)
	other := newSigner(t)
	rec := sampleRequest(t, id)
	rec.Pubkey = other.PeerID()
	if err := VerifyRecord(&rec); err == nil {
		t.Fatalf("expected forged author to fail verification")
	}
}

func TestVerifyRejectsUnknownKind(t *testing.T) {
	id := newSigner(t)
	rec := sampleRequest(t, id)
	rec.Kind = "offer"
	if err := VerifyRecord(&rec); err == nil {
		t.Fatalf("expected unknown kind to fail verification")
	}
}

func TestReplaceableKeyStableAcrossHeartbeats(t *testing.T) {
	id := newSigner(t)
	first := sampleRequest(t, id)
	second := sampleRequest(t, id)
	second.CreatedAt = first.CreatedAt + 40
	second.SetExpiry(first.Expiry() + 40)
	if err := SignRecord(&second, id); err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if first.ReplaceableKey() != second.ReplaceableKey() {
		t.Fatalf("heartbeat changed replaceable key")
	}
	if first.ID == second.ID {
		t.Fatalf("expected distinct revision ids")
	}
}

func TestExpiryTagRoundtrip(t *testing.T) {
	var rec Record
	rec.SetExpiry(1234567890)
	if rec.Expiry() != 1234567890 {
		t.Fatalf("expiry roundtrip mismatch")
	}
	rec.SetTag(TagExpiry, "garbage")
	if rec.Expiry() != 0 {
		t.Fatalf("expected garbled expiry to read as 0")
	}
}

func TestFilterMatches(t *testing.T) {
	id := newSigner(t)
	rec := sampleRequest(t, id)
	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty matches", Filter{}, true},
		{"kind+cell", Filter{Kinds: []string{KindRequest}, Cell: "9q8yy"}, true},
		{"wrong cell", Filter{Cell: "u4pru"}, false},
		{"wrong kind", Filter{Kinds: []string{KindAvailability}}, false},
		{"author", Filter{Authors: []string{id.PeerID()}}, true},
		{"other author", Filter{Authors: []string{"deadbeef"}}, false},
		{"d tag", Filter{D: "req1"}, true},
		{"wrong d tag", Filter{D: "req2"}, false},
	}
	for _, c := range cases {
		if got := c.filter.Matches(&rec); got != c.want {
			t.Fatalf("%s: got %v, want %v", c.name, got, c.want)
		}
	}
}
