package identity

import (
	"testing"
)

func TestLoadGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	first, err := Load(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if first.PeerID() == "" {
		t.Fatalf("expected non-empty peer id")
	}
	second, err := Load(dir)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if first.PeerID() != second.PeerID() {
		t.Fatalf("expected stable peer id across loads")
	}
}

func TestEphemeralIdentitiesDistinct(t *testing.T) {
	id, err := Ephemeral()
	if err != nil {
		t.Fatalf("ephemeral failed: %v", err)
	}
	other, err := Ephemeral()
	if err != nil {
		t.Fatalf("ephemeral failed: %v", err)
	}
	if id.PeerID() == other.PeerID() {
		t.Fatalf("expected distinct identities")
	}
}
