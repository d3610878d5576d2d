package transport

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"hailmesh/internal/identity"
	"hailmesh/internal/metrics"
	"hailmesh/internal/proto"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	id, err := identity.Ephemeral()
	if err != nil {
		t.Fatalf("ephemeral identity failed: %v", err)
	}
	return NewPool(id, nil, zap.NewNop(), metrics.New())
}

func signedRequest(t *testing.T, owner *identity.Identity, d, cellToken string) proto.Record {
	t.Helper()
	content, err := proto.RequestContent{
		Type:        "ride",
		Status:      proto.StatusOpen,
		ExchangePub: "00",
	}.Encode()
	if err != nil {
		t.Fatalf("encode content failed: %v", err)
	}
	rec := proto.Record{
		Kind:      proto.KindRequest,
		CreatedAt: time.Now().Unix(),
		Content:   content,
	}
	rec.SetTag(proto.TagD, d)
	rec.SetTag(proto.TagCell, cellToken)
	rec.SetExpiry(time.Now().Add(time.Minute).Unix())
	if err := proto.SignRecord(&rec, owner); err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	return rec
}

func TestDuplicateSuppression(t *testing.T) {
	p := newTestPool(t)
	owner, _ := identity.Ephemeral()
	rec := signedRequest(t, owner, "req1", "9q8yy")

	var delivered int
	subID := p.Subscribe(proto.Filter{Kinds: []string{proto.KindRequest}}, func(proto.Record) {
		delivered++
	}, nil)

	// Same logical record from two different relays.
	p.handleEvent(proto.EventMsg{Type: proto.MsgTypeEvent, SubID: subID, Record: rec})
	p.handleEvent(proto.EventMsg{Type: proto.MsgTypeEvent, SubID: subID, Record: rec})

	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
	if got := p.metrics.Snapshot().Transport.DropDuplicate; got != 1 {
		t.Fatalf("drop_duplicate = %d, want 1", got)
	}
}

func TestBadSignatureDropped(t *testing.T) {
	p := newTestPool(t)
	owner, _ := identity.Ephemeral()
	rec := signedRequest(t, owner, "req1", "9q8yy")
	rec.Content = rec.Content + " "

	var delivered int
	subID := p.Subscribe(proto.Filter{}, func(proto.Record) { delivered++ }, nil)
	p.handleEvent(proto.EventMsg{Type: proto.MsgTypeEvent, SubID: subID, Record: rec})

	if delivered != 0 {
		t.Fatalf("expected tampered record to be dropped")
	}
	if got := p.metrics.Snapshot().Transport.DropBadRecord; got != 1 {
		t.Fatalf("drop_bad_record = %d, want 1", got)
	}
}

func TestMangledCopyDoesNotCensorGenuine(t *testing.T) {
	p := newTestPool(t)
	owner, _ := identity.Ephemeral()
	genuine := signedRequest(t, owner, "req1", "9q8yy")

	// Same id, broken signature: what a hostile relay would race ahead of
	// the honest ones.
	mangled := genuine
	if mangled.Sig[:2] == "ff" {
		mangled.Sig = "00" + mangled.Sig[2:]
	} else {
		mangled.Sig = "ff" + mangled.Sig[2:]
	}

	var delivered int
	subID := p.Subscribe(proto.Filter{Kinds: []string{proto.KindRequest}}, func(proto.Record) {
		delivered++
	}, nil)

	p.handleEvent(proto.EventMsg{Type: proto.MsgTypeEvent, SubID: subID, Record: mangled})
	p.handleEvent(proto.EventMsg{Type: proto.MsgTypeEvent, SubID: subID, Record: genuine})

	if delivered != 1 {
		t.Fatalf("genuine record suppressed: delivered = %d, want 1", delivered)
	}
	snap := p.metrics.Snapshot().Transport
	if snap.DropBadRecord != 1 {
		t.Fatalf("drop_bad_record = %d, want 1", snap.DropBadRecord)
	}
	if snap.DropDuplicate != 0 {
		t.Fatalf("drop_duplicate = %d, want 0", snap.DropDuplicate)
	}
}

func TestOverlappingSubscriptionsEachDelivered(t *testing.T) {
	p := newTestPool(t)
	owner, _ := identity.Ephemeral()
	rec := signedRequest(t, owner, "req1", "9q8yy")

	var byKind, byCell int
	kindSub := p.Subscribe(proto.Filter{Kinds: []string{proto.KindRequest}}, func(proto.Record) {
		byKind++
	}, nil)
	cellSub := p.Subscribe(proto.Filter{Cell: "9q8yy"}, func(proto.Record) {
		byCell++
	}, nil)

	// A relay emits one event frame per matching subscription.
	p.handleEvent(proto.EventMsg{Type: proto.MsgTypeEvent, SubID: kindSub, Record: rec})
	p.handleEvent(proto.EventMsg{Type: proto.MsgTypeEvent, SubID: cellSub, Record: rec})

	if byKind != 1 || byCell != 1 {
		t.Fatalf("deliveries = (%d,%d), want (1,1)", byKind, byCell)
	}
}

func TestFilterScoping(t *testing.T) {
	p := newTestPool(t)
	owner, _ := identity.Ephemeral()

	var delivered int
	subID := p.Subscribe(proto.Filter{Kinds: []string{proto.KindRequest}, Cell: "9q8yy"}, func(proto.Record) {
		delivered++
	}, nil)

	inCell := signedRequest(t, owner, "req1", "9q8yy")
	outOfCell := signedRequest(t, owner, "req2", "u4pru")
	p.handleEvent(proto.EventMsg{Type: proto.MsgTypeEvent, SubID: subID, Record: inCell})
	p.handleEvent(proto.EventMsg{Type: proto.MsgTypeEvent, SubID: subID, Record: outOfCell})

	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
}

func TestAcceptMessageDecryptedInsideTransport(t *testing.T) {
	requester, _ := identity.Ephemeral()
	provider, _ := identity.Ephemeral()
	p := NewPool(requester, nil, zap.NewNop(), metrics.New())

	var got proto.AcceptPayload
	subID := p.SubscribeAccepts(func(payload proto.AcceptPayload) { got = payload })

	plain, err := proto.EncodeAcceptPayload(proto.AcceptPayload{
		RequestID: "req1",
		Sender:    provider.PeerID(),
	})
	if err != nil {
		t.Fatalf("encode payload failed: %v", err)
	}
	rec, err := proto.SealMessageRecord(provider, requester.PeerID(), requester.ExchangePub(), plain)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	p.handleEvent(proto.EventMsg{Type: proto.MsgTypeEvent, SubID: subID, Record: rec})

	if got.RequestID != "req1" || got.Sender != provider.PeerID() {
		t.Fatalf("payload not delivered: %+v", got)
	}
}

func TestAcceptSenderMustMatchEnvelope(t *testing.T) {
	requester, _ := identity.Ephemeral()
	provider, _ := identity.Ephemeral()
	impostor, _ := identity.Ephemeral()
	p := NewPool(requester, nil, zap.NewNop(), metrics.New())

	var delivered int
	subID := p.SubscribeAccepts(func(proto.AcceptPayload) { delivered++ })

	// Payload claims a different sender than the signing key.
	plain, err := proto.EncodeAcceptPayload(proto.AcceptPayload{
		RequestID: "req1",
		Sender:    impostor.PeerID(),
	})
	if err != nil {
		t.Fatalf("encode payload failed: %v", err)
	}
	rec, err := proto.SealMessageRecord(provider, requester.PeerID(), requester.ExchangePub(), plain)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	p.handleEvent(proto.EventMsg{Type: proto.MsgTypeEvent, SubID: subID, Record: rec})

	if delivered != 0 {
		t.Fatalf("expected spoofed sender to be dropped")
	}
}

func TestCountsWithNoEndpoints(t *testing.T) {
	p := newTestPool(t)
	connected, total := p.Counts()
	if connected != 0 || total != 0 {
		t.Fatalf("counts = (%d,%d), want (0,0)", connected, total)
	}
}

func TestEoseFiresOnce(t *testing.T) {
	p := newTestPool(t)
	var fired int
	subID := p.Subscribe(proto.Filter{}, nil, func() { fired++ })
	p.handleEose(subID)
	p.handleEose(subID)
	if fired != 1 {
		t.Fatalf("eose fired %d times, want 1", fired)
	}
}
