package view

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hailmesh/internal/identity"
	"hailmesh/internal/proto"
)

type recorder struct {
	mu       sync.Mutex
	appeared []string
	updated  []string
	gone     []string
	reasons  []Reason
}

func (r *recorder) onAppear(rec proto.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appeared = append(r.appeared, rec.DTag())
}

func (r *recorder) onUpdate(rec proto.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, rec.DTag())
}

func (r *recorder) onGone(rec proto.Record, reason Reason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gone = append(r.gone, rec.DTag())
	r.reasons = append(r.reasons, reason)
}

func (r *recorder) snapshot() (appeared, updated, gone []string, reasons []Reason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.appeared...),
		append([]string(nil), r.updated...),
		append([]string(nil), r.gone...),
		append([]Reason(nil), r.reasons...)
}

func newRequestView(t *testing.T, r *recorder) *View {
	t.Helper()
	v := New(Options{
		Terminal: proto.RequestTerminal,
		OnAppear: r.onAppear,
		OnUpdate: r.onUpdate,
		OnGone:   r.onGone,
	})
	t.Cleanup(v.Stop)
	return v
}

func request(t *testing.T, owner *identity.Identity, d, status string, ttl time.Duration, createdAt int64) proto.Record {
	t.Helper()
	content, err := proto.RequestContent{
		Type:        "ride",
		Status:      status,
		ExchangePub: "00",
	}.Encode()
	require.NoError(t, err)
	rec := proto.Record{
		Kind:      proto.KindRequest,
		CreatedAt: createdAt,
		Content:   content,
	}
	rec.SetTag(proto.TagD, d)
	rec.SetTag(proto.TagCell, "9q8yy")
	rec.SetExpiry(time.Now().Add(ttl).Unix())
	require.NoError(t, proto.SignRecord(&rec, owner))
	return rec
}

func TestAppearAndTerminalRemoval(t *testing.T) {
	owner, err := identity.Ephemeral()
	require.NoError(t, err)
	rec := &recorder{}
	v := newRequestView(t, rec)

	now := time.Now().Unix()
	v.Apply(request(t, owner, "req1", proto.StatusOpen, time.Minute, now))
	require.Equal(t, 1, v.Len())

	v.Apply(request(t, owner, "req1", proto.StatusTaken, time.Minute, now+1))
	require.Equal(t, 0, v.Len())

	appeared, _, gone, reasons := rec.snapshot()
	require.Equal(t, []string{"req1"}, appeared)
	require.Equal(t, []string{"req1"}, gone)
	require.Equal(t, []Reason{ReasonTerminal}, reasons)
}

func TestHeartbeatRefreshIsSilent(t *testing.T) {
	owner, err := identity.Ephemeral()
	require.NoError(t, err)
	rec := &recorder{}
	v := newRequestView(t, rec)

	now := time.Now().Unix()
	v.Apply(request(t, owner, "req1", proto.StatusOpen, time.Minute, now))
	v.Apply(request(t, owner, "req1", proto.StatusOpen, 2*time.Minute, now+40))

	appeared, updated, gone, _ := rec.snapshot()
	require.Equal(t, []string{"req1"}, appeared, "heartbeat must not create a duplicate entry")
	require.Empty(t, updated)
	require.Empty(t, gone)
	require.Equal(t, 1, v.Len())
}

func TestLocalExpiryWithoutCooperation(t *testing.T) {
	owner, err := identity.Ephemeral()
	require.NoError(t, err)
	rec := &recorder{}
	v := newRequestView(t, rec)

	v.Apply(request(t, owner, "req1", proto.StatusOpen, 150*time.Millisecond, time.Now().Unix()))
	require.Equal(t, 1, v.Len())

	require.Eventually(t, func() bool {
		_, _, gone, _ := rec.snapshot()
		return len(gone) == 1
	}, 3*time.Second, 20*time.Millisecond, "entry must expire with no further messages")

	_, _, gone, reasons := rec.snapshot()
	require.Equal(t, []string{"req1"}, gone)
	require.Equal(t, []Reason{ReasonExpired}, reasons)
	require.Equal(t, 0, v.Len())
}

func TestHeartbeatPostponesExpiry(t *testing.T) {
	owner, err := identity.Ephemeral()
	require.NoError(t, err)
	rec := &recorder{}
	v := newRequestView(t, rec)

	now := time.Now().Unix()
	v.Apply(request(t, owner, "req1", proto.StatusOpen, 200*time.Millisecond, now))
	time.Sleep(100 * time.Millisecond)
	v.Apply(request(t, owner, "req1", proto.StatusOpen, time.Minute, now+1))
	time.Sleep(300 * time.Millisecond)

	_, _, gone, _ := rec.snapshot()
	require.Empty(t, gone, "refreshed entry must not expire on the old timer")
	require.Equal(t, 1, v.Len())
}

func TestStaleRevisionIgnored(t *testing.T) {
	owner, err := identity.Ephemeral()
	require.NoError(t, err)
	rec := &recorder{}
	v := newRequestView(t, rec)

	now := time.Now().Unix()
	newer := request(t, owner, "req1", proto.StatusOpen, time.Minute, now+10)
	older := request(t, owner, "req1", proto.StatusCancelled, time.Minute, now)
	v.Apply(newer)
	// Relays deliver in any order; an older terminal revision must not
	// remove the newer open one.
	v.Apply(older)

	require.Equal(t, 1, v.Len())
	_, _, gone, _ := rec.snapshot()
	require.Empty(t, gone)
}

func TestUnknownTerminalIgnored(t *testing.T) {
	owner, err := identity.Ephemeral()
	require.NoError(t, err)
	rec := &recorder{}
	v := newRequestView(t, rec)

	v.Apply(request(t, owner, "req1", proto.StatusCancelled, time.Minute, time.Now().Unix()))
	require.Equal(t, 0, v.Len())
	appeared, _, gone, _ := rec.snapshot()
	require.Empty(t, appeared)
	require.Empty(t, gone)
}

func TestMalformedContentCountsAsTerminal(t *testing.T) {
	owner, err := identity.Ephemeral()
	require.NoError(t, err)
	rec := &recorder{}
	v := newRequestView(t, rec)

	bad := proto.Record{
		Kind:      proto.KindRequest,
		CreatedAt: time.Now().Unix(),
		Content:   "not json",
	}
	bad.SetTag(proto.TagD, "req1")
	bad.SetExpiry(time.Now().Add(time.Minute).Unix())
	require.NoError(t, proto.SignRecord(&bad, owner))

	v.Apply(bad)
	require.Equal(t, 0, v.Len())
}
