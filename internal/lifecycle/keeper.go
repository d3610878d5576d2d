// Package lifecycle keeps exactly one live record per active role alive on
// the relay set: publish with a TTL, republish before expiry, reschedule
// against the expiry the relays actually echoed back, and surface the one
// user-visible failure — our own record lapsing before a heartbeat could
// land.
package lifecycle

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"hailmesh/internal/metrics"
	"hailmesh/internal/proto"
)

const (
	DefaultTTL       = 60 * time.Second
	DefaultLead      = 20 * time.Second
	DefaultMinViable = 15 * time.Second
)

// Transport is the slice of the relay pool the keeper needs.
type Transport interface {
	Publish(rec *proto.Record) error
	Subscribe(filter proto.Filter, onEvent func(proto.Record), onEOSE func()) string
	Unsubscribe(subID string)
	PeerID() string
}

type Options struct {
	// TTL is the advertised record lifetime per revision.
	TTL time.Duration
	// Lead is how long before expiry the heartbeat fires.
	Lead time.Duration
	// MinViable is the remaining lifetime below which the record is
	// treated as already lost: a heartbeat could no longer land in time.
	MinViable time.Duration

	Log     *zap.Logger
	Metrics *metrics.Metrics
}

func (o *Options) fill() {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Lead <= 0 || o.Lead >= o.TTL {
		o.Lead = DefaultLead
	}
	if o.MinViable <= 0 {
		o.MinViable = DefaultMinViable
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
}

// Keeper owns one published record: its heartbeat clock and its terminal
// transition. All cross-peer effects go through new revisions; nothing else
// ever mutates the record.
type Keeper struct {
	tr   Transport
	kind string
	d    string
	cell string
	opts Options

	// content builds the current business payload. Re-invoked on every
	// heartbeat so availability records can carry a fresh location.
	content   func() (string, error)
	onExpired func()

	mu            sync.Mutex
	timer         *time.Timer
	subID         string
	lastID        string
	lastCreatedAt int64
	lastExpiry    int64
	terminal      bool
	stopped       bool
	lostFired     bool
}

// Start publishes the initial revision, opens the self-subscription and
// arms the heartbeat.
func Start(tr Transport, kind, d, cellToken string, content func() (string, error), onExpired func(), opts Options) (*Keeper, error) {
	if tr == nil || content == nil {
		return nil, errors.New("missing transport or content")
	}
	opts.fill()
	k := &Keeper{
		tr:        tr,
		kind:      kind,
		d:         d,
		cell:      cellToken,
		opts:      opts,
		content:   content,
		onExpired: onExpired,
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.publishLocked(""); err != nil {
		return nil, err
	}
	// Self-subscription: when a relay echoes our own record back, the
	// expiry it actually accepted replaces our local clock assumption.
	k.subID = tr.Subscribe(proto.Filter{
		Kinds:   []string{kind},
		Authors: []string{tr.PeerID()},
		D:       d,
	}, k.onEcho, nil)
	k.scheduleLocked()
	return k, nil
}

// Expiry returns the expiry of the latest published revision.
func (k *Keeper) Expiry() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return time.Unix(k.lastExpiry, 0)
}

// D returns the record's replaceable identifier.
func (k *Keeper) D() string {
	return k.d
}

// Refresh publishes a fresh revision immediately, re-reading the content
// builder, and re-arms the heartbeat. Used when the payload changed ahead
// of the heartbeat clock.
func (k *Keeper) Refresh() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.terminal || k.stopped {
		return nil
	}
	if err := k.publishLocked(""); err != nil {
		return err
	}
	k.scheduleLocked()
	return nil
}

// Terminal clears the heartbeat and publishes one final revision carrying
// the given payload. No further heartbeats run for a terminal record.
func (k *Keeper) Terminal(content string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.terminal || k.stopped {
		return nil
	}
	k.terminal = true
	if k.timer != nil {
		k.timer.Stop()
	}
	if k.subID != "" {
		k.tr.Unsubscribe(k.subID)
		k.subID = ""
	}
	return k.publishLocked(content)
}

// Stop clears timers and the self-subscription without publishing. Used on
// session teardown after (or instead of) a terminal revision.
func (k *Keeper) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stopped {
		return
	}
	k.stopped = true
	if k.timer != nil {
		k.timer.Stop()
	}
	if k.subID != "" {
		k.tr.Unsubscribe(k.subID)
		k.subID = ""
	}
}

// publishLocked publishes the next revision. When override is empty the
// content builder supplies the payload. CreatedAt and expiry are strictly
// monotonic across revisions.
func (k *Keeper) publishLocked(override string) error {
	content := override
	if content == "" {
		var err error
		content, err = k.content()
		if err != nil {
			return err
		}
	}
	now := time.Now().Unix()
	createdAt := now
	if createdAt <= k.lastCreatedAt {
		createdAt = k.lastCreatedAt + 1
	}
	expiry := now + int64(k.opts.TTL/time.Second)
	if expiry <= k.lastExpiry {
		expiry = k.lastExpiry + 1
	}
	rec := proto.Record{
		Kind:      k.kind,
		CreatedAt: createdAt,
		Content:   content,
	}
	rec.SetTag(proto.TagD, k.d)
	if k.cell != "" {
		rec.SetTag(proto.TagCell, k.cell)
	}
	rec.SetExpiry(expiry)
	if err := k.tr.Publish(&rec); err != nil {
		return err
	}
	k.lastID = rec.ID
	k.lastCreatedAt = createdAt
	k.lastExpiry = expiry
	return nil
}

// onEcho receives our own record back from a relay and reschedules the
// heartbeat relative to the expiry the relay actually accepted, correcting
// clock and latency skew.
func (k *Keeper) onEcho(rec proto.Record) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.terminal || k.stopped {
		return
	}
	// Only the current revision is authoritative; relays may still serve
	// an older one.
	if rec.ID != k.lastID {
		return
	}
	expiry := rec.Expiry()
	if expiry <= 0 {
		return
	}
	k.lastExpiry = expiry
	k.scheduleLocked()
}

func (k *Keeper) scheduleLocked() {
	if k.terminal || k.stopped {
		return
	}
	remaining := time.Until(time.Unix(k.lastExpiry, 0))
	if remaining < k.opts.MinViable {
		// A heartbeat could not land in time: the record is already
		// lost. This is the local self-detection path for losing all
		// relay connectivity.
		k.fireLostLocked()
		return
	}
	fireIn := remaining - k.opts.Lead
	if fireIn < 0 {
		fireIn = 0
	}
	if k.timer != nil {
		k.timer.Stop()
	}
	k.timer = time.AfterFunc(fireIn, k.heartbeat)
}

func (k *Keeper) heartbeat() {
	k.mu.Lock()
	if k.terminal || k.stopped {
		k.mu.Unlock()
		return
	}
	remaining := time.Until(time.Unix(k.lastExpiry, 0))
	if remaining < k.opts.MinViable {
		k.fireLostLocked()
		k.mu.Unlock()
		return
	}
	err := k.publishLocked("")
	if err == nil {
		k.opts.Metrics.IncHeartbeats()
		k.scheduleLocked()
	} else {
		k.opts.Log.Warn("heartbeat publish failed", zap.String("d", k.d), zap.Error(err))
		// Retry at the same cadence; the record stays alive as long as
		// some relay accepted an earlier revision.
		k.timer = time.AfterFunc(k.opts.Lead/2, k.heartbeat)
	}
	k.mu.Unlock()
}

func (k *Keeper) fireLostLocked() {
	if k.lostFired {
		return
	}
	k.lostFired = true
	k.stopped = true
	if k.timer != nil {
		k.timer.Stop()
	}
	if k.subID != "" {
		k.tr.Unsubscribe(k.subID)
		k.subID = ""
	}
	k.opts.Metrics.IncSelfLost()
	k.opts.Log.Warn("own record lost", zap.String("kind", k.kind), zap.String("d", k.d))
	if k.onExpired != nil {
		go k.onExpired()
	}
}
