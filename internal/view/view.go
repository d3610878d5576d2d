// Package view derives a "currently true" set of records from the event
// stream. It is a read-model cache, never authoritative and never
// persisted: every entry carries its own expiration timer so the view
// self-heals even when terminal records are lost by every relay.
package view

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"hailmesh/internal/metrics"
	"hailmesh/internal/proto"
)

// Reason why an entry left the view.
type Reason string

const (
	ReasonTerminal Reason = "terminal"
	ReasonExpired  Reason = "expired"
)

// sweepInterval drives the coarse defensive sweep; removal latency is
// bounded by per-entry timers, not by this tick.
const sweepInterval = 30 * time.Second

type entry struct {
	record    proto.Record
	expiresAt time.Time
	timer     *time.Timer
}

// View tracks the newest non-terminal revision per replaceable key.
type View struct {
	log      *zap.Logger
	metrics  *metrics.Metrics
	terminal func(proto.Record) bool
	onAppear func(proto.Record)
	onUpdate func(proto.Record)
	onGone   func(proto.Record, Reason)

	mu      sync.Mutex
	entries map[string]*entry
	sweeper *time.Ticker
	done    chan struct{}
	stopped bool
}

type Options struct {
	Log     *zap.Logger
	Metrics *metrics.Metrics
	// Terminal reports whether a record revision closes its slot.
	// Malformed records must count as terminal.
	Terminal func(proto.Record) bool
	// OnAppear fires when a new non-terminal record enters the view.
	OnAppear func(proto.Record)
	// OnUpdate fires when a known record changes beyond a pure heartbeat
	// refresh. Optional.
	OnUpdate func(proto.Record)
	// OnGone fires exactly once when an entry leaves the view, whether by
	// terminal transition or local expiry.
	OnGone func(proto.Record, Reason)
}

func New(opts Options) *View {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	terminal := opts.Terminal
	if terminal == nil {
		terminal = func(proto.Record) bool { return false }
	}
	v := &View{
		log:      log,
		metrics:  opts.Metrics,
		terminal: terminal,
		onAppear: opts.OnAppear,
		onUpdate: opts.OnUpdate,
		onGone:   opts.OnGone,
		entries:  make(map[string]*entry),
		sweeper:  time.NewTicker(sweepInterval),
		done:     make(chan struct{}),
	}
	go v.sweepLoop()
	return v
}

// Apply folds one verified inbound record into the view.
func (v *View) Apply(rec proto.Record) {
	key := rec.ReplaceableKey()
	now := time.Now()
	expiry := rec.Expiry()
	expiresAt := time.Unix(expiry, 0)

	v.mu.Lock()
	if v.stopped {
		v.mu.Unlock()
		return
	}
	known, ok := v.entries[key]

	// Stale ordering defense: a relay may deliver an older revision after
	// a newer one; it never rolls the view back.
	if ok && rec.CreatedAt < known.record.CreatedAt {
		v.mu.Unlock()
		return
	}

	if v.terminal(rec) || expiry <= now.Unix() {
		if !ok {
			v.mu.Unlock()
			return
		}
		v.removeLocked(key, known)
		v.mu.Unlock()
		// The terminal revision itself goes upward: observers read the
		// outcome (e.g. who a request was taken by) from it.
		v.fireGone(rec, ReasonTerminal)
		return
	}

	if !ok {
		e := &entry{record: rec, expiresAt: expiresAt}
		e.timer = time.AfterFunc(time.Until(expiresAt), func() { v.expire(key) })
		v.entries[key] = e
		v.mu.Unlock()
		if v.onAppear != nil {
			v.onAppear(rec)
		}
		return
	}

	// Heartbeat refresh: same payload, later expiry. Re-arm the entry's
	// timer without notifying upward.
	heartbeat := rec.Content == known.record.Content
	known.record = rec
	known.expiresAt = expiresAt
	known.timer.Reset(time.Until(expiresAt))
	v.mu.Unlock()
	if !heartbeat && v.onUpdate != nil {
		v.onUpdate(rec)
	}
}

// Get returns the tracked record for a replaceable key.
func (v *View) Get(key string) (proto.Record, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.entries[key]
	if !ok {
		return proto.Record{}, false
	}
	return e.record, true
}

// List returns a snapshot of all tracked records.
func (v *View) List() []proto.Record {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]proto.Record, 0, len(v.entries))
	for _, e := range v.entries {
		out = append(out, e.record)
	}
	return out
}

func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries)
}

// Stop cancels all timers. The view is unusable afterwards.
func (v *View) Stop() {
	v.mu.Lock()
	if v.stopped {
		v.mu.Unlock()
		return
	}
	v.stopped = true
	for key, e := range v.entries {
		e.timer.Stop()
		delete(v.entries, key)
	}
	v.mu.Unlock()
	v.sweeper.Stop()
	close(v.done)
}

func (v *View) expire(key string) {
	v.mu.Lock()
	e, ok := v.entries[key]
	if !ok || v.stopped {
		v.mu.Unlock()
		return
	}
	// The timer may have been re-armed between firing and acquiring the
	// lock; only a genuinely lapsed entry is removed.
	if time.Now().Before(e.expiresAt) {
		v.mu.Unlock()
		return
	}
	v.removeLocked(key, e)
	v.mu.Unlock()
	v.metrics.IncExpired()
	v.fireGone(e.record, ReasonExpired)
}

func (v *View) removeLocked(key string, e *entry) {
	e.timer.Stop()
	delete(v.entries, key)
}

func (v *View) fireGone(rec proto.Record, reason Reason) {
	v.log.Debug("view entry gone",
		zap.String("key", rec.ReplaceableKey()),
		zap.String("reason", string(reason)))
	if v.onGone != nil {
		v.onGone(rec, reason)
	}
}

// sweepLoop is a defensive double-check only; per-entry timers bound
// removal latency.
func (v *View) sweepLoop() {
	for {
		select {
		case <-v.done:
			return
		case <-v.sweeper.C:
			v.sweep()
		}
	}
}

func (v *View) sweep() {
	now := time.Now()
	type lapsed struct {
		rec proto.Record
	}
	var gone []lapsed
	v.mu.Lock()
	for key, e := range v.entries {
		if now.After(e.expiresAt) {
			v.removeLocked(key, e)
			gone = append(gone, lapsed{rec: e.record})
		}
	}
	v.mu.Unlock()
	for _, g := range gone {
		v.metrics.IncExpired()
		v.fireGone(g.rec, ReasonExpired)
	}
}
