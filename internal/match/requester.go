package match

import (
	"encoding/hex"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hailmesh/internal/lifecycle"
	"hailmesh/internal/proto"
	"hailmesh/internal/view"
)

// RequesterCallbacks surface session outcomes. OnExpired is the single
// user-visible failure: our own request record lapsed and we are no longer
// discoverable.
type RequesterCallbacks struct {
	OnMatched      func(provider string)
	OnExpired      func()
	OnProviderSeen func(rec proto.Record)
	OnProviderGone func(rec proto.Record)
}

// Requester owns one ride request record and arbitrates the acceptance
// race for it.
type Requester struct {
	tr   Transport
	opts Options
	cbs  RequesterCallbacks
	log  *zap.Logger

	request proto.RequestContent
	d       string

	keeper    *lifecycle.Keeper
	providers *view.View
	msgSub    string
	viewSub   string

	mu      sync.Mutex
	matched string
	closed  bool
}

// RequestDetails is what the requester's own UI supplies.
type RequestDetails struct {
	Type        string
	Origin      proto.Location
	Destination proto.Location
}

// StartRequester publishes an open request in the cell and starts
// listening for sealed accepts and for available providers.
func StartRequester(tr Transport, cellToken string, details RequestDetails, cbs RequesterCallbacks, opts Options) (*Requester, error) {
	if tr == nil {
		return nil, errors.New("missing transport")
	}
	opts.fill()
	r := &Requester{
		tr:   tr,
		opts: opts,
		cbs:  cbs,
		log:  opts.Log,
		d:    uuid.NewString(),
		request: proto.RequestContent{
			Type:        details.Type,
			Origin:      details.Origin,
			Destination: details.Destination,
			Status:      proto.StatusOpen,
			ExchangePub: hex.EncodeToString(tr.ExchangePub()),
		},
	}

	r.providers = view.New(view.Options{
		Log:      opts.Log,
		Metrics:  opts.Metrics,
		Terminal: proto.AvailabilityTerminal,
		OnAppear: func(rec proto.Record) {
			if cbs.OnProviderSeen != nil {
				cbs.OnProviderSeen(rec)
			}
		},
		OnGone: func(rec proto.Record, _ view.Reason) {
			if cbs.OnProviderGone != nil {
				cbs.OnProviderGone(rec)
			}
		},
	})

	keeper, err := lifecycle.Start(tr, proto.KindRequest, r.d, cellToken, r.buildContent, r.onOwnExpired, opts.keeperOptions())
	if err != nil {
		r.providers.Stop()
		return nil, err
	}
	r.keeper = keeper
	r.msgSub = tr.SubscribeAccepts(r.onAccept)
	r.viewSub = tr.Subscribe(proto.Filter{
		Kinds: []string{proto.KindAvailability},
		Cell:  cellToken,
	}, r.providers.Apply, nil)
	return r, nil
}

// RequestID is the replaceable identifier providers reference in accepts.
func (r *Requester) RequestID() string {
	return r.d
}

// Matched returns the winning provider's pubkey, if any.
func (r *Requester) Matched() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.matched, r.matched != ""
}

// Providers lists currently known available providers in the cell.
func (r *Requester) Providers() []proto.Record {
	return r.providers.List()
}

func (r *Requester) buildContent() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.request.Encode()
}

// onAccept arbitrates. The first accept observed while the request is still
// open wins; the check and the lock-in happen synchronously inside the same
// callback, so a second accept arriving immediately after can never also
// win. Losers are not told individually: the republished record is the only
// signal anyone needs.
func (r *Requester) onAccept(p proto.AcceptPayload) {
	r.mu.Lock()
	if r.closed || r.matched != "" || p.RequestID != r.d || r.request.Status != proto.StatusOpen {
		r.mu.Unlock()
		r.opts.Metrics.IncAcceptsIgnored()
		return
	}
	r.matched = p.Sender
	r.request.Status = proto.StatusTaken
	r.request.MatchedWith = p.Sender
	content, err := r.request.Encode()
	r.mu.Unlock()
	if err != nil {
		r.log.Error("encode taken revision failed", zap.Error(err))
		return
	}
	r.opts.Metrics.IncAcceptsApplied()
	if err := r.keeper.Terminal(content); err != nil {
		r.log.Warn("publish taken revision failed", zap.Error(err))
	}
	r.log.Info("request matched",
		zap.String("request", r.d),
		zap.String("provider", p.Sender))
	if r.cbs.OnMatched != nil {
		r.cbs.OnMatched(p.Sender)
	}
}

// Cancel publishes the cancelled revision if the request is still open.
func (r *Requester) Cancel() error {
	r.mu.Lock()
	if r.closed || r.matched != "" || r.request.Status != proto.StatusOpen {
		r.mu.Unlock()
		return nil
	}
	r.request.Status = proto.StatusCancelled
	content, err := r.request.Encode()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.keeper.Terminal(content)
}

func (r *Requester) onOwnExpired() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	if r.cbs.OnExpired != nil {
		r.cbs.OnExpired()
	}
}

// Stop tears the session down: best-effort cancel while still open, then
// all timers and subscriptions. Even without this, the network converges by
// TTL lapse alone.
func (r *Requester) Stop() {
	_ = r.Cancel()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.tr.Unsubscribe(r.msgSub)
	r.tr.Unsubscribe(r.viewSub)
	r.providers.Stop()
	r.keeper.Stop()
}
