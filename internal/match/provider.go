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

// ProviderCallbacks surface session outcomes on the proposing side. A
// provider never learns it LOST a race directly; it only observes the
// request leaving the open state with someone else's key in it.
type ProviderCallbacks struct {
	OnMatched     func(rec proto.Record)
	OnRequestSeen func(rec proto.Record)
	OnRequestGone func(rec proto.Record)
	OnExpired     func()
}

// ProviderDetails is what the provider's own UI supplies.
type ProviderDetails struct {
	Type     string
	Location proto.Location
}

// Provider advertises availability in a cell and proposes for open
// requests. At most one proposal is outstanding at a time.
type Provider struct {
	tr   Transport
	opts Options
	cbs  ProviderCallbacks
	log  *zap.Logger

	d        string
	cell     string
	keeper   *lifecycle.Keeper
	requests *view.View
	viewSub  string

	mu           sync.Mutex
	availability proto.AvailabilityContent
	awaiting     string   // replaceable key of the request we proposed for
	pending      []string // open requests in arrival order, for AutoAccept
	matched      bool
	closed       bool
}

// StartProvider publishes an open availability record and starts watching
// the cell for requests.
func StartProvider(tr Transport, cellToken string, details ProviderDetails, cbs ProviderCallbacks, opts Options) (*Provider, error) {
	if tr == nil {
		return nil, errors.New("missing transport")
	}
	opts.fill()
	p := &Provider{
		tr:   tr,
		opts: opts,
		cbs:  cbs,
		log:  opts.Log,
		d:    uuid.NewString(),
		cell: cellToken,
		availability: proto.AvailabilityContent{
			Type:        details.Type,
			Location:    details.Location,
			Status:      proto.StatusOpen,
			ExchangePub: hex.EncodeToString(tr.ExchangePub()),
		},
	}

	p.requests = view.New(view.Options{
		Log:      opts.Log,
		Metrics:  opts.Metrics,
		Terminal: proto.RequestTerminal,
		OnAppear: p.onRequestAppear,
		OnGone:   p.onRequestGone,
	})

	keeper, err := lifecycle.Start(tr, proto.KindAvailability, p.d, cellToken, p.buildContent, p.onOwnExpired, opts.keeperOptions())
	if err != nil {
		p.requests.Stop()
		return nil, err
	}
	p.keeper = keeper
	p.viewSub = tr.Subscribe(proto.Filter{
		Kinds: []string{proto.KindRequest},
		Cell:  cellToken,
	}, p.requests.Apply, nil)
	return p, nil
}

func (p *Provider) buildContent() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availability.Encode()
}

// Requests lists the open requests currently visible in the cell.
func (p *Provider) Requests() []proto.Record {
	return p.requests.List()
}

// Accept proposes for an open request. Only the requester decides; the
// provider stays available until it observes the taken revision naming it.
func (p *Provider) Accept(rec proto.Record) error {
	content, err := proto.DecodeRequestContent(rec.Content)
	if err != nil {
		return err
	}
	if content.Status != proto.StatusOpen {
		return errors.New("request no longer open")
	}
	exchangePub, err := proto.ExchangePubBytes(content.ExchangePub)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed || p.matched {
		p.mu.Unlock()
		return errors.New("provider not available")
	}
	if p.awaiting != "" {
		p.mu.Unlock()
		return errors.New("proposal already outstanding")
	}
	p.awaiting = rec.ReplaceableKey()
	p.mu.Unlock()

	if err := p.tr.SendAccept(rec.Pubkey, exchangePub, rec.DTag()); err != nil {
		p.mu.Lock()
		if p.awaiting == rec.ReplaceableKey() {
			p.awaiting = ""
		}
		p.mu.Unlock()
		return err
	}
	p.opts.Metrics.IncAcceptsSent()
	p.log.Info("accept sent",
		zap.String("request", rec.DTag()),
		zap.String("requester", rec.Pubkey))
	return nil
}

// UpdateLocation republishes the availability record with a new position.
func (p *Provider) UpdateLocation(loc proto.Location) error {
	p.mu.Lock()
	if p.closed || p.matched {
		p.mu.Unlock()
		return nil
	}
	p.availability.Location = loc
	p.mu.Unlock()
	return p.keeper.Refresh()
}

// Withdraw publishes the cancelled availability revision.
func (p *Provider) Withdraw() error {
	p.mu.Lock()
	if p.closed || p.matched {
		p.mu.Unlock()
		return nil
	}
	p.availability.Status = proto.StatusCancelled
	content, err := p.availability.Encode()
	p.mu.Unlock()
	if err != nil {
		return err
	}
	return p.keeper.Terminal(content)
}

func (p *Provider) onRequestAppear(rec proto.Record) {
	// Our own requests are not proposal targets.
	if rec.Pubkey == p.tr.PeerID() {
		return
	}
	p.mu.Lock()
	p.pending = append(p.pending, rec.ReplaceableKey())
	auto := p.opts.AutoAccept && !p.matched && !p.closed && p.awaiting == ""
	p.mu.Unlock()
	if p.cbs.OnRequestSeen != nil {
		p.cbs.OnRequestSeen(rec)
	}
	if auto {
		if err := p.Accept(rec); err != nil {
			p.log.Debug("auto accept skipped", zap.Error(err))
		}
	}
}

// onRequestGone is where losing, winning, and timing out all look the same
// until we read the final revision: a taken record naming us means we won;
// anything else just means that request is no longer worth waiting on.
func (p *Provider) onRequestGone(rec proto.Record, _ view.Reason) {
	key := rec.ReplaceableKey()
	content, decodeErr := proto.DecodeRequestContent(rec.Content)
	wonIt := decodeErr == nil &&
		content.Status == proto.StatusTaken &&
		content.MatchedWith == p.tr.PeerID()

	p.mu.Lock()
	if p.closed || p.matched {
		p.mu.Unlock()
		return
	}
	p.dropPendingLocked(key)
	wasAwaiting := p.awaiting == key
	if wasAwaiting {
		p.awaiting = ""
	}
	if wonIt {
		p.matched = true
		p.availability.Status = proto.StatusTaken
	}
	p.mu.Unlock()

	if wonIt {
		final, err := p.availability.Encode()
		if err == nil {
			if terr := p.keeper.Terminal(final); terr != nil {
				p.log.Warn("publish matched availability failed", zap.Error(terr))
			}
		}
		p.log.Info("matched with requester",
			zap.String("request", rec.DTag()),
			zap.String("requester", rec.Pubkey))
		if p.cbs.OnMatched != nil {
			p.cbs.OnMatched(rec)
		}
		return
	}

	if p.cbs.OnRequestGone != nil {
		p.cbs.OnRequestGone(rec)
	}
	if wasAwaiting && p.opts.AutoAccept {
		p.proposeNext()
	}
}

// proposeNext promotes the oldest still-open pending request after a
// proposal fell through.
func (p *Provider) proposeNext() {
	for {
		p.mu.Lock()
		if p.closed || p.matched || p.awaiting != "" || len(p.pending) == 0 {
			p.mu.Unlock()
			return
		}
		key := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()

		rec, ok := p.requests.Get(key)
		if !ok {
			continue
		}
		if err := p.Accept(rec); err == nil {
			return
		}
	}
}

func (p *Provider) dropPendingLocked(key string) {
	for i, k := range p.pending {
		if k == key {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return
		}
	}
}

func (p *Provider) onOwnExpired() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	if p.cbs.OnExpired != nil {
		p.cbs.OnExpired()
	}
}

// Stop withdraws if still available and tears down timers and
// subscriptions.
func (p *Provider) Stop() {
	_ = p.Withdraw()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.tr.Unsubscribe(p.viewSub)
	p.requests.Stop()
	p.keeper.Stop()
}
