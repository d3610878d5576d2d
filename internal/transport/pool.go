// Package transport hides a set of independently unreliable broadcast
// relays behind one reliable-enough API. Publishes fan out to every open
// relay, inbound events are verified and then deduplicated per
// subscription, and all delivery happens on a single dispatch goroutine so
// protocol callbacks never race each other.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"hailmesh/internal/identity"
	"hailmesh/internal/metrics"
	"hailmesh/internal/proto"
)

const (
	dialTimeout     = 8 * time.Second
	keepAlivePeriod = 15 * time.Second
	maxIdleTimeout  = 5 * time.Minute
	sendQueueDepth  = 64
	maxSeenIDs      = 1 << 16
)

var ErrClosed = errors.New("transport closed")

type subscription struct {
	id        string
	filter    proto.Filter
	onEvent   func(proto.Record)
	onEOSE    func()
	onMessage func(proto.AcceptPayload)
	eoseFired bool
}

type relayConn struct {
	addr string
	send chan []byte
	conn *quic.Conn
	open bool
}

type inbound struct {
	addr string
	data []byte
}

// Pool is the relay transport. It exclusively holds the installation
// identity; nothing outside sees more than the public keys.
type Pool struct {
	id      *identity.Identity
	log     *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	relays  map[string]*relayConn
	subs    map[string]*subscription
	seen    map[string]struct{}
	onState func(connected, total int)
	closed  bool

	events chan inbound
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewPool(id *identity.Identity, endpoints []string, log *zap.Logger, m *metrics.Metrics) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		id:      id,
		log:     log,
		metrics: m,
		relays:  make(map[string]*relayConn),
		subs:    make(map[string]*subscription),
		seen:    make(map[string]struct{}),
		events:  make(chan inbound, 256),
		done:    make(chan struct{}),
	}
	for _, addr := range endpoints {
		if addr == "" {
			continue
		}
		p.relays[addr] = &relayConn{addr: addr, send: make(chan []byte, sendQueueDepth)}
	}
	return p
}

// PeerID is the durable public identifier of this installation.
func (p *Pool) PeerID() string {
	return p.id.PeerID()
}

// ExchangePub is embedded in our own record payloads so counterparts can
// seal messages to us.
func (p *Pool) ExchangePub() []byte {
	return p.id.ExchangePub()
}

// OnStateChange registers the (connected, total) observer. Observability
// only; never consulted for correctness.
func (p *Pool) OnStateChange(fn func(connected, total int)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

// Counts returns currently connected relays and the configured total.
func (p *Pool) Counts() (connected, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countsLocked()
}

func (p *Pool) countsLocked() (connected, total int) {
	for _, rc := range p.relays {
		if rc.open {
			connected++
		}
	}
	return connected, len(p.relays)
}

// Connect fires one non-blocking dial per configured endpoint. A failed or
// dropped endpoint is not retried for the rest of the session; the caller
// decides whether to restart.
func (p *Pool) Connect(ctx context.Context) {
	p.wg.Add(1)
	go p.dispatchLoop()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rc := range p.relays {
		p.wg.Add(1)
		go p.runRelay(ctx, rc)
	}
}

func (p *Pool) runRelay(ctx context.Context, rc *relayConn) {
	defer p.wg.Done()
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := quic.DialAddr(dialCtx, rc.addr, ClientTLSConfig(), &quic.Config{
		MaxIdleTimeout:  maxIdleTimeout,
		KeepAlivePeriod: keepAlivePeriod,
	})
	cancel()
	if err != nil {
		p.metrics.IncConnectFailed()
		p.log.Warn("relay dial failed", zap.String("relay", rc.addr), zap.Error(err))
		return
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		p.metrics.IncConnectFailed()
		p.log.Warn("relay stream failed", zap.String("relay", rc.addr), zap.Error(err))
		_ = conn.CloseWithError(0, "stream")
		return
	}

	p.mu.Lock()
	rc.conn = conn
	rc.open = true
	replay := make([][]byte, 0, len(p.subs))
	for _, sub := range p.subs {
		data, err := proto.EncodeClientMsg(proto.SubMsg{Type: proto.MsgTypeSub, SubID: sub.id, Filter: sub.filter})
		if err == nil {
			replay = append(replay, data)
		}
	}
	p.notifyStateLocked()
	p.mu.Unlock()
	p.log.Info("relay connected", zap.String("relay", rc.addr))

	// Replay open subscriptions to the late-connecting relay.
	for _, data := range replay {
		rc.enqueue(data)
	}

	// Writer drains the per-relay queue.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-p.done:
				return
			case data, ok := <-rc.send:
				if !ok {
					return
				}
				if err := proto.WriteFrame(stream, data); err != nil {
					p.log.Debug("relay write failed", zap.String("relay", rc.addr), zap.Error(err))
					return
				}
			}
		}
	}()

	for {
		data, err := proto.ReadFrame(stream)
		if err != nil {
			break
		}
		select {
		case p.events <- inbound{addr: rc.addr, data: data}:
		case <-p.done:
			_ = conn.CloseWithError(0, "closed")
			return
		}
	}

	_ = conn.CloseWithError(0, "gone")
	p.mu.Lock()
	rc.open = false
	p.notifyStateLocked()
	p.mu.Unlock()
	p.log.Warn("relay disconnected", zap.String("relay", rc.addr))
	<-writerDone
}

func (rc *relayConn) enqueue(data []byte) {
	// Fire-and-forget: a relay with a full queue just misses the frame.
	select {
	case rc.send <- data:
	default:
	}
}

func (p *Pool) notifyStateLocked() {
	connected, total := p.countsLocked()
	p.metrics.SetRelaysConnected(uint64(connected))
	if p.onState != nil {
		go p.onState(connected, total)
	}
}

// Publish signs the record with the pool identity and broadcasts it to every
// currently-open relay. No endpoint is authoritative and no acknowledgement
// is required for correctness.
func (p *Pool) Publish(rec *proto.Record) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	if err := proto.SignRecord(rec, p.id); err != nil {
		return err
	}
	data, err := proto.EncodeClientMsg(proto.PubMsg{Type: proto.MsgTypePub, Record: *rec})
	if err != nil {
		return err
	}
	p.metrics.IncPublished()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rc := range p.relays {
		if rc.open {
			rc.enqueue(data)
		}
	}
	return nil
}

// SendAccept seals an accept for requestID to the counterpart and publishes
// it as an opaque message record. At-most-once, best effort: there is no
// delivery guarantee and no retry.
func (p *Pool) SendAccept(recipientPub string, recipientExchangePub []byte, requestID string) error {
	plain, err := proto.EncodeAcceptPayload(proto.AcceptPayload{
		Type:      proto.PayloadTypeAccept,
		RequestID: requestID,
		Sender:    p.id.PeerID(),
	})
	if err != nil {
		return err
	}
	rec, err := proto.SealMessageRecord(p.id, recipientPub, recipientExchangePub, plain)
	if err != nil {
		return err
	}
	data, err := proto.EncodeClientMsg(proto.PubMsg{Type: proto.MsgTypePub, Record: rec})
	if err != nil {
		return err
	}
	p.metrics.IncPublished()
	p.metrics.IncAcceptsSent()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	for _, rc := range p.relays {
		if rc.open {
			rc.enqueue(data)
		}
	}
	return nil
}

// Subscribe registers a record subscription across all relays. onEOSE, if
// set, fires once when the first relay finishes replaying stored records.
func (p *Pool) Subscribe(filter proto.Filter, onEvent func(proto.Record), onEOSE func()) string {
	sub := &subscription{
		id:      uuid.NewString(),
		filter:  filter,
		onEvent: onEvent,
		onEOSE:  onEOSE,
	}
	p.addSub(sub)
	return sub.id
}

// SubscribeAccepts registers for sealed accept messages addressed to us.
// Decryption happens inside the transport; the secret key never leaves it.
func (p *Pool) SubscribeAccepts(onMessage func(proto.AcceptPayload)) string {
	sub := &subscription{
		id:        uuid.NewString(),
		filter:    proto.Filter{Kinds: []string{proto.KindMessage}, Recipient: p.id.PeerID()},
		onMessage: onMessage,
	}
	p.addSub(sub)
	return sub.id
}

func (p *Pool) addSub(sub *subscription) {
	data, err := proto.EncodeClientMsg(proto.SubMsg{Type: proto.MsgTypeSub, SubID: sub.id, Filter: sub.filter})
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[sub.id] = sub
	if err != nil {
		return
	}
	for _, rc := range p.relays {
		if rc.open {
			rc.enqueue(data)
		}
	}
}

func (p *Pool) Unsubscribe(subID string) {
	data, err := proto.EncodeClientMsg(proto.UnsubMsg{Type: proto.MsgTypeUnsub, SubID: subID})
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, subID)
	if err != nil {
		return
	}
	for _, rc := range p.relays {
		if rc.open {
			rc.enqueue(data)
		}
	}
}

// Close tears down all relay connections and stops dispatch. Safe to call
// more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := make([]*quic.Conn, 0, len(p.relays))
	for _, rc := range p.relays {
		if rc.conn != nil {
			conns = append(conns, rc.conn)
		}
		rc.open = false
	}
	p.mu.Unlock()
	close(p.done)
	for _, conn := range conns {
		_ = conn.CloseWithError(0, "closed")
	}
	p.wg.Wait()
}

// dispatchLoop is the single logical thread of control: every inbound
// event from every relay is decoded, deduplicated, validated and delivered
// here, so subscription callbacks can mutate protocol state without locks.
func (p *Pool) dispatchLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case in := <-p.events:
			p.handleInbound(in)
		}
	}
}

func (p *Pool) handleInbound(in inbound) {
	msgType, err := proto.SniffType(in.data)
	if err != nil {
		p.metrics.IncDropBadRecord()
		return
	}
	switch msgType {
	case proto.MsgTypeEvent:
		m, err := proto.DecodeEventMsg(in.data)
		if err != nil {
			p.metrics.IncDropBadRecord()
			return
		}
		p.handleEvent(m)
	case proto.MsgTypeEose:
		m, err := proto.DecodeEoseMsg(in.data)
		if err != nil {
			return
		}
		p.handleEose(m.SubID)
	case proto.MsgTypeOk:
		m, err := proto.DecodeOkMsg(in.data)
		if err != nil {
			return
		}
		if !m.Accepted {
			p.log.Debug("relay rejected publish",
				zap.String("relay", in.addr),
				zap.String("id", m.ID),
				zap.String("reason", m.Reason))
		}
	default:
		// Unknown frame types from a relay are dropped, not errors.
	}
}

func (p *Pool) handleEvent(m proto.EventMsg) {
	rec := m.Record
	p.metrics.IncEvents()

	// Dedup is keyed per subscription so two subscriptions with
	// overlapping filters never starve each other.
	dupKey := m.SubID + "/" + rec.ID
	p.mu.Lock()
	if _, dup := p.seen[dupKey]; dup {
		p.mu.Unlock()
		p.metrics.IncDropDuplicate()
		return
	}
	sub := p.subs[m.SubID]
	p.mu.Unlock()

	// A record's claimed owner must equal the transport-level sender
	// identity; anything malformed or forged is dropped silently.
	if err := proto.VerifyRecord(&rec); err != nil {
		p.metrics.IncDropBadRecord()
		return
	}

	// Only a verified record enters the dedup cache. A relay forwarding a
	// mangled copy ahead of the honest ones must not be able to censor the
	// genuine record.
	p.mu.Lock()
	if len(p.seen) >= maxSeenIDs {
		p.seen = make(map[string]struct{})
	}
	p.seen[dupKey] = struct{}{}
	p.mu.Unlock()

	if sub == nil || !sub.filter.Matches(&rec) {
		return
	}
	if sub.onMessage != nil && rec.Kind == proto.KindMessage {
		plain, err := proto.OpenMessageRecord(p.id, &rec)
		if err != nil {
			p.metrics.IncDropBadRecord()
			return
		}
		payload, err := proto.DecodeAcceptPayload(plain)
		if err != nil {
			p.metrics.IncDropBadRecord()
			return
		}
		if payload.Sender != rec.Pubkey {
			p.metrics.IncDropBadRecord()
			return
		}
		sub.onMessage(payload)
		return
	}
	if sub.onEvent != nil {
		sub.onEvent(rec)
	}
}

func (p *Pool) handleEose(subID string) {
	p.mu.Lock()
	sub := p.subs[subID]
	var fire func()
	if sub != nil && !sub.eoseFired && sub.onEOSE != nil {
		sub.eoseFired = true
		fire = sub.onEOSE
	}
	p.mu.Unlock()
	if fire != nil {
		fire()
	}
}
