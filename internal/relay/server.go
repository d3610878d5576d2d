package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"hailmesh/internal/proto"
	"hailmesh/internal/transport"
)

const (
	// MaxRecordTTL caps how far in the future a publisher may push its
	// expiry. Anything longer is a storage grief, not a heartbeat.
	MaxRecordTTL = 24 * time.Hour

	maxSubsPerSession = 64
	pruneInterval     = time.Minute
)

// Server accepts client streams, stores verified records and fans live
// events out to matching subscriptions. It holds no identity of its own:
// everything it serves is client-signed.
type Server struct {
	addr  string
	store Store
	log   *zap.Logger

	mu       sync.Mutex
	listener *quic.Listener
	sessions map[*session]struct{}
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

func NewServer(addr string, store Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if store == nil {
		store = NewMemStore()
	}
	return &Server{
		addr:     addr,
		store:    store,
		log:      log,
		sessions: make(map[*session]struct{}),
		done:     make(chan struct{}),
	}
}

// Start binds the listener and begins accepting in the background.
func (s *Server) Start() error {
	tlsConf, err := transport.ServerTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(s.addr, tlsConf, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = listener.Close()
		return errors.New("server closed")
	}
	s.listener = listener
	s.mu.Unlock()
	s.log.Info("relay listening", zap.String("addr", listener.Addr().String()))

	s.wg.Add(2)
	go s.acceptLoop(listener)
	go s.pruneLoop()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listener := s.listener
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	close(s.done)
	if listener != nil {
		_ = listener.Close()
	}
	for _, sess := range sessions {
		sess.close()
	}
	s.wg.Wait()
	_ = s.store.Close()
}

func (s *Server) acceptLoop(listener *quic.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept(context.Background())
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Warn("accept failed", zap.Error(err))
			}
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn *quic.Conn) {
	defer s.wg.Done()
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		sess := &session{srv: s, stream: stream, subs: make(map[string]proto.Filter)}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = stream.Close()
			_ = conn.CloseWithError(0, "closed")
			return
		}
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go sess.readLoop()
	}
}

func (s *Server) pruneLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			n, err := s.store.PruneExpired(time.Now().Unix())
			if err != nil {
				s.log.Warn("prune failed", zap.Error(err))
			} else if n > 0 {
				s.log.Debug("pruned expired records", zap.Int("count", n))
			}
		}
	}
}

func (s *Server) dropSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// fanOut delivers a freshly accepted record to every live matching
// subscription across all sessions, including the publisher's own. The
// publisher hearing its record back is how it learns the expiry the relay
// committed to.
func (s *Server) fanOut(rec *proto.Record) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.deliver(rec)
	}
}

// validate applies relay-side acceptance policy. Trust comes from the
// signature; policy only bounds resource use.
func (s *Server) validate(rec *proto.Record, now int64) string {
	if err := proto.VerifyRecord(rec); err != nil {
		return "invalid: " + err.Error()
	}
	expiry := rec.Expiry()
	if expiry == 0 {
		return "invalid: missing expiry"
	}
	if expiry <= now {
		return "invalid: already expired"
	}
	if expiry > now+int64(MaxRecordTTL/time.Second) {
		return "invalid: ttl too long"
	}
	return ""
}

type session struct {
	srv    *Server
	stream *quic.Stream

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]proto.Filter
}

func (c *session) readLoop() {
	defer c.srv.wg.Done()
	defer c.srv.dropSession(c)
	defer c.stream.Close()
	for {
		data, err := proto.ReadFrameWithTypeCap(c.stream, proto.SoftMaxFrameSize, proto.MaxSizeForType)
		if err != nil {
			return
		}
		msgType, err := proto.SniffType(data)
		if err != nil {
			continue
		}
		switch msgType {
		case proto.MsgTypePub:
			c.handlePub(data)
		case proto.MsgTypeSub:
			c.handleSub(data)
		case proto.MsgTypeUnsub:
			c.handleUnsub(data)
		default:
			// Unknown client frames are ignored, not fatal.
		}
	}
}

func (c *session) handlePub(data []byte) {
	m, err := proto.DecodePubMsg(data)
	if err != nil {
		return
	}
	rec := m.Record
	now := time.Now().Unix()
	if reason := c.srv.validate(&rec, now); reason != "" {
		c.srv.log.Debug("record rejected", zap.String("id", rec.ID), zap.String("reason", reason))
		c.write(proto.OkMsg{Type: proto.MsgTypeOk, ID: rec.ID, Accepted: false, Reason: reason})
		return
	}
	stored, err := c.srv.store.Put(&rec)
	if err != nil {
		c.write(proto.OkMsg{Type: proto.MsgTypeOk, ID: rec.ID, Accepted: false, Reason: "store error"})
		return
	}
	if !stored {
		c.write(proto.OkMsg{Type: proto.MsgTypeOk, ID: rec.ID, Accepted: false, Reason: "stale revision"})
		return
	}
	c.write(proto.OkMsg{Type: proto.MsgTypeOk, ID: rec.ID, Accepted: true})
	c.srv.fanOut(&rec)
}

func (c *session) handleSub(data []byte) {
	m, err := proto.DecodeSubMsg(data)
	if err != nil {
		return
	}
	c.mu.Lock()
	if len(c.subs) >= maxSubsPerSession {
		c.mu.Unlock()
		return
	}
	c.subs[m.SubID] = m.Filter
	c.mu.Unlock()

	// Replay stored state first, then mark the end of it. Live events for
	// this subscription follow via fanOut.
	stored, err := c.srv.store.Query(m.Filter, time.Now().Unix())
	if err != nil {
		c.srv.log.Warn("query failed", zap.Error(err))
	}
	for i := range stored {
		c.write(proto.EventMsg{Type: proto.MsgTypeEvent, SubID: m.SubID, Record: stored[i]})
	}
	c.write(proto.EoseMsg{Type: proto.MsgTypeEose, SubID: m.SubID})
}

func (c *session) handleUnsub(data []byte) {
	m, err := proto.DecodeUnsubMsg(data)
	if err != nil {
		return
	}
	c.mu.Lock()
	delete(c.subs, m.SubID)
	c.mu.Unlock()
}

func (c *session) deliver(rec *proto.Record) {
	c.mu.Lock()
	var matched []string
	for subID, filter := range c.subs {
		if filter.Matches(rec) {
			matched = append(matched, subID)
		}
	}
	c.mu.Unlock()
	for _, subID := range matched {
		c.write(proto.EventMsg{Type: proto.MsgTypeEvent, SubID: subID, Record: *rec})
	}
}

func (c *session) write(msg any) {
	data, err := proto.EncodeClientMsg(msg)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = proto.WriteFrame(c.stream, data)
}

func (c *session) close() {
	_ = c.stream.Close()
}
