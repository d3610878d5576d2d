package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Transport   TransportMetrics `json:"transport"`
	Records     RecordMetrics    `json:"records"`
	Match       MatchMetrics     `json:"match"`
}

type TransportMetrics struct {
	Published       uint64 `json:"published"`
	Events          uint64 `json:"events"`
	DropDuplicate   uint64 `json:"drop_duplicate"`
	DropBadRecord   uint64 `json:"drop_bad_record"`
	ConnectFailed   uint64 `json:"connect_failed"`
	RelaysConnected uint64 `json:"relays_connected"`
}

type RecordMetrics struct {
	Heartbeats uint64 `json:"heartbeats"`
	Expired    uint64 `json:"expired"`
	SelfLost   uint64 `json:"self_lost"`
}

type MatchMetrics struct {
	AcceptsSent    uint64 `json:"accepts_sent"`
	AcceptsApplied uint64 `json:"accepts_applied"`
	AcceptsIgnored uint64 `json:"accepts_ignored"`
}

type Metrics struct {
	published       atomic.Uint64
	events          atomic.Uint64
	dropDuplicate   atomic.Uint64
	dropBadRecord   atomic.Uint64
	connectFailed   atomic.Uint64
	relaysConnected atomic.Uint64
	heartbeats      atomic.Uint64
	expired         atomic.Uint64
	selfLost        atomic.Uint64
	acceptsSent     atomic.Uint64
	acceptsApplied  atomic.Uint64
	acceptsIgnored  atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncPublished() {
	if m != nil {
		m.published.Add(1)
	}
}

func (m *Metrics) IncEvents() {
	if m != nil {
		m.events.Add(1)
	}
}

func (m *Metrics) IncDropDuplicate() {
	if m != nil {
		m.dropDuplicate.Add(1)
	}
}

func (m *Metrics) IncDropBadRecord() {
	if m != nil {
		m.dropBadRecord.Add(1)
	}
}

func (m *Metrics) IncConnectFailed() {
	if m != nil {
		m.connectFailed.Add(1)
	}
}

func (m *Metrics) SetRelaysConnected(n uint64) {
	if m != nil {
		m.relaysConnected.Store(n)
	}
}

func (m *Metrics) IncHeartbeats() {
	if m != nil {
		m.heartbeats.Add(1)
	}
}

func (m *Metrics) IncExpired() {
	if m != nil {
		m.expired.Add(1)
	}
}

func (m *Metrics) IncSelfLost() {
	if m != nil {
		m.selfLost.Add(1)
	}
}

func (m *Metrics) IncAcceptsSent() {
	if m != nil {
		m.acceptsSent.Add(1)
	}
}

func (m *Metrics) IncAcceptsApplied() {
	if m != nil {
		m.acceptsApplied.Add(1)
	}
}

func (m *Metrics) IncAcceptsIgnored() {
	if m != nil {
		m.acceptsIgnored.Add(1)
	}
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Transport: TransportMetrics{
			Published:       m.published.Load(),
			Events:          m.events.Load(),
			DropDuplicate:   m.dropDuplicate.Load(),
			DropBadRecord:   m.dropBadRecord.Load(),
			ConnectFailed:   m.connectFailed.Load(),
			RelaysConnected: m.relaysConnected.Load(),
		},
		Records: RecordMetrics{
			Heartbeats: m.heartbeats.Load(),
			Expired:    m.expired.Load(),
			SelfLost:   m.selfLost.Load(),
		},
		Match: MatchMetrics{
			AcceptsSent:    m.acceptsSent.Load(),
			AcceptsApplied: m.acceptsApplied.Load(),
			AcceptsIgnored: m.acceptsIgnored.Load(),
		},
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
