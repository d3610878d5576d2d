// Package relay implements a broadcast relay node. Relays are untrusted
// infrastructure: they verify signatures and enforce size and TTL limits,
// but anyone can run one and no client depends on any single relay.
package relay

import (
	"sort"
	"sync"

	"hailmesh/internal/proto"
)

// Store keeps the newest revision per replaceable slot. Message records are
// not replaceable; each occupies its own slot keyed by event id.
type Store interface {
	// Put stores rec if it is newer than the stored revision of its slot.
	// Returns false when a same-or-newer revision is already stored.
	Put(rec *proto.Record) (bool, error)
	// Query returns stored records matching the filter whose expiry is
	// still in the future at now.
	Query(f proto.Filter, now int64) ([]proto.Record, error)
	// PruneExpired drops records whose expiry has passed.
	PruneExpired(now int64) (int, error)
	Close() error
}

func slotKey(rec *proto.Record) string {
	if rec.Kind == proto.KindMessage {
		return rec.Pubkey + "/" + rec.Kind + "/" + rec.ID
	}
	return rec.ReplaceableKey()
}

// MemStore is the default non-durable store. A relay restart losing state
// is survivable: clients republish on their heartbeat cadence.
type MemStore struct {
	mu    sync.Mutex
	slots map[string]proto.Record
}

func NewMemStore() *MemStore {
	return &MemStore{slots: make(map[string]proto.Record)}
}

func (s *MemStore) Put(rec *proto.Record) (bool, error) {
	key := slotKey(rec)
	s.mu.Lock()
	defer s.mu.Unlock()
	if known, ok := s.slots[key]; ok && known.CreatedAt >= rec.CreatedAt {
		return false, nil
	}
	s.slots[key] = *rec
	return true, nil
}

func (s *MemStore) Query(f proto.Filter, now int64) ([]proto.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []proto.Record
	for _, rec := range s.slots {
		if rec.Expiry() <= now {
			continue
		}
		if f.Matches(&rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *MemStore) PruneExpired(now int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, rec := range s.slots {
		if rec.Expiry() <= now {
			delete(s.slots, key)
			n++
		}
	}
	return n, nil
}

func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

func (s *MemStore) Close() error { return nil }
