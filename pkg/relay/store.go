package relay

import (
	"sync"

	"github.com/sipeed/partyline/pkg/link"
)

const DefaultCapacity = 1000

// MessageKey identifies one message on one channel. As an origin key it
// names a source message; as a copy key it names a relayed copy.
type MessageKey struct {
	Channel   link.ChannelKey
	MessageID string
}

func (k MessageKey) String() string {
	return k.Channel.String() + "/" + k.MessageID
}

// RelayRecord is one successful forward of an origin message.
type RelayRecord struct {
	Channel   link.ChannelKey
	BotID     string
	MessageID string
}

func (r RelayRecord) Key() MessageKey {
	return MessageKey{Channel: r.Channel, MessageID: r.MessageID}
}

// Store is the bounded recency window: per origin channel, the last N pushed
// message ids and their relay records, plus a reverse index from every
// recorded copy back to its origin.
//
// Locks are always taken bucket first, reverse index second, so a push and
// its eviction are observed as one step by Get and GetOrigin.
type Store struct {
	capacity int

	mu      sync.RWMutex
	buckets map[link.ChannelKey]*bucket

	revMu   sync.RWMutex
	reverse map[MessageKey]MessageKey
}

type bucket struct {
	mu sync.RWMutex
	// order holds one slot per push, oldest first. An id pushed twice holds
	// two slots.
	order   []string
	entries map[string]*entry
}

type entry struct {
	records []RelayRecord
	slots   int
}

type StoreStats struct {
	Buckets        int
	Entries        int
	Slots          int
	ReverseEntries int
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		buckets:  make(map[link.ChannelKey]*bucket),
		reverse:  make(map[MessageKey]MessageKey),
	}
}

func (s *Store) Capacity() int { return s.capacity }

// Get returns every known copy of origin.
func (s *Store) Get(origin MessageKey) ([]RelayRecord, bool) {
	b := s.bucket(origin.Channel, false)
	if b == nil {
		return nil, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.entries[origin.MessageID]
	if !ok {
		return nil, false
	}
	out := make([]RelayRecord, len(e.records))
	copy(out, e.records)
	return out, true
}

// Contains reports whether origin currently has an entry.
func (s *Store) Contains(origin MessageKey) bool {
	_, ok := s.Get(origin)
	return ok
}

// GetOrigin climbs one hop from a relayed copy to the message it was made from.
func (s *Store) GetOrigin(copyKey MessageKey) (MessageKey, bool) {
	s.revMu.RLock()
	defer s.revMu.RUnlock()
	origin, ok := s.reverse[copyKey]
	return origin, ok
}

// Push records the copies made of origin and evicts the oldest slots of the
// origin's channel beyond capacity. An entry and its reverse index entries
// go away together once its last slot is evicted.
func (s *Store) Push(origin MessageKey, records []RelayRecord) {
	b := s.bucket(origin.Channel, true)

	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[origin.MessageID]
	if !ok {
		e = &entry{}
		b.entries[origin.MessageID] = e
	}
	e.records = append(e.records, records...)
	e.slots++
	b.order = append(b.order, origin.MessageID)

	s.revMu.Lock()
	defer s.revMu.Unlock()

	for _, r := range records {
		s.reverse[r.Key()] = origin
	}

	for len(b.order) > s.capacity {
		oldest := b.order[0]
		b.order[0] = ""
		b.order = b.order[1:]

		old := b.entries[oldest]
		old.slots--
		if old.slots > 0 {
			continue
		}
		oldKey := MessageKey{Channel: origin.Channel, MessageID: oldest}
		for _, r := range old.records {
			if s.reverse[r.Key()] == oldKey {
				delete(s.reverse, r.Key())
			}
		}
		delete(b.entries, oldest)
	}
}

func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	buckets := make([]*bucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		buckets = append(buckets, b)
	}
	s.mu.RUnlock()

	stats := StoreStats{Buckets: len(buckets)}
	for _, b := range buckets {
		b.mu.RLock()
		stats.Entries += len(b.entries)
		stats.Slots += len(b.order)
		b.mu.RUnlock()
	}

	s.revMu.RLock()
	stats.ReverseEntries = len(s.reverse)
	s.revMu.RUnlock()
	return stats
}

func (s *Store) bucket(key link.ChannelKey, create bool) *bucket {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok || !create {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buckets[key]; ok {
		return b
	}
	b = &bucket{entries: make(map[string]*entry)}
	s.buckets[key] = b
	return b
}
