package relay

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/partyline/pkg/link"
)

var (
	chanA = link.ChannelKey{Platform: link.PlatformOneBot, ChannelID: "A"}
	chanB = link.ChannelKey{Platform: link.PlatformDiscord, ChannelID: "B"}
	chanC = link.ChannelKey{Platform: link.PlatformTelegram, ChannelID: "C"}
)

func key(ch link.ChannelKey, id string) MessageKey {
	return MessageKey{Channel: ch, MessageID: id}
}

func rec(ch link.ChannelKey, id string) RelayRecord {
	return RelayRecord{Channel: ch, BotID: "bot", MessageID: id}
}

func TestStore_GetAndGetOrigin(t *testing.T) {
	s := NewStore(10)
	s.Push(key(chanA, "1"), []RelayRecord{rec(chanB, "b1"), rec(chanC, "c1")})

	records, ok := s.Get(key(chanA, "1"))
	require.True(t, ok)
	assert.Equal(t, []RelayRecord{rec(chanB, "b1"), rec(chanC, "c1")}, records)

	origin, ok := s.GetOrigin(key(chanB, "b1"))
	require.True(t, ok)
	assert.Equal(t, key(chanA, "1"), origin)

	_, ok = s.Get(key(chanB, "b1"))
	assert.False(t, ok, "a copy is not an origin")
	_, ok = s.GetOrigin(key(chanA, "1"))
	assert.False(t, ok, "an origin is not a copy")
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := NewStore(10)
	s.Push(key(chanA, "1"), []RelayRecord{rec(chanB, "b1")})

	records, _ := s.Get(key(chanA, "1"))
	records[0].MessageID = "tampered"

	again, _ := s.Get(key(chanA, "1"))
	assert.Equal(t, "b1", again[0].MessageID)
}

func TestStore_EvictsExactlyOldestAndTheirReverseEntries(t *testing.T) {
	const capacity = 5
	s := NewStore(capacity)

	for i := 0; i < capacity+3; i++ {
		id := fmt.Sprint(i)
		s.Push(key(chanA, id), []RelayRecord{rec(chanB, "b"+id), rec(chanC, "c"+id)})
	}

	for i := 0; i < 3; i++ {
		id := fmt.Sprint(i)
		_, ok := s.Get(key(chanA, id))
		assert.False(t, ok, "entry %s should be evicted", id)
		_, ok = s.GetOrigin(key(chanB, "b"+id))
		assert.False(t, ok, "reverse entry b%s should be evicted", id)
		_, ok = s.GetOrigin(key(chanC, "c"+id))
		assert.False(t, ok, "reverse entry c%s should be evicted", id)
	}
	for i := 3; i < capacity+3; i++ {
		id := fmt.Sprint(i)
		_, ok := s.Get(key(chanA, id))
		assert.True(t, ok, "entry %s should remain", id)
		origin, ok := s.GetOrigin(key(chanC, "c"+id))
		assert.True(t, ok)
		assert.Equal(t, key(chanA, id), origin)
	}

	stats := s.Stats()
	assert.Equal(t, StoreStats{Buckets: 1, Entries: capacity, Slots: capacity, ReverseEntries: 2 * capacity}, stats)
}

func TestStore_BucketsAreIndependent(t *testing.T) {
	s := NewStore(1)
	s.Push(key(chanA, "1"), []RelayRecord{rec(chanB, "b1")})
	s.Push(key(chanC, "1"), []RelayRecord{rec(chanB, "b2")})

	_, ok := s.Get(key(chanA, "1"))
	assert.True(t, ok, "a push on another channel must not evict")
	assert.Equal(t, 2, s.Stats().Buckets)
}

func TestStore_DuplicatePushKeepsReverseIndexConsistent(t *testing.T) {
	s := NewStore(2)
	s.Push(key(chanA, "1"), []RelayRecord{rec(chanB, "b1")})
	s.Push(key(chanA, "1"), []RelayRecord{rec(chanB, "b2")})

	records, ok := s.Get(key(chanA, "1"))
	require.True(t, ok)
	assert.Len(t, records, 2)

	// Evicts the first slot of "1" only; the entry is still referenced.
	s.Push(key(chanA, "2"), nil)
	_, ok = s.Get(key(chanA, "1"))
	assert.True(t, ok)
	_, ok = s.GetOrigin(key(chanB, "b1"))
	assert.True(t, ok)

	// Evicts the last slot of "1".
	s.Push(key(chanA, "3"), nil)
	_, ok = s.Get(key(chanA, "1"))
	assert.False(t, ok)
	_, ok = s.GetOrigin(key(chanB, "b1"))
	assert.False(t, ok)
	_, ok = s.GetOrigin(key(chanB, "b2"))
	assert.False(t, ok)
	assertNoDangling(t, s)
}

func TestStore_NonPositiveCapacityUsesDefault(t *testing.T) {
	assert.Equal(t, DefaultCapacity, NewStore(0).Capacity())
	assert.Equal(t, DefaultCapacity, NewStore(-3).Capacity())
}

func TestStore_ConcurrentPushAndRead(t *testing.T) {
	s := NewStore(8)
	channels := []link.ChannelKey{chanA, chanB, chanC}

	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			src := channels[w%len(channels)]
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("%d-%d", w, i)
				dst := channels[(w+1)%len(channels)]
				s.Push(key(src, id), []RelayRecord{rec(dst, "copy-"+id)})

				if origin, ok := s.GetOrigin(key(dst, "copy-"+id)); ok {
					s.Get(origin)
				}
				s.Stats()
			}
		}(w)
	}
	wg.Wait()

	assertNoDangling(t, s)
	stats := s.Stats()
	assert.Equal(t, 3, stats.Buckets)
	assert.Equal(t, 3*8, stats.Entries)
}

func assertNoDangling(t *testing.T, s *Store) {
	t.Helper()
	s.revMu.RLock()
	reverse := make(map[MessageKey]MessageKey, len(s.reverse))
	for k, v := range s.reverse {
		reverse[k] = v
	}
	s.revMu.RUnlock()

	for copyKey, origin := range reverse {
		records, ok := s.Get(origin)
		if !assert.True(t, ok, "reverse entry %s points at missing origin %s", copyKey, origin) {
			continue
		}
		found := false
		for _, r := range records {
			if r.Key() == copyKey {
				found = true
			}
		}
		assert.True(t, found, "origin %s has no record for %s", origin, copyKey)
	}
}
