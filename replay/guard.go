package replay

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrDuplicateNonce is returned when a (player, nonce) pair is admitted a
// second time inside the replay window.
var ErrDuplicateNonce = errors.New("replay: nonce already used")

const shardCount = 32

// Key identifies one admitted submission inside the replay window.
type Key struct {
	Player common.Address
	Nonce  uint64
}

// Entry is a persisted replay-window observation.
type Entry struct {
	Player     common.Address
	Nonce      uint64
	ObservedAt time.Time
}

// Store persists replay observations across restarts. Entries observed before
// the cutoff are treated as absent and may be overwritten.
type Store interface {
	Ensure(ctx context.Context, player common.Address, nonce uint64, observedAt, cutoff time.Time) (bool, error)
	Remove(ctx context.Context, player common.Address, nonce uint64) error
	Recent(ctx context.Context, cutoff time.Time) ([]Entry, error)
	Prune(ctx context.Context, cutoff time.Time) error
	Close() error
}

type shard struct {
	mu      sync.Mutex
	entries map[Key]time.Time
	order   []Key
}

// Guard is a bounded replay window. Admission is linearizable per key: of two
// concurrent Admit calls for the same pair, exactly one succeeds. Memory is
// bounded by the configured capacity; once a shard is full the oldest admitted
// entry is evicted, which narrows the effective window under burst load but
// never grows memory.
type Guard struct {
	ttl      time.Duration
	shardCap int
	now      func() time.Time
	store    Store
	shards   [shardCount]shard
}

// Option customises the guard.
type Option func(*Guard)

// WithStore attaches durable persistence so the window survives restarts.
func WithStore(store Store) Option {
	return func(g *Guard) { g.store = store }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// NewGuard builds a replay guard with the provided window duration and total
// entry capacity.
func NewGuard(ttl time.Duration, capacity int, opts ...Option) (*Guard, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("replay: ttl must be positive")
	}
	if capacity < shardCount {
		return nil, fmt.Errorf("replay: capacity %d below minimum %d", capacity, shardCount)
	}
	g := &Guard{
		ttl:      ttl,
		shardCap: capacity / shardCount,
		now:      time.Now,
	}
	for i := range g.shards {
		g.shards[i].entries = make(map[Key]time.Time)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Admit records the pair and rejects it if it was already seen inside the
// window. Expired entries are treated as absent.
func (g *Guard) Admit(ctx context.Context, player common.Address, nonce uint64) error {
	now := g.now()
	key := Key{Player: player, Nonce: nonce}
	s := g.shard(key)

	s.mu.Lock()
	if exp, ok := s.entries[key]; ok && now.Before(exp) {
		s.mu.Unlock()
		return ErrDuplicateNonce
	}
	s.sweep(now)
	for len(s.entries) >= g.shardCap {
		s.evictOldest()
	}
	s.entries[key] = now.Add(g.ttl)
	s.order = append(s.order, key)
	s.mu.Unlock()

	if g.store != nil {
		seen, err := g.store.Ensure(ctx, player, nonce, now, now.Add(-g.ttl))
		if err != nil {
			// The pair was never durably recorded, so the in-memory
			// reservation must not survive either: a client retry of this
			// submission is not a replay.
			g.forget(key)
			return fmt.Errorf("replay: persist nonce: %w", err)
		}
		if seen {
			return ErrDuplicateNonce
		}
	}
	return nil
}

// Release withdraws a reservation made by Admit. Callers use it when the work
// the admission guarded could not be recorded, so a retry of the same pair is
// admitted instead of rejected as a duplicate.
func (g *Guard) Release(ctx context.Context, player common.Address, nonce uint64) error {
	g.forget(Key{Player: player, Nonce: nonce})
	if g.store != nil {
		if err := g.store.Remove(ctx, player, nonce); err != nil {
			return fmt.Errorf("replay: release nonce: %w", err)
		}
	}
	return nil
}

func (g *Guard) forget(key Key) {
	s := g.shard(key)
	s.mu.Lock()
	delete(s.entries, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// Warm hydrates the in-memory window from the store and prunes entries that
// fell out of the window. Call once on startup before serving traffic.
func (g *Guard) Warm(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	cutoff := g.now().Add(-g.ttl)
	entries, err := g.store.Recent(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("replay: hydrate window: %w", err)
	}
	for _, e := range entries {
		key := Key{Player: e.Player, Nonce: e.Nonce}
		s := g.shard(key)
		s.mu.Lock()
		if _, ok := s.entries[key]; !ok && len(s.entries) < g.shardCap {
			s.entries[key] = e.ObservedAt.Add(g.ttl)
			s.order = append(s.order, key)
		}
		s.mu.Unlock()
	}
	if err := g.store.Prune(ctx, cutoff); err != nil {
		return fmt.Errorf("replay: prune window: %w", err)
	}
	return nil
}

// Len reports the number of live entries across all shards.
func (g *Guard) Len() int {
	total := 0
	now := g.now()
	for i := range g.shards {
		s := &g.shards[i]
		s.mu.Lock()
		for _, exp := range s.entries {
			if now.Before(exp) {
				total++
			}
		}
		s.mu.Unlock()
	}
	return total
}

func (g *Guard) shard(key Key) *shard {
	h := fnv.New32a()
	h.Write(key.Player[:])
	var nonceBytes [8]byte
	for i := 0; i < 8; i++ {
		nonceBytes[i] = byte(key.Nonce >> (56 - 8*i))
	}
	h.Write(nonceBytes[:])
	return &g.shards[h.Sum32()%shardCount]
}

// sweep drops expired entries from the front of the insertion order. Entries
// are inserted in time order so the scan stops at the first live one.
func (s *shard) sweep(now time.Time) {
	for len(s.order) > 0 {
		key := s.order[0]
		exp, ok := s.entries[key]
		if ok && now.Before(exp) {
			break
		}
		s.order = s.order[1:]
		if ok {
			delete(s.entries, key)
		}
	}
}

func (s *shard) evictOldest() {
	for len(s.order) > 0 {
		key := s.order[0]
		s.order = s.order[1:]
		if _, ok := s.entries[key]; ok {
			delete(s.entries, key)
			return
		}
	}
}
