package replay

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func testPlayer(b byte) common.Address {
	var addr common.Address
	addr[19] = b
	return addr
}

func TestGuardRejectsDuplicateInsideWindow(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	guard, err := NewGuard(30*time.Minute, 1024, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	ctx := context.Background()
	player := testPlayer(1)

	if err := guard.Admit(ctx, player, 7); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	if err := guard.Admit(ctx, player, 7); !errors.Is(err, ErrDuplicateNonce) {
		t.Fatalf("expected ErrDuplicateNonce, got %v", err)
	}
	if err := guard.Admit(ctx, player, 8); err != nil {
		t.Fatalf("distinct nonce rejected: %v", err)
	}
	if err := guard.Admit(ctx, testPlayer(2), 7); err != nil {
		t.Fatalf("distinct player rejected: %v", err)
	}
}

func TestGuardAcceptsAfterExpiry(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	guard, err := NewGuard(30*time.Minute, 1024, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	ctx := context.Background()
	player := testPlayer(1)

	if err := guard.Admit(ctx, player, 7); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	now = now.Add(29 * time.Minute)
	if err := guard.Admit(ctx, player, 7); !errors.Is(err, ErrDuplicateNonce) {
		t.Fatalf("expected rejection just inside window, got %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := guard.Admit(ctx, player, 7); err != nil {
		t.Fatalf("expected acceptance after expiry, got %v", err)
	}
}

func TestGuardConcurrentAdmitSingleWinner(t *testing.T) {
	guard, err := NewGuard(time.Minute, 1024)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	ctx := context.Background()
	player := testPlayer(9)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := guard.Admit(ctx, player, 99); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := admitted.Load(); got != 1 {
		t.Fatalf("admitted %d times, want exactly 1", got)
	}
}

func TestGuardEvictsOldestAtCapacity(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	guard, err := NewGuard(time.Hour, shardCount, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	ctx := context.Background()
	player := testPlayer(1)

	// Shard capacity is one, so any colliding pair evicts its predecessor.
	var first, second uint64
	target := guard.shard(Key{Player: player, Nonce: 0})
	found := 0
	for n := uint64(0); n < 10_000 && found < 2; n++ {
		if guard.shard(Key{Player: player, Nonce: n}) == target {
			if found == 0 {
				first = n
			} else {
				second = n
			}
			found++
		}
	}
	if found < 2 {
		t.Fatalf("could not find two colliding nonces")
	}

	if err := guard.Admit(ctx, player, first); err != nil {
		t.Fatalf("admit first: %v", err)
	}
	now = now.Add(time.Second)
	if err := guard.Admit(ctx, player, second); err != nil {
		t.Fatalf("admit second: %v", err)
	}
	// First was evicted to stay within capacity, so it can be admitted again.
	if err := guard.Admit(ctx, player, first); err != nil {
		t.Fatalf("expected eviction of oldest entry, got %v", err)
	}
}

type funcStore struct {
	ensure func(ctx context.Context, player common.Address, nonce uint64, observedAt, cutoff time.Time) (bool, error)
	remove func(ctx context.Context, player common.Address, nonce uint64) error
}

func (f *funcStore) Ensure(ctx context.Context, player common.Address, nonce uint64, observedAt, cutoff time.Time) (bool, error) {
	return f.ensure(ctx, player, nonce, observedAt, cutoff)
}

func (f *funcStore) Remove(ctx context.Context, player common.Address, nonce uint64) error {
	if f.remove == nil {
		return nil
	}
	return f.remove(ctx, player, nonce)
}

func (f *funcStore) Recent(context.Context, time.Time) ([]Entry, error) { return nil, nil }

func (f *funcStore) Prune(context.Context, time.Time) error { return nil }

func (f *funcStore) Close() error { return nil }

func TestGuardAdmitRollsBackOnStoreFailure(t *testing.T) {
	broken := true
	store := &funcStore{
		ensure: func(context.Context, common.Address, uint64, time.Time, time.Time) (bool, error) {
			if broken {
				return false, errors.New("disk unavailable")
			}
			return false, nil
		},
	}
	guard, err := NewGuard(30*time.Minute, 1024, WithStore(store))
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	ctx := context.Background()
	player := testPlayer(6)

	if err := guard.Admit(ctx, player, 21); err == nil || errors.Is(err, ErrDuplicateNonce) {
		t.Fatalf("expected store failure, got %v", err)
	}

	// The failed admission left no reservation behind, so the client retry of
	// the same pair goes through once the store recovers.
	broken = false
	if err := guard.Admit(ctx, player, 21); err != nil {
		t.Fatalf("retry after store recovery rejected: %v", err)
	}
	if err := guard.Admit(ctx, player, 21); !errors.Is(err, ErrDuplicateNonce) {
		t.Fatalf("expected ErrDuplicateNonce after successful admit, got %v", err)
	}
}

func TestGuardReleaseReopensPair(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLevelDBStore(filepath.Join(dir, "replay"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	guard, err := NewGuard(30*time.Minute, 1024, WithStore(store))
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	ctx := context.Background()
	player := testPlayer(7)

	if err := guard.Admit(ctx, player, 33); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := guard.Release(ctx, player, 33); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := guard.Admit(ctx, player, 33); err != nil {
		t.Fatalf("admit after release rejected: %v", err)
	}

	// A second restart-warmed guard must not resurrect a released pair for a
	// different nonce either.
	if err := guard.Admit(ctx, player, 34); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := guard.Release(ctx, player, 34); err != nil {
		t.Fatalf("release: %v", err)
	}
	restarted, err := NewGuard(30*time.Minute, 1024, WithStore(store))
	if err != nil {
		t.Fatalf("new restarted guard: %v", err)
	}
	if err := restarted.Warm(ctx); err != nil {
		t.Fatalf("warm: %v", err)
	}
	if err := restarted.Admit(ctx, player, 34); err != nil {
		t.Fatalf("released pair still persisted across restart: %v", err)
	}
}

func TestGuardSurvivesRestartWithStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replay")
	now := time.Unix(1_750_000_000, 0)
	clock := func() time.Time { return now }
	ctx := context.Background()
	player := testPlayer(4)

	store, err := NewLevelDBStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	guard, err := NewGuard(30*time.Minute, 1024, WithStore(store), WithClock(clock))
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	if err := guard.Warm(ctx); err != nil {
		t.Fatalf("warm: %v", err)
	}
	if err := guard.Admit(ctx, player, 11); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	reopened, err := NewLevelDBStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	restarted, err := NewGuard(30*time.Minute, 1024, WithStore(reopened), WithClock(clock))
	if err != nil {
		t.Fatalf("new restarted guard: %v", err)
	}
	if err := restarted.Warm(ctx); err != nil {
		t.Fatalf("warm restarted: %v", err)
	}
	if err := restarted.Admit(ctx, player, 11); !errors.Is(err, ErrDuplicateNonce) {
		t.Fatalf("expected replay rejection after restart, got %v", err)
	}

	now = now.Add(31 * time.Minute)
	if err := restarted.Admit(ctx, player, 11); err != nil {
		t.Fatalf("expected acceptance after window expiry, got %v", err)
	}
}
