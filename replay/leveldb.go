package replay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	nonceKeyPrefix    = "nonce:"
	observedKeyPrefix = "observed:"
)

// LevelDBStore is a LevelDB-backed Store implementation.
type LevelDBStore struct {
	db *leveldb.DB
}

// NewLevelDBStore opens (or creates) a LevelDB database at the provided path.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb replay store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb replay path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb replay store: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (s *LevelDBStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ensure records the observation if the pair has not been seen at or after the
// cutoff. It reports whether the pair was already present inside the window.
func (s *LevelDBStore) Ensure(ctx context.Context, player common.Address, nonce uint64, observedAt, cutoff time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("leveldb replay store not configured")
	}
	observed := observedAt.UTC()
	composite := compositeKey(player, nonce)
	nonceKey := []byte(nonceKeyPrefix + composite)

	batch := new(leveldb.Batch)
	existingVal, err := s.db.Get(nonceKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("load nonce: %w", err)
	default:
		existing := int64(binary.BigEndian.Uint64(existingVal))
		if existing >= cutoff.UTC().UnixNano() {
			return true, nil
		}
		// Fell out of the window; overwrite as a fresh observation.
		batch.Delete([]byte(observedKey(existing, composite)))
	}

	nanos := observed.UnixNano()
	batch.Put(nonceKey, encodeUnixNano(nanos))
	batch.Put([]byte(observedKey(nanos, composite)), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// Remove deletes a recorded observation so the pair can be admitted again.
func (s *LevelDBStore) Remove(ctx context.Context, player common.Address, nonce uint64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("leveldb replay store not configured")
	}
	composite := compositeKey(player, nonce)
	nonceKey := []byte(nonceKeyPrefix + composite)
	existingVal, err := s.db.Get(nonceKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load nonce: %w", err)
	}
	nanos := int64(binary.BigEndian.Uint64(existingVal))
	batch := new(leveldb.Batch)
	batch.Delete(nonceKey)
	batch.Delete([]byte(observedKey(nanos, composite)))
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("remove nonce: %w", err)
	}
	return nil
}

// Recent returns persisted observations at or after the provided cutoff.
func (s *LevelDBStore) Recent(ctx context.Context, cutoff time.Time) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("leveldb replay store not configured")
	}
	cutoffKey := []byte(observedKey(cutoff.UTC().UnixNano(), ""))
	iter := s.db.NewIterator(util.BytesPrefix([]byte(observedKeyPrefix)), nil)
	defer iter.Release()

	entries := make([]Entry, 0)
	for ok := iter.Seek(cutoffKey); ok; ok = iter.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		composite, nanos, ok := parseObservedKey(iter.Key())
		if !ok {
			continue
		}
		player, nonce, ok := parseCompositeKey(composite)
		if !ok {
			continue
		}
		entries = append(entries, Entry{
			Player:     player,
			Nonce:      nonce,
			ObservedAt: time.Unix(0, nanos).UTC(),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate observed nonces: %w", err)
	}
	return entries, nil
}

// Prune deletes observations recorded before the provided cutoff.
func (s *LevelDBStore) Prune(ctx context.Context, cutoff time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("leveldb replay store not configured")
	}
	cutoffKey := observedKey(cutoff.UTC().UnixNano(), "")
	iter := s.db.NewIterator(util.BytesPrefix([]byte(observedKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if string(iter.Key()) >= cutoffKey {
			break
		}
		composite, _, ok := parseObservedKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(nonceKeyPrefix + composite))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate observed nonces: %w", err)
	}
	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return fmt.Errorf("prune nonces: %w", err)
		}
	}
	return nil
}

func observedKey(nanos int64, composite string) string {
	return fmt.Sprintf("%s%020d:%s", observedKeyPrefix, nanos, composite)
}

func parseObservedKey(key []byte) (string, int64, bool) {
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) != 3 {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[2], nanos, true
}

func encodeUnixNano(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}

func compositeKey(player common.Address, nonce uint64) string {
	return strings.ToLower(player.Hex()) + "|" + strconv.FormatUint(nonce, 10)
}

func parseCompositeKey(composite string) (common.Address, uint64, bool) {
	addr, rest, found := strings.Cut(composite, "|")
	if !found || !common.IsHexAddress(addr) {
		return common.Address{}, 0, false
	}
	nonce, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return common.Address{}, 0, false
	}
	return common.HexToAddress(addr), nonce, true
}
