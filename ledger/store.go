package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidTransition is returned when a state change is not allowed by the
// transition table, including any attempt to leave a terminal state.
var ErrInvalidTransition = errors.New("ledger: invalid state transition")

// ErrNotFound is returned when no settlement row exists for the identifier.
var ErrNotFound = errors.New("ledger: settlement not found")

var allowedTransitions = map[State]map[State]bool{
	StatePending: {
		// Self-transition records a failed submit attempt.
		StatePending:   true,
		StateSubmitted: true,
		StateFailed:    true,
		StateAbandoned: true,
	},
	StateSubmitted: {
		// Self-transition covers resubmission with a fresh transaction.
		StateSubmitted: true,
		StateConfirmed: true,
		StateFailed:    true,
		StateAbandoned: true,
	},
}

// Store provides idempotent, transition-checked access to the settlement
// ledger. All writes go through row-locked transactions so concurrent workers
// observe each other's transitions.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// StoreOption customises the store instance.
type StoreOption func(*Store)

// WithClock sets the function used to derive timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore wraps the provided database handle.
func NewStore(db *gorm.DB, opts ...StoreOption) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate inserts the record in the pending state if no row exists for its
// submission identifier, and returns the canonical row either way. The second
// return reports whether this call created the row.
func (s *Store) GetOrCreate(ctx context.Context, record SettlementRecord) (*SettlementRecord, bool, error) {
	if strings.TrimSpace(record.SubmissionID) == "" {
		return nil, false, fmt.Errorf("ledger: submission id required")
	}
	now := s.now().UTC()
	record.State = StatePending
	record.CreatedAt = now
	record.UpdatedAt = now

	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "submission_id"}},
			DoNothing: true,
		}).Create(&record)
		if res.Error != nil {
			return fmt.Errorf("insert settlement: %w", res.Error)
		}
		created = res.RowsAffected > 0
		if created {
			return appendEvent(tx, record.SubmissionID, "created", "state="+string(StatePending), now)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	var canonical SettlementRecord
	if err := s.db.WithContext(ctx).First(&canonical, "submission_id = ?", record.SubmissionID).Error; err != nil {
		return nil, false, fmt.Errorf("load settlement: %w", err)
	}
	return &canonical, created, nil
}

// Get returns the settlement row for the identifier.
func (s *Store) Get(ctx context.Context, submissionID string) (*SettlementRecord, error) {
	var record SettlementRecord
	err := s.db.WithContext(ctx).First(&record, "submission_id = ?", submissionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load settlement: %w", err)
	}
	return &record, nil
}

// UpdateState moves the record to the target state under a row lock. The
// mutate callback runs inside the transaction after the transition check and
// may adjust transaction metadata on the locked row. The transition and the
// audit event are persisted atomically before the updated row is returned.
func (s *Store) UpdateState(ctx context.Context, submissionID string, to State, mutate func(*SettlementRecord)) (*SettlementRecord, error) {
	var updated SettlementRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record SettlementRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&record, "submission_id = ?", submissionID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load settlement: %w", err)
		}
		if !allowedTransitions[record.State][to] {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.State, to)
		}
		from := record.State
		if mutate != nil {
			mutate(&record)
		}
		record.SubmissionID = submissionID
		record.State = to
		record.UpdatedAt = s.now().UTC()
		if err := tx.Save(&record).Error; err != nil {
			return fmt.Errorf("persist transition: %w", err)
		}
		details := fmt.Sprintf("state=%s from=%s attempts=%d", to, from, record.Attempts)
		if record.TxHash != "" {
			details += " tx=" + record.TxHash
		}
		if err := appendEvent(tx, submissionID, "transition", details, record.UpdatedAt); err != nil {
			return err
		}
		updated = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Unfinished lists records still in a non-terminal state, oldest first. Used
// to re-drive settlement after a restart.
func (s *Store) Unfinished(ctx context.Context) ([]SettlementRecord, error) {
	var records []SettlementRecord
	err := s.db.WithContext(ctx).
		Where("state IN ?", []State{StatePending, StateSubmitted}).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list unfinished settlements: %w", err)
	}
	return records, nil
}

// Confirmed lists confirmed settlements updated inside the window, used by
// reconciliation.
func (s *Store) Confirmed(ctx context.Context, from, to time.Time) ([]SettlementRecord, error) {
	var records []SettlementRecord
	err := s.db.WithContext(ctx).
		Where("state = ? AND updated_at >= ? AND updated_at < ?", StateConfirmed, from.UTC(), to.UTC()).
		Order("updated_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list confirmed settlements: %w", err)
	}
	return records, nil
}

// Stale lists non-terminal records not touched since the cutoff, used by
// reconciliation to surface stuck settlements.
func (s *Store) Stale(ctx context.Context, cutoff time.Time) ([]SettlementRecord, error) {
	var records []SettlementRecord
	err := s.db.WithContext(ctx).
		Where("state IN ? AND updated_at < ?", []State{StatePending, StateSubmitted}, cutoff.UTC()).
		Order("updated_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list stale settlements: %w", err)
	}
	return records, nil
}

// Abandoned lists abandoned settlements updated inside the window.
func (s *Store) Abandoned(ctx context.Context, from, to time.Time) ([]SettlementRecord, error) {
	var records []SettlementRecord
	err := s.db.WithContext(ctx).
		Where("state = ? AND updated_at >= ? AND updated_at < ?", StateAbandoned, from.UTC(), to.UTC()).
		Order("updated_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list abandoned settlements: %w", err)
	}
	return records, nil
}

// Leaderboard returns the highest confirmed scores, one row per player.
func (s *Store) Leaderboard(ctx context.Context, limit int) ([]SettlementRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	var records []SettlementRecord
	err := s.db.WithContext(ctx).
		Where("state = ?", StateConfirmed).
		Order("score DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("load leaderboard: %w", err)
	}
	return records, nil
}

// FlagPlayer records (or bumps) an anti-cheat flag for the address.
func (s *Store) FlagPlayer(ctx context.Context, player, reason, evidence string) error {
	now := s.now().UTC()
	flag := FlaggedPlayer{
		Player:    strings.ToLower(player),
		Reason:    reason,
		Evidence:  evidence,
		Hits:      1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "player"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"reason":     reason,
			"evidence":   evidence,
			"hits":       gorm.Expr("hits + 1"),
			"updated_at": now,
		}),
	}).Create(&flag).Error
	if err != nil {
		return fmt.Errorf("flag player: %w", err)
	}
	return nil
}

// IsFlagged reports whether the address has an anti-cheat flag.
func (s *Store) IsFlagged(ctx context.Context, player string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&FlaggedPlayer{}).
		Where("player = ?", strings.ToLower(player)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check flag: %w", err)
	}
	return count > 0, nil
}

// Events lists the audit trail for the identifier, oldest first.
func (s *Store) Events(ctx context.Context, submissionID string) ([]SettlementEvent, error) {
	var events []SettlementEvent
	err := s.db.WithContext(ctx).
		Where("submission_id = ?", submissionID).
		Order("created_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("load settlement events: %w", err)
	}
	return events, nil
}

func appendEvent(tx *gorm.DB, submissionID, action, details string, at time.Time) error {
	event := SettlementEvent{
		ID:           uuid.New(),
		SubmissionID: submissionID,
		Action:       action,
		Details:      details,
		CreatedAt:    at,
	}
	if err := tx.Create(&event).Error; err != nil {
		return fmt.Errorf("append settlement event: %w", err)
	}
	return nil
}
