package ledger

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// State tracks a settlement through its lifecycle. Confirmed, failed, and
// abandoned are terminal.
type State string

const (
	StatePending   State = "pending"
	StateSubmitted State = "submitted"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
	StateAbandoned State = "abandoned"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateFailed, StateAbandoned:
		return true
	default:
		return false
	}
}

// SettlementRecord is the durable unit of settlement. Rows are inserted once
// per submission identifier and never deleted; terminal rows remain for audit.
type SettlementRecord struct {
	SubmissionID string `gorm:"primaryKey;size:64"`
	Player       string `gorm:"size:42;index"`
	Nonce        uint64
	Score        uint64 `gorm:"index"`
	RewardWei    string `gorm:"size:80"`
	State        State  `gorm:"size:16;index"`
	TxHash       string `gorm:"size:66"`
	TxNonce      uint64
	Attempts     uint32
	LastError    string
	CreatedAt    time.Time
	// The store stamps this from its injected clock; disable GORM's
	// UpdatedAt convention so Save does not overwrite it with wall-clock time.
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

// SettlementEvent is an append-only audit row recorded for every transition.
type SettlementEvent struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	SubmissionID string    `gorm:"size:64;index"`
	Action       string    `gorm:"size:32"`
	Details      string
	CreatedAt    time.Time
}

// FlaggedPlayer records an address caught by the plausibility checks. Flagged
// players are rejected before any settlement work happens.
type FlaggedPlayer struct {
	Player    string `gorm:"primaryKey;size:42"`
	Reason    string `gorm:"size:128"`
	Evidence  string
	Hits      uint32
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AutoMigrate creates or updates the ledger schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&SettlementRecord{},
		&SettlementEvent{},
		&FlaggedPlayer{},
	)
}
