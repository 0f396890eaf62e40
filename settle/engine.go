package settle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bugiiiii11/swarm-resistance-backend/chain"
	"github.com/bugiiiii11/swarm-resistance-backend/ledger"
	"github.com/bugiiiii11/swarm-resistance-backend/observability"
)

// Client is the chain surface the engine drives.
type Client interface {
	SubmitReward(ctx context.Context, player common.Address, amountWei *big.Int, submissionID string) (common.Hash, uint64, error)
	ReceiptStatus(ctx context.Context, txHash common.Hash) (chain.ReceiptState, error)
	ConfirmedAbsent(ctx context.Context, txNonce uint64, txHash common.Hash) (bool, error)
}

// Config tunes the settlement state machine.
type Config struct {
	RetryCap     uint32
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	PollInterval time.Duration
	PollTimeout  time.Duration
	Workers      int
}

func (c *Config) normalize() {
	if c.RetryCap == 0 {
		c.RetryCap = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 6 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 3 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
}

// Engine drives ledger records to a terminal state by submitting reward
// transactions and watching their receipts. Every transition is persisted
// before the engine acts on it, so a crash mid-settlement is recovered by
// Resume without double paying.
type Engine struct {
	store   *ledger.Store
	client  Client
	cfg     Config
	queue   *Queue
	logger  *slog.Logger
	metrics *observability.SettlementMetrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// EngineOption customises the engine instance.
type EngineOption func(*Engine)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithQueueCapacity bounds the settlement work queue.
func WithQueueCapacity(capacity int) EngineOption {
	return func(e *Engine) { e.queue = NewQueue(capacity) }
}

// WithClock sets the function used to derive timestamps. Tests only.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithSleep overrides the backoff and poll sleeper. Tests only.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) EngineOption {
	return func(e *Engine) { e.sleep = sleep }
}

// NewEngine builds a settlement engine over the ledger store and chain client.
func NewEngine(store *ledger.Store, client Client, cfg Config, opts ...EngineOption) *Engine {
	cfg.normalize()
	e := &Engine{
		store:   store,
		client:  client,
		cfg:     cfg,
		queue:   NewQueue(0),
		logger:  slog.Default(),
		metrics: observability.Settlement(),
		now:     time.Now,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enqueue schedules a submission for settlement. Never blocks.
func (e *Engine) Enqueue(submissionID string) {
	e.queue.Enqueue(submissionID)
}

// Run starts the worker pool and blocks until the context ends.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, ok := e.queue.Dequeue(ctx)
				if !ok {
					return
				}
				if err := e.Settle(ctx, id); err != nil {
					e.logger.Error("settlement aborted", "submission", id, "error", err)
				}
			}
		}()
	}
	wg.Wait()
}

// Resume re-enqueues every unfinished ledger record. Call once on startup
// before accepting new submissions.
func (e *Engine) Resume(ctx context.Context) error {
	records, err := e.store.Unfinished(ctx)
	if err != nil {
		return fmt.Errorf("settle: resume: %w", err)
	}
	e.metrics.SetUnfinished(len(records))
	for _, record := range records {
		e.Enqueue(record.SubmissionID)
	}
	if len(records) > 0 {
		e.logger.Info("resuming unfinished settlements", "count", len(records))
	}
	return nil
}

// Settle drives one record until it reaches a terminal state or the context
// ends. Safe to call for records another worker already finished.
func (e *Engine) Settle(ctx context.Context, submissionID string) error {
	record, err := e.store.Get(ctx, submissionID)
	if err != nil {
		return err
	}
	start := e.now()
	for !record.State.Terminal() {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch record.State {
		case ledger.StatePending:
			record, err = e.submit(ctx, record)
		case ledger.StateSubmitted:
			record, err = e.await(ctx, record)
		default:
			return fmt.Errorf("settle: unexpected state %s for %s", record.State, submissionID)
		}
		if err != nil {
			return err
		}
	}
	e.metrics.ObserveTerminal(string(record.State), e.now().Sub(start))
	e.logger.Info("settlement finished",
		"submission", record.SubmissionID,
		"state", record.State,
		"attempts", record.Attempts,
		"tx", record.TxHash,
	)
	return nil
}

// submit broadcasts the reward transaction. It handles both the first attempt
// from pending and resubmission from submitted once the prior transaction is
// confirmed absent.
func (e *Engine) submit(ctx context.Context, record *ledger.SettlementRecord) (*ledger.SettlementRecord, error) {
	if record.Attempts >= e.cfg.RetryCap {
		updated, err := e.store.UpdateState(ctx, record.SubmissionID, ledger.StateAbandoned, func(r *ledger.SettlementRecord) {
			r.LastError = fmt.Sprintf("retry cap %d exhausted", e.cfg.RetryCap)
		})
		if err != nil {
			return nil, err
		}
		e.metrics.RecordTransition(string(ledger.StateAbandoned))
		e.logger.Warn("settlement abandoned",
			"submission", record.SubmissionID,
			"attempts", record.Attempts,
		)
		return updated, nil
	}

	amount, err := ParseRewardWei(record.RewardWei)
	if err != nil {
		return nil, err
	}
	player := common.HexToAddress(record.Player)
	attempt := record.Attempts + 1

	txHash, txNonce, err := e.client.SubmitReward(ctx, player, amount, record.SubmissionID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// A permanently rejected call never lands; retrying burns budget for
		// nothing, so the record fails outright.
		if chain.IsPermanent(err) {
			updated, uerr := e.store.UpdateState(ctx, record.SubmissionID, ledger.StateFailed, func(r *ledger.SettlementRecord) {
				r.Attempts = attempt
				r.LastError = err.Error()
			})
			if uerr != nil {
				return nil, uerr
			}
			e.metrics.RecordTransition(string(ledger.StateFailed))
			e.logger.Error("reward submit rejected",
				"submission", record.SubmissionID,
				"attempt", attempt,
				"error", err,
			)
			return updated, nil
		}
		updated, uerr := e.store.UpdateState(ctx, record.SubmissionID, record.State, func(r *ledger.SettlementRecord) {
			r.Attempts = attempt
			r.LastError = err.Error()
		})
		if uerr != nil {
			return nil, uerr
		}
		e.metrics.RecordRetry()
		e.logger.Warn("reward submit failed",
			"submission", record.SubmissionID,
			"attempt", attempt,
			"error", err,
		)
		if serr := e.sleep(ctx, e.backoff(attempt)); serr != nil {
			return nil, serr
		}
		return updated, nil
	}

	updated, err := e.store.UpdateState(ctx, record.SubmissionID, ledger.StateSubmitted, func(r *ledger.SettlementRecord) {
		r.TxHash = txHash.Hex()
		r.TxNonce = txNonce
		r.Attempts = attempt
		r.LastError = ""
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RecordTransition(string(ledger.StateSubmitted))
	e.logger.Info("reward submitted",
		"submission", record.SubmissionID,
		"tx", txHash.Hex(),
		"nonce", txNonce,
		"attempt", attempt,
	)
	return updated, nil
}

// await polls for the transaction receipt. A reverted receipt fails the
// settlement; a transaction proven absent is handed back for resubmission.
func (e *Engine) await(ctx context.Context, record *ledger.SettlementRecord) (*ledger.SettlementRecord, error) {
	txHash := common.HexToHash(record.TxHash)
	deadline := e.now().Add(e.cfg.PollTimeout)
	for {
		state, err := e.client.ReceiptStatus(ctx, txHash)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			e.logger.Warn("receipt poll failed",
				"submission", record.SubmissionID,
				"tx", record.TxHash,
				"error", err,
			)
		} else {
			switch state {
			case chain.ReceiptSuccess:
				updated, err := e.store.UpdateState(ctx, record.SubmissionID, ledger.StateConfirmed, func(r *ledger.SettlementRecord) {
					r.LastError = ""
				})
				if err != nil {
					return nil, err
				}
				e.metrics.RecordTransition(string(ledger.StateConfirmed))
				return updated, nil
			case chain.ReceiptReverted:
				updated, err := e.store.UpdateState(ctx, record.SubmissionID, ledger.StateFailed, func(r *ledger.SettlementRecord) {
					r.LastError = "transaction reverted"
				})
				if err != nil {
					return nil, err
				}
				e.metrics.RecordTransition(string(ledger.StateFailed))
				return updated, nil
			}
		}

		if !e.now().Before(deadline) {
			absent, aerr := e.client.ConfirmedAbsent(ctx, record.TxNonce, txHash)
			if aerr != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				e.logger.Warn("absence check failed",
					"submission", record.SubmissionID,
					"error", aerr,
				)
			} else if absent {
				// The transaction can never land; resubmitting is safe.
				e.logger.Warn("transaction confirmed absent, resubmitting",
					"submission", record.SubmissionID,
					"tx", record.TxHash,
				)
				return e.submit(ctx, record)
			}
			deadline = e.now().Add(e.cfg.PollTimeout)
		}

		if err := e.sleep(ctx, e.cfg.PollInterval); err != nil {
			return nil, err
		}
	}
}

func (e *Engine) backoff(attempt uint32) time.Duration {
	d := e.cfg.BackoffBase
	for i := uint32(1); i < attempt; i++ {
		d *= 2
		if d >= e.cfg.BackoffCap {
			return e.cfg.BackoffCap
		}
	}
	if d > e.cfg.BackoffCap {
		return e.cfg.BackoffCap
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
