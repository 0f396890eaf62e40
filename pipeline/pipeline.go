package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bugiiiii11/swarm-resistance-backend/ledger"
	"github.com/bugiiiii11/swarm-resistance-backend/observability"
	"github.com/bugiiiii11/swarm-resistance-backend/replay"
	"github.com/bugiiiii11/swarm-resistance-backend/settle"
	"github.com/bugiiiii11/swarm-resistance-backend/submission"
)

// Status is the top-level outcome of a submission.
type Status string

const (
	StatusAccepted        Status = "accepted"
	StatusRejectedReplay  Status = "rejected_replay"
	StatusRejectedInvalid Status = "rejected_invalid"
	StatusDeferred        Status = "deferred"
)

// Reason codes attached to verdicts. Stable strings for metrics and clients.
const (
	ReasonPlayerMismatch      = "player_mismatch"
	ReasonPlayerFlagged       = "player_flagged"
	ReasonImplausibleCounters = "implausible_counters"
	ReasonCounterOutOfRange   = "counter_out_of_range"
	ReasonDuplicateNonce      = "duplicate_nonce"
	ReasonReplayUnavailable   = "replay_unavailable"
	ReasonLedgerUnavailable   = "ledger_unavailable"
)

// Verdict is what the caller learns about a submission. Accepted means the
// settlement is durably recorded and will be driven to a terminal state; it is
// not a promise the reward already landed on-chain.
type Verdict struct {
	Status       Status       `json:"status"`
	Reason       string       `json:"reason,omitempty"`
	SubmissionID string       `json:"submission_id,omitempty"`
	State        ledger.State `json:"state,omitempty"`
}

// Pipeline wires the decoder, replay guard, ledger, and settlement engine into
// the single entry point for score submissions.
type Pipeline struct {
	decoder *submission.Decoder
	guard   *replay.Guard
	store   *ledger.Store
	engine  *settle.Engine
	logger  *slog.Logger
	metrics *observability.PipelineMetrics
	now     func() time.Time
}

// Option customises the pipeline instance.
type Option func(*Pipeline)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithClock sets the function used to derive timestamps. Tests only.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New assembles the pipeline.
func New(decoder *submission.Decoder, guard *replay.Guard, store *ledger.Store, engine *settle.Engine, opts ...Option) *Pipeline {
	p := &Pipeline{
		decoder: decoder,
		guard:   guard,
		store:   store,
		engine:  engine,
		logger:  slog.Default(),
		metrics: observability.Pipeline(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit runs one encrypted payload through decode, verification, replay
// admission, and ledger recording. expectedPlayer, when non-zero, must match
// the player the payload was decoded for; it comes from the authenticated
// session, not from the payload.
func (p *Pipeline) Submit(ctx context.Context, ciphertext []byte, expectedPlayer common.Address) (Verdict, error) {
	start := p.now()
	verdict := p.submit(ctx, ciphertext, expectedPlayer)
	p.metrics.ObserveVerdict(string(verdict.Status), verdict.Reason, p.now().Sub(start))
	return verdict, nil
}

func (p *Pipeline) submit(ctx context.Context, ciphertext []byte, expectedPlayer common.Address) Verdict {
	counters, err := p.decoder.Decode(ciphertext)
	if err != nil {
		var derr *submission.DecodeError
		if errors.As(err, &derr) {
			p.metrics.RecordDecodeFailure(string(derr.Kind))
			p.logger.Info("submission rejected", "reason", string(derr.Kind))
			return Verdict{Status: StatusRejectedInvalid, Reason: string(derr.Kind)}
		}
		p.logger.Error("decoder unavailable", "error", err)
		return Verdict{Status: StatusDeferred, Reason: "decoder_unavailable"}
	}

	player := counters.Player
	if (expectedPlayer != common.Address{}) && player != expectedPlayer {
		p.logger.Warn("submission player mismatch", "player", player.Hex())
		return Verdict{Status: StatusRejectedInvalid, Reason: ReasonPlayerMismatch}
	}

	flagged, err := p.store.IsFlagged(ctx, player.Hex())
	if err != nil {
		return Verdict{Status: StatusDeferred, Reason: ReasonLedgerUnavailable}
	}
	if flagged {
		return Verdict{Status: StatusRejectedInvalid, Reason: ReasonPlayerFlagged}
	}

	if violations := submission.CheckPlausibility(counters); len(violations) > 0 {
		evidence := make([]string, 0, len(violations))
		for _, v := range violations {
			evidence = append(evidence, string(v))
		}
		if err := p.store.FlagPlayer(ctx, player.Hex(), ReasonImplausibleCounters, strings.Join(evidence, ",")); err != nil {
			p.logger.Error("flag player", "player", player.Hex(), "error", err)
		}
		p.logger.Warn("submission flagged", "player", player.Hex(), "violations", strings.Join(evidence, ","))
		return Verdict{Status: StatusRejectedInvalid, Reason: ReasonImplausibleCounters}
	}

	score, err := submission.ComputeScore(counters)
	if err != nil {
		return Verdict{Status: StatusRejectedInvalid, Reason: ReasonCounterOutOfRange}
	}
	submissionID := submission.ID(player, counters.Nonce, score)

	if err := p.guard.Admit(ctx, player, counters.Nonce); err != nil {
		if errors.Is(err, replay.ErrDuplicateNonce) {
			return Verdict{Status: StatusRejectedReplay, Reason: ReasonDuplicateNonce, SubmissionID: submissionID}
		}
		p.logger.Error("replay guard unavailable", "error", err)
		return Verdict{Status: StatusDeferred, Reason: ReasonReplayUnavailable, SubmissionID: submissionID}
	}

	record, created, err := p.store.GetOrCreate(ctx, ledger.SettlementRecord{
		SubmissionID: submissionID,
		Player:       strings.ToLower(player.Hex()),
		Nonce:        counters.Nonce,
		Score:        score,
		RewardWei:    settle.RewardWei(score).Dec(),
	})
	if err != nil {
		p.logger.Error("ledger unavailable", "submission", submissionID, "error", err)
		// Nothing was recorded, so the nonce reservation must not outlive
		// this attempt; the client is expected to retry the same payload.
		if rerr := p.guard.Release(ctx, player, counters.Nonce); rerr != nil {
			p.logger.Error("replay release failed", "submission", submissionID, "error", rerr)
		}
		return Verdict{Status: StatusDeferred, Reason: ReasonLedgerUnavailable, SubmissionID: submissionID}
	}
	if created {
		p.engine.Enqueue(submissionID)
		p.logger.Info("submission accepted",
			"submission", submissionID,
			"player", player.Hex(),
			"score", score,
		)
	}
	return Verdict{Status: StatusAccepted, SubmissionID: submissionID, State: record.State}
}

// Report handles an encrypted cheat report from the client. The reported
// player is flagged; the payload goes through the same envelope so reports
// cannot be forged for arbitrary addresses.
func (p *Pipeline) Report(ctx context.Context, ciphertext []byte, reporter common.Address) error {
	counters, err := p.decoder.Decode(ciphertext)
	if err != nil {
		return err
	}
	evidence := "reported_by=" + strings.ToLower(reporter.Hex())
	if err := p.store.FlagPlayer(ctx, counters.Player.Hex(), "client_report", evidence); err != nil {
		return err
	}
	p.logger.Warn("player reported", "player", counters.Player.Hex())
	return nil
}

// Status reports the settlement state for a previously accepted submission.
func (p *Pipeline) Status(ctx context.Context, submissionID string) (*ledger.SettlementRecord, error) {
	return p.store.Get(ctx, submissionID)
}
