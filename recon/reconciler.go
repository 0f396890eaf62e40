package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/bugiiiii11/swarm-resistance-backend/chain"
	"github.com/bugiiiii11/swarm-resistance-backend/ledger"
	"github.com/bugiiiii11/swarm-resistance-backend/settle"
)

// Anomaly types emitted by the reconciler.
const (
	AnomalyReceiptMismatch  = "receipt_mismatch"
	AnomalyRewardMismatch   = "reward_mismatch"
	AnomalyStaleSettlement  = "stale_settlement"
	AnomalyAbandonedBacklog = "abandoned_backlog"
)

// Verifier exposes the receipt lookup the reconciler needs to cross-check
// confirmed settlements against the chain.
type Verifier interface {
	ReceiptStatus(ctx context.Context, txHash common.Hash) (chain.ReceiptState, error)
}

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Store      *ledger.Store
	Verifier   Verifier
	TZ         *time.Location
	OutputDir  string
	StaleAfter time.Duration
	DryRun     bool
	Now        func() time.Time
	Alert      AlertFunc
	Logger     *slog.Logger
}

// RunOptions specifies overrides when executing a reconciliation window.
type RunOptions struct {
	Start  time.Time
	End    time.Time
	DryRun bool
}

// Anomaly captures a reconciliation failure requiring operator review.
type Anomaly struct {
	Type         string
	SubmissionID string
	Player       string
	TxHash       string
	Details      string
}

// ReportRow summarises reconciliation status for a single settlement.
type ReportRow struct {
	SubmissionID    string
	Player          string
	Score           uint64
	RewardWei       string
	State           string
	TxHash          string
	Attempts        uint32
	ReceiptState    string
	ReceiptMismatch bool
	RewardMismatch  bool
	Stale           bool
	CreatedAt       time.Time
	SettledAt       time.Time
	SettleLatency   time.Duration
}

// ReportFile references the CSV and Parquet artefacts written for a run.
type ReportFile struct {
	CSVPath     string
	ParquetPath string
	Count       int
}

// Result summarises a reconciliation run.
type Result struct {
	Start     time.Time
	End       time.Time
	Rows      []*ReportRow
	Files     []ReportFile
	Anomalies []Anomaly
	Totals    map[string]int
}

// Reconciler cross-checks the settlement ledger against on-chain receipts and
// materialises audit reports.
type Reconciler struct {
	store      *ledger.Store
	verifier   Verifier
	tz         *time.Location
	outputDir  string
	staleAfter time.Duration
	dryRun     bool
	now        func() time.Time
	alert      AlertFunc
	logger     *slog.Logger
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("recon: ledger store is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("recon: chain verifier is required")
	}
	if cfg.TZ == nil {
		cfg.TZ = time.UTC
	}
	outputDir := cfg.OutputDir
	if strings.TrimSpace(outputDir) == "" {
		outputDir = "recon-reports"
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(context.Context, Anomaly) error { return nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().In(cfg.TZ) }
	}
	return &Reconciler{
		store:      cfg.Store,
		verifier:   cfg.Verifier,
		tz:         cfg.TZ,
		outputDir:  outputDir,
		staleAfter: staleAfter,
		dryRun:     cfg.DryRun,
		now:        nowFn,
		alert:      alert,
		logger:     logger,
	}, nil
}

// Run executes reconciliation for the supplied window.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	start := opts.Start.In(r.tz)
	end := opts.End.In(r.tz)
	if end.Before(start) {
		return nil, fmt.Errorf("recon: end before start")
	}
	dryRun := r.dryRun || opts.DryRun
	now := r.now()

	confirmed, err := r.store.Confirmed(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("recon: load confirmed settlements: %w", err)
	}
	stale, err := r.store.Stale(ctx, now.Add(-r.staleAfter))
	if err != nil {
		return nil, fmt.Errorf("recon: load stale settlements: %w", err)
	}
	abandoned, err := r.store.Abandoned(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("recon: load abandoned settlements: %w", err)
	}

	rows := make([]*ReportRow, 0, len(confirmed)+len(stale)+len(abandoned))
	anomalies := make([]Anomaly, 0)
	totals := make(map[string]int)

	for i := range confirmed {
		record := &confirmed[i]
		row := newRow(record, r.tz)
		totals[row.State]++

		receiptState, err := r.receiptState(ctx, record)
		if err != nil {
			return nil, fmt.Errorf("recon: receipt for %s: %w", record.SubmissionID, err)
		}
		row.ReceiptState = string(receiptState)
		if receiptState != chain.ReceiptSuccess {
			row.ReceiptMismatch = true
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:         AnomalyReceiptMismatch,
				SubmissionID: record.SubmissionID,
				Player:       record.Player,
				TxHash:       record.TxHash,
				Details:      fmt.Sprintf("ledger confirmed but receipt is %s", receiptState),
			}))
		}

		if record.RewardWei != settle.RewardWei(record.Score).Dec() {
			row.RewardMismatch = true
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:         AnomalyRewardMismatch,
				SubmissionID: record.SubmissionID,
				Player:       record.Player,
				TxHash:       record.TxHash,
				Details:      fmt.Sprintf("recorded reward %s does not match score %d", record.RewardWei, record.Score),
			}))
		}
		rows = append(rows, row)
	}

	for i := range stale {
		record := &stale[i]
		row := newRow(record, r.tz)
		row.Stale = true
		totals[row.State]++
		anomalies = append(anomalies, r.raise(ctx, Anomaly{
			Type:         AnomalyStaleSettlement,
			SubmissionID: record.SubmissionID,
			Player:       record.Player,
			TxHash:       record.TxHash,
			Details:      fmt.Sprintf("state %s since %s", record.State, record.UpdatedAt.In(r.tz).Format(time.RFC3339)),
		}))
		rows = append(rows, row)
	}

	for i := range abandoned {
		record := &abandoned[i]
		row := newRow(record, r.tz)
		totals[row.State]++
		anomalies = append(anomalies, r.raise(ctx, Anomaly{
			Type:         AnomalyAbandonedBacklog,
			SubmissionID: record.SubmissionID,
			Player:       record.Player,
			TxHash:       record.TxHash,
			Details:      fmt.Sprintf("abandoned after %d attempts: %s", record.Attempts, record.LastError),
		}))
		rows = append(rows, row)
	}

	files := make([]ReportFile, 0, 1)
	if !dryRun && len(rows) > 0 {
		runDir := filepath.Join(r.outputDir, fmt.Sprintf("%s_%s", start.Format("20060102"), end.Format("20060102")))
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return nil, fmt.Errorf("recon: ensure output dir: %w", err)
		}
		csvPath := filepath.Join(runDir, "settlements.csv")
		if err := writeCSV(csvPath, rows); err != nil {
			return nil, err
		}
		parquetPath := filepath.Join(runDir, "settlements.parquet")
		if err := writeParquet(parquetPath, rows); err != nil {
			return nil, err
		}
		r.logger.Info("reconciliation report written", "count", len(rows))
		files = append(files, ReportFile{CSVPath: csvPath, ParquetPath: parquetPath, Count: len(rows)})
	}

	return &Result{Start: start, End: end, Rows: rows, Files: files, Anomalies: anomalies, Totals: totals}, nil
}

func (r *Reconciler) receiptState(ctx context.Context, record *ledger.SettlementRecord) (chain.ReceiptState, error) {
	if strings.TrimSpace(record.TxHash) == "" {
		return chain.ReceiptNotFound, nil
	}
	return r.verifier.ReceiptStatus(ctx, common.HexToHash(record.TxHash))
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	if r.alert != nil {
		if err := r.alert(ctx, anomaly); err != nil {
			r.logger.Error("anomaly alert delivery failed", "error", err)
		}
	}
	return anomaly
}

func newRow(record *ledger.SettlementRecord, tz *time.Location) *ReportRow {
	row := &ReportRow{
		SubmissionID: record.SubmissionID,
		Player:       record.Player,
		Score:        record.Score,
		RewardWei:    record.RewardWei,
		State:        string(record.State),
		TxHash:       record.TxHash,
		Attempts:     record.Attempts,
		CreatedAt:    record.CreatedAt.In(tz),
	}
	if record.State.Terminal() {
		row.SettledAt = record.UpdatedAt.In(tz)
		if row.SettledAt.After(row.CreatedAt) {
			row.SettleLatency = row.SettledAt.Sub(row.CreatedAt)
		}
	}
	return row
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"submission_id", "player", "score", "reward_wei", "state", "tx_hash", "attempts",
		"receipt_state", "receipt_mismatch", "reward_mismatch", "stale",
		"created_at", "settled_at", "settle_latency_minutes",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.SubmissionID,
			row.Player,
			strconv.FormatUint(row.Score, 10),
			row.RewardWei,
			row.State,
			row.TxHash,
			strconv.FormatUint(uint64(row.Attempts), 10),
			row.ReceiptState,
			boolString(row.ReceiptMismatch),
			boolString(row.RewardMismatch),
			boolString(row.Stale),
			row.CreatedAt.Format(time.RFC3339),
			formatTime(row.SettledAt),
			formatMinutes(row.SettleLatency),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	SubmissionID         string  `parquet:"name=submission_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Player               string  `parquet:"name=player, type=BYTE_ARRAY, convertedtype=UTF8"`
	Score                int64   `parquet:"name=score, type=INT64"`
	RewardWei            string  `parquet:"name=reward_wei, type=BYTE_ARRAY, convertedtype=UTF8"`
	State                string  `parquet:"name=state, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxHash               string  `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attempts             int32   `parquet:"name=attempts, type=INT32"`
	ReceiptState         string  `parquet:"name=receipt_state, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReceiptMismatch      bool    `parquet:"name=receipt_mismatch, type=BOOLEAN"`
	RewardMismatch       bool    `parquet:"name=reward_mismatch, type=BOOLEAN"`
	Stale                bool    `parquet:"name=stale, type=BOOLEAN"`
	CreatedAt            string  `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettledAt            string  `parquet:"name=settled_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettleLatencyMinutes float64 `parquet:"name=settle_latency_minutes, type=DOUBLE"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			SubmissionID:         row.SubmissionID,
			Player:               row.Player,
			Score:                int64(row.Score),
			RewardWei:            row.RewardWei,
			State:                row.State,
			TxHash:               row.TxHash,
			Attempts:             int32(row.Attempts),
			ReceiptState:         row.ReceiptState,
			ReceiptMismatch:      row.ReceiptMismatch,
			RewardMismatch:       row.RewardMismatch,
			Stale:                row.Stale,
			CreatedAt:            row.CreatedAt.Format(time.RFC3339),
			SettledAt:            formatTime(row.SettledAt),
			SettleLatencyMinutes: minutesFloat(row.SettleLatency),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func minutesFloat(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Minutes()
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func formatMinutes(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return fmt.Sprintf("%.2f", d.Minutes())
}
