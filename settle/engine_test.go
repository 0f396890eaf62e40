package settle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bugiiiii11/swarm-resistance-backend/chain"
	"github.com/bugiiiii11/swarm-resistance-backend/ledger"
)

type funcClient struct {
	submitReward    func(ctx context.Context, player common.Address, amountWei *big.Int, submissionID string) (common.Hash, uint64, error)
	receiptStatus   func(ctx context.Context, txHash common.Hash) (chain.ReceiptState, error)
	confirmedAbsent func(ctx context.Context, txNonce uint64, txHash common.Hash) (bool, error)
}

func (f *funcClient) SubmitReward(ctx context.Context, player common.Address, amountWei *big.Int, submissionID string) (common.Hash, uint64, error) {
	return f.submitReward(ctx, player, amountWei, submissionID)
}

func (f *funcClient) ReceiptStatus(ctx context.Context, txHash common.Hash) (chain.ReceiptState, error) {
	return f.receiptStatus(ctx, txHash)
}

func (f *funcClient) ConfirmedAbsent(ctx context.Context, txNonce uint64, txHash common.Hash) (bool, error) {
	return f.confirmedAbsent(ctx, txNonce, txHash)
}

type testHarness struct {
	store  *ledger.Store
	engine *Engine
	client *funcClient
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := ledger.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	var mu sync.Mutex
	now := time.Unix(1_750_000_000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	sleep := func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
		return nil
	}

	client := &funcClient{
		submitReward: func(context.Context, common.Address, *big.Int, string) (common.Hash, uint64, error) {
			return common.Hash{0x01}, 1, nil
		},
		receiptStatus: func(context.Context, common.Hash) (chain.ReceiptState, error) {
			return chain.ReceiptSuccess, nil
		},
		confirmedAbsent: func(context.Context, uint64, common.Hash) (bool, error) {
			return false, nil
		},
	}
	store := ledger.NewStore(db)
	engine := NewEngine(store, client, cfg, WithClock(clock), WithSleep(sleep))
	return &testHarness{store: store, engine: engine, client: client}
}

func (h *testHarness) createRecord(t *testing.T, id string) {
	t.Helper()
	_, _, err := h.store.GetOrCreate(context.Background(), ledger.SettlementRecord{
		SubmissionID: id,
		Player:       "0x9ab3c47f1f1c3d2e85b1a9e0cb64f2a4d7e8b901",
		Nonce:        42,
		Score:        3955270456,
		RewardWei:    RewardWei(3955270456).Dec(),
	})
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
}

func TestSettleHappyPath(t *testing.T) {
	h := newHarness(t, Config{})
	h.createRecord(t, "sub-1")

	if err := h.engine.Settle(context.Background(), "sub-1"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	record, err := h.store.Get(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.State != ledger.StateConfirmed {
		t.Fatalf("state = %s, want %s", record.State, ledger.StateConfirmed)
	}
	if record.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", record.Attempts)
	}
	if record.TxHash == "" {
		t.Fatalf("tx hash not recorded")
	}
}

func TestSettleRetriesTransientSubmitErrors(t *testing.T) {
	h := newHarness(t, Config{RetryCap: 5})
	h.createRecord(t, "sub-1")

	calls := 0
	h.client.submitReward = func(context.Context, common.Address, *big.Int, string) (common.Hash, uint64, error) {
		calls++
		if calls <= 3 {
			return common.Hash{}, 0, fmt.Errorf("rpc timeout")
		}
		return common.Hash{0x02}, 9, nil
	}

	if err := h.engine.Settle(context.Background(), "sub-1"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	record, err := h.store.Get(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.State != ledger.StateConfirmed {
		t.Fatalf("state = %s, want %s", record.State, ledger.StateConfirmed)
	}
	if record.Attempts != 4 {
		t.Fatalf("attempts = %d, want 4", record.Attempts)
	}
}

func TestSettleAbandonsAtRetryCap(t *testing.T) {
	h := newHarness(t, Config{RetryCap: 5})
	h.createRecord(t, "sub-1")

	calls := 0
	h.client.submitReward = func(context.Context, common.Address, *big.Int, string) (common.Hash, uint64, error) {
		calls++
		return common.Hash{}, 0, fmt.Errorf("rpc timeout")
	}

	if err := h.engine.Settle(context.Background(), "sub-1"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	record, err := h.store.Get(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.State != ledger.StateAbandoned {
		t.Fatalf("state = %s, want %s", record.State, ledger.StateAbandoned)
	}
	if calls != 5 {
		t.Fatalf("submit calls = %d, want 5", calls)
	}
	if record.Attempts != 5 {
		t.Fatalf("attempts = %d, want 5", record.Attempts)
	}
}

func TestSettleFailsOnPermanentSubmitError(t *testing.T) {
	h := newHarness(t, Config{RetryCap: 5})
	h.createRecord(t, "sub-1")

	calls := 0
	h.client.submitReward = func(context.Context, common.Address, *big.Int, string) (common.Hash, uint64, error) {
		calls++
		return common.Hash{}, 0, &chain.PermanentError{Err: fmt.Errorf("execution reverted")}
	}

	if err := h.engine.Settle(context.Background(), "sub-1"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	record, err := h.store.Get(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.State != ledger.StateFailed {
		t.Fatalf("state = %s, want %s", record.State, ledger.StateFailed)
	}
	// No retry budget is burned on a call that can never land.
	if calls != 1 {
		t.Fatalf("submit calls = %d, want 1", calls)
	}
	if record.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", record.Attempts)
	}
	if record.LastError != "execution reverted" {
		t.Fatalf("last error = %q", record.LastError)
	}
}

func TestSettleFailsOnRevertedReceipt(t *testing.T) {
	h := newHarness(t, Config{})
	h.createRecord(t, "sub-1")

	h.client.receiptStatus = func(context.Context, common.Hash) (chain.ReceiptState, error) {
		return chain.ReceiptReverted, nil
	}

	if err := h.engine.Settle(context.Background(), "sub-1"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	record, err := h.store.Get(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.State != ledger.StateFailed {
		t.Fatalf("state = %s, want %s", record.State, ledger.StateFailed)
	}
	if record.LastError != "transaction reverted" {
		t.Fatalf("last error = %q", record.LastError)
	}
}

func TestSettleResubmitsOnceConfirmedAbsent(t *testing.T) {
	h := newHarness(t, Config{})
	h.createRecord(t, "sub-1")

	submits := 0
	h.client.submitReward = func(context.Context, common.Address, *big.Int, string) (common.Hash, uint64, error) {
		submits++
		return common.Hash{byte(submits)}, uint64(submits), nil
	}
	h.client.receiptStatus = func(_ context.Context, txHash common.Hash) (chain.ReceiptState, error) {
		if txHash == (common.Hash{0x02}) {
			return chain.ReceiptSuccess, nil
		}
		return chain.ReceiptNotFound, nil
	}
	h.client.confirmedAbsent = func(_ context.Context, _ uint64, txHash common.Hash) (bool, error) {
		return txHash == (common.Hash{0x01}), nil
	}

	if err := h.engine.Settle(context.Background(), "sub-1"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	record, err := h.store.Get(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.State != ledger.StateConfirmed {
		t.Fatalf("state = %s, want %s", record.State, ledger.StateConfirmed)
	}
	if submits != 2 {
		t.Fatalf("submit calls = %d, want 2", submits)
	}
	if record.TxHash != (common.Hash{0x02}).Hex() {
		t.Fatalf("tx hash = %s, want the resubmitted transaction", record.TxHash)
	}
}

func TestSettleTerminalRecordIsNoOp(t *testing.T) {
	h := newHarness(t, Config{})
	h.createRecord(t, "sub-1")
	if err := h.engine.Settle(context.Background(), "sub-1"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	h.client.submitReward = func(context.Context, common.Address, *big.Int, string) (common.Hash, uint64, error) {
		t.Fatalf("submit called for terminal record")
		return common.Hash{}, 0, nil
	}
	if err := h.engine.Settle(context.Background(), "sub-1"); err != nil {
		t.Fatalf("settle terminal: %v", err)
	}
}

func TestResumeEnqueuesUnfinished(t *testing.T) {
	h := newHarness(t, Config{})
	h.createRecord(t, "sub-1")
	h.createRecord(t, "sub-2")

	if err := h.engine.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := h.engine.queue.Len(); got != 2 {
		t.Fatalf("queued = %d, want 2", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		h.engine.Run(ctx)
		close(done)
	}()

	deadline := time.After(4 * time.Second)
	for {
		r1, err := h.store.Get(context.Background(), "sub-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		r2, err := h.store.Get(context.Background(), "sub-2")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if r1.State == ledger.StateConfirmed && r2.State == ledger.StateConfirmed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("records not settled: %s, %s", r1.State, r2.State)
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
