package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bugiiiii11/swarm-resistance-backend/chain"
	"github.com/bugiiiii11/swarm-resistance-backend/ledger"
	"github.com/bugiiiii11/swarm-resistance-backend/pipeline"
	"github.com/bugiiiii11/swarm-resistance-backend/replay"
	"github.com/bugiiiii11/swarm-resistance-backend/settle"
	"github.com/bugiiiii11/swarm-resistance-backend/submission"
)

const testSecret = "test-secret"

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

type harness struct {
	key     *rsa.PrivateKey
	server  *Server
	handler http.Handler
	store   *ledger.Store
	engine  *settle.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := ledger.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	guard, err := replay.NewGuard(30*time.Minute, 1024)
	if err != nil {
		t.Fatalf("new guard: %v", err)
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
	engine := settle.NewEngine(store, client, settle.Config{},
		settle.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	p := pipeline.New(submission.NewDecoder(key, nil), guard, store, engine)

	srv, err := New(Config{
		Pipeline:      p,
		Store:         store,
		Identity:      NewIdentity(testSecret),
		RatePerMinute: 600,
		RateBurst:     100,
		Now:           func() time.Time { return time.Unix(1_756_000_000, 0) },
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &harness{key: key, server: srv, handler: srv.Handler(), store: store, engine: engine}
}

func (h *harness) token(t *testing.T, player common.Address) string {
	t.Helper()
	claims := Claims{
		Player: player.Hex(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (h *harness) envelope(t *testing.T, counters *submission.RawCounters) []byte {
	t.Helper()
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &h.key.PublicKey, submission.EncodeCounters(counters), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	body, err := json.Marshal(map[string]string{"payload": base64.StdEncoding.EncodeToString(ct)})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func (h *harness) post(t *testing.T, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func unityStatusOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body unityStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return body.Status
}

func validCounters(player common.Address, nonce uint64) *submission.RawCounters {
	return &submission.RawCounters{
		Version:              0x01,
		Player:               player,
		Nonce:                nonce,
		Kills:                10,
		TimeAlive:            120,
		Combo:                0b0110,
		EnemiesSpawned:       40,
		EnemiesKilled:        12,
		MaxKillingSpree:      6,
		KillingSpreeDuration: 30,
	}
}

func TestScoreSubmissionAccepted(t *testing.T) {
	h := newHarness(t)
	player := common.HexToAddress("0x9aB3c47F1f1c3d2E85b1A9e0Cb64F2a4d7E8b901")

	rec := h.post(t, "/api/v1/minigames/score/", h.token(t, player), h.envelope(t, validCounters(player, 42)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := unityStatusOf(t, rec); got != msgScoreUpdated {
		t.Fatalf("status = %q, want %q", got, msgScoreUpdated)
	}

	record, err := h.store.Get(context.Background(), submission.ID(player, 42, 3955270456))
	if err != nil {
		t.Fatalf("record missing: %v", err)
	}
	if record.Score != 3955270456 {
		t.Fatalf("score = %d", record.Score)
	}
}

func TestScoreSubmissionRequiresToken(t *testing.T) {
	h := newHarness(t)
	player := common.HexToAddress("0x9aB3c47F1f1c3d2E85b1A9e0Cb64F2a4d7E8b901")

	rec := h.post(t, "/api/v1/minigames/score/", "", h.envelope(t, validCounters(player, 42)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	badToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Player: player.Hex()}).SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec = h.post(t, "/api/v1/minigames/score/", badToken, h.envelope(t, validCounters(player, 43)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for forged token", rec.Code)
	}
}

func TestScoreSubmissionTamperedPayload(t *testing.T) {
	h := newHarness(t)
	player := common.HexToAddress("0x9aB3c47F1f1c3d2E85b1A9e0Cb64F2a4d7E8b901")

	body := []byte(`{"payload":"` + base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0xAB}, 256)) + `"}`)
	rec := h.post(t, "/api/v1/minigames/score/", h.token(t, player), body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := unityStatusOf(t, rec); got != msgDecodeFailed {
		t.Fatalf("status = %q, want %q", got, msgDecodeFailed)
	}
}

func TestScoreSubmissionCheaterGetsGenericSuccess(t *testing.T) {
	h := newHarness(t)
	player := common.HexToAddress("0x9aB3c47F1f1c3d2E85b1A9e0Cb64F2a4d7E8b901")

	cheat := validCounters(player, 42)
	cheat.EnemiesKilled = 500
	cheat.EnemiesSpawned = 3

	rec := h.post(t, "/api/v1/minigames/score/", h.token(t, player), h.envelope(t, cheat))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := unityStatusOf(t, rec); got != msgScoreUpdated {
		t.Fatalf("status = %q, detection must stay hidden", got)
	}

	if _, err := h.store.Get(context.Background(), submission.ID(player, 42, 3955270456)); err == nil {
		t.Fatalf("cheater score reached the ledger")
	}
}

func TestTimestampIsPlainText(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/minigames/timestamp/", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q", ct)
	}
	if got := rec.Body.String(); got != "1756000000" {
		t.Fatalf("body = %q, want fixed clock value", got)
	}
}

func TestSubmissionStatusEndpoint(t *testing.T) {
	h := newHarness(t)
	player := common.HexToAddress("0x9aB3c47F1f1c3d2E85b1A9e0Cb64F2a4d7E8b901")
	token := h.token(t, player)

	rec := h.post(t, "/api/v1/minigames/score/", token, h.envelope(t, validCounters(player, 42)))
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d", rec.Code)
	}

	id := submission.ID(player, 42, 3955270456)
	if err := h.engine.Settle(context.Background(), id); err != nil {
		t.Fatalf("settle: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/submissions/"+id, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	statusRec := httptest.NewRecorder()
	h.handler.ServeHTTP(statusRec, req)
	if statusRec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", statusRec.Code, statusRec.Body.String())
	}
	var got submissionStatus
	if err := json.Unmarshal(statusRec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != string(ledger.StateConfirmed) {
		t.Fatalf("state = %q, want confirmed", got.State)
	}
	if got.RewardWei != "10000000000000000000000" {
		t.Fatalf("reward = %q", got.RewardWei)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/submissions/deadbeef", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	missingRec := httptest.NewRecorder()
	h.handler.ServeHTTP(missingRec, req)
	if missingRec.Code != http.StatusNotFound {
		t.Fatalf("missing submission status = %d, want 404", missingRec.Code)
	}
}

func TestReportFlagsPlayer(t *testing.T) {
	h := newHarness(t)
	reporter := common.HexToAddress("0x1111111111111111111111111111111111111111")
	cheater := common.HexToAddress("0x9aB3c47F1f1c3d2E85b1A9e0Cb64F2a4d7E8b901")

	rec := h.post(t, "/api/v1/minigames/report/", h.token(t, reporter), h.envelope(t, validCounters(cheater, 7)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	flagged, err := h.store.IsFlagged(context.Background(), cheater.Hex())
	if err != nil {
		t.Fatalf("is flagged: %v", err)
	}
	if !flagged {
		t.Fatalf("reported player not flagged")
	}
}

func TestScoreboard(t *testing.T) {
	h := newHarness(t)
	players := []common.Address{
		common.HexToAddress("0x1111111111111111111111111111111111111111"),
		common.HexToAddress("0x2222222222222222222222222222222222222222"),
	}
	for i, player := range players {
		nonce := uint64(100 + i)
		rec := h.post(t, "/api/v1/minigames/score/", h.token(t, player), h.envelope(t, validCounters(player, nonce)))
		if rec.Code != http.StatusOK {
			t.Fatalf("submit %d status = %d", i, rec.Code)
		}
		// Only confirmed settlements appear on the board.
		if err := h.engine.Settle(context.Background(), submission.ID(player, nonce, 3955270456)); err != nil {
			t.Fatalf("settle %d: %v", i, err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/minigames/scoreboard", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var entries []scoreboardEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
}

func TestRateLimitPerPlayer(t *testing.T) {
	h := newHarness(t)
	srv, err := New(Config{
		Pipeline:      h.server.cfg.Pipeline,
		Store:         h.store,
		Identity:      NewIdentity(testSecret),
		RatePerMinute: 60,
		RateBurst:     2,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	handler := srv.Handler()
	player := common.HexToAddress("0x9aB3c47F1f1c3d2E85b1A9e0Cb64F2a4d7E8b901")
	token := h.token(t, player)

	codes := make([]int, 0, 3)
	for nonce := uint64(0); nonce < 3; nonce++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/minigames/score/", bytes.NewReader(h.envelope(t, validCounters(player, 200+nonce))))
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("first two requests should pass: %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", codes[2])
	}
}
