package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/bugiiiii11/swarm-resistance-backend/ledger"
	"github.com/bugiiiii11/swarm-resistance-backend/observability"
	"github.com/bugiiiii11/swarm-resistance-backend/pipeline"
)

// The Unity client matches these strings verbatim. Do not change them.
const (
	msgScoreUpdated = "Score updated"
	msgDecodeFailed = "Server was not able to decode message"
	msgSaveFailed   = "Failed to save score"
)

// Config wires the HTTP facade.
type Config struct {
	Pipeline         *pipeline.Pipeline
	Store            *ledger.Store
	Identity         *Identity
	Logger           *slog.Logger
	RatePerMinute    int
	RateBurst        int
	LeaderboardLimit int
	Now              func() time.Time
}

// Server exposes the Unity-facing score submission API.
type Server struct {
	cfg     Config
	metrics *observability.PipelineMetrics
	limiter *rateLimiter
	router  chi.Router
}

// New validates the configuration and constructs the server.
func New(cfg Config) (*Server, error) {
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	if cfg.Identity == nil {
		return nil, fmt.Errorf("identity verifier is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 30
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 5
	}
	if cfg.LeaderboardLimit <= 0 {
		cfg.LeaderboardLimit = 25
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	srv := &Server{cfg: cfg, metrics: observability.Pipeline()}
	srv.limiter = newRateLimiter(cfg.RatePerMinute, cfg.RateBurst, srv.metrics.RecordThrottle)
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler returns the HTTP handler with request tracing attached.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "swarm.http")
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/minigames/timestamp/", s.handleTimestamp)
		r.Get("/minigames/scoreboard", s.handleScoreboard)

		r.Group(func(r chi.Router) {
			r.Use(s.cfg.Identity.Middleware)
			r.Use(s.limiter.middleware)
			r.Post("/minigames/score/", s.handleScore)
			r.Post("/minigames/report/", s.handleReport)
			r.Get("/submissions/{id}", s.handleSubmission)
		})
	})
	return r
}

// scoreEnvelope is the JSON body the client posts. Payload is the base64
// encoding of the RSA ciphertext.
type scoreEnvelope struct {
	Payload string `json:"payload"`
}

type unityStatus struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleTimestamp returns the server clock as a plain-text unix second count.
// The client parses the raw body, so this must never be JSON.
func (s *Server) handleTimestamp(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(strconv.FormatInt(s.cfg.Now().Unix(), 10)))
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	player, ok := PlayerFromContext(r.Context())
	if !ok {
		http.Error(w, "missing session", http.StatusUnauthorized)
		return
	}
	ciphertext, ok := s.readEnvelope(w, r)
	if !ok {
		return
	}

	verdict, err := s.cfg.Pipeline.Submit(r.Context(), ciphertext, player)
	if err != nil {
		s.cfg.Logger.Error("score submission failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, unityStatus{Status: msgSaveFailed})
		return
	}

	switch verdict.Status {
	case pipeline.StatusAccepted:
		writeJSON(w, http.StatusOK, unityStatus{Status: msgScoreUpdated})
	case pipeline.StatusRejectedReplay:
		// Duplicates look settled from the client's side.
		writeJSON(w, http.StatusOK, unityStatus{Status: msgScoreUpdated})
	case pipeline.StatusRejectedInvalid:
		switch verdict.Reason {
		case pipeline.ReasonPlayerFlagged, pipeline.ReasonImplausibleCounters:
			// Anti-cheat detection is never revealed to the client.
			writeJSON(w, http.StatusOK, unityStatus{Status: msgScoreUpdated})
		default:
			writeJSON(w, http.StatusOK, unityStatus{Status: msgDecodeFailed})
		}
	default:
		writeJSON(w, http.StatusInternalServerError, unityStatus{Status: msgSaveFailed})
	}
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	reporter, ok := PlayerFromContext(r.Context())
	if !ok {
		http.Error(w, "missing session", http.StatusUnauthorized)
		return
	}
	ciphertext, ok := s.readEnvelope(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Pipeline.Report(r.Context(), ciphertext, reporter); err != nil {
		writeJSON(w, http.StatusOK, unityStatus{Status: msgDecodeFailed})
		return
	}
	writeJSON(w, http.StatusOK, unityStatus{Status: "Report received"})
}

// scoreboardEntry is a public leaderboard row.
type scoreboardEntry struct {
	Player    string `json:"player"`
	Score     uint64 `json:"score"`
	SettledAt string `json:"settled_at"`
}

func (s *Server) handleScoreboard(w http.ResponseWriter, r *http.Request) {
	records, err := s.cfg.Store.Leaderboard(r.Context(), s.cfg.LeaderboardLimit)
	if err != nil {
		s.cfg.Logger.Error("leaderboard query failed", "error", err)
		http.Error(w, "leaderboard unavailable", http.StatusInternalServerError)
		return
	}
	entries := make([]scoreboardEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, scoreboardEntry{
			Player:    record.Player,
			Score:     record.Score,
			SettledAt: record.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

// submissionStatus is the caller-visible view of a settlement record.
type submissionStatus struct {
	SubmissionID string `json:"submission_id"`
	Player       string `json:"player"`
	Score        uint64 `json:"score"`
	RewardWei    string `json:"reward_wei"`
	State        string `json:"state"`
	TxHash       string `json:"tx_hash,omitempty"`
	Attempts     uint32 `json:"attempts"`
	UpdatedAt    string `json:"updated_at"`
}

func (s *Server) handleSubmission(w http.ResponseWriter, r *http.Request) {
	id := strings.ToLower(chi.URLParam(r, "id"))
	record, err := s.cfg.Pipeline.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			http.Error(w, "submission not found", http.StatusNotFound)
			return
		}
		s.cfg.Logger.Error("submission lookup failed", "submission", id, "error", err)
		http.Error(w, "submission lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, submissionStatus{
		SubmissionID: record.SubmissionID,
		Player:       record.Player,
		Score:        record.Score,
		RewardWei:    record.RewardWei,
		State:        string(record.State),
		TxHash:       record.TxHash,
		Attempts:     record.Attempts,
		UpdatedAt:    record.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) readEnvelope(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	var envelope scoreEnvelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&envelope); err != nil {
		writeJSON(w, http.StatusOK, unityStatus{Status: msgDecodeFailed})
		return nil, false
	}
	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimSpace(envelope.Payload))
	if err != nil || len(ciphertext) == 0 {
		writeJSON(w, http.StatusOK, unityStatus{Status: msgDecodeFailed})
		return nil, false
	}
	return ciphertext, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
