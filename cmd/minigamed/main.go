package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/bugiiiii11/swarm-resistance-backend/chain"
	"github.com/bugiiiii11/swarm-resistance-backend/cmd/internal/passphrase"
	"github.com/bugiiiii11/swarm-resistance-backend/config"
	"github.com/bugiiiii11/swarm-resistance-backend/ledger"
	"github.com/bugiiiii11/swarm-resistance-backend/observability/logging"
	telemetry "github.com/bugiiiii11/swarm-resistance-backend/observability/otel"
	"github.com/bugiiiii11/swarm-resistance-backend/pipeline"
	"github.com/bugiiiii11/swarm-resistance-backend/recon"
	"github.com/bugiiiii11/swarm-resistance-backend/replay"
	"github.com/bugiiiii11/swarm-resistance-backend/server"
	"github.com/bugiiiii11/swarm-resistance-backend/settle"
	"github.com/bugiiiii11/swarm-resistance-backend/submission"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "minigamed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to minigamed configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("SWARM_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.SetupWithConfig("minigamed", env, logging.Config{
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if otlpEndpoint == "" {
		otlpEndpoint = cfg.Telemetry.Endpoint
	}
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := cfg.Telemetry.Insecure
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "minigamed",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := ledger.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	store := ledger.NewStore(db)

	decryptKey, err := submission.LoadPrivateKey(cfg.DecryptKey.Path)
	if err != nil {
		return fmt.Errorf("load decrypt key: %w", err)
	}
	decoder := submission.NewDecoder(decryptKey, nil)

	guardOpts := []replay.Option{}
	if path := strings.TrimSpace(cfg.Replay.StorePath); path != "" {
		replayStore, err := replay.NewLevelDBStore(path)
		if err != nil {
			return fmt.Errorf("open replay store: %w", err)
		}
		defer replayStore.Close()
		guardOpts = append(guardOpts, replay.WithStore(replayStore))
	}
	guard, err := replay.NewGuard(cfg.Replay.TTL.Duration, cfg.Replay.Capacity, guardOpts...)
	if err != nil {
		return fmt.Errorf("build replay guard: %w", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := guard.Warm(rootCtx); err != nil {
		return fmt.Errorf("warm replay guard: %w", err)
	}
	logger.Info("replay window warmed", "count", guard.Len())

	keystoreJSON, err := os.ReadFile(cfg.Chain.KeystorePath)
	if err != nil {
		return fmt.Errorf("read signer keystore: %w", err)
	}
	pass, err := passphrase.NewSource(cfg.Chain.PassphraseEnv).Get()
	if err != nil {
		return fmt.Errorf("resolve keystore passphrase: %w", err)
	}
	signerKey, err := chain.LoadSignerKey(keystoreJSON, pass)
	if err != nil {
		return fmt.Errorf("unlock signer keystore: %w", err)
	}
	client, err := chain.Dial(chain.Config{
		ChainID:       new(big.Int).SetUint64(cfg.Chain.ChainID),
		Contract:      common.HexToAddress(cfg.Chain.Contract),
		GasLimit:      cfg.Chain.GasLimit,
		Confirmations: cfg.Chain.Confirmations,
	}, signerKey, cfg.Chain.Endpoints)
	if err != nil {
		return fmt.Errorf("dial chain: %w", err)
	}
	logger.Info("reward signer ready", "signer", client.Signer().Hex())

	engine := settle.NewEngine(store, client, settle.Config{
		RetryCap:     cfg.Settlement.RetryCap,
		BackoffBase:  cfg.Settlement.BackoffBase.Duration,
		BackoffCap:   cfg.Settlement.BackoffCap.Duration,
		PollInterval: cfg.Settlement.PollInterval.Duration,
		PollTimeout:  cfg.Settlement.PollTimeout.Duration,
		Workers:      cfg.Settlement.Workers,
	},
		settle.WithLogger(logger),
		settle.WithQueueCapacity(cfg.Settlement.QueueCapacity),
	)
	go engine.Run(rootCtx)
	if err := engine.Resume(rootCtx); err != nil {
		return fmt.Errorf("resume settlements: %w", err)
	}

	p := pipeline.New(decoder, guard, store, engine, pipeline.WithLogger(logger))

	srv, err := server.New(server.Config{
		Pipeline:         p,
		Store:            store,
		Identity:         server.NewIdentity(cfg.HTTP.JWTSecret),
		Logger:           logger,
		RatePerMinute:    cfg.HTTP.RateLimitPerMinute,
		RateBurst:        cfg.HTTP.RateLimitBurst,
		LeaderboardLimit: cfg.HTTP.LeaderboardLimit,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	if cfg.Recon.Enabled {
		location, err := time.LoadLocation(cfg.Recon.Timezone)
		if err != nil {
			return fmt.Errorf("load recon timezone: %w", err)
		}
		reconciler, err := recon.NewReconciler(recon.Config{
			Store:      store,
			Verifier:   client,
			TZ:         location,
			OutputDir:  cfg.Recon.OutputDir,
			StaleAfter: cfg.Recon.StaleAfter.Duration,
			Logger:     logger,
			Alert: func(_ context.Context, anomaly recon.Anomaly) error {
				logger.Warn("reconciliation anomaly",
					"reason", anomaly.Type,
					"submission", anomaly.SubmissionID,
					"player", anomaly.Player,
					"tx", anomaly.TxHash,
				)
				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("build reconciler: %w", err)
		}
		scheduler := recon.NewScheduler(recon.SchedulerConfig{
			Reconciler: reconciler,
			Window:     cfg.Recon.Window.Duration,
			RunHour:    cfg.Recon.RunHour,
			RunMinute:  cfg.Recon.RunMinute,
			Location:   location,
			Logger:     logger,
		})
		go scheduler.Start(rootCtx)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("minigamed listening", "address", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
