package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"finllm.org/internal/audit"
	"finllm.org/internal/auth"
	"finllm.org/internal/config"
	"finllm.org/internal/delegation"
	"finllm.org/internal/executor"
	"finllm.org/internal/httpapi"
	"finllm.org/internal/intent"
	"finllm.org/internal/intent/guard"
	"finllm.org/internal/intent/llm"
	"finllm.org/internal/ledger"
	"finllm.org/internal/obs"
	"finllm.org/internal/store/pg"
	"finllm.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = ""
)

func main() {
	configPath := flag.String("config", "", "YAML config file (default $FINLLM_CONFIG)")
	flag.Parse()

	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo("finllm-api", version, commit)
	logger := obs.Component("api")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.Version = version
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Подключение к БД (если задан DSN), чтобы /readyz мог пинговать БД
	var (
		db     *sql.DB
		ledg   ledger.Service = ledger.NewInMemory()
		users  auth.UserStore
		sessns auth.SessionStore
	)
	if cfg.Postgres.DSN != "" {
		store, err := pg.Open(cfg.Postgres.DSN, pg.PoolConfig{
			MaxOpenConns: cfg.Postgres.MaxOpenConns,
			MaxIdleConns: cfg.Postgres.MaxIdleConns,
			ConnLifetime: cfg.Postgres.ConnLifetime,
		})
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db = store.DB()
		ledg = store
		pgUsers := auth.NewPGStore(db)
		users, sessns = pgUsers, pgUsers
	} else {
		mem := auth.NewMemoryStore()
		users, sessns = mem, mem
	}

	sessions, err := auth.NewService(users, sessns, cfg.Auth.Secret,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithSessionTTL(cfg.Auth.SessionTTL),
	)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	if err := seedUsers(ctx, users, ledg, cfg.Auth.SeedUsers); err != nil {
		log.Fatalf("seed users: %v", err)
	}

	recorder, err := newRecorder(db, cfg.Audit.Key)
	if err != nil {
		log.Fatalf("audit: %v", err)
	}

	var redisClient *redis.Client
	var consumed delegation.ConsumptionStore
	switch cfg.Auth.ConsumptionBackend {
	case config.BackendRedis:
		redisClient, err = delegation.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		consumed = delegation.NewRedisConsumptionStore(redisClient)
	case config.BackendPostgres:
		pgConsumed := delegation.NewPGConsumptionStore(db)
		go pruneConsumed(ctx, pgConsumed, time.Minute)
		consumed = pgConsumed
	default:
		consumed = delegation.NewMemoryConsumptionStore()
	}

	authority, err := delegation.NewAuthority(sessions, consumed, cfg.Auth.AgentSecret,
		delegation.WithTTL(cfg.Auth.AgentTokenTTL),
		delegation.WithMinConfidence(cfg.Auth.MinConfidence),
		delegation.WithRecorder(recorder),
	)
	if err != nil {
		log.Fatalf("delegation: %v", err)
	}

	filter, err := guard.NewFilter(cfg.Executor.InputPatterns, cfg.Executor.OutputPatterns)
	if err != nil {
		log.Fatalf("guard: %v", err)
	}
	events := stream.New()
	execOpts := []executor.Option{
		executor.WithFilter(filter),
		executor.WithRecorder(recorder),
		executor.WithStream(events),
	}
	if cfg.Executor.SigningKeyPath != "" {
		signer, err := executor.LoadSigner(cfg.Executor.SigningKeyPath)
		if err != nil {
			log.Fatalf("signing key: %v", err)
		}
		execOpts = append(execOpts, executor.WithSigner(signer))
	} else {
		logger.Warn("no signing key configured, using an ephemeral key")
	}
	exec, err := executor.New(authority, ledg, execOpts...)
	if err != nil {
		log.Fatalf("executor: %v", err)
	}

	var classifier intent.Classifier
	if cfg.LLM.APIKey != "" {
		model, err := llm.NewClient(llm.Config{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLM.Timeout,
		})
		if err != nil {
			log.Fatalf("llm: %v", err)
		}
		classifier = guard.NewClassifier(model)
	} else {
		logger.Warn("FINLLM_LLM_API_KEY not set, intent classification disabled")
	}

	probe := httpapi.ReadyProbe{DB: db}
	if redisClient != nil {
		probe.Redis = redisClient
	}

	// HTTP API
	api := httpapi.New(probe, version, httpapi.Deps{
		Sessions:   sessions,
		Classifier: classifier,
		Delegator:  authority,
		Executor:   exec,
		Ledger:     ledg,
		Stream:     events,
		Recorder:   recorder,
	},
		httpapi.WithRateLimit(cfg.HTTP.RateBurst, cfg.HTTP.RatePerSec),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// SSE streams stay open, so no write timeout.
		IdleTimeout: 60 * time.Second,
	}

	grpcSrv := httpapi.NewGRPCServer(probe)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}
	go grpcSrv.Watch(ctx, 10*time.Second)
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("grpc serve", "error", err)
		}
	}()

	logger.Info("starting finllm-api", "version", version, "http_addr", srv.Addr, "grpc_addr", cfg.GRPCAddr,
		"consumption_backend", cfg.Auth.ConsumptionBackend, "postgres", db != nil)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if db != nil {
		_ = db.Close()
	}
	logger.Info("stopped")
}

// seedUsers creates bootstrap users and their default accounts. Existing
// users and accounts are left alone.
func seedUsers(ctx context.Context, users auth.UserStore, ledg ledger.Service, seeds []config.Seed) error {
	for _, s := range seeds {
		hash, err := auth.HashPassword(s.Password)
		if err != nil {
			return err
		}
		u := &auth.User{Username: s.Username, PasswordHash: hash, Roles: s.Roles}
		switch err := users.CreateUser(ctx, u); {
		case errors.Is(err, auth.ErrAlreadyExists):
			existing, err := users.FindUserByUsername(ctx, s.Username)
			if err != nil {
				return err
			}
			u = &existing
		case err != nil:
			return err
		}

		opening, err := ledger.MoneyOf(s.OpeningBalance, "USD")
		if err != nil && s.OpeningBalance != 0 {
			return err
		}
		opening.Currency = "USD"
		for _, acct := range []struct {
			alias   string
			initial ledger.Money
		}{
			{ledger.DefaultAlias, opening},
			{"savings", ledger.Money{Currency: "USD"}},
		} {
			if _, err := ledg.OpenAccount(ctx, u.ID, acct.alias, acct.initial); err != nil && !errors.Is(err, ledger.ErrAlreadyExists) {
				return err
			}
		}
	}
	return nil
}

func newRecorder(db *sql.DB, hexKey string) (audit.Recorder, error) {
	if db == nil || hexKey == "" {
		return audit.LogRecorder{}, nil
	}
	key, err := audit.ParseKey(hexKey)
	if err != nil {
		return nil, err
	}
	return audit.NewPGRecorder(db, key)
}

func pruneConsumed(ctx context.Context, store *delegation.PGConsumptionStore, every time.Duration) {
	logger := obs.Component("prune")
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Prune(ctx, time.Now().Add(-config.MaxAgentTokenTTL))
			if err != nil {
				logger.Warn("prune consumed tokens", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("pruned consumed tokens", "count", n)
			}
		}
	}
}
