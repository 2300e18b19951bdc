package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/anchor"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/api"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/artifacts"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/asset"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/audit"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/auth"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/budget"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/config"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/disbursement"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/observability"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/relay"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/server"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/store"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/treasury"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq" // Postgres Driver
)

const (
	issuer         = "reimbursed"
	idempotencyTTL = 24 * time.Hour
	globalRPS      = 50
	globalBurst    = 100
)

var callerLimit = relay.Limit{Calls: 600, Window: time.Minute}

func runServer(stderr io.Writer) int {
	if err := serve(); err != nil {
		_, _ = fmt.Fprintf(stderr, "reimbursed: %v\n", err)
		return 1
	}
	return 0
}

func serve() error {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policy := config.DefaultPolicy()
	if cfg.PolicyFile != "" {
		p, err := config.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return err
		}
		policy = p
		log.Printf("[reimbursed] policy: loaded %s (version %s)", cfg.PolicyFile, p.Version)
	}

	if !common.IsHexAddress(cfg.AdminAddress) {
		return errors.New("ADMIN_ADDRESS must be set to the bootstrap administrator's address")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	journalStore := store.NewSQLJournalStore(db)
	budgetStore := budget.NewSQLStorage(db)
	repo := disbursement.NewSQLRepository(db)
	anchorStore := anchor.NewSQLStorage(db)
	idem := api.NewSQLIdempotencyStore(db, idempotencyTTL)
	assetStore := asset.NewSQLStore(db)
	for name, initFn := range map[string]func(context.Context) error{
		"assets":      assetStore.Init,
		"journal":     journalStore.Init,
		"budget":      budgetStore.Init,
		"requests":    repo.Init,
		"anchors":     anchorStore.Init,
		"idempotency": idem.Init,
	} {
		if err := initFn(ctx); err != nil {
			return fmt.Errorf("init %s schema: %w", name, err)
		}
	}

	entries, err := journalStore.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load journal: %w", err)
	}
	journal := store.NewJournal()
	if err := journal.Restore(entries); err != nil {
		return fmt.Errorf("restore journal: %w", err)
	}
	journal.WithPersister(journalStore)
	log.Printf("[reimbursed] journal: restored %d entries", len(entries))

	var (
		nonces  relay.NonceStore = relay.NewMemoryNonceStore()
		limiter relay.Limiter    = relay.NewMemoryLimiter()
		rdb     *redis.Client
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		nonces = relay.NewRedisNonceStore(rdb)
		limiter = relay.NewRedisLimiter(rdb)
		log.Println("[reimbursed] redis: connected")
	} else {
		log.Println("[reimbursed] redis: not configured, relay nonces are process-local")
	}

	recorders, closeRecorders, err := extraRecorders(cfg)
	if err != nil {
		return err
	}
	defer closeRecorders()

	archive, err := artifacts.NewStore(ctx, artifacts.Config{
		Backend:  artifacts.Backend(cfg.ArchiveBackend),
		DataDir:  cfg.DataDir,
		Bucket:   cfg.ArchiveBucket,
		Region:   cfg.ArchiveRegion,
		Endpoint: cfg.ArchiveEndpoint,
		Prefix:   cfg.InstanceID,
	})
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	var obs *observability.Provider
	if cfg.OTelEnabled {
		oc := observability.DefaultConfig()
		oc.ServiceVersion = version
		oc.OTLPEndpoint = cfg.OTelEndpoint
		oc.Enabled = true
		oc.Insecure = true
		obs, err = observability.New(ctx, oc)
		if err != nil {
			return fmt.Errorf("observability: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obs.Shutdown(shutdownCtx)
		}()
		log.Printf("[reimbursed] otel: exporting to %s", cfg.OTelEndpoint)
	}

	anchorKey, err := loadOrGenerateAnchorKey(cfg.AnchorKeyFile)
	if err != nil {
		return err
	}

	custody := accountOr(cfg.CustodyAddress, "custody", cfg.InstanceID)
	gasCustody := accountOr(cfg.GasCustodyAddress, "gas-custody", cfg.InstanceID)
	token := asset.NewMemoryToken(policy.Token.Symbol, policy.Token.Decimals)
	gasToken := asset.NewMemoryToken("ETH", 18)
	if err := token.Attach(ctx, assetStore, cfg.InstanceID+"/budget"); err != nil {
		return err
	}
	if err := gasToken.Attach(ctx, assetStore, cfg.InstanceID+"/gas"); err != nil {
		return err
	}
	if err := seedDevBalances(os.Getenv("DEV_MINT"), custody, gasCustody, token, gasToken); err != nil {
		return err
	}

	inst, err := treasury.New(ctx, treasury.Options{
		InstanceID:        cfg.InstanceID,
		Admin:             common.HexToAddress(cfg.AdminAddress),
		Policy:            policy,
		Custody:           custody,
		Asset:             token.Bind(custody),
		GasCustody:        gasCustody,
		GasAsset:          gasToken.Bind(gasCustody),
		ChainID:           cfg.ChainID,
		VerifyingContract: accountOr(cfg.VerifyingContract, "forwarder", cfg.InstanceID),
		Journal:           journal,
		Recorders:         recorders,
		BudgetStorage:     budgetStore,
		Repository:        repo,
		AnchorStorage:     anchorStore,
		Nonces:            nonces,
		Limiter:           limiter,
		Archive:           archive,
		AnchorKey:         anchorKey,
		Obs:               obs,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	if err := inst.Start(ctx); err != nil {
		return fmt.Errorf("start instance: %w", err)
	}
	log.Printf("[reimbursed] instance %s: custody %s, gas tank %s", cfg.InstanceID, custody.Hex(), gasCustody.Hex())

	validator := auth.NewJWTValidator([]byte(cfg.JWTSecret), issuer, cfg.InstanceID)
	if validator == nil {
		log.Println("[reimbursed] auth: JWT_SECRET not set, every protected endpoint rejects requests")
	}

	srv, err := server.New(server.Options{
		Instance:       inst,
		Validator:      validator,
		Limiter:        limiter,
		CallerLimit:    callerLimit,
		GlobalRPS:      globalRPS,
		GlobalBurst:    globalBurst,
		Idempotency:    idem,
		AllowedOrigins: cfg.AllowedOrigins,
		Version:        version,
		Ready: func(ctx context.Context) error {
			if err := db.PingContext(ctx); err != nil {
				return fmt.Errorf("database: %w", err)
			}
			if rdb != nil {
				if err := rdb.Ping(ctx).Err(); err != nil {
					return fmt.Errorf("redis: %w", err)
				}
			}
			return nil
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	go purgeIdempotency(ctx, idem)

	log.Printf("[reimbursed] ready: http://localhost:%s", cfg.Port)
	err = srv.Run(ctx, ":"+cfg.Port)
	log.Println("[reimbursed] shutting down")
	return err
}

// extraRecorders builds the audit sinks beside the journal: a JSON lines file
// under the data dir and, when brokers are configured, Kafka.
func extraRecorders(cfg *config.Config) ([]audit.Recorder, func(), error) {
	path := filepath.Join(cfg.DataDir, "audit.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}
	recorders := []audit.Recorder{audit.NewJSONRecorder(f)}
	closers := []func() error{f.Close}

	if len(cfg.KafkaBrokers) > 0 {
		w := audit.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		recorders = append(recorders, audit.NewKafkaRecorder(w))
		closers = append(closers, w.Close)
		log.Printf("[reimbursed] kafka: publishing audit events to %s", cfg.KafkaTopic)
	}
	return recorders, func() {
		for _, c := range closers {
			_ = c()
		}
	}, nil
}

func purgeIdempotency(ctx context.Context, s *api.SQLIdempotencyStore) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx); err != nil {
				slog.Warn("idempotency cleanup failed", "error", err)
			}
		}
	}
}

// accountOr parses raw, or derives a stable per-instance account for kind.
func accountOr(raw, kind, instanceID string) common.Address {
	if common.IsHexAddress(raw) {
		return common.HexToAddress(raw)
	}
	return common.BytesToAddress(crypto.Keccak256([]byte("reimb:" + kind + ":" + instanceID))[12:])
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if cfg.LiteMode() {
		return setupLiteMode(ctx, cfg.DataDir)
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DB: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("DB ping failed: %w", err)
	}
	log.Println("[reimbursed] postgres: connected")
	return db, nil
}
