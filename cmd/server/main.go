// Command server runs the kehilla identity and token service.
//
// main wires dependencies from configuration and keeps the lifecycle small:
// business logic lives in the internal service packages. Every external
// dependency (Postgres, Redis, Kafka, the ledger network) is optional and
// falls back to an in-process implementation so a bare binary still runs a
// complete development instance.
package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"

	"kehilla/internal/audit"
	"kehilla/internal/docstore"
	"kehilla/internal/identity/endorse"
	identityhandler "kehilla/internal/identity/handler"
	identitymodels "kehilla/internal/identity/models"
	identityservice "kehilla/internal/identity/service"
	identitystore "kehilla/internal/identity/store"
	"kehilla/internal/ledger"
	"kehilla/internal/mfa"
	"kehilla/internal/platform/config"
	"kehilla/internal/platform/httpserver"
	"kehilla/internal/platform/logger"
	"kehilla/internal/platform/metrics"
	"kehilla/internal/platform/middleware"
	"kehilla/internal/platform/redis"
	tokenhandler "kehilla/internal/token/handler"
	tokenservice "kehilla/internal/token/service"
	tokenstore "kehilla/internal/token/store"
	httptransport "kehilla/internal/transport/http"
	"kehilla/internal/vault"
	"kehilla/pkg/domain"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()
	m := metrics.New()
	ctx := context.Background()

	// Storage. Postgres when configured, in-process otherwise.
	var (
		identities identitystore.Store
		tokens     tokenstore.TokenStore
		txLog      tokenstore.TransactionStore
		keys       vault.KeyStore
	)
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			log.Error("failed to open postgres", "error", err)
			os.Exit(1)
		}
		if err := db.PingContext(ctx); err != nil {
			log.Error("failed to reach postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		identities = identitystore.NewPostgres(db)
		pgTokens := tokenstore.NewPostgres(db)
		tokens, txLog = pgTokens, pgTokens
		keys = vault.NewPostgresKeyStore(db)
		log.Info("using postgres storage")
	} else {
		identities = identitystore.NewMemory()
		memTokens := tokenstore.NewMemory()
		tokens, txLog = memTokens, memTokens
		keys = vault.NewMemoryKeyStore()
		log.Warn("POSTGRES_DSN not set, using in-memory storage")
	}

	// Documents. Redis-backed content-addressed blobs when configured.
	box := vault.NewBox()
	var documents docstore.Store = docstore.NewMemory(box)
	redisClient, err := redis.New(cfg.Redis)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
		documents = docstore.NewRedis(redisClient, box)
		log.Info("using redis document store")
	}

	// Audit trail. Kafka when brokers are configured.
	var auditStore audit.Store = audit.NewMemoryStore()
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaStore, err := audit.NewKafkaStore(ctx, cfg.Kafka.Brokers, cfg.Kafka.AuditTopic)
		if err != nil {
			log.Error("failed to connect to kafka", "error", err)
			os.Exit(1)
		}
		defer kafkaStore.Close()
		auditStore = kafkaStore
		log.Info("publishing audit events to kafka", "topic", cfg.Kafka.AuditTopic)
	}
	publisher := audit.NewPublisher(auditStore)

	// Ledger gateway. The in-process fake backs development instances.
	var gateway ledger.Gateway
	if cfg.Ledger.Endpoint != "" {
		gateway = ledger.NewClient(cfg.Ledger)
		log.Info("using ledger endpoint", "endpoint", cfg.Ledger.Endpoint)
	} else {
		gateway = ledger.NewMemory(domain.Address(cfg.Ledger.IssuerAddress))
		log.Warn("LEDGER_ENDPOINT not set, using in-process ledger")
	}

	directory, err := issuerDirectory(cfg.IssuerKeys)
	if err != nil {
		log.Error("invalid issuer key configuration", "error", err)
		os.Exit(1)
	}
	verifier := endorse.New(directory, trustPolicy(cfg.Policy))

	identitySvc, err := identityservice.New(
		identities, verifier, box, keys, documents, mfa.NewLocal(),
		identitymodels.AdvancedRequirements{
			MinEndorsements:  cfg.Policy.AdvancedMinEndorsements,
			RequiredDocTypes: cfg.Policy.AdvancedRequiredDocTypes,
		},
		identityservice.WithLogger(log),
		identityservice.WithMetrics(m),
		identityservice.WithAuditPublisher(publisher),
	)
	if err != nil {
		log.Error("failed to build identity service", "error", err)
		os.Exit(1)
	}

	tokenSvc, err := tokenservice.New(
		tokens, txLog, gateway, identitySvc,
		tokenservice.Config{
			IssuerAddress:      domain.Address(cfg.Ledger.IssuerAddress),
			TrustLineLimit:     cfg.Ledger.DefaultTrustLimit,
			BasicTransferLimit: cfg.Policy.BasicTransferLimit,
		},
		tokenservice.WithLogger(log),
		tokenservice.WithMetrics(m),
		tokenservice.WithAuditPublisher(publisher),
	)
	if err != nil {
		log.Error("failed to build token service", "error", err)
		os.Exit(1)
	}

	reconciler := tokenservice.NewReconciler(
		tokens, txLog, gateway, domain.Address(cfg.Ledger.IssuerAddress),
		cfg.Reconcile.Interval, cfg.Reconcile.PendingTimeout,
		tokenservice.ReconcilerWithLogger(log),
		tokenservice.ReconcilerWithMetrics(m),
		tokenservice.ReconcilerWithAuditPublisher(publisher),
	)

	jwtValidator := middleware.NewHMACValidator(cfg.JWTSigningKey)
	router := httptransport.NewRouter(log, m,
		identityhandler.New(identitySvc, log, jwtValidator),
		tokenhandler.New(tokenSvc, log, jwtValidator),
	)
	srv := httpserver.New(cfg.Addr, router)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, runCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		log.Info("starting kehilla", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := reconciler.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func issuerDirectory(keys map[string]string) (*endorse.StaticDirectory, error) {
	directory := endorse.NewStaticDirectory()
	for id, encoded := range keys {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, err
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, errors.New("issuer key for " + id + " is not an ed25519 public key")
		}
		directory.Register(domain.IssuerID(id), ed25519.PublicKey(raw))
	}
	return directory, nil
}

func trustPolicy(p config.Policy) endorse.TrustPolicy {
	weights := make(map[identitymodels.EndorsementType]float64, len(p.EndorsementWeights))
	for kind, weight := range p.EndorsementWeights {
		weights[identitymodels.EndorsementType(kind)] = weight
	}
	return endorse.TrustPolicy{Weights: weights, PerIssuerCap: p.PerIssuerCap}
}
