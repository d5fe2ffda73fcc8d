package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"lookup/internal/directory/handler"
	dirmetrics "lookup/internal/directory/metrics"
	"lookup/internal/directory/service"
	"lookup/internal/directory/store"
	"lookup/internal/emailconfirm"
	"lookup/internal/instances"
	"lookup/internal/platform/config"
	"lookup/internal/platform/database"
	"lookup/internal/platform/logger"
	"lookup/internal/platform/metrics"
	"lookup/internal/platform/redis"
	"lookup/internal/replication"
	"lookup/internal/search"
	"lookup/internal/signature"
	httptransport "lookup/internal/transport/http"
	"lookup/internal/verification"
	"lookup/pkg/email"
	"lookup/pkg/platform/audit"
	"lookup/pkg/platform/audit/publishers/compliance"
	auditmemory "lookup/pkg/platform/audit/store/memory"
	auditpostgres "lookup/pkg/platform/audit/store/postgres"
	"lookup/pkg/platform/circuit"
)

// directoryStore is satisfied by both the PostgreSQL and in-memory stores.
type directoryStore interface {
	service.Store
	search.Store
	verification.Store
	emailconfirm.Store
	replication.Store
	instances.Store
}

// app holds every constructed dependency. Commands pick what they need.
type app struct {
	cfg     config.Server
	logger  *slog.Logger
	metrics *metrics.Metrics
	claims  *dirmetrics.Metrics
	store   directoryStore

	verifier    *signature.Verifier
	directory   *service.Service
	search      *search.Service
	emails      *emailconfirm.Service
	instances   *instances.Service
	replication *replication.Service

	db    *sql.DB
	redis *redis.Client
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		logger:  logger.New(cfg.LogLevel),
		metrics: metrics.New(),
	}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.buildVerifier(ctx); err != nil {
		a.close()
		return nil, err
	}
	a.buildServices()
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	db, err := database.Open(ctx, a.cfg.Database)
	if err != nil {
		return err
	}
	if db == nil {
		a.logger.WarnContext(ctx, "DATABASE_URL not set, using in-memory store")
		a.store = store.NewInMemory()
		return nil
	}
	if err := database.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return err
	}
	a.db = db
	a.store = store.NewPostgres(db)
	return nil
}

func (a *app) buildVerifier(ctx context.Context) error {
	var cache signature.KeyCache = signature.NewMemoryKeyCache(a.cfg.Signature.KeyCacheTTL)
	rc, err := redis.New(ctx, a.cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if rc != nil {
		a.redis = rc
		cache = signature.NewFallbackKeyCache(
			signature.NewRedisKeyCache(rc.Client, a.cfg.Signature.KeyCacheTTL),
			cache,
			circuit.New("redis-key-cache"),
			a.logger,
		)
	}

	keys := signature.NewHTTPKeySource(http.DefaultClient, a.cfg.Signature.KeyFetchScheme, a.cfg.Signature.KeyFetchTimeout)
	a.verifier = signature.NewVerifier(keys,
		signature.WithKeyCache(cache),
		signature.WithLogger(a.logger),
		signature.WithFetchTimeout(a.cfg.Signature.KeyFetchTimeout),
	)
	return nil
}

func (a *app) buildServices() {
	var events audit.Store = auditmemory.NewInMemoryStore(auditmemory.WithCapacity(a.cfg.Database.MemoryAuditCapacity))
	if a.db != nil {
		events = auditpostgres.New(a.db)
	}
	auditor := compliance.New(events,
		compliance.WithLogger(a.logger),
		compliance.WithMetrics(compliance.NewMetrics(a.metrics.Registry)),
	)

	a.instances = instances.New(a.store,
		instances.WithAuditor(auditor),
		instances.WithLogger(a.logger),
		instances.WithStatic(a.cfg.Instances.Static),
		instances.WithAliases(a.cfg.Instances.Aliases),
	)

	emailOpts := []emailconfirm.Option{emailconfirm.WithLogger(a.logger)}
	if a.cfg.Mail.Host != "" {
		emailOpts = append(emailOpts, emailconfirm.WithSender(email.NewMailer(email.Config{
			Host:     a.cfg.Mail.Host,
			Port:     a.cfg.Mail.Port,
			Username: a.cfg.Mail.Username,
			Password: a.cfg.Mail.Password,
			From:     a.cfg.Mail.From,
		})))
	}
	a.emails = emailconfirm.New(a.store, a.cfg.PublicURL, a.cfg.GlobalScale, emailOpts...)

	a.claims = dirmetrics.NewWithRegisterer(a.metrics.Registry)
	a.directory = service.New(a.store,
		service.WithEmailConfirmer(a.emails),
		service.WithInstanceHook(a.instances),
		service.WithAuditor(auditor),
		service.WithLogger(a.logger),
		service.WithMetrics(a.claims),
	)
	a.search = search.New(a.store, a.cfg.GlobalScale,
		search.WithLogger(a.logger),
		search.WithMetrics(search.NewMetrics(a.metrics.Registry)),
	)
	a.replication = replication.NewService(a.store,
		replication.WithInstanceHook(a.instances),
		replication.WithServiceLogger(a.logger),
	)
}

func (a *app) router() http.Handler {
	routes := []httptransport.Routes{
		handler.New(a.directory, a.verifier, a.logger, a.claims, a.cfg.GlobalScale, a.cfg.AuthKey),
		search.NewHandler(a.search, a.logger),
		emailconfirm.NewHandler(a.emails, a.logger),
		replication.NewHandler(a.replication, a.cfg.Replication.Secret, a.logger),
	}
	if a.cfg.GlobalScale {
		routes = append(routes, instances.NewHandler(a.instances, a.cfg.AuthKey, a.logger))
	}
	return httptransport.NewRouter(a.logger, a.metrics, version, routes...)
}

func (a *app) verification(ctx context.Context) *verification.Service {
	var tweets verification.TweetSearcher = verification.DisabledTweetSearcher{}
	v := a.cfg.Verification
	if v.TwitterConsumerKey != "" && v.TwitterConsumerSecret != "" {
		tweets = verification.NewTwitterClient(ctx, v.TwitterAPIURL, v.TwitterConsumerKey, v.TwitterConsumerSecret, v.ProofFetchTimeout)
	}
	return verification.New(a.store, a.verifier, tweets,
		verification.NewHTTPProofFetcher(nil, v.ProofFetchTimeout),
		verification.WithLogger(a.logger),
		verification.WithMetrics(verification.NewMetrics(a.metrics.Registry)),
	)
}

func (a *app) importer() *replication.Importer {
	r := a.cfg.Replication
	return replication.NewImporter(a.replication, replication.NewCursorFile(r.CursorFile), r.Hosts, r.Timeout,
		replication.WithLogger(a.logger),
		replication.WithMetrics(replication.NewMetrics(a.metrics.Registry)),
	)
}

func (a *app) close() {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("failed to release resources", "error", err)
	}
}
