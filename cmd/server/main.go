package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"custodia/internal/agent"
	"custodia/internal/assetgroup"
	"custodia/internal/authorization"
	"custodia/internal/directory"
	"custodia/internal/entity"
	"custodia/internal/incident"
	"custodia/internal/owner"
	"custodia/internal/platform/config"
	"custodia/internal/platform/httpserver"
	"custodia/internal/platform/kafka"
	"custodia/internal/platform/logger"
	"custodia/internal/platform/metrics"
	"custodia/internal/platform/middleware"
	"custodia/internal/platform/redis"
	"custodia/internal/queue"
	"custodia/internal/sharingrequest"
	"custodia/internal/storage"
	"custodia/internal/transferrequest"
	httptransport "custodia/internal/transport/http"
	"custodia/internal/variantdefinition"
	"custodia/internal/variantrequest"
	"custodia/pkg/platform/audit"
	"custodia/pkg/platform/audit/publisher"
	auditmemory "custodia/pkg/platform/audit/store/memory"
	auditpostgres "custodia/pkg/platform/audit/store/postgres"
)

// entityStore is what the wiring below needs from a store implementation.
type entityStore interface {
	storage.Store
	storage.Writer
}

// main wires the deployment graph and keeps the server lifecycle small.
// Business rules live in the per-kind writer packages.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()
	log := logger.New(logger.ParseLevel(os.Getenv("CUSTODIA_LOG_LEVEL")))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Audit trail. It gets its own connection pool so a burst of history
	// reads never starves entity writes.
	auditStore := audit.Store(auditmemory.NewInMemoryStore())
	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		auditDB, err := sql.Open("postgres", dsn)
		if err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
		defer auditDB.Close()
		auditStore = auditpostgres.New(auditDB)
	}

	auditPublisher := publisher.NewPublisher(auditStore,
		publisher.WithAsyncBuffer(cfg.AuditBufferSize),
		publisher.WithLogger(log),
	)
	defer auditPublisher.Close()

	emitters := fanout{auditPublisher}
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafka.NewProducer(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic, kafka.WithLogger(log))
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
		emitters = append(emitters, producer)
	}

	// Entity store. Without a DSN the in-memory store keeps local runs and
	// smoke tests working.
	storeOpts := []storage.Option{storage.WithLogger(log), storage.WithEmitter(emitters)}
	var store entityStore = storage.NewMemory(storeOpts...)
	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		entityDB, err := sql.Open("pgx", dsn)
		if err != nil {
			return fmt.Errorf("open entity store: %w", err)
		}
		defer entityDB.Close()
		store = storage.NewPostgres(entityDB, storeOpts...)
	}

	// Redis backs the directory cache and the work-item queue. Both degrade
	// gracefully when it is not configured.
	redisClient, err := redis.New(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	var dir directory.Client = directory.NewHTTP(cfg.DirectoryBaseURL)
	var workQueue queue.Enqueuer = queue.Nop{}
	if redisClient != nil {
		defer redisClient.Close()
		dir = directory.NewCached(dir, redisClient.Client, directory.WithLogger(log))
		workQueue = queue.NewRedis(redisClient.Client, cfg.WorkQueueKey)
	}

	authz := authorization.NewProvider(dir, authorization.Config{
		ServiceAdminGroups:         cfg.Authz.ServiceAdminGroups,
		VariantEditorGroups:        cfg.Authz.VariantEditorGroups,
		IncidentManagerGroups:      cfg.Authz.IncidentManagerGroups,
		VariantEditorApplicationID: cfg.Authz.VariantEditorApplicationID,
	}, authorization.WithLogger(log))

	var confirmer incident.Confirmer = incident.Nop{}
	if cfg.IncidentBaseURL != "" {
		confirmer = incident.NewClient(cfg.IncidentBaseURL, incident.WithLogger(log))
	}

	owners := storage.NewOwners(store, nil)
	agents := storage.NewAgents(store, nil)
	groups := storage.NewAssetGroups(store, nil)
	sharing := storage.NewSharingRequests(store, nil)
	variants := storage.NewVariantRequests(store, nil)
	transfers := storage.NewTransferRequests(store, nil)
	definitions := storage.NewVariantDefinitions(store, nil)

	writeMetrics := metrics.New()
	driverOpts := []entity.DriverOption{
		entity.WithLogger(log),
		entity.WithObserver(writeMetrics),
	}

	relationships := assetgroup.NewRelationshipManager(groups, agents, owners, sharing, store, authz)
	writers := httptransport.Writers{
		Owners:      owner.NewWriter(owners, store, dir, authz, driverOpts...),
		Agents:      agent.NewWriter(agents, owners, store, authz, nil, confirmer, driverOpts...),
		AssetGroups: assetgroup.NewWriter(groups, owners, store, relationships, authz, driverOpts...),
		Sharing:     sharingrequest.NewWriter(sharing, groups, agents, owners, store, authz, driverOpts...),
		Variants:    variantrequest.NewWriter(variants, groups, owners, definitions, store, workQueue, authz, driverOpts...),
		Transfers:   transferrequest.NewWriter(transfers, groups, owners, store, authz, driverOpts...),
		Definitions: variantdefinition.NewWriter(definitions, store, authz, driverOpts...),
	}

	validator := middleware.NewHMACValidator(cfg.Server.JWTSigningKey)
	handler := middleware.RequestID(
		httptransport.NewRouter(writers, middleware.RequirePrincipal(validator, log)),
	)

	srv := httpserver.New(cfg.Server.Addr, handler)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("custodia listening", slog.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// fanout spreads one audit stream over every configured sink.
type fanout []storage.Emitter

func (f fanout) Emit(ctx context.Context, event audit.Event) error {
	var errs []error
	for _, e := range f {
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
