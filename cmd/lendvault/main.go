package main

import (
	"LendVault/internal/chain"
	"LendVault/internal/config"
	"LendVault/internal/core"
	"LendVault/internal/ingestion"
	"LendVault/internal/observability"
	"LendVault/internal/persistence"
	"LendVault/internal/projection"
	"LendVault/internal/query"
	"LendVault/internal/server"
	"LendVault/migrations"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: LendVault starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: load config: %v", err)
	}
	startTime := time.Now()

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	// --- Run SQL migrations ---
	var migrationFS fs.FS = migrations.FS
	if cfg.MigrationsDir != "" {
		migrationFS = os.DirFS(cfg.MigrationsDir)
	}
	if err := persistence.NewMigrator(db, migrationFS).Up(ctx); err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Println("INFO: migrations applied")

	snapMgr := persistence.NewSnapshotManager(db)
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.RegisterCheck("postgres", db.PingContext)

	// --- Host chain ---
	host, err := chain.New(cfg.Genesis)
	if err != nil {
		log.Fatalf("FATAL: build chain from genesis: %v", err)
	}

	// --- Channels ---
	// Persist channel blocks (backpressure), projection and publish drop.
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	persistWorkerChan := make(chan persistence.Record, cfg.PersistChanSize)
	projectionWorkerChan := make(chan projection.Output, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)

	// --- Deterministic core ---
	deterministicCore := core.NewDeterministicCore(host, core.Options{
		Contract:       cfg.ContractAddress,
		StartSequence:  1,
		LRUCapacity:    cfg.IdempotencyLRUCapacity,
		DBChecker:      persistence.NewPostgresIdempotencyChecker(db),
		Metrics:        metrics,
		PersistChan:    persistCoreChan,
		ProjectionChan: projectionCoreChan,
	})

	// --- Recovery: snapshot + replay ---
	replayStart := time.Now()
	fromSequence, err := restoreLatestSnapshot(ctx, snapMgr, deterministicCore)
	if err != nil {
		log.Fatalf("FATAL: restore snapshot: %v", err)
	}
	replayCount, err := replayEventsFromLog(ctx, snapMgr, deterministicCore, fromSequence, metrics)
	if err != nil {
		log.Fatalf("FATAL: event replay failed: %v", err)
	}
	metrics.ReplayDuration.Set(time.Since(replayStart).Seconds())
	if replayCount > 0 {
		log.Printf("INFO: replayed %d events (sequence now at %d)", replayCount, deterministicCore.GetSequence())
	}

	recent, err := persistence.NewPostgresIdempotencyChecker(db).RecentMsgIDs(ctx, min(cfg.IdempotencyLRUCapacity, 100_000))
	if err != nil {
		log.Printf("WARN: warm idempotency LRU: %v", err)
	} else {
		deterministicCore.WarmLRU(recent)
	}

	if err := projection.RebuildProjections(ctx, db, cfg.ContractAddress); err != nil {
		log.Fatalf("FATAL: rebuild projections: %v", err)
	}

	// --- NATS ---
	var natsOpts []nats.Option
	if cfg.NATSCredsFile != "" {
		natsOpts = append(natsOpts, nats.UserCredentials(cfg.NATSCredsFile))
	}
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, natsOpts...)
	if err != nil {
		log.Fatalf("FATAL: nats connect: %v", err)
	}
	defer nc.Close()
	log.Println("INFO: NATS connected")
	healthChecker.RegisterCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure NATS streams: %v", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure outbound stream: %v", err)
	}

	// --- Ingestion: NATS and API share one submission queue ---
	rawEventChan := make(chan ingestion.RawEvent, 256)
	submitChan := make(chan ingestion.Submission, 256)

	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan)
	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan)
	submitService := ingestion.NewSubmitService(submitChan)

	// --- Services ---
	queryService := query.NewQueryService(db, deterministicCore, startTime)
	auth := server.NewAuthenticator(server.AuthConfig{
		HMACSecret: cfg.AuthHMACSecret,
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		ClockSkew:  cfg.AuthClockSkew,
	})
	if auth == nil {
		log.Println("WARN: no auth secret configured; API execute disabled, NATS is the only execute ingress")
	}
	vaultService := server.NewVaultService(submitService, queryService, auth, cfg.RateLimitPerSecond, cfg.RateLimitBurst, metrics)
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, vaultService, healthChecker, metrics)

	// --- Start goroutines ---
	// Output workers run on their own context: on shutdown they drain what
	// the core already applied before the final snapshot is taken.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	errChan := make(chan error, 10)
	loopDone := make(chan struct{})
	persistDone := make(chan struct{})

	// 1. Persistence worker
	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	// 2. Projection worker
	projWorker := projection.NewProjectionWorker(db, cfg.ContractAddress, projectionWorkerChan, metrics)
	go func() {
		if err := projWorker.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			errChan <- fmt.Errorf("projection worker: %w", err)
		}
	}()

	// 3. Outbound publisher
	go func() {
		if err := outboundPublisher.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			errChan <- fmt.Errorf("outbound publisher: %w", err)
		}
	}()

	// 4. Core output bridge
	go bridgeCoreOutputs(persistCoreChan, projectionCoreChan, persistWorkerChan, projectionWorkerChan, publishChan, metrics)

	// 5. NATS parse stage
	go func() {
		if err := ingestion.RunParser(ctx, rawEventChan, submitChan, metrics); err != nil && ctx.Err() == nil {
			errChan <- fmt.Errorf("nats parser: %w", err)
		}
	}()

	// 6. Core loop, the single owner of the core from here on
	loop := newCoreLoop(deterministicCore, snapMgr, cfg.SnapshotInterval, metrics)
	go func() {
		defer close(loopDone)
		loop.run(ctx, submitChan)
	}()

	if err := natsSubscriber.Subscribe(ctx); err != nil {
		log.Fatalf("FATAL: nats subscribe: %v", err)
	}

	// 7. gRPC server
	go func() {
		errChan <- grpcServer.StartGRPC(ctx)
	}()

	// 8. HTTP/JSON gateway
	go func() {
		errChan <- grpcServer.StartHTTPGateway(ctx)
	}()

	// 9. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Printf("INFO: Metrics server listening on %s/metrics", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// 10. Channel fill levels
	go observeChannels(ctx, metrics, map[string]func() (int, int){
		"persist":    func() (int, int) { return len(persistCoreChan), cap(persistCoreChan) },
		"projection": func() (int, int) { return len(projectionCoreChan), cap(projectionCoreChan) },
		"publish":    func() (int, int) { return len(publishChan), cap(publishChan) },
		"submit":     func() (int, int) { return len(submitChan), cap(submitChan) },
	})

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	log.Printf("INFO: LendVault ready (sequence=%d, contract=%s, grpc=%s, http=%s, metrics=%s)",
		deterministicCore.GetSequence(), cfg.ContractAddress, cfg.GRPCAddr, cfg.HTTPAddr, cfg.MetricsAddr)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	// --- Graceful shutdown ---
	// Stop intake, wait for the core loop, drain the event log writer, then
	// snapshot from this goroutine, which owns the core once the loop exited.
	healthChecker.SetReady(false)
	natsSubscriber.Stop()
	cancel()
	<-loopDone

	close(persistCoreChan)
	close(projectionCoreChan)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	select {
	case <-persistDone:
		log.Println("INFO: event log flushed")
	case <-shutdownCtx.Done():
		log.Println("WARN: timed out waiting for the event log flush")
	}
	workerCancel()

	if err := loop.takeSnapshot(shutdownCtx); err != nil {
		log.Printf("ERROR: final snapshot failed: %v", err)
	} else {
		log.Println("INFO: final snapshot saved")
	}

	log.Println("INFO: LendVault shutdown complete")
}

// restoreLatestSnapshot loads the newest verified snapshot into the core and
// returns the first sequence to replay. A snapshot ahead of the event log
// (written before its events were flushed) is ignored.
func restoreLatestSnapshot(ctx context.Context, snapMgr *persistence.SnapshotManager, c *core.DeterministicCore) (int64, error) {
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Printf("WARN: failed to load snapshot: %v", err)
		snap = nil
	}
	if snap == nil {
		log.Println("INFO: no snapshot found, cold start from sequence 1")
		return 1, nil
	}

	latest, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return 0, fmt.Errorf("latest logged sequence: %w", err)
	}
	if snap.Sequence > latest {
		log.Printf("WARN: snapshot at %d is ahead of the event log head %d, replaying from genesis",
			snap.Sequence, latest)
		return 1, nil
	}

	coreSnap, err := fromSnapshotData(snap)
	if err != nil {
		return 0, err
	}
	if err := c.RestoreFromSnapshot(coreSnap); err != nil {
		return 0, err
	}
	log.Printf("INFO: restored state from snapshot at sequence %d", snap.Sequence)
	return snap.Sequence + 1, nil
}
