// Package server wires the securemsg engine together: storage, broker,
// audit archive, worker pools, the E2EE services and their periodic jobs,
// the websocket push endpoint and the gRPC admin API. It also owns the
// shutdown order.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/securemsg/internal/dbx"
	"github.com/dmitrijs2005/securemsg/internal/logging"
	"github.com/dmitrijs2005/securemsg/internal/server/audit"
	"github.com/dmitrijs2005/securemsg/internal/server/broker"
	"github.com/dmitrijs2005/securemsg/internal/server/cache"
	"github.com/dmitrijs2005/securemsg/internal/server/config"
	"github.com/dmitrijs2005/securemsg/internal/server/events"
	"github.com/dmitrijs2005/securemsg/internal/server/models"
	"github.com/dmitrijs2005/securemsg/internal/server/realtime"
	"github.com/dmitrijs2005/securemsg/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/securemsg/internal/server/scheduler"
	"github.com/dmitrijs2005/securemsg/internal/server/services"
	"github.com/dmitrijs2005/securemsg/internal/server/workers"
	"github.com/sethvargo/go-retry"

	gs "github.com/dmitrijs2005/securemsg/internal/server/grpc"
)

const (
	dbPingAttempts  = 8
	dbPingBase      = 250 * time.Millisecond
	jobTimeout      = 5 * time.Minute
	shutdownTimeout = 10 * time.Second
)

type App struct {
	config *config.Config
	logger logging.Logger

	db       *sql.DB
	broker   broker.Broker
	keyCache *cache.Cache[*models.PublicKey]
	pools    *workers.Pools
	hub      *realtime.Hub

	registry    *services.KeyRegistry
	distributor *services.SessionKeyDistributor
	store       *services.MessageStore
	rotation    *services.KeyRotationScheduler
	scheduler   *scheduler.Scheduler
}

// NewApp connects the configured backends and builds every service. On the
// postgres backend it waits for the database and applies migrations.
func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.NewJSONLogger(os.Stdout, logging.ParseLevel(c.LogLevel))
	return newApp(ctx, c, logger)
}

func newApp(ctx context.Context, c *config.Config, logger logging.Logger) (*App, error) {
	app := &App{config: c, logger: logger}

	var (
		repos repomanager.RepositoryManager
		tx    dbx.Transactor
		dbtx  dbx.DBTX
	)
	switch c.StorageBackend {
	case config.BackendPostgres:
		db, err := sql.Open("pgx", c.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("db init error: %w", err)
		}
		if err := waitForDB(ctx, db, dbPingBase); err != nil {
			db.Close()
			return nil, fmt.Errorf("db init error: %w", err)
		}
		repos = repomanager.NewPostgresRepositoryManager()
		if err := repos.RunMigrations(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		app.db, dbtx = db, db
		tx = dbx.NewSQLTransactor(db, nil)
	case config.BackendMemory:
		repos = repomanager.NewMemoryRepositoryManager()
		tx = dbx.NopTransactor{}
	default:
		return nil, fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}

	switch c.BrokerBackend {
	case config.BackendKafka:
		app.broker = broker.NewKafkaBroker(c.KafkaBrokers)
	case config.BackendLog:
		app.broker = broker.NewLogBroker(logger)
	default:
		return nil, fmt.Errorf("unknown broker backend %q", c.BrokerBackend)
	}

	var sink audit.Sink
	switch c.AuditBackend {
	case config.BackendS3:
		s3, err := audit.NewS3Sink(ctx, audit.S3Config{
			Region:       c.S3Region,
			AccessKey:    c.S3RootUser,
			SecretKey:    c.S3RootPassword,
			Bucket:       c.S3Bucket,
			BaseEndpoint: c.S3BaseEndpoint,
		})
		if err != nil {
			return nil, err
		}
		sink = s3
	case config.BackendLog:
		sink = audit.NewLogSink(logger)
	default:
		return nil, fmt.Errorf("unknown audit backend %q", c.AuditBackend)
	}

	app.hub = realtime.NewHub(c.DefaultTenantID, logger)
	app.pools = workers.NewPools(
		workers.Sizes{Workers: c.E2EEPoolSize, Queue: c.E2EEQueueSize},
		workers.Sizes{Workers: c.SignaturePoolSize, Queue: c.SignatureQueueSize},
		workers.Sizes{Workers: c.CleanupPoolSize, Queue: c.CleanupQueueSize},
		logger,
	)
	app.keyCache = cache.New[*models.PublicKey](c.PublicKeyCacheTTL, 0)

	d := services.Deps{
		DB:        dbtx,
		Tx:        tx,
		Repos:     repos,
		Publisher: events.NewPublisher(app.broker, app.hub, sink, c.TopicPrefix, logger),
		Pools:     app.pools,
		Config:    c,
		Log:       logger,
		Now:       time.Now,
	}
	app.registry = services.NewKeyRegistry(d, app.keyCache)
	app.distributor = services.NewSessionKeyDistributor(d, app.registry)
	app.store = services.NewMessageStore(d, app.registry)
	app.rotation = services.NewKeyRotationScheduler(d, app.registry, app.distributor)

	app.scheduler = scheduler.New(logger)
	for _, job := range app.jobs() {
		app.scheduler.Add(job)
	}
	return app, nil
}

// waitForDB pings db with exponential backoff until it answers.
func waitForDB(ctx context.Context, db *sql.DB, base time.Duration) error {
	b := retry.WithMaxRetries(dbPingAttempts, retry.NewExponential(base))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (app *App) jobs() []scheduler.Job {
	c := app.config
	return []scheduler.Job{
		{
			Name:     scheduler.JobSelfDestruct,
			Interval: c.SelfDestructCleanupInterval,
			Timeout:  jobTimeout,
			Run: func(ctx context.Context) (int64, error) {
				n, err := app.store.CleanupSelfDestructMessages(ctx)
				return int64(n), err
			},
		},
		{
			Name:     scheduler.JobExpiredMessages,
			Interval: c.MessageCleanupInterval,
			Timeout:  jobTimeout,
			Run:      app.store.CleanupExpiredMessages,
		},
		{
			Name:     scheduler.JobExpiredKeys,
			Interval: c.KeyCleanupInterval,
			Timeout:  jobTimeout,
			Run:      app.registry.CleanupExpiredKeys,
		},
		{
			Name:     scheduler.JobRotation,
			Interval: c.RotationCheckInterval,
			Timeout:  jobTimeout,
			Run: func(ctx context.Context) (int64, error) {
				n, err := app.rotation.CheckAndRotateKeys(ctx)
				return int64(n), err
			},
		},
	}
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	s := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, app.rotation, app.scheduler, app.config.SecretKey)
	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) startWSServer(ctx context.Context, cancelFunc context.CancelFunc) {
	srv := &http.Server{
		Addr:              app.config.EndpointAddrWS,
		Handler:           realtime.NewRouter(app.hub, []byte(app.config.SecretKey)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		app.logger.Info(ctx, "Stopping websocket server...")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	app.logger.Info(ctx, "Starting websocket server", "address", app.config.EndpointAddrWS)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// Run serves until ctx is cancelled or a signal arrives, then shuts down:
// servers first, then the scheduler, then the worker pools, and finally the
// hub, broker, cache and database.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")
	app.initSignalHandler(cancelFunc)

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		app.hub.Run(hubCtx)
	}()

	app.pools.Start()
	app.keyCache.Start()
	app.scheduler.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.startWSServer(ctx, cancelFunc)
	}()

	<-ctx.Done()
	wg.Wait()

	app.scheduler.Stop()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.pools.Stop(sctx); err != nil {
		app.logger.Warn(sctx, "worker pools did not drain", "error", err)
	}

	stopHub()
	<-hubDone
	if err := app.broker.Close(); err != nil {
		app.logger.Warn(sctx, "broker close failed", "error", err)
	}
	app.keyCache.Stop()
	if app.db != nil {
		app.db.Close()
	}
	app.logger.Info(sctx, "Stopped")
}
