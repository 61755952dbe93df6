package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
	"github.com/phrazzld/studus-sync/internal/admission"
	"github.com/phrazzld/studus-sync/internal/api"
	"github.com/phrazzld/studus-sync/internal/browser"
	"github.com/phrazzld/studus-sync/internal/config"
	"github.com/phrazzld/studus-sync/internal/lock"
	"github.com/phrazzld/studus-sync/internal/platform/kv"
	"github.com/phrazzld/studus-sync/internal/platform/logger"
	"github.com/phrazzld/studus-sync/internal/platform/postgres"
	"github.com/phrazzld/studus-sync/internal/portal"
	"github.com/phrazzld/studus-sync/internal/processor"
	"github.com/phrazzld/studus-sync/internal/queue"
	"github.com/phrazzld/studus-sync/internal/service"
	"github.com/phrazzld/studus-sync/internal/service/auth"
	"github.com/phrazzld/studus-sync/internal/session"
	"github.com/phrazzld/studus-sync/internal/store"
	"github.com/phrazzld/studus-sync/internal/task"
	"github.com/redis/go-redis/v9"
)

// Process roles, attached to every log record.
const (
	roleAPI     = "api"
	roleWorker  = "worker"
	roleMigrate = "migrate"
	roleMaint   = "maintenance"
)

const (
	dbPingTimeout   = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

// errMemoryQueueWorker is returned when a standalone worker is started on the
// in-process queue, which it could never receive jobs from.
var errMemoryQueueWorker = errors.New(
	"the worker command requires queue.backend=redis; with the memory backend the api command runs the worker")

// application holds the shared dependencies of the api and worker processes
// and releases them on cleanup.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB
	redis  *redis.Client

	users    store.UserStore
	tasks    task.Store
	academic store.AcademicStore

	queue    queue.Queue
	cancels  *kv.CancelRegistry
	sessions *session.Manager
}

// loadAppConfig loads the configuration and sets up the process logger.
func loadAppConfig(path, role string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(cfg.Server, role)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	log.Info("configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"queue_backend", cfg.Queue.Backend)
	log.Debug("secrets present",
		"database_url", cfg.Database.URL != "",
		"jwt_secret", cfg.Auth.JWTSecret != "",
		"redis_password", cfg.Redis.Password != "")
	return cfg, log, nil
}

// setupAppDatabase opens the pgx-backed pool and verifies the connection.
func setupAppDatabase(ctx context.Context, cfg config.DatabaseConfig, log *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, dbPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("database connection established",
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns)
	return db, nil
}

// newApplication loads configuration and connects to PostgreSQL and Redis.
func newApplication(ctx context.Context, configFile, role string) (*application, error) {
	cfg, log, err := loadAppConfig(configFile, role)
	if err != nil {
		return nil, err
	}
	if role == roleWorker && cfg.Queue.Backend == "memory" {
		return nil, errMemoryQueueWorker
	}

	db, err := setupAppDatabase(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}

	client, err := kv.NewClient(ctx, cfg.Redis)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("redis connection established", "addr", cfg.Redis.Addr)

	app, err := buildApplication(ctx, cfg, log, db, client)
	if err != nil {
		_ = client.Close()
		_ = db.Close()
		return nil, err
	}
	return app, nil
}

// buildApplication wires stores, queue and session manager around open
// connections.
func buildApplication(
	ctx context.Context,
	cfg *config.Config,
	log *slog.Logger,
	db *sql.DB,
	client *redis.Client,
) (*application, error) {
	app := &application{
		config:   cfg,
		logger:   log,
		db:       db,
		redis:    client,
		users:    postgres.NewPostgresUserStore(db, log),
		tasks:    postgres.NewPostgresTaskStore(db, log),
		academic: postgres.NewPostgresAcademicStore(db, log),
		cancels:  kv.NewCancelRegistry(client, kv.DefaultCancelTTL),
	}

	q, err := buildQueue(ctx, cfg.Queue, client, log)
	if err != nil {
		return nil, err
	}
	app.queue = q

	app.sessions = session.NewManager(
		cfg.Session,
		cfg.Portal.BaseURL,
		browser.NewLauncher(cfg.Browser, log),
		client,
		app.users,
		log,
	)
	return app, nil
}

// buildQueue returns the configured queue backend.
func buildQueue(ctx context.Context, cfg config.QueueConfig, client redis.Cmdable, log *slog.Logger) (queue.Queue, error) {
	switch cfg.Backend {
	case "memory":
		log.Warn("using in-process job queue; jobs are lost on restart")
		return queue.NewMemoryQueue(cfg.MemorySize, cfg.MaxDeliveries, log), nil
	case "redis":
		q, err := queue.NewRedisStreamQueue(ctx, client, queue.StreamConfig{
			Stream:            cfg.Stream,
			Group:             cfg.Group,
			VisibilityTimeout: cfg.VisibilityTimeout,
			MaxDeliveries:     cfg.MaxDeliveries,
			BlockTimeout:      cfg.BlockTimeout,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis stream queue: %w", err)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

// healthCheck pings PostgreSQL and Redis.
func (app *application) healthCheck(ctx context.Context) error {
	if err := app.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := app.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// router builds the HTTP handler of the api process.
func (app *application) router() (http.Handler, error) {
	jwtService, err := auth.NewJWTService(app.config.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize JWT service: %w", err)
	}

	admitter := admission.NewService(
		lock.NewRedisLocker(app.redis, app.logger),
		app.tasks,
		app.queue,
		app.cancels,
		app.config.Lock.AdmissionTTL,
		app.logger,
	)

	router := api.NewRouter(api.RouterDeps{
		Logger: app.logger,
		JWT:    jwtService,
		Users: service.NewUserService(
			app.users,
			auth.NewBcryptVerifier(),
			app.config.Auth.BcryptCost,
			app.logger,
		),
		Admitter:           admitter,
		Tasks:              app.tasks,
		Stats:              service.NewStatsService(app.tasks, app.config.Sync.StatsSampleSize, app.logger),
		Sessions:           app.sessions,
		Academic:           app.academic,
		HealthCheck:        app.healthCheck,
		RateLimitPerMinute: app.config.Server.RateLimitPerMinute,
	})
	return router, nil
}

// newTaskWorker registers the LOGIN and SYNC processors on a worker.
func (app *application) newTaskWorker() *task.Worker {
	deps := processor.Deps{
		Sessions:      app.sessions,
		Portal:        portal.NewStudus(app.config.Portal.BaseURL, app.logger),
		Users:         app.users,
		Logs:          app.tasks,
		ScreenshotDir: app.config.Worker.ScreenshotDir,
		Logger:        app.logger,
	}

	w := task.NewWorker(app.queue, app.tasks, app.cancels, task.WorkerConfig{
		WorkerCount:        app.config.Worker.WorkerCount,
		JobTimeout:         app.config.Worker.JobTimeout,
		CancelPollInterval: app.config.Worker.CancelPollInterval,
	}, app.logger)
	w.Register(task.TypeLogin, processor.NewLogin(deps))
	w.Register(task.TypeSync, processor.NewSync(deps, app.academic, processor.SyncConfig{
		MaxRelogins: app.config.Sync.MaxRelogins,
	}))
	return w
}

// addWorkerServices puts the session manager, the task worker and the stuck
// task reconciler under sup.
func (app *application) addWorkerServices(sup supervisor) {
	sup.Add(app.sessions)
	sup.Add(app.newTaskWorker())
	sup.Add(task.NewReconciler(
		app.tasks,
		app.config.Worker.StuckTaskAge,
		app.config.Worker.StuckTaskCheckInterval,
		app.logger,
	))
}

// runAPI serves HTTP until ctx is canceled.
func (app *application) runAPI(ctx context.Context) error {
	handler, err := app.router()
	if err != nil {
		return err
	}

	sup := newSupervisor("studus-api", app.logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	sup.Add(newHTTPServerService(server, shutdownTimeout))

	if app.config.Queue.Backend == "memory" {
		app.logger.Info("running worker in the api process")
		app.addWorkerServices(sup)
	}

	app.logger.Info("starting api server", "port", app.config.Server.Port)
	return serveUntilDone(ctx, sup, app.logger)
}

// runWorker consumes tasks until ctx is canceled.
func (app *application) runWorker(ctx context.Context) error {
	sup := newSupervisor("studus-worker", app.logger)
	app.addWorkerServices(sup)

	app.logger.Info("starting worker",
		"worker_count", app.config.Worker.WorkerCount,
		"max_sessions", app.config.Session.MaxSessions)
	return serveUntilDone(ctx, sup, app.logger)
}

// cleanup closes the queue and both connections.
func (app *application) cleanup() {
	if app.queue != nil {
		if err := app.queue.Close(); err != nil {
			app.logger.Error("error closing job queue", "error", err)
		}
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("error closing redis client", "error", err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}
	app.logger.Info("application shutdown completed")
}
