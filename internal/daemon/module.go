package daemon

import (
	"context"
	"fmt"
	"net/http"
	gosync "sync"

	"github.com/matheus3301/tgcrm/internal/account"
	"github.com/matheus3301/tgcrm/internal/api"
	"github.com/matheus3301/tgcrm/internal/blob"
	"github.com/matheus3301/tgcrm/internal/bus"
	"github.com/matheus3301/tgcrm/internal/classify"
	"github.com/matheus3301/tgcrm/internal/config"
	"github.com/matheus3301/tgcrm/internal/control"
	"github.com/matheus3301/tgcrm/internal/dedup"
	"github.com/matheus3301/tgcrm/internal/lock"
	"github.com/matheus3301/tgcrm/internal/logging"
	"github.com/matheus3301/tgcrm/internal/outbox"
	"github.com/matheus3301/tgcrm/internal/platform"
	"github.com/matheus3301/tgcrm/internal/search"
	"github.com/matheus3301/tgcrm/internal/status"
	"github.com/matheus3301/tgcrm/internal/store"
	intsync "github.com/matheus3301/tgcrm/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved account configuration passed to the fx module.
type Params struct {
	Account    string
	SocketPath string // optional override for testing; empty = use default
	HTTPAddr   string // optional override of http.addr
	// Platform replaces the gateway client when set. Tests use it.
	Platform platform.Client
}

// WorkerID identifies this daemon process in locks, claims and runs.
type WorkerID string

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideSettings,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideFileLock,
			provideStore,
			provideWorkerID,
			provideLockManager,
			providePlatform,
			provideDedup,
			provideSyncEngine,
			provideController,
			provideListener,
			provideDiscoverer,
			provideReporter,
			provideQueue,
			provideBlobs,
			provideOutboxWorker,
			provideJanitor,
			provideSearch,
			provideClassifier,
			provideHandler,
			provideHTTPServer,
			provideControlServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideSettings(p Params) (*config.Settings, error) {
	s, err := config.LoadSettings(account.SettingsPath(p.Account))
	if err != nil {
		return nil, err
	}
	if p.HTTPAddr != "" {
		s.HTTP.Addr = p.HTTPAddr
	}
	return s, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := account.EnsureDir(p.Account); err != nil {
		return nil, err
	}
	return logging.New(account.LogPath(p.Account), p.Account)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideFileLock(p Params, logger *zap.Logger) (*lock.FileLock, error) {
	logger.Info("acquiring account lock", zap.String("account", p.Account))
	l, err := lock.AcquireFile(account.Dir(p.Account))
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	return l, nil
}

// provideStore depends on the file lock so two daemons never migrate the
// same SQLite file.
func provideStore(p Params, s *config.Settings, _ *lock.FileLock, logger *zap.Logger) (*store.DB, error) {
	var (
		db  *store.DB
		err error
	)
	switch s.Database.Driver {
	case "postgres":
		db, err = store.OpenPostgres(context.Background(), s.Database.DSN)
	default:
		path := s.Database.Path
		if path == "" {
			path = account.DBPath(p.Account)
		}
		db, err = store.Open(path)
	}
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("dialect", string(db.Dialect())))
	return db, nil
}

func provideWorkerID() WorkerID {
	return WorkerID(lock.NewWorkerID())
}

func provideLockManager(db *store.DB, s *config.Settings, logger *zap.Logger) *lock.Manager {
	return lock.NewManager(db, lock.Options{
		StaleAfter:     s.Sync.LockStaleAfter.Duration,
		HeartbeatEvery: s.Sync.HeartbeatEvery.Duration,
	}, logger)
}

func providePlatform(p Params, s *config.Settings, logger *zap.Logger) platform.Client {
	if p.Platform != nil {
		return p.Platform
	}
	return platform.NewGateway(s.Gateway.URL, s.Gateway.Token, &http.Client{Timeout: s.Gateway.Timeout.Duration}, logger)
}

func provideDedup(lc fx.Lifecycle, s *config.Settings, logger *zap.Logger) (dedup.Filter, error) {
	if s.Redis.URL == "" {
		return dedup.NewMemory(s.Redis.DedupTTL.Duration, 0), nil
	}
	r, err := dedup.NewRedis(context.Background(), s.Redis.URL, s.Redis.DedupTTL.Duration)
	if err != nil {
		return nil, err
	}
	logger.Info("shared dedup filter enabled")
	lc.Append(fx.StopHook(r.Close))
	return r, nil
}

func provideSyncEngine(db *store.DB, pc platform.Client, seen dedup.Filter, b *bus.Bus, s *config.Settings, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, pc, seen, b, logger, intsync.Options{PageSize: s.Gateway.PageSize})
}

func provideController(engine *intsync.Engine, db *store.DB, locks *lock.Manager, wid WorkerID, logger *zap.Logger) *intsync.Controller {
	return intsync.NewController(engine, db, locks, string(wid), logger)
}

func provideListener(engine *intsync.Engine, locks *lock.Manager, wid WorkerID, machine *status.Machine, s *config.Settings, logger *zap.Logger) *intsync.Listener {
	return intsync.NewListener(engine, locks, string(wid), machine, logger, intsync.ListenerOptions{
		Backoff:    s.Sync.ReconnectBackoff.Duration,
		MaxBackoff: s.Sync.ReconnectMax.Duration,
	})
}

func provideDiscoverer(engine *intsync.Engine, s *config.Settings, logger *zap.Logger) *intsync.Discoverer {
	return intsync.NewDiscoverer(engine, s.Sync.DiscoveryInterval.Duration, logger)
}

func provideReporter(db *store.DB, locks *lock.Manager, machine *status.Machine) *status.Reporter {
	return status.NewReporter(db, locks, machine)
}

func provideQueue(db *store.DB, b *bus.Bus) *outbox.Queue {
	return outbox.NewQueue(db, b)
}

func provideBlobs(p Params, s *config.Settings, logger *zap.Logger) (blob.Store, error) {
	if s.Blob.Endpoint == "" {
		return blob.NewDir(account.BlobDir(p.Account))
	}
	m, err := blob.NewMinIO(context.Background(), blob.MinIOConfig{
		Endpoint:  s.Blob.Endpoint,
		AccessKey: s.Blob.AccessKey,
		SecretKey: s.Blob.SecretKey,
		Bucket:    s.Blob.Bucket,
		UseSSL:    s.Blob.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("blob store: %w", err)
	}
	logger.Info("attachments stored in object storage", zap.String("endpoint", s.Blob.Endpoint), zap.String("bucket", s.Blob.Bucket))
	return m, nil
}

func provideOutboxWorker(db *store.DB, pc platform.Client, blobs blob.Store, b *bus.Bus, wid WorkerID, s *config.Settings, logger *zap.Logger) *outbox.Worker {
	o := s.Outbox
	return outbox.NewWorker(db, pc, blobs, b, string(wid), logger, outbox.Options{
		PollInterval: o.PollInterval.Duration,
		ClaimTimeout: o.ClaimTimeout.Duration,
		BatchSize:    o.BatchSize,
		MaxAttempts:  o.MaxAttempts,
		BackoffBase:  o.BackoffBase.Duration,
		BackoffMax:   o.BackoffMax.Duration,
		RateLimit:    o.RateLimit,
		RateBurst:    o.RateBurst,
	})
}

func provideJanitor(p Params, db *store.DB, blobs blob.Store, s *config.Settings, logger *zap.Logger) *outbox.Janitor {
	return outbox.NewJanitor(db, blobs, s.Outbox.Retention.Duration, s.Outbox.JanitorInterval.Duration, account.Dir(p.Account), logger)
}

// searchOut carries the search service and, when Meilisearch is
// configured, the indexer feeding it.
type searchOut struct {
	fx.Out

	Service *search.Service
	Indexer *search.Indexer
}

func provideSearch(lc fx.Lifecycle, db *store.DB, b *bus.Bus, s *config.Settings, logger *zap.Logger) searchOut {
	fallback := search.NewDB(db)
	if s.Search.MeiliURL == "" {
		return searchOut{Service: search.NewService(nil, fallback, logger)}
	}
	m := search.NewMeili(s.Search.MeiliURL, s.Search.MeiliKey, s.Search.Index, logger)
	lc.Append(fx.StopHook(m.Close))
	return searchOut{
		Service: search.NewService(m, fallback, logger),
		Indexer: search.NewIndexer(db, m, b, logger),
	}
}

func provideClassifier(db *store.DB, b *bus.Bus, s *config.Settings, logger *zap.Logger) (*classify.Service, error) {
	var c classify.Classifier
	if s.Classifier.URL != "" {
		h, err := classify.NewHTTP(s.Classifier.URL, s.Classifier.Timeout.Duration, logger)
		if err != nil {
			return nil, err
		}
		c = h
	}
	return classify.NewService(db, c, b, logger), nil
}

func provideHandler(
	p Params,
	db *store.DB,
	engine *intsync.Engine,
	controller *intsync.Controller,
	reporter *status.Reporter,
	queue *outbox.Queue,
	blobs blob.Store,
	searcher *search.Service,
	classifier *classify.Service,
	logger *zap.Logger,
) http.Handler {
	return api.NewHandler(logger,
		api.NewSyncService(controller, reporter, logger),
		api.NewChatService(db, engine, classifier, logger),
		api.NewMessageService(db, queue, blobs, searcher, logger),
		api.NewHealthService(db, searcher, account.Dir(p.Account), logger),
	)
}

func provideHTTPServer(s *config.Settings, handler http.Handler, logger *zap.Logger) (*HTTPServer, error) {
	return NewHTTPServer(s.HTTP.Addr, handler, logger)
}

func provideControlServer(p Params, controller *intsync.Controller, reporter *status.Reporter, logger *zap.Logger) (*control.Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = account.SocketPath(p.Account)
	}
	return control.NewServer(socketPath, control.NewService(controller, reporter, logger), logger)
}

type lifecycleParams struct {
	fx.In

	Params     Params
	FileLock   *lock.FileLock
	DB         *store.DB
	HTTP       *HTTPServer
	Control    *control.Server
	Listener   *intsync.Listener
	Discoverer *intsync.Discoverer
	Controller *intsync.Controller
	Worker     *outbox.Worker
	Janitor    *outbox.Janitor
	Indexer    *search.Indexer
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleParams) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg gosync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			d.Logger.Debug("background task stopped", zap.String("task", name))
		}()
	}
	logger := d.Logger

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := d.Control.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()
			go func() {
				if err := d.HTTP.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()

			d.Worker.Start(ctx)
			run("listener", d.Listener.Run)
			run("discovery", d.Discoverer.Run)
			run("janitor", d.Janitor.Run)
			if d.Indexer != nil {
				run("indexer", d.Indexer.Run)
			}
			run("config-watch", func(ctx context.Context) {
				err := config.Watch(ctx, account.SettingsPath(d.Params.Account), logger, func(s *config.Settings) {
					d.Worker.SetRate(s.Outbox.RateLimit, s.Outbox.RateBurst)
				})
				if err != nil {
					logger.Warn("config watch disabled", zap.Error(err))
				}
			})

			logger.Info("daemon started", zap.String("account", d.Params.Account), zap.String("http", d.HTTP.Addr()))
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			d.HTTP.Stop(stopCtx)
			d.Control.Stop(stopCtx)
			cancel()
			d.Worker.Stop()
			d.Controller.Close()
			wg.Wait()
			if err := d.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.FileLock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
