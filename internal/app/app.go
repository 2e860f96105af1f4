// Package app initializes and holds the long-lived services of one harvest
// run, acting as its dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/api"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/bitbucket"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/clock/system"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/config"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/dispatcher"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/harvest"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/id/uuid"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/logging"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/output"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/progress"
	progresssinks "github.com/JakeFAU/bitbucket-branch-harvester/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/bitbucket-branch-harvester/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/bitbucket-branch-harvester/internal/queue/memory"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/ratelimit"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/resume"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/storage"
	gcsstorage "github.com/JakeFAU/bitbucket-branch-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/bitbucket-branch-harvester/internal/storage/local"
	pgstore "github.com/JakeFAU/bitbucket-branch-harvester/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/bitbucket-branch-harvester/internal/storage/sqlite"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// Clock is the time source shared by the limiter, the retry layer and the
// dispatcher.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Options overrides infrastructure for tests and embedding. Zero values
// select the production implementation.
type Options struct {
	Clock      Clock
	HTTPClient *http.Client
	Registerer prometheus.Registerer
	Publisher  harvest.Publisher
	BlobStore  harvest.BlobStore
	RunID      string
}

// App holds the services of one harvest run.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	runID    string
	projects []string

	tracker    *resume.Tracker
	sink       *output.Sink
	hub        *progress.Hub
	dispatcher *dispatcher.Dispatcher
	archiver   *storage.Archiver

	listener net.Listener
	server   *http.Server
	closers  []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// New wires every service. Startup failures (unreadable project file, output
// or resume files that cannot be opened, unreachable mirrors) are returned
// before any request reaches Bitbucket.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}

	runID := opts.RunID
	if runID == "" {
		if runID, err = uuid.New().NewID(); err != nil {
			return nil, err
		}
	}
	runBytes, err := progress.ParseRunID(runID)
	if err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}
	logger = logging.WithRun(logger, runID)

	a := &App{cfg: cfg, logger: logger, runID: runID}
	defer func() {
		if err != nil {
			a.closeAll(context.WithoutCancel(ctx))
		}
	}()

	if a.projects, err = harvest.LoadProjectKeys(cfg.Harvest.ProjectFile); err != nil {
		return nil, err
	}

	client, err := a.setupClient(cfg, opts)
	if err != nil {
		return nil, err
	}

	if a.tracker, err = resume.Open(cfg.Harvest.ResumeFile); err != nil {
		return nil, err
	}
	a.addCloser("resume log", func(context.Context) error { return a.tracker.Close() })

	mirrors, err := a.setupMirrors(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if a.sink, err = output.Open(output.Options{
		NDJSONPath: cfg.Harvest.OutNDJSON,
		CSVPath:    cfg.Harvest.OutCSV,
		RunID:      runID,
		Mirrors:    mirrors,
		Logger:     logger.Named("output"),
	}); err != nil {
		return nil, err
	}
	a.addCloser("output", a.sink.Close)

	if a.hub, err = a.setupProgress(ctx, cfg, opts); err != nil {
		return nil, err
	}

	if a.archiver, err = a.setupArchive(ctx, cfg, opts); err != nil {
		return nil, err
	}

	outer := cfg.Harvest.MaxConcurrent
	queue := queueMemory.NewQueue(3 * outer)
	workers := make([]*worker.Worker, outer)
	for i := range workers {
		workers[i] = worker.New(queue, client, a.sink, a.tracker, a.hub, opts.Clock,
			worker.Config{InnerConcurrency: worker.DefaultInnerConcurrency, RunID: runBytes},
			logger.Named("worker").With(zap.Int("index", i)),
		)
	}
	a.dispatcher = dispatcher.New(client, a.tracker, queue, workers, a.hub, opts.Clock,
		dispatcher.Config{RunID: runBytes}, logger.Named("dispatcher"))

	if cfg.Server.Addr != "" {
		if err = a.setupServer(cfg.Server.Addr); err != nil {
			return nil, err
		}
	}

	logger.Info("harvester initialized",
		zap.String("api_root", bitbucket.APIRoot(cfg.Bitbucket.BaseURL)),
		zap.Int("projects", len(a.projects)),
		zap.Int("max_concurrent", outer),
		zap.Float64("rps", cfg.Harvest.RPS),
		zap.Int("resumed", a.tracker.Len()),
	)
	return a, nil
}

func (a *App) setupClient(cfg config.Config, opts Options) (*bitbucket.Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		creds := cfg.Credentials()
		var err error
		httpClient, err = bitbucket.NewHTTPClient(creds, bitbucket.ParseVerifySSL(cfg.Bitbucket.VerifySSL),
			cfg.Timeout(), cfg.Harvest.MaxConcurrent*worker.DefaultInnerConcurrency)
		if err != nil {
			return nil, fmt.Errorf("http client: %w", err)
		}
	}
	client, err := bitbucket.New(bitbucket.Options{
		APIRoot:    bitbucket.APIRoot(cfg.Bitbucket.BaseURL),
		HTTPClient: httpClient,
		Limiter:    ratelimit.New(cfg.Harvest.RPS, opts.Clock),
		Sleeper:    opts.Clock,
		Logger:     a.logger.Named("bitbucket"),
	})
	if err != nil {
		return nil, fmt.Errorf("bitbucket client: %w", err)
	}
	return client, nil
}

func (a *App) setupMirrors(ctx context.Context, cfg config.Config) (map[string]harvest.RowMirror, error) {
	switch cfg.DB.Provider {
	case config.ProviderPostgres:
		store, err := pgstore.NewRowStore(ctx, pgstore.Config{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: cfg.DB.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres mirror: %w", err)
		}
		a.addCloser("postgres mirror", func(context.Context) error { store.Close(); return nil })
		a.logger.Info("mirroring rows to postgres", zap.String("table", cfg.DB.Table))
		return map[string]harvest.RowMirror{config.ProviderPostgres: store}, nil
	case config.ProviderSQLite:
		store, err := sqlitestore.Open(ctx, cfg.DB.SQLitePath, cfg.DB.Table)
		if err != nil {
			return nil, fmt.Errorf("sqlite mirror: %w", err)
		}
		a.addCloser("sqlite mirror", func(context.Context) error { return store.Close() })
		a.logger.Info("mirroring rows to sqlite", zap.String("path", cfg.DB.SQLitePath))
		return map[string]harvest.RowMirror{config.ProviderSQLite: store}, nil
	default:
		return nil, nil
	}
}

func (a *App) setupProgress(ctx context.Context, cfg config.Config, opts Options) (*progress.Hub, error) {
	promSink, err := progresssinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress")),
		promSink,
	}
	if topic := cfg.PubSub.TopicName; topic != "" {
		publisher := opts.Publisher
		if publisher == nil {
			pub, err := gcppublisher.Open(ctx, cfg.PubSub.ProjectID)
			if err != nil {
				return nil, err
			}
			a.addCloser("pubsub", func(context.Context) error { return pub.Close() })
			publisher = pub
		}
		pubSink, err := progresssinks.NewPublisherSink(publisher, topic)
		if err != nil {
			return nil, err
		}
		sinkList = append(sinkList, pubSink)
		a.logger.Info("publishing run events", zap.String("topic", topic))
	}
	hub := progress.NewHub(progress.Config{Logger: a.logger.Named("progress_hub")}, sinkList...)
	a.addCloser("progress hub", hub.Close)
	return hub, nil
}

func (a *App) setupArchive(ctx context.Context, cfg config.Config, opts Options) (*storage.Archiver, error) {
	store := opts.BlobStore
	if store == nil {
		switch cfg.Archive.Provider {
		case config.ProviderLocal:
			local, err := localstorage.New(localstorage.Config{BaseDir: cfg.Archive.LocalDir})
			if err != nil {
				return nil, fmt.Errorf("local archive: %w", err)
			}
			store = local
		case config.ProviderGCS:
			gcs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: cfg.Archive.GCSBucket})
			if err != nil {
				return nil, fmt.Errorf("gcs archive: %w", err)
			}
			a.addCloser("gcs archive", func(context.Context) error { return gcs.Close() })
			store = gcs
		default:
			return nil, nil
		}
	}
	return storage.NewArchiver(store, cfg.Archive.Prefix, system.New()), nil
}

func (a *App) setupServer(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("status server listen: %w", err)
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           api.NewServer(a.dispatcher, a.tracker, a.logger.Named("api")).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// RunID returns the identifier attached to every log entry and event.
func (a *App) RunID() string { return a.runID }

// Projects returns the project keys this run will walk.
func (a *App) Projects() []string { return a.projects }

// Dispatcher exposes live counters.
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dispatcher }

// StatusAddr returns the bound status server address, or "" when disabled.
func (a *App) StatusAddr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Run harvests every project, then closes the outputs and archives them.
// Cancelling ctx stops scheduling; in-flight repositories still complete.
func (a *App) Run(ctx context.Context) (dispatcher.Summary, error) {
	if a.server != nil {
		go func() {
			a.logger.Info("status server started", zap.String("addr", a.StatusAddr()))
			if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("status server error", zap.Error(err))
			}
		}()
	}

	summary, err := a.dispatcher.Run(ctx, a.projects)
	if err != nil {
		return summary, err
	}

	closeCtx := context.WithoutCancel(ctx)
	if err := a.sink.Close(closeCtx); err != nil {
		return summary, err
	}
	if err := a.tracker.Close(); err != nil {
		return summary, err
	}
	if a.archiver != nil {
		objects, err := a.archiver.Archive(closeCtx, a.runID,
			a.cfg.Harvest.OutNDJSON, a.cfg.Harvest.OutCSV, a.cfg.Harvest.ResumeFile)
		if err != nil {
			a.logger.Warn("archive incomplete", zap.Error(err))
		}
		for _, obj := range objects {
			a.logger.Info("archived output",
				zap.String("uri", obj.URI),
				zap.String("sha256", obj.SHA256),
				zap.Int64("bytes", obj.Size))
		}
	}

	a.logger.Info("harvest finished",
		zap.String("state", string(summary.State)),
		zap.Int("projects", summary.Projects),
		zap.Int("repos_scheduled", summary.Scheduled),
		zap.Int("repos_skipped", summary.Skipped),
		zap.Int("repos_unknown", summary.Unknown),
		zap.Int("rows", summary.Rows),
		zap.Duration("elapsed", summary.Elapsed),
		zap.Bool("stopped", summary.Stopped),
	)
	return summary, nil
}

// Close shuts down the status server and releases every service.
func (a *App) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return a.closeAll(ctx)
}

func (a *App) closeAll(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("status server: %w", err))
		}
		a.server = nil
	}
	if a.listener != nil {
		_ = a.listener.Close()
		a.listener = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
