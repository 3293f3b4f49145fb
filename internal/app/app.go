package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nsqio/go-nsq"
	"golang.org/x/sync/errgroup"

	"scriptorium/backend/features/document"
	"scriptorium/backend/features/mcp"
	"scriptorium/backend/features/stats"
	"scriptorium/backend/internal/adapter/gemini"
	"scriptorium/backend/internal/adapter/openai"
	"scriptorium/backend/internal/config"
	"scriptorium/backend/internal/embedding"
	"scriptorium/backend/internal/embedqueue"
	"scriptorium/backend/internal/middleware"
	"scriptorium/backend/internal/retrieval"
	"scriptorium/backend/internal/settings"
	"scriptorium/backend/internal/vector"
	"scriptorium/backend/internal/worker"
)

type App struct {
	Handler   http.Handler
	Scheduler *embedqueue.Scheduler
	Documents *document.Service
	Consumer  *worker.DocumentConsumer
	Sweeper   *worker.Sweeper

	cfg         *config.Config
	settings    *settings.Service
	queryLogger *retrieval.QueryLogger
	gemini      *gemini.DynamicEmbedder
}

func New(cfg *config.Config, deps *Dependencies) (*App, error) {
	if deps == nil || deps.DB == nil || deps.Settings == nil || deps.Vectors == nil {
		return nil, errors.New("app: incomplete dependencies")
	}
	settingsSvc := deps.Settings

	// Adapters: embedding providers resolve keys and models per call.
	geminiEmbedder := gemini.NewDynamicEmbedder()
	embedder := embedding.NewClient(settingsSvc, map[string]embedding.Provider{
		settings.ProviderGemini: geminiEmbedder,
		settings.ProviderOpenAI: openai.NewDynamicEmbedder(),
	}, embedding.WithTimeout(cfg.EmbedTimeout()))

	vectors := vector.NewClient(deps.Vectors, settingsSvc)

	// Feature: Document
	docRepo := document.NewPostgresRepo(deps.DB)

	current, _ := settingsSvc.Get(context.Background())
	scheduler := embedqueue.New(
		newChunkerCache(settingsSvc).Chunker,
		embedder,
		vectors,
		docRepo,
		embedqueue.WithConcurrency(current.WorkerConcurrency),
		embedqueue.WithMaxQueueDepth(cfg.MaxQueueDepth),
	)
	settingsSvc.OnChange(func(s settings.Settings) {
		scheduler.SetConcurrency(s.WorkerConcurrency)
	})

	docService := document.NewService(docRepo, scheduler)
	docHandler := document.NewHandler(docService)

	// Feature: Settings
	settingsHandler := settings.NewHandler(settingsSvc)

	// Feature: Stats
	statsHandler := stats.NewHandler(docRepo, vectors, scheduler)

	// Feature: Retrieval & MCP
	queryLogger, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		slog.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
	}
	retrievalService := retrieval.NewService(embedder, vectors, docRepo,
		retrieval.WithRetryCount(cfg.SearchRetries),
		retrieval.WithQueryLogger(queryLogger),
	)
	mcpHandler := mcp.NewHandler(retrievalService, docService)

	// Routes
	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, middleware.CorrelationID(middleware.CORS(h)))
	}

	route("POST /documents/{id}/embed", docHandler.Reprocess)
	route("GET /documents/{id}/embed", docHandler.Status)
	route("GET /documents/embed/failed", docHandler.ListFailed)
	route("GET /queue", docHandler.Queue)

	route("GET /settings", settingsHandler.GetSettings)
	route("PUT /settings", settingsHandler.UpdateSettings)

	route("GET /stats", statsHandler.GetStats)

	mux.Handle("/mcp", middleware.CorrelationID(mcpHandler))
	route("GET /mcp/sse", mcpHandler.HandleSSE)
	route("POST /mcp/messages", mcpHandler.HandleMessage)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Workers
	consumer := worker.NewDocumentConsumer(docRepo, docService)
	sweeper := worker.NewSweeper(docRepo, docService, scheduler, cfg.SweepInterval())

	return &App{
		Handler:     middleware.Recover(mux),
		Scheduler:   scheduler,
		Documents:   docService,
		Consumer:    consumer,
		Sweeper:     sweeper,
		cfg:         cfg,
		settings:    settingsSvc,
		queryLogger: queryLogger,
		gemini:      geminiEmbedder,
	}, nil
}

// Run serves HTTP and drives the background workers until ctx is cancelled,
// then shuts everything down in dependency order.
func (a *App) Run(ctx context.Context) error {
	if err := a.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	var consumer *nsq.Consumer
	if a.cfg.EnableConsumer {
		c, err := a.startConsumer(ctx)
		if err != nil {
			a.stop(nil, nil)
			return err
		}
		consumer = c
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.ServerPort),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server starting", "port", a.cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.Sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server...")
		return a.stop(srv, consumer)
	})
	return g.Wait()
}

func (a *App) startConsumer(ctx context.Context) (*nsq.Consumer, error) {
	current, _ := a.settings.Get(ctx)

	nsqCfg := nsq.NewConfig()
	nsqCfg.MaxInFlight = current.WorkerConcurrency
	consumer, err := nsq.NewConsumer(config.TopicDocumentChanged, config.ChannelEmbedder, nsqCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create NSQ consumer: %w", err)
	}
	consumer.SetLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn), nsq.LogLevelWarning)
	consumer.AddHandler(a.Consumer)

	if err := consumer.ConnectToNSQLookupd(a.cfg.NSQLookupd); err != nil {
		// Lookupd polling keeps retrying in the background.
		slog.Error("failed to connect to NSQLookupd", "error", err)
	} else {
		slog.Info("NSQ document consumer connected", "topic", config.TopicDocumentChanged)
	}
	return consumer, nil
}

// stop drains intake first, then in-flight embedding runs. Queued tasks are
// dropped; the sweeper picks them up after restart.
func (a *App) stop(srv *http.Server, consumer *nsq.Consumer) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	var errs []error
	if consumer != nil {
		consumer.Stop()
		select {
		case <-consumer.StopChan:
		case <-ctx.Done():
			errs = append(errs, errors.New("nsq consumer did not stop in time"))
		}
	}
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}
	if err := a.Scheduler.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.queryLogger.Close(); err != nil {
		slog.Warn("failed to close query log", "error", err)
	}
	if err := a.gemini.Close(); err != nil {
		slog.Warn("failed to close gemini client", "error", err)
	}
	return errors.Join(errs...)
}
