package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"subsidyflow/features/failure"
	"subsidyflow/features/queue"
	"subsidyflow/internal/adapter/firecrawl"
	"subsidyflow/internal/adapter/gemini"
	"subsidyflow/internal/config"
	"subsidyflow/internal/cooldown"
	"subsidyflow/internal/costlog"
	"subsidyflow/internal/cron"
	"subsidyflow/internal/extraction"
	"subsidyflow/internal/fetch"
	"subsidyflow/internal/middleware"
	"subsidyflow/internal/pipeline"
	"subsidyflow/internal/subsidy"
	"subsidyflow/internal/worker"
)

type App struct {
	Handler     http.Handler
	Scheduler   *queue.Scheduler
	Ledger      *failure.Ledger
	RunConsumer *worker.RunConsumer
	Cron        *cron.Runner

	port   int
	closer func() error
}

// New wires repositories, clients and handlers. pub may be nil, in which
// case no subsidy.extracted events are published.
func New(ctx context.Context, cfg *config.Config, db *sql.DB, pub pipeline.EventPublisher) (*App, error) {
	// Stores
	subsidies := subsidy.NewPostgresRepo(db)
	ledger := failure.NewLedger(failure.NewPostgresRepo(db))
	guard := cooldown.NewGuard(cooldown.NewPostgresRepo(db))
	costs := costlog.NewRecorder(costlog.NewPostgresRepo(db))

	// Extraction
	fetcher := fetch.NewClient(cfg.FetchTimeout,
		fetch.WithUserAgent(cfg.FetchUserAgent),
		fetch.WithMaxPDFBytes(cfg.PDFMaxBytes))
	router := extraction.NewRouter(fetcher, ledger, guard, extraction.Options{
		MinTextLen:       cfg.MinTextLen,
		MaxPDFURLs:       cfg.MaxPDFURLs,
		MinForms:         cfg.FormsMinForms,
		MinFieldsPerForm: cfg.FormsMinFieldsPerForm,
		EnableOCR:        cfg.EnableOCRFallback,
	})

	deps := pipeline.Deps{
		Store:  subsidies,
		Router: router,
		Ledger: ledger,
		Guard:  guard,
		Policy: cooldown.Policy{
			FirecrawlWindow: cfg.CooldownFirecrawl,
			VisionWindow:    cfg.CooldownVision,
			LLMWindow:       cfg.CooldownLLM,
		},
		Costs:     costs,
		Publisher: pub,
	}
	if cfg.FirecrawlAPIKey != "" {
		fc := firecrawl.NewClient(cfg.FirecrawlAPIKey, cfg.FetchTimeout)
		fc.SetBaseURL(cfg.FirecrawlBaseURL)
		deps.Scraper = fc
	}
	closer := func() error { return nil }
	if cfg.GeminiAPIKey != "" {
		llm, err := gemini.NewFieldExtractor(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		deps.LLM = llm
		closer = llm.Close
	}

	// Queue
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	workerID := cfg.QueueWorkerID
	if workerID == "" {
		workerID, _ = os.Hostname()
	}
	sched := queue.NewScheduler(queue.NewPostgresRepo(db), ledger, queue.Options{
		BatchSize:   cfg.QueueBatchSize,
		MaxBatch:    cfg.QueueMaxBatchSize,
		Lease:       cfg.LeaseDuration(),
		EnqueueCap:  cfg.QueueEnqueueCap,
		MaxAttempts: cfg.QueueMaxAttempts,
		WorkerID:    workerID,
	}).WithMetrics(queue.NewMetrics(registry))
	pipeline.New(deps).Register(sched)
	slog.Info("job handlers registered", "job_types", sched.Registered())

	var shard *int
	if cfg.QueueShard >= 0 {
		s := cfg.QueueShard
		shard = &s
	}
	runner, err := cron.New(sched, cron.Options{
		EnqueueSpec: cfg.CronEnqueueSpec,
		ConsumeSpec: cfg.CronConsumeSpec,
		Run:         queue.RunOptions{Shard: shard},
	})
	if err != nil {
		closer()
		return nil, err
	}

	queueHandler := queue.NewHandler(sched)
	failureHandler := failure.NewHandler(ledger)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("GET /queue/summary", middleware.CorrelationID(enableCORS(queueHandler.Summary)))
	mux.Handle("POST /queue/run", middleware.CorrelationID(enableCORS(queueHandler.Run)))
	mux.Handle("POST /queue/enqueue", middleware.CorrelationID(enableCORS(queueHandler.Enqueue)))
	mux.Handle("POST /queue/requeue", middleware.CorrelationID(enableCORS(queueHandler.Requeue)))

	mux.Handle("GET /failures", middleware.CorrelationID(enableCORS(failureHandler.List)))
	mux.Handle("GET /failures/summary", middleware.CorrelationID(enableCORS(failureHandler.Summary)))
	mux.Handle("POST /failures/resolve", middleware.CorrelationID(enableCORS(failureHandler.Resolve)))
	mux.Handle("POST /failures/ignore", middleware.CorrelationID(enableCORS(failureHandler.Ignore)))
	mux.Handle("POST /failures/reopen", middleware.CorrelationID(enableCORS(failureHandler.Reopen)))

	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return &App{
		Handler:     mux,
		Scheduler:   sched,
		Ledger:      ledger,
		RunConsumer: worker.NewRunConsumer(sched),
		Cron:        runner,
		port:        cfg.ServerPort,
		closer:      closer,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.port),
		Handler: a.Handler,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close releases the model client.
func (a *App) Close() error {
	return a.closer()
}
