// Package server orchestrates all components: NATS client, DB, pipeline,
// workers, dispatcher, HTTP health.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/morezero/catalog-events/internal/config"
	"github.com/morezero/catalog-events/pkg/apps"
	"github.com/morezero/catalog-events/pkg/bootstrap"
	"github.com/morezero/catalog-events/pkg/commsutil"
	"github.com/morezero/catalog-events/pkg/db"
	"github.com/morezero/catalog-events/pkg/dispatcher"
	"github.com/morezero/catalog-events/pkg/event"
	"github.com/morezero/catalog-events/pkg/pipeline"
	"github.com/morezero/catalog-events/pkg/router"
	"github.com/morezero/catalog-events/pkg/rules"
	"github.com/morezero/catalog-events/pkg/search"
	"github.com/morezero/catalog-events/pkg/workflow"
)

const logPrefix = "server:server"

// subscriptionLister is the slice of the repository the home page needs.
type subscriptionLister interface {
	ListSubscriptions(ctx context.Context) ([]*router.Subscription, error)
}

// subjectSeeder is the slice of the repository startup seeding needs.
type subjectSeeder interface {
	UpsertUser(ctx context.Context, row *db.SubjectRow) error
	UpsertTeam(ctx context.Context, row *db.SubjectRow) error
}

// Server is the catalog-events orchestrator.
type Server struct {
	cfg        *config.Config
	nc         *comms.Conn
	pool       *pgxpool.Pool
	rdb        *redis.Client
	httpServer *http.Server
	subs       subscriptionLister
	db         dispatcher.Pinger
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}

	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	slog.Info(fmt.Sprintf("%s - Starting catalog-events", logPrefix))

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &Server{cfg: cfg}

	// Step 1: Load and resolve bootstrap config
	bootstrapCfg, err := bootstrap.LoadBootstrapConfig(cfg.BootstrapFile)
	if err != nil {
		return fmt.Errorf("%s - failed to load bootstrap config: %w", logPrefix, err)
	}
	resolved, err := bootstrap.CreateResolvedBootstrap(bootstrapCfg)
	if err != nil {
		return err
	}

	pipelineSubject := cfg.PipelineSubject
	if pipelineSubject == "" {
		pipelineSubject = commsutil.SubjectPipeline
	}
	slog.Info(fmt.Sprintf("%s - Pipeline subject: %s", logPrefix, pipelineSubject))

	// Step 2: Connect to NATS
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}
	s.nc = nc
	slog.Info(fmt.Sprintf("%s - Connected to NATS at %s", logPrefix, cfg.COMMSURL))

	// Step 3: Connect to database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		nc.Close()
		return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	s.pool = pool

	// Step 3b: Run migrations and seed subjects if enabled
	if cfg.RunMigrations {
		migrationSQL, err := db.LoadMigrationFiles(cfg.MigrationPath)
		if err != nil {
			pool.Close()
			nc.Close()
			return fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
			pool.Close()
			nc.Close()
			return fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}

	// Step 4: Repository with sealed destination secrets
	key, err := cfg.SecretKeyBytes()
	if err != nil {
		pool.Close()
		nc.Close()
		return err
	}
	box, err := router.NewSecretBox(key)
	if err != nil {
		pool.Close()
		nc.Close()
		return fmt.Errorf("%s - failed to create secret box: %w", logPrefix, err)
	}
	repo := db.NewRepository(pool, box)
	s.subs = repo
	s.db = pool

	if err := seedSubjects(ctx, repo, resolved); err != nil {
		pool.Close()
		nc.Close()
		return err
	}

	// Step 5: Search backend
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	s.rdb = rdb
	searchClient := search.NewRedisClient(rdb)

	// Step 6: Rule evaluation and delivery routing
	subjects := rules.NewSubjectCache(repo)
	evaluator := rules.NewEvaluator(subjects)
	matcher := router.NewMatcher(repo, repo, evaluator, slog.Default())

	// Step 7: Publisher, feed, workflow orchestrator
	publisherOpts := &event.CommsPublisherOpts{}
	if cfg.ChangeEventSubject != "" {
		publisherOpts.GlobalChangeSubject = cfg.ChangeEventSubject
	}
	publisher := event.NewCommsPublisher(nc, publisherOpts)
	feed := event.NewCommsFeed(nc, "")
	orchestrator := workflow.NewCommsOrchestrator(nc, cfg.WorkflowSubject)

	// Step 8: Pipeline
	pipe := pipeline.NewPipeline(pipeline.NewPipelineParams{
		Store:        repo,
		Classifier:   resolved.Classifier(),
		Publisher:    publisher,
		Feed:         feed,
		Subjects:     subjects,
		Orchestrator: orchestrator,
		Router:       matcher,
		Config: pipeline.Config{
			FeedVisibleTypes: resolved.FeedVisibleTypes(),
			WorkflowName:     resolved.WorkflowName(),
		},
	})

	// Step 9: Installed applications
	registry := apps.NewRegistry()
	if err := registry.Register("1.0.0", apps.NewIndexer(repo)); err != nil {
		pool.Close()
		nc.Close()
		return fmt.Errorf("%s - failed to register indexer app: %w", logPrefix, err)
	}

	// Step 10: Background workers
	deliveryWorker := router.NewWorker(repo, router.NewWebhookSender(nil), router.WorkerConfig{
		PollInterval: cfg.DeliveryPollInterval,
		MaxPairs:     cfg.DeliveryMaxPairs,
		Concurrency:  cfg.DeliveryConcurrency,
		DrainTimeout: cfg.DeliveryDrainTimeout,
	}, slog.Default())
	indexWorker := search.NewWorker(repo, searchClient, search.WorkerConfig{
		PollInterval:   cfg.IndexPollInterval,
		ClaimLimit:     cfg.IndexClaimLimit,
		MaxAttempts:    cfg.IndexMaxAttempts,
		InitialBackoff: cfg.IndexInitialBackoff,
		MaxBackoff:     cfg.IndexMaxBackoff,
		Indexes:        cfg.SearchIndexes,
	}, slog.Default())

	workerCtx, stopWorkers := context.WithCancel(ctx)
	workersDone := make(chan struct{}, 2)
	go func() {
		deliveryWorker.Run(workerCtx)
		workersDone <- struct{}{}
	}()
	go func() {
		indexWorker.Run(workerCtx)
		workersDone <- struct{}{}
	}()

	// Step 11: Dispatcher and request/reply subscription
	disp := dispatcher.NewDispatcher(dispatcher.NewDispatcherParams{
		Pipeline: pipe,
		Apps:     registry,
		DB:       pool,
	})

	requestTimeout := cfg.RequestTimeout
	sub, err := nc.Subscribe(pipelineSubject, func(msg *comms.Msg) {
		var req dispatcher.PipelineRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to decode request: %v", logPrefix, err))
			resp := &dispatcher.PipelineResponse{
				Ok: false,
				Error: &dispatcher.ErrorDetail{
					Code:    "INVALID_REQUEST",
					Message: "Failed to decode request",
				},
			}
			data, _ := json.Marshal(resp)
			msg.Respond(data)
			return
		}

		// Per-request context with timeout; respect a tighter client timeout
		reqCtx, cancelReq := context.WithTimeout(ctx, requestTimeout)
		if req.Ctx != nil && req.Ctx.TimeoutMs > 0 {
			if d := time.Duration(req.Ctx.TimeoutMs) * time.Millisecond; d < requestTimeout {
				cancelReq()
				reqCtx, cancelReq = context.WithTimeout(ctx, d)
			}
		}
		defer cancelReq()

		resp := disp.Dispatch(reqCtx, &req)

		data, err := json.Marshal(resp)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - failed to encode response: %v", logPrefix, err))
			return
		}
		msg.Respond(data)
	})
	if err != nil {
		stopWorkers()
		pool.Close()
		nc.Close()
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, pipelineSubject, err)
	}
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", logPrefix, pipelineSubject))

	// Step 12: HTTP health server
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		healthCtx, cancelHealth := context.WithTimeout(r.Context(), cfg.HealthCheckTimeout)
		defer cancelHealth()
		h := s.health(healthCtx)
		w.Header().Set("Content-Type", "application/json")
		if h.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	s.httpServer = &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP health server listening on %s", logPrefix, httpAddr))
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - Catalog-events is ready", logPrefix))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	// Graceful shutdown: stop intake first, then drain workers.
	sub.Unsubscribe()
	s.httpServer.Shutdown(ctx)
	stopWorkers()
	for i := 0; i < 2; i++ {
		<-workersDone
	}
	nc.Drain()
	rdb.Close()
	pool.Close()

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// seedSubjects upserts the bootstrap users and teams so owner rules resolve
// from the first event on.
func seedSubjects(ctx context.Context, repo subjectSeeder, resolved *bootstrap.ResolvedBootstrap) error {
	for _, u := range resolved.Users() {
		row := &db.SubjectRow{ID: u.ID, Name: u.Name, DisplayName: u.DisplayName}
		if err := repo.UpsertUser(ctx, row); err != nil {
			return fmt.Errorf("%s - failed to seed user %s: %w", logPrefix, u.Name, err)
		}
	}
	for _, tm := range resolved.Teams() {
		row := &db.SubjectRow{ID: tm.ID, Name: tm.Name, DisplayName: tm.DisplayName}
		if err := repo.UpsertTeam(ctx, row); err != nil {
			return fmt.Errorf("%s - failed to seed team %s: %w", logPrefix, tm.Name, err)
		}
	}
	if n := len(resolved.Users()) + len(resolved.Teams()); n > 0 {
		slog.Info(fmt.Sprintf("%s - Seeded %d bootstrap subjects", logPrefix, n))
	}
	return nil
}

// health reports component liveness for the HTTP endpoint.
func (s *Server) health(ctx context.Context) *dispatcher.HealthOutput {
	out := &dispatcher.HealthOutput{Status: "healthy"}
	if err := s.db.Ping(ctx); err != nil {
		slog.Warn(fmt.Sprintf("%s - database ping failed: %v", logPrefix, err))
		out.Status = "degraded"
	} else {
		out.Checks.Database = true
	}
	return out
}

// homePageTemplate is the HTML for the pipeline home page.
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Catalog Events</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    a { color: #0066cc; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-degraded { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
    .error { color: #cc0000; }
  </style>
</head>
<body>
  <h1>Catalog Events</h1>
  <p class="meta">Change-event pipeline health and subscriptions.</p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    <p>Database: {{if .Health.Checks.Database}}OK{{else}}<span class="error">Failed</span>{{end}}</p>
  </section>

  <section>
    <h2>Subscriptions</h2>
    {{if .SubsError}}
    <p class="error">Could not load subscriptions: {{.SubsError}}</p>
    {{else if not .Subscriptions}}
    <p>No subscriptions configured.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Name</th><th>Enabled</th><th>Rules</th><th>Destinations</th></tr>
      </thead>
      <tbody>
        {{range .Subscriptions}}
        <tr>
          <td>{{.Name}}</td>
          <td>{{.Enabled}}</td>
          <td>{{.FilteringRules}}</td>
          <td>{{len .Destinations}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

// homeData is the data passed to the home page template.
type homeData struct {
	Health        *dispatcher.HealthOutput
	Subscriptions []*router.Subscription
	SubsError     string
}

// handleHome returns an HTTP handler for the pipeline home page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homeData{Health: s.health(ctx)}
		subs, err := s.subs.ListSubscriptions(ctx)
		if err != nil {
			data.SubsError = err.Error()
		} else {
			data.Subscriptions = subs
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
