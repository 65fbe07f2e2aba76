package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2/clientcredentials"

	"docflow-backend/internal/documents"
	"docflow-backend/internal/ingestion"
	"docflow-backend/internal/queue"
	"docflow-backend/internal/services/health"
	"docflow-backend/internal/shared/config"
	"docflow-backend/internal/shared/server"
	"docflow-backend/internal/shared/storage/db"
	"docflow-backend/internal/shared/telemetry"
)

// App holds shared dependencies.
type App struct {
	Config           config.Config
	Router           *gin.Engine
	DB               *sql.DB
	Queue            queue.Client
	Supervisor       *queue.Supervisor
	DocumentsRepo    documents.Repo
	IngestionRepo    ingestion.Repo
	Worker           *ingestion.HTTPWorkerClient
	IngestionService *ingestion.Service
	IngestionHandler *ingestion.Handler
	Sweeper          *ingestion.Sweeper
	Health           *health.Service
}

// Build prepares shared dependencies and wires routes. Nothing long-running is
// started here; callers run Supervisor.Start and Sweeper.Run themselves.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	app := &App{Config: cfg, DB: sqlDB}
	if err := buildServices(ctx, app); err != nil {
		app.Close()
		return nil, err
	}

	var queueState health.QueueState
	if app.Supervisor != nil {
		queueState = app.Supervisor
	}
	app.Health = health.NewService(app.DB, queueState)

	app.Router = server.NewRouter(server.RouterDeps{
		Config:           app.Config,
		IngestionHandler: app.IngestionHandler,
		Health:           app.Health,
	})

	return app, nil
}

// Close releases the broker link and the database pool.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.Supervisor != nil {
		errs = append(errs, a.Supervisor.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if cfg.IsDevLike() {
			telemetry.Warn("bootstrap: DATABASE_URL empty; using in-memory repositories", nil)
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	opts := db.OptionsFromEnv(db.DefaultServerOptions())
	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, opts)
	if err != nil {
		if cfg.IsDevLike() {
			telemetry.Warn("bootstrap: database connect failed; using in-memory repositories", map[string]any{
				"error": err,
			})
			return nil, nil
		}
		return nil, err
	}

	if err := db.RunMigrations(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return sqlDB, nil
}

func buildServices(ctx context.Context, app *App) error {
	cfg := app.Config

	var docRepo documents.Repo
	var ingestionRepo ingestion.Repo
	if app.DB != nil {
		docRepo = &documents.PGRepo{DB: app.DB}
		ingestionRepo = &ingestion.PGRepo{DB: app.DB}
	} else {
		docRepo = documents.NewMemoryRepo()
		ingestionRepo = ingestion.NewMemoryRepo()
	}

	worker, err := buildWorker(ctx, cfg)
	if err != nil {
		return err
	}
	app.Worker = worker

	dispatcher, err := buildDispatcher(ctx, app, worker)
	if err != nil {
		return err
	}

	verifier, err := buildVerifier(cfg)
	if err != nil {
		return err
	}

	svc := &ingestion.Service{
		Repo:       ingestionRepo,
		Docs:       documentAdapter{repo: docRepo},
		Dispatcher: dispatcher,
		Worker:     worker,
		MaxRetries: cfg.MaxRetries,
	}

	app.DocumentsRepo = docRepo
	app.IngestionRepo = ingestionRepo
	app.IngestionService = svc
	app.IngestionHandler = ingestion.NewHandler(svc, verifier)
	app.Sweeper = &ingestion.Sweeper{
		Svc:         svc,
		Interval:    cfg.SweepInterval,
		BatchSize:   cfg.SweepBatchSize,
		Concurrency: cfg.SweepConcurrency,
	}
	return nil
}

// buildWorker returns the worker HTTP client, authenticated with OAuth2 client
// credentials when a token URL is configured.
func buildWorker(ctx context.Context, cfg config.Config) (*ingestion.HTTPWorkerClient, error) {
	var httpClient *http.Client
	if strings.TrimSpace(cfg.WorkerOAuthTokenURL) != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.WorkerOAuthClientID,
			ClientSecret: cfg.WorkerOAuthSecret,
			TokenURL:     cfg.WorkerOAuthTokenURL,
			Scopes:       cfg.WorkerOAuthScopes,
		}
		httpClient = cc.Client(context.WithoutCancel(ctx))
	}
	client, err := ingestion.NewHTTPWorkerClient(cfg.WorkerBaseURL, cfg.WorkerTimeout, httpClient)
	if err != nil {
		return nil, fmt.Errorf("worker client: %w", err)
	}
	return client, nil
}

func buildDispatcher(ctx context.Context, app *App, worker ingestion.WorkerClient) (ingestion.Dispatcher, error) {
	cfg := app.Config
	if cfg.Transport != config.TransportQueue {
		return &ingestion.HTTPTransport{Worker: worker}, nil
	}

	switch cfg.QueueBackend {
	case config.QueueBackendSQS:
		client, err := queue.NewSQSClient(ctx, cfg.SQSQueueURL, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		app.Queue = client
	default:
		sup := queue.NewSupervisor(queue.SupervisorConfig{
			URL:            cfg.RabbitMQURL,
			Queue:          cfg.RabbitMQQueue,
			ReconnectDelay: cfg.ReconnectDelay,
		})
		app.Supervisor = sup
		app.Queue = sup
	}

	telemetry.Info("bootstrap: queue transport enabled", map[string]any{
		"backend": cfg.QueueBackend,
	})
	return &ingestion.QueueTransport{Publisher: app.Queue}, nil
}

func buildVerifier(cfg config.Config) (*ingestion.WebhookVerifier, error) {
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		if !cfg.IsDevLike() {
			return nil, fmt.Errorf("WEBHOOK_SECRET is required")
		}
		telemetry.Warn("bootstrap: WEBHOOK_SECRET empty; webhook signatures are not checked", nil)
		return nil, nil
	}
	return &ingestion.WebhookVerifier{
		Secret:  cfg.WebhookSecret,
		MaxSkew: cfg.WebhookMaxSkew,
	}, nil
}

type documentAdapter struct {
	repo documents.Repo
}

func (a documentAdapter) GetDocument(ctx context.Context, documentID int64) (ingestion.DocumentRef, error) {
	doc, err := a.repo.GetByID(ctx, documentID)
	if err != nil {
		if errors.Is(err, documents.ErrNotFound) {
			return ingestion.DocumentRef{}, ingestion.ErrDocumentNotFound
		}
		return ingestion.DocumentRef{}, err
	}
	return ingestion.DocumentRef{
		ID:       doc.ID,
		FileName: doc.FileName,
		FilePath: doc.FilePath,
		MimeType: doc.MimeType,
		Size:     doc.SizeBytes,
	}, nil
}
