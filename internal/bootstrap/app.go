package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"bikefit-backend/internal/analyses"
	"bikefit-backend/internal/compute"
	"bikefit-backend/internal/dispatch"
	"bikefit-backend/internal/queue"
	"bikefit-backend/internal/services/health"
	"bikefit-backend/internal/shared/auth"
	"bikefit-backend/internal/shared/config"
	"bikefit-backend/internal/shared/server"
	"bikefit-backend/internal/shared/storage/db"
	"bikefit-backend/internal/shared/storage/object"
	localstore "bikefit-backend/internal/shared/storage/object/local"
	s3store "bikefit-backend/internal/shared/storage/object/s3"
	"bikefit-backend/internal/shared/telemetry"
)

const defaultAWSRegion = "us-east-1"

// Queue sends retry briefly; anything longer is left to the watchdog.
const (
	sendAttempts = 3
	sendBackoff  = 200 * time.Millisecond
)

// App holds shared dependencies for every binary.
type App struct {
	Config          config.Config
	Router          *gin.Engine
	DB              *sql.DB
	Redis           *redis.Client
	Store           object.Gateway
	LocalStore      *localstore.Store
	Ledger          analyses.Ledger
	Queue           queue.Client
	Analyzer        compute.Analyzer
	Processor       *dispatch.Processor
	Dispatcher      analyses.Dispatcher
	InProcess       *dispatch.InProcess
	Watchdog        *dispatch.Watchdog
	AnalysesService *analyses.Service
	AnalysisHandler *analyses.Handler
	Health          *health.Service
	Issuer          *auth.Issuer

	closers []func() error
}

// Build prepares shared dependencies and the HTTP router.
func Build(cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}
	ctx := context.Background()
	app := &App{Config: cfg, Health: health.NewService()}

	issuer, err := auth.NewIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.Env == "production")
	if err != nil {
		return nil, err
	}
	app.Issuer = issuer

	if err := app.buildStore(ctx); err != nil {
		return nil, err
	}
	if err := app.buildLedger(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}
	app.buildAnalyzer()
	if err := app.buildDispatcher(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}

	app.Watchdog = &dispatch.Watchdog{
		Ledger:       app.Ledger,
		Dispatcher:   app.Dispatcher,
		Interval:     cfg.WatchdogInterval,
		Lease:        cfg.WatchdogLease,
		PendingGrace: cfg.PendingGrace,
	}
	app.AnalysesService = &analyses.Service{
		Ledger:         app.Ledger,
		Store:          app.Store,
		Dispatcher:     app.Dispatcher,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}
	app.AnalysisHandler = analyses.NewHandler(app.AnalysesService)

	deps := server.RouterDeps{
		Config:          cfg,
		AnalysisHandler: app.AnalysisHandler,
		Health:          app.Health,
		Issuer:          app.Issuer,
	}
	if app.LocalStore != nil {
		deps.ObjectHandler = app.LocalStore.Handler()
	}
	app.Router = server.NewRouter(deps)

	telemetry.Info("bootstrap.ready", map[string]any{
		"env":           cfg.Env,
		"object_store":  cfg.ObjectStoreType,
		"ledger":        cfg.LedgerBackend,
		"dispatch_mode": cfg.DispatchMode,
		"checks":        app.Health.Names(),
	})
	return app, nil
}

// Close drains the in-process dispatcher and releases connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.InProcess != nil {
		if err := a.InProcess.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain dispatcher: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) buildStore(ctx context.Context) error {
	cfg := a.Config
	switch cfg.ObjectStoreType {
	case "s3":
		if strings.TrimSpace(cfg.S3Bucket) == "" {
			return fmt.Errorf("OBJECT_STORE=s3 requires S3_BUCKET")
		}
		store, err := s3store.New(ctx, AWSRegion(cfg), cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID, cfg.SignedURLTTL)
		if err != nil {
			return err
		}
		a.Store = store
	default:
		local := localstore.New(cfg.LocalStoreDir, cfg.PublicBaseURL, []byte(cfg.URLSigningSecret), cfg.SignedURLTTL)
		a.Store = local
		a.LocalStore = local
	}
	return nil
}

func (a *App) buildLedger(ctx context.Context) error {
	cfg := a.Config
	switch cfg.LedgerBackend {
	case "postgres":
		sqlDB, err := buildDB(ctx, cfg)
		if err != nil {
			return err
		}
		a.DB = sqlDB
		a.closers = append(a.closers, sqlDB.Close)
		a.Ledger = &analyses.PGRepo{DB: sqlDB}
		a.Health.Register("postgres", db.Ping(sqlDB, 2*time.Second))
	case "dynamodb":
		if strings.TrimSpace(cfg.DynamoTable) == "" {
			return fmt.Errorf("LEDGER_BACKEND=dynamodb requires DYNAMODB_TABLE")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(AWSRegion(cfg)))
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		a.Ledger = &analyses.DynamoRepo{
			Client:     dynamodb.NewFromConfig(awsCfg),
			Table:      cfg.DynamoTable,
			OwnerIndex: cfg.DynamoOwnerIndex,
		}
	case "redis":
		client, err := a.redisClient()
		if err != nil {
			return err
		}
		a.Ledger = analyses.NewRedisRepo(client)
	default:
		if !isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.memory_ledger", map[string]any{"env": cfg.Env})
		}
		a.Ledger = analyses.NewMemoryRepo()
	}
	return nil
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	profile := db.DetectProfile()
	pool := db.PoolFor(profile).With(DBPool(cfg))
	var (
		sqlDB *sql.DB
		err   error
	)
	if profile == db.ProfileLambda {
		sqlDB, err = db.Shared(ctx, cfg.DatabaseURL, pool)
	} else {
		sqlDB, err = db.Connect(ctx, cfg.DatabaseURL, pool)
	}
	if err != nil {
		return nil, err
	}

	if isDevLike(cfg.Env) {
		if err := db.RunMigrations(ctx, sqlDB); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	return sqlDB, nil
}

// DBPool maps the DB_* settings onto pool overrides.
func DBPool(cfg config.Config) db.Pool {
	return db.Pool{
		MaxOpen:     cfg.DBMaxOpenConns,
		MaxIdle:     cfg.DBMaxIdleConns,
		MaxLifetime: cfg.DBConnLifetime,
		PingTimeout: cfg.DBPingTimeout,
	}
}

// redisClient returns the shared go-redis client, creating it on first use.
func (a *App) redisClient() (*redis.Client, error) {
	if a.Redis != nil {
		return a.Redis, nil
	}
	if strings.TrimSpace(a.Config.RedisAddr) == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	a.Redis = redis.NewClient(&redis.Options{
		Addr:     a.Config.RedisAddr,
		Password: a.Config.RedisPassword,
		DB:       a.Config.RedisDB,
	})
	a.closers = append(a.closers, a.Redis.Close)
	a.Health.Register("redis", func(ctx context.Context) error {
		return a.Redis.Ping(ctx).Err()
	})
	return a.Redis, nil
}

func (a *App) buildAnalyzer() {
	cfg := a.Config
	if cfg.AnalyzerCommand != "" {
		a.Analyzer = &compute.Command{Path: cfg.AnalyzerCommand, Args: cfg.AnalyzerArgs}
		return
	}
	a.Analyzer = &compute.Probe{}
	a.Health.Register("tools", func(ctx context.Context) error {
		statuses := compute.CheckTools()
		if compute.ToolsReady(statuses) {
			return nil
		}
		var missing []string
		for _, s := range statuses {
			if !s.Available {
				missing = append(missing, s.Name)
			}
		}
		return fmt.Errorf("missing tools: %s", strings.Join(missing, ", "))
	})
}

func (a *App) buildDispatcher(ctx context.Context) error {
	cfg := a.Config
	a.Processor = &dispatch.Processor{
		Ledger:   a.Ledger,
		Store:    a.Store,
		Analyzer: a.Analyzer,
		Timeout:  cfg.ProcessingTimeout,
	}

	switch cfg.DispatchMode {
	case "sqs":
		client, err := queue.NewSQSClient(ctx, AWSRegion(cfg), cfg.SQSQueueURL)
		if err != nil {
			return err
		}
		a.Queue = client
		a.Dispatcher = &dispatch.Queued{Client: queue.WithRetry(client, sendAttempts, sendBackoff)}
	case "asynq":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return fmt.Errorf("DISPATCH_MODE=asynq requires REDIS_ADDR")
		}
		asynqClient := asynq.NewClient(AsynqRedisOpt(cfg))
		a.closers = append(a.closers, asynqClient.Close)
		a.Queue = queue.NewAsynqClient(asynqClient, cfg.ProcessingTimeout+time.Minute)
		a.Dispatcher = &dispatch.Queued{Client: queue.WithRetry(a.Queue, sendAttempts, sendBackoff)}
	default:
		a.InProcess = dispatch.NewInProcess(a.Processor, cfg.WorkerConcurrency)
		a.Dispatcher = a.InProcess
	}
	return nil
}

// AsynqRedisOpt is the asynq connection for cfg, shared by producer and worker.
func AsynqRedisOpt(cfg config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// AWSRegion is the configured region, defaulting to us-east-1.
func AWSRegion(cfg config.Config) string {
	if region := strings.TrimSpace(cfg.AWSRegion); region != "" {
		return region
	}
	return defaultAWSRegion
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}
