package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/hibiken/asynq"

	"bikefit-backend/internal/bootstrap"
	"bikefit-backend/internal/dispatch"
	"bikefit-backend/internal/queue"
	"bikefit-backend/internal/shared/config"
	"bikefit-backend/internal/shared/telemetry"
	"bikefit-backend/internal/workerproc"
)

var errNoQueue = errors.New("worker requires DISPATCH_MODE=sqs or DISPATCH_MODE=asynq")

func main() {
	cfg := config.Load()
	telemetry.Init(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(cfg)
	if err != nil {
		telemetry.Error("worker.bootstrap_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	err = run(ctx, cfg, app.Processor)

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if cerr := app.Close(closeCtx); cerr != nil {
		telemetry.Warn("worker.close_failed", map[string]any{"error": cerr.Error()})
	}
	if err != nil {
		telemetry.Error("worker.stopped", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

// run consumes jobs from the broker selected by DISPATCH_MODE until ctx ends.
func run(ctx context.Context, cfg config.Config, runner dispatch.Runner) error {
	switch cfg.DispatchMode {
	case "sqs":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(bootstrap.AWSRegion(cfg)))
		if err != nil {
			return err
		}
		return newSQSConsumer(cfg, sqs.NewFromConfig(awsCfg), runner).Run(ctx)
	case "asynq":
		return runAsynq(ctx, cfg, runner)
	default:
		return errNoQueue
	}
}

func newSQSConsumer(cfg config.Config, client workerproc.SQSAPI, runner dispatch.Runner) *workerproc.SQSConsumer {
	return &workerproc.SQSConsumer{
		Client:          client,
		QueueURL:        cfg.SQSQueueURL,
		Runner:          runner,
		Concurrency:     cfg.WorkerConcurrency,
		Visibility:      cfg.SQSVisibility,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
}

func runAsynq(ctx context.Context, cfg config.Config, runner dispatch.Runner) error {
	srv := asynq.NewServer(bootstrap.AsynqRedisOpt(cfg), asynq.Config{
		Concurrency:     cfg.WorkerConcurrency,
		Queues:          map[string]int{queue.AsynqQueue: 1},
		LogLevel:        asynq.WarnLevel,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	if err := srv.Start(workerproc.NewServeMux(runner)); err != nil {
		return err
	}
	telemetry.Info("worker.started", map[string]any{
		"mode":        "asynq",
		"redis":       cfg.RedisAddr,
		"concurrency": cfg.WorkerConcurrency,
	})
	<-ctx.Done()
	telemetry.Info("worker.draining", map[string]any{"timeout": cfg.ShutdownTimeout.String()})
	srv.Shutdown()
	return nil
}
