package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/minisource/taskqueue/config"
	"github.com/minisource/taskqueue/internal/adminapi"
	"github.com/minisource/taskqueue/internal/cronadapter"
	"github.com/minisource/taskqueue/internal/engine"
	"github.com/minisource/taskqueue/internal/execution"
	"github.com/minisource/taskqueue/internal/history"
	"github.com/minisource/taskqueue/internal/httpstep"
	"github.com/minisource/taskqueue/internal/logging"
	"github.com/minisource/taskqueue/internal/metrics"
	"github.com/minisource/taskqueue/internal/scheduler"
	"github.com/minisource/taskqueue/internal/storage"
	"github.com/minisource/taskqueue/internal/validation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

const queueID = "default"

func main() {
	cfg := config.LoadConfig()

	logger, err := logging.NewZap()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}

	db, err := storage.NewPostgresConnection(&cfg.Postgres)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer storage.Close(db)

	if err := storage.AutoMigrate(db); err != nil {
		log.Fatalf("failed to auto-migrate engine tables: %v", err)
	}
	if err := db.AutoMigrate(&history.Daily{}); err != nil {
		log.Fatalf("failed to auto-migrate history rollups: %v", err)
	}

	store := storage.NewGormStore(db, time.Duration(cfg.Engine.WaitPollIntervalMS)*time.Millisecond)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}

	workerID := fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	locker := scheduler.NewDistributedLocker(redisClient, workerID)

	historyRepo := history.NewRepository(db)
	cron := cronadapter.New(logger)
	reg := prometheus.NewRegistry()
	metricsRegistry := metrics.New(reg)

	queue := engine.NewQueue(queueID, store,
		engine.WithLogger(logger),
		engine.WithCron(cron),
		engine.WithHistory(historyRepo),
		engine.WithValidator(validation.New()),
	)

	registerJobs(queue)

	if err := queue.Start(ctx); err != nil {
		log.Fatalf("failed to start queue: %v", err)
	}

	sched := scheduler.New(queueID, store, queue.Executor(), cfg.Engine.WorkerCount,
		scheduler.WithLocker(locker),
		scheduler.WithMetrics(metricsRegistry),
		scheduler.WithLogger(logger),
		scheduler.WithLockTTL(time.Duration(cfg.Engine.LockTTLSeconds)*time.Second),
		scheduler.WithHeartbeat(time.Duration(cfg.Engine.HeartbeatSeconds)*time.Second),
	)
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}

	adminHandler := adminapi.NewHandler(db, store, map[string]adminapi.SchedulerStatus{
		queueID: sched,
	})
	app := fiber.New(fiber.Config{
		AppName:      "Task Queue Admin API",
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	})
	adminapi.SetupRouter(app, adminHandler, reg)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		logger.Info("starting admin api", "addr", addr)
		if err := app.Listen(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	sched.Stop()

	if err := queue.Close(); err != nil {
		logger.Error("queue close failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}

// greetInput/greetOutput and registerJobs demonstrate the job-registration
// surface: a job that calls an external HTTP endpoint through a
// replayable step, matching the "send a welcome email" style example
// used throughout spec.md.
type greetInput struct {
	UserID string `json:"user_id" validate:"required"`
	Email  string `json:"email" validate:"required,email"`
}

type greetOutput struct {
	Delivered bool `json:"delivered"`
}

func registerJobs(queue *engine.Queue) {
	job := engine.NewJob[greetInput, greetOutput]("user/greet", engine.Options{
		Retry:   3,
		Timeout: durationPtr(5 * time.Minute),
		Triggers: []engine.Trigger{
			{Pipe: "user.created"},
		},
	}, runGreet)

	if err := engine.Register(queue, job); err != nil {
		log.Fatalf("failed to register job %q: %v", job.ID(), err)
	}
}

func runGreet(ec *execution.Context, input greetInput) (greetOutput, error) {
	ec.Go("audit-log", execution.RunOptions{Retry: 1}, func(stepCtx context.Context) (json.RawMessage, error) {
		body, _ := json.Marshal(map[string]string{"event": "user.greeted", "user_id": input.UserID})
		req, err := http.NewRequestWithContext(stepCtx, http.MethodPost, "https://audit.internal/log", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if _, err := httpstep.Do(stepCtx, req, httpstep.DefaultClient); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"logged": true})
	})

	raw, err := ec.Run("send-welcome-email", execution.RunOptions{Retry: 2}, func(stepCtx context.Context) (json.RawMessage, error) {
		body, _ := json.Marshal(map[string]string{"to": input.Email, "template": "welcome"})
		req, err := http.NewRequestWithContext(stepCtx, http.MethodPost, "https://notifications.internal/send", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		result, err := httpstep.Do(stepCtx, req, httpstep.DefaultClient)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]interface{}{"status": result.StatusCode})
	})
	if err != nil {
		return greetOutput{}, err
	}

	var sent struct {
		Status int `json:"status"`
	}
	if err := json.Unmarshal(raw, &sent); err != nil {
		return greetOutput{}, err
	}

	return greetOutput{Delivered: sent.Status < 300}, nil
}

func durationPtr(d time.Duration) *time.Duration { return &d }
