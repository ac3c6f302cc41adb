// cmd/worker-manager/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"review-workers/internal/common/camunda"
	"review-workers/internal/common/config"
	"review-workers/internal/common/database"
	"review-workers/internal/common/errors"
	"review-workers/internal/common/logger"
	"review-workers/internal/store"
	gra "review-workers/internal/workers/review/generate-review-assignments"
	uas "review-workers/internal/workers/review/update-assignment-statuses"
	urs "review-workers/internal/workers/review/update-review-statuses"
	"review-workers/pkg/registry"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New("info", "console")
		fallback.Fatal("config load failed", zap.Error(err))
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()

	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting worker manager...",
		zap.String("app", cfg.App.Name),
		zap.String("version", cfg.App.Version),
	)

	ctx := context.Background()

	// --- Init Zeebe client with retry ---
	var camundaClient *camunda.Client
	err = retryWithBackoff(func() error {
		var err error
		camundaClient, err = camunda.NewClient(&camunda.ClientConfig{
			GatewayAddress:         cfg.Camunda.BrokerAddress,
			UsePlaintextConnection: true,
			RequestTimeout:         time.Duration(cfg.Camunda.RequestTimeout) * time.Millisecond,
		})
		return err
	}, 10, 2*time.Second, zapLog, "Zeebe client initialization")
	if err != nil {
		zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
	}
	zapLog.Info("Zeebe client connected successfully")

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var rdb *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		rdb, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return rdb.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer rdb.Close()
	zapLog.Info("Redis connected successfully")

	st := store.New(pg.DB, rdb.Client, log)

	reg, err := registry.LoadRegistry(cfg.Registry.Path)
	if err != nil {
		zapLog.Fatal("activity registry load failed",
			zap.String("path", cfg.Registry.Path), zap.Error(err))
	}
	zapLog.Info("Activity registry loaded",
		zap.String("version", reg.Version),
		zap.Int("activities", len(reg.Activities)),
	)

	errHandler := errors.NewErrorHandler(log)

	var workers []*camunda.TriggerWorker

	// --- Register workers ---
	if cfg.Workers[gra.TaskType].Enabled {
		handler := gra.NewHandler(
			&gra.Config{
				Timeout: time.Duration(cfg.Workers[gra.TaskType].Timeout) * time.Millisecond,
			},
			st, log,
		)
		workers = append(workers, startWorker(camundaClient, reg, gra.TaskType, cfg.Workers[gra.TaskType], handler, errHandler, zapLog))
	}

	if cfg.Workers[uas.TaskType].Enabled {
		handler := uas.NewHandler(
			&uas.Config{
				Timeout: time.Duration(cfg.Workers[uas.TaskType].Timeout) * time.Millisecond,
			},
			st, log,
		)
		workers = append(workers, startWorker(camundaClient, reg, uas.TaskType, cfg.Workers[uas.TaskType], handler, errHandler, zapLog))
	}

	if cfg.Workers[urs.TaskType].Enabled {
		handler := urs.NewHandler(
			&urs.Config{
				Timeout: time.Duration(cfg.Workers[urs.TaskType].Timeout) * time.Millisecond,
			},
			st, log,
		)
		workers = append(workers, startWorker(camundaClient, reg, urs.TaskType, cfg.Workers[urs.TaskType], handler, errHandler, zapLog))
	}

	zapLog.Info("All workers registered", zap.Int("count", len(workers)))

	// --- Health & Metrics Server ---
	go func() {
		http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "healthy",
				"time":   time.Now().Format(time.RFC3339),
			})
		})
		http.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := camundaClient.HealthCheck(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{
					"status": "not ready",
					"error":  err.Error(),
				})
				return
			}
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "ready",
				"time":   time.Now().Format(time.RFC3339),
			})
		})
		http.Handle("/metrics", promhttp.Handler())
		zapLog.Info("Health/Metrics server listening on :8080")
		if err := http.ListenAndServe(":8080", nil); err != nil {
			zapLog.Error("Health/Metrics server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping workers...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, w := range workers {
		w.Stop(shutdownCtx)
	}

	if err := camundaClient.Close(); err != nil {
		zapLog.Error("Error closing Zeebe client", zap.Error(err))
	}

	zapLog.Info("Worker manager stopped gracefully")
}

func startWorker(client *camunda.Client, reg *registry.ActivityRegistry, taskType string, wcfg config.WorkerConfig, handler camunda.JobHandler, errHandler *errors.ErrorHandler, log *zap.Logger) *camunda.TriggerWorker {
	if activity, ok := reg.Find(taskType); ok {
		handler = &validatedHandler{activity: activity, next: handler, errHandler: errHandler}
	} else {
		log.Warn("task type missing from activity registry, input validation disabled",
			zap.String("taskType", taskType))
	}
	return camunda.NewWorker(client.Raw(), taskType, wcfg.MaxJobsActive, handler, log)
}

// validatedHandler rejects jobs whose variables do not satisfy the registered
// input schema, before they reach the real handler.
type validatedHandler struct {
	activity   *registry.Activity
	next       camunda.JobHandler
	errHandler *errors.ErrorHandler
}

func (v *validatedHandler) Handle(client worker.JobClient, job entities.Job) {
	vars, err := job.GetVariablesAsMap()
	if err == nil {
		err = v.activity.ValidateInput(vars)
	}
	if err != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		v.errHandler.HandleJobError(ctx, client, job, errors.NewInvalidTriggerInputError(err.Error()))
		return
	}
	v.next.Handle(client, job)
}
