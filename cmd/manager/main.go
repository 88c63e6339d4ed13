// Command manager runs the Manager HTTP service: it loads configuration,
// wires the storage/queue/dispatch/notify/result-access collaborators,
// starts the background dispatch workers, timeout sweeper and notify
// pipeline, and serves the HTTP surface until an interrupt or terminate
// signal requests a graceful shutdown. Grounded on the teacher's
// cmd/scheduler/main.go startup/shutdown shape.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/example/manager/internal/api"
	"github.com/example/manager/internal/audit"
	"github.com/example/manager/internal/config"
	"github.com/example/manager/internal/dispatch"
	"github.com/example/manager/internal/domain"
	"github.com/example/manager/internal/notify"
	"github.com/example/manager/internal/observability"
	"github.com/example/manager/internal/queue"
	"github.com/example/manager/internal/registry"
	"github.com/example/manager/internal/resultaccess"
	"github.com/example/manager/internal/runnerclient"
	"github.com/example/manager/internal/store"
	"github.com/example/manager/internal/tasks"
)

// managerVersion is the Manager's own MAJOR.MINOR.PATCH, compared against
// every Runner's X-Runner-Version header (spec.md §6.1).
var managerVersion = domain.Version{Major: 1, Minor: 0, Patch: 0}

func main() {
	configPath := os.Getenv("MANAGER_CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	shutdownTrace, err := observability.InitTracingFromEnv("manager")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	taskStore, err := newTaskStore(cfg)
	if err != nil {
		log.Fatalf("init task store: %v", err)
	}

	dispatchQ, notifyQ, err := newQueues(cfg)
	if err != nil {
		log.Fatalf("init queues: %v", err)
	}

	// Runner membership is never persisted across restarts (spec.md §9, see
	// DESIGN.md): runners are expected to re-register shortly after startup.
	reg := registry.New(managerVersion)
	sweeper := registry.NewSweeper(reg, cfg.HeartbeatSweepInterval, cfg.HeartbeatDeadAfter)

	runnerHTTP := runnerclient.New()
	dispatcher := dispatch.New(reg, runnerHTTP, dispatch.Config{
		PingTimeout:            cfg.PingTimeout,
		DispatchTimeout:        cfg.DispatchTimeout,
		CompletionCallbackBase: completionCallbackBase(cfg),
	})

	manifestStore, err := newManifestStore(cfg)
	if err != nil {
		log.Fatalf("init shared storage: %v", err)
	}
	access := resultaccess.New(cfg.SharedStorageEnabled, manifestStore, runnerHTTP, reg)

	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		log.Fatalf("open audit log: %v", err)
	}

	notifyPipeline := notify.New(taskStore, notifyQ, notify.Config{
		MaxRetries:    cfg.NotifyMaxRetries,
		BaseDelay:     cfg.NotifyRetryDelay,
		BackoffFactor: cfg.NotifyBackoffFactor,
		Workers:       4,
	})

	taskMgr := tasks.New(taskStore, dispatchQ, dispatcher, notifyPipeline, tasks.Config{
		DispatchRetryDelay:   cfg.DispatchRetryDelay,
		DispatchMaxAttempts:  cfg.DispatchMaxAttempts,
		ExecutionTimeout:     cfg.ExecutionTimeout,
		TimeoutSweepInterval: cfg.TimeoutSweepInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.RedispatchPendingOnStartup {
		if err := taskMgr.EnqueuePendingForRedispatch(ctx); err != nil {
			log.Printf("manager: redispatch pending tasks on startup failed: %v", err)
		}
	}

	go sweeper.Run(ctx)
	go notifyPipeline.Run(ctx)
	taskMgr.RunDispatchWorkers(ctx, 4)
	go taskMgr.RunTimeoutSweeper(ctx)

	server := api.NewServer(cfg, reg, taskMgr, access, dispatchQ, notifyQ, auditLog, managerVersion)

	httpSrv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.ManagerPort),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Printf("manager listening on :%d (version %s)", cfg.ManagerPort, managerVersion.String())
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("manager server failed: %v", err)
	}
	log.Println("manager shutting down")
}

func newTaskStore(cfg config.Config) (store.TaskStore, error) {
	switch cfg.TaskStoreBackend {
	case "postgres":
		return store.NewPostgresStore(cfg.PostgresDSN)
	default:
		return store.NewJSONStore(cfg.TaskStorePath)
	}
}

func newQueues(cfg config.Config) (dispatchQ, notifyQ queue.Queue, err error) {
	switch cfg.DispatchQueueBackend {
	case "redis":
		dispatchQ = queue.NewRedisQueue(queue.RedisQueueConfig{
			Addr: cfg.RedisAddr, Key: "manager:dispatch", DeadLetterMax: 1000,
		})
		notifyQ = queue.NewRedisQueue(queue.RedisQueueConfig{
			Addr: cfg.RedisAddr, Key: "manager:notify", DeadLetterMax: 1000,
		})
	default:
		dispatchQ = queue.NewMemoryQueue()
		notifyQ = queue.NewMemoryQueue()
	}
	return dispatchQ, notifyQ, nil
}

func newManifestStore(cfg config.Config) (resultaccess.ManifestFileStore, error) {
	if !cfg.SharedStorageEnabled {
		return resultaccess.NewFilesystemStore(cfg.ResultsRoot), nil
	}
	switch cfg.SharedStorageBackend {
	case "minio":
		return resultaccess.NewMinIOStore(resultaccess.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
	default:
		return resultaccess.NewFilesystemStore(cfg.ResultsRoot), nil
	}
}

func completionCallbackBase(cfg config.Config) string {
	if v := os.Getenv("MANAGER_PUBLIC_BASE_URL"); v != "" {
		return strings.TrimSuffix(v, "/")
	}
	return "http://localhost:" + strconv.Itoa(cfg.ManagerPort)
}

