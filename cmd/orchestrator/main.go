// Command orchestrator is the tally orchestrator's process entry point: it
// wires configuration, Redis-backed coordination (C2-C4, C6), the engine
// client (C5), the round-robin scheduler (C7), one worker family per task
// type (C8), the phase controller (C9), and the admin HTTP API together,
// then runs until told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/electionguard/tally-orchestrator/internal/api"
	"github.com/electionguard/tally-orchestrator/internal/archive"
	"github.com/electionguard/tally-orchestrator/internal/audit"
	"github.com/electionguard/tally-orchestrator/internal/config"
	"github.com/electionguard/tally-orchestrator/internal/credcache"
	"github.com/electionguard/tally-orchestrator/internal/credsec"
	"github.com/electionguard/tally-orchestrator/internal/debug"
	"github.com/electionguard/tally-orchestrator/internal/engine"
	"github.com/electionguard/tally-orchestrator/internal/lock"
	"github.com/electionguard/tally-orchestrator/internal/metrics"
	"github.com/electionguard/tally-orchestrator/internal/middleware"
	"github.com/electionguard/tally-orchestrator/internal/phase"
	"github.com/electionguard/tally-orchestrator/internal/progress"
	"github.com/electionguard/tally-orchestrator/internal/queue"
	"github.com/electionguard/tally-orchestrator/internal/scheduler"
	"github.com/electionguard/tally-orchestrator/internal/store"
	"github.com/electionguard/tally-orchestrator/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to orchestrator config file (yaml)")
	flag.Parse()

	loader, err := config.NewLoader(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: load config: %v\n", err)
		os.Exit(1)
	}
	cfg := loader.Current()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if lvl, lerr := logrus.ParseLevel(cfg.Log.Level); lerr == nil {
		logger.SetLevel(lvl)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	debug.InitFromLogLevel(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Fatal("orchestrator: connect redis")
	}
	defer rdb.Close()

	// The teacher's S3 object store had a durable backend by construction
	// (whatever bucket the request named); this domain's election/ballot
	// rows have no equivalent caller-supplied backend, so they live in the
	// in-process store until a durable implementation is wired in.
	st := store.NewMemoryStore()

	lk := lock.NewRedisLocker(rdb)
	prog := progress.NewRedisCounters(rdb)
	cc := credcache.NewRedisCache(rdb, cfg.Credential.KeyPrefix)
	q := queue.NewRedisQueue(rdb)

	m := metrics.NewMetricsWithConfig(metrics.Config{EnableBucketLabel: false})
	m.SetHardwareAccelerationStatus("aes-gcm", credsec.HasAESHardwareSupport())
	m.StartSystemMetricsCollector()

	engineClient := engine.NewHTTPClient(engine.Config{
		Endpoint: cfg.Engine.Endpoint,
		PoolMax:  cfg.Engine.PoolMax,
		Timeout:  time.Duration(cfg.Engine.TimeoutMS) * time.Millisecond,
		RetryMax: cfg.Engine.RetryMax,
	}, logger)

	keyManager, err := credsec.NewCosmianKeyManager(ctx, credsec.CosmianOptions{
		Endpoint: cfg.KMS.Endpoint,
		Keys:     []credsec.KeyReference{{ID: cfg.KMS.KeyID, Version: 1}},
		Timeout:  10 * time.Second,
		Provider: "cosmian-kmip",
	})
	if err != nil {
		logger.WithError(err).Fatal("orchestrator: connect kms")
	}
	defer keyManager.Close(context.Background())
	decryptor := credsec.NewGuardianDecryptor(keyManager)

	auditLogger, err := audit.NewLoggerFromConfig(cfg.Audit)
	if err != nil {
		logger.WithError(err).Fatal("orchestrator: configure audit sink")
	}
	defer auditLogger.Close()

	archiver, err := archive.NewArchiver(ctx, cfg.Archive)
	if err != nil {
		logger.WithError(err).Fatal("orchestrator: configure archive")
	}

	sched := scheduler.New(scheduler.Config{
		Tick:             cfg.Scheduler.Tick(),
		MaxPasses:        cfg.Scheduler.MaxPasses,
		MaxQueuedPerTask: cfg.Scheduler.MaxQueuedPerTask,
		RetryMaxAttempts: cfg.Scheduler.RetryMaxAttempts,
		RetryInitialWait: cfg.Scheduler.RetryInitialDelay(),
	}, q, logger, scheduler.Hooks{
		OnQueued: func(taskType scheduler.TaskType, electionID string) {
			m.RecordChunkQueued(string(taskType))
		},
		OnCompleted: func(taskType scheduler.TaskType, electionID string) {
			m.RecordChunkCompleted(string(taskType))
			auditLogger.LogChunkEvent(audit.EventTypeChunkCompleted, electionID, string(taskType), "", true, nil, 0, nil)
		},
		OnFailed: func(taskType scheduler.TaskType, electionID string, terminal bool) {
			m.RecordChunkFailed(string(taskType), terminal)
			if terminal {
				auditLogger.LogChunkEvent(audit.EventTypeChunkFailed, electionID, string(taskType), "", false, fmt.Errorf("chunk failed terminally"), 0, nil)
			}
		},
	})
	go sched.Run(ctx)

	phaseCfg := phase.DefaultConfig()
	phaseCfg.ChunkSize = cfg.Chunk.Size
	phaseCfg.LockTTL = cfg.Lock.DefaultTTL()
	phaseCfg.CredentialTTL = cfg.Credential.TTL()
	phaseCfg.CounterTTL = cfg.Credential.TTL()
	phaseController := phase.New(st, lk, prog, cc, sched, decryptor, logger, phaseCfg)

	runWorkerFamily := func(taskType string, concurrency int, proc worker.Processor) {
		f := &worker.Family{
			TaskType:    taskType,
			Concurrency: concurrency,
			Queue:       q,
			Processor:   proc,
			Log:         logger,
		}
		go f.Run(ctx)
	}

	dedup := worker.NewDedupGuard()
	runWorkerFamily(string(scheduler.TaskTally), workerConcurrency(cfg, "tally"), &worker.TallyProcessor{
		Store: st, Engine: engineClient, Sched: sched, Dedup: dedup,
	})
	runWorkerFamily(string(scheduler.TaskPartial), workerConcurrency(cfg, "partial"), &worker.PartialProcessor{
		Store: st, Engine: engineClient, Credcache: cc, Sched: sched, Dedup: dedup, Promoter: phaseController,
	})
	runWorkerFamily(string(scheduler.TaskCompensated), workerConcurrency(cfg, "compensated"), &worker.CompensatedProcessor{
		Store: st, Engine: engineClient, Credcache: cc, Sched: sched, Dedup: dedup, Promoter: phaseController,
	})
	runWorkerFamily(string(scheduler.TaskCombine), workerConcurrency(cfg, "combine"), &worker.CombineProcessor{
		Store: st, Engine: engineClient, Sched: sched, Dedup: dedup, Archiver: archiver,
	})

	readyCheck := func(ctx context.Context) error { return keyManager.HealthCheck(ctx) }
	handler := api.NewHandler(phaseController, sched, logger, m, readyCheck)
	router := mux.NewRouter()
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))
	handler.RegisterRoutes(router)

	apiServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}
	metricsServer := &http.Server{Addr: cfg.Metrics.Addr, Handler: m.Handler()}

	go func() {
		logger.WithField("addr", cfg.HTTP.Addr).Info("orchestrator: admin api listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("orchestrator: admin api server")
		}
	}()
	go func() {
		logger.WithField("addr", cfg.Metrics.Addr).Info("orchestrator: metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("orchestrator: metrics server")
		}
	}()

	loader.WatchAndReload(func(c config.Config) {
		sched.UpdateConfig(scheduler.Config{
			Tick:             c.Scheduler.Tick(),
			MaxPasses:        c.Scheduler.MaxPasses,
			MaxQueuedPerTask: c.Scheduler.MaxQueuedPerTask,
			RetryMaxAttempts: c.Scheduler.RetryMaxAttempts,
			RetryInitialWait: c.Scheduler.RetryInitialDelay(),
		})
		logger.Info("orchestrator: configuration reloaded, scheduler tuning updated")
	})

	<-ctx.Done()
	logger.Info("orchestrator: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
}

func workerConcurrency(cfg config.Config, name string) int {
	w, ok := cfg.Worker[name]
	if !ok || w.Max <= 0 {
		return 1
	}
	return w.Max
}
