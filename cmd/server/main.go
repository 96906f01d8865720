package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apk-analysis/hookshell/internal/api"
	"github.com/apk-analysis/hookshell/internal/api/handlers"
	"github.com/apk-analysis/hookshell/internal/command"
	"github.com/apk-analysis/hookshell/internal/config"
	"github.com/apk-analysis/hookshell/internal/hook"
	"github.com/apk-analysis/hookshell/internal/lifecycle"
	"github.com/apk-analysis/hookshell/internal/metrics"
	"github.com/apk-analysis/hookshell/internal/monitor"
	"github.com/apk-analysis/hookshell/internal/queue"
	"github.com/apk-analysis/hookshell/internal/repository"
	"github.com/apk-analysis/hookshell/internal/script"
	"github.com/apk-analysis/hookshell/internal/server"
	"github.com/apk-analysis/hookshell/internal/service"
	"github.com/apk-analysis/hookshell/internal/session"
	"github.com/apk-analysis/hookshell/internal/store"
	"github.com/apk-analysis/hookshell/internal/target"
	"github.com/apk-analysis/hookshell/internal/watcher"
	"github.com/apk-analysis/hookshell/internal/worker"
	"github.com/sirupsen/logrus"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// 1. 打印版本信息
	fmt.Printf("hookshell - dynamic hook service\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 2. 加载配置
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	path := *configPath
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 3. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting hookshell %s", Version)
	if path != "" {
		logger.Infof("Config loaded from: %s", path)
	} else {
		logger.Info("Config file not found, using defaults and environment")
	}

	// 4. 启动阶段追踪: early-init 内只构建内存对象, 不做任何 IO
	tracker := lifecycle.NewTracker()
	tracker.EarlyInit.MarkStarted()

	if cfg.Log.File {
		fileHook := store.NewFileLogHook(cfg.Data.Dir, tracker)
		logger.AddHook(fileHook)
		defer fileHook.Close()
	}

	promMetrics := metrics.New(logger, cfg.Metrics.Namespace)

	// 5. Hook 引擎与命令执行器
	systemSpace := target.NewSystemSpace()
	engine := hook.NewEngine(target.MethodHooker{}, script.NewFileLoader(cfg.Hook.ScriptsDir), tracker, hook.Options{
		Imports:       cfg.Hook.Imports,
		ScriptTimeout: cfg.Hook.ScriptTimeoutDuration(),
		OutputLines:   cfg.Hook.OutputLines,
		Metrics:       promMetrics,
	}, logger)

	var hookService service.HookService
	onHooksChanged := func() {
		if hookService != nil {
			hookService.OnHooksChanged()
		}
	}

	executor := command.NewExecutor(systemSpace, logger)
	command.RegisterBuiltins(executor, tracker)
	executor.Register(command.NewHookCommand(engine, cfg.Hook.ScriptsDir, onHooksChanged))
	tracker.RecordPackageLoad(true)
	tracker.PackageLoad.MarkCompleted()

	tracker.EarlyInit.MarkCompleted()
	logger.WithField("duration_ms", tracker.EarlyInit.Duration().Milliseconds()).Info("✅ Early init completed")

	// 6. 事件发布 (可选), early-init 结束后才连接
	var mq *queue.RabbitMQ
	var events *queue.EventPublisher
	if cfg.RabbitMQ.Enabled {
		mq, err = queue.NewRabbitMQ(&queue.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Host:     cfg.RabbitMQ.Host,
			Port:     cfg.RabbitMQ.Port,
			User:     cfg.RabbitMQ.User,
			Password: cfg.RabbitMQ.Password,
			VHost:    cfg.RabbitMQ.VHost,
			Exchange: cfg.RabbitMQ.Exchange,
		}, logger)
		if err != nil {
			logger.WithError(err).Warn("⚠️ RabbitMQ unavailable, hook events will not be published")
		} else {
			events = queue.NewEventPublisher(mq, 0, logger)
			engine.SetNotifier(events)
			logger.Info("RabbitMQ connected, hook events enabled")
		}
	}

	// 7. 持久化
	docs := store.New(cfg.Data.Dir, store.Options{
		CacheTTL:    cfg.Data.CacheTTLDuration(),
		LogCooldown: cfg.Data.LogCooldownDuration(),
		Tracker:     tracker,
		Metrics:     promMetrics,
	}, logger)

	var hookRepo repository.HookRepository
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.WithError(err).Warn("⚠️ Failed to init database, hook snapshots stay file-only")
	} else {
		hookRepo = repository.NewHookRepository(db, logger)
		logger.WithField("type", cfg.Database.Type).Info("Database connected successfully")
	}

	hookService = service.NewHookService(engine, docs, hookRepo, executor.Space, tracker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker.HooksSetup.MarkStarted()
	restored, err := hookService.RestoreHooks(ctx)
	if err != nil {
		logger.WithError(err).Warn("Some hooks could not be restored")
	}
	tracker.HooksSetup.MarkCompleted()
	logger.WithField("restored", restored).Info("Hooks restored")
	tracker.LogStatus(logger)

	// 8. 端口与命令服务
	ports := server.NewPortManager(server.PortOptions{
		Host:           cfg.Server.Host,
		DefaultPort:    cfg.Server.Port,
		PortFile:       cfg.Server.PortFile,
		RandomMin:      cfg.Server.RandomPortMin,
		RandomMax:      cfg.Server.RandomPortMax,
		RandomAttempts: cfg.Server.RandomAttempts,
		Tracker:        tracker,
		Metrics:        promMetrics,
	}, logger)
	port := ports.InitializePort(ctx)
	logger.WithField("port", port).Info("Port initialized")

	pool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, logger)
	pool.Start(ctx)
	defer pool.Stop()
	logger.Infof("Worker pool started with %d workers", cfg.Worker.Concurrency)

	sessions := session.NewHandler(executor, session.Config{
		PingInterval:      cfg.Session.PingIntervalDuration(),
		LivenessTimeout:   cfg.Session.LivenessTimeoutDuration(),
		InputTimeout:      cfg.Session.InputTimeoutDuration(),
		PasswordTimeout:   cfg.Session.PasswordTimeoutDuration(),
		FirstFrameTimeout: cfg.Session.FirstFrameTimeoutDuration(),
		CloseWait:         cfg.Session.CloseWaitDuration(),
	}, promMetrics, logger)

	socketServer := server.NewSocketServer(cfg.Server.Host, ports, sessions, pool, tracker, promMetrics, logger)
	if err := socketServer.Start(ctx); err != nil {
		logger.Fatalf("Failed to start command server: %v", err)
	}
	logger.Infof("🚀 Command server listening on %s", socketServer.Addr())

	transactions := server.NewTransactionHandler(executor, ports, socketServer, hookService, server.TransactionOptions{
		DataDir: cfg.Data.Dir,
	}, promMetrics, logger)

	// 9. 后台任务
	if events != nil {
		events.Start()
	}

	sampler := monitor.NewSampler(engine, docs, tracker, promMetrics, cfg.Data.SampleInterval(), logger)
	if sampler.Start() {
		logger.Info("Runtime sampler started")
	}

	go reportPoolStats(ctx, pool, cfg.Worker.Concurrency, promMetrics)

	var scriptWatcher *watcher.ScriptWatcher
	if cfg.Hook.WatchScripts {
		scriptWatcher, err = watcher.NewScriptWatcher(cfg.Hook.ScriptsDir, "*", engine, tracker, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to create script watcher")
		} else if scriptWatcher.Start(ctx) {
			logger.Infof("Script watcher started for directory: %s", cfg.Hook.ScriptsDir)
		}
	}

	if err := hookService.WriteStatus(ctx, map[string]any{
		"version":     Version,
		"server_port": ports.Current(),
		"started_at":  time.Now().Unix(),
	}); err != nil {
		logger.WithError(err).Warn("Failed to write module status")
	}

	// 10. 管理 API
	var httpServer *http.Server
	if cfg.HTTP.Enabled {
		router := api.SetupRouter(&cfg.HTTP, logger, promMetrics, api.Handlers{
			Hooks:    handlers.NewHookHandler(engine, executor.Space, onHooksChanged, logger),
			Exec:     handlers.NewExecHandler(executor, logger),
			Transact: handlers.NewTransactHandler(transactions, logger),
			Status:   handlers.NewStatusHandler(tracker, docs, sampler, logger),
		}, Version)
		httpServer = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		}

		go func() {
			logger.Infof("HTTP server listening on %s", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatalf("HTTP server error: %v", err)
			}
		}()
	}

	// 11. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")

	// 12. 优雅关闭 (30秒超时)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("HTTP server forced to shutdown")
		}
	}

	if scriptWatcher != nil {
		_ = scriptWatcher.Stop()
	}
	sampler.Stop()
	socketServer.Shutdown()

	if err := hookService.WriteHookData(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to persist hooks on shutdown")
	}
	removed := engine.ClearAll()
	logger.WithField("hooks", removed).Info("Hooks unwired")

	if events != nil {
		events.Close()
		published, dropped := events.Stats()
		logger.WithFields(logrus.Fields{
			"published": published,
			"dropped":   dropped,
		}).Info("Event publisher closed")
	}
	if mq != nil {
		_ = mq.Close()
	}
	cancel()

	logger.Info("✅ Server exited")
}

// reportPoolStats 定期更新 Worker Pool 指标
func reportPoolStats(ctx context.Context, pool *worker.Pool, size int, m *metrics.Metrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.UpdateWorkerPoolStats(size, pool.GetQueueSize())
		}
	}
}
