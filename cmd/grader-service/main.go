package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gradeflow/internal/common/cache"
	"gradeflow/internal/common/db"
	commonmw "gradeflow/internal/common/http/middleware"
	"gradeflow/internal/common/mq"
	"gradeflow/internal/common/storage"
	"gradeflow/internal/grading/controller"
	"gradeflow/internal/grading/repository"
	"gradeflow/internal/grading/runner"
	"gradeflow/internal/grading/service"
	"gradeflow/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultConfigPath = "configs/grader_service.yaml"
	defaultEnvPath    = ".env"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	envPath := flag.String("env", defaultEnvPath, "Path to optional .env file")
	flag.Parse()

	if err := loadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(appCfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = log.Sync()
	}()

	if err := run(appCfg, log); err != nil {
		log.Error(context.Background(), "grader service exited", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig, log *logger.Logger) error {
	ctx := context.Background()

	database, err := openDatabase(ctx, appCfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer func() {
		_ = database.Close()
	}()

	redisClient, err := cache.NewRedisClient(ctx, appCfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	redisCache, err := cache.NewRedisCacheWithClient(redisClient)
	if err != nil {
		return fmt.Errorf("init redis cache: %w", err)
	}
	defer func() {
		_ = redisCache.Close()
	}()

	queue, err := openQueue(appCfg.Queue, redisClient)
	if err != nil {
		return fmt.Errorf("init queue: %w", err)
	}
	defer func() {
		_ = queue.Close()
	}()

	archive, err := openArchive(ctx, appCfg)
	if err != nil {
		return fmt.Errorf("init log archive: %w", err)
	}
	if archive != nil {
		defer archive.Close()
	}

	submissions := repository.NewSubmissionRepository(database)
	statusCache := repository.NewStatusCache(redisCache, submissions, appCfg.Dispatch.StatusCacheTTL)
	topics := service.Topics{
		Main:       appCfg.Queue.Topic,
		Retry:      appCfg.Queue.RetryTopic,
		DeadLetter: appCfg.Queue.DeadLetterTopic,
	}

	svcCfg := service.Config{
		Database:     database,
		Submissions:  submissions,
		Plans:        repository.NewPlanRepository(database),
		TeamProjects: repository.NewTeamProjectRepository(database),
		StatusCache:  statusCache,
		Locks:        redisCache,
		Producer:     queue,
		Topics:       topics,
		APIExecutor: runner.NewAPIExecutor(runner.APIExecutorConfig{
			Timeout: appCfg.Runner.HTTPTimeout,
			Logger:  log.With(zap.String("executor", "api")),
		}),
		MaxAttempts:    appCfg.Dispatch.MaxAttempts,
		RetryDelay:     appCfg.Dispatch.RetryDelay,
		LockTTL:        appCfg.Dispatch.LockTTL,
		WorkerPoolSize: appCfg.Worker.PoolSize,
		Logger:         log,
	}
	if archive != nil {
		svcCfg.Archive = archive
	}
	if appCfg.Runner.ConsoleExecuteURL != "" {
		svcCfg.ConsoleExecutor = runner.NewConsoleExecutor(runner.ConsoleExecutorConfig{
			ExecuteURL:  appCfg.Runner.ConsoleExecuteURL,
			RunTimeout:  appCfg.Runner.ConsoleRunTimeout,
			HTTPTimeout: appCfg.Runner.ConsoleTimeout,
			Logger:      log.With(zap.String("executor", "console")),
		})
	}
	gradingService, err := service.NewService(svcCfg)
	if err != nil {
		return fmt.Errorf("init grading service: %w", err)
	}

	publisher := service.NewPublisher(queue, topics.Main)
	sweeper := service.NewSweeper(submissions, publisher, service.SweeperConfig{
		Interval:      appCfg.Sweeper.Interval,
		StuckTimeout:  appCfg.Sweeper.StuckTimeout,
		BatchSize:     appCfg.Sweeper.BatchSize,
		RatePerSecond: appCfg.Sweeper.RatePerSecond,
	}, log)

	subscriptions := []struct {
		topic string
		group string
	}{
		{topics.Main, appCfg.Queue.ConsumerGroup},
		{topics.Retry, appCfg.Queue.RetryConsumerGroup},
	}
	for _, sub := range subscriptions {
		opts := appCfg.Queue.subscribeOptions(sub.group)
		if err := queue.SubscribeWithOptions(ctx, sub.topic, gradingService.HandleMessage, opts); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.topic, err)
		}
	}
	if err := queue.Start(); err != nil {
		return fmt.Errorf("start queue consumers: %w", err)
	}
	defer func() {
		_ = queue.Stop()
	}()

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	if *appCfg.Sweeper.Enabled {
		go sweeper.Run(sweepCtx)
	}

	health := controller.NewHealthController(map[string]controller.HealthCheck{
		"database": database.Ping,
		"redis":    redisCache.Ping,
		"queue":    queue.Ping,
	})
	gradingController := controller.NewGradingController(statusCache, submissions, publisher, sweeper)
	adminAuth := commonmw.ServiceTokenMiddleware(commonmw.ServiceTokenConfig{
		Secret: appCfg.Admin.Secret,
		Issuer: appCfg.Admin.Issuer,
	})

	httpServer := buildHTTPServer(appCfg.Server, log, func(router gin.IRouter) {
		controller.RegisterRoutes(router, gradingController, health, adminAuth)
	})
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "grader http server started",
			zap.String("addr", appCfg.Server.Addr),
			zap.String("queue", appCfg.Queue.Driver),
			zap.String("database", appCfg.Database.Driver),
		)
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		log.Info(ctx, "shutdown signal received")
	}

	stopSweeper()
	timeoutCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		log.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	return nil
}

func openDatabase(ctx context.Context, cfg DatabaseConfig) (db.Database, error) {
	var (
		database db.Database
		dialect  string
	)
	switch cfg.Driver {
	case driverSQLite:
		sqlite, err := db.NewSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		database, dialect = sqlite, repository.DialectSQLite
	default:
		mysql, err := db.NewMySQL(ctx, cfg.toMySQLConfig())
		if err != nil {
			return nil, err
		}
		database, dialect = mysql, repository.DialectMySQL
	}
	if cfg.Migrate || cfg.Driver == driverSQLite {
		if err := repository.ApplySchema(ctx, database, dialect); err != nil {
			_ = database.Close()
			return nil, err
		}
	}
	return database, nil
}

func openQueue(cfg QueueConfig, client *redis.Client) (mq.MessageQueue, error) {
	if cfg.Driver == queueRedis {
		queue, err := mq.NewRedisStreamQueue(client, cfg.RedisStream)
		if err != nil {
			return nil, err
		}
		return queue, nil
	}
	queue, err := mq.NewKafkaQueue(cfg.Kafka.toMQConfig())
	if err != nil {
		return nil, err
	}
	return queue, nil
}

func openArchive(ctx context.Context, cfg *AppConfig) (*repository.ObjectLogArchive, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}
	store, err := storage.NewMinIOStorage(cfg.MinIO)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx, cfg.Archive.Bucket); err != nil {
		return nil, err
	}
	return repository.NewObjectLogArchive(store, cfg.Archive.Bucket, cfg.Archive.Prefix)
}

func buildHTTPServer(cfg ServerConfig, log *logger.Logger, register func(gin.IRouter)) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger(log))
	register(router)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		log.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
