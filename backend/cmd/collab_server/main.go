package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"notecollab/backend/config"
	"notecollab/backend/internal/cache"
	"notecollab/backend/internal/collab"
	"notecollab/backend/internal/httpapi/handlers"
	"notecollab/backend/internal/httpapi/middleware"
	"notecollab/backend/internal/metrics"
	"notecollab/backend/internal/reconcile"
	"notecollab/backend/internal/store"
	"notecollab/backend/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Log.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("init logger failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("collab server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("notecollab", reg)

	// === Redis：在线状态镜像 + 多实例广播 ===
	var rdb redis.UniversalClient
	trackerOpts := []cache.TrackerOption{cache.WithLogger(logger.Named("presence"))}
	if len(cfg.Redis.Addrs) > 0 {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		trackerOpts = append(trackerOpts, cache.WithMirror(cache.NewRedisPresence(rdb)))
	}
	tracker := cache.NewTracker(cfg.Collab.PresenceTTL, trackerOpts...)

	// === MySQL：文档、操作日志和快照；没有配置 DSN 时用内存存储 ===
	var (
		docStore  collab.DocumentStore
		snapshots collab.SnapshotStore
	)
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return fmt.Errorf("connect mysql: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		defer sqlDB.Close()
		docStore = store.NewDocumentStore(db)
		snapshots = store.NewSnapshotStore(sqlDB)
	} else {
		logger.Warn("mysql dsn not configured, documents are kept in memory")
		mem := store.NewMemoryStore()
		docStore, snapshots = mem, mem
	}

	// === Kafka：已提交操作的事件流，可选 ===
	var events collab.EventSink
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()

		dispatcher := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic,
			collab.NewSemaphoreControl(cfg.Kafka.Workers),
			collab.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
				Logger:      logger.Named("kafka"),
				Metrics:     m,
			})
		// 先于 producer.Close 执行，队列里剩下的事件发完再关
		defer dispatcher.Close()
		events = dispatcher
	}

	hub := ws.NewHub()
	var (
		gateway collab.Gateway = hub
		relay   *ws.RedisRelay
	)
	if cfg.Redis.Fanout && rdb != nil {
		relay = ws.NewRedisRelay(hub, rdb, 0, logger.Named("relay"), m)
		gateway = relay
	}

	svc := collab.NewService(collab.Deps{
		Store:     docStore,
		Snapshots: snapshots,
		Tracker:   tracker,
		Gateway:   gateway,
		Events:    events,
	}, collab.Options{
		SubmitTimeout:        cfg.Collab.SubmitTimeout,
		IdleEvictAfter:       cfg.Collab.IdleEvictAfter,
		SweepInterval:        cfg.Collab.SweepInterval,
		MaxConcurrentSubmits: cfg.Collab.MaxConcurrentSubmits,
		Logger:               logger.Named("collab"),
		Metrics:              m,
	})
	coord := reconcile.NewCoordinator(svc, logger.Named("reconcile"), m)
	manager := ws.NewManager(hub, svc, coord, logger.Named("ws"), m)
	docs := handlers.NewDocumentHandler(svc, coord, logger.Named("http"))

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middleware.Logger(logger.Named("access")))
	r.Use(gin.Recovery())
	if cfg.Cors.Enabled {
		r.Use(cors.New(cors.Config{
			// 允许任意来源（包含 file:// 场景的 Origin: null）
			AllowOriginFunc:  func(origin string) bool { return true },
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.DevUserHeader},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	group := r.Group("/collab")
	// 鉴权中间件从 Authorization 或 ?token= 取令牌，写入 userId
	group.Use(middleware.AuthMiddleware(cfg.Auth.Path, logger.Named("auth")))
	group.GET("/ws", manager.WebSocketConnect)
	docs.Register(group)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}
	g.Go(func() error {
		logger.Info("collab server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	logger.Info("collab server stopped")
	return err
}
