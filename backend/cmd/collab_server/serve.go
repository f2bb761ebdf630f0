package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"collabsync/backend/config"
	"collabsync/backend/internal/access"
	"collabsync/backend/internal/auth"
	"collabsync/backend/internal/bus"
	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/httpapi/handlers"
	"collabsync/backend/internal/logger"
	"collabsync/backend/internal/metrics"
	"collabsync/backend/internal/session"
	"collabsync/backend/internal/store"
	"collabsync/backend/internal/ws"
)

func runMigrate(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN, log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info("migration done", zap.String("driver", cfg.Database.Driver))
	return nil
}

func runServe(parent context.Context, path string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	// 持久化存储和缓存不可达时启动失败
	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN, log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	var producer sarama.SyncProducer
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err = sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			// 事件日志不是必需的
			log.Warn("kafka unavailable, doc events disabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.Error(err))
			producer = nil
		} else {
			defer producer.Close()
		}
	}

	a, err := buildApp(ctx, cfg, log, db, rdb, producer, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer a.close()

	if a.autosaver != nil {
		go a.autosaver.Run(ctx)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("collab server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
	}
	// 退出前把本实例未保存的编辑落库
	if n := a.engine.FlushDirty(context.Background()); n > 0 {
		log.Info("flushing unsaved documents", zap.Int("documents", n))
	}
	return nil
}

type app struct {
	router     *gin.Engine
	engine     *collab.Engine
	dispatcher *collab.KafkaDispatcher
	bus        bus.Bus
	autosaver  *collab.Autosaver
}

// close 顺序：先停引擎（排空队列），再停事件发送和总线。
func (a *app) close() {
	a.engine.Close()
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	_ = a.bus.Close()
}

func buildApp(ctx context.Context, cfg *config.Config, log *zap.Logger, db *gorm.DB, rdb redis.UniversalClient, producer sarama.SyncProducer, reg prometheus.Registerer) (*app, error) {
	m := metrics.New(reg)

	snapshots := store.NewSnapshotStore(db)
	gateway := store.NewGateway(db, snapshots, log.Named("store"))
	docs := store.NewDocumentStore(db)
	users := store.NewUserStore(db)

	var dispatcher *collab.KafkaDispatcher
	var events collab.EventSink
	if producer != nil {
		dispatcher = collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(4), collab.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  time.Second,
		}, log.Named("kafka"))
		events = dispatcher
	}

	docCache := cache.NewDocumentCache(rdb, gateway, cfg.Cache.Capacity, log.Named("cache"), m)
	hub := ws.NewHub()
	origin := uuid.NewString()
	engine := collab.NewEngine(collab.Options{
		Registry:        session.NewRegistry(),
		Cache:           docCache,
		Store:           gateway,
		Delivery:        hub,
		Bus:             bus.NewLocal(origin),
		Presence:        cache.NewRedisPresence(rdb),
		Events:          events,
		SaveConcurrency: cfg.Collab.SaveConcurrency,
		PresenceTTL:     cfg.Collab.PresenceTTL,
		Log:             log.Named("engine"),
		Metrics:         m,
	})

	var b bus.Bus = bus.NewLocal(origin)
	if cfg.Bus.Enabled {
		// 总线不可用不影响启动，退化为单实例广播
		b = bus.Attach(ctx, bus.NewRedisBus(rdb, origin, log.Named("bus"), m), engine.HandleRemote, cfg.Bus.AttachRetries, log.Named("bus"))
	}
	engine.UseBus(b)
	// 有在线成员或未保存编辑的文档不被容量淘汰
	docCache.KeepIf(engine.Live)

	var autosaver *collab.Autosaver
	if cfg.Collab.Autosave != "" {
		var err error
		autosaver, err = collab.NewAutosaver(cfg.Collab.Autosave, engine, log.Named("autosave"))
		if err != nil {
			engine.Close()
			return nil, err
		}
	}

	var gate auth.Gate = auth.NewJWTGate(auth.NewSigner(cfg.Auth.Secret))
	if cfg.Auth.VerifyURL != "" {
		gate = auth.NewRemoteGate(cfg.Auth.VerifyURL, nil)
	}
	checker := access.NewChecker(docs)
	manager := ws.NewManager(hub, engine, checker, ws.ManagerOptions{
		AllowedOrigins: cfg.Collab.AllowedOrigins,
		SendQueue:      cfg.Collab.SendQueue,
		CursorRPS:      cfg.Collab.CursorRPS,
		Log:            log.Named("ws"),
		Metrics:        m,
	})

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	corsCfg := cors.Config{
		AllowOrigins:     cfg.Collab.AllowedOrigins,
		AllowWildcard:    true,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(corsCfg.AllowOrigins) == 0 {
		// 未配置白名单时放开，WebSocket 握手另有 Origin 校验
		corsCfg.AllowAllOrigins = true
	}
	r.Use(cors.New(corsCfg))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok", "connections": hub.Count()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	auth.NewHandler(users, auth.NewSigner(cfg.Auth.Secret), cfg.Auth.AccessTTL, log.Named("auth")).Routes(v1)

	protected := v1.Group("")
	protected.Use(auth.Middleware(gate))
	handlers.NewDocumentHandler(docs, snapshots, checker, engine, docCache, log.Named("http")).Routes(protected)
	handlers.NewUserHandler(users, log.Named("http")).Routes(protected)

	collabGroup := r.Group("/collab")
	// 从 Authorization 或 ?token= 提取令牌
	collabGroup.Use(auth.Middleware(gate))
	collabGroup.GET("/ws", manager.WebSocketConnect)

	return &app{router: r, engine: engine, dispatcher: dispatcher, bus: b, autosaver: autosaver}, nil
}
