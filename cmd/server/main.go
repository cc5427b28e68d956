package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"CareLink/internal/coordinator"
	"CareLink/internal/directory"
	handlers "CareLink/internal/handler"
	"CareLink/internal/listeners"
	"CareLink/internal/matching"
	"CareLink/internal/models"
	"CareLink/internal/presence"
	"CareLink/internal/realtime"
	"CareLink/internal/session"
	"CareLink/internal/sos"
	"CareLink/internal/store"
	"CareLink/pkg/bridge"
	"CareLink/pkg/cache"
	"CareLink/pkg/config"
	"CareLink/pkg/grpcx"
	"CareLink/pkg/i18n"
	"CareLink/pkg/logger"
	"CareLink/pkg/metrics"
	"CareLink/pkg/middleware"
	"CareLink/pkg/notification"
	"CareLink/pkg/scheduler"
	"CareLink/pkg/sse"
	"CareLink/pkg/util"
	"CareLink/pkg/websocket"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

func main() {
	if err := config.Load(); err != nil {
		panic(err)
	}
	cfg := config.GlobalConfig
	if err := logger.Init(cfg.Log, cfg.Mode); err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := util.InitDatabase(cfg.DBDriver, cfg.DSN)
	if err != nil {
		return err
	}
	if err := models.AutoMigrate(db); err != nil {
		// 已有库的结构可能与模型不一致，由协商层兜底
		logger.Warn("auto migrate failed", zap.Error(err))
	}

	m := metrics.NewMetrics()
	metrics.SetGlobal(m)

	profiles, err := cache.NewCache(cache.Config{
		Type:  cfg.Cache.Type,
		Redis: cache.RedisConfig{Addr: cfg.Cache.RedisAddr, Password: cfg.Cache.RedisPass, DB: cfg.Cache.RedisDB},
		Local: cache.LocalConfig{DefaultExpiration: cfg.Cache.ProfileTTL},
	})
	if err != nil {
		return err
	}
	defer profiles.Close()

	translator, err := i18n.NewI18nSupport(cfg.Push.Language)
	if err != nil {
		return err
	}
	notifier := notification.NewNotifier(newGateway(cfg.Push), logger.Named("notify"), m, cfg.Push.Timeout)
	defer notifier.Wait()

	// 出站：websocket hub 为主，管理员/NGO 房间旁路到 SSE 和消息总线
	hub := websocket.NewHub(websocket.LoadConfigFromEnv())
	defer hub.Close()
	stream := sse.NewHub(15 * time.Second)
	mirrors := []realtime.Mirror{stream}
	br, err := bridge.Open(cfg.Bridge, logger.Lg, m)
	if err != nil {
		logger.Warn("event bridge disabled", zap.String("driver", cfg.Bridge.Driver), zap.Error(err))
	} else if br != nil {
		defer br.Close()
		mirrors = append(mirrors, br)
	}
	emitter := realtime.NewFanout(hub, mirrors...)

	st := store.NewGormStore(db)
	neg := store.NewNegotiator(st, cfg.Schema, logger.Named("store"), m)
	dir := directory.New(st, profiles, cfg.Cache.ProfileTTL, logger.Named("directory"), m)
	clock := scheduler.RealClock

	reg := presence.New(emitter, dir, clock, logger.Named("presence"), m)
	router := session.NewRouter(emitter, neg, clock, logger.Named("session"), m)
	if n, err := router.Rehydrate(ctx); err != nil {
		logger.Warn("rehydrate sessions failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("sessions rehydrated", zap.Int("count", n))
	}

	engine := matching.New(matching.Deps{
		Presence: reg,
		Router:   router,
		Store:    neg,
		Emitter:  emitter,
		Notifier: notifier,
		I18n:     translator,
		Language: cfg.Push.Language,
		Clock:    clock,
		Log:      logger.Named("matching"),
		Metrics:  m,
	})
	alerts := sos.New(sos.Deps{
		Scheduler:  scheduler.New(),
		Escalation: cfg.Escalation,
		Profiles:   dir,
		Presence:   reg,
		Store:      neg,
		Emitter:    emitter,
		Notifier:   notifier,
		I18n:       translator,
		Language:   cfg.Push.Language,
		Log:        logger.Named("sos"),
		Metrics:    m,
	})
	defer alerts.Stop()

	coord := coordinator.New(coordinator.Deps{
		Transport: hub,
		Emitter:   emitter,
		Presence:  reg,
		Matching:  engine,
		Sessions:  router,
		SOS:       alerts,
		Log:       logger.Named("coordinator"),
	})
	hub.SetDispatcher(coord)

	cr := scheduler.NewCron(time.Local, logger.Named("cron"))
	if err := listeners.InitAvailabilityListeners(cr, listeners.NewAvailabilityReconciler(reg, dir), cfg.ReconcileSchedule); err != nil {
		return err
	}
	cr.Start()
	defer cr.Stop()

	if cfg.GRPCAddr != "" {
		gs := grpcx.NewServer(grpcx.ServerConfig{Addr: cfg.GRPCAddr, UnaryTimeout: 5 * time.Second}, logger.Named("grpc"))
		gs.SetServing("", true)
		go func() {
			if err := gs.ListenAndServe(ctx); err != nil {
				logger.Error("grpc server failed", zap.Error(err))
			}
		}()
	}

	gin.SetMode(ginMode(cfg.Mode))
	r := gin.New()
	r.Use(gin.Recovery(), metrics.Middleware(m))
	r.Use(middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:       cfg.RateLimit,
		Identifier: "actor",
		SkipPaths:  []string{cfg.APIPrefix + "/system/health", cfg.APIPrefix + "/admin/stream", "/metrics", websocket.RouteWebSocket},
		AddHeaders: true,
	}, limiterStore(cfg.Cache), m).Middleware())
	handlers.NewHandlers(db, coord, handlers.Options{
		Hub:         hub,
		Stream:      stream,
		Metrics:     m,
		Idempotency: profiles,
	}).Register(r)

	srv := &http.Server{Addr: cfg.Addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func ginMode(mode string) string {
	switch mode {
	case gin.DebugMode, gin.TestMode:
		return mode
	}
	return gin.ReleaseMode
}

// newGateway 未配置任何通道时返回 nil，通知静默丢弃
func newGateway(cfg config.PushConfig) notification.Gateway {
	var (
		push *notification.JPush
		sms  *notification.SMS
	)
	if cfg.JPushAppKey != "" {
		jcfg := notification.JPushConfig{
			AppKey:       cfg.JPushAppKey,
			MasterSecret: cfg.JPushMasterSecret,
			Endpoint:     cfg.JPushEndpoint,
			Timeout:      cfg.Timeout,
		}
		push = notification.NewJPush(jcfg, notification.NewRestJPushClient(jcfg))
	}
	if cfg.SMSEndpoint != "" {
		scfg := notification.SMSConfig{
			Endpoint: cfg.SMSEndpoint,
			Token:    cfg.SMSToken,
			SignName: cfg.SMSSignName,
			Timeout:  cfg.Timeout,
		}
		sms = notification.NewSMS(scfg, notification.NewRestSMSClient(scfg))
	}
	if push == nil && sms == nil {
		logger.Warn("no push or sms channel configured, notifications disabled")
		return nil
	}
	return notification.NewService(push, sms)
}

// limiterStore 使用 redis 缓存时限流计数跨实例共享
func limiterStore(cfg config.CacheConfig) limiter.Store {
	t := strings.ToLower(cfg.Type)
	if (t != "redis" && t != "layered") || cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPass, DB: cfg.RedisDB})
	st, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: "carelink:limiter", MaxRetry: 3})
	if err != nil {
		logger.Warn("redis limiter store unavailable, using memory", zap.Error(err))
		return nil
	}
	return st
}
