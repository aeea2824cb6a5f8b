package main

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tokmz/relay"
	"github.com/tokmz/relay/middleware"
	"github.com/tokmz/relay/pkg/bus"
	"github.com/tokmz/relay/pkg/cache"
	"github.com/tokmz/relay/pkg/limiter"
	"github.com/tokmz/relay/pkg/logger"
	"github.com/tokmz/relay/pkg/orm"
	"github.com/tokmz/relay/pkg/telemetry"
	"github.com/tokmz/relay/pkg/tracing"
	"github.com/tokmz/relay/pkg/ws"
)

// app 持有进程内的全部组件
type app struct {
	cfg *AppConfig
	log *logger.Logger

	tp       *sdktrace.TracerProvider
	redis    redis.UniversalClient
	bus      bus.Bus
	shared   cache.Cache
	db       *gorm.DB
	sessions *telemetry.GormSink

	hub    *ws.Hub
	engine *relay.Engine

	// 进程内限流窗口需要定期清理
	sweepers []*limiter.MemoryStore
}

// newApp 按依赖顺序创建组件，失败时释放已创建的部分
func newApp(ctx context.Context, cfg *AppConfig, log *logger.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if a.tp, err = tracing.NewTracerProvider(ctx, &cfg.Tracing); err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	a.connectRedis()

	var connStore, adminStore limiter.Store
	if a.redis != nil {
		connStore = limiter.NewRedisStore(a.redis, "relay:limit:conn:")
		adminStore = limiter.NewRedisStore(a.redis, "relay:limit:admin:")
		a.shared = cache.NewRedisWithClient(a.redis, cache.WithKeyPrefix("relay:"))
	} else {
		conn, admin := limiter.NewMemoryStore(), limiter.NewMemoryStore()
		a.sweepers = append(a.sweepers, conn, admin)
		connStore, adminStore = conn, admin
		if a.shared, err = cache.New(cache.WithKeyPrefix("relay:")); err != nil {
			return nil, fmt.Errorf("cache: %w", err)
		}
	}
	a.shared = cache.WithTracing(a.shared)

	a.bus = a.openBus()

	sinks := telemetry.MultiSink{telemetry.NewLogSink(log.Named("session").Logger)}
	if cfg.Database.Enabled() {
		if a.db, err = orm.New(&cfg.Database, log.Named("orm").Logger); err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		if a.sessions, err = telemetry.NewGormSink(a.db, cfg.Telemetry, log.Named("telemetry").Logger); err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		a.sessions.Start()
		sinks = append(sinks, a.sessions)
	}

	verifier, err := newVerifier(cfg)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	hubOpts := []ws.Option{
		ws.WithConfig(cfg.WS),
		ws.WithLogger(log.Logger),
		ws.WithVerifier(verifier),
		ws.WithSummarySink(sinks),
		ws.WithConnectionStore(connStore),
		ws.WithBlocklist(ws.NewCacheBlocklist(a.shared)),
	}
	if a.bus != nil {
		hubOpts = append(hubOpts, ws.WithBus(a.bus))
	}
	if a.hub, err = ws.NewHub(hubOpts...); err != nil {
		return nil, err
	}

	if err := a.buildEngine(adminStore); err != nil {
		return nil, err
	}
	return a, nil
}

// connectRedis Redis 不可用时回退到进程内存储
func (a *app) connectRedis() {
	if !a.cfg.Redis.Enabled {
		return
	}
	client, err := cache.NewRedisClient(&a.cfg.Redis.RedisConfig)
	if err != nil {
		a.log.Warn("redis unavailable, falling back to in-process stores", zap.Error(err))
		return
	}
	a.redis = client
}

// openBus 总线不可用时以单进程模式运行
func (a *app) openBus() bus.Bus {
	cfg := a.cfg.Bus
	var (
		b   bus.Bus
		err error
	)
	switch cfg.Driver {
	case bus.DriverNone:
		return nil
	case bus.DriverMemory:
		return bus.NewMemoryBus()
	case bus.DriverRedis:
		if a.redis == nil {
			err = errors.New("redis client not available")
		} else {
			b = bus.NewRedisBus(a.redis)
		}
	case bus.DriverAMQP:
		b, err = bus.NewAMQPBus(cfg.URL)
	case bus.DriverKafka:
		b, err = bus.NewKafkaBus(cfg.Brokers)
	}
	if err != nil {
		a.log.Warn("bus unavailable, running in single-process mode",
			zap.String("driver", string(cfg.Driver)),
			zap.Error(err),
		)
		return nil
	}
	return b
}

func (a *app) buildEngine(adminStore limiter.Store) error {
	cfg := a.cfg
	httpLog := a.log.Named("http").Logger

	e, err := relay.New(httpLog,
		relay.WithMode(cfg.HTTP.Mode),
		relay.WithServer(cfg.HTTP.Server),
		relay.WithTrustedProxies(cfg.HTTP.TrustedProxies...),
	)
	if err != nil {
		return fmt.Errorf("http: %w", err)
	}
	e.Use(
		middleware.Tracing(&middleware.TracingConfig{ExcludePaths: []string{"/healthz"}}),
		middleware.Logger(httpLog, &middleware.LoggerConfig{ExcludePaths: []string{"/healthz"}}),
	)
	if cfg.Admin.CORS.Enabled() {
		cors, err := middleware.CORS(&cfg.Admin.CORS)
		if err != nil {
			return err
		}
		e.Use(cors)
	}

	if len(cfg.Admin.Tokens) == 0 {
		a.log.Warn("no admin tokens configured, /admin is unreachable")
	}
	admin := []relay.HandlerFunc{
		middleware.RateLimiter(middleware.RateLimiterConfig{
			Limit:  cfg.Admin.RateLimit,
			Store:  adminStore,
			Logger: httpLog,
		}),
		middleware.AdminAuth(middleware.AdminAuthConfig{Tokens: cfg.Admin.Tokens, Logger: httpLog}),
	}

	opts := []relay.HandlersOption{relay.WithHandlersLogger(httpLog)}
	if a.sessions != nil {
		opts = append(opts,
			relay.WithSessionLister(a.sessions),
			relay.WithSessionCache(a.shared, cfg.Admin.SessionCacheTTL),
		)
	}
	relay.NewHandlers(a.hub, opts...).Register(e.RouterGroup(), admin...)

	a.engine = e
	return nil
}

// reload 应用热更新的配置，只处理可在运行时调整的部分
func (a *app) reload(next *AppConfig) {
	if next.Log.Level != a.log.Level() {
		if err := a.log.SetLevel(next.Log.Level); err != nil {
			a.log.Warn("invalid log level in reloaded config", zap.Error(err))
		} else {
			a.log.Info("log level changed", zap.String("level", next.Log.Level))
		}
	}
	if next.WS.Guard.MessageLimit != a.cfg.WS.Guard.MessageLimit {
		a.hub.Guard().SetMessageLimit(next.WS.Guard.MessageLimit)
		a.log.Info("message limit changed",
			zap.Int("requests", next.WS.Guard.MessageLimit.Requests),
			zap.Duration("window", next.WS.Guard.MessageLimit.Window),
		)
	}
	a.cfg.Log.Level = next.Log.Level
	a.cfg.WS.Guard.MessageLimit = next.WS.Guard.MessageLimit

	if ignored := restartSections(a.cfg, next); len(ignored) > 0 {
		a.log.Warn("config changes need a restart", zap.Strings("sections", ignored))
	}
}

// restartSections 返回热更新无法生效的配置段
func restartSections(cur, next *AppConfig) []string {
	var out []string
	check := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	check("http", cur.HTTP, next.HTTP)
	check("log", cur.Log, next.Log)
	check("ws", cur.WS, next.WS)
	check("redis", cur.Redis, next.Redis)
	check("bus", cur.Bus, next.Bus)
	check("tracing", cur.Tracing, next.Tracing)
	check("database", cur.Database, next.Database)
	check("telemetry", cur.Telemetry, next.Telemetry)
	check("auth", cur.Auth, next.Auth)
	check("admin", cur.Admin, next.Admin)
	return out
}

// close 按创建的逆序释放资源
func (a *app) close(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Shutdown(ctx); err != nil {
			a.log.Warn("hub shutdown incomplete", zap.Error(err))
		}
	}
	if a.sessions != nil {
		if err := a.sessions.Close(); err != nil {
			a.log.Warn("session sink close failed", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := orm.Close(a.db); err != nil {
			a.log.Warn("database close failed", zap.Error(err))
		}
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.Warn("bus close failed", zap.Error(err))
		}
	}
	if a.shared != nil {
		_ = a.shared.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.tp != nil {
		flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.tp.Shutdown(flushCtx); err != nil {
			a.log.Warn("tracer provider shutdown failed", zap.Error(err))
		}
	}
}
