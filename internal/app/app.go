// Package app wires the order service together and runs its HTTP server.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/domain/order"
	"github.com/xenking/kart-orders/internal/domain/pricing"
	"github.com/xenking/kart-orders/internal/gateway"
	"github.com/xenking/kart-orders/internal/handler"
	"github.com/xenking/kart-orders/internal/lock"
	"github.com/xenking/kart-orders/internal/ordernum"
	"github.com/xenking/kart-orders/internal/repository"
	"github.com/xenking/kart-orders/pkg/health"
	"github.com/xenking/kart-orders/pkg/httpmiddleware"
)

const serviceName = "kart-orders"

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL, cfg.Pool)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck("postgres", pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	var locker order.Locker = lock.Noop{}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()

		healthSvc.AddReadinessCheck("redis", 2*time.Second, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		locker = lock.NewRedis(rdb, lock.Options{
			Prefix: serviceName + ":",
			TTL:    cfg.Redis.LockTTL,
			Wait:   cfg.Redis.LockWait,
		})
	} else {
		lg.Warn("Redis address not set, checkout lock disabled")
	}

	httpClient := gateway.NewHTTPClient(
		otelhttp.WithTracerProvider(m.TracerProvider()),
		otelhttp.WithMeterProvider(m.MeterProvider()),
	)
	carts, err := gateway.NewCartClient(cfg.Gateways.Cart, httpClient)
	if err != nil {
		return errors.Wrap(err, "cart gateway")
	}
	coupons, err := gateway.NewCouponClient(cfg.Gateways.Coupon, httpClient)
	if err != nil {
		return errors.Wrap(err, "coupon gateway")
	}
	identities, err := gateway.NewIdentityClient(cfg.Gateways.Identity, httpClient)
	if err != nil {
		return errors.Wrap(err, "identity gateway")
	}

	taxRate, err := cfg.Pricing.taxRate()
	if err != nil {
		return err
	}
	maxShipping, err := cfg.Pricing.maxShipping()
	if err != nil {
		return err
	}

	orderService, err := order.NewService(order.Deps{
		Carts:       carts,
		Coupons:     coupons,
		Identity:    identities,
		Orders:      repository.NewOrderRepository(pool),
		Pricing:     pricing.NewEngine(taxRate),
		Numbers:     ordernum.New(),
		Locker:      locker,
		MaxShipping: maxShipping,
		Currency:    cfg.Pricing.Currency,
		Meter:       m.MeterProvider().Meter(serviceName),
		Tracer:      m.TracerProvider().Tracer(serviceName),
	})
	if err != nil {
		return errors.Wrap(err, "create order service")
	}

	h := handler.New(orderService, identities)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/api/", h.Routes())

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: otelhttp.NewHandler(
			httpmiddleware.Wrap(mux,
				httpmiddleware.RequestID(),
				httpmiddleware.InjectLogger(zctx.From(ctx)),
				httpmiddleware.Recovery(),
				httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
					Max:     cfg.RateLimit.Max,
					Window:  cfg.RateLimit.Window,
					KeyFunc: httpmiddleware.BearerOrIP,
					Exempt:  []string{"/livez", "/readyz"},
				}),
				httpmiddleware.LogRequests(),
			),
			serviceName,
			otelhttp.WithTracerProvider(m.TracerProvider()),
			otelhttp.WithMeterProvider(m.MeterProvider()),
		),
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
