package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/config"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/gate"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/gateway"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/grants"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/ledger"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/notifications"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/rounding"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/session"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/cache"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/events"
	"go.uber.org/zap"
)

const (
	localLockCacheSize   = 100000
	limiterPruneInterval = 5 * time.Minute
	limiterIdleTimeout   = 10 * time.Minute
	healthMetricsPeriod  = 30 * time.Second
)

// Service is the fully wired metering service.
type Service struct {
	Gateway  *gateway.Gateway
	Sessions *session.Manager
	Backend  *Backend

	bus           *events.Bus
	notifications *notifications.Service
	cancel        context.CancelFunc
}

// NewService opens the backend and wires every component behind the HTTP
// gateway. Background loops run until Shutdown.
func NewService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Service, error) {
	backend, err := OpenBackend(ctx, cfg, true, logger)
	if err != nil {
		return nil, err
	}

	svc, err := wire(cfg, backend, logger)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return svc, nil
}

func wire(cfg *config.Config, backend *Backend, logger *zap.Logger) (*Service, error) {
	ctx, cancel := context.WithCancel(context.Background())
	svc := &Service{Backend: backend, cancel: cancel}

	fail := func(what string, err error) (*Service, error) {
		cancel()
		return nil, fmt.Errorf("initialize %s: %w", what, err)
	}

	svc.bus = events.NewBus(logger)
	notificationService, err := notifications.NewService(notifications.FromSettings(cfg.Notifications), logger)
	if err != nil {
		return fail("notifications", err)
	}
	notificationService.Register(svc.bus)
	notificationService.Start(ctx)
	svc.notifications = notificationService

	balances := ledger.NewBalanceService(backend.Store, logger)
	balanceGate := gate.New(balances, logger)
	policy := rounding.Default()

	ingester, err := grants.NewIngester(backend.Store, cfg.Billing.Products, svc.bus, logger)
	if err != nil {
		return fail("purchase ingester", err)
	}

	var eventLock grants.EventLock
	if backend.Cache != nil {
		eventLock = grants.NewRedisEventLock(backend.Cache, cfg.Billing.WebhookLockTTL, logger)
	} else {
		localCache := cache.NewLocalCache(localLockCacheSize, nil)
		localCache.StartJanitor(ctx, time.Minute)
		eventLock = grants.NewLocalEventLock(localCache, cfg.Billing.WebhookLockTTL)
	}

	webhooks, err := grants.NewWebhookHandler(grants.HandlerConfig{
		Secret:       cfg.Billing.WebhookSecret,
		StripeSecret: cfg.Billing.StripeWebhookSecret,
	}, ingester, eventLock, logger)
	if err != nil {
		return fail("webhook handler", err)
	}

	svc.Sessions, err = session.NewManager(backend.Store, balanceGate, policy, svc.bus, session.Config{
		HeartbeatTimeout: cfg.Sessions.HeartbeatTimeout,
		SweepInterval:    cfg.Sessions.SweepInterval,
		Retention:        cfg.Sessions.Retention,
		MaxTracked:       cfg.Sessions.MaxTracked,
	}, logger)
	if err != nil {
		return fail("session manager", err)
	}
	svc.Sessions.Start(ctx)

	svc.Gateway, err = gateway.NewGateway(gateway.Options{
		Store:          backend.Store,
		Balances:       balances,
		Gate:           balanceGate,
		Sessions:       svc.Sessions,
		Policy:         policy,
		Webhooks:       webhooks,
		Limiter:        newLimiter(ctx, cfg.RateLimit, backend.Cache, logger),
		Cache:          backend.Cache,
		Publisher:      svc.bus,
		JWTSecret:      cfg.Security.JWTSecret,
		AdminToken:     cfg.Security.AdminAPIToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		Production:     strings.EqualFold(cfg.Server.Environment, "production"),
	}, logger)
	if err != nil {
		return fail("API gateway", err)
	}
	svc.Gateway.StartHealthMetrics(ctx, healthMetricsPeriod)

	return svc, nil
}

// newLimiter returns nil when limiting is disabled. Without Redis every
// replica limits on its own.
func newLimiter(ctx context.Context, cfg config.RateLimitConfig, c *cache.Cache, logger *zap.Logger) gateway.Limiter {
	if !cfg.Enabled {
		return nil
	}
	if c != nil {
		return gateway.NewRateLimiter(c, cfg.RequestsPerMinute, logger)
	}

	local := gateway.NewLocalRateLimiter(cfg.RequestsPerMinute)
	go func() {
		ticker := time.NewTicker(limiterPruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				local.Prune(limiterIdleTimeout)
			}
		}
	}()
	return local
}

// Shutdown stops the background loops, waits for published events to reach
// the audit log and closes the backend connections.
func (s *Service) Shutdown() {
	s.cancel()
	s.bus.Drain()
	s.notifications.Stop()
	s.Backend.Close()
}
