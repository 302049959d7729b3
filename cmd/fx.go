package cmd

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/fx"

	"github.com/webitel/mail-auth-gateway/config"
	"github.com/webitel/mail-auth-gateway/infra/server/admin"
	"github.com/webitel/mail-auth-gateway/internal/adapter/audit"
	"github.com/webitel/mail-auth-gateway/internal/adapter/dnsresolver"
	"github.com/webitel/mail-auth-gateway/internal/checks"
	"github.com/webitel/mail-auth-gateway/internal/domain/model"
	"github.com/webitel/mail-auth-gateway/internal/domain/registry"
	"github.com/webitel/mail-auth-gateway/internal/handler/miltersrv"
	"github.com/webitel/mail-auth-gateway/internal/handler/smtpproxy"
	"github.com/webitel/mail-auth-gateway/internal/metrics"
	"github.com/webitel/mail-auth-gateway/internal/service"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			config.NewLogger,
			ProvideResolver,
			ProvideMetrics,
			ProvideBus,
			ProvideRegistry,
			ProvideController,
			audit.NewPublisher,
		),
		fx.Invoke(RunMetricsBus),
		miltersrv.Module,
		smtpproxy.Module,
		admin.Module,
	)
}

func ProvideResolver(cfg *config.Config, logger *slog.Logger) (*dnsresolver.Client, error) {
	return dnsresolver.New(dnsresolver.Config{
		Timeout: time.Duration(cfg.DNSTimeout) * time.Second,
		Retry:   cfg.DNSRetry,
		Servers: cfg.DNSResolvers,
	}, logger)
}

func ProvideMetrics(logger *slog.Logger) *metrics.Registry {
	return metrics.NewRegistry(logger)
}

func ProvideBus(logger *slog.Logger) *metrics.Bus {
	return metrics.NewBus(logger)
}

func ProvideRegistry(cfg *config.Config, reg *metrics.Registry, logger *slog.Logger) (*registry.Registry, error) {
	r := registry.New(logger)
	handlers, err := checks.Build(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := r.Load(handlers...); err != nil {
		return nil, err
	}
	r.RegisterMetrics(reg)
	return r, nil
}

func ProvideController(cfg *config.Config, reg *registry.Registry, bus *metrics.Bus,
	resolver *dnsresolver.Client, logger *slog.Logger) (*service.Controller, error) {

	ctrl, err := service.NewController(cfg, reg, bus,
		service.LogStatusSink{Logger: logger}, logger)
	if err != nil {
		return nil, err
	}

	// The resolver is process-wide and safe for concurrent use; the
	// factory hands every connection the same instance. The SPF engine
	// wraps it per connection. Neither is reaped between messages.
	ctrl.RegisterObjectFactory(service.ObjectFactory{
		Name: model.ObjectResolver,
		Build: func(context.Context) (any, error) {
			return resolver, nil
		},
	})
	ctrl.RegisterObjectFactory(service.ObjectFactory{
		Name: model.ObjectSPFServer,
		Build: func(context.Context) (any, error) {
			return checks.NewSPFEngine(resolver), nil
		},
	})
	return ctrl, nil
}

// RunMetricsBus pumps child count events into the parent registry for
// the application's lifetime.
func RunMetricsBus(lc fx.Lifecycle, bus *metrics.Bus, reg *metrics.Registry, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := bus.Run(ctx, reg); err != nil {
					logger.Error("metrics bus stopped", slog.Any("err", err))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return bus.Close()
		},
	})
}
