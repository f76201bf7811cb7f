package main

import (
	"context"
	"log/slog"
	"os"

	"corral/config"
	"corral/internal/bus"
	"corral/internal/delivery"
	"corral/internal/delivery/admin"
	logs "corral/internal/infra/log"

	"go.uber.org/fx"
)

type startServerParams struct {
	fx.In
	fx.Lifecycle

	Deliveries []delivery.Delivery `group:"deliveries"`
}

func main() {
	fx.New(
		injectInfra(),
		injectDelivery(),
		fx.Invoke(
			startServer,
		),
	).Run()
}

func injectInfra() fx.Option {
	return fx.Provide(
		config.New,
		logs.New,
		context.Background,
	)
}

func injectDelivery() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				newAppProxy,
				fx.ResultTags(`group:"deliveries"`),
			),
			fx.Annotate(
				newDeviceProxy,
				fx.ResultTags(`group:"deliveries"`),
			),
			fx.Annotate(
				admin.NewServer,
				fx.ResultTags(`group:"deliveries"`),
			),
		),
	)
}

func newAppProxy(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) delivery.Delivery {
	proxy := bus.NewProxy(cfg.Bus.App, logger)
	lc.Append(fx.Hook{OnStop: proxy.Shutdown})

	return proxy
}

func newDeviceProxy(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) delivery.Delivery {
	proxy := bus.NewProxy(cfg.Bus.Device, logger)
	lc.Append(fx.Hook{OnStop: proxy.Shutdown})

	return proxy
}

func startServer(ctx context.Context, params startServerParams) {
	for _, delivery := range params.Deliveries {
		go func() {
			if err := delivery.Serve(ctx); err != nil {
				slog.Error("Failed to start server", slog.Any("error", err))
				os.Exit(1)
			}
		}()
	}
}
