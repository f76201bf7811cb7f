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
	"corral/internal/service/reaper"
	"corral/internal/txn"

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
		newBusClient,
		newTxnManager,
	)
}

// newBusClient connects the reaper to the device plane, where heartbeat
// traffic lives.
func newBusClient(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) *bus.Client {
	client := bus.NewClient(cfg.Bus.Device, logger)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	return client
}

func newTxnManager(cfg *config.Config, client *bus.Client, logger *slog.Logger) *txn.Manager {
	return txn.NewManager(txn.BusFromClient(client), cfg.Txn.DefaultTimeout, logger)
}

func injectDelivery() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				reaper.New,
				fx.As(new(delivery.Delivery)),
				fx.ResultTags(`group:"deliveries"`),
			),
			fx.Annotate(
				admin.NewServer,
				fx.ResultTags(`group:"deliveries"`),
			),
		),
	)
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
