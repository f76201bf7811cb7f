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
	"corral/internal/infra/persistence/postgres"
	"corral/internal/service/scheduler"

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
		injectRepo(),
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
		newPublisher,
	)
}

// newPublisher connects the scheduler to the device plane so lifecycle
// notices reach member devices directly.
func newPublisher(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) scheduler.Publisher {
	client := bus.NewClient(cfg.Bus.Device, logger)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	return client
}

func injectRepo() fx.Option {
	return fx.Options(
		fx.Provide(
			postgres.New,
			postgres.NewTransactionManager,
			postgres.NewGroupRepository,
		),
	)
}

func injectDelivery() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				scheduler.New,
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
