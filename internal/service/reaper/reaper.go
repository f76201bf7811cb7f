// Package reaper derives device presence from heartbeat traffic. Devices
// feed a TTL set; set transitions become present/absent broadcasts on the
// device plane. A separate slow loop prunes devices that have been absent
// for a long time, the only path that permanently deletes a device record.
package reaper

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"corral/config"
	"corral/internal/bus"
	"corral/internal/ttlset"
	"corral/internal/txn"
	"corral/internal/wire"

	"github.com/pkg/errors"
	"go.uber.org/fx"
)

// Subscription is the slice of bus.Subscription the reaper consumes.
type Subscription interface {
	Envelopes() <-chan *wire.Envelope
	Unsubscribe()
}

// Bus is the slice of the bus client the reaper needs.
type Bus interface {
	Publish(ctx context.Context, env *wire.Envelope) error
	Subscribe(prefix string) (Subscription, error)
}

type clientBus struct {
	client *bus.Client
}

func (b clientBus) Publish(ctx context.Context, env *wire.Envelope) error {
	return b.client.Publish(ctx, env)
}

func (b clientBus) Subscribe(prefix string) (Subscription, error) {
	return b.client.Subscribe(prefix)
}

// BusFromClient adapts a concrete bus client to the Bus interface.
func BusFromClient(client *bus.Client) Bus {
	return clientBus{client: client}
}

// Requester issues request/reply transactions; satisfied by *txn.Manager.
type Requester interface {
	Request(ctx context.Context, channel, typeID string, body any, timeout time.Duration) (json.RawMessage, error)
}

// Reaper is the presence reaper service. It implements delivery.Delivery.
type Reaper struct {
	logger *slog.Logger
	bus    Bus
	txn    Requester
	set    *ttlset.Set
	router *wire.Router

	pruneInterval time.Duration
	absentFor     time.Duration
}

// Params holds dependencies for the reaper.
type Params struct {
	fx.In

	Cfg    *config.Config
	Logger *slog.Logger
	Client *bus.Client
	Txn    *txn.Manager
}

// New creates the reaper from its fx dependencies.
func New(params Params) *Reaper {
	return &Reaper{
		logger:        params.Logger,
		bus:           BusFromClient(params.Client),
		txn:           params.Txn,
		set:           ttlset.New(params.Cfg.Reaper.TTL),
		router:        wire.NewRouter(params.Logger),
		pruneInterval: params.Cfg.Reaper.PruneInterval,
		absentFor:     params.Cfg.Reaper.AbsentFor,
	}
}

// Serve seeds the tracker from the coordinator, then consumes heartbeat
// traffic until ctx is canceled. A failed seed is fatal: without it every
// already-present device would be announced again.
func (r *Reaper) Serve(ctx context.Context) error {
	if err := r.seed(ctx); err != nil {
		return errors.Wrap(err, "failed to seed presence tracker")
	}

	r.registerHandlers()

	sub, err := r.bus.Subscribe(wire.ChannelBroadcast)
	if err != nil {
		return errors.Wrap(err, "failed to subscribe to broadcast channel")
	}
	defer sub.Unsubscribe()

	r.logger.Info("Starting presence reaper",
		slog.Duration("pruneInterval", r.pruneInterval),
		slog.Duration("absentFor", r.absentFor),
	)

	if r.pruneInterval > 0 {
		go r.pruneLoop(ctx)
	}

	defer r.set.Close()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Presence reaper stopped")

			return nil
		case env, ok := <-sub.Envelopes():
			if !ok {
				return errors.New("broadcast subscription closed")
			}
			frame, err := env.Encode()
			if err != nil {
				continue
			}
			r.router.Dispatch(frame)
		case ev := <-r.set.Events():
			r.announce(ctx, ev)
		}
	}
}

// seed fetches the currently present device set from the coordinator and
// inserts it silently, so going live does not re-announce known devices.
func (r *Reaper) seed(ctx context.Context) error {
	body, err := r.txn.Request(ctx, wire.ChannelCoordinator, wire.TypeDeviceList, &wire.DeviceListRequest{}, 0)
	if err != nil {
		return err
	}

	var list wire.DeviceList
	if err := json.Unmarshal(body, &list); err != nil {
		return errors.Wrap(err, "failed to decode device list reply")
	}

	now := time.Now()
	for _, serial := range list.Serials {
		r.set.Bump(serial, now, true)
	}

	r.logger.Info("presence tracker seeded", slog.Int("devices", len(list.Serials)))

	return nil
}

func (r *Reaper) registerHandlers() {
	r.router.Register(wire.TypeDeviceIntro, func(_ string, msg any, _ []byte) {
		if intro, ok := msg.(*wire.DeviceIntro); ok {
			r.set.Bump(intro.Serial, time.Now(), false)
		}
	})
	r.router.Register(wire.TypeDeviceHeartbeat, func(_ string, msg any, _ []byte) {
		if hb, ok := msg.(*wire.DeviceHeartbeat); ok {
			r.set.Bump(hb.Serial, time.Now(), false)
		}
	})
	r.router.Register(wire.TypeDeviceAbsent, func(_ string, msg any, _ []byte) {
		if absent, ok := msg.(*wire.DeviceAbsent); ok {
			// A loop-back of our own absence broadcast finds the key
			// already gone and is a no-op.
			r.set.Drop(absent.Serial, false)
		}
	})
}

// announce turns a set transition into a presence broadcast.
func (r *Reaper) announce(ctx context.Context, ev ttlset.Event) {
	var (
		typeID string
		body   any
	)
	switch ev.Kind {
	case ttlset.Inserted:
		typeID = wire.TypeDevicePresent
		body = &wire.DevicePresent{Serial: ev.Key}
	case ttlset.Dropped:
		typeID = wire.TypeDeviceAbsent
		body = &wire.DeviceAbsent{Serial: ev.Key}
	default:
		return
	}

	env, err := wire.NewEnvelope(wire.ChannelBroadcast, typeID, body)
	if err != nil {
		r.logger.Error("failed to build presence broadcast", slog.Any("error", err))

		return
	}
	if err := r.bus.Publish(ctx, env); err != nil {
		r.logger.Warn("failed to publish presence broadcast",
			slog.String("serial", ev.Key),
			slog.Any("error", err),
		)
	}
}

// pruneLoop periodically asks the coordinator for long-absent devices and
// emits a remove command for each.
func (r *Reaper) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(r.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.prune(ctx)
		}
	}
}

func (r *Reaper) prune(ctx context.Context) {
	body, err := r.txn.Request(ctx, wire.ChannelCoordinator, wire.TypeDeviceStale, &wire.DeviceStaleRequest{
		AbsentForMillis: r.absentFor.Milliseconds(),
	}, 0)
	if err != nil {
		r.logger.Warn("stale device query failed", slog.Any("error", err))

		return
	}

	var list wire.DeviceList
	if err := json.Unmarshal(body, &list); err != nil {
		r.logger.Error("failed to decode stale device reply", slog.Any("error", err))

		return
	}

	for _, serial := range list.Serials {
		env, err := wire.NewEnvelope(wire.ChannelCoordinator, wire.TypeDeviceRemove, &wire.DeviceRemove{Serial: serial})
		if err != nil {
			continue
		}
		if err := r.bus.Publish(ctx, env); err != nil {
			r.logger.Warn("failed to publish device removal",
				slog.String("serial", serial),
				slog.Any("error", err),
			)

			continue
		}
		r.logger.Info("stale device removal requested", slog.String("serial", serial))
	}
}
