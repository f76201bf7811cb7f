// Package coordinator implements the single stateful authority of the
// deployment. It bridges the application and device bus planes, answers
// every request/reply transaction, persists device and group state through
// the use case layer, and tracks group channel liveness.
package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"corral/config"
	"corral/internal/bus"
	"corral/internal/domain/entity"
	domainerrors "corral/internal/domain/errors"
	"corral/internal/domain/lifecycle"
	"corral/internal/domain/repository"
	"corral/internal/liveness"
	"corral/internal/usecase"
	"corral/internal/wire"

	"github.com/pkg/errors"
	"go.uber.org/fx"
)

// Sender is the slice of bus.BridgeConn the coordinator publishes through.
type Sender interface {
	Send(env *wire.Envelope) error
}

// Runner is a bridge's read side; satisfied by *bus.BridgeConn.
type Runner interface {
	Run(ctx context.Context) error
}

// plane pairs one bus plane's dispatch router with its egress side.
type plane struct {
	name   string
	router *wire.Router
	send   Sender
	run    Runner
}

// Coordinator bridges the two bus planes and owns all persistent state
// transitions requested over the bus. It implements delivery.Delivery.
type Coordinator struct {
	logger    *slog.Logger
	devices   usecase.DeviceUsecase
	groups    usecase.GroupUsecase
	groupRepo repository.GroupRepository
	live      *liveness.Manager

	app *plane
	dev *plane

	registerOnce   sync.Once
	keepaliveGrace time.Duration
}

// Params holds dependencies for the coordinator.
type Params struct {
	fx.In

	Cfg       *config.Config
	Logger    *slog.Logger
	Devices   usecase.DeviceUsecase
	Groups    usecase.GroupUsecase
	GroupRepo repository.GroupRepository
}

// New creates the coordinator with bridges to both proxy planes.
func New(params Params) *Coordinator {
	appRouter := wire.NewRouter(params.Logger)
	devRouter := wire.NewRouter(params.Logger)
	appBridge := bus.NewBridgeConn(params.Cfg.Bus.App, appRouter, params.Logger)
	devBridge := bus.NewBridgeConn(params.Cfg.Bus.Device, devRouter, params.Logger)

	return &Coordinator{
		logger:         params.Logger,
		devices:        params.Devices,
		groups:         params.Groups,
		groupRepo:      params.GroupRepo,
		live:           liveness.NewManager(),
		app:            &plane{name: "app", router: appRouter, send: appBridge, run: appBridge},
		dev:            &plane{name: "device", router: devRouter, send: devBridge, run: devBridge},
		keepaliveGrace: params.Cfg.Coordinator.KeepaliveGrace,
	}
}

// Serve runs both plane bridges and the liveness expiry consumer until ctx
// is canceled. Either bridge failing is fatal.
func (c *Coordinator) Serve(ctx context.Context) error {
	c.registerHandlers()

	if err := c.reseed(ctx); err != nil {
		return errors.Wrap(err, "failed to reseed group liveness")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.live.Close()

	errCh := make(chan error, 2)
	go func() { errCh <- c.app.run.Run(runCtx) }()
	go func() { errCh <- c.dev.run.Run(runCtx) }()

	c.logger.Info("Starting coordinator",
		slog.Duration("keepaliveGrace", c.keepaliveGrace),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Coordinator stopped")

			return nil
		case err := <-errCh:
			if err != nil {
				return errors.Wrap(err, "bus bridge failed")
			}
		case id := <-c.live.Expired():
			c.expireGroup(id)
		}
	}
}

func (c *Coordinator) registerHandlers() {
	c.registerOnce.Do(c.registerAll)
}

func (c *Coordinator) registerAll() {
	// The proxy broadcasts only frames arriving over the bridge, so ingress
	// not addressed to the coordinator goes back out on the same plane for
	// its subscribers: heartbeats for the reaper, scheduler notices for
	// member device channels.
	c.app.router.RegisterTap(c.echo(c.app))
	c.dev.router.RegisterTap(c.echo(c.dev))

	// Device plane ingress: agent traffic and reaper presence broadcasts.
	c.dev.router.Register(wire.TypeDeviceIntro, c.onIntro)
	c.dev.router.Register(wire.TypeDevicePresent, c.onPresence(entity.PresencePresent))
	c.dev.router.Register(wire.TypeDeviceAbsent, c.onPresence(entity.PresenceAbsent))

	// Transactions are answered on whichever plane they arrived on. The
	// reaper lives on the device plane, application clients on the app
	// plane; both address the coordinator channel.
	for _, p := range []*plane{c.app, c.dev} {
		p.router.Register(wire.TypeGroupCreate, c.transaction(p, c.handleGroupCreate))
		p.router.Register(wire.TypeGroupDelete, c.transaction(p, c.handleGroupDelete))
		p.router.Register(wire.TypeGroupJoin, c.transaction(p, c.handleGroupJoin))
		p.router.Register(wire.TypeGroupLeave, c.transaction(p, c.handleGroupLeave))
		p.router.Register(wire.TypeGroupKeepalive, c.transaction(p, c.handleGroupKeepalive))
		p.router.Register(wire.TypeDeviceList, c.transaction(p, c.handleDeviceList))
		p.router.Register(wire.TypeDeviceStale, c.transaction(p, c.handleDeviceStale))
		p.router.Register(wire.TypeDeviceRemove, c.transaction(p, c.handleDeviceRemove))
	}
}

// transaction wraps a handler into the request/reply protocol: the work runs
// off the bridge read loop, and when the request carries a correlation
// channel the outcome is published there as a tx.done reply. Requests
// without correlation are fire-and-forget commands.
func (c *Coordinator) transaction(p *plane, handler func(ctx context.Context, msg any) (any, error)) wire.Handler {
	return func(channel string, msg any, raw []byte) {
		if channel != wire.ChannelCoordinator {
			return
		}
		env, err := wire.DecodeEnvelope(raw)
		if err != nil {
			return
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), lifecycle.DefaultTimeout)
			defer cancel()

			body, err := handler(ctx, msg)
			if env.Correlation == "" {
				if err != nil {
					c.logger.Warn("command failed",
						slog.String("typeId", env.Message.TypeID),
						slog.Any("error", err),
					)
				}

				return
			}
			c.reply(p, env, body, err)
		}()
	}
}

func (c *Coordinator) reply(p *plane, req *wire.Envelope, body any, handlerErr error) {
	reply := &wire.Reply{Success: handlerErr == nil}
	if handlerErr != nil {
		reply.Error = handlerErr.Error()
		reply.Code = domainerrors.CodeOf(handlerErr)
	} else if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			reply.Success = false
			reply.Error = err.Error()
			reply.Code = "INTERNAL"
		} else {
			reply.Body = raw
		}
	}

	env, err := wire.NewEnvelope(req.Correlation, wire.TypeTxDone, reply)
	if err != nil {
		c.logger.Error("failed to build transaction reply", slog.Any("error", err))

		return
	}
	if err := p.send.Send(env); err != nil {
		c.logger.Warn("failed to publish transaction reply",
			slog.String("plane", p.name),
			slog.String("correlation", req.Correlation),
			slog.Any("error", err),
		)
	}
}

// onIntro persists an introducing device and relays the introduction to the
// app plane so application clients see devices come up.
func (c *Coordinator) onIntro(_ string, msg any, raw []byte) {
	intro, ok := msg.(*wire.DeviceIntro)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lifecycle.DefaultTimeout)
	defer cancel()

	if _, err := c.devices.Introduce(ctx, &usecase.IntroduceDeviceInput{
		Serial:       intro.Serial,
		Channel:      intro.Channel,
		Capabilities: intro.Capabilities,
	}); err != nil {
		c.logger.Error("failed to register introducing device",
			slog.String("serial", intro.Serial),
			slog.Any("error", err),
		)

		return
	}

	// The serial doubles as an alias of the device channel so callers can
	// address liveness by either name.
	if err := c.live.Register(wire.DeviceChannel(intro.Serial), liveness.BudgetInfinite, intro.Serial); err != nil {
		c.logger.Warn("failed to track device channel",
			slog.String("serial", intro.Serial),
			slog.Any("error", err),
		)
	}

	c.relayToApp(raw)
}

// onPresence applies a reaper presence broadcast to the registry and relays
// it to the app plane. A presence flip for an unknown serial is not an
// error; the record may already be pruned.
func (c *Coordinator) onPresence(presence entity.Presence) wire.Handler {
	return func(_ string, msg any, raw []byte) {
		var serial string
		switch m := msg.(type) {
		case *wire.DevicePresent:
			serial = m.Serial
		case *wire.DeviceAbsent:
			serial = m.Serial
		default:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), lifecycle.DefaultTimeout)
		defer cancel()

		if err := c.devices.SetPresence(ctx, serial, presence); err != nil &&
			!errors.Is(err, domainerrors.ErrDeviceNotFound) {
			c.logger.Error("failed to persist presence change",
				slog.String("serial", serial),
				slog.String("presence", string(presence)),
				slog.Any("error", err),
			)
		}

		c.relayToApp(raw)
	}
}

// echo re-publishes a plane's pub/sub ingress onto the plane's broadcast
// side. Frames addressed to the coordinator are terminated here, never
// echoed.
func (c *Coordinator) echo(p *plane) wire.Tap {
	return func(channel, _ string, raw []byte) {
		if channel == wire.ChannelCoordinator {
			return
		}
		env, err := wire.DecodeEnvelope(raw)
		if err != nil {
			return
		}
		if err := p.send.Send(env); err != nil {
			c.logger.Debug("same-plane echo failed",
				slog.String("plane", p.name),
				slog.String("typeId", env.Message.TypeID),
				slog.Any("error", err),
			)
		}
	}
}

// reseed re-arms the liveness budget of every scheduled group after a
// restart, so keepalives on pre-existing groups keep resolving and
// abandoned bookings still expire.
func (c *Coordinator) reseed(ctx context.Context) error {
	seedCtx, cancel := context.WithTimeout(ctx, lifecycle.DefaultTimeout)
	defer cancel()

	groups, err := c.groupRepo.ListScheduled(seedCtx)
	if err != nil {
		return err
	}
	for _, group := range groups {
		c.trackGroup(group)
	}

	c.logger.Info("group liveness reseeded", slog.Int("groups", len(groups)))

	return nil
}

// relayToApp republishes a device-plane frame on the application plane.
func (c *Coordinator) relayToApp(raw []byte) {
	env, err := wire.DecodeEnvelope(raw)
	if err != nil {
		return
	}
	if err := c.app.send.Send(env); err != nil {
		c.logger.Debug("cross-plane relay failed",
			slog.String("typeId", env.Message.TypeID),
			slog.Any("error", err),
		)
	}
}

func (c *Coordinator) handleGroupCreate(ctx context.Context, msg any) (any, error) {
	req, ok := msg.(*wire.GroupCreateRequest)
	if !ok {
		return nil, errors.New("unexpected payload for group.create")
	}

	group, err := c.groups.Create(ctx, &usecase.CreateGroupInput{
		Name:        req.Name,
		Class:       entity.GroupClass(req.Class),
		OwnerEmail:  req.OwnerEmail,
		Dates:       windowsFromWire(req.Dates),
		Repetitions: req.Repetitions,
	})
	if err != nil {
		return nil, err
	}

	c.trackGroup(group)

	return group, nil
}

func (c *Coordinator) handleGroupDelete(ctx context.Context, msg any) (any, error) {
	req, ok := msg.(*wire.GroupDeleteRequest)
	if !ok {
		return nil, errors.New("unexpected payload for group.delete")
	}

	if err := c.groups.Delete(ctx, req.GroupID); err != nil {
		return nil, err
	}
	c.live.Unregister(req.GroupID)

	return nil, nil
}

func (c *Coordinator) handleGroupJoin(ctx context.Context, msg any) (any, error) {
	req, ok := msg.(*wire.GroupJoinRequest)
	if !ok {
		return nil, errors.New("unexpected payload for group.join")
	}

	group, err := c.groups.Join(ctx, &usecase.JoinGroupInput{
		Serial:  req.Serial,
		GroupID: req.GroupID,
	})
	if err != nil {
		return nil, err
	}

	// Membership changes the accounting duration, so the budget is re-armed
	// from the updated group.
	c.trackGroup(group)

	return group, nil
}

func (c *Coordinator) handleGroupLeave(ctx context.Context, msg any) (any, error) {
	req, ok := msg.(*wire.GroupLeaveRequest)
	if !ok {
		return nil, errors.New("unexpected payload for group.leave")
	}

	if err := c.groups.Leave(ctx, req.Serial, req.GroupID); err != nil {
		return nil, err
	}

	return nil, nil
}

func (c *Coordinator) handleGroupKeepalive(_ context.Context, msg any) (any, error) {
	req, ok := msg.(*wire.GroupKeepalive)
	if !ok {
		return nil, errors.New("unexpected payload for group.keepalive")
	}

	if err := c.live.Keepalive(req.GroupID); err != nil {
		return nil, domainerrors.ErrGroupNotFound.WrapMessage(req.GroupID)
	}

	return nil, nil
}

func (c *Coordinator) handleDeviceList(ctx context.Context, _ any) (any, error) {
	serials, err := c.devices.ListPresent(ctx)
	if err != nil {
		return nil, err
	}

	return &wire.DeviceList{Serials: serials}, nil
}

func (c *Coordinator) handleDeviceStale(ctx context.Context, msg any) (any, error) {
	req, ok := msg.(*wire.DeviceStaleRequest)
	if !ok {
		return nil, errors.New("unexpected payload for device.stale")
	}

	stale, err := c.devices.ListStale(ctx, req.AbsentFor())
	if err != nil {
		return nil, err
	}

	serials := make([]string, 0, len(stale))
	for _, device := range stale {
		serials = append(serials, device.Serial)
	}

	return &wire.DeviceList{Serials: serials}, nil
}

func (c *Coordinator) handleDeviceRemove(ctx context.Context, msg any) (any, error) {
	req, ok := msg.(*wire.DeviceRemove)
	if !ok {
		return nil, errors.New("unexpected payload for device.remove")
	}

	if err := c.devices.Remove(ctx, req.Serial); err != nil {
		return nil, err
	}
	c.live.Unregister(wire.DeviceChannel(req.Serial))

	return nil, nil
}

// trackGroup arms the group channel's liveness budget: the accounting
// duration plus a keepalive grace. Origin groups are permanent and never
// tracked.
func (c *Coordinator) trackGroup(group *entity.Group) {
	if group.Class == entity.ClassOrigin {
		return
	}

	budget := group.Duration + c.keepaliveGrace
	if err := c.live.Register(group.ID, budget, group.Name); err != nil {
		c.logger.Warn("failed to track group channel",
			slog.String("groupId", group.ID),
			slog.Any("error", err),
		)
	}
}

// expireGroup handles a group channel running out of keepalive budget: the
// booking is torn down and member devices are told on the device plane.
func (c *Coordinator) expireGroup(groupID string) {
	ctx, cancel := context.WithTimeout(context.Background(), lifecycle.DefaultTimeout)
	defer cancel()

	c.logger.Info("group keepalive budget exhausted", slog.String("groupId", groupID))

	if err := c.groups.Delete(ctx, groupID); err != nil {
		if errors.Is(err, domainerrors.ErrGroupNotFound) {
			return
		}
		c.logger.Error("failed to delete expired group",
			slog.String("groupId", groupID),
			slog.Any("error", err),
		)

		return
	}

	env, err := wire.NewEnvelope(wire.ChannelBroadcast, wire.TypeGroupChanged, &wire.GroupChanged{
		GroupID:  groupID,
		IsActive: false,
	})
	if err != nil {
		return
	}
	if err := c.dev.send.Send(env); err != nil {
		c.logger.Warn("failed to announce expired group",
			slog.String("groupId", groupID),
			slog.Any("error", err),
		)
	}
}

func windowsFromWire(specs []wire.WindowSpec) []entity.Window {
	windows := make([]entity.Window, 0, len(specs))
	for _, spec := range specs {
		windows = append(windows, entity.Window{
			Start: time.UnixMilli(spec.StartMillis),
			Stop:  time.UnixMilli(spec.StopMillis),
		})
	}

	return windows
}
