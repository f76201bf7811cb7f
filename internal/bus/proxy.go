// Package bus implements the star-topology pub/sub relay and its client
// connections. A proxy instance binds three endpoints: /collect (many
// senders, one stream), /subscribe (broadcast, filtered by channel prefix)
// and /bridge (the single coordinator). Frames are relayed verbatim; only
// the leading channel line is inspected for filtering.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"corral/internal/domain/lifecycle"
	"corral/internal/wire"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
)

const (
	subscriberBuffer = 256
	bridgeBuffer     = 1024
	writeDeadline    = 10 * time.Second
)

// subscribeOp is the control message a subscriber sends on its /subscribe
// connection to manage its channel-prefix set.
type subscribeOp struct {
	Op     string `json:"op"` // "sub" | "unsub"
	Prefix string `json:"prefix"`
}

type subscriber struct {
	conn *websocket.Conn
	out  chan []byte

	mu       sync.Mutex
	prefixes map[string]struct{}
}

func (s *subscriber) matches(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for prefix := range s.prefixes {
		if len(channel) >= len(prefix) && channel[:len(prefix)] == prefix {
			return true
		}
	}

	return false
}

// Proxy relays raw frames between senders, subscribers and one coordinator
// bridge without interpreting payloads.
type Proxy struct {
	addr     string
	logger   *slog.Logger
	server   *echo.Echo
	upgrader websocket.Upgrader

	mu          sync.Mutex
	bridge      *websocket.Conn
	bridgeOut   chan []byte
	subscribers map[*subscriber]struct{}
}

// NewProxy creates a relay bound to addr once Serve runs.
func NewProxy(addr string, logger *slog.Logger) *Proxy {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomiddleware.Recover())

	p := &Proxy{
		addr:   addr,
		logger: logger,
		server: e,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subscribers: make(map[*subscriber]struct{}),
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/collect", p.handleCollect)
	e.GET("/subscribe", p.handleSubscribe)
	e.GET("/bridge", p.handleBridge)

	return p
}

// Serve binds the relay. A bind failure is fatal to the process: the error
// propagates to the caller, which exits.
func (p *Proxy) Serve(ctx context.Context) error {
	p.logger.Info("starting bus proxy", slog.String("addr", p.addr))
	if err := p.server.Start(p.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "failed to bind bus proxy on %s", p.addr)
	}

	return nil
}

// Addr returns the bound listen address, or "" before Serve has bound.
func (p *Proxy) Addr() string {
	addr := p.server.ListenerAddr()
	if addr == nil {
		return ""
	}

	return addr.String()
}

// Shutdown closes the relay and every live connection.
func (p *Proxy) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, lifecycle.DefaultTimeout)
	defer cancel()

	p.logger.Info("shutting down bus proxy")

	return errors.WithStack(p.server.Shutdown(shutdownCtx))
}

// handleCollect drains one sender and forwards every frame verbatim to the
// coordinator bridge. Frames arriving while no bridge is connected are
// dropped; senders are fire-and-forget.
func (p *Proxy) handleCollect(c echo.Context) error {
	conn, err := p.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return errors.Wrap(err, "failed to upgrade collect connection")
	}
	defer conn.Close()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Debug("collect connection closed", slog.Any("error", err))
			}

			return nil
		}
		p.forwardToBridge(frame)
	}
}

// handleBridge binds the single coordinator connection. A newer bridge
// replaces the previous one. Ingress frames flow out on this connection;
// frames arriving from it are broadcast to matching subscribers.
func (p *Proxy) handleBridge(c echo.Context) error {
	conn, err := p.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return errors.Wrap(err, "failed to upgrade bridge connection")
	}

	out := make(chan []byte, bridgeBuffer)

	p.mu.Lock()
	if p.bridge != nil {
		p.logger.Warn("replacing existing coordinator bridge")
		p.bridge.Close()
		close(p.bridgeOut)
	}
	p.bridge = conn
	p.bridgeOut = out
	p.mu.Unlock()

	go p.writeLoop(conn, out)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			p.logger.Warn("coordinator bridge closed", slog.Any("error", err))

			break
		}
		p.broadcast(frame)
	}

	p.mu.Lock()
	if p.bridge == conn {
		p.bridge = nil
		p.bridgeOut = nil
		close(out)
	}
	p.mu.Unlock()
	conn.Close()

	return nil
}

// handleSubscribe registers a broadcast consumer. The connection's inbound
// side carries only sub/unsub control messages.
func (p *Proxy) handleSubscribe(c echo.Context) error {
	conn, err := p.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return errors.Wrap(err, "failed to upgrade subscribe connection")
	}

	sub := &subscriber{
		conn:     conn,
		out:      make(chan []byte, subscriberBuffer),
		prefixes: make(map[string]struct{}),
	}

	p.mu.Lock()
	p.subscribers[sub] = struct{}{}
	p.mu.Unlock()

	go p.writeLoop(conn, sub.out)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var op subscribeOp
		if err := json.Unmarshal(raw, &op); err != nil {
			p.logger.Warn("dropping malformed subscribe control", slog.Any("error", err))

			continue
		}

		sub.mu.Lock()
		switch op.Op {
		case "sub":
			sub.prefixes[op.Prefix] = struct{}{}
		case "unsub":
			delete(sub.prefixes, op.Prefix)
		}
		sub.mu.Unlock()
	}

	p.dropSubscriber(sub)

	return nil
}

// forwardToBridge queues a frame for the coordinator. A full queue means the
// coordinator stopped draining; the frame is dropped and logged. The send
// happens under p.mu so it cannot race the bridge queue being closed.
func (p *Proxy) forwardToBridge(frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bridgeOut == nil {
		return
	}

	select {
	case p.bridgeOut <- frame:
	default:
		p.logger.Warn("bridge queue full, dropping frame")
	}
}

// broadcast fans a frame out to every subscriber whose prefix set matches
// the frame's channel line. A subscriber that cannot keep up is closed; it
// is expected to reconnect and resubscribe.
func (p *Proxy) broadcast(frame []byte) {
	channel, ok := wire.FrameChannel(frame)
	if !ok {
		p.logger.Warn("dropping frame without channel line")

		return
	}

	var slow []*subscriber
	p.mu.Lock()
	for sub := range p.subscribers {
		if !sub.matches(channel) {
			continue
		}
		select {
		case sub.out <- frame:
		default:
			slow = append(slow, sub)
		}
	}
	p.mu.Unlock()

	for _, sub := range slow {
		p.logger.Warn("closing slow subscriber", slog.String("channel", channel))
		p.dropSubscriber(sub)
	}
}

func (p *Proxy) dropSubscriber(sub *subscriber) {
	p.mu.Lock()
	_, present := p.subscribers[sub]
	delete(p.subscribers, sub)
	if present {
		close(sub.out)
	}
	p.mu.Unlock()

	sub.conn.Close()
}

// writeLoop is the single writer for one websocket connection.
func (p *Proxy) writeLoop(conn *websocket.Conn, out <-chan []byte) {
	for frame := range out {
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			p.logger.Debug("write failed, closing connection", slog.Any("error", err))
			conn.Close()

			return
		}
	}
}
