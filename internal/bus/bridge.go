package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"corral/internal/wire"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// BridgeConn is the coordinator's bidirectional connection to one proxy
// plane: every ingress frame of the plane arrives here, and frames sent here
// are broadcast on the plane's egress. The coordinator initiates the
// connection and therefore owns reconnection.
type BridgeConn struct {
	addr   string
	logger *slog.Logger
	router *wire.Router

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewBridgeConn creates a bridge to the proxy at addr, dispatching inbound
// frames through router.
func NewBridgeConn(addr string, router *wire.Router, logger *slog.Logger) *BridgeConn {
	return &BridgeConn{
		addr:   addr,
		logger: logger,
		router: router,
	}
}

// Run connects and dispatches until ctx is cancelled, redialing with capped
// exponential backoff after connection loss. The initial connection failure
// is fatal so a misconfigured deployment surfaces at startup.
func (b *BridgeConn) Run(ctx context.Context) error {
	conn, err := b.dial(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to reach bus proxy %s", b.addr)
	}
	b.setConn(conn)
	b.logger.Info("bridge connected", slog.String("addr", b.addr))

	backoff := backoffStart
	for {
		_, frame, err := conn.ReadMessage()
		if err == nil {
			backoff = backoffStart
			b.router.Dispatch(frame)

			continue
		}

		b.setConn(nil)
		conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		b.logger.Warn("bridge connection lost",
			slog.String("addr", b.addr),
			slog.Any("error", err),
		)

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}

			conn, err = b.dial(ctx)
			if err == nil {
				break
			}
			b.logger.Warn("bridge redial failed",
				slog.String("addr", b.addr),
				slog.Duration("retryIn", backoff),
				slog.Any("error", err),
			)
			if backoff < backoffMax {
				backoff *= 2
			}
		}
		b.setConn(conn)
		b.logger.Info("bridge reconnected", slog.String("addr", b.addr))
	}
}

// Send publishes an envelope onto the plane's broadcast side. Sends while
// disconnected fail; the caller decides whether that matters.
func (b *BridgeConn) Send(env *wire.Envelope) error {
	frame, err := env.Encode()
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return errors.Errorf("bridge to %s not connected", b.addr)
	}

	b.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := b.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return errors.Wrap(err, "failed to send on bridge")
	}

	return nil
}

func (b *BridgeConn) setConn(conn *websocket.Conn) {
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
}

func (b *BridgeConn) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, "ws://"+b.addr+"/bridge", nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return conn, nil
}
