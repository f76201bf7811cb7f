package bus

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"corral/internal/wire"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	dialTimeout      = 5 * time.Second
	backoffStart     = 500 * time.Millisecond
	backoffMax       = 30 * time.Second
	subscriptionSize = 256
)

// ErrClientClosed is returned for operations on a closed client.
var ErrClientClosed = errors.New("bus client closed")

// Subscription delivers envelopes whose channel starts with the subscribed
// prefix.
type Subscription struct {
	prefix string
	ch     chan *wire.Envelope
	client *Client
	once   sync.Once
}

// Envelopes delivers matching envelopes in arrival order.
func (s *Subscription) Envelopes() <-chan *wire.Envelope {
	return s.ch
}

// Unsubscribe detaches the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.client.removeSubscription(s)
	})
}

// Client connects a service to one bus proxy plane. Publishing goes over the
// ingress endpoint, subscriptions over the egress endpoint. The proxy never
// reconnects to us; as the initiating side this client redials with capped
// exponential backoff and replays its prefix set after each reconnect.
type Client struct {
	addr   string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	collectMu sync.Mutex
	collect   *websocket.Conn

	egressMu sync.Mutex
	egress   *websocket.Conn
	subs     map[*Subscription]struct{}

	closed sync.Once
}

// NewClient creates a client for the proxy at addr ("host:port").
func NewClient(addr string, logger *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		addr:   addr,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Publish sends an envelope to the ingress endpoint. Sends are
// fire-and-forget: delivery is not acknowledged.
func (c *Client) Publish(ctx context.Context, env *wire.Envelope) error {
	frame, err := env.Encode()
	if err != nil {
		return err
	}

	c.collectMu.Lock()
	defer c.collectMu.Unlock()

	if c.collect == nil {
		conn, err := c.dial(ctx, "/collect")
		if err != nil {
			return err
		}
		c.collect = conn
	}

	c.collect.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := c.collect.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		c.collect.Close()
		c.collect = nil

		return errors.Wrap(err, "failed to publish frame")
	}

	return nil
}

// Subscribe starts delivering envelopes whose channel starts with prefix.
func (c *Client) Subscribe(prefix string) (*Subscription, error) {
	sub := &Subscription{
		prefix: prefix,
		ch:     make(chan *wire.Envelope, subscriptionSize),
		client: c,
	}

	c.egressMu.Lock()
	defer c.egressMu.Unlock()

	select {
	case <-c.ctx.Done():
		return nil, ErrClientClosed
	default:
	}

	if c.egress == nil {
		conn, err := c.dial(c.ctx, "/subscribe")
		if err != nil {
			return nil, err
		}
		c.egress = conn
		go c.readLoop(conn)
	}

	if err := c.sendControlLocked("sub", prefix); err != nil {
		return nil, err
	}
	c.subs[sub] = struct{}{}

	return sub, nil
}

func (c *Client) removeSubscription(sub *Subscription) {
	c.egressMu.Lock()
	_, present := c.subs[sub]
	delete(c.subs, sub)
	if present {
		close(sub.ch)
	}

	stillUsed := false
	for other := range c.subs {
		if other.prefix == sub.prefix {
			stillUsed = true

			break
		}
	}
	if present && !stillUsed && c.egress != nil {
		if err := c.sendControlLocked("unsub", sub.prefix); err != nil {
			c.logger.Debug("unsubscribe control failed", slog.Any("error", err))
		}
	}
	c.egressMu.Unlock()
}

// Close tears the client down; all subscriptions are closed.
func (c *Client) Close() error {
	c.closed.Do(func() {
		c.cancel()

		c.collectMu.Lock()
		if c.collect != nil {
			c.collect.Close()
			c.collect = nil
		}
		c.collectMu.Unlock()

		c.egressMu.Lock()
		if c.egress != nil {
			c.egress.Close()
			c.egress = nil
		}
		for sub := range c.subs {
			close(sub.ch)
		}
		c.subs = make(map[*Subscription]struct{})
		c.egressMu.Unlock()
	})

	return nil
}

// readLoop drains the egress connection and fans envelopes out to matching
// subscriptions. On connection loss it redials and replays the prefix set.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.reconnectEgress(conn)

			return
		}

		env, err := wire.DecodeEnvelope(frame)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", slog.Any("error", err))

			continue
		}

		c.egressMu.Lock()
		for sub := range c.subs {
			if !strings.HasPrefix(env.Channel, sub.prefix) {
				continue
			}
			select {
			case sub.ch <- env:
			default:
				c.logger.Warn("subscription buffer full, dropping envelope",
					slog.String("channel", env.Channel),
					slog.String("prefix", sub.prefix),
				)
			}
		}
		c.egressMu.Unlock()
	}
}

// reconnectEgress redials the egress endpoint after a read failure, replays
// every active prefix, and hands off to a fresh read loop. It gives up only
// when the client closed or another caller already re-established the
// connection.
func (c *Client) reconnectEgress(old *websocket.Conn) {
	c.egressMu.Lock()
	if c.egress != old {
		c.egressMu.Unlock()

		return
	}
	c.egress = nil
	old.Close()

	if len(c.subs) == 0 {
		c.egressMu.Unlock()

		return
	}
	c.egressMu.Unlock()

	backoff := backoffStart
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := c.dial(c.ctx, "/subscribe")
		if err != nil {
			c.logger.Warn("egress redial failed",
				slog.String("addr", c.addr),
				slog.Duration("retryIn", backoff),
				slog.Any("error", err),
			)
			if backoff < backoffMax {
				backoff *= 2
			}

			continue
		}

		c.egressMu.Lock()
		if c.egress != nil {
			// Another caller re-established the connection first.
			c.egressMu.Unlock()
			conn.Close()

			return
		}
		c.egress = conn

		prefixes := make(map[string]struct{})
		for sub := range c.subs {
			prefixes[sub.prefix] = struct{}{}
		}
		replayFailed := false
		for prefix := range prefixes {
			if err := c.sendControlLocked("sub", prefix); err != nil {
				replayFailed = true

				break
			}
		}
		c.egressMu.Unlock()

		if replayFailed {
			c.egressMu.Lock()
			if c.egress == conn {
				c.egress = nil
			}
			c.egressMu.Unlock()
			conn.Close()

			continue
		}

		c.logger.Info("egress reconnected", slog.String("addr", c.addr))
		go c.readLoop(conn)

		return
	}
}

// sendControlLocked writes a sub/unsub control message. Caller holds
// c.egressMu.
func (c *Client) sendControlLocked(op, prefix string) error {
	if c.egress == nil {
		return errors.New("no egress connection")
	}

	c.egress.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := c.egress.WriteJSON(subscribeOp{Op: op, Prefix: prefix}); err != nil {
		return errors.Wrapf(err, "failed to send %s control", op)
	}

	return nil
}

func (c *Client) dial(ctx context.Context, path string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, "ws://"+c.addr+path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial bus proxy %s%s", c.addr, path)
	}

	return conn, nil
}
