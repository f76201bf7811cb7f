// Package txn emulates synchronous request/reply on top of the async bus: a
// request carries a freshly generated private reply channel, and the caller
// races the first reply on it against a timeout.
package txn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"corral/internal/bus"
	"corral/internal/wire"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Bus is the slice of the bus client a transaction needs.
type Bus interface {
	Publish(ctx context.Context, env *wire.Envelope) error
	Subscribe(prefix string) (Subscription, error)
}

// Subscription mirrors bus.Subscription.
type Subscription interface {
	Envelopes() <-chan *wire.Envelope
	Unsubscribe()
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

// BusFromClient adapts a concrete bus client.
func BusFromClient(client *bus.Client) Bus {
	return clientBus{client: client}
}

// TimeoutError reports a transaction that never received a reply.
type TimeoutError struct {
	Channel string
	TypeID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transaction %s on %s timed out after %s", e.TypeID, e.Channel, e.Timeout)
}

// ReplyError reports a negative reply: the remote side processed the request
// and refused it with a domain error.
type ReplyError struct {
	Code    string
	Message string
}

func (e *ReplyError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("transaction rejected: %s (%s)", e.Message, e.Code)
	}

	return fmt.Sprintf("transaction rejected: %s", e.Message)
}

// Manager issues transactions over a bus plane.
type Manager struct {
	bus            Bus
	logger         *slog.Logger
	defaultTimeout time.Duration
}

// NewManager creates a transaction manager with the given default timeout,
// applied when Request is called with a zero timeout.
func NewManager(b Bus, defaultTimeout time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		bus:            b,
		logger:         logger,
		defaultTimeout: defaultTimeout,
	}
}

// Request publishes a typed request on channel and waits for the first
// tx.done reply on a private correlation channel. Exactly one outcome
// occurs: a successful reply, a *ReplyError from a negative reply, a
// *TimeoutError, or the context error. The private subscription is removed
// on every exit path; replies arriving after settlement are dropped by the
// bus client.
func (m *Manager) Request(ctx context.Context, channel, typeID string, body any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	replyChannel := wire.TxChannelPrefix + uuid.NewString()
	sub, err := m.bus.Subscribe(replyChannel)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open reply channel")
	}
	defer sub.Unsubscribe()

	env, err := wire.NewEnvelope(channel, typeID, body)
	if err != nil {
		return nil, err
	}
	env.Correlation = replyChannel

	if err := m.bus.Publish(ctx, env); err != nil {
		return nil, errors.Wrap(err, "failed to publish request")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case reply, ok := <-sub.Envelopes():
			if !ok {
				return nil, errors.New("bus client closed")
			}
			if reply.Message.TypeID != wire.TypeTxDone {
				continue
			}

			done, known, err := wire.Decode(reply.Message.TypeID, reply.Message.Body)
			if !known || err != nil {
				m.logger.Warn("dropping corrupt transaction reply",
					slog.String("channel", replyChannel),
					slog.Any("error", err),
				)

				continue
			}

			result := done.(*wire.Reply)
			if !result.Success {
				return nil, &ReplyError{Code: result.Code, Message: result.Error}
			}

			return result.Body, nil

		case <-timer.C:
			// Breadcrumb for postmortems: which request went unanswered.
			m.logger.Warn("transaction timed out",
				slog.String("channel", channel),
				slog.String("typeId", typeID),
				slog.Duration("timeout", timeout),
			)

			return nil, &TimeoutError{Channel: channel, TypeID: typeID, Timeout: timeout}

		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "transaction abandoned")
		}
	}
}
