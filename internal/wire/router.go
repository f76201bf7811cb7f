package wire

import (
	"log/slog"
	"sync"
)

// Handler consumes a dispatched message. msg is the concrete payload struct
// for the registered type; raw is the full frame for consumers that relay it
// verbatim.
type Handler func(channel string, msg any, raw []byte)

type registration struct {
	id      uint64
	handler Handler
}

// Tap observes every decodable frame, whether or not a handler is
// registered for its type. Relays tap a router to forward traffic they do
// not themselves consume.
type Tap func(channel, typeID string, raw []byte)

type tapRegistration struct {
	id  uint64
	tap Tap
}

// Router dispatches decoded envelopes to the handlers registered for their
// message type. It is an instance object owned by the service that created
// it, not process-wide state.
type Router struct {
	logger *slog.Logger

	mu       sync.Mutex
	nextID   uint64
	handlers map[string][]registration
	taps     []tapRegistration
}

// NewRouter creates an empty dispatch registry.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		logger:   logger,
		handlers: make(map[string][]registration),
	}
}

// Register associates a handler with a message type. The returned function
// removes exactly this registration; calling it more than once is harmless.
// Removal does not affect a dispatch pass already in flight.
func (r *Router) Register(typeID string, handler Handler) (unregister func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.handlers[typeID] = append(r.handlers[typeID], registration{id: id, handler: handler})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		regs := r.handlers[typeID]
		for i, reg := range regs {
			if reg.id == id {
				r.handlers[typeID] = append(regs[:i:i], regs[i+1:]...)

				break
			}
		}
		if len(r.handlers[typeID]) == 0 {
			delete(r.handlers, typeID)
		}
	}
}

// RegisterTap adds an observer for all decodable frames. Taps run before
// typed handlers and are never filtered by message type. The returned
// function removes exactly this tap.
func (r *Router) RegisterTap(tap Tap) (unregister func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.taps = append(r.taps, tapRegistration{id: id, tap: tap})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		for i, reg := range r.taps {
			if reg.id == id {
				r.taps = append(r.taps[:i:i], r.taps[i+1:]...)

				break
			}
		}
	}
}

// Dispatch decodes a raw frame, runs every tap, then invokes every handler
// registered for the payload's type, in registration order. Unknown or
// unregistered types reach taps only and are otherwise dropped silently so
// that newer message kinds never break older consumers.
// Corrupt frames are logged and dropped; Dispatch never panics outward.
func (r *Router) Dispatch(raw []byte) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		r.logger.Warn("dropping undecodable frame", slog.Any("error", err))

		return
	}

	r.mu.Lock()
	regs := r.handlers[env.Message.TypeID]
	snapshot := make([]registration, len(regs))
	copy(snapshot, regs)
	taps := make([]tapRegistration, len(r.taps))
	copy(taps, r.taps)
	r.mu.Unlock()

	for _, reg := range taps {
		reg.tap(env.Channel, env.Message.TypeID, raw)
	}

	if len(snapshot) == 0 {
		return
	}

	msg, known, err := Decode(env.Message.TypeID, env.Message.Body)
	if !known {
		return
	}
	if err != nil {
		r.logger.Warn("dropping corrupt payload",
			slog.String("typeId", env.Message.TypeID),
			slog.String("channel", env.Channel),
			slog.Any("error", err),
		)

		return
	}

	for _, reg := range snapshot {
		reg.handler(env.Channel, msg, raw)
	}
}
