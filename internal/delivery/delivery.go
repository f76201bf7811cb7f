// Package delivery defines the interface every long-running service unit
// implements so the fx entrypoints can start them uniformly.
package delivery

import "context"

// Delivery is a unit started by a process entrypoint: an admin server, a bus
// proxy, a scheduler loop.
type Delivery interface {
	// Serve blocks until the unit stops or fails. A returned error is fatal
	// to the process.
	Serve(ctx context.Context) error
}
