// Package lifecycle holds process lifecycle constants shared by every
// service binary.
package lifecycle

import "time"

// DefaultTimeout bounds graceful shutdown of servers and loops.
const DefaultTimeout = 10 * time.Second
