package entity

import (
	"time"
)

// GroupClass distinguishes the lifecycle family of a group.
type GroupClass string

const (
	// ClassOrigin is a device's permanent home group; always active, never
	// terminates, its single window slides forward forever.
	ClassOrigin GroupClass = "origin"
	// ClassStandard is a plain time-windowed booking.
	ClassStandard GroupClass = "standard"
	// ClassBookable is a booking whose windows must not overlap other
	// bookable claims on the same device.
	ClassBookable GroupClass = "bookable"
	// ClassOnce is a single-use booking, deleted as soon as its window
	// elapses or its last device leaves.
	ClassOnce GroupClass = "once"
)

// GroupState is the scheduler-facing lifecycle state.
type GroupState string

const (
	// StatePending groups are still being assembled and invisible to the
	// scheduler.
	StatePending GroupState = "pending"
	// StateReady groups are eligible for scheduling.
	StateReady GroupState = "ready"
	// StateWaiting marks a group whose transition was deferred because the
	// advisory lock was contended; re-evaluated on a later tick.
	StateWaiting GroupState = "waiting"
)

// Window is one booked time span.
type Window struct {
	Start time.Time `json:"start"`
	Stop  time.Time `json:"stop"`
}

// Span returns the window length.
func (w Window) Span() time.Duration {
	return w.Stop.Sub(w.Start)
}

// Elapsed reports whether the window lies fully in the past.
func (w Window) Elapsed(now time.Time) bool {
	return !now.Before(w.Stop)
}

// Started reports whether the window's start has arrived.
func (w Window) Started(now time.Time) bool {
	return !now.Before(w.Start)
}

// GroupLock is the advisory lock state persisted on the group document.
type GroupLock struct {
	User  bool `json:"user"`  // Held by a scheduler replica or membership API call.
	Admin bool `json:"admin"` // Held by an administrative action; blocks user transitions.
}

// Group is a set of devices booked together over one or more time windows.
//
// Invariants: Dates is ordered ascending and non-overlapping; a device
// belongs to at most one non-origin group at a time; Duration stays
// consistent with the owner's consumed quota.
type Group struct {
	ID          string        `json:"id"`          // Unique group identifier.
	Name        string        `json:"name"`        // Human-readable label.
	Class       GroupClass    `json:"class"`       // Lifecycle family.
	State       GroupState    `json:"state"`       // Scheduler state.
	IsActive    bool          `json:"is_active"`   // Whether the current window is live.
	Dates       []Window      `json:"dates"`       // Remaining booked windows, ascending.
	Repetitions int           `json:"repetitions"` // Accounting multiplier for Duration.
	Devices     []string      `json:"devices"`     // Member device serials.
	OwnerEmail  string        `json:"owner_email"` // Booking owner.
	Duration    time.Duration `json:"duration"`    // Accounting total, see ComputeDuration.
	Lock        GroupLock     `json:"lock"`        // Advisory lock flags.
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// ComputeDuration derives the accounting total a booking charges against its
// owner's duration quota: the summed window spans, multiplied by the device
// count and the repetition multiplier (both floored at 1).
func ComputeDuration(dates []Window, deviceCount, repetitions int) time.Duration {
	if deviceCount < 1 {
		deviceCount = 1
	}
	if repetitions < 1 {
		repetitions = 1
	}

	var total time.Duration
	for _, w := range dates {
		total += w.Span()
	}

	return total * time.Duration(deviceCount) * time.Duration(repetitions)
}

// ValidateWindows checks that windows are well-formed, ascending and
// non-overlapping.
func ValidateWindows(dates []Window) bool {
	if len(dates) == 0 {
		return false
	}
	for i, w := range dates {
		if !w.Stop.After(w.Start) {
			return false
		}
		if i > 0 && w.Start.Before(dates[i-1].Stop) {
			return false
		}
	}

	return true
}

// WindowsOverlap reports whether any window in a overlaps any window in b.
func WindowsOverlap(a, b []Window) bool {
	for _, wa := range a {
		for _, wb := range b {
			if wa.Start.Before(wb.Stop) && wb.Start.Before(wa.Stop) {
				return true
			}
		}
	}

	return false
}
