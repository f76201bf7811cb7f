package entity

import "time"

// Allocation is one side of a quota: a booking count and a cumulative
// booked time.
type Allocation struct {
	Number   int           `json:"number"`
	Duration time.Duration `json:"duration"`
}

// Quota caps a user's concurrent bookings. The invariant
// 0 <= Consumed <= Allocated (in both dimensions) holds at all times; it is
// enforced by the clamped single-statement updates in the persistence layer,
// never by after-the-fact validation.
type Quota struct {
	Allocated Allocation `json:"allocated"`
	Consumed  Allocation `json:"consumed"`
}

// User is a farm account that owns bookings.
type User struct {
	Email     string    `json:"email"` // Primary identity.
	Name      string    `json:"name"`
	Quota     Quota     `json:"quota"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
