// Package entity contains the core business objects of the farm.
package entity

import "time"

// Presence is a device's reachability state as derived from its heartbeats.
type Presence string

const (
	// PresencePresent means the device agent is alive on the device plane.
	PresencePresent Presence = "present"
	// PresenceAbsent means heartbeats stopped or the agent said goodbye.
	PresenceAbsent Presence = "absent"
)

// DeviceOwner identifies the user currently holding a device.
type DeviceOwner struct {
	Email string `json:"email"` // Owner's account email.
	Name  string `json:"name"`  // Display name.
	Group string `json:"group"` // ID of the group through which the device is held.
}

// Device represents one farm device and its coordination state.
type Device struct {
	Serial            string            `json:"serial"`              // Hardware serial, the primary identity.
	Channel           string            `json:"channel"`             // Permanent bus channel of the device agent.
	Presence          Presence          `json:"presence"`            // Current reachability.
	PresenceChangedAt time.Time         `json:"presence_changed_at"` // When Presence last flipped; drives stale-device pruning.
	Owner             *DeviceOwner      `json:"owner"`               // Holder, or nil when the device sits in its origin group.
	Capabilities      map[string]string `json:"capabilities"`        // Agent-reported capabilities (platform, version, ...).
	GroupID           string            `json:"group_id"`            // Transient group membership; empty means origin only.
	OriginGroupID     string            `json:"origin_group_id"`     // The device's permanent home group.
	CreatedAt         time.Time         `json:"created_at"`          // First introduction.
	UpdatedAt         time.Time         `json:"updated_at"`          // Last modification.
}

// InGroup reports whether the device currently belongs to a transient group.
func (d *Device) InGroup() bool {
	return d.GroupID != ""
}
