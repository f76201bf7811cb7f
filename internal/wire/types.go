package wire

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Permanent channels. Device channels are "device." + serial; everything else
// rides on one of these or on an ephemeral "tx." channel.
const (
	ChannelBroadcast   = "*ALL"
	ChannelCoordinator = "coordinator"

	DeviceChannelPrefix = "device."
	TxChannelPrefix     = "tx."
)

// DeviceChannel returns the permanent channel of a device.
func DeviceChannel(serial string) string {
	return DeviceChannelPrefix + serial
}

// Message type discriminators. Adding a kind here requires a decoder entry
// below; consumers without a handler for a kind drop it silently.
const (
	TypeDeviceIntro     = "device.intro"
	TypeDeviceHeartbeat = "device.heartbeat"
	TypeDeviceAbsent    = "device.absent"
	TypeDevicePresent   = "device.present"
	TypeDeviceRemove    = "device.remove"
	TypeDeviceList      = "device.list"
	TypeDeviceStale     = "device.stale"

	TypeGroupCreate    = "group.create"
	TypeGroupDelete    = "group.delete"
	TypeGroupJoin      = "group.join"
	TypeGroupLeave     = "group.leave"
	TypeGroupKeepalive = "group.keepalive"
	TypeGroupChanged   = "group.changed"

	TypeTxDone = "tx.done"
)

// DeviceIntro announces a device agent coming up on the device plane.
type DeviceIntro struct {
	Serial       string            `json:"serial"`
	Channel      string            `json:"channel"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
}

// DeviceHeartbeat is the periodic liveness ping of a device agent.
type DeviceHeartbeat struct {
	Serial string `json:"serial"`
}

// DeviceAbsent marks a device as gone, either announced by the agent itself
// on shutdown or derived by the reaper from heartbeat expiry.
type DeviceAbsent struct {
	Serial string `json:"serial"`
}

// DevicePresent is the reaper's broadcast that a device became reachable.
type DevicePresent struct {
	Serial string `json:"serial"`
}

// DeviceRemove commands permanent deletion of a device record. Emitted only
// by the reaper's prune loop.
type DeviceRemove struct {
	Serial string `json:"serial"`
}

// DeviceListRequest asks the coordinator for the currently present devices.
type DeviceListRequest struct{}

// DeviceList is the reply body for DeviceListRequest.
type DeviceList struct {
	Serials []string `json:"serials"`
}

// DeviceStaleRequest asks for devices continuously absent longer than
// AbsentForMillis.
type DeviceStaleRequest struct {
	AbsentForMillis int64 `json:"absentForMillis"`
}

// AbsentFor returns the stale threshold as a duration.
func (r *DeviceStaleRequest) AbsentFor() time.Duration {
	return time.Duration(r.AbsentForMillis) * time.Millisecond
}

// WindowSpec is a wire-level booking window.
type WindowSpec struct {
	StartMillis int64 `json:"startMillis"`
	StopMillis  int64 `json:"stopMillis"`
}

// GroupCreateRequest books a new transient group.
type GroupCreateRequest struct {
	Name        string       `json:"name"`
	Class       string       `json:"class"`
	OwnerEmail  string       `json:"ownerEmail"`
	Dates       []WindowSpec `json:"dates"`
	Repetitions int          `json:"repetitions"`
}

// GroupDeleteRequest removes a group and its membership.
type GroupDeleteRequest struct {
	GroupID string `json:"groupId"`
}

// GroupJoinRequest moves a device into a group.
type GroupJoinRequest struct {
	GroupID string `json:"groupId"`
	Serial  string `json:"serial"`
}

// GroupLeaveRequest releases a device back to its origin group.
type GroupLeaveRequest struct {
	GroupID string `json:"groupId"`
	Serial  string `json:"serial"`
}

// GroupKeepalive extends the liveness budget of an active group channel.
type GroupKeepalive struct {
	GroupID string `json:"groupId"`
}

// GroupChanged notifies member devices that their group's lifecycle state
// moved; agents re-join on receipt.
type GroupChanged struct {
	GroupID  string `json:"groupId"`
	IsActive bool   `json:"isActive"`
}

// Reply is the body of every tx.done message. Code carries the domain error
// code on failure.
type Reply struct {
	Success bool            `json:"success"`
	Body    json.RawMessage `json:"body,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// decoders maps each type discriminator to its concrete payload decoder.
// This is the single registry of message kinds; no reflection.
var decoders = map[string]func(json.RawMessage) (any, error){
	TypeDeviceIntro:     decodeInto[DeviceIntro],
	TypeDeviceHeartbeat: decodeInto[DeviceHeartbeat],
	TypeDeviceAbsent:    decodeInto[DeviceAbsent],
	TypeDevicePresent:   decodeInto[DevicePresent],
	TypeDeviceRemove:    decodeInto[DeviceRemove],
	TypeDeviceList:      decodeInto[DeviceListRequest],
	TypeDeviceStale:     decodeInto[DeviceStaleRequest],
	TypeGroupCreate:     decodeInto[GroupCreateRequest],
	TypeGroupDelete:     decodeInto[GroupDeleteRequest],
	TypeGroupJoin:       decodeInto[GroupJoinRequest],
	TypeGroupLeave:      decodeInto[GroupLeaveRequest],
	TypeGroupKeepalive:  decodeInto[GroupKeepalive],
	TypeGroupChanged:    decodeInto[GroupChanged],
	TypeTxDone:          decodeInto[Reply],
}

func decodeInto[T any](body json.RawMessage) (any, error) {
	msg := new(T)
	if len(body) > 0 {
		if err := json.Unmarshal(body, msg); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	return msg, nil
}

// Decode resolves a payload by its declared type. The second return is false
// when the type is unknown to this build.
func Decode(typeID string, body json.RawMessage) (any, bool, error) {
	decode, ok := decoders[typeID]
	if !ok {
		return nil, false, nil
	}

	msg, err := decode(body)
	if err != nil {
		return nil, true, errors.Wrapf(err, "failed to decode %s payload", typeID)
	}

	return msg, true, nil
}
