package model

import (
	"time"
)

// DeviceOwnerDoc is the JSON document stored in the devices.owner column.
type DeviceOwnerDoc struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Group string `json:"group,omitempty"`
}

// DeviceModel mirrors the 'devices' table. The farm serial is the natural key,
// so no surrogate UUID column is used here.
type DeviceModel struct {
	Serial            string            `gorm:"type:varchar(64);primary_key"`
	Channel           string            `gorm:"type:varchar(128);not null"`
	Presence          string            `gorm:"type:varchar(16);not null;index"`
	PresenceChangedAt time.Time         `gorm:"not null"`
	Owner             *DeviceOwnerDoc   `gorm:"type:jsonb;serializer:json"`
	Capabilities      map[string]string `gorm:"type:jsonb;serializer:json"`
	GroupID           string            `gorm:"type:varchar(64);index"`
	OriginGroupID     string            `gorm:"type:varchar(64)"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TableName explicitly sets the table name for GORM.
func (DeviceModel) TableName() string {
	return "devices"
}
