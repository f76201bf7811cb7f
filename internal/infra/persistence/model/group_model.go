package model

import (
	"time"
)

// WindowDoc is one element of the JSON array stored in the groups.dates column.
// Times carry the zone they were created with; comparisons happen in the domain.
type WindowDoc struct {
	Start time.Time `json:"start"`
	Stop  time.Time `json:"stop"`
}

// GroupModel mirrors the 'groups' table. FirstStart denormalizes the head
// window's start so the scheduler can order groups without unpacking the
// dates document.
type GroupModel struct {
	ID             string      `gorm:"type:varchar(64);primary_key"`
	Name           string      `gorm:"type:varchar(128);not null;unique"`
	Class          string      `gorm:"type:varchar(16);not null;index"`
	State          string      `gorm:"type:varchar(16);not null;index"`
	IsActive       bool        `gorm:"not null;default:false"`
	Dates          []WindowDoc `gorm:"type:jsonb;serializer:json"`
	Repetitions    int         `gorm:"not null;default:1"`
	Devices        []string    `gorm:"type:jsonb;serializer:json"`
	OwnerEmail     string      `gorm:"type:varchar(255);not null;index"`
	DurationMillis int64       `gorm:"not null;default:0"`
	FirstStart     time.Time   `gorm:"not null;index"`
	LockUser       bool        `gorm:"not null;default:false"`
	LockAdmin      bool        `gorm:"not null;default:false"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName explicitly sets the table name for GORM.
func (GroupModel) TableName() string {
	return "groups"
}
