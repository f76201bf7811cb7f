package model

import (
	"time"
)

// UserModel mirrors the 'users' table. Quota durations are stored as integer
// milliseconds so the reservation updates stay single-statement SQL.
type UserModel struct {
	Email                    string `gorm:"type:varchar(255);primary_key"`
	Name                     string `gorm:"type:varchar(100)"`
	AllocatedNumber          int    `gorm:"not null;default:0"`
	AllocatedDurationMillis  int64  `gorm:"not null;default:0"`
	ConsumedNumber           int    `gorm:"not null;default:0"`
	ConsumedDurationMillis   int64  `gorm:"not null;default:0"`
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// TableName explicitly sets the table name for GORM.
func (UserModel) TableName() string {
	return "users"
}
