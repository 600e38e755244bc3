package domain

import (
	"time"
)

// Setting is a persisted key/value pair (e.g. per-session baseline markers).
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName pins the settings table name.
func (Setting) TableName() string {
	return "settings"
}

// BaselineMarkerKey is the settings key recording that a session was seeded.
func BaselineMarkerKey(session time.Time) string {
	return "baseline:" + session.Format(time.DateOnly)
}
