package model

import "time"

// UpdateRecord captures one privileged config update applied through the proxy.
type UpdateRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	RemoteAddr string    `gorm:"size:128" json:"remoteAddr"`
	Actor      string    `gorm:"size:128" json:"actor"`
	Rotated    bool      `json:"rotated"`
	NewUser    string    `gorm:"size:128" json:"newUser,omitempty"`
	ForwardErr string    `gorm:"size:512" json:"forwardErr,omitempty"`
	ReloadErr  string    `gorm:"size:512" json:"reloadErr,omitempty"`
	Saved      bool      `json:"saved"`
	SkipReason string    `gorm:"size:512" json:"skipReason,omitempty"`
	BodyBytes  int       `json:"bodyBytes"`
	Timestamp  time.Time `gorm:"index" json:"timestamp"`
}

// TableName keeps the table name stable across model renames.
func (UpdateRecord) TableName() string { return "config_updates" }
