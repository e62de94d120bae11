package models

import "time"

// Session is the root row of every install or uninstall operation.
type Session struct {
	ID                string    `gorm:"primaryKey;size:26"`
	Kind              string    `gorm:"size:16;not null;index"`
	State             string    `gorm:"size:16;not null;default:PENDING;index"`
	Confirmation      string    `gorm:"size:16;not null;default:immediate"`
	NotificationTitle string    `gorm:"type:text"`
	NotificationText  string    `gorm:"type:text"`
	NotificationIcon  string    `gorm:"size:255"`
	Name              string    `gorm:"size:255"`
	RequireUserAction bool      `gorm:"not null"`
	LastLaunchAt      time.Time `gorm:"index"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SessionProgress holds the last progress of a progress-tracking session.
// The table is transient and dropped on schema upgrades.
type SessionProgress struct {
	SessionID string `gorm:"primaryKey;size:26"`
	Current   int    `gorm:"not null;default:0"`
	Max       int    `gorm:"not null;default:100"`
	UpdatedAt time.Time
}

func (SessionProgress) TableName() string { return "session_progress" }

// ConfirmationLaunch records that the platform showed its own confirmation
// UI without the user being asked through us.
type ConfirmationLaunch struct {
	SessionID  string `gorm:"primaryKey;size:26"`
	LaunchedAt time.Time
}

// PluginParameter stores one plugin's JSON parameters for a session.
type PluginParameter struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:26;not null;uniqueIndex:idx_plugin_session"`
	PluginID  string `gorm:"size:64;not null;uniqueIndex:idx_plugin_session"`
	Params    string `gorm:"type:text"`
	CreatedAt time.Time
}

// SchemaVersion is a single-row table tracking the applied schema.
type SchemaVersion struct {
	ID        uint `gorm:"primaryKey"`
	Version   int  `gorm:"not null"`
	AppliedAt time.Time
}
