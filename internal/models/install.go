package models

// InstallURI is one package file of an install session, kept in order.
type InstallURI struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:26;not null;index"`
	Position  int    `gorm:"not null"`
	URI       string `gorm:"type:text;not null"`
}

// InstallType records which installer backs the session.
type InstallType struct {
	SessionID string `gorm:"primaryKey;size:26"`
	Type      string `gorm:"size:16;not null;default:session_based"`
}

// InstallConstraint holds commit gating and the timeout policy.
type InstallConstraint struct {
	SessionID         string `gorm:"primaryKey;size:26"`
	AppNotForeground  bool
	AppNotInteracting bool
	AppNotTopVisible  bool
	DeviceIdle        bool
	NotInCall         bool
	TimeoutMillis     int64
	TimeoutStrategy   string `gorm:"size:16;default:fail"`
	Retries           int    `gorm:"default:0"`
	CommitAttempts    int    `gorm:"default:0"`
}

// InstallPreapproval holds preapproval details and the durable flags of the
// preapproval lifecycle.
type InstallPreapproval struct {
	SessionID          string `gorm:"primaryKey;size:26"`
	PackageName        string `gorm:"size:255"`
	Label              string `gorm:"size:255"`
	Locale             string `gorm:"size:35"`
	Icon               string `gorm:"type:text"`
	FallbackToOnDemand bool
	IsActivating       bool `gorm:"not null;default:false"`
	IsActive           bool `gorm:"not null;default:false"`
	IsPreapproved      bool `gorm:"not null;default:false"`
}

// NativeSessionID maps a session to the platform's own session number.
type NativeSessionID struct {
	SessionID string `gorm:"primaryKey;size:26"`
	NativeID  int    `gorm:"not null"`
}

// InstallFailure is the failure payload of a failed install session.
type InstallFailure struct {
	SessionID        string `gorm:"primaryKey;size:26"`
	Kind             string `gorm:"size:16;not null"`
	Message          string `gorm:"type:text"`
	OtherPackageName string `gorm:"size:255"`
	StoragePath      string `gorm:"type:text"`
}

// UninstallPackage names the package an uninstall session removes.
type UninstallPackage struct {
	SessionID   string `gorm:"primaryKey;size:26"`
	PackageName string `gorm:"size:255;not null"`
}

// UninstallFailure is the failure payload of a failed uninstall session.
type UninstallFailure struct {
	SessionID string `gorm:"primaryKey;size:26"`
	Kind      string `gorm:"size:16;not null"`
	Message   string `gorm:"type:text"`
}

func (InstallURI) TableName() string { return "install_uris" }

func (NativeSessionID) TableName() string { return "native_session_ids" }
