package devices

// Device models one client installation enrolled for sync. Rows are scoped to
// a single user and are deactivated rather than deleted.
type Device struct {
	DeviceID       string `gorm:"column:device_id;primaryKey;size:190;not null"`
	UserID         string `gorm:"column:user_id;size:190;not null;index:idx_devices_user"`
	Name           string `gorm:"column:device_name;size:190;not null;default:''"`
	Kind           string `gorm:"column:device_kind;size:64;not null;default:''"`
	Model          string `gorm:"column:device_model;size:190;not null;default:''"`
	OSVersion      string `gorm:"column:os_version;size:64;not null;default:''"`
	AppVersion     string `gorm:"column:app_version;size:64;not null;default:''"`
	PushToken      string `gorm:"column:push_token;size:512;not null;default:''"`
	LastActiveAtMs int64  `gorm:"column:last_active_at_ms;not null;default:0"`
	LastSyncAtMs   int64  `gorm:"column:last_sync_at_ms;not null;default:0"`
	Active         bool   `gorm:"column:is_active;not null;default:true"`
	CreatedAtMs    int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Device) TableName() string {
	return "devices"
}

// RegisterRequest carries the attributes a client submits when enrolling.
// DeviceID is optional; when empty the registry mints one.
type RegisterRequest struct {
	UserID     string
	DeviceID   string
	Name       string
	Kind       string
	Model      string
	OSVersion  string
	AppVersion string
	PushToken  string
}

// RegisterResult reports the outcome of a registration call. LastSyncAtMs is
// zero for devices that have never completed a sync session.
type RegisterResult struct {
	DeviceID     string
	IsNewDevice  bool
	LastSyncAtMs int64
}
