package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// OperationType enumerates the client-submitted operation kinds.
type OperationType string

const (
	// OperationCreate introduces a new entity.
	OperationCreate OperationType = "CREATE"
	// OperationUpdate replaces an existing entity's content.
	OperationUpdate OperationType = "UPDATE"
	// OperationDelete soft-deletes an entity.
	OperationDelete OperationType = "DELETE"
)

// SessionKind distinguishes a device's first catch-up from routine syncs.
type SessionKind string

const (
	// SessionKindFull marks a session whose client has never synced before.
	SessionKindFull SessionKind = "FULL"
	// SessionKindIncremental marks a session resuming from a prior high-water mark.
	SessionKindIncremental SessionKind = "INCREMENTAL"
)

// SessionStatus tracks the lifecycle of one sync session.
type SessionStatus string

const (
	// SessionStatusStarted is the initial state recorded before any operation is applied.
	SessionStatusStarted SessionStatus = "STARTED"
	// SessionStatusCompleted is terminal for sessions that ran to the end.
	SessionStatusCompleted SessionStatus = "COMPLETED"
	// SessionStatusFailed is terminal for sessions aborted by infrastructure failure.
	SessionStatusFailed SessionStatus = "FAILED"
)

// ResolutionServerWins is the fixed conflict-resolution policy: the write
// currently reflected on the server is kept and the client re-pulls.
const ResolutionServerWins = "SERVER_WINS"

// Per-operation error codes surfaced in the errors list of a session result.
const (
	ErrorCodeUnknownEntityType   = "UNKNOWN_ENTITY_TYPE"
	ErrorCodeEntityStoreRejected = "ENTITY_STORE_REJECTED"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidOperation indicates a malformed client operation.
	ErrInvalidOperation = errors.New("sync: invalid operation")
	// ErrMissingUserID indicates the caller supplied no user identifier.
	ErrMissingUserID = errors.New("sync: user identifier is required")
	// ErrMissingDeviceID indicates the caller supplied no device identifier.
	ErrMissingDeviceID = errors.New("sync: device identifier is required")
)

// ParseOperationType normalizes a wire operation kind.
func ParseOperationType(value string) (OperationType, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(OperationCreate):
		return OperationCreate, nil
	case string(OperationUpdate):
		return OperationUpdate, nil
	case string(OperationDelete):
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("%w: unknown operation type %q", ErrInvalidOperation, value)
	}
}

// MetadataRecord is the authoritative conflict-detection anchor for one
// (user, entity type, entity id) tuple. It stores only enough to decide whose
// write wins; entity content lives in the entity-specific stores.
type MetadataRecord struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_sync_meta_user_modified,priority:1"`
	EntityType       string `gorm:"column:entity_type;primaryKey;size:64;not null;index:idx_sync_meta_user_modified,priority:2"`
	EntityID         string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	Version          int64  `gorm:"column:version;not null;default:0"`
	LastModifiedAtMs int64  `gorm:"column:last_modified_at_ms;not null;index:idx_sync_meta_user_modified,priority:3"`
	LastModifiedBy   string `gorm:"column:last_modified_by;size:190;not null;default:''"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false"`
	DeletedAtMs      *int64 `gorm:"column:deleted_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (MetadataRecord) TableName() string {
	return "sync_metadata"
}

// FeedEntry is an append-only record of one accepted change. Entries are only
// ever inserted and range-queried, never updated.
type FeedEntry struct {
	ChangeID     string        `gorm:"column:change_id;primaryKey;size:190;not null"`
	UserID       string        `gorm:"column:user_id;size:190;not null;index:idx_sync_feed_user_time,priority:1"`
	EntityType   string        `gorm:"column:entity_type;size:64;not null"`
	EntityID     string        `gorm:"column:entity_id;size:190;not null"`
	ChangeKind   OperationType `gorm:"column:change_kind;size:16;not null"`
	OccurredAtMs int64         `gorm:"column:occurred_at_ms;not null;index:idx_sync_feed_user_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (FeedEntry) TableName() string {
	return "sync_change_feed"
}

// SessionLog is the audit row for one sync session. It is created in STARTED
// state and finalized exactly once as COMPLETED or FAILED.
type SessionLog struct {
	SessionID     string        `gorm:"column:session_id;primaryKey;size:190;not null"`
	UserID        string        `gorm:"column:user_id;size:190;not null;index:idx_sync_sessions_user_started,priority:1"`
	DeviceID      string        `gorm:"column:device_id;size:190;not null"`
	Kind          SessionKind   `gorm:"column:kind;size:16;not null"`
	Status        SessionStatus `gorm:"column:status;size:16;not null"`
	PushedCount   int           `gorm:"column:pushed_count;not null;default:0"`
	PulledCount   int           `gorm:"column:pulled_count;not null;default:0"`
	ConflictCount int           `gorm:"column:conflict_count;not null;default:0"`
	ErrorMessage  string        `gorm:"column:error_message;type:text;not null;default:''"`
	StartedAtMs   int64         `gorm:"column:started_at_ms;not null;index:idx_sync_sessions_user_started,priority:2"`
	FinishedAtMs  int64         `gorm:"column:finished_at_ms;not null;default:0"`
	DurationMs    int64         `gorm:"column:duration_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SessionLog) TableName() string {
	return "sync_sessions"
}

// Operation is one client-submitted change. It is applied and discarded, never
// persisted as such.
type Operation struct {
	OperationID  string
	EntityType   string
	EntityID     string
	Type         OperationType
	Payload      json.RawMessage
	ClientTimeMs int64
}

// Validate checks the structural requirements common to every operation.
func (op Operation) Validate() error {
	if strings.TrimSpace(op.OperationID) == "" {
		return fmt.Errorf("%w: operation id is required", ErrInvalidOperation)
	}
	if strings.TrimSpace(op.EntityType) == "" {
		return fmt.Errorf("%w: entity type is required", ErrInvalidOperation)
	}
	entityID := strings.TrimSpace(op.EntityID)
	if entityID == "" {
		return fmt.Errorf("%w: entity id is required", ErrInvalidOperation)
	}
	if len(entityID) > maxIdentifierLength {
		return fmt.Errorf("%w: entity id exceeds %d characters", ErrInvalidOperation, maxIdentifierLength)
	}
	switch op.Type {
	case OperationCreate, OperationUpdate, OperationDelete:
	default:
		return fmt.Errorf("%w: unknown operation type %q", ErrInvalidOperation, op.Type)
	}
	if op.ClientTimeMs <= 0 {
		return fmt.Errorf("%w: client timestamp must be positive", ErrInvalidOperation)
	}
	return nil
}

// Request describes one sync session submitted by a device.
type Request struct {
	UserID       string
	DeviceID     string
	LastSyncAtMs int64
	Operations   []Operation
	EntityTypes  []string
}

// Change is a pull descriptor: it tells a client that an entity changed and
// which version it now carries. Payloads are deliberately omitted; clients
// fetch content from the entity-specific API.
type Change struct {
	EntityType       string
	EntityID         string
	Type             OperationType
	Data             json.RawMessage
	Version          int64
	LastModifiedAtMs int64
}

// Conflict reports a rejected push. LocalVersion is zero when the client did
// not assert a version for the losing write.
type Conflict struct {
	EntityType    string
	EntityID      string
	LocalVersion  int64
	ServerVersion int64
	Resolution    string
	ResolvedData  json.RawMessage
}

// OperationError isolates a single failed operation without aborting its batch.
type OperationError struct {
	OperationID  string
	ErrorCode    string
	ErrorMessage string
}

// Result bundles the outcome of one sync session. ServerTimestampMs is the
// client's new high-water mark.
type Result struct {
	ServerTimestampMs int64
	Changes           []Change
	Conflicts         []Conflict
	Errors            []OperationError
}
