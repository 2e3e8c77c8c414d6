package entities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrEmptyPayload rejects create/update operations that carry no content.
var ErrEmptyPayload = errors.New("entities: payload is required")

// Record stores the opaque content payload for one synchronized entity. The
// sync subsystem never interprets PayloadJSON; entity-specific services read
// and validate it on their own schedule.
type Record struct {
	UserID      string `gorm:"column:user_id;primaryKey;size:190;not null"`
	EntityType  string `gorm:"column:entity_type;primaryKey;size:64;not null"`
	EntityID    string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	PayloadJSON string `gorm:"column:payload_json;type:text;not null;default:''"`
	IsDeleted   bool   `gorm:"column:is_deleted;not null;default:false"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "entity_payloads"
}

// Store persists opaque payloads for a single entity type. Apply calls run on
// the transaction handed in by the sync coordinator; the store's own
// connection serves reads only.
type Store struct {
	db         *gorm.DB
	entityType string
	clock      func() time.Time
}

// NewStore binds a payload store to an entity type.
func NewStore(db *gorm.DB, entityType string, clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: db, entityType: entityType, clock: clock}
}

// ApplyCreate persists the initial payload. Replaying a create for an entity
// that already exists overwrites the row, keeping operation replay safe.
func (s *Store) ApplyCreate(ctx context.Context, tx *gorm.DB, userID, entityID string, payload json.RawMessage) error {
	return s.upsert(ctx, tx, userID, entityID, payload)
}

// ApplyUpdate replaces the stored payload.
func (s *Store) ApplyUpdate(ctx context.Context, tx *gorm.DB, userID, entityID string, payload json.RawMessage) error {
	return s.upsert(ctx, tx, userID, entityID, payload)
}

// ApplyDelete marks the payload deleted while retaining the row, mirroring the
// soft-delete semantics of the sync metadata.
func (s *Store) ApplyDelete(ctx context.Context, tx *gorm.DB, userID, entityID string) error {
	return tx.WithContext(ctx).Model(&Record{}).
		Where("user_id = ? AND entity_type = ? AND entity_id = ?", userID, s.entityType, entityID).
		Updates(map[string]interface{}{
			"is_deleted":    true,
			"updated_at_ms": s.clock().UTC().UnixMilli(),
		}).Error
}

func (s *Store) upsert(ctx context.Context, tx *gorm.DB, userID, entityID string, payload json.RawMessage) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if !json.Valid(payload) {
		return fmt.Errorf("entities: payload for %s/%s is not valid JSON", s.entityType, entityID)
	}

	record := Record{
		UserID:      userID,
		EntityType:  s.entityType,
		EntityID:    entityID,
		PayloadJSON: string(payload),
		IsDeleted:   false,
		UpdatedAtMs: s.clock().UTC().UnixMilli(),
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&record).Error
}

// Load returns the stored payload row for diagnostics and entity APIs.
func (s *Store) Load(ctx context.Context, userID, entityID string) (Record, error) {
	var record Record
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND entity_type = ? AND entity_id = ?", userID, s.entityType, entityID).
		Take(&record).Error
	return record, err
}
