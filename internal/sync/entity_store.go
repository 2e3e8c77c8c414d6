package sync

import (
	"context"
	"encoding/json"
	"sort"

	"gorm.io/gorm"
)

// EntityStore is the capability the coordinator delegates entity content
// writes to. Writes receive the coordinator's open transaction so they commit
// or roll back together with the metadata and feed rows.
type EntityStore interface {
	ApplyCreate(ctx context.Context, tx *gorm.DB, userID, entityID string, payload json.RawMessage) error
	ApplyUpdate(ctx context.Context, tx *gorm.DB, userID, entityID string, payload json.RawMessage) error
	ApplyDelete(ctx context.Context, tx *gorm.DB, userID, entityID string) error
}

// StoreRegistry maps entity-type identifiers to their content stores.
// Bindings are established during startup, before any session runs.
type StoreRegistry struct {
	stores map[string]EntityStore
}

func NewStoreRegistry() *StoreRegistry {
	return &StoreRegistry{stores: make(map[string]EntityStore)}
}

// Register binds a store to an entity type, replacing any previous binding.
func (r *StoreRegistry) Register(entityType string, store EntityStore) {
	if entityType == "" || store == nil {
		return
	}
	r.stores[entityType] = store
}

func (r *StoreRegistry) Lookup(entityType string) (EntityStore, bool) {
	store, ok := r.stores[entityType]
	return store, ok
}

// EntityTypes reports the registered type identifiers in sorted order.
func (r *StoreRegistry) EntityTypes() []string {
	types := make([]string, 0, len(r.stores))
	for entityType := range r.stores {
		types = append(types, entityType)
	}
	sort.Strings(types)
	return types
}
