package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// testClock is a hand-advanced clock shared by a test and the service under test.
type testClock struct {
	nowMs int64
}

func (c *testClock) Now() time.Time {
	return time.UnixMilli(c.nowMs).UTC()
}

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

// recordingStore is an in-memory entity store that can be told to reject
// specific entity ids.
type recordingStore struct {
	applied []string
	failFor map[string]error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{failFor: make(map[string]error)}
}

func (s *recordingStore) apply(kind, entityID string) error {
	if err, ok := s.failFor[entityID]; ok {
		return err
	}
	s.applied = append(s.applied, kind+":"+entityID)
	return nil
}

func (s *recordingStore) ApplyCreate(_ context.Context, _ *gorm.DB, _, entityID string, _ json.RawMessage) error {
	return s.apply("CREATE", entityID)
}

func (s *recordingStore) ApplyUpdate(_ context.Context, _ *gorm.DB, _, entityID string, _ json.RawMessage) error {
	return s.apply("UPDATE", entityID)
}

func (s *recordingStore) ApplyDelete(_ context.Context, _ *gorm.DB, _, entityID string) error {
	return s.apply("DELETE", entityID)
}

// stubDeviceRecorder captures RecordSync calls without a device table.
type stubDeviceRecorder struct {
	lastSyncMs map[string]int64
	err        error
}

func newStubDeviceRecorder() *stubDeviceRecorder {
	return &stubDeviceRecorder{lastSyncMs: make(map[string]int64)}
}

func (r *stubDeviceRecorder) RecordSync(_ context.Context, userID, deviceID string, atMs int64) error {
	if r.err != nil {
		return r.err
	}
	r.lastSyncMs[userID+"/"+deviceID] = atMs
	return nil
}

type testServiceOptions struct {
	clock    *testClock
	store    *recordingStore
	recorder *stubDeviceRecorder
	maxSkew  time.Duration
	types    []string
}

func newTestService(t *testing.T, opts testServiceOptions) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:sync_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&MetadataRecord{}, &FeedEntry{}, &SessionLog{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := opts.clock
	if clock == nil {
		clock = &testClock{nowMs: 1000}
	}
	store := opts.store
	if store == nil {
		store = newRecordingStore()
	}
	recorder := opts.recorder
	if recorder == nil {
		recorder = newStubDeviceRecorder()
	}
	types := opts.types
	if len(types) == 0 {
		types = []string{"note"}
	}

	registry := NewStoreRegistry()
	for _, entityType := range types {
		registry.Register(entityType, store)
	}

	service, err := NewService(ServiceConfig{
		Database:     db,
		Clock:        clock.Now,
		IDProvider:   NewUUIDProvider(),
		Devices:      recorder,
		Stores:       registry,
		MaxClockSkew: opts.maxSkew,
	})
	if err != nil {
		t.Fatalf("failed to construct sync service: %v", err)
	}

	return service, db
}

func mustOperation(id, entityType, entityID string, opType OperationType, tsMs int64) Operation {
	return Operation{
		OperationID:  id,
		EntityType:   entityType,
		EntityID:     entityID,
		Type:         opType,
		Payload:      json.RawMessage(`{"content":"hello"}`),
		ClientTimeMs: tsMs,
	}
}
