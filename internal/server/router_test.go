package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/CraftfolioLabs/craftfolio/backend/internal/devices"
	"github.com/CraftfolioLabs/craftfolio/backend/internal/entities"
	"github.com/CraftfolioLabs/craftfolio/backend/internal/sync"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// stubVerifier maps bearer tokens straight to user ids.
type stubVerifier struct {
	users map[string]string
}

func (v *stubVerifier) VerifyToken(token string) (string, error) {
	if userID, ok := v.users[token]; ok {
		return userID, nil
	}
	return "", fmt.Errorf("unknown token")
}

type handlerFixture struct {
	handler  http.Handler
	devices  *devices.Service
	verifier *stubVerifier
	nowMs    *int64
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&devices.Device{},
		&sync.MetadataRecord{},
		&sync.FeedEntry{},
		&sync.SessionLog{},
		&entities.Record{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	nowMs := int64(1000)
	clock := func() time.Time { return time.UnixMilli(nowMs).UTC() }

	deviceService, err := devices.NewService(devices.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: devices.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct device registry: %v", err)
	}

	registry := sync.NewStoreRegistry()
	registry.Register("resume", entities.NewStore(db, "resume", clock))
	registry.Register("cover_letter", entities.NewStore(db, "cover_letter", clock))

	syncService, err := sync.NewService(sync.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: sync.NewUUIDProvider(),
		Devices:    deviceService,
		Stores:     registry,
	})
	if err != nil {
		t.Fatalf("failed to construct sync service: %v", err)
	}

	verifier := &stubVerifier{users: map[string]string{"token-1": "user-1", "token-2": "user-2"}}
	handler, err := NewHTTPHandler(Dependencies{
		TokenVerifier: verifier,
		Devices:       deviceService,
		Sync:          syncService,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	return &handlerFixture{handler: handler, devices: deviceService, verifier: verifier, nowMs: &nowMs}
}

func (f *handlerFixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return body
}

func registerDevice(t *testing.T, fixture *handlerFixture, token, deviceID string) {
	t.Helper()
	recorder := fixture.do(t, http.MethodPost, "/devices/register", token, gin.H{
		"deviceId":   deviceID,
		"deviceName": "Test Device",
		"deviceType": "ios",
		"appVersion": "1.0.0",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("device registration failed: %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestRoutesRequireBearerToken(t *testing.T) {
	fixture := newHandlerFixture(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/devices/register"},
		{http.MethodGet, "/devices"},
		{http.MethodPost, "/sync"},
		{http.MethodGet, "/changes"},
		{http.MethodGet, "/status"},
	}
	for _, route := range paths {
		recorder := fixture.do(t, route.method, route.path, "", nil)
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s without token returned %d", route.method, route.path, recorder.Code)
		}
	}

	recorder := fixture.do(t, http.MethodGet, "/devices", "bogus-token", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", recorder.Code)
	}
}

func TestRegisterDeviceEndpoint(t *testing.T) {
	fixture := newHandlerFixture(t)

	recorder := fixture.do(t, http.MethodPost, "/devices/register", "token-1", gin.H{
		"deviceName": "iPhone 16",
		"deviceType": "ios",
		"appVersion": "2.3.0",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	if body["deviceId"] == "" || body["isNewDevice"] != true {
		t.Fatalf("unexpected response: %v", body)
	}
	if _, present := body["lastSyncTimestamp"]; present {
		t.Fatalf("a new device must not report a last sync instant: %v", body)
	}

	// Missing required fields are rejected before touching the registry.
	recorder = fixture.do(t, http.MethodPost, "/devices/register", "token-1", gin.H{"deviceName": "No Type"})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestRegisterDeviceOwnershipConflict(t *testing.T) {
	fixture := newHandlerFixture(t)
	registerDevice(t, fixture, "token-1", "shared-device")

	recorder := fixture.do(t, http.MethodPost, "/devices/register", "token-2", gin.H{
		"deviceId":   "shared-device",
		"deviceName": "Impostor",
		"deviceType": "android",
		"appVersion": "1.0.0",
	})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", recorder.Code, recorder.Body.String())
	}
	if body := decodeBody(t, recorder); body["error"] != "device_not_available" {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestSyncEndpointValidation(t *testing.T) {
	fixture := newHandlerFixture(t)
	registerDevice(t, fixture, "token-1", "phone-1")

	tests := []struct {
		name      string
		body      gin.H
		wantCode  int
		wantError string
	}{
		{
			name:      "missing-device-id",
			body:      gin.H{"lastSyncTimestamp": 0},
			wantCode:  http.StatusBadRequest,
			wantError: "missing_device_id",
		},
		{
			name:      "negative-last-sync",
			body:      gin.H{"deviceId": "phone-1", "lastSyncTimestamp": -5},
			wantCode:  http.StatusBadRequest,
			wantError: "invalid_last_sync_timestamp",
		},
		{
			name: "unknown-operation-type",
			body: gin.H{
				"deviceId": "phone-1",
				"operations": []gin.H{{
					"id": "op-1", "entityType": "resume", "entityId": "r1",
					"operationType": "MERGE", "timestamp": 1000,
				}},
			},
			wantCode:  http.StatusBadRequest,
			wantError: "invalid_operation",
		},
		{
			name: "missing-entity-id",
			body: gin.H{
				"deviceId": "phone-1",
				"operations": []gin.H{{
					"id": "op-1", "entityType": "resume",
					"operationType": "CREATE", "timestamp": 1000,
					"payload": gin.H{"title": "x"},
				}},
			},
			wantCode:  http.StatusBadRequest,
			wantError: "invalid_operation",
		},
		{
			name:      "unregistered-device",
			body:      gin.H{"deviceId": "ghost"},
			wantCode:  http.StatusNotFound,
			wantError: "unknown_device",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := fixture.do(t, http.MethodPost, "/sync", "token-1", tt.body)
			if recorder.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d %s", tt.wantCode, recorder.Code, recorder.Body.String())
			}
			if body := decodeBody(t, recorder); body["error"] != tt.wantError {
				t.Fatalf("unexpected error body: %v", body)
			}
		})
	}
}

func TestSyncEndpointRejectsForeignDevice(t *testing.T) {
	fixture := newHandlerFixture(t)
	registerDevice(t, fixture, "token-1", "phone-1")

	recorder := fixture.do(t, http.MethodPost, "/sync", "token-2", gin.H{"deviceId": "phone-1"})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("a foreign device must be indistinguishable from a missing one, got %d", recorder.Code)
	}
}

func TestSyncEndpointPushAndPull(t *testing.T) {
	fixture := newHandlerFixture(t)
	registerDevice(t, fixture, "token-1", "phone-1")

	recorder := fixture.do(t, http.MethodPost, "/sync", "token-1", gin.H{
		"deviceId":          "phone-1",
		"lastSyncTimestamp": 0,
		"operations": []gin.H{{
			"id":            "op-1",
			"entityType":    "resume",
			"entityId":      "r1",
			"operationType": "CREATE",
			"payload":       gin.H{"title": "Backend Engineer"},
			"timestamp":     900,
		}},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", recorder.Code, recorder.Body.String())
	}

	var response syncResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !response.Success || response.ServerTimestamp != 1000 {
		t.Fatalf("unexpected envelope: %+v", response)
	}
	if len(response.Changes) != 1 || response.Changes[0].Version != 1 {
		t.Fatalf("expected the accepted push in the pull set: %+v", response.Changes)
	}
	if len(response.Changes[0].Data) != 0 {
		t.Fatalf("pull descriptors must not carry payloads: %s", response.Changes[0].Data)
	}
	if len(response.Conflicts) != 0 || len(response.Errors) != 0 {
		t.Fatalf("expected a clean session: %+v", response)
	}
}

func TestSyncEndpointReportsConflicts(t *testing.T) {
	fixture := newHandlerFixture(t)
	registerDevice(t, fixture, "token-1", "device-a")
	registerDevice(t, fixture, "token-1", "device-b")

	push := func(deviceID, opID string, timestamp int64) *httptest.ResponseRecorder {
		return fixture.do(t, http.MethodPost, "/sync", "token-1", gin.H{
			"deviceId": deviceID,
			"operations": []gin.H{{
				"id":            opID,
				"entityType":    "resume",
				"entityId":      "r1",
				"operationType": "UPDATE",
				"payload":       gin.H{"title": "draft"},
				"timestamp":     timestamp,
			}},
		})
	}

	*fixture.nowMs = 1000
	if recorder := push("device-a", "op-1", 1000); recorder.Code != http.StatusOK {
		t.Fatalf("first push failed: %d", recorder.Code)
	}
	*fixture.nowMs = 2000
	if recorder := push("device-b", "op-2", 2000); recorder.Code != http.StatusOK {
		t.Fatalf("second push failed: %d", recorder.Code)
	}

	*fixture.nowMs = 3000
	recorder := push("device-a", "op-3", 1500)
	if recorder.Code != http.StatusOK {
		t.Fatalf("conflicting push must still return 200, got %d", recorder.Code)
	}
	var response syncResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(response.Conflicts) != 1 {
		t.Fatalf("expected one conflict: %+v", response)
	}
	conflict := response.Conflicts[0]
	if conflict.EntityID != "r1" || conflict.ServerVersion != 2 || conflict.Resolution != "SERVER_WINS" {
		t.Fatalf("unexpected conflict payload: %+v", conflict)
	}
}

func TestChangesEndpoint(t *testing.T) {
	fixture := newHandlerFixture(t)
	registerDevice(t, fixture, "token-1", "phone-1")

	if recorder := fixture.do(t, http.MethodPost, "/sync", "token-1", gin.H{
		"deviceId": "phone-1",
		"operations": []gin.H{{
			"id": "op-1", "entityType": "resume", "entityId": "r1",
			"operationType": "CREATE", "payload": gin.H{"title": "x"}, "timestamp": 900,
		}},
	}); recorder.Code != http.StatusOK {
		t.Fatalf("push failed: %d", recorder.Code)
	}

	recorder := fixture.do(t, http.MethodGet, "/changes?since=0&types=resume", "token-1", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	changes, ok := body["changes"].([]interface{})
	if !ok || len(changes) != 1 {
		t.Fatalf("unexpected changes body: %v", body)
	}
	if body["serverTimestamp"] != float64(1000) {
		t.Fatalf("serverTimestamp must come from the handler clock: %v", body["serverTimestamp"])
	}

	// Another user sees nothing.
	recorder = fixture.do(t, http.MethodGet, "/changes", "token-2", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body = decodeBody(t, recorder)
	if changes, ok := body["changes"].([]interface{}); !ok || len(changes) != 0 {
		t.Fatalf("changes leaked across users: %v", body)
	}

	recorder = fixture.do(t, http.MethodGet, "/changes?since=abc", "token-1", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed cursor, got %d", recorder.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	fixture := newHandlerFixture(t)
	registerDevice(t, fixture, "token-1", "phone-1")

	recorder := fixture.do(t, http.MethodGet, "/status?deviceId=phone-1", "token-1", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	if body["deviceId"] != "phone-1" || body["isActive"] != true {
		t.Fatalf("unexpected status body: %v", body)
	}
	if _, present := body["lastSession"]; present {
		t.Fatalf("a device that never synced has no session summary: %v", body)
	}

	if recorder := fixture.do(t, http.MethodPost, "/sync", "token-1", gin.H{"deviceId": "phone-1"}); recorder.Code != http.StatusOK {
		t.Fatalf("sync failed: %d", recorder.Code)
	}

	recorder = fixture.do(t, http.MethodGet, "/status?deviceId=phone-1", "token-1", nil)
	body = decodeBody(t, recorder)
	session, ok := body["lastSession"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected a session summary after syncing: %v", body)
	}
	if session["status"] != "COMPLETED" || session["kind"] != "FULL" {
		t.Fatalf("unexpected session summary: %v", session)
	}

	recorder = fixture.do(t, http.MethodGet, "/status", "token-1", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a device id, got %d", recorder.Code)
	}
	recorder = fixture.do(t, http.MethodGet, "/status?deviceId=ghost", "token-1", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown device, got %d", recorder.Code)
	}
}

func TestDeactivateDeviceEndpoint(t *testing.T) {
	fixture := newHandlerFixture(t)
	registerDevice(t, fixture, "token-1", "phone-1")

	recorder := fixture.do(t, http.MethodPost, "/devices/phone-1/deactivate", "token-1", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", recorder.Code, recorder.Body.String())
	}
	if body := decodeBody(t, recorder); body["isActive"] != false {
		t.Fatalf("unexpected body: %v", body)
	}

	recorder = fixture.do(t, http.MethodGet, "/devices", "token-1", nil)
	body := decodeBody(t, recorder)
	deviceList, ok := body["devices"].([]interface{})
	if !ok || len(deviceList) != 1 {
		t.Fatalf("unexpected device list: %v", body)
	}
	summary := deviceList[0].(map[string]interface{})
	if summary["isActive"] != false {
		t.Fatalf("expected the listed device to be inactive: %v", summary)
	}

	recorder = fixture.do(t, http.MethodPost, "/devices/ghost/deactivate", "token-1", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown device, got %d", recorder.Code)
	}
}
