package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/CraftfolioLabs/craftfolio/backend/internal/devices"
	"github.com/CraftfolioLabs/craftfolio/backend/internal/sync"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey       = "craftfolio_user_id"
	defaultStreamHeartbeat = 25 * time.Second
)

var (
	errMissingTokenVerifier = errors.New("token verifier dependency required")
	errMissingDeviceService = errors.New("device service dependency required")
	errMissingSyncService   = errors.New("sync service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

type TokenVerifier interface {
	VerifyToken(token string) (string, error)
}

type Dependencies struct {
	TokenVerifier   TokenVerifier
	Devices         *devices.Service
	Sync            *sync.Service
	Dispatcher      *ChangeDispatcher
	Logger          *zap.Logger
	Clock           func() time.Time
	StreamHeartbeat time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenVerifier == nil {
		return nil, errMissingTokenVerifier
	}
	if deps.Devices == nil {
		return nil, errMissingDeviceService
	}
	if deps.Sync == nil {
		return nil, errMissingSyncService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NewChangeDispatcher()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	heartbeat := deps.StreamHeartbeat
	if heartbeat <= 0 {
		heartbeat = defaultStreamHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:   deps.TokenVerifier,
		devices:    deps.Devices,
		sync:       deps.Sync,
		dispatcher: dispatcher,
		logger:     logger,
		clock:      clock,
		heartbeat:  heartbeat,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/devices/register", handler.handleRegisterDevice)
	protected.GET("/devices", handler.handleListDevices)
	protected.POST("/devices/:deviceId/deactivate", handler.handleDeactivateDevice)
	protected.POST("/sync", handler.handleSync)
	protected.GET("/changes", handler.handleChanges)
	protected.GET("/changes/stream", handler.handleChangesStream)
	protected.GET("/status", handler.handleStatus)

	return router, nil
}

type httpHandler struct {
	verifier   TokenVerifier
	devices    *devices.Service
	sync       *sync.Service
	dispatcher *ChangeDispatcher
	logger     *zap.Logger
	clock      func() time.Time
	heartbeat  time.Duration
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	userID, err := h.verifier.VerifyToken(token)
	if err != nil {
		h.logger.Warn("token verification failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

type registerRequestPayload struct {
	DeviceID    string `json:"deviceId"`
	DeviceName  string `json:"deviceName" binding:"required"`
	DeviceType  string `json:"deviceType" binding:"required"`
	DeviceModel string `json:"deviceModel"`
	OSVersion   string `json:"osVersion"`
	AppVersion  string `json:"appVersion" binding:"required"`
	PushToken   string `json:"pushToken"`
}

type registerResponsePayload struct {
	DeviceID          string `json:"deviceId"`
	IsNewDevice       bool   `json:"isNewDevice"`
	LastSyncTimestamp *int64 `json:"lastSyncTimestamp,omitempty"`
}

func (h *httpHandler) handleRegisterDevice(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.devices.Register(c.Request.Context(), devices.RegisterRequest{
		UserID:     userID,
		DeviceID:   request.DeviceID,
		Name:       request.DeviceName,
		Kind:       request.DeviceType,
		Model:      request.DeviceModel,
		OSVersion:  request.OSVersion,
		AppVersion: request.AppVersion,
		PushToken:  request.PushToken,
	})
	if err != nil {
		if errors.Is(err, devices.ErrDeviceOwnedByOtherUser) {
			c.JSON(http.StatusForbidden, gin.H{"error": "device_not_available"})
			return
		}
		h.logger.Error("device registration failed", zap.Error(err))
		respondServiceError(c, "registration_failed", err)
		return
	}

	response := registerResponsePayload{
		DeviceID:    result.DeviceID,
		IsNewDevice: result.IsNewDevice,
	}
	if result.LastSyncAtMs > 0 {
		lastSync := result.LastSyncAtMs
		response.LastSyncTimestamp = &lastSync
	}
	c.JSON(http.StatusOK, response)
}

type deviceSummaryPayload struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	DeviceType string `json:"deviceType"`
	AppVersion string `json:"appVersion"`
	LastSyncAt *int64 `json:"lastSyncAt,omitempty"`
	IsActive   bool   `json:"isActive"`
}

func (h *httpHandler) handleListDevices(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	rows, err := h.devices.List(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("device listing failed", zap.Error(err))
		respondServiceError(c, "device_list_failed", err)
		return
	}

	summaries := make([]deviceSummaryPayload, 0, len(rows))
	for _, device := range rows {
		summary := deviceSummaryPayload{
			DeviceID:   device.DeviceID,
			DeviceName: device.Name,
			DeviceType: device.Kind,
			AppVersion: device.AppVersion,
			IsActive:   device.Active,
		}
		if device.LastSyncAtMs > 0 {
			lastSync := device.LastSyncAtMs
			summary.LastSyncAt = &lastSync
		}
		summaries = append(summaries, summary)
	}
	c.JSON(http.StatusOK, gin.H{"devices": summaries})
}

func (h *httpHandler) handleDeactivateDevice(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	deviceID := strings.TrimSpace(c.Param("deviceId"))
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.devices.Deactivate(c.Request.Context(), userID, deviceID); err != nil {
		if errors.Is(err, devices.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_device"})
			return
		}
		h.logger.Error("device deactivation failed", zap.Error(err))
		respondServiceError(c, "deactivation_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deviceId": deviceID, "isActive": false})
}

type syncOperationPayload struct {
	ID            string          `json:"id"`
	EntityType    string          `json:"entityType"`
	EntityID      string          `json:"entityId"`
	OperationType string          `json:"operationType"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     int64           `json:"timestamp"`
}

type syncRequestPayload struct {
	DeviceID          string                 `json:"deviceId"`
	LastSyncTimestamp int64                  `json:"lastSyncTimestamp"`
	Operations        []syncOperationPayload `json:"operations"`
	EntityTypes       []string               `json:"entityTypes"`
}

type changePayload struct {
	EntityType     string          `json:"entityType"`
	EntityID       string          `json:"entityId"`
	OperationType  string          `json:"operationType"`
	Data           json.RawMessage `json:"data,omitempty"`
	Version        int64           `json:"version"`
	LastModifiedAt int64           `json:"lastModifiedAt"`
}

type conflictPayload struct {
	EntityType    string          `json:"entityType"`
	EntityID      string          `json:"entityId"`
	LocalVersion  int64           `json:"localVersion"`
	ServerVersion int64           `json:"serverVersion"`
	Resolution    string          `json:"resolution"`
	ResolvedData  json.RawMessage `json:"resolvedData,omitempty"`
}

type operationErrorPayload struct {
	OperationID  string `json:"operationId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type syncResponsePayload struct {
	Success         bool                    `json:"success"`
	ServerTimestamp int64                   `json:"serverTimestamp"`
	Changes         []changePayload         `json:"changes"`
	Conflicts       []conflictPayload       `json:"conflicts"`
	Errors          []operationErrorPayload `json:"errors"`
}

func (h *httpHandler) handleSync(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request syncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if strings.TrimSpace(request.DeviceID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_device_id"})
		return
	}
	if request.LastSyncTimestamp < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_last_sync_timestamp"})
		return
	}

	operations := make([]sync.Operation, 0, len(request.Operations))
	for _, wireOp := range request.Operations {
		opType, err := sync.ParseOperationType(wireOp.OperationType)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_operation"})
			return
		}
		operation := sync.Operation{
			OperationID:  wireOp.ID,
			EntityType:   wireOp.EntityType,
			EntityID:     wireOp.EntityID,
			Type:         opType,
			Payload:      wireOp.Payload,
			ClientTimeMs: wireOp.Timestamp,
		}
		if err := operation.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_operation"})
			return
		}
		operations = append(operations, operation)
	}

	device, err := h.devices.Get(c.Request.Context(), userID, request.DeviceID)
	if err != nil {
		if errors.Is(err, devices.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_device"})
			return
		}
		h.logger.Error("device lookup failed", zap.Error(err))
		respondServiceError(c, "sync_failed", err)
		return
	}

	result, err := h.sync.PerformSync(c.Request.Context(), sync.Request{
		UserID:       userID,
		DeviceID:     device.DeviceID,
		LastSyncAtMs: request.LastSyncTimestamp,
		Operations:   operations,
		EntityTypes:  request.EntityTypes,
	})
	if err != nil {
		h.logger.Error("sync session failed", zap.Error(err))
		respondServiceError(c, "sync_failed", err)
		return
	}

	if refs := collectEntityRefs(result.Changes); len(refs) > 0 {
		h.dispatcher.Publish(ChangeMessage{
			UserID:         userID,
			SourceDeviceID: device.DeviceID,
			Entities:       refs,
			Timestamp:      time.UnixMilli(result.ServerTimestampMs).UTC(),
		})
	}

	c.JSON(http.StatusOK, buildSyncResponse(result))
}

func (h *httpHandler) handleChanges(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	sinceMs := int64(0)
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		sinceMs = parsed
	}

	var entityTypes []string
	if raw := strings.TrimSpace(c.Query("types")); raw != "" {
		entityTypes = strings.Split(raw, ",")
	}

	changes, err := h.sync.ChangesSince(c.Request.Context(), userID, sinceMs, entityTypes)
	if err != nil {
		h.logger.Error("change feed query failed", zap.Error(err))
		respondServiceError(c, "changes_failed", err)
		return
	}

	payloads := make([]changePayload, 0, len(changes))
	for _, change := range changes {
		payloads = append(payloads, buildChangePayload(change))
	}
	c.JSON(http.StatusOK, gin.H{
		"serverTimestamp": h.clock().UTC().UnixMilli(),
		"changes":         payloads,
	})
}

func (h *httpHandler) handleChangesStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	stream, cleanup := h.dispatcher.Subscribe(c.Request.Context(), userID)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(ChangeEventEntitiesChanged, gin.H{
				"sourceDeviceId": message.SourceDeviceID,
				"entities":       message.Entities,
				"timestamp":      message.Timestamp.UnixMilli(),
			})
			return true
		case <-ticker.C:
			c.SSEvent(changeEventHeartbeat, gin.H{"timestamp": h.clock().UTC().UnixMilli()})
			return true
		case <-clientGone:
			return false
		}
	})
}

type sessionSummaryPayload struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Kind      string `json:"kind"`
	StartedAt int64  `json:"startedAt"`
	Pushed    int    `json:"pushed"`
	Pulled    int    `json:"pulled"`
	Conflicts int    `json:"conflicts"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	deviceID := strings.TrimSpace(c.Query("deviceId"))
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_device_id"})
		return
	}

	device, err := h.devices.Get(c.Request.Context(), userID, deviceID)
	if err != nil {
		if errors.Is(err, devices.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_device"})
			return
		}
		h.logger.Error("device lookup failed", zap.Error(err))
		respondServiceError(c, "status_failed", err)
		return
	}

	response := gin.H{
		"deviceId": device.DeviceID,
		"isActive": device.Active,
	}
	if device.LastSyncAtMs > 0 {
		response["lastSyncAt"] = device.LastSyncAtMs
	}

	session, err := h.sync.LatestSession(c.Request.Context(), userID, deviceID)
	switch {
	case err == nil:
		response["lastSession"] = sessionSummaryPayload{
			SessionID: session.SessionID,
			Status:    string(session.Status),
			Kind:      string(session.Kind),
			StartedAt: session.StartedAtMs,
			Pushed:    session.PushedCount,
			Pulled:    session.PulledCount,
			Conflicts: session.ConflictCount,
		}
	case errors.Is(err, sync.ErrNoSessions):
	default:
		h.logger.Error("session lookup failed", zap.Error(err))
		respondServiceError(c, "status_failed", err)
		return
	}

	c.JSON(http.StatusOK, response)
}

func buildSyncResponse(result sync.Result) syncResponsePayload {
	response := syncResponsePayload{
		Success:         true,
		ServerTimestamp: result.ServerTimestampMs,
		Changes:         make([]changePayload, 0, len(result.Changes)),
		Conflicts:       make([]conflictPayload, 0, len(result.Conflicts)),
		Errors:          make([]operationErrorPayload, 0, len(result.Errors)),
	}
	for _, change := range result.Changes {
		response.Changes = append(response.Changes, buildChangePayload(change))
	}
	for _, conflict := range result.Conflicts {
		response.Conflicts = append(response.Conflicts, conflictPayload{
			EntityType:    conflict.EntityType,
			EntityID:      conflict.EntityID,
			LocalVersion:  conflict.LocalVersion,
			ServerVersion: conflict.ServerVersion,
			Resolution:    conflict.Resolution,
			ResolvedData:  conflict.ResolvedData,
		})
	}
	for _, opError := range result.Errors {
		response.Errors = append(response.Errors, operationErrorPayload{
			OperationID:  opError.OperationID,
			ErrorCode:    opError.ErrorCode,
			ErrorMessage: opError.ErrorMessage,
		})
	}
	return response
}

func buildChangePayload(change sync.Change) changePayload {
	return changePayload{
		EntityType:     change.EntityType,
		EntityID:       change.EntityID,
		OperationType:  string(change.Type),
		Data:           change.Data,
		Version:        change.Version,
		LastModifiedAt: change.LastModifiedAtMs,
	}
}

func collectEntityRefs(changes []sync.Change) []EntityRef {
	if len(changes) == 0 {
		return nil
	}
	refs := make([]EntityRef, 0, len(changes))
	for _, change := range changes {
		if change.EntityID == "" {
			continue
		}
		refs = append(refs, EntityRef{EntityType: change.EntityType, EntityID: change.EntityID})
	}
	if len(refs) == 0 {
		return nil
	}
	return refs
}

func respondServiceError(c *gin.Context, errorKey string, err error) {
	body := gin.H{"error": errorKey}
	if code := serviceErrorCode(err); code != "" {
		body["code"] = code
	}
	c.JSON(http.StatusInternalServerError, body)
}

func serviceErrorCode(err error) string {
	var syncErr *sync.ServiceError
	if errors.As(err, &syncErr) {
		return syncErr.Code()
	}
	var deviceErr *devices.ServiceError
	if errors.As(err, &deviceErr) {
		return deviceErr.Code()
	}
	return ""
}
