package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrDeviceNotFound indicates no device row matches the requested id for the user.
	ErrDeviceNotFound = errors.New("devices: device not found")
	// ErrDeviceOwnedByOtherUser rejects re-registration of a device id enrolled under a different user.
	ErrDeviceOwnedByOtherUser = errors.New("devices: device id belongs to another user")
	// ErrMissingUserID indicates the caller supplied no user identifier.
	ErrMissingUserID = errors.New("devices: user identifier is required")
	// ErrMissingDeviceID indicates the caller supplied no device identifier.
	ErrMissingDeviceID = errors.New("devices: device identifier is required")
)

const (
	opServiceNew  = "devices.service.new"
	opRegister    = "devices.register"
	opGetDevice   = "devices.get"
	opListDevices = "devices.list"
	opDeactivate  = "devices.deactivate"
	opRecordSync  = "devices.record_sync"
	maxIDLength   = 190
)

// ServiceError wraps a failure with a dotted operation code for diagnostics.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider mints identifiers for newly enrolled devices.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the device registry.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is the device registry: it tracks which devices belong to a user
// and their last-seen / last-synced instants.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the registry after validating its dependencies.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Register enrolls a device or refreshes an existing enrollment. Supplying a
// device id already registered to the same user updates the mutable fields and
// reports the stored last-sync instant; a device id held by a different user
// is rejected outright.
func (s *Service) Register(ctx context.Context, request RegisterRequest) (RegisterResult, error) {
	userID := strings.TrimSpace(request.UserID)
	if userID == "" {
		return RegisterResult{}, newServiceError(opRegister, "missing_user_id", ErrMissingUserID)
	}
	deviceID := strings.TrimSpace(request.DeviceID)
	if len(deviceID) > maxIDLength {
		return RegisterResult{}, newServiceError(opRegister, "device_id_too_long", ErrMissingDeviceID)
	}

	nowMs := s.clock().UTC().UnixMilli()

	if deviceID != "" {
		var existing Device
		err := s.db.WithContext(ctx).
			Where("device_id = ?", deviceID).
			Take(&existing).Error
		switch {
		case err == nil:
			if existing.UserID != userID {
				s.logError(opRegister, "ownership_mismatch", ErrDeviceOwnedByOtherUser,
					zap.String("device_id", deviceID))
				return RegisterResult{}, newServiceError(opRegister, "ownership_mismatch", ErrDeviceOwnedByOtherUser)
			}
			updates := map[string]interface{}{
				"device_name":       strings.TrimSpace(request.Name),
				"device_kind":       strings.TrimSpace(request.Kind),
				"device_model":      strings.TrimSpace(request.Model),
				"os_version":        strings.TrimSpace(request.OSVersion),
				"app_version":       strings.TrimSpace(request.AppVersion),
				"last_active_at_ms": nowMs,
				"is_active":         true,
			}
			if token := strings.TrimSpace(request.PushToken); token != "" {
				updates["push_token"] = token
			}
			if err := s.db.WithContext(ctx).Model(&Device{}).
				Where("device_id = ? AND user_id = ?", deviceID, userID).
				Updates(updates).Error; err != nil {
				s.logError(opRegister, "device_update_failed", err, zap.String("device_id", deviceID))
				return RegisterResult{}, newServiceError(opRegister, "device_update_failed", err)
			}
			return RegisterResult{
				DeviceID:     existing.DeviceID,
				IsNewDevice:  false,
				LastSyncAtMs: existing.LastSyncAtMs,
			}, nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			s.logError(opRegister, "device_select_failed", err, zap.String("device_id", deviceID))
			return RegisterResult{}, newServiceError(opRegister, "device_select_failed", err)
		}
	}

	if deviceID == "" {
		minted, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opRegister, "id_generation_failed", err)
			return RegisterResult{}, newServiceError(opRegister, "id_generation_failed", err)
		}
		deviceID = minted
	}

	device := Device{
		DeviceID:       deviceID,
		UserID:         userID,
		Name:           strings.TrimSpace(request.Name),
		Kind:           strings.TrimSpace(request.Kind),
		Model:          strings.TrimSpace(request.Model),
		OSVersion:      strings.TrimSpace(request.OSVersion),
		AppVersion:     strings.TrimSpace(request.AppVersion),
		PushToken:      strings.TrimSpace(request.PushToken),
		LastActiveAtMs: nowMs,
		LastSyncAtMs:   0,
		Active:         true,
		CreatedAtMs:    nowMs,
	}
	if err := s.db.WithContext(ctx).Create(&device).Error; err != nil {
		s.logError(opRegister, "device_insert_failed", err, zap.String("device_id", deviceID))
		return RegisterResult{}, newServiceError(opRegister, "device_insert_failed", err)
	}

	return RegisterResult{DeviceID: deviceID, IsNewDevice: true, LastSyncAtMs: 0}, nil
}

// Get loads one device scoped to the given user.
func (s *Service) Get(ctx context.Context, userID, deviceID string) (Device, error) {
	if strings.TrimSpace(userID) == "" {
		return Device{}, newServiceError(opGetDevice, "missing_user_id", ErrMissingUserID)
	}
	if strings.TrimSpace(deviceID) == "" {
		return Device{}, newServiceError(opGetDevice, "missing_device_id", ErrMissingDeviceID)
	}

	var device Device
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND user_id = ?", deviceID, userID).
		Take(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Device{}, newServiceError(opGetDevice, "not_found", ErrDeviceNotFound)
	}
	if err != nil {
		s.logError(opGetDevice, "device_select_failed", err, zap.String("device_id", deviceID))
		return Device{}, newServiceError(opGetDevice, "device_select_failed", err)
	}
	return device, nil
}

// List returns every device enrolled under the user, most recently active first.
func (s *Service) List(ctx context.Context, userID string) ([]Device, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, newServiceError(opListDevices, "missing_user_id", ErrMissingUserID)
	}

	var rows []Device
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_active_at_ms DESC").
		Find(&rows).Error; err != nil {
		s.logError(opListDevices, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListDevices, "query_failed", err)
	}
	return rows, nil
}

// Deactivate flips the active flag off. The row is retained so its sync
// history stays attributable.
func (s *Service) Deactivate(ctx context.Context, userID, deviceID string) error {
	device, err := s.Get(ctx, userID, deviceID)
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Model(&Device{}).
		Where("device_id = ? AND user_id = ?", device.DeviceID, userID).
		Update("is_active", false).Error; err != nil {
		s.logError(opDeactivate, "device_update_failed", err, zap.String("device_id", deviceID))
		return newServiceError(opDeactivate, "device_update_failed", err)
	}
	return nil
}

// RecordSync advances the device's last-sync and last-active instants after a
// completed session.
func (s *Service) RecordSync(ctx context.Context, userID, deviceID string, atMs int64) error {
	if strings.TrimSpace(userID) == "" {
		return newServiceError(opRecordSync, "missing_user_id", ErrMissingUserID)
	}
	if strings.TrimSpace(deviceID) == "" {
		return newServiceError(opRecordSync, "missing_device_id", ErrMissingDeviceID)
	}

	result := s.db.WithContext(ctx).Model(&Device{}).
		Where("device_id = ? AND user_id = ?", deviceID, userID).
		Updates(map[string]interface{}{
			"last_sync_at_ms":   atMs,
			"last_active_at_ms": atMs,
		})
	if result.Error != nil {
		s.logError(opRecordSync, "device_update_failed", result.Error, zap.String("device_id", deviceID))
		return newServiceError(opRecordSync, "device_update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opRecordSync, "not_found", ErrDeviceNotFound)
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("device registry error", attrs...)
}
