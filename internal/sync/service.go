package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingRegistry   = errors.New("entity store registry is required")
	errMissingDevices    = errors.New("device recorder is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew    = "sync.service.new"
	opPerformSync   = "sync.perform"
	opChangesSince  = "sync.changes_since"
	opLatestSession = "sync.latest_session"
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

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

type IDProvider interface {
	NewID() (string, error)
}

// DeviceSyncRecorder is the slice of the device registry the coordinator
// needs: advancing a device's high-water mark after a completed session.
type DeviceSyncRecorder interface {
	RecordSync(ctx context.Context, userID, deviceID string, atMs int64) error
}

type ServiceConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	IDProvider   IDProvider
	Logger       *zap.Logger
	Devices      DeviceSyncRecorder
	Stores       *StoreRegistry
	MaxClockSkew time.Duration
}

type Service struct {
	db           *gorm.DB
	clock        func() time.Time
	idProvider   IDProvider
	logger       *zap.Logger
	devices      DeviceSyncRecorder
	stores       *StoreRegistry
	maxClockSkew time.Duration
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Stores == nil {
		return nil, newServiceError(opServiceNew, "missing_store_registry", errMissingRegistry)
	}
	if cfg.Devices == nil {
		return nil, newServiceError(opServiceNew, "missing_device_recorder", errMissingDevices)
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
		db:           cfg.Database,
		clock:        clock,
		idProvider:   cfg.IDProvider,
		logger:       logger,
		devices:      cfg.Devices,
		stores:       cfg.Stores,
		maxClockSkew: cfg.MaxClockSkew,
	}, nil
}

// GetMetadata loads the conflict-detection record for one entity, or nil when
// the entity has never been written.
func (s *Service) GetMetadata(ctx context.Context, userID, entityType, entityID string) (*MetadataRecord, error) {
	var record MetadataRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND entity_type = ? AND entity_id = ?", userID, entityType, entityID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newServiceError(opChangesSince, "metadata_select_failed", err)
	}
	return &record, nil
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
	s.loggerOrDefault().Error("sync service error", attrs...)
}
