package sync

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNoSessions indicates a device has no recorded sync sessions yet.
var ErrNoSessions = errors.New("sync: no sessions recorded")

func (s *Service) openSession(ctx context.Context, request Request) (*SessionLog, error) {
	sessionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opPerformSync, "id_generation_failed", err)
		return nil, newServiceError(opPerformSync, "id_generation_failed", err)
	}

	kind := SessionKindIncremental
	if request.LastSyncAtMs == 0 {
		kind = SessionKindFull
	}

	session := SessionLog{
		SessionID:   sessionID,
		UserID:      request.UserID,
		DeviceID:    request.DeviceID,
		Kind:        kind,
		Status:      SessionStatusStarted,
		StartedAtMs: s.clock().UTC().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		s.logError(opPerformSync, "session_log_open_failed", err,
			zap.String("user_id", request.UserID),
			zap.String("device_id", request.DeviceID))
		return nil, newServiceError(opPerformSync, "session_log_open_failed", err)
	}
	return &session, nil
}

// finalizeSession writes the terminal state of a session. Terminal rows are
// never touched again.
func (s *Service) finalizeSession(ctx context.Context, session *SessionLog) error {
	session.FinishedAtMs = s.clock().UTC().UnixMilli()
	session.DurationMs = session.FinishedAtMs - session.StartedAtMs
	if session.DurationMs < 0 {
		session.DurationMs = 0
	}
	if err := s.db.WithContext(ctx).Model(&SessionLog{}).
		Where("session_id = ? AND status = ?", session.SessionID, SessionStatusStarted).
		Updates(map[string]interface{}{
			"status":         session.Status,
			"pushed_count":   session.PushedCount,
			"pulled_count":   session.PulledCount,
			"conflict_count": session.ConflictCount,
			"error_message":  session.ErrorMessage,
			"finished_at_ms": session.FinishedAtMs,
			"duration_ms":    session.DurationMs,
		}).Error; err != nil {
		s.logError(opPerformSync, "session_log_finalize_failed", err,
			zap.String("session_id", session.SessionID))
		return newServiceError(opPerformSync, "session_log_finalize_failed", err)
	}
	return nil
}

// failSession marks the session FAILED with the triggering error and returns
// that error for propagation to the caller.
func (s *Service) failSession(ctx context.Context, session *SessionLog, cause error) error {
	session.Status = SessionStatusFailed
	session.ErrorMessage = cause.Error()
	if finalizeErr := s.finalizeSession(ctx, session); finalizeErr != nil {
		s.logError(opPerformSync, "failed_session_finalize_failed", finalizeErr,
			zap.String("session_id", session.SessionID))
	}
	return cause
}

func (s *Service) LatestSession(ctx context.Context, userID, deviceID string) (SessionLog, error) {
	var session SessionLog
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND device_id = ?", userID, deviceID).
		Order("started_at_ms DESC").
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SessionLog{}, newServiceError(opLatestSession, "not_found", ErrNoSessions)
	}
	if err != nil {
		s.logError(opLatestSession, "query_failed", err, zap.String("device_id", deviceID))
		return SessionLog{}, newServiceError(opLatestSession, "query_failed", err)
	}
	return session, nil
}
