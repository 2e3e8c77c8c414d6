package sync

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// errEntityStoreRejected marks a transaction rolled back because the delegated
// entity write failed; it is translated into a per-operation error, not a
// session failure.
var errEntityStoreRejected = errors.New("sync: entity store rejected operation")

type pushOutcome struct {
	conflict *Conflict
	opError  *OperationError
}

func (o pushOutcome) accepted() bool {
	return o.conflict == nil && o.opError == nil
}

// PerformSync runs one sync session: it applies the pushed operations against
// the metadata store, computes the pull set, advances the device's high-water
// mark, and records the session in the sync log. Conflicts and per-operation
// errors are reported in the result; only infrastructure failures return an
// error, after the session is finalized as FAILED.
func (s *Service) PerformSync(ctx context.Context, request Request) (Result, error) {
	if strings.TrimSpace(request.UserID) == "" {
		return Result{}, newServiceError(opPerformSync, "missing_user_id", ErrMissingUserID)
	}
	if strings.TrimSpace(request.DeviceID) == "" {
		return Result{}, newServiceError(opPerformSync, "missing_device_id", ErrMissingDeviceID)
	}
	for _, op := range request.Operations {
		if err := op.Validate(); err != nil {
			return Result{}, newServiceError(opPerformSync, "invalid_operation", err)
		}
	}

	session, err := s.openSession(ctx, request)
	if err != nil {
		return Result{}, err
	}

	// Operations already accepted must commit even if the caller disconnects
	// mid-session, so the push phase runs detached from request cancellation.
	pushCtx := context.WithoutCancel(ctx)

	pushed := 0
	var conflicts []Conflict
	var opErrors []OperationError
	sessionWrites := make(map[string]int64)

	for _, op := range request.Operations {
		outcome, applyErr := s.applyOperation(pushCtx, request.UserID, request.DeviceID, op, sessionWrites)
		if applyErr != nil {
			return Result{}, s.failSession(pushCtx, session, applyErr)
		}
		switch {
		case outcome.conflict != nil:
			conflicts = append(conflicts, *outcome.conflict)
		case outcome.opError != nil:
			opErrors = append(opErrors, *outcome.opError)
		default:
			pushed++
		}
	}

	changes, err := s.ChangesSince(ctx, request.UserID, request.LastSyncAtMs, request.EntityTypes)
	if err != nil {
		return Result{}, s.failSession(pushCtx, session, err)
	}

	serverTimestampMs := s.clock().UTC().UnixMilli()

	if err := s.devices.RecordSync(pushCtx, request.UserID, request.DeviceID, serverTimestampMs); err != nil {
		return Result{}, s.failSession(pushCtx, session, err)
	}

	session.Status = SessionStatusCompleted
	session.PushedCount = pushed
	session.PulledCount = len(changes)
	session.ConflictCount = len(conflicts)
	if err := s.finalizeSession(pushCtx, session); err != nil {
		return Result{}, err
	}

	s.loggerOrDefault().Info("sync session completed",
		zap.String("session_id", session.SessionID),
		zap.String("user_id", request.UserID),
		zap.String("device_id", request.DeviceID),
		zap.Int("pushed", pushed),
		zap.Int("pulled", len(changes)),
		zap.Int("conflicts", len(conflicts)),
		zap.Int("errors", len(opErrors)))

	return Result{
		ServerTimestampMs: serverTimestampMs,
		Changes:           changes,
		Conflicts:         conflicts,
		Errors:            opErrors,
	}, nil
}

// applyOperation runs one pushed operation inside a single row-locked
// transaction: metadata save, feed append, and the delegated entity write all
// commit or roll back together. sessionWrites carries the client timestamps of
// operations already accepted in this session, keyed by entity, so later
// operations in the batch compare against their predecessor instead of the
// server instant it was stamped with.
func (s *Service) applyOperation(ctx context.Context, userID, deviceID string, op Operation, sessionWrites map[string]int64) (pushOutcome, error) {
	store, ok := s.stores.Lookup(op.EntityType)
	if !ok {
		return pushOutcome{opError: &OperationError{
			OperationID:  op.OperationID,
			ErrorCode:    ErrorCodeUnknownEntityType,
			ErrorMessage: "no entity store registered for type " + op.EntityType,
		}}, nil
	}

	entityKey := op.EntityType + "/" + op.EntityID

	var outcome pushOutcome
	var decision writeDecision
	var storeErr error

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing MetadataRecord
		var existingPtr *MetadataRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND entity_type = ? AND entity_id = ?", userID, op.EntityType, op.EntityID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			existingPtr = nil
		} else if err != nil {
			s.logError(opPerformSync, "metadata_select_failed", err,
				zap.String("user_id", userID),
				zap.String("entity_id", op.EntityID))
			return newServiceError(opPerformSync, "metadata_select_failed", err)
		} else {
			existingPtr = &existing
		}

		baselineMs := int64(0)
		if existingPtr != nil {
			baselineMs = existingPtr.LastModifiedAtMs
		}
		if acceptedMs, found := sessionWrites[entityKey]; found {
			baselineMs = acceptedMs
		}

		decision = decideWrite(existingPtr, baselineMs, op, userID, deviceID, s.clock().UTC(), s.maxClockSkew)
		if !decision.accepted {
			outcome.conflict = &Conflict{
				EntityType:    op.EntityType,
				EntityID:      op.EntityID,
				LocalVersion:  0,
				ServerVersion: decision.record.Version,
				Resolution:    ResolutionServerWins,
			}
			return nil
		}

		switch op.Type {
		case OperationCreate:
			storeErr = store.ApplyCreate(ctx, tx, userID, op.EntityID, op.Payload)
		case OperationUpdate:
			storeErr = store.ApplyUpdate(ctx, tx, userID, op.EntityID, op.Payload)
		case OperationDelete:
			storeErr = store.ApplyDelete(ctx, tx, userID, op.EntityID)
		}
		if storeErr != nil {
			return errEntityStoreRejected
		}

		if err := tx.Save(&decision.record).Error; err != nil {
			s.logError(opPerformSync, "metadata_save_failed", err,
				zap.String("user_id", userID),
				zap.String("entity_id", op.EntityID))
			return newServiceError(opPerformSync, "metadata_save_failed", err)
		}

		changeID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opPerformSync, "id_generation_failed", err)
			return newServiceError(opPerformSync, "id_generation_failed", err)
		}
		entry := FeedEntry{
			ChangeID:     changeID,
			UserID:       userID,
			EntityType:   op.EntityType,
			EntityID:     op.EntityID,
			ChangeKind:   op.Type,
			OccurredAtMs: decision.record.LastModifiedAtMs,
		}
		if err := tx.Create(&entry).Error; err != nil {
			s.logError(opPerformSync, "feed_insert_failed", err,
				zap.String("user_id", userID),
				zap.String("entity_id", op.EntityID))
			return newServiceError(opPerformSync, "feed_insert_failed", err)
		}
		return nil
	})

	if txErr != nil {
		if errors.Is(txErr, errEntityStoreRejected) {
			message := errEntityStoreRejected.Error()
			if storeErr != nil {
				message = storeErr.Error()
			}
			return pushOutcome{opError: &OperationError{
				OperationID:  op.OperationID,
				ErrorCode:    ErrorCodeEntityStoreRejected,
				ErrorMessage: message,
			}}, nil
		}
		return pushOutcome{}, txErr
	}
	if outcome.accepted() {
		sessionWrites[entityKey] = decision.clientMs
	}
	return outcome, nil
}
