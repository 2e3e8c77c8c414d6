package sync

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// ChangesSince answers "what changed after sinceMs" for a user, optionally
// filtered to a subset of entity types. The set is derived from metadata
// records, so repeated calls with the same timestamp are idempotent. Deleted
// entities surface as DELETE changes; everything else as UPDATE, since a
// client that has never seen an entity applies create and update identically.
func (s *Service) ChangesSince(ctx context.Context, userID string, sinceMs int64, entityTypes []string) ([]Change, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, newServiceError(opChangesSince, "missing_user_id", ErrMissingUserID)
	}

	query := s.db.WithContext(ctx).
		Where("user_id = ? AND last_modified_at_ms > ?", userID, sinceMs)
	if filtered := normalizeTypeFilter(entityTypes); len(filtered) > 0 {
		query = query.Where("entity_type IN ?", filtered)
	}

	var records []MetadataRecord
	if err := query.Order("last_modified_at_ms ASC").Find(&records).Error; err != nil {
		s.logError(opChangesSince, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opChangesSince, "query_failed", err)
	}

	changes := make([]Change, 0, len(records))
	for _, record := range records {
		kind := OperationUpdate
		if record.IsDeleted {
			kind = OperationDelete
		}
		changes = append(changes, Change{
			EntityType:       record.EntityType,
			EntityID:         record.EntityID,
			Type:             kind,
			Version:          record.Version,
			LastModifiedAtMs: record.LastModifiedAtMs,
		})
	}
	return changes, nil
}

func normalizeTypeFilter(entityTypes []string) []string {
	filtered := make([]string, 0, len(entityTypes))
	for _, entityType := range entityTypes {
		trimmed := strings.TrimSpace(entityType)
		if trimmed != "" {
			filtered = append(filtered, trimmed)
		}
	}
	return filtered
}
