package sync

import "time"

// writeDecision is the outcome of comparing an incoming operation against the
// stored metadata record. When accepted, record holds the next authoritative
// state and clientMs the (possibly clamped) client timestamp that won; when
// rejected, record holds the current state that won.
type writeDecision struct {
	accepted bool
	record   MetadataRecord
	clientMs int64
}

// decideWrite applies the server-authoritative last-write-wins rule: an
// operation whose client timestamp is older than baselineMs loses. The
// baseline is normally the record's last server modification; for an entity
// already written earlier in the same session the caller passes that write's
// client timestamp instead, so a batch applies in its given order rather than
// racing the server instant just stamped. Client timestamps ahead of server
// time by more than maxSkew are clamped before comparison.
func decideWrite(existing *MetadataRecord, baselineMs int64, op Operation, userID, deviceID string, now time.Time, maxSkew time.Duration) writeDecision {
	nowMs := now.UnixMilli()

	clientMs := op.ClientTimeMs
	if maxSkew > 0 {
		if limit := nowMs + maxSkew.Milliseconds(); clientMs > limit {
			clientMs = limit
		}
	}

	if existing != nil && baselineMs > clientMs {
		return writeDecision{accepted: false, record: *existing}
	}

	next := MetadataRecord{
		UserID:     userID,
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
	}
	if existing != nil {
		next = *existing
	}

	next.Version++
	if next.Version <= 0 {
		next.Version = 1
	}
	next.LastModifiedAtMs = nowMs
	next.LastModifiedBy = deviceID

	if op.Type == OperationDelete {
		next.IsDeleted = true
		deletedAt := nowMs
		next.DeletedAtMs = &deletedAt
	} else {
		next.IsDeleted = false
		next.DeletedAtMs = nil
	}

	return writeDecision{accepted: true, record: next, clientMs: clientMs}
}
