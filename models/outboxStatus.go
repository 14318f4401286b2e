package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// ProductionEventStatus is the ops view of one outbox row.
type ProductionEventStatus struct {
	RecordId         int                 `json:"record_id"`
	EventType        ProductionEventType `json:"event_type"`
	ReferenceKey     string              `json:"reference_key"`
	PublishStatus    string              `json:"publish_status"`
	PublishAttempts  int                 `json:"publish_attempts"`
	NextAttemptAt    *time.Time          `json:"next_attempt_at"`
	LastPublishError *string             `json:"last_publish_error"`
	PubSubMessageId  *string             `json:"pubsub_message_id"`
	CreatedAt        time.Time           `json:"created_at"`
	PublishedAt      *time.Time          `json:"published_at"`
}

func toProductionEventStatus(rec ProductionEventRecord) ProductionEventStatus {
	return ProductionEventStatus{
		RecordId:         rec.ID,
		EventType:        rec.EventType,
		ReferenceKey:     rec.ReferenceKey,
		PublishStatus:    rec.PublishStatus,
		PublishAttempts:  rec.PublishAttempts,
		NextAttemptAt:    rec.NextAttemptAt,
		LastPublishError: rec.LastPublishError,
		PubSubMessageId:  rec.PubSubMessageId,
		CreatedAt:        rec.CreatedAt,
		PublishedAt:      rec.PublishedAt,
	}
}

// GetProductionEventStatuses lists the outbox rows for a serial number or batch key, oldest first.
func GetProductionEventStatuses(ctx context.Context, db *gorm.DB, referenceKey string) ([]ProductionEventStatus, error) {
	var recs []ProductionEventRecord
	if err := db.WithContext(ctx).
		Where("reference_key = ?", referenceKey).
		Order("id").
		Find(&recs).Error; err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	out := make([]ProductionEventStatus, len(recs))
	for i, rec := range recs {
		out[i] = toProductionEventStatus(rec)
	}
	return out, nil
}

// ReplayProductionEvent puts a FAILED or DEAD row back in the queue for the
// dispatcher. Rows in any other state are left alone and reported as not found.
func ReplayProductionEvent(ctx context.Context, db *gorm.DB, recordId int) (*ProductionEventStatus, error) {
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&ProductionEventRecord{}).
		Where("id = ? AND publish_status IN ?", recordId, []string{OutboxPublishStatusFailed, OutboxPublishStatusDead}).
		Updates(map[string]interface{}{
			"publish_status":     OutboxPublishStatusPending,
			"publish_attempts":   0,
			"next_attempt_at":    &now,
			"locked_at":          nil,
			"locked_by":          nil,
			"last_publish_error": nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, gorm.ErrRecordNotFound
	}

	var rec ProductionEventRecord
	if err := db.WithContext(ctx).First(&rec, recordId).Error; err != nil {
		return nil, err
	}
	status := toProductionEventStatus(rec)
	return &status, nil
}
