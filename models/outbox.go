package models

import (
	"encoding/json"
	"time"

	"github.com/mmdatafocus/production_backend/config"
)

const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// ProductionEventRecord is a transactional outbox row. It is written in the same
// transaction as the unit or batch it describes and published after commit.
type ProductionEventRecord struct {
	ID               int                 `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	EventType        ProductionEventType `gorm:"size:32;not null;index" json:"event_type"`
	ReferenceKey     string              `gorm:"size:64;not null;index" json:"reference_key"`
	OccurredAt       time.Time           `gorm:"not null" json:"occurred_at"`
	Payload          []byte              `gorm:"type:blob" json:"payload"`
	PublishStatus    string              `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time          `gorm:"index" json:"published_at"`
	PubSubMessageId  *string             `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int                 `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time          `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time          `gorm:"index" json:"locked_at"`
	LockedBy         *string             `gorm:"size:100" json:"locked_by"`
	LastPublishError *string             `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string              `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewProductionEvent builds a pending outbox row from any JSON-serialisable payload.
func NewProductionEvent(eventType ProductionEventType, referenceKey string, payload any, correlationId string) (*ProductionEventRecord, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &ProductionEventRecord{
		EventType:     eventType,
		ReferenceKey:  referenceKey,
		OccurredAt:    time.Now().UTC(),
		Payload:       b,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationId,
	}, nil
}

func ConvertToPubSubMessage(record ProductionEventRecord) config.ProductionEventMessage {
	return config.ProductionEventMessage{
		ID:            record.ID,
		EventType:     string(record.EventType),
		ReferenceKey:  record.ReferenceKey,
		OccurredAt:    record.OccurredAt,
		Payload:       json.RawMessage(record.Payload),
		CorrelationId: record.CorrelationId,
	}
}
