package models

import (
	"time"

	"bitbucket.org/mmdatafocus/intake_backend/config"
)

type OutboxPublishStatus string

const (
	OutboxPublishPending    OutboxPublishStatus = "PENDING"
	OutboxPublishProcessing OutboxPublishStatus = "PROCESSING"
	OutboxPublishSent       OutboxPublishStatus = "SENT"
	OutboxPublishFailed     OutboxPublishStatus = "FAILED"
	OutboxPublishDead       OutboxPublishStatus = "DEAD"
)

// ParseOutboxRecord is written in the same transaction that creates a
// DocumentDraft. The dispatcher publishes it to Pub/Sub after commit, so a
// draft can never exist without a durable parse job and vice versa.
type ParseOutboxRecord struct {
	ID         int    `gorm:"primary_key;index:idx_parse_outbox_dispatch,priority:3" json:"id"`
	BusinessId string `gorm:"size:64;not null;index" json:"business_id"`
	DraftId    int    `gorm:"not null;index" json:"draft_id"`
	Channel    string `gorm:"size:30;not null" json:"channel"`
	// Publish metadata (publish happens after commit via dispatcher).
	PublishStatus    OutboxPublishStatus `gorm:"size:20;index;not null;default:'PENDING';index:idx_parse_outbox_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time          `gorm:"index" json:"published_at"`
	PubSubMessageId  *string             `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int                 `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time          `gorm:"index;index:idx_parse_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time          `gorm:"index" json:"locked_at"`
	LockedBy         *string             `gorm:"size:100" json:"locked_by"`
	LastPublishError *string             `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string              `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToParseJobMessage(record ParseOutboxRecord) config.ParseJobMessage {
	return config.ParseJobMessage{
		ID:            record.ID,
		BusinessId:    record.BusinessId,
		DraftId:       record.DraftId,
		Channel:       record.Channel,
		CorrelationId: record.CorrelationId,
	}
}
