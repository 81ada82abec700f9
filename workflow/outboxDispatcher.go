package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/intake_backend/config"
	"bitbucket.org/mmdatafocus/intake_backend/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxDispatcher moves committed ParseOutboxRecord rows onto Pub/Sub.
// Multiple instances may run concurrently; SKIP LOCKED claiming keeps them
// from fighting over the same batch.
type OutboxDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

func NewOutboxDispatcher(db *gorm.DB, logger *logrus.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		DB:             db,
		Logger:         logger,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.dispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

func (d *OutboxDispatcher) dispatchOnce(ctx context.Context) {
	if d.DB == nil {
		return
	}
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTimeout)

	var claimed []models.ParseOutboxRecord
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible: PENDING/FAILED and ready to retry, plus PROCESSING rows
		// whose lock went stale (a dispatcher died mid-batch).
		q := tx.
			Where(`
				(
					publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []models.OutboxPublishStatus{models.OutboxPublishPending, models.OutboxPublishFailed}, now,
				models.OutboxPublishProcessing, staleBefore).
			Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			// Poison jobs go terminal rather than looping forever.
			if d.MaxAttempts > 0 && claimed[i].PublishAttempts >= d.MaxAttempts {
				msg := fmt.Sprintf("max publish attempts exceeded (%d)", d.MaxAttempts)
				claimed[i].PublishStatus = models.OutboxPublishDead
				if err := tx.Model(&models.ParseOutboxRecord{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"publish_status":     models.OutboxPublishDead,
					"last_publish_error": &msg,
					"next_attempt_at":    nil,
					"locked_at":          nil,
					"locked_by":          nil,
				}).Error; err != nil {
					return err
				}
				continue
			}

			claimed[i].PublishStatus = models.OutboxPublishProcessing
			claimed[i].PublishAttempts++
			if err := tx.Model(&models.ParseOutboxRecord{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishProcessing,
				"locked_at":          &now,
				"locked_by":          &d.DispatcherID,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"last_publish_error": nil,
				"next_attempt_at":    nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(claimed) == 0 {
		return
	}

	for _, rec := range claimed {
		if rec.PublishStatus == models.OutboxPublishDead {
			continue
		}
		messageId, pubErr := config.PublishParseJobWithResult(ctx, models.ConvertToParseJobMessage(rec))
		if pubErr != nil {
			d.markPublishFailed(ctx, rec, pubErr)
			continue
		}
		d.markPublishSent(ctx, rec.ID, messageId, now)
	}
}

func (d *OutboxDispatcher) markPublishSent(ctx context.Context, recordId int, pubsubMessageId string, now time.Time) {
	_ = d.DB.WithContext(ctx).Model(&models.ParseOutboxRecord{}).
		Where("id = ?", recordId).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishSent,
			"published_at":       &now,
			"pub_sub_message_id": &pubsubMessageId,
			"locked_at":          nil,
			"locked_by":          nil,
			"next_attempt_at":    nil,
		}).Error
}

func (d *OutboxDispatcher) markPublishFailed(ctx context.Context, rec models.ParseOutboxRecord, cause error) {
	db := d.DB.WithContext(ctx)
	now := time.Now().UTC()
	msg := cause.Error()

	if d.MaxAttempts > 0 && rec.PublishAttempts >= d.MaxAttempts {
		_ = db.Model(&models.ParseOutboxRecord{}).
			Where("id = ?", rec.ID).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishDead,
				"last_publish_error": &msg,
				"next_attempt_at":    nil,
				"locked_at":          nil,
				"locked_by":          nil,
			}).Error
		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":       "OutboxDispatcher",
				"business_id": rec.BusinessId,
				"record_id":   rec.ID,
				"draft_id":    rec.DraftId,
				"attempt":     rec.PublishAttempts,
			}).Error("parse job moved to DEAD after max attempts: " + msg)
		}
		d.parkDraftOnDeadPublish(ctx, rec)
		return
	}

	backoff := d.InitialBackoff
	for i := 1; i < rec.PublishAttempts; i++ {
		backoff *= 2
		if backoff > 10*time.Minute {
			backoff = 10 * time.Minute
			break
		}
	}
	next := now.Add(backoff)
	_ = db.Model(&models.ParseOutboxRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishFailed,
			"last_publish_error": &msg,
			"next_attempt_at":    &next,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error

	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":           "OutboxDispatcher",
			"business_id":     rec.BusinessId,
			"record_id":       rec.ID,
			"draft_id":        rec.DraftId,
			"attempt":         rec.PublishAttempts,
			"next_attempt_at": next.Format(time.RFC3339Nano),
		}).Error("parse job publish failed: " + msg)
	}
}

// parkDraftOnDeadPublish surfaces a permanently undeliverable parse job on
// the draft itself so it shows up for review instead of sitting invisibly in
// "received" forever. Posted or rejected drafts are left alone.
func (d *OutboxDispatcher) parkDraftOnDeadPublish(ctx context.Context, rec models.ParseOutboxRecord) {
	parseErr := "parse job could not be delivered; use the outbox replay endpoint to retry"
	err := d.DB.WithContext(ctx).Model(&models.DocumentDraft{}).
		Where("id = ? AND business_id = ? AND status IN ?", rec.DraftId, rec.BusinessId,
			[]models.DraftStatus{models.DraftStatusReceived, models.DraftStatusParsing}).
		Updates(map[string]interface{}{
			"status":      models.DraftStatusDraft,
			"parse_error": &parseErr,
		}).Error
	if err != nil && d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":       "OutboxDispatcher",
			"business_id": rec.BusinessId,
			"record_id":   rec.ID,
			"draft_id":    rec.DraftId,
		}).Warn("failed to park draft after DEAD publish: " + err.Error())
	}
}

// RequeueDeadOutboxRecord reverts a DEAD or FAILED parse job to PENDING with
// a fresh attempt budget. Used by the ops replay endpoint.
func RequeueDeadOutboxRecord(ctx context.Context, db *gorm.DB, businessId string, recordId int) error {
	result := db.WithContext(ctx).Model(&models.ParseOutboxRecord{}).
		Where("id = ? AND business_id = ? AND publish_status IN ?", recordId, businessId,
			[]models.OutboxPublishStatus{models.OutboxPublishDead, models.OutboxPublishFailed}).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishPending,
			"publish_attempts":   0,
			"last_publish_error": nil,
			"next_attempt_at":    nil,
			"locked_at":          nil,
			"locked_by":          nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("outbox record %d not found in a replayable state", recordId)
	}
	return nil
}
