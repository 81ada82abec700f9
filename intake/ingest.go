package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/intake_backend/config"
	"bitbucket.org/mmdatafocus/intake_backend/models"
	"bitbucket.org/mmdatafocus/intake_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const ReasonUnknownAddress = "unknown_address"

// IngestResult is the webhook response contract. Unknown addresses and
// duplicates are successful no-ops, not errors.
type IngestResult struct {
	Received  bool   `json:"received"`
	DraftId   int    `json:"draftId,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// IngestInbound resolves the owning business, dedups on the content hash,
// stores raw bytes and attachments, and creates the draft together with its
// parse-outbox record in one transaction. A draft therefore never exists
// without a durable parse job.
func IngestInbound(ctx context.Context, doc *IngestableDocument) (*IngestResult, error) {
	logger := config.GetLogger()

	business, err := models.GetBusinessByMailToken(ctx, doc.MailboxToken)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return &IngestResult{Received: false, Reason: ReasonUnknownAddress}, nil
		}
		return nil, err
	}

	businessId := business.ID.String()
	db := config.GetDB()

	// Cheap probe before any blob upload. The unique index is the backstop
	// for the race this probe cannot close.
	if existing, err := models.FindDraftByContentHash(db, ctx, businessId, doc.ContentHash); err != nil {
		return nil, err
	} else if existing != nil {
		return &IngestResult{Received: true, Duplicate: true, DraftId: existing.ID}, nil
	}

	rawKey := fmt.Sprintf("intake/%s/%s/raw.json", businessId, doc.ContentHash)
	if err := utils.UploadBytesToGCS(ctx, rawKey, doc.RawContent, doc.RawContentType); err != nil {
		config.LogError(logger, "intake", "IngestInbound", "upload raw body", rawKey, err)
		return nil, err
	}

	attachments := make([]*models.DocumentAttachment, 0, len(doc.Attachments))
	for i, att := range doc.Attachments {
		objectKey := fmt.Sprintf("intake/%s/%s/att-%d-%s", businessId, doc.ContentHash, i, att.Name)
		if err := utils.UploadBytesToGCS(ctx, objectKey, att.Content, att.ContentType); err != nil {
			config.LogError(logger, "intake", "IngestInbound", "upload attachment", objectKey, err)
			return nil, err
		}

		record := &models.DocumentAttachment{
			BusinessId:    businessId,
			Name:          att.Name,
			ContentType:   att.ContentType,
			ContentLength: att.ContentLength,
			ObjectKey:     objectKey,
		}
		if strings.HasPrefix(att.ContentType, "image/") {
			if thumb, err := utils.MakeThumbnail(att.Content); err == nil {
				thumbKey := objectKey + ".thumb.jpg"
				if err := utils.UploadBytesToGCS(ctx, thumbKey, thumb, "image/jpeg"); err == nil {
					record.ThumbObjectKey = &thumbKey
				}
			}
			// Thumbnail failures are cosmetic; never block ingestion on them.
		}
		attachments = append(attachments, record)
	}

	correlationId, ok := utils.GetCorrelationIdFromContext(ctx)
	if !ok || correlationId == "" {
		correlationId = uuid.NewString()
	}

	draft := &models.DocumentDraft{
		BusinessId:     businessId,
		Channel:        doc.Channel,
		Status:         models.DraftStatusReceived,
		RawContentHash: doc.ContentHash,
		RawObjectKey:   rawKey,
		RawContentType: doc.RawContentType,
		SenderEmail:    doc.SenderEmail,
		SenderName:     doc.SenderName,
		Subject:        doc.Subject,
		EmailDate:      doc.EmailDate,
	}

	var duplicateOf *models.DocumentDraft
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Create(draft).Error; err != nil {
			var mysqlErr *mysqlDriver.MySQLError
			if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
				existing, readErr := models.FindDraftByContentHash(tx, ctx, businessId, doc.ContentHash)
				if readErr != nil {
					return readErr
				}
				if existing == nil {
					return err
				}
				duplicateOf = existing
				return nil
			}
			return err
		}

		for _, att := range attachments {
			att.DraftId = draft.ID
			if err := tx.WithContext(ctx).Create(att).Error; err != nil {
				return err
			}
		}

		outbox := &models.ParseOutboxRecord{
			BusinessId:    businessId,
			DraftId:       draft.ID,
			Channel:       string(doc.Channel),
			PublishStatus: models.OutboxPublishPending,
			CorrelationId: correlationId,
		}
		return tx.WithContext(ctx).Create(outbox).Error
	})
	if err != nil {
		config.LogError(logger, "intake", "IngestInbound", "create draft", doc.ContentHash, err)
		return nil, err
	}
	if duplicateOf != nil {
		return &IngestResult{Received: true, Duplicate: true, DraftId: duplicateOf.ID}, nil
	}

	logger.WithFields(map[string]interface{}{
		"business_id":    businessId,
		"draft_id":       draft.ID,
		"channel":        doc.Channel,
		"correlation_id": correlationId,
	}).Info("document draft created")

	return &IngestResult{Received: true, DraftId: draft.ID}, nil
}
