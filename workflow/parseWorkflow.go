package workflow

import (
	"context"
	"errors"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/intake_backend/config"
	"bitbucket.org/mmdatafocus/intake_backend/intake"
	"bitbucket.org/mmdatafocus/intake_backend/models"
	"bitbucket.org/mmdatafocus/intake_backend/parser"
	"bitbucket.org/mmdatafocus/intake_backend/utils"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("intake-backend/workflow")

// SystemUserId attributes automatic posts; human posts carry a real user id.
const SystemUserId = 0

// ProcessParseJob consumes one parse job exactly once per outbox record.
// Parsing and draft mutation commit atomically with the idempotency key; the
// auto-post attempt runs afterwards in its own transaction so a posting
// failure never un-parses the draft.
func ProcessParseJob(ctx context.Context, db *gorm.DB, logger *logrus.Logger, msg config.ParseJobMessage) error {
	ctx, span := tracer.Start(ctx, "ProcessParseJob", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	handlerName := HandlerParseDocument
	messageId := strconv.Itoa(msg.ID)

	if err := MarkDraftParsing(ctx, db, msg.BusinessId, msg.DraftId); err != nil {
		span.RecordError(err)
		return err
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := AcquireBusinessDocumentLock(tx, msg.BusinessId); err != nil {
			return err
		}
		defer ReleaseBusinessDocumentLock(tx, msg.BusinessId)

		skip, err := BeginIdempotency(tx.WithContext(ctx), msg.BusinessId, handlerName, messageId)
		if err != nil {
			return err
		}
		if skip {
			return nil
		}

		if err := parseDraft(ctx, tx, logger, msg); err != nil {
			_ = MarkIdempotencyFailed(tx.WithContext(ctx), msg.BusinessId, handlerName, messageId, err)
			return err
		}
		return MarkIdempotencySucceeded(tx.WithContext(ctx), msg.BusinessId, handlerName, messageId)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	if reason, err := AttemptAutoPost(ctx, db, logger, msg.BusinessId, msg.DraftId); err != nil {
		// The draft stays in pending_review; a human can still post it.
		config.LogError(logger, "workflow", "ProcessParseJob", "auto post attempt", msg.DraftId, err)
	} else if reason != "" && logger != nil {
		logger.WithFields(logrus.Fields{
			"business_id": msg.BusinessId,
			"draft_id":    msg.DraftId,
			"reason":      reason,
		}).Info("draft held for review")
	}
	return nil
}

// MarkDraftParsing moves a received draft to parsing before the heavy work
// starts. It commits outside the parse transaction so in-flight jobs are
// visible; a worker that dies mid-parse leaves the draft in parsing, where the
// reparse tooling picks it up. Only received drafts move, so a redelivered
// message can never drag a parked or terminal draft back into parsing.
func MarkDraftParsing(ctx context.Context, db *gorm.DB, businessId string, draftId int) error {
	return db.WithContext(ctx).Model(&models.DocumentDraft{}).
		Where("business_id = ? AND id = ? AND status = ?", businessId, draftId, models.DraftStatusReceived).
		Update("status", models.DraftStatusParsing).Error
}

func parseDraft(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, msg config.ParseJobMessage) error {
	var draft models.DocumentDraft
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND id = ?", msg.BusinessId, msg.DraftId).
		First(&draft).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Nothing to parse; ack rather than loop forever.
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"business_id": msg.BusinessId,
					"draft_id":    msg.DraftId,
				}).Warn("parse job for missing draft dropped")
			}
			return nil
		}
		return err
	}
	if draft.Status.IsTerminal() {
		return nil
	}

	raw, err := utils.ReadBytesFromGCS(ctx, draft.RawObjectKey)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			// The blob is gone for good; park the draft instead of retrying.
			reason := "raw document object missing from storage"
			return tx.WithContext(ctx).Model(&models.DocumentDraft{}).
				Where("id = ?", draft.ID).
				Updates(map[string]interface{}{"status": models.DraftStatusDraft, "parse_error": &reason}).Error
		}
		return err
	}

	fields, parseErr := extractFields(&draft, raw)
	if parseErr != nil {
		reason := parseErr.Error()
		return tx.WithContext(ctx).Model(&models.DocumentDraft{}).
			Where("id = ?", draft.ID).
			Updates(map[string]interface{}{"status": models.DraftStatusDraft, "parse_error": &reason}).Error
	}

	score := parser.Score(fields)

	vendor, err := resolveVendor(ctx, tx, &draft, fields)
	if err != nil {
		return err
	}

	flags := score.Flags
	if vendor != nil {
		candidate := AnomalyCandidate{
			Total:           fields.Total,
			DocumentDate:    documentDate(fields.Date, draft.EmailDate),
			ConfidenceScore: &score.Score,
			LineItemCount:   len(fields.LineItems),
			ParsedName:      fields.VendorName,
		}
		detected, err := ComputeAnomalyFlags(ctx, &GormVendorHistory{DB: tx}, vendor, candidate)
		if err != nil {
			return err
		}
		flags = mergeFlags(flags, detected)

		// Learn the alternate spelling after the mismatch was recorded, so
		// the next document from this vendor resolves cleanly.
		if fields.VendorName != nil && !vendor.MatchesName(*fields.VendorName) {
			if vendor.AddAlias(*fields.VendorName) {
				if err := tx.WithContext(ctx).Save(vendor).Error; err != nil {
					return err
				}
			}
		}
	}

	draft.Status = models.DraftStatusPendingReview
	draft.VendorName = fields.VendorName
	draft.Date = fields.Date
	draft.Total = fields.Total
	draft.Tax = fields.Tax
	draft.LineItems = fields.LineItems
	draft.ConfidenceScore = &score.Score
	draft.ConfidenceBand = score.Band
	draft.AnomalyFlags = flags
	draft.ParseError = nil
	if vendor != nil {
		draft.VendorProfileId = &vendor.ID
	}
	return tx.WithContext(ctx).Save(&draft).Error
}

// extractFields picks the parser entry point for the draft's channel. Errors
// here are permanent payload problems, never infrastructure failures.
func extractFields(draft *models.DocumentDraft, raw []byte) (parser.ParsedFields, error) {
	switch draft.Channel {
	case models.InboundChannelApiJson:
		return parser.ParseJSON(raw)
	default:
		doc, err := intake.ParsePostmarkPayload(raw)
		if err != nil {
			return parser.ParsedFields{}, err
		}
		return parser.ParseEmailBody(doc.TextBody, doc.HtmlBody, doc.SenderName, doc.SenderEmail, doc.EmailDate), nil
	}
}

// resolveVendor finds the document's vendor by parsed name first, then by the
// sender's email address, creating a profile lazily when neither matches.
func resolveVendor(ctx context.Context, tx *gorm.DB, draft *models.DocumentDraft, fields parser.ParsedFields) (*models.VendorProfile, error) {
	if fields.VendorName != nil {
		vendor, err := models.FindVendorProfileByName(tx, ctx, draft.BusinessId, *fields.VendorName)
		if err != nil {
			return nil, err
		}
		if vendor != nil {
			return vendor, backfillVendorPhone(ctx, tx, vendor, fields.VendorPhone)
		}
	}

	if draft.SenderEmail != "" {
		var vendor models.VendorProfile
		err := tx.WithContext(ctx).
			Where("business_id = ? AND contact_email = ?", draft.BusinessId, draft.SenderEmail).
			First(&vendor).Error
		if err == nil {
			return &vendor, backfillVendorPhone(ctx, tx, &vendor, fields.VendorPhone)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	if fields.VendorName == nil {
		return nil, nil
	}

	vendor := &models.VendorProfile{
		BusinessId:     draft.BusinessId,
		Name:           *fields.VendorName,
		NormalizedName: utils.NormalizeItemName(*fields.VendorName),
		ContactEmail:   draft.SenderEmail,
		TrustState:     models.TrustStateUnverified,
	}
	if fields.VendorPhone != nil {
		vendor.ContactPhone = utils.NormalizePhoneNumber(*fields.VendorPhone, utils.CountryCode)
	}
	if err := tx.WithContext(ctx).Create(vendor).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return models.FindVendorProfileByName(tx, ctx, draft.BusinessId, *fields.VendorName)
		}
		return nil, err
	}
	return vendor, nil
}

// backfillVendorPhone fills an empty contact phone from a structured payload.
// An existing phone is never overwritten by parsed data.
func backfillVendorPhone(ctx context.Context, tx *gorm.DB, vendor *models.VendorProfile, phone *string) error {
	if phone == nil || vendor.ContactPhone != "" {
		return nil
	}
	vendor.ContactPhone = utils.NormalizePhoneNumber(*phone, utils.CountryCode)
	return tx.WithContext(ctx).Model(&models.VendorProfile{}).
		Where("id = ?", vendor.ID).
		Update("contact_phone", vendor.ContactPhone).Error
}

func documentDate(parsed *string, emailDate *time.Time) time.Time {
	if parsed != nil {
		if t, err := time.Parse("2006-01-02", *parsed); err == nil {
			return t
		}
	}
	if emailDate != nil {
		return *emailDate
	}
	return time.Now().UTC()
}

func mergeFlags(base models.AnomalyFlagList, extra models.AnomalyFlagList) models.AnomalyFlagList {
	for _, f := range extra {
		if !base.Contains(f) {
			base = append(base, f)
		}
	}
	return base
}

// AttemptAutoPost posts the draft as the system actor when the vendor trust
// gate allows it. Ineligibility is a normal outcome, not an error: the draft
// is left untouched in pending_review and the blocking reason is returned.
func AttemptAutoPost(ctx context.Context, db *gorm.DB, logger *logrus.Logger, businessId string, draftId int) (EligibilityReason, error) {
	if !config.AutoPostEnabled() {
		return ReasonAutoPostDisabled, nil
	}

	var draft models.DocumentDraft
	err := db.WithContext(ctx).
		Where("business_id = ? AND id = ?", businessId, draftId).
		First(&draft).Error
	if err != nil {
		return "", err
	}
	if draft.Status != models.DraftStatusPendingReview {
		return "", nil
	}
	if draft.VendorProfileId == nil {
		return ReasonBelowTrustThreshold, nil
	}

	vendor, err := models.GetVendorProfile(ctx, businessId, *draft.VendorProfileId)
	if err != nil {
		return "", err
	}

	eligible, reason := EvaluateAutoPostEligibility(vendor, draft.ConfidenceScore, draft.AnomalyFlags)
	if !eligible {
		return reason, nil
	}

	// Best-effort serialization per business; the ledger's unique key is the
	// real backstop.
	if lockClient := config.GetRedisLock(); lockClient != nil {
		if lock, lockErr := lockClient.Obtain(ctx, "post:"+businessId, 30*time.Second, nil); lockErr == nil {
			defer func() { _ = lock.Release(ctx) }()
		} else if lockErr != redislock.ErrNotObtained {
			config.LogError(logger, "workflow", "AttemptAutoPost", "redis lock", businessId, lockErr)
		}
	}

	posting := NewPostingService(NewGormUnitOfWork(db), logger)
	if _, err := posting.PostDraft(ctx, businessId, draftId, SystemUserId, true); err != nil {
		return "", err
	}
	return "", nil
}
