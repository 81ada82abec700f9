package models

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/intake_backend/config"
	"bitbucket.org/mmdatafocus/intake_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ParsedLineItem is one extracted invoice line. Any field except Description
// may be absent; the parser emits nil rather than guessing.
type ParsedLineItem struct {
	Description string           `json:"description"`
	Quantity    *decimal.Decimal `json:"quantity"`
	UnitCost    *decimal.Decimal `json:"unit_cost"`
	LineTotal   *decimal.Decimal `json:"line_total"`
}

// LineItemList persists as a JSON array column. Items are typed structs, not
// open maps, so the parser's null-permissive coercion stays auditable.
type LineItemList []ParsedLineItem

func (l LineItemList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *LineItemList) Scan(src any) error {
	return scanJSONColumn(src, l)
}

// DocumentDraft is the mutable record of one ingested document as it moves
// from raw bytes to a posted ledger entry.
//
// Invariants:
//   - (business_id, raw_content_hash) is unique: byte-identical re-deliveries
//     never create a second draft.
//   - FinancialTransactionId is set exactly once, on posting, and never
//     changes afterwards; when set, status is Posted.
type DocumentDraft struct {
	ID         int            `gorm:"primary_key" json:"id"`
	BusinessId string         `gorm:"size:64;not null;index:uniq_draft_hash,unique" json:"business_id"`
	Channel    InboundChannel `gorm:"size:20;not null" json:"channel"`
	Status     DraftStatus    `gorm:"size:20;not null;index" json:"status"`

	RawContentHash string `gorm:"size:64;not null;index:uniq_draft_hash,unique" json:"raw_content_hash"`
	RawObjectKey   string `gorm:"size:255" json:"raw_object_key"`
	RawContentType string `gorm:"size:100" json:"raw_content_type"`

	SenderEmail string     `gorm:"size:255" json:"sender_email"`
	SenderName  string     `gorm:"size:255" json:"sender_name"`
	Subject     string     `gorm:"size:500" json:"subject"`
	EmailDate   *time.Time `json:"email_date"`

	VendorName *string          `gorm:"size:255" json:"vendor_name"`
	Date       *string          `gorm:"size:10" json:"date"` // YYYY-MM-DD
	Total      *decimal.Decimal `gorm:"type:decimal(20,4)" json:"total"`
	Tax        *decimal.Decimal `gorm:"type:decimal(20,4)" json:"tax"`
	LineItems  LineItemList     `gorm:"type:json" json:"line_items"`

	ConfidenceScore *float64        `json:"confidence_score"`
	ConfidenceBand  ConfidenceBand  `gorm:"size:10" json:"confidence_band"`
	AnomalyFlags    AnomalyFlagList `gorm:"type:json" json:"anomaly_flags"`
	ParseError      *string         `gorm:"type:text" json:"parse_error"`

	VendorProfileId        *int `gorm:"index" json:"vendor_profile_id"`
	FinancialTransactionId *int `gorm:"index" json:"financial_transaction_id"`

	AutoPosted     bool       `gorm:"not null;default:false" json:"auto_posted"`
	PostedAt       *time.Time `json:"posted_at"`
	PostedByUserId *int       `json:"posted_by_user_id"`

	Attachments []*DocumentAttachment `gorm:"foreignKey:DraftId" json:"attachments"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type DocumentAttachment struct {
	ID             int     `gorm:"primary_key" json:"id"`
	BusinessId     string  `gorm:"size:64;not null;index" json:"business_id"`
	DraftId        int     `gorm:"not null;index" json:"draft_id"`
	Name           string  `gorm:"size:255;not null" json:"name"`
	ContentType    string  `gorm:"size:100" json:"content_type"`
	ContentLength  int     `json:"content_length"`
	ObjectKey      string  `gorm:"size:255" json:"object_key"`
	ThumbObjectKey *string `gorm:"size:255" json:"thumb_object_key"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func GetDocumentDraft(ctx context.Context, businessId string, id int) (*DocumentDraft, error) {
	db := config.GetDB()
	var result DocumentDraft
	if err := db.WithContext(ctx).
		Preload("Attachments").
		Where("business_id = ? AND id = ?", businessId, id).
		First(&result).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

// FindDraftByContentHash is the dedup probe: an existing row means this exact
// payload was already delivered for the business.
func FindDraftByContentHash(tx *gorm.DB, ctx context.Context, businessId string, contentHash string) (*DocumentDraft, error) {
	var result DocumentDraft
	err := tx.WithContext(ctx).
		Where("business_id = ? AND raw_content_hash = ?", businessId, contentHash).
		First(&result).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &result, nil
}

func ListPendingReviewDrafts(ctx context.Context, businessId string, limit int) ([]*DocumentDraft, error) {
	if limit <= 0 {
		limit = 200
	}
	db := config.GetDB()
	var drafts []*DocumentDraft
	if err := db.WithContext(ctx).
		Where("business_id = ? AND status = ?", businessId, DraftStatusPendingReview).
		Order("id ASC").
		Limit(limit).
		Find(&drafts).Error; err != nil {
		return nil, err
	}
	return drafts, nil
}
