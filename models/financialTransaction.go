package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const FinancialTransactionSourceDocumentIntake = "document_intake"

// FinancialTransaction is an append-only ledger entry. Rows are never mutated
// after creation; the unique (business_id, source, external_id) key is what
// makes document posting idempotent, including under concurrent retries.
type FinancialTransaction struct {
	ID         int    `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"size:64;not null;index:uniq_fin_ext,unique" json:"business_id"`
	Source     string `gorm:"size:40;not null;index:uniq_fin_ext,unique" json:"source"`
	// ExternalId is the originating record's identifier within Source
	// (for document intake: the draft id).
	ExternalId string `gorm:"size:64;not null;index:uniq_fin_ext,unique" json:"external_id"`

	VendorProfileId *int            `gorm:"index" json:"vendor_profile_id"`
	Description     string          `gorm:"size:500" json:"description"`
	Amount          decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Tax             decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"tax"`
	OccurredAt      time.Time       `gorm:"not null" json:"occurred_at"`
	CreatedByUserId int             `json:"created_by_user_id"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// InventoryTransaction is one append-only stock movement created from a
// posted document line item with a confirmed vendor item mapping.
type InventoryTransaction struct {
	ID              int             `gorm:"primary_key" json:"id"`
	BusinessId      string          `gorm:"size:64;not null;index" json:"business_id"`
	InventoryItemId int             `gorm:"not null;index" json:"inventory_item_id"`
	MovementType    string          `gorm:"size:20;not null;default:'purchase'" json:"movement_type"`
	Quantity        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	UnitCost        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_cost"`
	LineTotal       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"line_total"`
	SourceDraftId   int             `gorm:"not null;index" json:"source_draft_id"`
	OccurredAt      time.Time       `gorm:"not null" json:"occurred_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
