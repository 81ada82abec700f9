package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/intake_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormUnitOfWork wraps db.Transaction: all repositories handed to fn share
// one transaction handle.
type GormUnitOfWork struct {
	DB *gorm.DB
}

func NewGormUnitOfWork(db *gorm.DB) *GormUnitOfWork {
	return &GormUnitOfWork{DB: db}
}

func (u *GormUnitOfWork) Do(ctx context.Context, fn func(r Repositories) error) error {
	return u.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(Repositories{
			Drafts:    &gormDraftRepository{tx: tx},
			Ledger:    &gormLedgerRepository{tx: tx},
			Inventory: &gormInventoryRepository{tx: tx},
			Mappings:  &gormMappingRepository{tx: tx},
			Vendors:   &gormVendorRepository{tx: tx},
		})
	})
}

type gormDraftRepository struct{ tx *gorm.DB }

func (r *gormDraftRepository) GetForUpdate(ctx context.Context, businessId string, draftId int) (*models.DocumentDraft, error) {
	var draft models.DocumentDraft
	err := r.tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND id = ?", businessId, draftId).
		First(&draft).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &draft, nil
}

func (r *gormDraftRepository) Save(ctx context.Context, draft *models.DocumentDraft) error {
	return r.tx.WithContext(ctx).Save(draft).Error
}

type gormLedgerRepository struct{ tx *gorm.DB }

// CreateIdempotent relies on the unique (business_id, source, external_id)
// key. DoNothing on conflict preserves the existing row byte for byte; the
// re-read resolves which id won the race.
func (r *gormLedgerRepository) CreateIdempotent(ctx context.Context, txn *models.FinancialTransaction) (int, error) {
	result := r.tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(txn)
	if result.Error != nil {
		if !isDuplicateKeyErr(result.Error) {
			return 0, result.Error
		}
	} else if result.RowsAffected > 0 {
		return txn.ID, nil
	}

	var existing models.FinancialTransaction
	if err := r.tx.WithContext(ctx).
		Where("business_id = ? AND source = ? AND external_id = ?", txn.BusinessId, txn.Source, txn.ExternalId).
		First(&existing).Error; err != nil {
		return 0, err
	}
	return existing.ID, nil
}

type gormInventoryRepository struct{ tx *gorm.DB }

func (r *gormInventoryRepository) CreateMovement(ctx context.Context, movement *models.InventoryTransaction) error {
	return r.tx.WithContext(ctx).Create(movement).Error
}

type gormMappingRepository struct{ tx *gorm.DB }

func (r *gormMappingRepository) FindConfirmed(ctx context.Context, businessId string, vendorProfileId int, rawName string) (*models.VendorItemMapping, error) {
	return models.FindConfirmedItemMapping(r.tx, ctx, businessId, vendorProfileId, rawName)
}

type gormVendorRepository struct{ tx *gorm.DB }

func (r *gormVendorRepository) Get(ctx context.Context, businessId string, id int) (*models.VendorProfile, error) {
	var vendor models.VendorProfile
	err := r.tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND id = ?", businessId, id).
		First(&vendor).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &vendor, nil
}

func (r *gormVendorRepository) Save(ctx context.Context, vendor *models.VendorProfile) error {
	return r.tx.WithContext(ctx).Save(vendor).Error
}

// GormVendorHistory answers the anomaly detectors' questions from posted
// drafts.
type GormVendorHistory struct {
	DB *gorm.DB
}

func (h *GormVendorHistory) RecentPostedTotals(ctx context.Context, businessId string, vendorProfileId int, limit int) ([]decimal.Decimal, error) {
	var totals []decimal.Decimal
	err := h.DB.WithContext(ctx).
		Model(&models.DocumentDraft{}).
		Where("business_id = ? AND vendor_profile_id = ? AND status = ? AND total IS NOT NULL",
			businessId, vendorProfileId, models.DraftStatusPosted).
		Order("posted_at DESC").
		Limit(limit).
		Pluck("total", &totals).Error
	return totals, err
}

func (h *GormVendorHistory) RecentPostedLineCounts(ctx context.Context, businessId string, vendorProfileId int, limit int) ([]int, error) {
	var drafts []models.DocumentDraft
	err := h.DB.WithContext(ctx).
		Select("line_items").
		Where("business_id = ? AND vendor_profile_id = ? AND status = ?",
			businessId, vendorProfileId, models.DraftStatusPosted).
		Order("posted_at DESC").
		Limit(limit).
		Find(&drafts).Error
	if err != nil {
		return nil, err
	}
	counts := make([]int, 0, len(drafts))
	for _, d := range drafts {
		counts = append(counts, len(d.LineItems))
	}
	return counts, nil
}

func (h *GormVendorHistory) PostedTotalExistsNear(ctx context.Context, businessId string, vendorProfileId int, total decimal.Decimal, date time.Time, window time.Duration) (bool, error) {
	var count int64
	err := h.DB.WithContext(ctx).
		Model(&models.DocumentDraft{}).
		Where("business_id = ? AND vendor_profile_id = ? AND status = ? AND total = ? AND posted_at BETWEEN ? AND ?",
			businessId, vendorProfileId, models.DraftStatusPosted, total,
			date.Add(-window), date.Add(window)).
		Count(&count).Error
	return count > 0, err
}
