package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/intake_backend/config"
	"gorm.io/gorm"
)

// VendorItemMapping links a vendor's raw line-item wording to an inventory
// item. Only confirmed mappings produce stock movements at posting time;
// unmapped items post to the ledger only.
type VendorItemMapping struct {
	ID              int    `gorm:"primary_key" json:"id"`
	BusinessId      string `gorm:"size:64;not null;index:uniq_vendor_item,unique" json:"business_id"`
	VendorProfileId int    `gorm:"not null;index:uniq_vendor_item,unique" json:"vendor_profile_id"`
	RawName         string `gorm:"size:255;not null;index:uniq_vendor_item,unique" json:"raw_name"` // normalized: trim+lowercase
	InventoryItemId int    `gorm:"not null" json:"inventory_item_id"`
	Confirmed       bool   `gorm:"not null;default:false" json:"confirmed"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// FindConfirmedItemMapping looks up a confirmed mapping by normalized raw name.
// Returns nil (no error) when absent.
func FindConfirmedItemMapping(tx *gorm.DB, ctx context.Context, businessId string, vendorProfileId int, rawName string) (*VendorItemMapping, error) {
	var result VendorItemMapping
	err := tx.WithContext(ctx).
		Where("business_id = ? AND vendor_profile_id = ? AND raw_name = ? AND confirmed = ?",
			businessId, vendorProfileId, rawName, true).
		First(&result).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &result, nil
}

func ListVendorItemMappings(ctx context.Context, businessId string, vendorProfileId int) ([]*VendorItemMapping, error) {
	db := config.GetDB()
	var mappings []*VendorItemMapping
	if err := db.WithContext(ctx).
		Where("business_id = ? AND vendor_profile_id = ?", businessId, vendorProfileId).
		Order("raw_name ASC").
		Find(&mappings).Error; err != nil {
		return nil, err
	}
	return mappings, nil
}
