package models

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/intake_backend/config"
	"bitbucket.org/mmdatafocus/intake_backend/utils"
	"gorm.io/gorm"
)

const maxVendorAliases = 20

// VendorProfile is one distinct supplier per business, created lazily on the
// first document that matches no existing profile.
//
// TrustState only advances unverified -> learning -> trusted automatically.
// Blocked is terminal, reachable only through the explicit block operation,
// and excluded from any further automatic mutation.
type VendorProfile struct {
	ID             int    `gorm:"primary_key" json:"id"`
	BusinessId     string `gorm:"size:64;not null;index:uniq_vendor_name,unique" json:"business_id"`
	Name           string `gorm:"size:255;not null" json:"name"`
	NormalizedName string `gorm:"size:255;not null;index:uniq_vendor_name,unique" json:"normalized_name"`

	Aliases      StringList `gorm:"type:json" json:"aliases"`
	ContactEmail string     `gorm:"size:255" json:"contact_email"`
	ContactPhone string     `gorm:"size:30" json:"contact_phone"`

	TrustState             TrustState `gorm:"size:20;not null;default:'unverified'" json:"trust_state"`
	TotalPosted            int        `gorm:"not null;default:0" json:"total_posted"`
	TrustThresholdOverride *int       `json:"trust_threshold_override"`
	AutoPostEnabled        bool       `gorm:"not null;default:false" json:"auto_post_enabled"`
	TrustThresholdMetAt    *time.Time `json:"trust_threshold_met_at"`
	LastDocumentAt         *time.Time `json:"last_document_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// EffectiveTrustThreshold returns the vendor override when set, else the
// platform default.
func (v *VendorProfile) EffectiveTrustThreshold() int {
	if v.TrustThresholdOverride != nil && *v.TrustThresholdOverride > 0 {
		return *v.TrustThresholdOverride
	}
	return config.GlobalTrustThreshold()
}

// MatchesName reports whether name matches the vendor's primary name or any
// alias, case-insensitively.
func (v *VendorProfile) MatchesName(name string) bool {
	n := utils.NormalizeItemName(name)
	if n == "" {
		return false
	}
	if n == v.NormalizedName {
		return true
	}
	for _, alias := range v.Aliases {
		if n == utils.NormalizeItemName(alias) {
			return true
		}
	}
	return false
}

// AddAlias records an alternate spelling, bounded so a noisy parser cannot
// grow the list without limit.
func (v *VendorProfile) AddAlias(alias string) bool {
	alias = strings.TrimSpace(alias)
	if alias == "" || v.MatchesName(alias) {
		return false
	}
	if len(v.Aliases) >= maxVendorAliases {
		return false
	}
	v.Aliases = append(v.Aliases, alias)
	return true
}

func GetVendorProfile(ctx context.Context, businessId string, id int) (*VendorProfile, error) {
	db := config.GetDB()
	var result VendorProfile
	if err := db.WithContext(ctx).
		Where("business_id = ? AND id = ?", businessId, id).
		First(&result).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

// FindVendorProfileByName matches the primary name first, then scans aliases.
// Alias lists are short and per-business vendor counts are small, so the scan
// stays in the app rather than in JSON SQL.
func FindVendorProfileByName(tx *gorm.DB, ctx context.Context, businessId string, name string) (*VendorProfile, error) {
	normalized := utils.NormalizeItemName(name)
	if normalized == "" {
		return nil, nil
	}

	var result VendorProfile
	err := tx.WithContext(ctx).
		Where("business_id = ? AND normalized_name = ?", businessId, normalized).
		First(&result).Error
	if err == nil {
		return &result, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	var all []*VendorProfile
	if err := tx.WithContext(ctx).
		Where("business_id = ?", businessId).
		Find(&all).Error; err != nil {
		return nil, err
	}
	for _, v := range all {
		if v.MatchesName(name) {
			return v, nil
		}
	}
	return nil, nil
}

// BlockVendorProfile is the only path into TrustState blocked. It disables
// auto-posting in the same update.
func BlockVendorProfile(ctx context.Context, businessId string, id int) error {
	db := config.GetDB()
	result := db.WithContext(ctx).
		Model(&VendorProfile{}).
		Where("business_id = ? AND id = ?", businessId, id).
		Updates(map[string]interface{}{
			"trust_state":       TrustStateBlocked,
			"auto_post_enabled": false,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}
