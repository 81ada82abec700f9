package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/intake_backend/config"
	"bitbucket.org/mmdatafocus/intake_backend/utils"
	"github.com/google/uuid"
)

type Business struct {
	ID          uuid.UUID `gorm:"primary_key" json:"id"`
	Name        string    `gorm:"index;size:100;not null" json:"name" binding:"required"`
	ContactName string    `gorm:"size:100" json:"contact_name"`
	Email       string    `gorm:"size:255" json:"email"`
	Phone       string    `gorm:"size:20" json:"phone"`
	Country     string    `gorm:"size:100" json:"country"`
	Timezone    string    `gorm:"size:50" json:"timezone"`

	// InboundMailToken is the mailbox-hash routing token: inbound documents
	// addressed to intake+<token>@... resolve to this business.
	InboundMailToken string `gorm:"size:64;uniqueIndex;not null" json:"inbound_mail_token"`

	// AutoPostEnabled is the business-level toggle; the vendor-level toggle
	// and the platform feature flag must also be on for automatic posting.
	AutoPostEnabled *bool `gorm:"not null;default:true" json:"auto_post_enabled"`

	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBusiness struct {
	Name        string `json:"name" binding:"required"`
	ContactName string `json:"contact_name"`
	Email       string `json:"email" binding:"required"`
	Phone       string `json:"phone"`
	Country     string `json:"country"`
	Timezone    string `json:"timezone"`
}

func (business *Business) StoreRedis() error {
	return config.SetRedisObject("Business:"+fmt.Sprint(business.ID), business, 0)
}

func (business *Business) RemoveRedis() error {
	return config.RemoveRedisKey("Business:" + fmt.Sprint(business.ID))
}

func CreateBusiness(ctx context.Context, input *NewBusiness) (*Business, error) {
	if input.Name == "" {
		return nil, errors.New("business name is required")
	}
	if input.Email != "" && !utils.IsValidEmail(input.Email) {
		return nil, errors.New("invalid email")
	}
	if input.Phone != "" {
		if err := utils.ValidatePhoneNumber(input.Phone, utils.CountryCode); err != nil {
			return nil, errors.New("invalid phone number")
		}
	}

	business := Business{
		ID:               uuid.New(),
		Name:             input.Name,
		ContactName:      input.ContactName,
		Email:            input.Email,
		Phone:            input.Phone,
		Country:          input.Country,
		Timezone:         input.Timezone,
		InboundMailToken: newMailToken(),
		AutoPostEnabled:  utils.NewTrue(),
		IsActive:         utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&business).Error; err != nil {
		return nil, err
	}
	_ = business.StoreRedis()
	return &business, nil
}

// newMailToken derives a short routing token; dashes are stripped so the token
// survives mail providers that mangle plus-addresses.
func newMailToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

func GetBusinessById(ctx context.Context, businessId string) (*Business, error) {
	var business *Business
	exists, err := config.GetRedisObject("Business:"+businessId, &business)
	if err != nil {
		return nil, err
	}
	if exists && business != nil {
		return business, nil
	}

	db := config.GetDB()
	var result Business
	if err := db.WithContext(ctx).Where("id = ?", businessId).First(&result).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	_ = result.StoreRedis()
	return &result, nil
}

// GetBusinessByMailToken resolves the owning business for an inbound mailbox
// hash. Returns ErrorRecordNotFound for unknown addresses; the webhook treats
// that as a 200 no-op, not an error.
func GetBusinessByMailToken(ctx context.Context, token string) (*Business, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, utils.ErrorRecordNotFound
	}

	var business *Business
	exists, err := config.GetRedisObject("BusinessMailToken:"+token, &business)
	if err != nil {
		return nil, err
	}
	if exists && business != nil {
		return business, nil
	}

	db := config.GetDB()
	var result Business
	// Routing happens before any tenant is resolved.
	lookupCtx := utils.SetSkipTenantScopeInContext(ctx, true)
	if err := db.WithContext(lookupCtx).Where("inbound_mail_token = ?", token).First(&result).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	_ = config.SetRedisObject("BusinessMailToken:"+token, &result, 0)
	return &result, nil
}
