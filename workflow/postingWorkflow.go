package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/intake_backend/models"
	"bitbucket.org/mmdatafocus/intake_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	ErrDraftNotFound      = errors.New("Document draft not found")
	ErrDraftNotPostable   = errors.New("Only pending_review document drafts can be posted")
	ErrDraftNotRejectable = errors.New("Only pending_review or draft document drafts can be rejected")
)

type PostDraftResult struct {
	FinancialTransactionId       int `json:"financialTransactionId"`
	InventoryTransactionsCreated int `json:"inventoryTransactionsCreated"`
}

// PostingService transitions drafts to their terminal states. All work for
// one call happens inside a single unit of work; retries are made safe by the
// idempotency short-circuit plus the ledger's unique external-id key, not by
// locking.
type PostingService struct {
	UoW    UnitOfWork
	Logger *logrus.Logger
}

func NewPostingService(uow UnitOfWork, logger *logrus.Logger) *PostingService {
	return &PostingService{UoW: uow, Logger: logger}
}

// PostDraft posts one draft to the ledger exactly once.
func (s *PostingService) PostDraft(ctx context.Context, businessId string, draftId int, userId int, autoPosted bool) (*PostDraftResult, error) {
	var result PostDraftResult
	err := s.UoW.Do(ctx, func(r Repositories) error {
		draft, err := r.Drafts.GetForUpdate(ctx, businessId, draftId)
		if err != nil {
			return err
		}
		if draft == nil {
			return ErrDraftNotFound
		}

		// Retries, double-clicks and duplicate auto-post triggers all stop
		// here.
		if draft.FinancialTransactionId != nil {
			result.FinancialTransactionId = *draft.FinancialTransactionId
			return nil
		}

		if draft.Status != models.DraftStatusPendingReview {
			return ErrDraftNotPostable
		}

		now := time.Now().UTC()
		txnId, err := r.Ledger.CreateIdempotent(ctx, buildFinancialTransaction(draft, userId, now))
		if err != nil {
			return err
		}
		result.FinancialTransactionId = txnId

		if draft.VendorProfileId != nil {
			created, err := s.createStockMovements(ctx, r, draft, now)
			if err != nil {
				return err
			}
			result.InventoryTransactionsCreated = created
		}

		draft.Status = models.DraftStatusPosted
		draft.FinancialTransactionId = &txnId
		draft.AutoPosted = autoPosted
		draft.PostedAt = &now
		draft.PostedByUserId = &userId
		if err := r.Drafts.Save(ctx, draft); err != nil {
			return err
		}

		if draft.VendorProfileId != nil {
			vendor, err := r.Vendors.Get(ctx, businessId, *draft.VendorProfileId)
			if err != nil {
				return err
			}
			if vendor != nil && vendor.TrustState != models.TrustStateBlocked {
				AdvanceTrustOnPost(vendor, now)
				if err := r.Vendors.Save(ctx, vendor); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"business_id":              businessId,
			"draft_id":                 draftId,
			"financial_transaction_id": result.FinancialTransactionId,
			"inventory_created":        result.InventoryTransactionsCreated,
			"auto_posted":              autoPosted,
		}).Info("document draft posted")
	}
	return &result, nil
}

func buildFinancialTransaction(draft *models.DocumentDraft, userId int, now time.Time) *models.FinancialTransaction {
	amount := decimal.Zero
	if draft.Total != nil {
		amount = *draft.Total
	}
	tax := decimal.Zero
	if draft.Tax != nil {
		tax = *draft.Tax
	}

	occurredAt := now
	if draft.Date != nil {
		if parsed, err := time.Parse("2006-01-02", *draft.Date); err == nil {
			occurredAt = parsed
		}
	}

	description := utils.DereferencePtr(draft.VendorName, "")
	if description == "" {
		description = draft.Subject
	}
	if description == "" {
		description = fmt.Sprintf("document draft %d", draft.ID)
	}

	return &models.FinancialTransaction{
		BusinessId:      draft.BusinessId,
		Source:          models.FinancialTransactionSourceDocumentIntake,
		ExternalId:      strconv.Itoa(draft.ID),
		VendorProfileId: draft.VendorProfileId,
		Description:     description,
		Amount:          amount,
		Tax:             tax,
		OccurredAt:      occurredAt,
		CreatedByUserId: userId,
	}
}

// createStockMovements creates one purchase movement per line item with a
// confirmed vendor item mapping. Unmapped items post to the ledger only.
func (s *PostingService) createStockMovements(ctx context.Context, r Repositories, draft *models.DocumentDraft, now time.Time) (int, error) {
	created := 0
	for _, item := range draft.LineItems {
		rawName := utils.NormalizeItemName(item.Description)
		if rawName == "" {
			continue
		}
		mapping, err := r.Mappings.FindConfirmed(ctx, draft.BusinessId, *draft.VendorProfileId, rawName)
		if err != nil {
			return created, err
		}
		if mapping == nil {
			continue
		}

		quantity := decimal.NewFromInt(1)
		if item.Quantity != nil && item.Quantity.IsPositive() {
			quantity = *item.Quantity
		}

		var unitCost decimal.Decimal
		switch {
		case item.UnitCost != nil:
			unitCost = *item.UnitCost
		case item.LineTotal != nil:
			unitCost = utils.RoundToCents(item.LineTotal.Div(quantity))
		}

		var lineTotal decimal.Decimal
		if item.LineTotal != nil {
			lineTotal = *item.LineTotal
		} else {
			lineTotal = utils.RoundToCents(unitCost.Mul(quantity))
		}

		movement := &models.InventoryTransaction{
			BusinessId:      draft.BusinessId,
			InventoryItemId: mapping.InventoryItemId,
			MovementType:    "purchase",
			Quantity:        quantity,
			UnitCost:        unitCost,
			LineTotal:       lineTotal,
			SourceDraftId:   draft.ID,
			OccurredAt:      now,
		}
		if err := r.Inventory.CreateMovement(ctx, movement); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// RejectDraft moves a draft to rejected. It never touches vendor trust
// counters; rejection is not a trust signal.
func (s *PostingService) RejectDraft(ctx context.Context, businessId string, draftId int, userId int) error {
	return s.UoW.Do(ctx, func(r Repositories) error {
		draft, err := r.Drafts.GetForUpdate(ctx, businessId, draftId)
		if err != nil {
			return err
		}
		if draft == nil {
			return ErrDraftNotFound
		}
		if draft.Status != models.DraftStatusPendingReview && draft.Status != models.DraftStatusDraft {
			return ErrDraftNotRejectable
		}
		draft.Status = models.DraftStatusRejected
		return r.Drafts.Save(ctx, draft)
	})
}
