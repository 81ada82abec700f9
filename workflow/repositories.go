package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/intake_backend/models"
)

// Narrow per-concern repositories. The posting service only ever sees these,
// so its semantics are testable against in-memory fakes with no database.

type DraftRepository interface {
	GetForUpdate(ctx context.Context, businessId string, draftId int) (*models.DocumentDraft, error)
	Save(ctx context.Context, draft *models.DocumentDraft) error
}

type LedgerRepository interface {
	// CreateIdempotent inserts the transaction unless a row with the same
	// (business_id, source, external_id) already exists, in which case the
	// existing row's id is returned and nothing is written. Existing rows
	// are never updated.
	CreateIdempotent(ctx context.Context, txn *models.FinancialTransaction) (int, error)
}

type InventoryRepository interface {
	CreateMovement(ctx context.Context, movement *models.InventoryTransaction) error
}

type MappingRepository interface {
	// FindConfirmed returns nil (no error) when no confirmed mapping exists
	// for the normalized raw name.
	FindConfirmed(ctx context.Context, businessId string, vendorProfileId int, rawName string) (*models.VendorItemMapping, error)
}

type VendorRepository interface {
	Get(ctx context.Context, businessId string, id int) (*models.VendorProfile, error)
	Save(ctx context.Context, vendor *models.VendorProfile) error
}

// Repositories bundles the narrow interfaces for one unit of work.
type Repositories struct {
	Drafts    DraftRepository
	Ledger    LedgerRepository
	Inventory InventoryRepository
	Mappings  MappingRepository
	Vendors   VendorRepository
}

// UnitOfWork runs fn atomically: every repository call inside fn commits or
// rolls back together.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(r Repositories) error) error
}
