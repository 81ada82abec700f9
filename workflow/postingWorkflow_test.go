package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/intake_backend/models"
	"github.com/shopspring/decimal"
)

// In-memory repositories. Do snapshots state before fn and restores it when
// fn fails, mirroring transaction rollback.

type memState struct {
	mu        sync.Mutex
	drafts    map[int]*models.DocumentDraft
	vendors   map[int]*models.VendorProfile
	mappings  map[string]*models.VendorItemMapping
	ledger    []*models.FinancialTransaction
	inventory []*models.InventoryTransaction
	nextTxnId int
}

func newMemState() *memState {
	return &memState{
		drafts:    map[int]*models.DocumentDraft{},
		vendors:   map[int]*models.VendorProfile{},
		mappings:  map[string]*models.VendorItemMapping{},
		nextTxnId: 1,
	}
}

func mappingKey(vendorProfileId int, rawName string) string {
	return fmt.Sprintf("%d|%s", vendorProfileId, rawName)
}

func (s *memState) clone() *memState {
	out := newMemState()
	out.nextTxnId = s.nextTxnId
	for id, d := range s.drafts {
		copied := *d
		out.drafts[id] = &copied
	}
	for id, v := range s.vendors {
		copied := *v
		out.vendors[id] = &copied
	}
	for k, m := range s.mappings {
		copied := *m
		out.mappings[k] = &copied
	}
	for _, t := range s.ledger {
		copied := *t
		out.ledger = append(out.ledger, &copied)
	}
	for _, t := range s.inventory {
		copied := *t
		out.inventory = append(out.inventory, &copied)
	}
	return out
}

func (s *memState) restore(snapshot *memState) {
	s.drafts = snapshot.drafts
	s.vendors = snapshot.vendors
	s.mappings = snapshot.mappings
	s.ledger = snapshot.ledger
	s.inventory = snapshot.inventory
	s.nextTxnId = snapshot.nextTxnId
}

type memUoW struct{ state *memState }

func (u *memUoW) Do(ctx context.Context, fn func(r Repositories) error) error {
	u.state.mu.Lock()
	defer u.state.mu.Unlock()

	snapshot := u.state.clone()
	repos := Repositories{
		Drafts:    &memDraftRepo{state: u.state},
		Ledger:    &memLedgerRepo{state: u.state},
		Inventory: &memInventoryRepo{state: u.state},
		Mappings:  &memMappingRepo{state: u.state},
		Vendors:   &memVendorRepo{state: u.state},
	}
	if err := fn(repos); err != nil {
		u.state.restore(snapshot)
		return err
	}
	return nil
}

type memDraftRepo struct{ state *memState }

func (r *memDraftRepo) GetForUpdate(ctx context.Context, businessId string, draftId int) (*models.DocumentDraft, error) {
	d, ok := r.state.drafts[draftId]
	if !ok || d.BusinessId != businessId {
		return nil, nil
	}
	copied := *d
	return &copied, nil
}

func (r *memDraftRepo) Save(ctx context.Context, draft *models.DocumentDraft) error {
	copied := *draft
	r.state.drafts[draft.ID] = &copied
	return nil
}

type memLedgerRepo struct{ state *memState }

func (r *memLedgerRepo) CreateIdempotent(ctx context.Context, txn *models.FinancialTransaction) (int, error) {
	for _, existing := range r.state.ledger {
		if existing.BusinessId == txn.BusinessId && existing.Source == txn.Source && existing.ExternalId == txn.ExternalId {
			return existing.ID, nil
		}
	}
	copied := *txn
	copied.ID = r.state.nextTxnId
	r.state.nextTxnId++
	r.state.ledger = append(r.state.ledger, &copied)
	return copied.ID, nil
}

type memInventoryRepo struct{ state *memState }

func (r *memInventoryRepo) CreateMovement(ctx context.Context, movement *models.InventoryTransaction) error {
	copied := *movement
	copied.ID = len(r.state.inventory) + 1
	r.state.inventory = append(r.state.inventory, &copied)
	return nil
}

type memMappingRepo struct{ state *memState }

func (r *memMappingRepo) FindConfirmed(ctx context.Context, businessId string, vendorProfileId int, rawName string) (*models.VendorItemMapping, error) {
	m, ok := r.state.mappings[mappingKey(vendorProfileId, rawName)]
	if !ok || m.BusinessId != businessId || !m.Confirmed {
		return nil, nil
	}
	return m, nil
}

type memVendorRepo struct{ state *memState }

func (r *memVendorRepo) Get(ctx context.Context, businessId string, id int) (*models.VendorProfile, error) {
	v, ok := r.state.vendors[id]
	if !ok || v.BusinessId != businessId {
		return nil, nil
	}
	copied := *v
	return &copied, nil
}

func (r *memVendorRepo) Save(ctx context.Context, vendor *models.VendorProfile) error {
	copied := *vendor
	r.state.vendors[vendor.ID] = &copied
	return nil
}

const testBusinessId = "biz-1"

func pendingDraft(state *memState, id int, vendorId *int) *models.DocumentDraft {
	draft := &models.DocumentDraft{
		ID:              id,
		BusinessId:      testBusinessId,
		Status:          models.DraftStatusPendingReview,
		VendorName:      strPtr("Acme Produce"),
		Date:            strPtr("2026-02-24"),
		Total:           decPtr("22.60"),
		Tax:             decPtr("2.60"),
		VendorProfileId: vendorId,
		LineItems: models.LineItemList{
			{Description: "Organic Apples", Quantity: decPtr("2"), UnitCost: decPtr("3.50"), LineTotal: decPtr("7.00")},
			{Description: "Whole Milk", LineTotal: decPtr("13.00")},
		},
	}
	state.drafts[id] = draft
	return draft
}

func newService(state *memState) *PostingService {
	return NewPostingService(&memUoW{state: state}, nil)
}

func TestPostDraftIdempotence(t *testing.T) {
	state := newMemState()
	vendor := vendorWithThreshold(5, 0, false)
	state.vendors[vendor.ID] = vendor
	pendingDraft(state, 10, intPtr(vendor.ID))
	state.mappings[mappingKey(vendor.ID, "organic apples")] = &models.VendorItemMapping{
		BusinessId: testBusinessId, VendorProfileId: vendor.ID, RawName: "organic apples",
		InventoryItemId: 77, Confirmed: true,
	}

	svc := newService(state)
	first, err := svc.PostDraft(context.Background(), testBusinessId, 10, 42, false)
	if err != nil {
		t.Fatal(err)
	}
	if first.FinancialTransactionId == 0 {
		t.Fatal("expected a ledger id")
	}
	if first.InventoryTransactionsCreated != 1 {
		t.Fatalf("got %d inventory transactions, want 1 (only the mapped item)", first.InventoryTransactionsCreated)
	}

	second, err := svc.PostDraft(context.Background(), testBusinessId, 10, 42, false)
	if err != nil {
		t.Fatal(err)
	}
	if second.FinancialTransactionId != first.FinancialTransactionId {
		t.Fatalf("got %d, want the same ledger id %d", second.FinancialTransactionId, first.FinancialTransactionId)
	}
	if second.InventoryTransactionsCreated != 0 {
		t.Fatalf("repeat post created %d inventory transactions", second.InventoryTransactionsCreated)
	}
	if len(state.ledger) != 1 || len(state.inventory) != 1 {
		t.Fatalf("got %d ledger / %d inventory rows, want 1/1", len(state.ledger), len(state.inventory))
	}
}

func TestPostDraftStateMachineLegality(t *testing.T) {
	state := newMemState()
	draft := pendingDraft(state, 10, nil)
	draft.Status = models.DraftStatusDraft

	svc := newService(state)
	_, err := svc.PostDraft(context.Background(), testBusinessId, 10, 42, false)
	if !errors.Is(err, ErrDraftNotPostable) {
		t.Fatalf("got %v, want ErrDraftNotPostable", err)
	}
	if len(state.ledger) != 0 {
		t.Fatal("failed post must leave storage unmodified")
	}
	if state.drafts[10].Status != models.DraftStatusDraft {
		t.Fatalf("got status %s, want unchanged draft", state.drafts[10].Status)
	}
}

func TestPostDraftNotFound(t *testing.T) {
	svc := newService(newMemState())
	_, err := svc.PostDraft(context.Background(), testBusinessId, 999, 42, false)
	if !errors.Is(err, ErrDraftNotFound) {
		t.Fatalf("got %v, want ErrDraftNotFound", err)
	}
}

func TestPostDraftLedgerImmutability(t *testing.T) {
	state := newMemState()
	pendingDraft(state, 10, nil)
	// A row for this draft already exists with a different amount.
	state.ledger = append(state.ledger, &models.FinancialTransaction{
		ID: 5, BusinessId: testBusinessId,
		Source: models.FinancialTransactionSourceDocumentIntake, ExternalId: "10",
		Amount: decimal.RequireFromString("999.99"),
	})
	state.nextTxnId = 6

	svc := newService(state)
	result, err := svc.PostDraft(context.Background(), testBusinessId, 10, 42, false)
	if err != nil {
		t.Fatal(err)
	}
	if result.FinancialTransactionId != 5 {
		t.Fatalf("got id %d, want the pre-existing row's id", result.FinancialTransactionId)
	}
	if !state.ledger[0].Amount.Equal(decimal.RequireFromString("999.99")) {
		t.Fatal("existing ledger rows must never be rewritten")
	}
	if len(state.ledger) != 1 {
		t.Fatalf("got %d ledger rows, want 1", len(state.ledger))
	}
}

func TestPostDraftStampsAndAutoPostedFlag(t *testing.T) {
	state := newMemState()
	pendingDraft(state, 10, nil)

	svc := newService(state)
	if _, err := svc.PostDraft(context.Background(), testBusinessId, 10, SystemUserId, true); err != nil {
		t.Fatal(err)
	}

	posted := state.drafts[10]
	if posted.Status != models.DraftStatusPosted {
		t.Fatalf("got status %s", posted.Status)
	}
	if !posted.AutoPosted {
		t.Fatal("auto_posted flag must be stored as passed")
	}
	if posted.PostedAt == nil || posted.PostedByUserId == nil || *posted.PostedByUserId != SystemUserId {
		t.Fatal("posted_at and posted_by_user_id must be stamped")
	}
	if posted.FinancialTransactionId == nil {
		t.Fatal("financial_transaction_id must be set")
	}
}

func TestPostDraftInventoryDerivation(t *testing.T) {
	state := newMemState()
	vendor := vendorWithThreshold(5, 0, false)
	state.vendors[vendor.ID] = vendor

	draft := pendingDraft(state, 10, intPtr(vendor.ID))
	draft.LineItems = models.LineItemList{
		// No quantity: defaults to 1, unit cost = line total.
		{Description: "Crate Rental", LineTotal: decPtr("15.00")},
		// No line total: derived unit*qty.
		{Description: "Delivery Fee", Quantity: decPtr("3"), UnitCost: decPtr("2.00")},
		// No mapping: ledger only.
		{Description: "Unmapped Thing", LineTotal: decPtr("4.00")},
	}
	for _, raw := range []string{"crate rental", "delivery fee"} {
		state.mappings[mappingKey(vendor.ID, raw)] = &models.VendorItemMapping{
			BusinessId: testBusinessId, VendorProfileId: vendor.ID, RawName: raw,
			InventoryItemId: 70, Confirmed: true,
		}
	}

	svc := newService(state)
	result, err := svc.PostDraft(context.Background(), testBusinessId, 10, 42, false)
	if err != nil {
		t.Fatal(err)
	}
	if result.InventoryTransactionsCreated != 2 {
		t.Fatalf("got %d movements, want 2", result.InventoryTransactionsCreated)
	}

	crate := state.inventory[0]
	if !crate.Quantity.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("got quantity %s, want default 1", crate.Quantity)
	}
	if !crate.UnitCost.Equal(decimal.RequireFromString("15.00")) {
		t.Fatalf("got unit cost %s, want 15.00", crate.UnitCost)
	}

	delivery := state.inventory[1]
	if !delivery.LineTotal.Equal(decimal.RequireFromString("6.00")) {
		t.Fatalf("got line total %s, want derived 6.00", delivery.LineTotal)
	}
}

func TestPostDraftAdvancesVendorTrust(t *testing.T) {
	state := newMemState()
	vendor := vendorWithThreshold(2, 1, false)
	state.vendors[vendor.ID] = vendor
	pendingDraft(state, 10, intPtr(vendor.ID))

	svc := newService(state)
	if _, err := svc.PostDraft(context.Background(), testBusinessId, 10, 42, false); err != nil {
		t.Fatal(err)
	}

	saved := state.vendors[vendor.ID]
	if saved.TotalPosted != 2 {
		t.Fatalf("got total_posted %d, want 2", saved.TotalPosted)
	}
	if saved.TrustState != models.TrustStateTrusted {
		t.Fatalf("got state %s, want trusted (threshold reached in the posting transaction)", saved.TrustState)
	}
}

func TestPostDraftBlockedVendorCountersUntouched(t *testing.T) {
	state := newMemState()
	vendor := vendorWithThreshold(2, 5, false)
	vendor.TrustState = models.TrustStateBlocked
	state.vendors[vendor.ID] = vendor
	pendingDraft(state, 10, intPtr(vendor.ID))

	svc := newService(state)
	if _, err := svc.PostDraft(context.Background(), testBusinessId, 10, 42, false); err != nil {
		t.Fatal(err)
	}
	if state.vendors[vendor.ID].TotalPosted != 5 {
		t.Fatal("posting a blocked vendor's document must not mutate trust")
	}
}

func TestRejectDraft(t *testing.T) {
	state := newMemState()
	vendor := vendorWithThreshold(2, 1, false)
	state.vendors[vendor.ID] = vendor
	pendingDraft(state, 10, intPtr(vendor.ID))

	svc := newService(state)
	if err := svc.RejectDraft(context.Background(), testBusinessId, 10, 42); err != nil {
		t.Fatal(err)
	}
	if state.drafts[10].Status != models.DraftStatusRejected {
		t.Fatalf("got status %s", state.drafts[10].Status)
	}
	if state.vendors[vendor.ID].TotalPosted != 1 {
		t.Fatal("rejection must not touch vendor trust counters")
	}

	// Terminal states cannot be rejected again.
	if err := svc.RejectDraft(context.Background(), testBusinessId, 10, 42); !errors.Is(err, ErrDraftNotRejectable) {
		t.Fatalf("got %v, want ErrDraftNotRejectable", err)
	}
}

func TestRejectDraftAllowedFromDraftStatus(t *testing.T) {
	state := newMemState()
	draft := pendingDraft(state, 10, nil)
	draft.Status = models.DraftStatusDraft

	svc := newService(state)
	if err := svc.RejectDraft(context.Background(), testBusinessId, 10, 42); err != nil {
		t.Fatal(err)
	}
	if state.drafts[10].Status != models.DraftStatusRejected {
		t.Fatalf("got status %s", state.drafts[10].Status)
	}
}

func TestPostDraftConcurrentCallsSettleOnOneLedgerRow(t *testing.T) {
	state := newMemState()
	pendingDraft(state, 10, nil)
	svc := newService(state)

	const callers = 8
	results := make([]*PostDraftResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.PostDraft(context.Background(), testBusinessId, 10, 42, false)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatal(errs[i])
		}
		if results[i].FinancialTransactionId != results[0].FinancialTransactionId {
			t.Fatal("all callers must observe the same ledger id")
		}
	}
	if len(state.ledger) != 1 {
		t.Fatalf("got %d ledger rows, want exactly 1", len(state.ledger))
	}
}

// A draft repository whose reads fail, standing in for a database outage.

type unavailableDraftRepo struct{ err error }

func (r *unavailableDraftRepo) GetForUpdate(ctx context.Context, businessId string, draftId int) (*models.DocumentDraft, error) {
	return nil, r.err
}

func (r *unavailableDraftRepo) Save(ctx context.Context, draft *models.DocumentDraft) error {
	return r.err
}

type unavailableDraftUoW struct{ err error }

func (u *unavailableDraftUoW) Do(ctx context.Context, fn func(r Repositories) error) error {
	return fn(Repositories{Drafts: &unavailableDraftRepo{err: u.err}})
}

func TestPostDraftStorageFailureIsNotNotFound(t *testing.T) {
	storageErr := errors.New("dial tcp 10.0.0.5:3306: connect: connection refused")
	svc := NewPostingService(&unavailableDraftUoW{err: storageErr}, nil)

	_, err := svc.PostDraft(context.Background(), testBusinessId, 10, 42, false)
	if errors.Is(err, ErrDraftNotFound) {
		t.Fatal("a storage failure must not be reported as a missing draft")
	}
	if !errors.Is(err, storageErr) {
		t.Fatalf("got %v, want the storage error surfaced unchanged", err)
	}

	err = svc.RejectDraft(context.Background(), testBusinessId, 10, 42)
	if errors.Is(err, ErrDraftNotFound) {
		t.Fatal("a storage failure must not be reported as a missing draft")
	}
	if !errors.Is(err, storageErr) {
		t.Fatalf("got %v, want the storage error surfaced unchanged", err)
	}
}
