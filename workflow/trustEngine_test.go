package workflow

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/intake_backend/models"
	"github.com/shopspring/decimal"
)

func intPtr(n int) *int { return &n }

func floatPtr(f float64) *float64 { return &f }

func strPtr(s string) *string { return &s }

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func vendorWithThreshold(threshold int, totalPosted int, autoPost bool) *models.VendorProfile {
	return &models.VendorProfile{
		ID:                     1,
		BusinessId:             "biz-1",
		Name:                   "Acme Produce",
		NormalizedName:         "acme produce",
		TrustState:             models.TrustStateLearning,
		TotalPosted:            totalPosted,
		TrustThresholdOverride: intPtr(threshold),
		AutoPostEnabled:        autoPost,
	}
}

func TestEligibilityReasonPriority(t *testing.T) {
	cases := []struct {
		name       string
		vendor     *models.VendorProfile
		score      *float64
		flags      models.AnomalyFlagList
		wantReason EligibilityReason
	}{
		{
			name:       "vendor toggle off beats everything",
			vendor:     vendorWithThreshold(2, 10, false),
			score:      floatPtr(0.95),
			wantReason: ReasonAutoPostDisabled,
		},
		{
			name:       "below threshold before confidence",
			vendor:     vendorWithThreshold(5, 3, true),
			score:      floatPtr(0.2),
			wantReason: ReasonBelowTrustThreshold,
		},
		{
			name:       "low confidence",
			vendor:     vendorWithThreshold(2, 10, true),
			score:      floatPtr(0.4),
			wantReason: ReasonLowConfidence,
		},
		{
			name:       "nil confidence counts as low",
			vendor:     vendorWithThreshold(2, 10, true),
			score:      nil,
			wantReason: ReasonLowConfidence,
		},
		{
			name:       "anomaly last",
			vendor:     vendorWithThreshold(2, 10, true),
			score:      floatPtr(0.95),
			flags:      models.AnomalyFlagList{models.AnomalyFlagLargeTotal},
			wantReason: ReasonAnomalyDetected,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eligible, reason := EvaluateAutoPostEligibility(tc.vendor, tc.score, tc.flags)
			if eligible {
				t.Fatal("expected ineligible")
			}
			if reason != tc.wantReason {
				t.Fatalf("got reason %q, want %q", reason, tc.wantReason)
			}
		})
	}
}

func TestEligibilityParserFlagsDoNotBlock(t *testing.T) {
	vendor := vendorWithThreshold(2, 10, true)
	flags := models.AnomalyFlagList{models.AnomalyFlagLineItemsMissing}
	eligible, reason := EvaluateAutoPostEligibility(vendor, floatPtr(0.95), flags)
	if !eligible {
		t.Fatalf("parser presence flag should not block, got %q", reason)
	}
}

func TestTrustPromotionBoundary(t *testing.T) {
	now := time.Now().UTC()

	vendor := vendorWithThreshold(2, 0, false)
	vendor.TrustState = models.TrustStateUnverified

	AdvanceTrustOnPost(vendor, now)
	if vendor.TotalPosted != 1 {
		t.Fatalf("got total_posted %d, want 1", vendor.TotalPosted)
	}
	if vendor.TrustState != models.TrustStateLearning {
		t.Fatalf("got state %s, want learning", vendor.TrustState)
	}
	if vendor.TrustThresholdMetAt != nil {
		t.Fatal("threshold met timestamp must not be stamped below the boundary")
	}

	AdvanceTrustOnPost(vendor, now)
	if vendor.TotalPosted != 2 {
		t.Fatalf("got total_posted %d, want 2", vendor.TotalPosted)
	}
	if vendor.TrustState != models.TrustStateTrusted {
		t.Fatalf("got state %s, want trusted at the boundary", vendor.TrustState)
	}
	if !vendor.AutoPostEnabled {
		t.Fatal("promotion must enable auto posting")
	}
	if vendor.TrustThresholdMetAt == nil {
		t.Fatal("threshold met timestamp must be stamped on promotion")
	}
}

func TestTrustThresholdMetAtStampedOnce(t *testing.T) {
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	vendor := vendorWithThreshold(1, 0, false)
	AdvanceTrustOnPost(vendor, first)
	if vendor.TrustThresholdMetAt == nil || !vendor.TrustThresholdMetAt.Equal(first) {
		t.Fatalf("got %v, want first stamp", vendor.TrustThresholdMetAt)
	}

	later := first.Add(48 * time.Hour)
	AdvanceTrustOnPost(vendor, later)
	if !vendor.TrustThresholdMetAt.Equal(first) {
		t.Fatal("threshold met timestamp must never be overwritten")
	}
}

func TestBlockedVendorNeverMutates(t *testing.T) {
	vendor := vendorWithThreshold(1, 3, false)
	vendor.TrustState = models.TrustStateBlocked

	AdvanceTrustOnPost(vendor, time.Now().UTC())
	if vendor.TotalPosted != 3 {
		t.Fatalf("got total_posted %d, blocked vendors must not change", vendor.TotalPosted)
	}
	if vendor.TrustState != models.TrustStateBlocked {
		t.Fatalf("got state %s, blocked is terminal", vendor.TrustState)
	}
}

// fakeHistory returns canned answers for the anomaly detectors.
type fakeHistory struct {
	totals     []decimal.Decimal
	lineCounts []int
	duplicate  bool
}

func (h *fakeHistory) RecentPostedTotals(ctx context.Context, businessId string, vendorProfileId int, limit int) ([]decimal.Decimal, error) {
	return h.totals, nil
}

func (h *fakeHistory) RecentPostedLineCounts(ctx context.Context, businessId string, vendorProfileId int, limit int) ([]int, error) {
	return h.lineCounts, nil
}

func (h *fakeHistory) PostedTotalExistsNear(ctx context.Context, businessId string, vendorProfileId int, total decimal.Decimal, date time.Time, window time.Duration) (bool, error) {
	return h.duplicate, nil
}

func decimals(values ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(values))
	for _, v := range values {
		out = append(out, decimal.RequireFromString(v))
	}
	return out
}

func TestComputeAnomalyFlagsLargeTotal(t *testing.T) {
	vendor := vendorWithThreshold(5, 10, true)
	history := &fakeHistory{totals: decimals("10", "12", "11", "9", "14", "13")}

	flags, err := ComputeAnomalyFlags(context.Background(), history, vendor, AnomalyCandidate{
		Total:           decPtr("500"),
		DocumentDate:    time.Now().UTC(),
		ConfidenceScore: floatPtr(0.95),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !flags.Contains(models.AnomalyFlagLargeTotal) {
		t.Fatalf("expected large_total, got %v", flags)
	}
}

func TestComputeAnomalyFlagsNeedsHistorySamples(t *testing.T) {
	vendor := vendorWithThreshold(5, 2, true)
	history := &fakeHistory{totals: decimals("10", "12")}

	flags, err := ComputeAnomalyFlags(context.Background(), history, vendor, AnomalyCandidate{
		Total:           decPtr("500"),
		DocumentDate:    time.Now().UTC(),
		ConfidenceScore: floatPtr(0.95)})
	if err != nil {
		t.Fatal(err)
	}
	if flags.Contains(models.AnomalyFlagLargeTotal) {
		t.Fatal("two samples are not enough history to call a total large")
	}
}

func TestComputeAnomalyFlagsDuplicateSuspected(t *testing.T) {
	vendor := vendorWithThreshold(5, 10, true)
	history := &fakeHistory{duplicate: true}

	flags, err := ComputeAnomalyFlags(context.Background(), history, vendor, AnomalyCandidate{
		Total:           decPtr("25.00"),
		DocumentDate:    time.Now().UTC(),
		ConfidenceScore: floatPtr(0.95),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !flags.Contains(models.AnomalyFlagDuplicateSuspected) {
		t.Fatalf("expected duplicate_suspected, got %v", flags)
	}
}

func TestComputeAnomalyFlagsNewFormat(t *testing.T) {
	experienced := vendorWithThreshold(5, 10, true)
	flags, err := ComputeAnomalyFlags(context.Background(), &fakeHistory{}, experienced, AnomalyCandidate{
		DocumentDate:    time.Now().UTC(),
		ConfidenceScore: floatPtr(0.5),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !flags.Contains(models.AnomalyFlagNewFormat) {
		t.Fatal("confidence dip for an experienced vendor should flag new_format")
	}

	// A first-time vendor with low confidence is just new, not anomalous.
	firstTimer := vendorWithThreshold(5, 0, true)
	flags, err = ComputeAnomalyFlags(context.Background(), &fakeHistory{}, firstTimer, AnomalyCandidate{
		DocumentDate:    time.Now().UTC(),
		ConfidenceScore: floatPtr(0.5),
	})
	if err != nil {
		t.Fatal(err)
	}
	if flags.Contains(models.AnomalyFlagNewFormat) {
		t.Fatal("first-time vendor must not be flagged new_format")
	}
}

func TestComputeAnomalyFlagsVendorNameMismatch(t *testing.T) {
	vendor := vendorWithThreshold(5, 10, true)
	vendor.Aliases = models.StringList{"ACME Produce Inc"}

	flags, err := ComputeAnomalyFlags(context.Background(), &fakeHistory{}, vendor, AnomalyCandidate{
		DocumentDate:    time.Now().UTC(),
		ConfidenceScore: floatPtr(0.95),
		ParsedName:      strPtr("Totally Different Vendor"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !flags.Contains(models.AnomalyFlagVendorNameMismatch) {
		t.Fatalf("expected vendor_name_mismatch, got %v", flags)
	}

	flags, err = ComputeAnomalyFlags(context.Background(), &fakeHistory{}, vendor, AnomalyCandidate{
		DocumentDate:    time.Now().UTC(),
		ConfidenceScore: floatPtr(0.95),
		ParsedName:      strPtr("acme produce inc"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if flags.Contains(models.AnomalyFlagVendorNameMismatch) {
		t.Fatal("alias match must not be flagged")
	}
}

func TestComputeAnomalyFlagsUnusualLineCount(t *testing.T) {
	vendor := vendorWithThreshold(5, 10, true)
	history := &fakeHistory{lineCounts: []int{3, 2, 3, 4, 3}}

	flags, err := ComputeAnomalyFlags(context.Background(), history, vendor, AnomalyCandidate{
		DocumentDate:    time.Now().UTC(),
		ConfidenceScore: floatPtr(0.95),
		LineItemCount:   40,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !flags.Contains(models.AnomalyFlagUnusualLineCount) {
		t.Fatalf("expected unusual_line_count, got %v", flags)
	}

	flags, err = ComputeAnomalyFlags(context.Background(), history, vendor, AnomalyCandidate{
		DocumentDate:    time.Now().UTC(),
		ConfidenceScore: floatPtr(0.95),
		LineItemCount:   5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if flags.Contains(models.AnomalyFlagUnusualLineCount) {
		t.Fatal("5 items against a median of 3 is not unusual")
	}
}

func TestPercentileNearestRank(t *testing.T) {
	values := decimals("1", "2", "3", "4", "5", "6", "7", "8", "9", "10")
	p95 := percentileNearestRank(values, 95)
	if !p95.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("got p95 %s, want 10", p95)
	}
	p50 := percentileNearestRank(values, 50)
	if !p50.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("got p50 %s, want 5", p50)
	}
}
