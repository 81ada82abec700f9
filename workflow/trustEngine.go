package workflow

import (
	"context"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/intake_backend/models"
	"github.com/shopspring/decimal"
)

// Tunable anomaly heuristics. The exact magnitudes are calibration, not
// contract; the flag names are the contract.
const (
	MinAutoPostConfidence  = 0.85
	newFormatConfidence    = 0.7
	historyLookback        = 50
	minHistorySamples      = 5
	duplicateWindow        = 7 * 24 * time.Hour
	unusualLineCountFactor = 3
)

type EligibilityReason string

const (
	ReasonAutoPostDisabled    EligibilityReason = "auto_post_disabled"
	ReasonBelowTrustThreshold EligibilityReason = "below_trust_threshold"
	ReasonLowConfidence       EligibilityReason = "low_confidence"
	ReasonAnomalyDetected     EligibilityReason = "anomaly_detected"
)

// EvaluateAutoPostEligibility is pure: a vendor snapshot plus the candidate's
// score and flags in, the first blocking reason out. Reasons are checked in
// a fixed priority order so callers always see the most fundamental blocker.
func EvaluateAutoPostEligibility(vendor *models.VendorProfile, confidenceScore *float64, anomalyFlags models.AnomalyFlagList) (bool, EligibilityReason) {
	if vendor == nil || !vendor.AutoPostEnabled {
		return false, ReasonAutoPostDisabled
	}
	if vendor.TotalPosted < vendor.EffectiveTrustThreshold() {
		return false, ReasonBelowTrustThreshold
	}
	if confidenceScore == nil || *confidenceScore < MinAutoPostConfidence {
		return false, ReasonLowConfidence
	}
	if hasDetectorFlag(anomalyFlags) {
		return false, ReasonAnomalyDetected
	}
	return true, ""
}

// Only detector flags block auto posting. Parser presence flags already show
// up through the confidence score.
var detectorFlags = []models.AnomalyFlag{
	models.AnomalyFlagLargeTotal,
	models.AnomalyFlagNewFormat,
	models.AnomalyFlagVendorNameMismatch,
	models.AnomalyFlagUnusualLineCount,
	models.AnomalyFlagDuplicateSuspected,
}

func hasDetectorFlag(flags models.AnomalyFlagList) bool {
	for _, f := range detectorFlags {
		if flags.Contains(f) {
			return true
		}
	}
	return false
}

// AdvanceTrustOnPost applies one successful post to the vendor snapshot.
// Blocked vendors are left untouched. trust_threshold_met_at is stamped only
// the first time the threshold is reached.
func AdvanceTrustOnPost(vendor *models.VendorProfile, now time.Time) {
	if vendor.TrustState == models.TrustStateBlocked {
		return
	}
	vendor.TotalPosted++
	vendor.LastDocumentAt = &now

	if vendor.TotalPosted >= vendor.EffectiveTrustThreshold() {
		if vendor.TrustState != models.TrustStateTrusted {
			vendor.TrustState = models.TrustStateTrusted
			vendor.AutoPostEnabled = true
		}
		if vendor.TrustThresholdMetAt == nil {
			vendor.TrustThresholdMetAt = &now
		}
		return
	}
	if vendor.TotalPosted > 0 && vendor.TrustState == models.TrustStateUnverified {
		vendor.TrustState = models.TrustStateLearning
	}
}

// VendorHistory is the read side the anomaly detectors need. The GORM
// implementation lives in gormRepositories.go; tests supply fixed slices.
type VendorHistory interface {
	RecentPostedTotals(ctx context.Context, businessId string, vendorProfileId int, limit int) ([]decimal.Decimal, error)
	RecentPostedLineCounts(ctx context.Context, businessId string, vendorProfileId int, limit int) ([]int, error)
	PostedTotalExistsNear(ctx context.Context, businessId string, vendorProfileId int, total decimal.Decimal, date time.Time, window time.Duration) (bool, error)
}

// AnomalyCandidate is the slice of a draft the detectors look at.
type AnomalyCandidate struct {
	Total           *decimal.Decimal
	DocumentDate    time.Time
	ConfidenceScore *float64
	LineItemCount   int
	ParsedName      *string
}

// ComputeAnomalyFlags runs the historical detectors for one candidate
// document against its resolved vendor.
func ComputeAnomalyFlags(ctx context.Context, history VendorHistory, vendor *models.VendorProfile, candidate AnomalyCandidate) (models.AnomalyFlagList, error) {
	var flags models.AnomalyFlagList
	if vendor == nil {
		return flags, nil
	}

	if candidate.ParsedName != nil && !vendor.MatchesName(*candidate.ParsedName) {
		flags = append(flags, models.AnomalyFlagVendorNameMismatch)
	}

	// A confidence dip for a vendor with posting history signals a format
	// change; a first-time vendor with low confidence is just new.
	if candidate.ConfidenceScore != nil && *candidate.ConfidenceScore < newFormatConfidence && vendor.TotalPosted > 0 {
		flags = append(flags, models.AnomalyFlagNewFormat)
	}

	if candidate.Total != nil {
		totals, err := history.RecentPostedTotals(ctx, vendor.BusinessId, vendor.ID, historyLookback)
		if err != nil {
			return nil, err
		}
		if len(totals) >= minHistorySamples {
			if p95 := percentileNearestRank(totals, 95); candidate.Total.GreaterThan(p95) {
				flags = append(flags, models.AnomalyFlagLargeTotal)
			}
		}

		dup, err := history.PostedTotalExistsNear(ctx, vendor.BusinessId, vendor.ID, *candidate.Total, candidate.DocumentDate, duplicateWindow)
		if err != nil {
			return nil, err
		}
		if dup {
			flags = append(flags, models.AnomalyFlagDuplicateSuspected)
		}
	}

	if candidate.LineItemCount > 0 {
		counts, err := history.RecentPostedLineCounts(ctx, vendor.BusinessId, vendor.ID, historyLookback)
		if err != nil {
			return nil, err
		}
		if len(counts) >= minHistorySamples {
			if median := medianInt(counts); median > 0 && candidate.LineItemCount > unusualLineCountFactor*median {
				flags = append(flags, models.AnomalyFlagUnusualLineCount)
			}
		}
	}

	return flags, nil
}

// percentileNearestRank returns the nearest-rank percentile of values.
func percentileNearestRank(values []decimal.Decimal, percentile int) decimal.Decimal {
	sorted := make([]decimal.Decimal, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	rank := (len(sorted)*percentile + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func medianInt(values []int) int {
	sorted := make([]int, len(values))
	copy(sorted, values)
	sort.Ints(sorted)
	return sorted[len(sorted)/2]
}
