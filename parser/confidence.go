package parser

import (
	"bitbucket.org/mmdatafocus/intake_backend/models"
	"github.com/shopspring/decimal"
)

// Score calibration. The tolerance is relative to the stated total so small
// rounding drift on large invoices is not punished.
const (
	scoreAllRequired     = 0.82
	scoreConsistent      = 1.0
	scoreInconsistent    = 0.74
	scoreTwoRequired     = 0.55
	scoreOneRequired     = 0.35
	scoreNoneRequired    = 0.15
	scoreMissingTotal    = 0.2
	consistencyTolerance = 0.01
)

type ScoreResult struct {
	Score float64
	Band  models.ConfidenceBand
	Flags []models.AnomalyFlag
}

// Score rates parsed fields on presence of {vendor_name, date, total} and on
// whether line items plus tax reconcile with the stated total.
func Score(fields ParsedFields) ScoreResult {
	result := ScoreResult{}

	requiredCount := 0
	if fields.VendorName != nil && *fields.VendorName != "" {
		requiredCount++
	} else {
		result.Flags = append(result.Flags, models.AnomalyFlagMissingVendorName)
	}
	if fields.Date != nil && *fields.Date != "" {
		requiredCount++
	} else {
		result.Flags = append(result.Flags, models.AnomalyFlagMissingDate)
	}
	if fields.Total != nil {
		requiredCount++
	} else {
		result.Flags = append(result.Flags, models.AnomalyFlagMissingTotal)
	}

	lineSum, lineSumAvailable := sumLineItems(fields.LineItems)
	if !lineSumAvailable {
		result.Flags = append(result.Flags, models.AnomalyFlagLineItemsMissing)
	}

	switch requiredCount {
	case 3:
		result.Score = scoreAllRequired
		if lineSumAvailable {
			if totalsConsistent(*fields.Total, fields.Tax, lineSum) {
				result.Score = scoreConsistent
			} else {
				result.Score = scoreInconsistent
				result.Flags = append(result.Flags, models.AnomalyFlagTotalsInconsistent)
			}
		}
	case 2:
		result.Score = scoreTwoRequired
	case 1:
		result.Score = scoreOneRequired
	default:
		result.Score = scoreNoneRequired
	}

	// A document without a total can never be posted as-is, whatever else
	// parsed cleanly.
	if fields.Total == nil {
		result.Score = scoreMissingTotal
	}

	result.Band = BandForScore(result.Score)
	return result
}

func BandForScore(score float64) models.ConfidenceBand {
	switch {
	case score >= 0.8:
		return models.ConfidenceBandHigh
	case score >= 0.65:
		return models.ConfidenceBandMedium
	case score >= 0.4:
		return models.ConfidenceBandLow
	default:
		return models.ConfidenceBandNone
	}
}

// sumLineItems totals line items. An item contributes line_total, or
// quantity*unit_cost when line_total is absent; items with neither are
// skipped, and if no item contributes the sum is reported unavailable.
func sumLineItems(items []models.ParsedLineItem) (decimal.Decimal, bool) {
	sum := decimal.Zero
	contributed := false
	for _, item := range items {
		switch {
		case item.LineTotal != nil:
			sum = sum.Add(*item.LineTotal)
			contributed = true
		case item.Quantity != nil && item.UnitCost != nil:
			sum = sum.Add(item.Quantity.Mul(*item.UnitCost))
			contributed = true
		}
	}
	return sum, contributed
}

func totalsConsistent(total decimal.Decimal, tax *decimal.Decimal, lineSum decimal.Decimal) bool {
	expected := lineSum
	if tax != nil {
		expected = expected.Add(*tax)
	}
	tolerance := decimal.Max(total.Abs(), decimal.NewFromInt(1)).Mul(decimal.NewFromFloat(consistencyTolerance))
	return total.Sub(expected).Abs().LessThanOrEqual(tolerance)
}
