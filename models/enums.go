package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// DraftStatus is the wire-visible lifecycle of a document draft.
// Legal transitions: Received -> Parsing -> Draft/PendingReview -> Posted|Rejected.
// Posted and Rejected are terminal; a draft never moves backward.
type DraftStatus string

const (
	DraftStatusReceived      DraftStatus = "received"
	DraftStatusParsing       DraftStatus = "parsing"
	DraftStatusDraft         DraftStatus = "draft"
	DraftStatusPendingReview DraftStatus = "pending_review"
	DraftStatusPosted        DraftStatus = "posted"
	DraftStatusRejected      DraftStatus = "rejected"
)

func (s DraftStatus) IsTerminal() bool {
	return s == DraftStatusPosted || s == DraftStatusRejected
}

type ConfidenceBand string

const (
	ConfidenceBandHigh   ConfidenceBand = "high"
	ConfidenceBandMedium ConfidenceBand = "medium"
	ConfidenceBandLow    ConfidenceBand = "low"
	ConfidenceBandNone   ConfidenceBand = "none"
)

// AnomalyFlag is an open string enum; new detectors may add flags without a
// schema change.
type AnomalyFlag string

const (
	AnomalyFlagLargeTotal         AnomalyFlag = "large_total"
	AnomalyFlagNewFormat          AnomalyFlag = "new_format"
	AnomalyFlagVendorNameMismatch AnomalyFlag = "vendor_name_mismatch"
	AnomalyFlagUnusualLineCount   AnomalyFlag = "unusual_line_count"
	AnomalyFlagDuplicateSuspected AnomalyFlag = "duplicate_suspected"

	// parser-level flags (carried on the draft next to detector flags)
	AnomalyFlagMissingVendorName  AnomalyFlag = "missing_vendor_name"
	AnomalyFlagMissingDate        AnomalyFlag = "missing_date"
	AnomalyFlagMissingTotal       AnomalyFlag = "missing_total"
	AnomalyFlagLineItemsMissing   AnomalyFlag = "line_items_missing"
	AnomalyFlagTotalsInconsistent AnomalyFlag = "totals_inconsistent"
)

// AnomalyFlagList persists as a JSON array column.
type AnomalyFlagList []AnomalyFlag

func (l AnomalyFlagList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *AnomalyFlagList) Scan(src any) error {
	return scanJSONColumn(src, l)
}

func (l AnomalyFlagList) Contains(flag AnomalyFlag) bool {
	for _, f := range l {
		if f == flag {
			return true
		}
	}
	return false
}

type TrustState string

const (
	TrustStateUnverified TrustState = "unverified"
	TrustStateLearning   TrustState = "learning"
	TrustStateTrusted    TrustState = "trusted"
	TrustStateBlocked    TrustState = "blocked"
)

type InboundChannel string

const (
	InboundChannelEmailWebhook InboundChannel = "email_webhook"
	InboundChannelApiJson      InboundChannel = "api_json"
)

// StringList persists as a JSON array column (vendor aliases).
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(src any) error {
	return scanJSONColumn(src, l)
}

func scanJSONColumn(src any, dest any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dest)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported column type %T", src)
	}
}
