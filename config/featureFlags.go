package config

import (
	"os"
	"strconv"
	"strings"
)

// AutoPostEnabled is the platform-wide kill switch for automatic posting.
// Per-vendor toggles still apply; this flag turns the whole feature off.
//
// Set via env:
// - AUTO_POST_ENABLED=true
func AutoPostEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("AUTO_POST_ENABLED")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// GlobalTrustThreshold is the default number of successful posts a vendor
// needs before it is promoted to Trusted. A vendor-level override wins.
//
// Set via env:
// - TRUST_THRESHOLD_DEFAULT=5
func GlobalTrustThreshold() int {
	raw := strings.TrimSpace(os.Getenv("TRUST_THRESHOLD_DEFAULT"))
	if raw == "" {
		return 5
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 5
	}
	return n
}

// InboundWebhookCredentials returns the two accepted basic-auth credential
// pairs for the mail-relay webhook. Empty user means the pair is unset.
//
// Set via env:
// - INBOUND_WEBHOOK_USER / INBOUND_WEBHOOK_PASS
// - INBOUND_WEBHOOK_USER_2 / INBOUND_WEBHOOK_PASS_2 (rotation)
func InboundWebhookCredentials() [2][2]string {
	return [2][2]string{
		{os.Getenv("INBOUND_WEBHOOK_USER"), os.Getenv("INBOUND_WEBHOOK_PASS")},
		{os.Getenv("INBOUND_WEBHOOK_USER_2"), os.Getenv("INBOUND_WEBHOOK_PASS_2")},
	}
}
