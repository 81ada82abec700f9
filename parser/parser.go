package parser

import (
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/intake_backend/models"
	"bitbucket.org/mmdatafocus/intake_backend/utils"
	"github.com/shopspring/decimal"
)

// ParsedFields is the heuristic extraction result. Any field may be nil;
// downstream scoring treats absence explicitly, never as zero.
type ParsedFields struct {
	VendorName *string                 `json:"vendor_name"`
	Date       *string                 `json:"date"` // YYYY-MM-DD
	Total      *decimal.Decimal        `json:"total"`
	Tax        *decimal.Decimal        `json:"tax"`
	LineItems  []models.ParsedLineItem `json:"line_items"`

	// VendorPhone only arrives on structured payloads; the email heuristics
	// never guess at phone numbers.
	VendorPhone *string `json:"vendor_phone,omitempty"`
}

// ParseEmailBody extracts fields from an inbound email. The text body wins
// when present; otherwise the HTML body is stripped and parsed the same way.
// Sender identity and the email date header act as fallbacks for vendor name
// and document date.
func ParseEmailBody(textBody string, htmlBody string, senderName string, senderEmail string, emailDate *time.Time) ParsedFields {
	body := textBody
	if strings.TrimSpace(body) == "" && strings.TrimSpace(htmlBody) != "" {
		body = StripHTML(htmlBody)
	}

	fields := ParseText(body)

	if fields.VendorName == nil {
		if name := strings.TrimSpace(senderName); name != "" {
			fields.VendorName = &name
		} else if derived := VendorNameFromEmail(senderEmail); derived != "" {
			fields.VendorName = &derived
		}
	}
	if fields.Date == nil && emailDate != nil {
		d := emailDate.Format("2006-01-02")
		fields.Date = &d
	}
	return fields
}

// VendorNameFromEmail derives a display name from the sender's email domain:
// first domain label, split on - and _, title-cased. "billing@farm-hub.example"
// becomes "Farm Hub".
func VendorNameFromEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	domain := email[at+1:]
	label := domain
	if dot := strings.Index(domain, "."); dot > 0 {
		label = domain[:dot]
	}
	label = strings.ReplaceAll(label, "_", "-")
	return utils.TitleCaseWords(strings.Split(label, "-"))
}
