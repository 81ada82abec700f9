package parser

import (
	"fmt"
	"regexp"
	"strings"

	"bitbucket.org/mmdatafocus/intake_backend/models"
	"github.com/shopspring/decimal"
)

var (
	// Money-looking token: $ prefix, comma-grouped thousands, or a decimal
	// point. Bare integers are excluded so quantities are not mistaken for
	// amounts on line-item rows.
	moneyRe = regexp.MustCompile(`\$\s*-?\d[\d,]*(?:\.\d+)?|-?\d{1,3}(?:,\d{3})+(?:\.\d+)?|-?\d+\.\d{1,2}\b`)
	// Any numeric token, used on keyword lines where a bare integer total is
	// still a total.
	looseAmountRe = regexp.MustCompile(`\$\s*-?\d[\d,]*(?:\.\d+)?|-?\d[\d,]*(?:\.\d+)?`)

	numberTokenRe = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)

	vendorLabelRe = regexp.MustCompile(`(?i)^\s*(?:vendor|bill\s+from|from)\s*[:\-]\s*(.+)$`)
	// Lines excluded from the "plausible vendor name" fallback.
	vendorExcludeRe = regexp.MustCompile(`(?i)\binvoice\b|\breceipt\b|\bdate\b|\btotal\b|\bamount\b|\bbalance\b|\bsubtotal\b|\btax\b|\bdue\b`)
	hasLetterRe     = regexp.MustCompile(`[A-Za-z]`)

	totalKeywordRe = regexp.MustCompile(`(?i)\bgrand\s+total\b|\binvoice\s+total\b|\bamount\s+due\b|\bbalance\s+due\b|\btotal\b`)
	taxKeywordRe   = regexp.MustCompile(`(?i)\btax\b|\bhst\b|\bgst\b|\bpst\b|\btvq\b|\btps\b|\bvat\b`)
	// Rows excluded from line-item extraction.
	summaryLineRe = regexp.MustCompile(`(?i)\bsubtotal\b|\btotal\b|\bamount\s+due\b|\bbalance\s+due\b|\btax\b|\bhst\b|\bgst\b|\bpst\b|\btvq\b|\btps\b|\bvat\b`)

	isoDateRe   = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	monthDateRe = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+(\d{1,2})(?:st|nd|rd|th)?\s*,?\s+(\d{4})\b`)
	slashDateRe = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)

	qtyNoiseRe   = regexp.MustCompile(`(?i)\bqty\b\.?:?|\bx\b|\|`)
	multiSpaceRe = regexp.MustCompile(`\s+`)
)

var monthNumber = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

// ParseText runs the line-oriented heuristics over plain text.
func ParseText(text string) ParsedFields {
	lines := splitLines(text)

	fields := ParsedFields{}
	fields.VendorName = extractVendorName(lines)
	fields.Date = extractDate(text)
	fields.Total = extractKeywordAmount(lines, totalKeywordRe)
	fields.Tax = extractKeywordAmount(lines, taxKeywordRe)
	fields.LineItems = extractLineItems(lines)
	return fields
}

func splitLines(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if t := strings.TrimSpace(l); t != "" {
			lines = append(lines, t)
		}
	}
	return lines
}

func extractVendorName(lines []string) *string {
	for _, line := range lines {
		if m := vendorLabelRe.FindStringSubmatch(line); m != nil {
			name := strings.TrimSpace(m[1])
			if name != "" && len(name) <= 80 {
				return &name
			}
		}
	}
	for _, line := range lines {
		if len(line) < 3 || len(line) > 80 {
			continue
		}
		if !hasLetterRe.MatchString(line) {
			continue
		}
		if vendorExcludeRe.MatchString(line) || looksLikeDate(line) {
			continue
		}
		name := line
		return &name
	}
	return nil
}

func looksLikeDate(line string) bool {
	return isoDateRe.MatchString(line) || monthDateRe.MatchString(line) || slashDateRe.MatchString(line)
}

// extractKeywordAmount scans every line for the keyword set and keeps the last
// monetary amount on the last matching line, so a trailing "Grand Total"
// overrides an earlier "Subtotal".
func extractKeywordAmount(lines []string, keywordRe *regexp.Regexp) *decimal.Decimal {
	var found *decimal.Decimal
	for _, line := range lines {
		if !keywordRe.MatchString(line) {
			continue
		}
		matches := looseAmountRe.FindAllString(line, -1)
		if len(matches) == 0 {
			continue
		}
		if amount := parseAmount(matches[len(matches)-1]); amount != nil {
			found = amount
		}
	}
	return found
}

func parseAmount(token string) *decimal.Decimal {
	cleaned := strings.TrimSpace(token)
	cleaned = strings.TrimPrefix(cleaned, "$")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return nil
	}
	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return nil
	}
	return &amount
}

func extractDate(text string) *string {
	if m := isoDateRe.FindStringSubmatch(text); m != nil {
		if d := normalizeDate(m[3], m[2], m[1]); d != nil {
			return d
		}
	}
	if m := monthDateRe.FindStringSubmatch(text); m != nil {
		month := monthNumber[strings.ToLower(m[1])]
		if d := normalizeDate(m[2], fmt.Sprintf("%02d", month), m[3]); d != nil {
			return d
		}
	}
	if m := slashDateRe.FindStringSubmatch(text); m != nil {
		a, b := atoi(m[1]), atoi(m[2])
		day, month := a, b
		// Day-first by default; swap when only the second number can be a day.
		if a <= 12 && b > 12 {
			day, month = b, a
		}
		if d := normalizeDate(fmt.Sprint(day), fmt.Sprint(month), m[3]); d != nil {
			return d
		}
	}
	return nil
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}

func normalizeDate(day string, month string, year string) *string {
	d, m := atoi(day), atoi(month)
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return nil
	}
	out := fmt.Sprintf("%s-%02d-%02d", year, m, d)
	return &out
}

func extractLineItems(lines []string) []models.ParsedLineItem {
	var items []models.ParsedLineItem
	for _, line := range lines {
		if summaryLineRe.MatchString(line) {
			continue
		}
		if !hasLetterRe.MatchString(line) {
			continue
		}
		amounts := moneyRe.FindAllString(line, -1)
		if len(amounts) == 0 {
			continue
		}

		item := models.ParsedLineItem{}
		item.LineTotal = parseAmount(amounts[len(amounts)-1])
		if len(amounts) >= 2 {
			item.UnitCost = parseAmount(amounts[len(amounts)-2])
		}

		stripped := moneyRe.ReplaceAllString(line, " ")
		if qty := numberTokenRe.FindString(stripped); qty != "" {
			item.Quantity = parseAmount(qty)
		}
		if item.UnitCost == nil && item.LineTotal != nil && item.Quantity != nil && item.Quantity.IsPositive() {
			unit := item.LineTotal.Div(*item.Quantity).Round(4)
			item.UnitCost = &unit
		}

		desc := numberTokenRe.ReplaceAllString(stripped, " ")
		desc = qtyNoiseRe.ReplaceAllString(desc, " ")
		desc = strings.Trim(multiSpaceRe.ReplaceAllString(desc, " "), " :-$.")
		if desc == "" {
			continue
		}
		item.Description = desc
		items = append(items, item)
	}
	return items
}
