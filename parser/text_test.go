package parser

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseTextGrandTotal(t *testing.T) {
	fields := ParseText("Grand Total: $1,234.56")
	if fields.Total == nil {
		t.Fatal("expected a total")
	}
	if !fields.Total.Equal(decimal.RequireFromString("1234.56")) {
		t.Fatalf("got total %s, want 1234.56", fields.Total)
	}
}

func TestParseTextLastKeywordLineWins(t *testing.T) {
	text := "Subtotal: $90.00\nTax (HST): $11.70\nGrand Total: $101.70"
	fields := ParseText(text)
	if fields.Total == nil || !fields.Total.Equal(decimal.RequireFromString("101.70")) {
		t.Fatalf("got total %v, want 101.70", fields.Total)
	}
	if fields.Tax == nil || !fields.Tax.Equal(decimal.RequireFromString("11.70")) {
		t.Fatalf("got tax %v, want 11.70", fields.Tax)
	}
}

func TestParseTextVendorLabel(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"explicit label", "Vendor: Acme Produce\nTotal: $10.00", "Acme Produce"},
		{"bill from label", "Bill From: Northside Dairy\nTotal: $5.00", "Northside Dairy"},
		{"plausible first line", "Acme Produce Ltd\nInvoice #123\nTotal: $10.00", "Acme Produce Ltd"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fields := ParseText(tc.text)
			if fields.VendorName == nil || *fields.VendorName != tc.want {
				t.Fatalf("got vendor %v, want %q", fields.VendorName, tc.want)
			}
		})
	}
}

func TestParseTextDates(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"iso", "Invoice date 2026-02-24", "2026-02-24"},
		{"month name", "Issued February 24, 2026", "2026-02-24"},
		{"month abbreviated", "Issued Feb 3 2026", "2026-02-03"},
		{"slash day first", "Date: 24/02/2026", "2026-02-24"},
		{"slash month first disambiguated", "Date: 02/24/2026", "2026-02-24"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fields := ParseText(tc.text)
			if fields.Date == nil || *fields.Date != tc.want {
				t.Fatalf("got date %v, want %q", fields.Date, tc.want)
			}
		})
	}
}

func TestParseTextLineItems(t *testing.T) {
	text := "Acme Produce\n" +
		"2 x Organic Apples $3.50 $7.00\n" +
		"Whole Milk $4.25\n" +
		"Subtotal: $11.25\n" +
		"Total: $11.25"
	fields := ParseText(text)
	if len(fields.LineItems) != 2 {
		t.Fatalf("got %d line items, want 2", len(fields.LineItems))
	}

	apples := fields.LineItems[0]
	if apples.Description != "Organic Apples" {
		t.Fatalf("got description %q", apples.Description)
	}
	if apples.Quantity == nil || !apples.Quantity.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("got quantity %v, want 2", apples.Quantity)
	}
	if apples.UnitCost == nil || !apples.UnitCost.Equal(decimal.RequireFromString("3.50")) {
		t.Fatalf("got unit cost %v, want 3.50", apples.UnitCost)
	}
	if apples.LineTotal == nil || !apples.LineTotal.Equal(decimal.RequireFromString("7.00")) {
		t.Fatalf("got line total %v, want 7.00", apples.LineTotal)
	}

	milk := fields.LineItems[1]
	if milk.LineTotal == nil || !milk.LineTotal.Equal(decimal.RequireFromString("4.25")) {
		t.Fatalf("got line total %v, want 4.25", milk.LineTotal)
	}
	if milk.UnitCost != nil {
		t.Fatalf("single-amount row without quantity should have nil unit cost, got %v", milk.UnitCost)
	}
}

func TestParseTextUnitCostDerivedFromQuantity(t *testing.T) {
	fields := ParseText("4 Widget Crates $10.00\nTotal: $10.00")
	if len(fields.LineItems) != 1 {
		t.Fatalf("got %d line items, want 1", len(fields.LineItems))
	}
	item := fields.LineItems[0]
	if item.UnitCost == nil || !item.UnitCost.Equal(decimal.RequireFromString("2.50")) {
		t.Fatalf("got unit cost %v, want 2.50", item.UnitCost)
	}
}

func TestParseHTMLBody(t *testing.T) {
	fields := ParseHTML("<div>Vendor: Farm Hub</div><div>Total: $18.99</div>")
	if fields.VendorName == nil || *fields.VendorName != "Farm Hub" {
		t.Fatalf("got vendor %v, want Farm Hub", fields.VendorName)
	}
	if fields.Total == nil || !fields.Total.Equal(decimal.RequireFromString("18.99")) {
		t.Fatalf("got total %v, want 18.99", fields.Total)
	}
}

func TestParseHTMLSkipsScriptAndEntities(t *testing.T) {
	html := "<html><style>.x{color:red}</style><body>" +
		"<p>Vendor: Caf&eacute; Nine</p><script>var x=1;</script>" +
		"<p>Total: $7.50</p></body></html>"
	fields := ParseHTML(html)
	if fields.VendorName == nil || *fields.VendorName != "Café Nine" {
		t.Fatalf("got vendor %v", fields.VendorName)
	}
	if fields.Total == nil || !fields.Total.Equal(decimal.RequireFromString("7.50")) {
		t.Fatalf("got total %v", fields.Total)
	}
}

func TestParseEmailBodyFallbacks(t *testing.T) {
	emailDate := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	fields := ParseEmailBody("Total: $5.00", "", "", "billing@farm-hub.example", &emailDate)
	if fields.VendorName == nil || *fields.VendorName != "Farm Hub" {
		t.Fatalf("got vendor %v, want Farm Hub from domain", fields.VendorName)
	}
	if fields.Date == nil || *fields.Date != "2026-03-01" {
		t.Fatalf("got date %v, want email header date", fields.Date)
	}

	fields = ParseEmailBody("Total: $5.00", "", "Acme Billing", "billing@acme.example", &emailDate)
	if fields.VendorName == nil || *fields.VendorName != "Acme Billing" {
		t.Fatalf("sender display name should win over domain, got %v", fields.VendorName)
	}
}

func TestParseEmailBodyUsesHTMLWhenTextEmpty(t *testing.T) {
	fields := ParseEmailBody("", "<div>Vendor: Farm Hub</div><div>Total: $18.99</div>", "", "x@y.example", nil)
	if fields.VendorName == nil || *fields.VendorName != "Farm Hub" {
		t.Fatalf("got vendor %v", fields.VendorName)
	}
	if fields.Total == nil || !fields.Total.Equal(decimal.RequireFromString("18.99")) {
		t.Fatalf("got total %v", fields.Total)
	}
}
