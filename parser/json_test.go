package parser

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseJSONAliasesAndCoercion(t *testing.T) {
	raw := []byte(`{
		"vendorName": "Farm Hub",
		"vendor_phone": "+16502530000",
		"invoice_date": "2026-02-24",
		"amount_due": "1,234.56",
		"tax": 2.6,
		"items": [
			{"name": "Apples", "qty": "2", "unit_price": 3.5, "amount": "7.00"},
			{"description": "Milk", "line_total": "not-a-number"},
			{"no_description": true}
		]
	}`)
	fields, err := ParseJSON(raw)
	if err != nil {
		t.Fatal(err)
	}
	if fields.VendorName == nil || *fields.VendorName != "Farm Hub" {
		t.Fatalf("got vendor %v", fields.VendorName)
	}
	if fields.Date == nil || *fields.Date != "2026-02-24" {
		t.Fatalf("got date %v", fields.Date)
	}
	if fields.Total == nil || !fields.Total.Equal(decimal.RequireFromString("1234.56")) {
		t.Fatalf("got total %v", fields.Total)
	}
	if fields.Tax == nil || !fields.Tax.Equal(decimal.RequireFromString("2.6")) {
		t.Fatalf("got tax %v", fields.Tax)
	}
	if fields.VendorPhone == nil || *fields.VendorPhone != "+16502530000" {
		t.Fatalf("got vendor phone %v", fields.VendorPhone)
	}

	if len(fields.LineItems) != 2 {
		t.Fatalf("got %d items, want 2 (entry without description dropped)", len(fields.LineItems))
	}
	apples := fields.LineItems[0]
	if apples.Quantity == nil || !apples.Quantity.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("got quantity %v", apples.Quantity)
	}
	if apples.LineTotal == nil || !apples.LineTotal.Equal(decimal.RequireFromString("7.00")) {
		t.Fatalf("got line total %v", apples.LineTotal)
	}
	// Malformed numbers coerce to nil, never error.
	if fields.LineItems[1].LineTotal != nil {
		t.Fatalf("got line total %v, want nil", fields.LineItems[1].LineTotal)
	}
}

func TestParseJSONMalformedBody(t *testing.T) {
	if _, err := ParseJSON([]byte("not json")); err == nil {
		t.Fatal("expected an error for a malformed body")
	}
}
