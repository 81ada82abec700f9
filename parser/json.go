package parser

import (
	"encoding/json"
	"strings"

	"bitbucket.org/mmdatafocus/intake_backend/models"
	"github.com/shopspring/decimal"
)

var (
	vendorAliases = []string{"vendor_name", "vendorName", "vendor"}
	dateAliases   = []string{"date", "invoice_date", "invoiceDate"}
	totalAliases  = []string{"total", "amount_due", "amountDue"}
	taxAliases    = []string{"tax", "tax_total", "taxTotal"}
	itemsAliases  = []string{"line_items", "lineItems", "items"}
	phoneAliases  = []string{"vendor_phone", "vendorPhone", "phone"}
)

// ParseJSON maps a structured intake payload onto ParsedFields. Coercion is
// permissive: malformed numbers become nil, never errors.
func ParseJSON(raw []byte) (ParsedFields, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ParsedFields{}, err
	}
	return ParseJSONObject(doc), nil
}

func ParseJSONObject(doc map[string]interface{}) ParsedFields {
	fields := ParsedFields{}
	if s := coerceString(lookup(doc, vendorAliases)); s != "" {
		fields.VendorName = &s
	}
	if s := coerceString(lookup(doc, dateAliases)); s != "" {
		if d := extractDate(s); d != nil {
			fields.Date = d
		} else {
			fields.Date = &s
		}
	}
	fields.Total = coerceDecimal(lookup(doc, totalAliases))
	fields.Tax = coerceDecimal(lookup(doc, taxAliases))
	if s := coerceString(lookup(doc, phoneAliases)); s != "" {
		fields.VendorPhone = &s
	}

	if items, ok := lookup(doc, itemsAliases).([]interface{}); ok {
		for _, entry := range items {
			obj, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			desc := coerceString(lookup(obj, []string{"description", "name", "item"}))
			if strings.TrimSpace(desc) == "" {
				continue
			}
			fields.LineItems = append(fields.LineItems, models.ParsedLineItem{
				Description: strings.TrimSpace(desc),
				Quantity:    coerceDecimal(lookup(obj, []string{"quantity", "qty"})),
				UnitCost:    coerceDecimal(lookup(obj, []string{"unit_cost", "unitCost", "unit_price", "unitPrice"})),
				LineTotal:   coerceDecimal(lookup(obj, []string{"line_total", "lineTotal", "amount"})),
			})
		}
	}
	return fields
}

func lookup(doc map[string]interface{}, keys []string) interface{} {
	for _, k := range keys {
		if v, ok := doc[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func coerceString(v interface{}) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func coerceDecimal(v interface{}) *decimal.Decimal {
	switch t := v.(type) {
	case float64:
		d := decimal.NewFromFloat(t)
		return &d
	case json.Number:
		if d, err := decimal.NewFromString(t.String()); err == nil {
			return &d
		}
	case string:
		return parseAmount(t)
	}
	return nil
}
