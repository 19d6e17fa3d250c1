package shipping

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Carrier quote payloads name the same concept differently depending on the
// provider and API version. Each slice below is the fixed lookup order; the
// first non-empty value wins. Dotted paths descend into nested objects.
var (
	errorFields       = []string{"error", "errors"}
	priceFields       = []string{"custom_price", "price", "total", "amount"}
	serviceIDFields   = []string{"id", "service_id", "code"}
	serviceNameFields = []string{"name", "service", "service_name"}
	carrierFields     = []string{"company.name", "carrier", "company", "carrier_name"}
	minDaysFields     = []string{"custom_delivery_range.min", "delivery_range.min", "custom_delivery_time", "delivery_time", "days"}
	maxDaysFields     = []string{"custom_delivery_range.max", "delivery_range.max", "custom_delivery_time", "delivery_time", "days"}
)

// NormalizeQuote converts every usable line of a raw quote response. Lines
// carrying an error marker, lacking a positive price or lacking a delivery
// time are dropped; an empty result is not an error.
func NormalizeQuote(provider string, lines []map[string]any) []Rate {
	out := make([]Rate, 0, len(lines))
	for _, line := range lines {
		if r, ok := NormalizeLine(provider, line); ok {
			out = append(out, r)
		}
	}
	return out
}

// NormalizeLine converts one raw quote line into a Rate. The boolean is false
// when the line must be treated as absent.
func NormalizeLine(provider string, line map[string]any) (Rate, bool) {
	if line == nil {
		return Rate{}, false
	}
	if hasErrorMarker(line) {
		return Rate{}, false
	}
	price, ok := priceMinor(first(line, priceFields))
	if !ok || price <= 0 {
		return Rate{}, false
	}
	minDays, _ := toInt(first(line, minDaysFields))
	maxDays, _ := toInt(first(line, maxDaysFields))
	if minDays > maxDays {
		minDays, maxDays = maxDays, minDays
	}
	if maxDays <= 0 {
		return Rate{}, false
	}
	if minDays <= 0 {
		minDays = maxDays
	}
	return Rate{
		Provider:          provider,
		ProviderServiceID: toString(first(line, serviceIDFields)),
		CarrierName:       ParseCarrierName(carrierLabel(line)),
		ServiceName:       strings.TrimSpace(toString(first(line, serviceNameFields))),
		PriceMinor:        price,
		MinDays:           minDays,
		MaxDays:           maxDays,
	}, true
}

func hasErrorMarker(line map[string]any) bool {
	for _, f := range errorFields {
		switch v := lookup(line, f).(type) {
		case nil:
		case string:
			if strings.TrimSpace(v) != "" {
				return true
			}
		case bool:
			if v {
				return true
			}
		case []any:
			if len(v) > 0 {
				return true
			}
		case map[string]any:
			if len(v) > 0 {
				return true
			}
		default:
			return true
		}
	}
	return false
}

func carrierLabel(line map[string]any) string {
	v := first(line, carrierFields)
	if m, ok := v.(map[string]any); ok {
		return toString(m["name"])
	}
	return toString(v)
}

// priceMinor converts a currency amount in major units to minor units,
// rounding to the nearest unit.
func priceMinor(v any) (int64, bool) {
	var d decimal.Decimal
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		d = decimal.NewFromFloat(t)
	case int:
		d = decimal.NewFromInt(int64(t))
	case int64:
		d = decimal.NewFromInt(t)
	case json.Number:
		parsed, err := decimal.NewFromString(t.String())
		if err != nil {
			return 0, false
		}
		d = parsed
	case string:
		s := strings.TrimSpace(t)
		s = strings.TrimPrefix(s, "R$")
		s = strings.TrimSpace(s)
		if strings.Contains(s, ",") {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.ReplaceAll(s, ",", ".")
		}
		parsed, err := decimal.NewFromString(s)
		if err != nil {
			return 0, false
		}
		d = parsed
	default:
		return 0, false
	}
	return d.Shift(2).Round(0).IntPart(), true
}

func first(line map[string]any, fields []string) any {
	for _, f := range fields {
		v := lookup(line, f)
		if isEmpty(v) {
			continue
		}
		return v
	}
	return nil
}

func lookup(m map[string]any, path string) any {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = obj[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	case json.Number:
		n, err := t.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	}
	return 0, false
}
