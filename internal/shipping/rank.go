package shipping

import "strconv"

const (
	priceWeight = 0.6
	speedWeight = 0.4
)

// Ranking is the three-card distillation shown to buyers.
type Ranking struct {
	Cheapest *Rate `json:"cheapest"`
	Fastest  *Rate `json:"fastest"`
	Balanced *Rate `json:"balanced"`
}

// Rank picks the cheapest, fastest and balanced rates. Ties are broken by
// input order, so callers must concatenate carrier results deterministically.
//
// The balanced rate minimizes 0.6*(price/cheapest) + 0.4*(maxDays/fastest)
// among rates distinct from both extremes; only when no such rate exists does
// it fall back to the best-scoring extreme.
func Rank(rates []Rate) Ranking {
	if len(rates) == 0 {
		return Ranking{}
	}
	cheapest, fastest := 0, 0
	for i, r := range rates {
		if r.PriceMinor < rates[cheapest].PriceMinor {
			cheapest = i
		}
		if r.MaxDays < rates[fastest].MaxDays {
			fastest = i
		}
	}

	basePrice := float64(max(rates[cheapest].PriceMinor, 1))
	baseDays := float64(max(rates[fastest].MaxDays, 1))
	score := func(r Rate) float64 {
		return priceWeight*(float64(r.PriceMinor)/basePrice) + speedWeight*(float64(r.MaxDays)/baseDays)
	}

	ids := identities(rates)
	balanced, fallback := -1, -1
	for i, r := range rates {
		if fallback < 0 || score(r) < score(rates[fallback]) {
			fallback = i
		}
		if ids[i] == ids[cheapest] || ids[i] == ids[fastest] {
			continue
		}
		if balanced < 0 || score(r) < score(rates[balanced]) {
			balanced = i
		}
	}
	if balanced < 0 {
		balanced = fallback
	}

	return Ranking{
		Cheapest: ptr(rates[cheapest]),
		Fastest:  ptr(rates[fastest]),
		Balanced: ptr(rates[balanced]),
	}
}

// identities treats two lines for the same provider service as one option.
// Lines without a service id are always distinct.
func identities(rates []Rate) []string {
	out := make([]string, len(rates))
	for i, r := range rates {
		if r.ProviderServiceID == "" {
			out[i] = "#" + strconv.Itoa(i)
			continue
		}
		out[i] = r.key()
	}
	return out
}

func ptr(r Rate) *Rate {
	return &r
}
