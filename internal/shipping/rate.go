package shipping

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CarrierName is the closed set of carriers a buyer can see on a rate card.
type CarrierName string

const (
	CarrierCorreios CarrierName = "correios"
	CarrierJadlog   CarrierName = "jadlog"
	CarrierLoggi    CarrierName = "loggi"
	CarrierJeT      CarrierName = "jet"
	CarrierAzul     CarrierName = "azul"
	CarrierBuslog   CarrierName = "buslog"
	CarrierLatam    CarrierName = "latam"
	CarrierOther    CarrierName = "other"
)

var carrierAliases = []struct {
	match string
	name  CarrierName
}{
	{"correios", CarrierCorreios},
	{"sedex", CarrierCorreios},
	{"jadlog", CarrierJadlog},
	{"loggi", CarrierLoggi},
	{"j&t", CarrierJeT},
	{"jet express", CarrierJeT},
	{"jt express", CarrierJeT},
	{"azul", CarrierAzul},
	{"buslog", CarrierBuslog},
	{"latam", CarrierLatam},
}

// ParseCarrierName maps a provider's company label onto the closed carrier
// enumeration. Unknown labels map to CarrierOther.
func ParseCarrierName(raw string) CarrierName {
	s := foldAccents(strings.ToLower(strings.TrimSpace(raw)))
	if s == "" {
		return CarrierOther
	}
	for _, a := range carrierAliases {
		if strings.Contains(s, a.match) {
			return a.name
		}
	}
	return CarrierOther
}

func foldAccents(s string) string {
	var b strings.Builder
	for _, r := range norm.NFD.String(s) {
		if r >= 0x300 && r <= 0x36f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Rate is one normalized quote line.
type Rate struct {
	Provider          string      `json:"provider"`
	ProviderServiceID string      `json:"providerServiceId"`
	CarrierName       CarrierName `json:"carrierName"`
	ServiceName       string      `json:"serviceName"`
	PriceMinor        int64       `json:"priceMinor"`
	MinDays           int         `json:"minDays"`
	MaxDays           int         `json:"maxDays"`
}

// Selection is the rate a buyer picked at checkout. It is stored on the order
// and never changes afterwards.
type Selection struct {
	Provider          string      `json:"provider"`
	ProviderServiceID string      `json:"providerServiceId"`
	CarrierName       CarrierName `json:"carrierName"`
	ServiceName       string      `json:"serviceName"`
	PriceMinor        int64       `json:"priceMinor"`
	MinDays           int         `json:"minDays"`
	MaxDays           int         `json:"maxDays"`
}

func (r Rate) Selection() Selection {
	return Selection(r)
}

// CarrierBacked reports whether the selection can be turned into a label by a
// carrier integration. Self-service shipping has no provider service id.
func (s *Selection) CarrierBacked() bool {
	return s != nil && strings.TrimSpace(s.Provider) != "" && strings.TrimSpace(s.ProviderServiceID) != ""
}

func (r Rate) key() string {
	return r.Provider + "\x00" + r.ProviderServiceID
}
