package shipping

import (
	"math"
	"strings"
)

// Presentation is how printed pieces are delivered to the buyer.
type Presentation string

const (
	// PresentationSheet ships pieces laid out on flat sheets.
	PresentationSheet Presentation = "sheet"
	// PresentationUnit ships individually cut pieces.
	PresentationUnit Presentation = "unit"
)

// ParsePresentation defaults to unit for anything that is not a sheet.
func ParsePresentation(raw string) Presentation {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sheet", "sheets", "cartela", "folha":
		return PresentationSheet
	default:
		return PresentationUnit
	}
}

// Carrier minimums for a parcel.
const (
	MinWidthCM  = 11.0
	MinLengthCM = 16.0
	MinHeightCM = 2.0
	MinWeightKG = 0.3
)

const (
	paperGSM        = 80.0 * 1.5 // adhesive vinyl over liner
	sheetMarginCM   = 2.0
	sheetStackCM    = 0.5 // per 50 sheets
	sheetsPerStack  = 50
	sheetTareKG     = 0.15
	unitMarginCM    = 1.0
	unitStackCM     = 0.3 // per 100 units
	unitsPerStack   = 100
	envelopeTareKG  = 0.05
	defaultPieceCM  = 5.0
	defaultQuantity = 1
)

// Item describes the printed product for packaging purposes.
type Item struct {
	WidthCM      float64
	HeightCM     float64
	Quantity     int
	Presentation Presentation
}

// Parcel is the physical package sent to a carrier.
type Parcel struct {
	WeightKG           float64 `json:"weightKg"`
	WidthCM            float64 `json:"widthCm"`
	HeightCM           float64 `json:"heightCm"`
	LengthCM           float64 `json:"lengthCm"`
	DeclaredValueMinor int64   `json:"declaredValueMinor"`
}

// EstimateParcel estimates packaging dimensions and weight for an item.
// Sheet presentation uses flat cardboard packaging, unit presentation an
// envelope; both are raised to the carrier minimums.
func EstimateParcel(item Item, declaredValueMinor int64) Parcel {
	w := item.WidthCM
	h := item.HeightCM
	if w <= 0 {
		w = defaultPieceCM
	}
	if h <= 0 {
		h = defaultPieceCM
	}
	qty := item.Quantity
	if qty <= 0 {
		qty = defaultQuantity
	}

	var p Parcel
	areaM2 := (w / 100) * (h / 100) * float64(qty)
	paperKG := areaM2 * paperGSM / 1000

	switch item.Presentation {
	case PresentationSheet:
		long, short := math.Max(w, h), math.Min(w, h)
		stacks := math.Ceil(float64(qty) / sheetsPerStack)
		p = Parcel{
			LengthCM: long + sheetMarginCM,
			WidthCM:  short + sheetMarginCM,
			HeightCM: stacks * sheetStackCM,
			WeightKG: paperKG + sheetTareKG,
		}
	default:
		long, short := math.Max(w, h), math.Min(w, h)
		stacks := math.Ceil(float64(qty) / unitsPerStack)
		p = Parcel{
			LengthCM: long + unitMarginCM,
			WidthCM:  short + unitMarginCM,
			HeightCM: stacks * unitStackCM,
			WeightKG: paperKG + envelopeTareKG,
		}
	}

	p.WidthCM = roundUp(math.Max(p.WidthCM, MinWidthCM))
	p.LengthCM = roundUp(math.Max(p.LengthCM, MinLengthCM))
	p.HeightCM = roundUp(math.Max(p.HeightCM, MinHeightCM))
	p.WeightKG = math.Ceil(math.Max(p.WeightKG, MinWeightKG)*1000) / 1000
	if declaredValueMinor > 0 {
		p.DeclaredValueMinor = declaredValueMinor
	}
	return p
}

func roundUp(cm float64) float64 {
	return math.Ceil(cm)
}
