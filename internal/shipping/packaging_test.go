package shipping

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateParcel_SmallUnitsHitFloors(t *testing.T) {
	p := EstimateParcel(Item{WidthCM: 5, HeightCM: 5, Quantity: 10, Presentation: PresentationUnit}, 4990)
	assert.Equal(t, MinWidthCM, p.WidthCM)
	assert.Equal(t, MinLengthCM, p.LengthCM)
	assert.Equal(t, MinHeightCM, p.HeightCM)
	assert.InDelta(t, MinWeightKG, p.WeightKG, 0.001)
	assert.Equal(t, int64(4990), p.DeclaredValueMinor)
}

func TestEstimateParcel_SheetsUseFlatPackaging(t *testing.T) {
	p := EstimateParcel(Item{WidthCM: 21, HeightCM: 29.7, Quantity: 120, Presentation: PresentationSheet}, 0)
	assert.Equal(t, 32.0, p.LengthCM)
	assert.Equal(t, 23.0, p.WidthCM)
	assert.Equal(t, 2.0, p.HeightCM)
	// 120 * 0.0624 m2 * 120 g/m2 = 0.898 kg + tare
	assert.InDelta(t, 1.049, p.WeightKG, 0.002)
}

func TestEstimateParcel_LargeUnitRunGrowsHeight(t *testing.T) {
	p := EstimateParcel(Item{WidthCM: 10, HeightCM: 10, Quantity: 900, Presentation: PresentationUnit}, 0)
	assert.Equal(t, 3.0, p.HeightCM)
	assert.Equal(t, 16.0, p.LengthCM)
	assert.Equal(t, 11.0, p.WidthCM)
}

func TestEstimateParcel_MissingDimensionsUseDefaults(t *testing.T) {
	p := EstimateParcel(Item{}, 0)
	assert.Equal(t, MinWidthCM, p.WidthCM)
	assert.InDelta(t, MinWeightKG, p.WeightKG, 0.001)
}

func TestParsePresentation(t *testing.T) {
	assert.Equal(t, PresentationSheet, ParsePresentation("Cartela"))
	assert.Equal(t, PresentationUnit, ParsePresentation("avulso"))
	assert.Equal(t, PresentationUnit, ParsePresentation(""))
}
