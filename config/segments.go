package config

import "strings"

// Segment represents one market segment. Buy and rent listings are separate
// record universes and never share a reference set.
type Segment struct {
	Name               string `json:"name"`
	PriceColumn        string `json:"price_column"`
	PricePerAreaColumn string `json:"price_per_area_column"`
}

// Output columns appended to the feature table
const (
	NearestPricePerAreaColumn  = "Nearest_price_perArea"
	NearestPriceEstimateColumn = "Price_estimate_nearest"
	ForModelSuffix             = "_forModel"
)

// SupportedSegments is a list of market segments supported by the application
var SupportedSegments = []Segment{
	{
		Name:               "buy",
		PriceColumn:        "Price_buy",
		PricePerAreaColumn: "Price_buy_perArea",
	},
	{
		Name:               "rent",
		PriceColumn:        "Price_rent_cold",
		PricePerAreaColumn: "Price_rent_cold_perArea",
	},
}

// GetSegmentNames returns a list of supported segment names
func GetSegmentNames() []string {
	names := make([]string, len(SupportedSegments))
	for i, segment := range SupportedSegments {
		names[i] = segment.Name
	}
	return names
}

// GetSegmentByName returns a segment configuration by name
func GetSegmentByName(name string) *Segment {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, segment := range SupportedSegments {
		if segment.Name == name {
			return &segment
		}
	}
	return nil
}

// EstimateColumns returns the names of the price-per-area and price estimate
// columns. Partitioned runs get the "_forModel" suffix.
func EstimateColumns(partitioned bool) (string, string) {
	if partitioned {
		return NearestPricePerAreaColumn + ForModelSuffix, NearestPriceEstimateColumn + ForModelSuffix
	}
	return NearestPricePerAreaColumn, NearestPriceEstimateColumn
}
