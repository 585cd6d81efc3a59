package models

import "time"

// Apartment is one listing row as delivered by the cleaning/feature layer.
// Optional values are nil when the source row has no value for them.
type Apartment struct {
	ID               int64     `json:"id" gorm:"primaryKey;autoIncrement:false"`
	Segment          string    `json:"segment" gorm:"primaryKey"`
	Latitude         *float64  `json:"latitude"`
	Longitude        *float64  `json:"longitude"`
	Area             *float64  `json:"area"`
	Price            *float64  `json:"price"`
	Rooms            *float64  `json:"rooms"`
	ConstructionYear *int      `json:"construction_year"`
	City             string    `json:"city"`
	URL              string    `json:"url"`
	Geohash          string    `json:"geohash" gorm:"index"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// HasCoordinates reports whether both latitude and longitude are present
func (a *Apartment) HasCoordinates() bool {
	return a.Latitude != nil && a.Longitude != nil
}

// EstimationRun is one execution of the neighbor estimator over a segment
type EstimationRun struct {
	ID           string     `json:"id" gorm:"primaryKey"`
	Segment      string     `json:"segment" gorm:"index"`
	Mode         string     `json:"mode"`
	K            int        `json:"k"`
	Policy       string     `json:"policy"`
	Strategy     string     `json:"strategy"`
	TestFraction float64    `json:"test_fraction"`
	Seed         int64      `json:"seed"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
	Estimated    int        `json:"estimated"`
	Failed       int        `json:"failed"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at"`
}

// Run statuses
const (
	RunStatusRunning  = "running"
	RunStatusFinished = "finished"
	RunStatusFailed   = "failed"
)

// Estimate is the persisted neighbor estimate of one apartment in one run.
// Failed records keep nil estimates and the error message.
type Estimate struct {
	RunID         string   `json:"run_id" gorm:"primaryKey"`
	ApartmentID   int64    `json:"apartment_id" gorm:"primaryKey;autoIncrement:false"`
	Segment       string   `json:"segment"`
	Partition     string   `json:"partition"`
	PricePerArea  *float64 `json:"price_per_area"`
	Price         *float64 `json:"price"`
	NeighborCount int      `json:"neighbor_count"`
	Degraded      bool     `json:"degraded"`
	Error         string   `json:"error,omitempty"`
	Latitude      *float64 `json:"latitude"`
	Longitude     *float64 `json:"longitude"`
}

// SegmentStats summarizes the stored apartments of a segment
type SegmentStats struct {
	Segment         string  `json:"segment"`
	TotalApartments int     `json:"total_apartments"`
	WithCoordinates int     `json:"with_coordinates"`
	MedianPerArea   float64 `json:"median_price_per_area"`
}
