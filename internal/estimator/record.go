// Package estimator derives price-per-area estimates for apartments from
// their geographically nearest neighbors.
package estimator

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"pricemap/server/internal/geodesy"
	"pricemap/server/internal/models"
)

var (
	ErrInvalidRecord     = errors.New("invalid record")
	ErrDuplicateID       = errors.New("duplicate record id")
	ErrEmptyNeighborSet  = errors.New("empty neighbor set")
	ErrPartitionOverlap  = errors.New("training and test partitions overlap")
	ErrMissingCoordinate = fmt.Errorf("%w: missing latitude or longitude", geodesy.ErrInvalidCoordinate)
)

// Record is a validated apartment that can take part in a neighbor search.
type Record struct {
	ID       int64
	Location orb.Point
	Area     float64
	Price    float64

	pricePerArea float64
}

// MakeRecord validates the values and caches the price per area.
func MakeRecord(id int64, lat, lon, area, price float64) (Record, error) {
	location := orb.Point{lon, lat}
	if err := geodesy.Validate(location); err != nil {
		return Record{}, err
	}
	if !positive(area) {
		return Record{}, fmt.Errorf("%w: area %v", ErrInvalidRecord, area)
	}
	if !positive(price) {
		return Record{}, fmt.Errorf("%w: price %v", ErrInvalidRecord, price)
	}
	return Record{
		ID:           id,
		Location:     location,
		Area:         area,
		Price:        price,
		pricePerArea: price / area,
	}, nil
}

// NewRecord converts an upstream row. Missing coordinates are reported as
// invalid coordinates, missing area or price as invalid records.
func NewRecord(a models.Apartment) (Record, error) {
	if !a.HasCoordinates() {
		return Record{}, ErrMissingCoordinate
	}
	if a.Area == nil {
		return Record{}, fmt.Errorf("%w: missing area", ErrInvalidRecord)
	}
	if a.Price == nil {
		return Record{}, fmt.Errorf("%w: missing price", ErrInvalidRecord)
	}
	return MakeRecord(a.ID, *a.Latitude, *a.Longitude, *a.Area, *a.Price)
}

// PricePerArea returns the cached price divided by area.
func (r Record) PricePerArea() float64 {
	return r.pricePerArea
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// Partition tells which part of the data a query record belongs to.
type Partition string

const (
	PartitionAll   Partition = "all"
	PartitionTrain Partition = "train"
	PartitionTest  Partition = "test"
)

// RecordError is the failure of a single query record. It never aborts the
// rest of the batch.
type RecordError struct {
	ID        int64
	Partition Partition
	Err       error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d (%s): %v", e.ID, e.Partition, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}
