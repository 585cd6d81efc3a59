// Package ingest reads feature tables into apartment rows and writes the
// neighbor estimates back as extra columns.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"pricemap/server/config"
	"pricemap/server/internal/models"
)

// Input columns shared by both segments
const (
	LatitudeColumn         = "Latitude"
	LongitudeColumn        = "Longitude"
	AreaColumn             = "Area"
	RoomsColumn            = "Rooms"
	ConstructionYearColumn = "Construction_year"
	CityColumn             = "City"
	URLColumn              = "Url"
)

var (
	ErrMissingColumn = errors.New("missing column")
	ErrInvalidID     = errors.New("invalid id")
)

// Locator resolves the district a point lies in
type Locator interface {
	Locate(p orb.Point) (string, bool)
}

// Options controls how a table is read
type Options struct {
	// IDColumn holds the record id; rows are numbered from 0 when the column is absent
	IDColumn string

	// Locator, when set, overwrites the city of every located row
	Locator Locator

	// DropUnlocated skips rows the locator cannot place
	DropUnlocated bool
}

// Batch is the result of reading one table
type Batch struct {
	Apartments []*models.Apartment
	Skipped    int
}

// ReadApartments parses a CSV table of the given segment. Empty or
// unparsable numeric cells become nil.
func ReadApartments(r io.Reader, segment config.Segment, opts Options) (*Batch, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return &Batch{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	columns := indexColumns(header)
	for _, required := range []string{LatitudeColumn, LongitudeColumn, AreaColumn, segment.PriceColumn} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, required)
		}
	}
	idCol, hasID := columns[opts.IDColumn]
	if opts.IDColumn == "" {
		hasID = false
	}

	batch := &Batch{}
	for ordinal := int64(0); ; ordinal++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", ordinal+1, err)
		}

		cell := func(name string) string {
			i, ok := columns[name]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		id := ordinal
		if hasID {
			if idCol >= len(row) {
				return nil, fmt.Errorf("%w: row %d has no id", ErrInvalidID, ordinal+1)
			}
			id, err = parseID(row[idCol])
			if err != nil {
				return nil, fmt.Errorf("%w: row %d: %v", ErrInvalidID, ordinal+1, err)
			}
		}

		a := &models.Apartment{
			ID:               id,
			Segment:          segment.Name,
			Latitude:         parseFloat(cell(LatitudeColumn)),
			Longitude:        parseFloat(cell(LongitudeColumn)),
			Area:             parseFloat(cell(AreaColumn)),
			Price:            parseFloat(cell(segment.PriceColumn)),
			Rooms:            parseFloat(cell(RoomsColumn)),
			ConstructionYear: parseInt(cell(ConstructionYearColumn)),
			City:             cell(CityColumn),
			URL:              cell(URLColumn),
		}

		if opts.Locator != nil {
			located := false
			if a.HasCoordinates() {
				var district string
				district, located = opts.Locator.Locate(orb.Point{*a.Longitude, *a.Latitude})
				if located {
					a.City = district
				}
			}
			if !located && opts.DropUnlocated {
				batch.Skipped++
				continue
			}
		}

		batch.Apartments = append(batch.Apartments, a)
	}
	return batch, nil
}

func indexColumns(header []string) map[string]int {
	columns := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if _, ok := columns[name]; !ok {
			columns[name] = i
		}
	}
	return columns
}

// parseID accepts integers and integral floats such as "17.0"
func parseID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return id, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%q is not an integer", s)
	}
	return int64(f), nil
}

func parseFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func parseInt(s string) *int {
	f := parseFloat(s)
	if f == nil || *f != math.Trunc(*f) {
		return nil
	}
	v := int(*f)
	return &v
}
