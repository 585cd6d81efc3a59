package ingest

import (
	"bytes"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricemap/server/config"
	"pricemap/server/internal/estimator"
)

const buyTable = `Id,Latitude,Longitude,Area,Price_buy,Rooms,Construction_year,City
1,51.0,7.0,50,100000,2,1990,Koeln
2,51.01,7.01,60,150000,,n/a,Koeln
3,,8.0,70,400000,3,2001.0,Bonn
4,52.0,8.0,abc,,1,,Bonn
`

type stubLocator map[orb.Point]string

func (s stubLocator) Locate(p orb.Point) (string, bool) {
	name, ok := s[p]
	return name, ok
}

func buySegment(t *testing.T) config.Segment {
	segment := config.GetSegmentByName("buy")
	require.NotNil(t, segment)
	return *segment
}

func TestReadApartments(t *testing.T) {
	batch, err := ReadApartments(strings.NewReader(buyTable), buySegment(t), Options{IDColumn: "Id"})
	require.NoError(t, err)
	require.Len(t, batch.Apartments, 4)
	assert.Zero(t, batch.Skipped)

	first := batch.Apartments[0]
	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, "buy", first.Segment)
	assert.Equal(t, 51.0, *first.Latitude)
	assert.Equal(t, 7.0, *first.Longitude)
	assert.Equal(t, 50.0, *first.Area)
	assert.Equal(t, 100000.0, *first.Price)
	assert.Equal(t, 2.0, *first.Rooms)
	assert.Equal(t, 1990, *first.ConstructionYear)
	assert.Equal(t, "Koeln", first.City)

	second := batch.Apartments[1]
	assert.Nil(t, second.Rooms)
	assert.Nil(t, second.ConstructionYear)

	third := batch.Apartments[2]
	assert.Nil(t, third.Latitude)
	assert.False(t, third.HasCoordinates())
	assert.Equal(t, 2001, *third.ConstructionYear)

	fourth := batch.Apartments[3]
	assert.Nil(t, fourth.Area)
	assert.Nil(t, fourth.Price)
}

func TestReadApartmentsWithoutIDColumn(t *testing.T) {
	table := "Latitude,Longitude,Area,Price_rent_cold\n51,7,50,700\n51.1,7.1,40,500\n"
	segment := config.GetSegmentByName("rent")
	require.NotNil(t, segment)

	batch, err := ReadApartments(strings.NewReader(table), *segment, Options{IDColumn: "Id"})
	require.NoError(t, err)
	require.Len(t, batch.Apartments, 2)
	assert.Equal(t, int64(0), batch.Apartments[0].ID)
	assert.Equal(t, int64(1), batch.Apartments[1].ID)
	assert.Equal(t, 500.0, *batch.Apartments[1].Price)
}

func TestReadApartmentsErrors(t *testing.T) {
	tests := []struct {
		name    string
		table   string
		wantErr error
	}{
		{"missing price column", "Id,Latitude,Longitude,Area\n1,51,7,50\n", ErrMissingColumn},
		{"bad id", "Id,Latitude,Longitude,Area,Price_buy\nx,51,7,50,1000\n", ErrInvalidID},
		{"fractional id", "Id,Latitude,Longitude,Area,Price_buy\n1.5,51,7,50,1000\n", ErrInvalidID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadApartments(strings.NewReader(tt.table), buySegment(t), Options{IDColumn: "Id"})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestReadApartmentsEmptyInput(t *testing.T) {
	batch, err := ReadApartments(strings.NewReader(""), buySegment(t), Options{})
	require.NoError(t, err)
	assert.Empty(t, batch.Apartments)
}

func TestReadApartmentsLocator(t *testing.T) {
	locator := stubLocator{{7.0, 51.0}: "Altstadt-Nord"}

	batch, err := ReadApartments(strings.NewReader(buyTable), buySegment(t), Options{
		IDColumn:      "Id",
		Locator:       locator,
		DropUnlocated: true,
	})
	require.NoError(t, err)
	require.Len(t, batch.Apartments, 1)
	assert.Equal(t, 3, batch.Skipped)
	assert.Equal(t, "Altstadt-Nord", batch.Apartments[0].City)

	batch, err = ReadApartments(strings.NewReader(buyTable), buySegment(t), Options{IDColumn: "Id", Locator: locator})
	require.NoError(t, err)
	assert.Len(t, batch.Apartments, 4)
	assert.Equal(t, "Koeln", batch.Apartments[1].City)
}

func TestWriteJoined(t *testing.T) {
	estimates := map[int64]estimator.Estimate{
		1: {ID: 1, PricePerArea: 2250, Price: 112500},
		3: {ID: 3, PricePerArea: 2000.5, Price: 140035},
	}
	perArea, price := config.EstimateColumns(false)

	var out bytes.Buffer
	err := WriteJoined(strings.NewReader(buyTable), &out, estimates, JoinOptions{
		IDColumn:           "Id",
		PricePerAreaColumn: perArea,
		PriceColumn:        price,
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "Id,Latitude,Longitude,Area,Price_buy,Rooms,Construction_year,City,Nearest_price_perArea,Price_estimate_nearest", lines[0])
	assert.Equal(t, "1,51.0,7.0,50,100000,2,1990,Koeln,2250,112500", lines[1])
	assert.Equal(t, "2,51.01,7.01,60,150000,,n/a,Koeln,,", lines[2])
	assert.Equal(t, "3,,8.0,70,400000,3,2001.0,Bonn,2000.5,140035", lines[3])
}
