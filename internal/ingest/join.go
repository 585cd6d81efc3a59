package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"pricemap/server/internal/estimator"
)

// JoinOptions names the id column and the appended estimate columns
type JoinOptions struct {
	IDColumn           string
	PricePerAreaColumn string
	PriceColumn        string
}

// WriteJoined copies the table from r to w and appends the estimate columns
// joined by id. Rows without an estimate get empty cells. Ids follow the
// same rules as ReadApartments.
func WriteJoined(r io.Reader, w io.Writer, estimates map[int64]estimator.Estimate, opts JoinOptions) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	writer := csv.NewWriter(w)

	header, err := reader.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	idCol, hasID := indexColumns(header)[opts.IDColumn]
	if opts.IDColumn == "" {
		hasID = false
	}

	if err := writer.Write(append(header, opts.PricePerAreaColumn, opts.PriceColumn)); err != nil {
		return err
	}

	for ordinal := int64(0); ; ordinal++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read row %d: %w", ordinal+1, err)
		}

		id := ordinal
		if hasID {
			if idCol >= len(row) {
				return fmt.Errorf("%w: row %d has no id", ErrInvalidID, ordinal+1)
			}
			if id, err = parseID(row[idCol]); err != nil {
				return fmt.Errorf("%w: row %d: %v", ErrInvalidID, ordinal+1, err)
			}
		}

		perArea, price := "", ""
		if est, ok := estimates[id]; ok {
			perArea = strconv.FormatFloat(est.PricePerArea, 'f', -1, 64)
			price = strconv.FormatFloat(est.Price, 'f', -1, 64)
		}
		if err := writer.Write(append(row, perArea, price)); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}
