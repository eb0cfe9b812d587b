package app

import (
	"context"
	"fmt"
	"time"

	"orders2sheet/internal/batch"
	"orders2sheet/internal/rows"
	"orders2sheet/internal/sheet"
	"orders2sheet/internal/source"
)

// RowMapper projects records onto destination rows through a fixed, ordered
// column list. Missing fields become empty cells so column positions stay
// stable across records with different shapes.
type RowMapper struct {
	columns []string
}

// NewRowMapper creates a mapper for the given column order
func NewRowMapper(columns []string) *RowMapper {
	return &RowMapper{columns: columns}
}

// Header returns the header row
func (m *RowMapper) Header() sheet.Row {
	header := make(sheet.Row, len(m.columns))
	copy(header, m.columns)
	return header
}

// ToRow converts one record to a destination row
func (m *RowMapper) ToRow(rec source.Record) sheet.Row {
	row := make(sheet.Row, len(m.columns))
	for i, col := range m.columns {
		v, ok := rec[col]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			row[i] = t
		case time.Time:
			row[i] = t.Format(time.RFC3339)
		case float64:
			// JSON numbers decode as float64; keep integers undecorated
			if t == float64(int64(t)) {
				row[i] = fmt.Sprintf("%d", int64(t))
			} else {
				row[i] = fmt.Sprintf("%g", t)
			}
		default:
			row[i] = fmt.Sprint(t)
		}
	}
	return row
}

// ToRecord converts a destination row back to a record; used when
// reconciling against content the destination already holds
func (m *RowMapper) ToRecord(row sheet.Row) source.Record {
	rec := make(source.Record, len(m.columns))
	for i, col := range m.columns {
		if i < len(row) && row[i] != "" {
			rec[col] = row[i]
		}
	}
	return rec
}

// WriteFunc returns a batch write function that maps records to rows and
// writes them at the batch's allocated range
func (m *RowMapper) WriteFunc(dst sheet.Destination) batch.WriteFunc {
	return func(ctx context.Context, rng rows.RowRange, records []source.Record) error {
		if len(records) != rng.Rows() {
			return fmt.Errorf("range %s holds %d rows but batch has %d records",
				rng, rng.Rows(), len(records))
		}
		out := make([]sheet.Row, len(records))
		for i, rec := range records {
			out[i] = m.ToRow(rec)
		}
		return dst.WriteRange(ctx, rng.StartRow, out)
	}
}
