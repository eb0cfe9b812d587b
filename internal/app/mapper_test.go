package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orders2sheet/internal/rows"
	"orders2sheet/internal/sheet"
	"orders2sheet/internal/source"
)

func TestRowMapperToRow(t *testing.T) {
	m := NewRowMapper([]string{"order_id", "amount", "status", "missing"})

	row := m.ToRow(source.Record{
		"order_id": "ORD-001",
		"amount":   float64(42),
		"status":   "shipped",
		"ignored":  "not a column",
	})

	assert.Equal(t, sheet.Row{"ORD-001", "42", "shipped", ""}, row)
}

func TestRowMapperFloatFormatting(t *testing.T) {
	m := NewRowMapper([]string{"amount"})

	assert.Equal(t, sheet.Row{"19.99"}, m.ToRow(source.Record{"amount": 19.99}))
	assert.Equal(t, sheet.Row{"100"}, m.ToRow(source.Record{"amount": float64(100)}))
}

func TestRowMapperToRecord(t *testing.T) {
	m := NewRowMapper([]string{"order_id", "amount", "status"})

	rec := m.ToRecord(sheet.Row{"ORD-002", "10.50", ""})
	assert.Equal(t, source.Record{"order_id": "ORD-002", "amount": "10.50"}, rec)

	// short rows are tolerated
	rec = m.ToRecord(sheet.Row{"ORD-003"})
	assert.Equal(t, source.Record{"order_id": "ORD-003"}, rec)
}

func TestRowMapperWriteFunc(t *testing.T) {
	m := NewRowMapper([]string{"order_id"})
	dst := sheet.NewMemory(0)
	write := m.WriteFunc(dst)

	rng := rows.RowRange{StartRow: 2, EndRow: 3, BatchIndex: 0}
	err := write(context.Background(), rng, []source.Record{
		{"order_id": "A"},
		{"order_id": "B"},
	})
	require.NoError(t, err)

	row, ok := dst.Row(3)
	require.True(t, ok)
	assert.Equal(t, sheet.Row{"B"}, row)

	// record count must match the allocated range exactly
	err = write(context.Background(), rng, []source.Record{{"order_id": "A"}})
	assert.ErrorContains(t, err, "holds 2 rows but batch has 1")
}
