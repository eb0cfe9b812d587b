package sheet

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-memory Destination used by tests and dry runs. An optional
// row limit makes it simulate destination resource exhaustion.
type Memory struct {
	mu      sync.Mutex
	rows    map[int]Row
	maxRow  int
	MaxRows int
}

// NewMemory creates an empty in-memory grid. maxRows of 0 means unlimited.
func NewMemory(maxRows int) *Memory {
	return &Memory{
		rows:    make(map[int]Row),
		MaxRows: maxRows,
	}
}

// WriteRange fills startRow onward with the given rows
func (m *Memory) WriteRange(ctx context.Context, startRow int, rows []Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if startRow < 1 {
		return fmt.Errorf("start row must be >= 1, got %d", startRow)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	end := startRow + len(rows) - 1
	if m.MaxRows > 0 && end > m.MaxRows {
		return fmt.Errorf("write of rows %d-%d exceeds limit of %d rows: grid limit exceeded", startRow, end, m.MaxRows)
	}

	for i, row := range rows {
		copied := make(Row, len(row))
		copy(copied, row)
		m.rows[startRow+i] = copied
	}
	if end > m.maxRow {
		m.maxRow = end
	}
	return nil
}

// Clear removes all content
func (m *Memory) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = make(map[int]Row)
	m.maxRow = 0
	return nil
}

// ReadAll returns rows 1..extent; rows never written come back empty
func (m *Memory) ReadAll(ctx context.Context) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Row, m.maxRow)
	for i := 1; i <= m.maxRow; i++ {
		if row, ok := m.rows[i]; ok {
			copied := make(Row, len(row))
			copy(copied, row)
			out[i-1] = copied
		} else {
			out[i-1] = Row{}
		}
	}
	return out, nil
}

// UsedExtent returns the highest written row number
func (m *Memory) UsedExtent(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxRow, nil
}

// Row returns a single row for assertions in tests
func (m *Memory) Row(n int) (Row, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[n]
	return row, ok
}
