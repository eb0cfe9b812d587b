package sheet

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// CSVFile is a Destination backed by a CSV file on disk. Every write rewrites
// the whole file atomically via temp+rename, which keeps the file consistent
// if the process dies mid-write.
type CSVFile struct {
	path string
	mu   sync.Mutex
}

// NewCSVFile creates the parent directory if needed
func NewCSVFile(path string) (*CSVFile, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create destination directory: %w", err)
		}
	}
	return &CSVFile{path: path}, nil
}

func (c *CSVFile) WriteRange(ctx context.Context, startRow int, rows []Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if startRow < 1 {
		return fmt.Errorf("start row must be >= 1, got %d", startRow)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	grid, err := c.load()
	if err != nil {
		return err
	}

	end := startRow + len(rows) - 1
	for len(grid) < end {
		grid = append(grid, Row{})
	}
	for i, row := range rows {
		copied := make(Row, len(row))
		copy(copied, row)
		grid[startRow-1+i] = copied
	}
	return c.flush(grid)
}

func (c *CSVFile) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flush(nil)
}

func (c *CSVFile) ReadAll(ctx context.Context) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load()
}

func (c *CSVFile) UsedExtent(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	grid, err := c.load()
	if err != nil {
		return 0, err
	}
	return len(grid), nil
}

// load reads the current grid. A missing file is an empty grid. Caller holds
// the lock.
func (c *CSVFile) load() ([]Row, error) {
	f, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open destination file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("destination file is not valid CSV: %w", err)
	}
	grid := make([]Row, len(records))
	for i, rec := range records {
		grid[i] = Row(rec)
	}
	return grid, nil
}

// flush writes the grid atomically. Caller holds the lock.
func (c *CSVFile) flush(grid []Row) error {
	tmp := c.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}

	writer := csv.NewWriter(f)
	for _, row := range grid {
		if err := writer.Write(row); err != nil {
			f.Close()
			return fmt.Errorf("failed to write destination row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
