package sheet

import "context"

// Row is one destination row of cell values
type Row []string

// Destination defines the interface to the spreadsheet-like write target.
// Writes are range-addressed: startRow is 1-based and the rows slice fills
// startRow..startRow+len(rows)-1.
type Destination interface {
	WriteRange(ctx context.Context, startRow int, rows []Row) error
	Clear(ctx context.Context) error
	// ReadAll returns the full current content including the header row;
	// used by the recovery manager for snapshots and rollback
	ReadAll(ctx context.Context) ([]Row, error)
	// UsedExtent returns the number of rows currently in use
	UsedExtent(ctx context.Context) (int, error)
}
