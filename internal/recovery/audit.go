package recovery

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// AuditEntry is one recorded recovery action
type AuditEntry struct {
	ID          int64
	OperationID string
	Action      string
	Detail      string
	Outcome     string
	CreatedAt   time.Time
}

// AuditLog is an append-only SQLite log of destructive recovery actions
// (snapshots, rollbacks, conflict resolutions)
type AuditLog struct {
	db      *sql.DB
	closed  bool
	writeMu sync.Mutex
}

// NewAuditLog opens (or creates) the audit database at dbPath
func NewAuditLog(dbPath string) (*AuditLog, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=60000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	log := &AuditLog{db: db}
	if err := log.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit tables: %w", err)
	}
	return log, nil
}

func (a *AuditLog) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation_id TEXT NOT NULL,
		action TEXT NOT NULL,
		detail TEXT,
		outcome TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_operation ON audit(operation_id);
	CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit(created_at);
	`
	_, err := a.db.Exec(query)
	return err
}

// Record appends one audit entry
func (a *AuditLog) Record(operationID, action, detail, outcome string) error {
	if a.closed {
		return fmt.Errorf("audit log is closed")
	}

	// Serialize writes to avoid SQLITE_BUSY from concurrent writers
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	return a.retryOnBusy(func() error {
		_, err := a.db.Exec(
			`INSERT INTO audit (operation_id, action, detail, outcome, created_at) VALUES (?, ?, ?, ?, ?)`,
			operationID, action, detail, outcome, time.Now(),
		)
		return err
	})
}

// List returns the audit trail for an operation, oldest first
func (a *AuditLog) List(operationID string) ([]AuditEntry, error) {
	if a.closed {
		return nil, fmt.Errorf("audit log is closed")
	}

	rows, err := a.db.Query(
		`SELECT id, operation_id, action, detail, outcome, created_at FROM audit WHERE operation_id = ? ORDER BY id`,
		operationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.OperationID, &e.Action, &detail, &e.Outcome, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail.Valid {
			e.Detail = detail.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close shuts down the audit database
func (a *AuditLog) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	return a.db.Close()
}

func (a *AuditLog) retryOnBusy(operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		if isSQLiteBusyError(err) && attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<uint(attempt))
			jitter := time.Duration(attempt*10) * time.Millisecond
			time.Sleep(delay + jitter)
			continue
		}
		return err
	}
	return fmt.Errorf("operation failed after %d retries", maxRetries)
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}
