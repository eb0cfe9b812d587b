package state

import "time"

// InitData seeds a fresh operation snapshot
type InitData struct {
	TotalRecords int
	BatchSize    int
	Config       map[string]string
	// Reset allows Initialize to overwrite existing state
	Reset bool
}

// ProgressUpdate is the payload for one successful batch
type ProgressUpdate struct {
	RecordsProcessed int
	// RecordOffset is the batch's position in the fetched record sequence
	RecordOffset int
	RowPosition  int
	Metadata     map[string]string
}

// Store defines the interface for progress checkpoint persistence
type Store interface {
	Initialize(operationID string, init InitData) (*ProgressSnapshot, error)
	Load(operationID string) (*ProgressSnapshot, error)
	UpdateProgress(operationID string, batchIndex int, update ProgressUpdate) (*ProgressSnapshot, error)
	RecordFailedBatch(operationID string, batchIndex int, cause error, retryCount int) error
	ClearFailedBatches(operationID string) error
	RecoveryInfo(operationID string) (RecoveryInfo, error)
	List() ([]string, error)
	Delete(operationID string) error
}

// backupTimestampFormat names backup files so lexical order is age order
const backupTimestampFormat = "20060102-150405.000000000"

func backupTimestamp(t time.Time) string {
	return t.Format(backupTimestampFormat)
}
