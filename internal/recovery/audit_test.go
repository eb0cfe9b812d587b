package recovery

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogRecordAndList(t *testing.T) {
	log, err := NewAuditLog(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer log.Close()

	require.NoError(t, log.Record("op-1", "create_snapshot", "snap-a", "ok"))
	require.NoError(t, log.Record("op-1", "rollback", "snap-a", "ok"))
	require.NoError(t, log.Record("op-2", "create_snapshot", "snap-b", "failed: read error"))

	entries, err := log.List("op-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "create_snapshot", entries[0].Action)
	assert.Equal(t, "rollback", entries[1].Action)
	assert.True(t, entries[1].ID > entries[0].ID)
	assert.False(t, entries[0].CreatedAt.IsZero())

	other, err := log.List("op-2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "failed: read error", other[0].Outcome)
}

func TestAuditLogClosed(t *testing.T) {
	log, err := NewAuditLog(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	require.NoError(t, log.Close())

	assert.Error(t, log.Record("op-1", "rollback", "", "ok"))
	_, err = log.List("op-1")
	assert.Error(t, err)
}
