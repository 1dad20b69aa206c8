package events

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskweave/internal/model"
)

func TestAuditLogger_Record(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "events.jsonl")
	l, err := NewAuditLogger(path, 0)
	require.NoError(t, err)

	failed := &model.WorkItem{ID: "item_b", TreeID: "tree_1", State: model.StateFailed,
		Error: model.CausedBy(model.ErrDependencyFailed, "item_c", model.NewItemError(model.ErrWorkerFailed, "exit 1"))}
	n := NewNotification(KindTerminal, failed)
	n.Affected = []string{"item_d", "item_e"}
	l.Record(n)
	require.NoError(t, l.Close())

	entries, err := ReadEntries(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "terminal", e.EventType)
	assert.Equal(t, "item_b", e.ItemID)
	assert.Equal(t, "dependency_failed", e.Details["error_kind"])
	assert.Equal(t, "item_c", e.Details["cause_chain"])
	assert.Equal(t, "item_d,item_e", e.Details["affected"])
}

func TestAuditLogger_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := NewAuditLogger(path, 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.WriteEntry(&LogEntry{EventType: "hold"}))
		}()
	}
	wg.Wait()
	require.NoError(t, l.Close())

	total, valid, err := VerifyLogIntegrity(path)
	require.NoError(t, err)
	assert.Equal(t, 50, total)
	assert.Equal(t, 50, valid)
}

func TestAuditLogger_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	l, err := NewAuditLogger(path, 300)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, l.WriteEntry(&LogEntry{EventType: "terminal", ItemID: "item_rotation"}))
	}
	require.NoError(t, l.Close())

	archived, err := os.ReadDir(filepath.Join(dir, ArchiveDir))
	require.NoError(t, err)
	assert.NotEmpty(t, archived)
}

func TestAuditLogger_ChecksumDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := NewAuditLogger(path, 0)
	require.NoError(t, err)
	l.EnableChecksum(true)
	require.NoError(t, l.WriteEntry(&LogEntry{EventType: "hold", ItemID: "item_1"}))
	require.NoError(t, l.WriteEntry(&LogEntry{EventType: "hold", ItemID: "item_2"}))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte("item_2"), []byte("item_3"), 1)
	require.NoError(t, os.WriteFile(path, tampered, 0644))

	total, valid, err := VerifyLogIntegrity(path)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, valid)
}
