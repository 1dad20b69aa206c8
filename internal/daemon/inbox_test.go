package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskweave/internal/model"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	subs []model.Submission
}

func (f *fakeSubmitter) Submit(sub model.Submission) (*model.WorkItem, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, sub)
	return &model.WorkItem{ID: fmt.Sprintf("item_%d", len(f.subs)), TreeID: "tree_1"}, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func newInbox(t *testing.T) (*Inbox, *fakeSubmitter, string) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "inbox")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "processed"), 0755))
	sub := &fakeSubmitter{}
	return NewInbox(dir, root, sub, zerolog.Nop()), sub, root
}

func TestInbox_HandleFile(t *testing.T) {
	in, sub, root := newInbox(t)

	good := filepath.Join(in.dir, "a.yaml")
	require.NoError(t, os.WriteFile(good, []byte("instruction: build it\ndomain_key: backend\npriority: 2\n"), 0644))
	in.HandleFile(good)

	require.Equal(t, 1, sub.count())
	assert.Equal(t, "backend", sub.subs[0].DomainKey)
	assert.Equal(t, 2, sub.subs[0].Priority)
	_, err := os.Stat(good)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	processed, err := os.ReadDir(filepath.Join(in.dir, "processed"))
	require.NoError(t, err)
	assert.Len(t, processed, 1)

	invalid := filepath.Join(in.dir, "b.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("priority: 1\n"), 0644))
	in.HandleFile(invalid)
	assert.Equal(t, 1, sub.count())
	quarantined, err := os.ReadDir(filepath.Join(root, "quarantine"))
	require.NoError(t, err)
	assert.Len(t, quarantined, 1)
}

func TestInbox_IgnoresPartialAndForeignFiles(t *testing.T) {
	in, sub, _ := newInbox(t)

	empty := filepath.Join(in.dir, "c.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	in.HandleFile(empty)
	_, err := os.Stat(empty)
	assert.NoError(t, err, "empty file stays for the next write")

	notes := filepath.Join(in.dir, "notes.txt")
	require.NoError(t, os.WriteFile(notes, []byte("instruction: x"), 0644))
	in.HandleFile(notes)
	in.HandleFile(filepath.Join(in.dir, "missing.yaml"))
	assert.Zero(t, sub.count())
}

func TestInbox_RunPicksUpExistingAndNewFiles(t *testing.T) {
	in, sub, _ := newInbox(t)
	require.NoError(t, os.WriteFile(filepath.Join(in.dir, "early.yaml"), []byte("instruction: early\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	require.Eventually(t, func() bool { return sub.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(in.dir, "late.yml"), []byte("instruction: late\n"), 0644))
	require.Eventually(t, func() bool { return sub.count() == 2 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
