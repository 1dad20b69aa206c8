package daemon

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskweave/internal/model"
	"github.com/msageha/taskweave/internal/uds"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"info":    zerolog.InfoLevel,
		"warn":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLogLevel(in), in)
	}
}

// shortRoot keeps the socket path under the unix limit on macOS.
func shortRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "tw-d-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func testConfig() model.Config {
	cfg := model.DefaultConfig()
	cfg.Store.Backend = "memory"
	cfg.Retry.Transport.BackoffMs = 1
	cfg.Workers = map[string]model.WorkerCommandConfig{
		"default": {
			Command: "sh",
			Args:    []string{"-c", `cat >/dev/null; echo '{"kind":"completed","result":"ok"}'`},
		},
	}
	return cfg
}

func startDaemon(t *testing.T, cfg model.Config) (*Daemon, *uds.Client) {
	t.Helper()
	root := shortRoot(t)
	d := newDaemon(root, cfg, io.Discard, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	client := uds.NewClient(filepath.Join(root, uds.DefaultSocketName))
	client.SetTimeout(5 * time.Second)
	require.Eventually(t, func() bool {
		return client.Call(uds.CmdPing, nil, nil) == nil
	}, 5*time.Second, 10*time.Millisecond)
	return d, client
}

func TestDaemon_SubmitAndShow(t *testing.T) {
	_, client := startDaemon(t, testConfig())

	var sum ItemSummary
	require.NoError(t, client.Call(uds.CmdSubmit, model.Submission{Instruction: "say ok"}, &sum))
	require.NotEmpty(t, sum.ID)

	require.Eventually(t, func() bool {
		var item model.WorkItem
		return client.Call(uds.CmdShow, uds.ItemParams{ItemID: sum.ID}, &item) == nil &&
			item.State == model.StateCompleted
	}, 10*time.Second, 20*time.Millisecond)

	var list []ItemSummary
	require.NoError(t, client.Call(uds.CmdList, uds.ListParams{State: string(model.StateCompleted)}, &list))
	require.Len(t, list, 1)
	assert.Equal(t, sum.ID, list[0].ID)

	var st Status
	require.NoError(t, client.Call(uds.CmdStatus, nil, &st))
	assert.Equal(t, 1, st.States[model.StateCompleted])
}

func TestDaemon_ErrorCodes(t *testing.T) {
	_, client := startDaemon(t, testConfig())

	var detail *uds.ErrorDetail
	err := client.Call(uds.CmdShow, uds.ItemParams{ItemID: "item_0000000001_deadbeef"}, nil)
	require.True(t, errors.As(err, &detail))
	assert.Equal(t, uds.ErrCodeNotFound, detail.Code)

	err = client.Call(uds.CmdSubmit, model.Submission{}, nil)
	require.True(t, errors.As(err, &detail))
	assert.Equal(t, uds.ErrCodeValidation, detail.Code)

	err = client.Call(uds.CmdManual, uds.ManualParams{Scope: "galaxy", Enabled: true}, nil)
	require.True(t, errors.As(err, &detail))
	assert.Equal(t, uds.ErrCodeValidation, detail.Code)
}

func TestDaemon_ManualSteppingAndDepend(t *testing.T) {
	_, client := startDaemon(t, testConfig())

	var scopes []map[string]string
	require.NoError(t, client.Call(uds.CmdManual, uds.ManualParams{Scope: "global", Enabled: true}, &scopes))
	require.Len(t, scopes, 1)

	var a, b ItemSummary
	require.NoError(t, client.Call(uds.CmdSubmit, model.Submission{Instruction: "a"}, &a))
	require.NoError(t, client.Call(uds.CmdSubmit, model.Submission{Instruction: "b"}, &b))
	waitState := func(id string, state model.State) {
		require.Eventually(t, func() bool {
			var item model.WorkItem
			return client.Call(uds.CmdShow, uds.ItemParams{ItemID: id}, &item) == nil && item.State == state
		}, 10*time.Second, 20*time.Millisecond)
	}
	waitState(a.ID, model.StateManualHold)
	waitState(b.ID, model.StateManualHold)

	require.NoError(t, client.Call(uds.CmdDepend, uds.DependParams{ItemID: b.ID, DependsOn: a.ID}, nil))
	var shown ItemDetail
	require.NoError(t, client.Call(uds.CmdShow, uds.ItemParams{ItemID: a.ID}, &shown))
	assert.Equal(t, a.ID, shown.ID)
	assert.Equal(t, []string{b.ID}, shown.Blocks)

	var detail *uds.ErrorDetail
	err := client.Call(uds.CmdDepend, uds.DependParams{ItemID: a.ID, DependsOn: b.ID}, nil)
	require.True(t, errors.As(err, &detail))
	assert.Equal(t, uds.ErrCodeCycle, detail.Code)

	var stepped ItemSummary
	require.NoError(t, client.Call(uds.CmdStep, uds.ItemParams{ItemID: a.ID}, &stepped))
	waitState(a.ID, model.StateCompleted)

	err = client.Call(uds.CmdResume, uds.ItemParams{ItemID: a.ID}, nil)
	require.True(t, errors.As(err, &detail))
	assert.Equal(t, uds.ErrCodeConflict, detail.Code)

	require.NoError(t, client.Call(uds.CmdManual, uds.ManualParams{Scope: "global", Enabled: false}, nil))
	waitState(b.ID, model.StateCompleted)
}

func TestDaemon_StartsOnFreshRoot(t *testing.T) {
	d, client := startDaemon(t, testConfig())

	_, err := os.Stat(filepath.Join(d.root, "locks", "daemon.lock"))
	require.NoError(t, err)
	var st Status
	require.NoError(t, client.Call(uds.CmdStatus, nil, &st))
	assert.Equal(t, os.Getpid(), st.PID)
}

func TestDaemon_SecondInstanceRefused(t *testing.T) {
	d, _ := startDaemon(t, testConfig())

	other := newDaemon(d.root, testConfig(), io.Discard, nil)
	err := other.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon lock")
}
