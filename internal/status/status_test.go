package status

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskweave/internal/invocation"
	"github.com/msageha/taskweave/internal/model"
	"github.com/msageha/taskweave/internal/uds"
)

func TestCollect_DaemonNotRunning(t *testing.T) {
	dir, err := os.MkdirTemp("/tmp", "tw-st-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	r := Collect(dir, nil)
	assert.False(t, r.Daemon.Running)
	assert.Empty(t, r.Daemon.Error)
}

func TestCollect_RunningDaemon(t *testing.T) {
	dir, err := os.MkdirTemp("/tmp", "tw-st-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	srv := uds.NewServer(dir+"/"+uds.DefaultSocketName, zerolog.Nop())
	srv.Handle(uds.CmdStatus, func(*uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{
			"pid":      7,
			"states":   map[string]int{"invoking": 2},
			"stepping": []map[string]string{{"kind": "tree", "id": "tree_1"}},
			"queue":    []map[string]any{{"item_id": "item_9", "tree_id": "tree_2", "priority": 3}},
		})
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	r := Collect(dir, nil)
	require.True(t, r.Daemon.Running)
	assert.Equal(t, 7, r.Daemon.PID)
	assert.Equal(t, 2, r.States[model.StateInvoking])
	require.Len(t, r.Stepping, 1)
	assert.Equal(t, invocation.ScopeTree, r.Stepping[0].Kind)
	require.Len(t, r.Queue, 1)
	assert.Equal(t, "item_9", r.Queue[0].ItemID)
	assert.Equal(t, 3, r.Queue[0].Priority)
}

func TestWrite_Text(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, Report{}, false))
	assert.Equal(t, "Daemon: stopped\n", buf.String())

	buf.Reset()
	require.NoError(t, Write(&buf, Report{Daemon: DaemonStatus{Error: "status: read reply: EOF"}}, false))
	assert.Equal(t, "Daemon: unreachable (status: read reply: EOF)\n", buf.String())

	buf.Reset()
	require.NoError(t, Write(&buf, Report{
		Daemon:   DaemonStatus{Running: true, PID: 42},
		States:   map[model.State]int{model.StateCompleted: 3, model.StateManualHold: 1},
		Stepping: []invocation.Scope{{Kind: invocation.ScopeGlobal}},
		Queue: []invocation.Waiter{{ItemID: "item_7", Priority: 2,
			EnqueuedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}},
	}, false))
	out := buf.String()
	assert.Contains(t, out, "running (pid 42)")
	assert.Contains(t, out, "Items (4)")
	assert.Contains(t, out, "manual_hold")
	assert.NotContains(t, out, "invoking")
	assert.Contains(t, out, "Manual stepping:\n  global")
	assert.Contains(t, out, "Waiting for a slot (1):\n  item_7  priority 2  since 2026-01-02T03:04:05Z")
}

func TestWrite_JSON(t *testing.T) {
	var buf bytes.Buffer
	in := Report{Daemon: DaemonStatus{Running: true, PID: 1}, States: map[model.State]int{model.StateFailed: 1}}
	require.NoError(t, Write(&buf, in, true))

	var out Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, in, out)
}
