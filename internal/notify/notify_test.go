package notify

import (
	"errors"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskweave/internal/events"
	"github.com/msageha/taskweave/internal/model"
)

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return p.err
}

func TestNATSForwarder_Forward(t *testing.T) {
	pub := &fakePublisher{}
	f := NewNATSForwarder(pub, "tw", zerolog.Nop())

	item := &model.WorkItem{ID: "item_1", TreeID: "tree_1", State: model.StateCompleted}
	f.Forward(events.NewNotification(events.KindTerminal, item))

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "tw.terminal.tree_1", pub.subjects[0])

	var n events.Notification
	require.NoError(t, json.Unmarshal(pub.payloads[0], &n))
	assert.Equal(t, "item_1", n.ItemID)
	assert.Equal(t, model.StateCompleted, n.State)
}

func TestNATSForwarder_PublishErrorIsSwallowed(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	f := NewNATSForwarder(pub, "", zerolog.Nop())
	f.Forward(events.Notification{Kind: events.KindHold})
	assert.Equal(t, "taskweave.hold._", pub.subjects[0])
}

func TestEscapeAppleScript(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{`say "hello"`, `say \"hello\"`},
		{`path\to\file`, `path\\to\\file`},
		{"", ""},
	}
	for _, tt := range tests {
		if got := escapeAppleScript(tt.input); got != tt.want {
			t.Errorf("escapeAppleScript(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestDesktop_ForwardsOnlyOperatorAttention(t *testing.T) {
	var calls [][]string
	d := NewDesktop(zerolog.Nop())
	d.run = func(name string, args ...string) ([]byte, error) {
		calls = append(calls, append([]string{name}, args...))
		return nil, nil
	}

	d.Forward(events.Notification{Kind: events.KindTerminal, ItemID: "item_1"})
	d.Forward(events.Notification{Kind: events.KindHold, ItemID: "item_2", HoldKind: model.HoldEscalated, Reason: `needs "review"`})

	require.Len(t, calls, 1)
	assert.Equal(t, "osascript", calls[0][0])
	assert.Contains(t, calls[0][2], `needs \"review\"`)
	assert.Contains(t, calls[0][2], "item_2")
}
