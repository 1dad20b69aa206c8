package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskweave/internal/model"
)

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("coder")
	assert.ErrorIs(t, err, ErrNoWorker)

	coder := Func(func(context.Context, []model.Turn, []model.OperationSpec) (model.Outcome, error) {
		return model.Completed("coder"), nil
	})
	fallback := Func(func(context.Context, []model.Turn, []model.OperationSpec) (model.Outcome, error) {
		return model.Completed("default"), nil
	})
	r.Register("coder", coder)
	r.Register(DefaultType, fallback)

	w, err := r.Resolve("coder")
	require.NoError(t, err)
	out, _ := w.Invoke(context.Background(), nil, nil)
	assert.Equal(t, "coder", out.Result)

	w, err = r.Resolve("unknown")
	require.NoError(t, err)
	out, _ = w.Invoke(context.Background(), nil, nil)
	assert.Equal(t, "default", out.Result)
	assert.Len(t, r.Types(), 2)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&TransportError{Retryable: true, Err: errors.New("eof")}))
	assert.False(t, IsRetryable(&TransportError{Retryable: false, Err: errors.New("exit 2")}))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(&TransportError{Retryable: true, Err: context.Canceled}))
}

func TestParseOutcome(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		kind    model.OutcomeKind
		wantErr bool
	}{
		{"completed", `{"kind":"completed","result":"done"}`, model.OutcomeCompleted, false},
		{"implicit completed", `{"result":"done"}`, model.OutcomeCompleted, false},
		{"failed", `{"kind":"failed","error":"cannot"}`, model.OutcomeFailed, false},
		{"requests", `{"kind":"requests","requests":[{"kind":"decompose","subtasks":[{"instruction":"a"},{"instruction":"b","after":[0]}]}]}`, model.OutcomeRequests, false},
		{"implicit requests", `{"requests":[{"kind":"escalate","reason":"stuck"}]}`, model.OutcomeRequests, false},
		{"invalid json", `{"kind":`, "", true},
		{"array", `[1,2]`, "", true},
		{"unknown kind", `{"kind":"maybe"}`, "", true},
		{"requests not array", `{"kind":"requests","requests":{}}`, "", true},
		{"empty", ``, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ParseOutcome([]byte(tt.in))
			if tt.wantErr {
				var te *TransportError
				require.ErrorAs(t, err, &te)
				assert.False(t, te.Retryable)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, out.Kind)
		})
	}

	out, err := ParseOutcome([]byte(`{"kind":"requests","requests":[{"kind":"decompose","subtasks":[{"instruction":"a"},{"instruction":"b","after":[0]}]}]}`))
	require.NoError(t, err)
	require.Len(t, out.Requests, 1)
	require.Len(t, out.Requests[0].Subtasks, 2)
	assert.Equal(t, []int{0}, out.Requests[0].Subtasks[1].After)
}

func TestSubprocess_Invoke(t *testing.T) {
	s := &Subprocess{Command: "sh", Args: []string{"-c", `cat >/dev/null; echo '{"kind":"completed","result":"ok"}'`}}
	out, err := s.Invoke(context.Background(), []model.Turn{{Role: model.RoleUser, Content: "hi"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Result)
}

func TestSubprocess_EchoesConversation(t *testing.T) {
	// The worker sees the request on stdin.
	s := &Subprocess{Command: "sh", Args: []string{"-c", `grep -q '"content":"ping"' && echo '{"result":"pong"}'`}}
	out, err := s.Invoke(context.Background(), []model.Turn{{Role: model.RoleUser, Content: "ping"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", out.Result)
}

func TestSubprocess_ExitCodes(t *testing.T) {
	s := &Subprocess{Command: "sh", Args: []string{"-c", "exit 75"}, RetryableCodes: []int{75}}
	_, err := s.Invoke(context.Background(), nil, nil)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 75, te.ExitCode)
	assert.True(t, te.Retryable)

	s.Args = []string{"-c", "echo broken >&2; exit 3"}
	_, err = s.Invoke(context.Background(), nil, nil)
	require.ErrorAs(t, err, &te)
	assert.False(t, te.Retryable)
	assert.Contains(t, te.Error(), "broken")
}

func TestSubprocess_Timeout(t *testing.T) {
	s := &Subprocess{Command: "sh", Args: []string{"-c", "exec sleep 5"}, Timeout: 50 * time.Millisecond}
	_, err := s.Invoke(context.Background(), nil, nil)
	assert.True(t, IsRetryable(err))
}
