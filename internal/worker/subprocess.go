package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/msageha/taskweave/internal/model"
)

// Request is the JSON document written to a subprocess worker's stdin.
type Request struct {
	Conversation []model.Turn          `json:"conversation"`
	Operations   []model.OperationSpec `json:"operations"`
}

// Subprocess runs a command per invocation. The command reads a Request on
// stdin and prints an Outcome JSON object on stdout.
type Subprocess struct {
	Command        string
	Args           []string
	Timeout        time.Duration
	RetryableCodes []int
}

func NewSubprocess(cfg model.WorkerCommandConfig, retryableCodes []int) *Subprocess {
	s := &Subprocess{Command: cfg.Command, Args: cfg.Args, RetryableCodes: retryableCodes}
	if cfg.TimeoutSec > 0 {
		s.Timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	return s
}

func (s *Subprocess) Invoke(ctx context.Context, conversation []model.Turn, ops []model.OperationSpec) (model.Outcome, error) {
	input, err := json.Marshal(Request{Conversation: conversation, Operations: ops})
	if err != nil {
		return model.Outcome{}, &TransportError{Err: fmt.Errorf("marshal request: %w", err)}
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, s.Command, s.Args...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// A deadline is a transport timeout; cancellation is not retried.
			return model.Outcome{}, &TransportError{Retryable: errors.Is(ctxErr, context.DeadlineExceeded), Err: ctxErr}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			return model.Outcome{}, &TransportError{
				Retryable: s.isRetryable(code),
				ExitCode:  code,
				Err:       fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())),
			}
		}
		return model.Outcome{}, &TransportError{Err: err}
	}
	return ParseOutcome(stdout.Bytes())
}

func (s *Subprocess) isRetryable(code int) bool {
	for _, c := range s.RetryableCodes {
		if c == code {
			return true
		}
	}
	return false
}

// ParseOutcome decodes a worker's Outcome JSON. A document without "kind"
// but with "result" is read as a completion; one with only "requests" as a
// request list.
func ParseOutcome(data []byte) (model.Outcome, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || !gjson.ValidBytes(data) {
		return model.Outcome{}, &TransportError{Err: fmt.Errorf("worker output is not valid JSON")}
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return model.Outcome{}, &TransportError{Err: fmt.Errorf("worker output is not a JSON object")}
	}

	kind := model.OutcomeKind(doc.Get("kind").String())
	if kind == "" {
		switch {
		case doc.Get("requests").Exists():
			kind = model.OutcomeRequests
		case doc.Get("error").Exists():
			kind = model.OutcomeFailed
		case doc.Get("result").Exists():
			kind = model.OutcomeCompleted
		}
	}

	switch kind {
	case model.OutcomeCompleted:
		return model.Completed(doc.Get("result").String()), nil
	case model.OutcomeFailed:
		return model.Failed(doc.Get("error").String()), nil
	case model.OutcomeRequests:
		raw := doc.Get("requests")
		if !raw.IsArray() {
			return model.Outcome{}, &TransportError{Err: fmt.Errorf("requests must be an array")}
		}
		var reqs []model.StructuredRequest
		if err := json.Unmarshal([]byte(raw.Raw), &reqs); err != nil {
			return model.Outcome{}, &TransportError{Err: fmt.Errorf("decode requests: %w", err)}
		}
		return model.Requests(reqs...), nil
	default:
		return model.Outcome{}, &TransportError{Err: fmt.Errorf("unknown outcome kind %q", kind)}
	}
}
