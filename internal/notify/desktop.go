package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/rs/zerolog"

	"github.com/msageha/taskweave/internal/events"
)

// Runner executes a command and returns its combined output.
type Runner func(name string, args ...string) ([]byte, error)

func execRunner(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// Desktop raises a macOS notification for items that need an operator:
// manual holds and safety trips.
type Desktop struct {
	run    Runner
	logger zerolog.Logger
}

func NewDesktop(logger zerolog.Logger) *Desktop {
	return &Desktop{run: execRunner, logger: logger.With().Str("component", "desktop_notify").Logger()}
}

// Supported reports whether desktop notifications work on this platform.
func Supported() bool {
	return runtime.GOOS == "darwin"
}

// Forward has the events.Subscriber signature.
func (d *Desktop) Forward(n events.Notification) {
	if n.Kind != events.KindHold && n.Kind != events.KindSafetyTrip {
		return
	}
	title := fmt.Sprintf("taskweave: %s needs attention", n.ItemID)
	msg := string(n.HoldKind)
	if n.Reason != "" {
		msg += ": " + n.Reason
	}
	if err := d.Send(title, msg); err != nil {
		d.logger.Debug().Err(err).Msg("desktop_notify_failed")
	}
}

// Send shows a notification via osascript with sound.
func (d *Desktop) Send(title, message string) error {
	script := fmt.Sprintf(
		`display notification "%s" with title "%s" sound name "default"`,
		escapeAppleScript(message), escapeAppleScript(title),
	)
	if out, err := d.run("osascript", "-e", script); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
