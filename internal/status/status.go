// Package status renders the daemon's status for the command line.
package status

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/msageha/taskweave/internal/invocation"
	"github.com/msageha/taskweave/internal/model"
	"github.com/msageha/taskweave/internal/uds"
)

type Report struct {
	Daemon   DaemonStatus        `json:"daemon"`
	States   map[model.State]int `json:"states,omitempty"`
	Stepping []invocation.Scope  `json:"stepping,omitempty"`
	Queue    []invocation.Waiter `json:"queue,omitempty"`
}

type DaemonStatus struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Error   string `json:"error,omitempty"`
}

// reply mirrors the daemon's status command payload.
type reply struct {
	PID      int                 `json:"pid"`
	States   map[model.State]int `json:"states"`
	Stepping []invocation.Scope  `json:"stepping"`
	Queue    []invocation.Waiter `json:"queue"`
}

// Collect asks the daemon under root for its status. A daemon that is not
// running is reported as stopped; any other failure is kept in Error.
func Collect(root string, client *uds.Client) Report {
	if client == nil {
		client = uds.NewClient(filepath.Join(root, uds.DefaultSocketName))
	}
	var r reply
	if err := client.Call(uds.CmdStatus, nil, &r); err != nil {
		if errors.Is(err, uds.ErrDaemonNotRunning) {
			return Report{}
		}
		return Report{Daemon: DaemonStatus{Error: err.Error()}}
	}
	return Report{
		Daemon:   DaemonStatus{Running: true, PID: r.PID},
		States:   r.States,
		Stepping: r.Stepping,
		Queue:    r.Queue,
	}
}

// Write prints the report as text, or as indented JSON.
func Write(w io.Writer, r Report, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	if !r.Daemon.Running {
		if r.Daemon.Error != "" {
			_, err := fmt.Fprintf(w, "Daemon: unreachable (%s)\n", r.Daemon.Error)
			return err
		}
		_, err := fmt.Fprintln(w, "Daemon: stopped")
		return err
	}
	fmt.Fprintf(w, "Daemon: running (pid %d)\n", r.Daemon.PID)

	total := 0
	for _, n := range r.States {
		total += n
	}
	if total == 0 {
		fmt.Fprintln(w, "\nItems: none")
	} else {
		fmt.Fprintf(w, "\nItems (%d):\n", total)
		for _, s := range model.AllStates {
			if n := r.States[s]; n > 0 {
				fmt.Fprintf(w, "  %-22s  %5d\n", s, n)
			}
		}
	}

	if len(r.Stepping) > 0 {
		fmt.Fprintln(w, "\nManual stepping:")
		for _, sc := range r.Stepping {
			fmt.Fprintf(w, "  %s\n", sc)
		}
	}

	if len(r.Queue) > 0 {
		fmt.Fprintf(w, "\nWaiting for a slot (%d):\n", len(r.Queue))
		for _, q := range r.Queue {
			fmt.Fprintf(w, "  %s  priority %d  since %s\n", q.ItemID, q.Priority, q.EnqueuedAt.Format(time.RFC3339))
		}
	}
	return nil
}
