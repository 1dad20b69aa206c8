// Package cli implements the taskweave command line: the daemon entry point
// and the operator commands that talk to it over the unix socket.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/taskweave/internal/daemon"
	"github.com/msageha/taskweave/internal/invocation"
	"github.com/msageha/taskweave/internal/model"
	"github.com/msageha/taskweave/internal/setup"
	"github.com/msageha/taskweave/internal/status"
	"github.com/msageha/taskweave/internal/uds"
)

var version = "dev"

const clientTimeout = 15 * time.Second

// BuildCLI builds the root command with every subcommand attached.
func BuildCLI() *cobra.Command {
	var root string

	rootCmd := &cobra.Command{
		Use:          "taskweave",
		Short:        "Hierarchical work-item orchestration runtime",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if root != "" {
				abs, err := filepath.Abs(root)
				if err != nil {
					return err
				}
				root = abs
				return nil
			}
			r, err := model.ResolveRoot()
			if err != nil {
				return fmt.Errorf("resolve root: %w", err)
			}
			root = r
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&root, "root", "r", "", "taskweave root directory (default $TASKWEAVE_ROOT or ./.taskweave)")

	rootFn := func() string { return root }
	rootCmd.AddCommand(
		buildInitCommand(rootFn),
		buildDaemonCommand(rootFn),
		buildSubmitCommand(rootFn),
		buildShowCommand(rootFn),
		buildListCommand(rootFn),
		buildItemCommand(rootFn, "cancel", uds.CmdCancel, "Cancel an item and its descendants", true),
		buildItemCommand(rootFn, "hold", uds.CmdHold, "Put an item on operator hold", true),
		buildItemCommand(rootFn, "resume", uds.CmdResume, "Release a held item", false),
		buildItemCommand(rootFn, "step", uds.CmdStep, "Grant one invocation to a stepping-held item", false),
		buildManualCommand(rootFn),
		buildDependCommand(rootFn),
		buildKnowledgeCommand(rootFn),
		buildStatusCommand(rootFn),
		buildStopCommand(rootFn),
		buildVersionCommand(),
	)
	return rootCmd
}

func consoleLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
}

func client(root string) *uds.Client {
	c := uds.NewClient(filepath.Join(root, uds.DefaultSocketName))
	c.SetTimeout(clientTimeout)
	return c
}

func buildInitCommand(root func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a taskweave root with a starter configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setup.Run(root()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", root())
			return nil
		},
	}
}

func buildDaemonCommand(root func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the taskweave daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(root(), 0755); err != nil {
				return fmt.Errorf("create root: %w", err)
			}
			cfg, err := model.LoadConfig(root())
			if err != nil {
				return err
			}
			d, err := daemon.New(root(), cfg)
			if err != nil {
				return err
			}
			logger := consoleLogger(cmd.ErrOrStderr())
			logger.Info().Str("root", root()).Int("pid", os.Getpid()).Msg("daemon starting")
			return d.Run(context.Background())
		},
	}
}

func buildSubmitCommand(root func() string) *cobra.Command {
	var (
		sub  model.Submission
		file string
	)
	cmd := &cobra.Command{
		Use:   "submit [instruction]",
		Short: "Submit a new root work item",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildSubmission(sub, file, args)
			if err != nil {
				return err
			}
			var out daemon.ItemSummary
			if err := client(root()).Call(uds.CmdSubmit, s, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s submitted (tree %s)\n", out.ID, out.TreeID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the submission from a YAML file")
	cmd.Flags().StringVarP(&sub.DomainKey, "domain", "d", "", "domain key used for framework matching")
	cmd.Flags().StringVarP(&sub.WorkerType, "worker", "w", "", "worker type")
	cmd.Flags().IntVarP(&sub.Priority, "priority", "p", 0, "priority (lower runs first)")
	cmd.Flags().IntVar(&sub.MaxConsecutiveInvocations, "max-invocations", 0, "livelock ceiling override for this tree")
	return cmd
}

// buildSubmission merges a submission file with flags and the positional
// instruction. Flags win over the file.
func buildSubmission(flags model.Submission, file string, args []string) (model.Submission, error) {
	var s model.Submission
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return s, fmt.Errorf("read submission: %w", err)
		}
		if err := yamlv3.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("parse %s: %w", file, err)
		}
	}
	if len(args) == 1 {
		s.Instruction = args[0]
	}
	if flags.DomainKey != "" {
		s.DomainKey = flags.DomainKey
	}
	if flags.WorkerType != "" {
		s.WorkerType = flags.WorkerType
	}
	if flags.Priority != 0 {
		s.Priority = flags.Priority
	}
	if flags.MaxConsecutiveInvocations != 0 {
		s.MaxConsecutiveInvocations = flags.MaxConsecutiveInvocations
	}
	return s, s.Validate()
}

func buildShowCommand(root func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <item-id>",
		Short: "Show the full record of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var detail daemon.ItemDetail
			if err := client(root()).Call(uds.CmdShow, uds.ItemParams{ItemID: args[0]}, &detail); err != nil {
				return itemError(err, args[0])
			}
			enc := yamlv3.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(&detail)
		},
	}
}

func buildListCommand(root func() string) *cobra.Command {
	var p uds.ListParams
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var items []daemon.ItemSummary
			if err := client(root()).Call(uds.CmdList, p, &items); err != nil {
				return err
			}
			return printSummaries(cmd.OutOrStdout(), items)
		},
	}
	cmd.Flags().StringVarP(&p.TreeID, "tree", "t", "", "only items of this tree")
	cmd.Flags().StringVarP(&p.State, "state", "s", "", "only items in this state")
	return cmd
}

func printSummaries(w io.Writer, items []daemon.ItemSummary) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(w, "no items")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATE\tPRI\tPARENT\tINSTRUCTION")
	for _, it := range items {
		state := string(it.State)
		if it.HoldKind != "" {
			state += "(" + string(it.HoldKind) + ")"
		}
		if it.ErrorKind != "" {
			state += "[" + it.ErrorKind + "]"
		}
		parent := it.ParentID
		if parent == "" {
			parent = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", it.ID, it.Kind, state, it.Priority, parent,
			strings.ReplaceAll(it.Instruction, "\n", " "))
	}
	return tw.Flush()
}

// itemError rewrites the daemon's reply codes that have an obvious operator
// reading; anything else is returned as is.
func itemError(err error, itemID string) error {
	switch {
	case uds.HasCode(err, uds.ErrCodeNotFound):
		return fmt.Errorf("no item %s", itemID)
	case uds.HasCode(err, uds.ErrCodeConflict):
		return fmt.Errorf("%s: not allowed in its current state: %w", itemID, err)
	}
	return err
}

func buildItemCommand(root func() string, use, command, short string, withReason bool) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   use + " <item-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out daemon.ItemSummary
			if err := client(root()).Call(command, uds.ItemParams{ItemID: args[0], Reason: reason}, &out); err != nil {
				return itemError(err, args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", out.ID, out.State)
			return nil
		},
	}
	if withReason {
		cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the item")
	}
	return cmd
}

func buildManualCommand(root func() string) *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   "manual <global|tree|item> [id]",
		Short: "Switch manual stepping on or off for a scope",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := uds.ManualParams{Scope: args[0], Enabled: !off}
			if len(args) == 2 {
				p.ID = args[1]
			}
			var scopes []invocation.Scope
			if err := client(root()).Call(uds.CmdManual, p, &scopes); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(scopes) == 0 {
				fmt.Fprintln(w, "manual stepping off everywhere")
				return nil
			}
			for _, s := range scopes {
				fmt.Fprintln(w, s)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "disable stepping for the scope")
	return cmd
}

func buildDependCommand(root func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "depend <item-id> <depends-on-id>",
		Short: "Make an item wait for another item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := client(root()).Call(uds.CmdDepend, uds.DependParams{ItemID: args[0], DependsOn: args[1]}, nil)
			if uds.HasCode(err, uds.ErrCodeCycle) {
				return fmt.Errorf("refused: %s would wait on itself: %w", args[0], err)
			}
			if err != nil {
				return itemError(err, args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s now depends on %s\n", args[0], args[1])
			return nil
		},
	}
}

func buildStatusCommand(root func() string) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status and item counts per state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return status.Write(cmd.OutOrStdout(), status.Collect(root(), client(root())), jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	return cmd
}

func buildStopCommand(root func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the running daemon to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := client(root()).Call(uds.CmdShutdown, nil, nil)
			if errors.Is(err, uds.ErrDaemonNotRunning) {
				fmt.Fprintln(cmd.OutOrStdout(), "daemon not running")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "shutdown requested")
			return nil
		},
	}
}

func buildVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "taskweave %s\n", version)
		},
	}
}
