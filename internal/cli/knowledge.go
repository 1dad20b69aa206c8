package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/taskweave/internal/knowledge"
	"github.com/msageha/taskweave/internal/model"
)

// The knowledge commands work on the directory directly; the daemon does not
// need to be running.
func buildKnowledgeCommand(root func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Manage the context records consulted by the framework gate",
	}
	cmd.AddCommand(buildKnowledgePutCommand(root), buildKnowledgeSearchCommand(root))
	return cmd
}

func buildKnowledgePutCommand(root func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> [file]",
		Short: "Store a record under key, read from file or stdin",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := openKnowledge(root())
			if err != nil {
				return err
			}
			var data []byte
			if len(args) == 2 {
				data, err = os.ReadFile(args[1])
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("read record: %w", err)
			}
			if len(data) == 0 {
				return errors.New("empty record")
			}
			if err := base.Put(args[0], string(data)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", args[0])
			return nil
		},
	}
}

func buildKnowledgeSearchCommand(root func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "search <term>",
		Short: "List the keys whose record mentions term",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := openKnowledge(root())
			if err != nil {
				return err
			}
			keys, err := base.Search(args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(keys) == 0 {
				fmt.Fprintln(w, "no matches")
				return nil
			}
			for _, k := range keys {
				fmt.Fprintln(w, k)
			}
			return nil
		},
	}
}

func openKnowledge(root string) (*knowledge.Base, error) {
	cfg, err := model.LoadConfig(root)
	if err != nil {
		return nil, err
	}
	dir := cfg.Knowledge.Dir
	if dir == "" {
		return nil, errors.New("knowledge.dir is not configured")
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	return knowledge.New(dir), nil
}
