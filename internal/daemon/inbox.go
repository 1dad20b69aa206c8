package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/taskweave/internal/model"
	yamlutil "github.com/msageha/taskweave/internal/yaml"
)

// Submitter accepts root submissions.
type Submitter interface {
	Submit(sub model.Submission) (*model.WorkItem, error)
}

// Inbox turns submission YAML files dropped into a directory into root
// items. Accepted files move to processed/, invalid ones to quarantine.
type Inbox struct {
	dir       string
	root      string
	submitter Submitter
	logger    zerolog.Logger
}

func NewInbox(dir, root string, submitter Submitter, logger zerolog.Logger) *Inbox {
	return &Inbox{
		dir:       dir,
		root:      root,
		submitter: submitter,
		logger:    logger.With().Str("component", "inbox").Logger(),
	}
}

// Run watches the inbox until ctx is done. Files already present are
// handled first.
func (in *Inbox) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(in.dir, "processed"), 0755); err != nil {
		return fmt.Errorf("ensure inbox: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(in.dir); err != nil {
		return fmt.Errorf("watch %s: %w", in.dir, err)
	}

	in.Scan()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				in.logger.Debug().Str("op", event.Op.String()).Str("file", event.Name).Msg("fsnotify_event")
				in.HandleFile(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			in.logger.Error().Err(err).Msg("fsnotify_error")
		}
	}
}

// Scan handles every submission file currently in the inbox, oldest name
// first.
func (in *Inbox) Scan() {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		in.logger.Error().Err(err).Msg("inbox_scan_failed")
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		in.HandleFile(filepath.Join(in.dir, n))
	}
}

func isSubmissionFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := filepath.Ext(base)
	return ext == ".yaml" || ext == ".yml"
}

// HandleFile submits one file. Files still being written (empty) are left
// for the next write event.
func (in *Inbox) HandleFile(path string) {
	if filepath.Dir(path) != filepath.Clean(in.dir) || !isSubmissionFile(path) {
		return
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		in.logger.Error().Err(err).Str("file", path).Msg("inbox_read_failed")
		return
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return
	}

	var sub model.Submission
	if err := yamlv3.Unmarshal(data, &sub); err != nil {
		in.reject(path, fmt.Errorf("parse: %w", err))
		return
	}
	item, err := in.submitter.Submit(sub)
	if err != nil {
		in.reject(path, err)
		return
	}
	dst := filepath.Join(in.dir, "processed", item.ID+"_"+filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		in.logger.Error().Err(err).Str("file", path).Msg("inbox_move_failed")
	}
	in.logger.Info().Str("file", filepath.Base(path)).Str("item", item.ID).Str("tree", item.TreeID).Msg("inbox_submitted")
}

func (in *Inbox) reject(path string, cause error) {
	dst, err := yamlutil.Quarantine(in.root, path)
	if err != nil {
		in.logger.Error().Err(err).Str("file", path).Msg("quarantine_failed")
		return
	}
	in.logger.Warn().Err(cause).Str("file", filepath.Base(path)).Str("quarantined", dst).Msg("inbox_rejected")
}
