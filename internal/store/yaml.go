package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/msageha/taskweave/internal/lock"
	"github.com/msageha/taskweave/internal/model"
	yamlutil "github.com/msageha/taskweave/internal/yaml"
)

type itemRecord struct {
	yamlutil.SchemaHeader `yaml:",inline"`
	Item                  *model.WorkItem `yaml:"item"`
}

type frameworkRecord struct {
	yamlutil.SchemaHeader `yaml:",inline"`
	Framework             *model.FrameworkBinding `yaml:"framework"`
}

// YAMLStore persists one YAML file per record under dir and serves reads
// from an in-memory copy loaded at open.
type YAMLStore struct {
	root   string
	dir    string
	cache  *MemoryStore
	locks  *lock.KeyedMutex
	logger zerolog.Logger
}

// OpenYAMLStore loads every record under dir. Corrupted records are
// quarantined under root and restored from their backup when possible.
func OpenYAMLStore(root, dir string, logger zerolog.Logger) (*YAMLStore, error) {
	s := &YAMLStore{
		root:   root,
		dir:    dir,
		cache:  NewMemoryStore(),
		locks:  lock.NewKeyedMutex(),
		logger: logger.With().Str("component", "store").Logger(),
	}
	for _, sub := range []string{"items", "frameworks"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	if err := s.loadItems(); err != nil {
		return nil, err
	}
	if err := s.loadFrameworks(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *YAMLStore) loadItems() error {
	return s.loadDir("items", yamlutil.FileTypeWorkItem, func(path string) error {
		var rec itemRecord
		if err := yamlutil.ReadRecord(path, yamlutil.FileTypeWorkItem, &rec); err != nil {
			return err
		}
		if rec.Item == nil {
			return &yamlutil.CorruptError{Path: path, Err: errors.New("missing item")}
		}
		return s.cache.Put(rec.Item)
	})
}

func (s *YAMLStore) loadFrameworks() error {
	return s.loadDir("frameworks", yamlutil.FileTypeFramework, func(path string) error {
		var rec frameworkRecord
		if err := yamlutil.ReadRecord(path, yamlutil.FileTypeFramework, &rec); err != nil {
			return err
		}
		if rec.Framework == nil {
			return &yamlutil.CorruptError{Path: path, Err: errors.New("missing framework")}
		}
		return s.cache.PutFramework(rec.Framework)
	})
}

func (s *YAMLStore) loadDir(sub string, fileType yamlutil.FileType, load func(string) error) error {
	entries, err := os.ReadDir(filepath.Join(s.dir, sub))
	if err != nil {
		return fmt.Errorf("read %s: %w", sub, err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".yaml") || strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(s.dir, sub, name)
		err := load(path)
		var corrupt *yamlutil.CorruptError
		if errors.As(err, &corrupt) {
			quarantined, rerr := yamlutil.RecoverCorruptedFile(s.root, path, fileType)
			if rerr != nil {
				s.logger.Error().Err(rerr).Str("path", path).Str("quarantine", quarantined).Msg("record_lost")
				continue
			}
			s.logger.Warn().Str("path", path).Str("quarantine", quarantined).Msg("record_restored_from_backup")
			err = load(path)
		}
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func (s *YAMLStore) itemPath(id string) string {
	return filepath.Join(s.dir, "items", id+".yaml")
}

func (s *YAMLStore) frameworkPath(id string) string {
	return filepath.Join(s.dir, "frameworks", id+".yaml")
}

func (s *YAMLStore) Get(id string) (*model.WorkItem, error) { return s.cache.Get(id) }

func (s *YAMLStore) Put(item *model.WorkItem) error {
	if item == nil || item.ID == "" {
		return fmt.Errorf("put item: missing id")
	}
	return s.locks.WithLock(item.ID, func() error {
		rec := itemRecord{SchemaHeader: yamlutil.NewHeader(yamlutil.FileTypeWorkItem), Item: item}
		if err := yamlutil.AtomicWrite(s.itemPath(item.ID), rec); err != nil {
			return fmt.Errorf("persist item %s: %w", item.ID, err)
		}
		return s.cache.Put(item)
	})
}

func (s *YAMLStore) List() ([]*model.WorkItem, error) { return s.cache.List() }

func (s *YAMLStore) ListByTree(treeID string) ([]*model.WorkItem, error) {
	return s.cache.ListByTree(treeID)
}

func (s *YAMLStore) ListByState(state model.State) ([]*model.WorkItem, error) {
	return s.cache.ListByState(state)
}

func (s *YAMLStore) GetFramework(id string) (*model.FrameworkBinding, error) {
	return s.cache.GetFramework(id)
}

func (s *YAMLStore) PutFramework(fw *model.FrameworkBinding) error {
	if fw == nil || fw.ID == "" {
		return fmt.Errorf("put framework: missing id")
	}
	return s.locks.WithLock(fw.ID, func() error {
		rec := frameworkRecord{SchemaHeader: yamlutil.NewHeader(yamlutil.FileTypeFramework), Framework: fw}
		if err := yamlutil.AtomicWrite(s.frameworkPath(fw.ID), rec); err != nil {
			return fmt.Errorf("persist framework %s: %w", fw.ID, err)
		}
		return s.cache.PutFramework(fw)
	})
}

func (s *YAMLStore) FindFramework(treeID, domainKey string) (*model.FrameworkBinding, error) {
	return s.cache.FindFramework(treeID, domainKey)
}

func (s *YAMLStore) ListFrameworks(treeID string) ([]*model.FrameworkBinding, error) {
	return s.cache.ListFrameworks(treeID)
}
