// Package knowledge is the flat-file context lookup consulted by the
// framework gate. Each key maps to one file under the knowledge directory.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/taskweave/internal/model"
)

var extensions = []string{".md", ".txt", ".yaml", ".json"}

// MissingError lists keys that have no record.
type MissingError struct {
	Keys []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("no knowledge for: %s", strings.Join(e.Keys, ", "))
}

// Base reads records from a directory. Concurrent lookups of the same key
// share one read.
type Base struct {
	dir   string
	group singleflight.Group
}

func New(dir string) *Base {
	return &Base{dir: dir}
}

// FetchContext returns a blob per found key in key order. When some keys are
// missing the found blobs are returned together with a *MissingError.
func (b *Base) FetchContext(ctx context.Context, keys []string) ([]model.ContextBlob, error) {
	var blobs []model.ContextBlob
	var missing []string
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return blobs, err
		}
		v, err, _ := b.group.Do(key, func() (any, error) { return b.read(key) })
		if errors.Is(err, os.ErrNotExist) {
			missing = append(missing, key)
			continue
		}
		if err != nil {
			return blobs, fmt.Errorf("fetch %s: %w", key, err)
		}
		blobs = append(blobs, v.(model.ContextBlob))
	}
	if len(missing) > 0 {
		return blobs, &MissingError{Keys: missing}
	}
	return blobs, nil
}

func (b *Base) read(key string) (model.ContextBlob, error) {
	if !validKey(key) {
		return model.ContextBlob{}, fmt.Errorf("invalid key %q", key)
	}
	for _, ext := range extensions {
		path := filepath.Join(b.dir, key+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return model.ContextBlob{}, err
		}
		return model.ContextBlob{Key: key, Content: string(data), Source: path}, nil
	}
	return model.ContextBlob{}, os.ErrNotExist
}

// Put writes a record, replacing any existing one with the same key.
func (b *Base) Put(key, content string) error {
	if !validKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}
	path := filepath.Join(b.dir, key+".md")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0644)
}

// Search returns the keys whose record contains term, case-insensitive.
func (b *Base) Search(term string) ([]string, error) {
	term = strings.ToLower(term)
	var keys []string
	err := filepath.WalkDir(b.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if !knownExt(ext) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if strings.Contains(strings.ToLower(string(data)), term) {
			rel, _ := filepath.Rel(b.dir, path)
			keys = append(keys, strings.TrimSuffix(filepath.ToSlash(rel), ext))
		}
		return nil
	})
	sort.Strings(keys)
	return keys, err
}

func knownExt(ext string) bool {
	for _, e := range extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// validKey rejects empty keys and anything that escapes the directory.
func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}
