// Package setup lays out a new taskweave root directory.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/taskweave/internal/model"
	atomicyaml "github.com/msageha/taskweave/internal/yaml"
	"github.com/msageha/taskweave/templates"
)

// Dirs are created under the root by Run.
var Dirs = []string{
	"state",
	"inbox/processed",
	"knowledge",
	"locks",
	"logs",
	"audit",
	"quarantine",
}

// Run initializes root with the directory structure, a starter
// taskweave.yaml and an example inbox submission. It refuses to touch a
// root that already has a config file.
func Run(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}
	cfgPath := filepath.Join(abs, model.ConfigFile)
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("%s already exists", cfgPath)
	}

	for _, d := range Dirs {
		if err := os.MkdirAll(filepath.Join(abs, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	data, err := fs.ReadFile(templates.FS, model.ConfigFile)
	if err != nil {
		return fmt.Errorf("read config template: %w", err)
	}
	if err := checkConfig(data); err != nil {
		return err
	}
	if err := atomicyaml.AtomicWriteRaw(cfgPath, data); err != nil {
		return fmt.Errorf("write %s: %w", model.ConfigFile, err)
	}

	if err := copyTemplateFile("inbox_example.yaml", filepath.Join(abs, "inbox", "_example.yaml.sample")); err != nil {
		return err
	}
	return nil
}

// checkConfig rejects a template that LoadConfig would refuse.
func checkConfig(data []byte) error {
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config template: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config template: %w", err)
	}
	return nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}
