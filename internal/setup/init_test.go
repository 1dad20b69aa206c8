package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskweave/internal/model"
)

func TestRun_CreatesDirectoryStructure(t *testing.T) {
	root := filepath.Join(t.TempDir(), ".taskweave")
	require.NoError(t, Run(root))

	for _, d := range Dirs {
		info, err := os.Stat(filepath.Join(root, d))
		require.NoError(t, err, d)
		assert.True(t, info.IsDir(), d)
	}
	_, err := os.Stat(filepath.Join(root, "inbox", "_example.yaml.sample"))
	assert.NoError(t, err)
}

func TestRun_WritesLoadableConfig(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Run(root))

	cfg, err := model.LoadConfig(root)
	require.NoError(t, err)
	assert.Equal(t, "yaml", cfg.Store.Backend)
	assert.Equal(t, 15, cfg.Limits.MaxConsecutiveInvocationsPerTree)
	_, ok := cfg.Template("backend")
	assert.True(t, ok)
	assert.Contains(t, cfg.Workers, "default")
}

func TestRun_RefusesExistingRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Run(root))
	err := Run(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}
