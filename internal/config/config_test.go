package config

// Test Plan for configuration:
// - Default() validates
// - Load without a file returns defaults
// - Load applies YAML overrides on top of defaults
// - Validate rejects nonsensical depth/page/database settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Default().Validate())
}

func TestLoadWithoutFile(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Resolver.MaxDepth)
	assert.Equal(t, 100, cfg.Resolver.DefaultPage)
	assert.Equal(t, "<b>", cfg.Search.HeadlineStart)
}

func TestLoadOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "trellis.yml")
	doc := []byte("resolver:\n  max_depth: 4\nsearch:\n  headline_start: '<em>'\ndebug: true\n")
	require.NoError(t, os.WriteFile(path, doc, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Resolver.MaxDepth)
	assert.Equal(t, "<em>", cfg.Search.HeadlineStart)
	assert.True(t, cfg.Debug)
	// Untouched keys keep defaults.
	assert.Equal(t, 100, cfg.Resolver.DefaultPage)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	bad := Default()
	bad.Resolver.MaxDepth = 0
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.Resolver.DefaultPage = 0
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.Database.Path = ""
	assert.Error(t, bad.Validate())
}
