package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("root", "", "")
	fs.String("config", "", "")
	fs.String("pipe", "", "")
	fs.Int("max", 0, "")
	fs.String("registries", "", "")
	fs.Bool("preserve-tar", false, "")
	fs.Int("http-timeout", 0, "")
	fs.Int("max-retries", 0, "")
	fs.Int("retry-delay", 0, "")
	fs.String("log-level", "", "")
	fs.Bool("log-json", false, "")
	fs.String("metrics-addr", "", "")
	return fs
}

func TestLoadDefaultsWhenNothingSet(t *testing.T) {
	fs := newFlagSet()
	require.NoError(t, fs.Set("root", t.TempDir()))

	cfg, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxConcurrentDownloads)
	assert.ElementsMatch(t, DefaultRegistries, cfg.Registries)
}

func TestLoadFlagsOverrideYAMLAndEnv(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "agent.yaml"), []byte("max: 2\nregistries: [\"https://from-yaml.example\"]\n"), 0o644))

	t.Setenv("FHIR_IG_AGENT_MAX_CONCURRENT", "7")

	fs := newFlagSet()
	require.NoError(t, fs.Set("root", root))
	require.NoError(t, fs.Set("max", "9"))

	cfg, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.MaxConcurrentDownloads, "explicit flag beats env and yaml")
}

func TestLoadEnvOverridesYAMLWhenFlagUnset(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "agent.yaml"), []byte("max: 2\n"), 0o644))
	t.Setenv("FHIR_IG_AGENT_MAX_CONCURRENT", "5")

	fs := newFlagSet()
	require.NoError(t, fs.Set("root", root))

	cfg, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxConcurrentDownloads)
}

func TestLoadYAMLAppliesWhenNoOverride(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "agent.yaml"), []byte("max: 3\nhttp_timeout: 30\n"), 0o644))

	fs := newFlagSet()
	require.NoError(t, fs.Set("root", root))

	cfg, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxConcurrentDownloads)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
}

func TestLoadRejectsInvalidMaxConcurrent(t *testing.T) {
	fs := newFlagSet()
	require.NoError(t, fs.Set("root", t.TempDir()))
	require.NoError(t, fs.Set("max", "0"))

	_, err := Load(fs)
	require.Error(t, err)
}

func TestLoadRejectsEmptyRegistries(t *testing.T) {
	fs := newFlagSet()
	require.NoError(t, fs.Set("root", t.TempDir()))
	require.NoError(t, fs.Set("registries", "   "))

	_, err := Load(fs)
	require.Error(t, err)
}
