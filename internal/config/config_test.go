package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FranksOps/frontier/internal/storage"
)

func TestDefault(t *testing.T) {
	s := Default()
	require.NoError(t, s.Validate())
	assert.Equal(t, SchedulerBF, s.Scheduler)
	assert.Equal(t, 0.25, s.SoftRate)
	assert.Equal(t, 100.0, s.HardRate)
	assert.Equal(t, 0.85, s.Damping)
	assert.Equal(t, -1, s.MaxCrawlDepth)
	assert.Equal(t, -1.0, s.FreqScale)
	assert.Equal(t, -1.0, s.FreqMargin)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("FRONTIER_SCHEDULER", "FREQ")
	t.Setenv("FRONTIER_PERSIST", "true")
	t.Setenv("FRONTIER_HARD_RATE", "2.5")
	t.Setenv("FRONTIER_MAX_CRAWL_DEPTH", "3")
	t.Setenv("FRONTIER_UPDATE_INTERVAL", "30s")
	t.Setenv("FRONTIER_LOG_LEVEL", "debug")

	s, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, SchedulerFreq, s.Scheduler)
	assert.True(t, s.Persist)
	assert.Equal(t, 2.5, s.HardRate)
	assert.Equal(t, 3, s.MaxCrawlDepth)
	assert.Equal(t, 30*time.Second, s.UpdateInterval)
	assert.Equal(t, 0.25, s.SoftRate, "unset values keep their default")

	l, err := s.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, l)
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frontier.env")
	require.NoError(t, os.WriteFile(path, []byte("FRONTIER_SCORER=hits\nFRONTIER_FREQ_DEFAULT=0.5\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("FRONTIER_SCORER")
		os.Unsetenv("FRONTIER_FREQ_DEFAULT")
	})

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ScorerHITS, s.Scorer)
	assert.Equal(t, 0.5, s.FreqDefault)
}

func TestLoad_Invalid(t *testing.T) {
	for name, env := range map[string][2]string{
		"number":    {"FRONTIER_SOFT_RATE", "fast"},
		"duration":  {"FRONTIER_UPDATE_INTERVAL", "soon"},
		"scheduler": {"FRONTIER_SCHEDULER", "lifo"},
		"damping":   {"FRONTIER_DAMPING", "1"},
		"level":     {"FRONTIER_LOG_LEVEL", "loud"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(env[0], env[1])
			_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
			assert.ErrorIs(t, err, storage.ErrInvalidArgument)
		})
	}
}
