package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, Default(), cfg)
}

func TestLoad_File_Overrides_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dir: /var/lib/redo\nfile_size: 1048576\nlayout: legacy\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/redo", cfg.Dir)
	assert.EqualValues(t, 1048576, cfg.FileSize)
	assert.Equal(t, LayoutLegacy, cfg.Layout)
	// untouched keys keep their defaults
	assert.Equal(t, Default().BufferSize, cfg.BufferSize)
}

func TestLoad_Env_Overrides_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("thread_count: 8\n"), 0o644))

	t.Setenv("REDO_THREAD_COUNT", "32")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.ThreadCount)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		err    error
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:   "unknown layout",
			mutate: func(c *Config) { c.Layout = "hybrid" },
			err:    ErrBadLayout,
		},
		{
			name:   "file size not block aligned",
			mutate: func(c *Config) { c.FileSize = 1<<20 + 7 },
			err:    ErrBadFileSize,
		},
		{
			name:   "negative file size",
			mutate: func(c *Config) { c.FileSize = -512 },
			err:    ErrBadFileSize,
		},
		{
			name:   "buffer too small",
			mutate: func(c *Config) { c.BufferSize = 512 },
			err:    ErrBadBufferSize,
		},
		{
			name:   "zero threads",
			mutate: func(c *Config) { c.ThreadCount = 0 },
			err:    ErrBadThreads,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)

			err := cfg.Validate()
			if tc.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.err)
			}
		})
	}
}

func TestFormat_Maps_Layout(t *testing.T) {
	cfg := Default()
	assert.EqualValues(t, 0x50485953, cfg.Format())

	cfg.Layout = LayoutLegacy
	assert.EqualValues(t, 103, cfg.Format())
}
