package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomString(t *testing.T) {
	s := RandomString(8, Uppercase)
	assert.Len(t, s, 8)
	for _, r := range s {
		assert.True(t, strings.ContainsRune(Uppercase, r), "unexpected rune %q", r)
	}

	h := RandomHex(16)
	assert.Len(t, h, 32)
	assert.NotEqual(t, h, RandomHex(16))
}

func TestLoadServerTLS_GeneratesSelfSigned(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "tls", "admin.crt")
	key := filepath.Join(dir, "tls", "admin.key")

	cfg, err := LoadServerTLS(cert, key, true)
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.True(t, FileExists(cert))

	info, err := os.Stat(key)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// Second load reuses the files.
	_, err = LoadServerTLS(cert, key, true)
	assert.NoError(t, err)
}

func TestLoadServerTLS_MissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadServerTLS(filepath.Join(dir, "a.crt"), filepath.Join(dir, "a.key"), false)
	assert.Error(t, err)
}

func TestCleanOldLogs(t *testing.T) {
	dir := t.TempDir()
	for _, day := range []string{"2024-01-01", "2024-01-02", "2024-01-03", "2024-01-04"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "gpcm_"+day+".log"), nil, 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.log"), nil, 0644))

	cleanOldLogs(dir, 2)

	assert.False(t, FileExists(filepath.Join(dir, "gpcm_2024-01-01.log")))
	assert.False(t, FileExists(filepath.Join(dir, "gpcm_2024-01-02.log")))
	assert.True(t, FileExists(filepath.Join(dir, "gpcm_2024-01-04.log")))
	assert.True(t, FileExists(filepath.Join(dir, "other.log")))
}

func TestCollectHostStats(t *testing.T) {
	stats := CollectHostStats(t.TempDir(), time.Now().Add(-time.Minute))
	assert.Positive(t, stats.Goroutines)
	assert.NotEmpty(t, stats.Info.Architecture)
	assert.NotEmpty(t, stats.Uptime)
}
