package util

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomUint32(t *testing.T) {
	seen := make(map[uint32]bool)
	for i := 0; i < 64; i++ {
		v, err := RandomUint32()
		require.NoError(t, err)
		assert.NotZero(t, v)
		seen[v] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestGenerateSelfSignedCert(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "api.crt")
	keyFile := filepath.Join(dir, "api.key")

	require.NoError(t, GenerateSelfSignedCert(certFile, keyFile))

	_, err := tls.LoadX509KeyPair(certFile, keyFile)
	require.NoError(t, err)

	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	assert.Error(t, GenerateSelfSignedCert(filepath.Join(dir, "missing", "a.crt"), keyFile))
}

func restoreLogger(t *testing.T) {
	logger, level := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = logger
		zerolog.SetGlobalLevel(level)
	})
}

func TestInitLoggerWritesFile(t *testing.T) {
	restoreLogger(t)
	dir := filepath.Join(t.TempDir(), "logs")

	require.NoError(t, InitLogger(LogConfig{Level: "debug", Directory: dir}))
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	name := filepath.Join(dir, "netchan_"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"logger initialized"`)
	assert.Contains(t, string(data), `"app":"netchan"`)
}

func TestInitLoggerBadLevel(t *testing.T) {
	restoreLogger(t)

	require.NoError(t, InitLogger(LogConfig{Level: "loud"}))
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestCleanOldLogs(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"a.log", "b.log", "c.log", "keep.txt"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, nil, 0644))
		mt := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(path, mt, mt))
	}

	cleanOldLogs(dir, 2)

	assert.NoFileExists(t, filepath.Join(dir, "a.log"))
	assert.FileExists(t, filepath.Join(dir, "b.log"))
	assert.FileExists(t, filepath.Join(dir, "c.log"))
	assert.FileExists(t, filepath.Join(dir, "keep.txt"))
}

func TestFileHelpers(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	assert.False(t, FileExists(dir))
	require.NoError(t, EnsureDir(dir))
	assert.True(t, FileExists(dir))
}

func TestGetHostInfo(t *testing.T) {
	info := GetHostInfo()
	assert.NotEmpty(t, info.Architecture)
	assert.Positive(t, info.Goroutines)
}
