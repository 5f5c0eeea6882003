package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "sub", "test.log")

	require.NoError(t, Init(Config{Level: "debug", OutputFile: file, MaxSize: 1, NoColor: true}))
	Infof("hello %s", "world")

	assert.Equal(t, file, GetCurrentLogFile())
	b, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello world")
}

func TestInitBadLevelFallsBackToInfo(t *testing.T) {
	require.NoError(t, Init(Config{Level: "nope", NoColor: true}))
	assert.Equal(t, "info", Logger.GetLevel().String())
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "***", MaskToken("short"))
	assert.Equal(t, "abcdef...wxyz", MaskToken("abcdefghijklmnopqrstuvwxyz"))
}
