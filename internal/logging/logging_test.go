package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	logger, err := New("debug", path, "daily", false)
	require.NoError(t, err)

	logger.Info("hello", "k", "v")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
	require.Contains(t, string(data), "k=v")
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New("chatty", "", "", false)
	require.Error(t, err)
}

func TestNewRejectsBadRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	_, err := New("info", path, "weekly", false)
	require.Error(t, err)
}
