package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLevels(t *testing.T) {
	log, err := New(Config{Output: &bytes.Buffer{}})
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())

	log, err = New(Config{Level: "debug", Output: &bytes.Buffer{}})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	_, err = New(Config{Level: "loud"})
	assert.ErrorContains(t, err, "invalid log level")

	_, err = New(Config{Format: "xml"})
	assert.ErrorContains(t, err, "invalid log format")
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Format: "json", Output: &buf})
	require.NoError(t, err)

	log.WithField("component", "camera").Info("capture started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "capture started", entry["msg"])
	assert.Equal(t, "camera", entry["component"])
	assert.Equal(t, "info", entry["level"])
}

func TestNewTeesToFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "visioncap.log")

	log, err := New(Config{File: path, Output: &buf})
	require.NoError(t, err)
	log.Info("pipeline started")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "pipeline started")
	assert.Contains(t, buf.String(), "pipeline started")
}

func TestNewUnwritableFileFallsBack(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "missing", "visioncap.log")

	log, err := New(Config{File: path, Output: &buf})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Failed to log to file")

	log.Info("still logging")
	assert.Contains(t, buf.String(), "still logging")
}
