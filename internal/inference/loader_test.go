package inference

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingFactory struct{}

func (failingFactory) NewSession(string, []string, []string) (*Session, error) {
	return nil, errors.New("bad graph")
}

func TestLoaderResolve(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "yolov8n.onnx"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.onnx"), 0o755))

	l := NewLoader(nil, dir, "onnx")
	assert.Equal(t, ".onnx", l.Ext)

	t.Run("bare name gets extension", func(t *testing.T) {
		path, err := l.Resolve("yolov8n")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "yolov8n.onnx"), path)
	})

	t.Run("name with extension", func(t *testing.T) {
		path, err := l.Resolve("yolov8n.onnx")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "yolov8n.onnx"), path)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := l.Resolve("scrfd_10g")
		assert.ErrorIs(t, err, ErrModelNotFound)
	})

	t.Run("directory", func(t *testing.T) {
		_, err := l.Resolve("nested")
		assert.ErrorIs(t, err, ErrModelNotFound)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := l.Resolve("")
		assert.ErrorIs(t, err, ErrModelNotFound)
	})
}

func TestLoaderOpen(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "face.onnx"), []byte("x"), 0o644))

	t.Run("not found wins over load", func(t *testing.T) {
		_, err := NewLoader(failingFactory{}, dir, "").Open("missing", nil, nil)
		assert.ErrorIs(t, err, ErrModelNotFound)
		assert.NotErrorIs(t, err, ErrModelLoadFailed)
	})

	t.Run("session failure is a load failure", func(t *testing.T) {
		_, err := NewLoader(failingFactory{}, dir, "").Open("face", nil, nil)
		assert.ErrorIs(t, err, ErrModelLoadFailed)
	})

	t.Run("no runtime", func(t *testing.T) {
		_, err := NewLoader(nil, dir, "").Open("face", nil, nil)
		assert.ErrorIs(t, err, ErrModelLoadFailed)
	})
}
