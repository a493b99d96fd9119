package inference

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrModelNotFound means no artifact exists for the requested model name.
	ErrModelNotFound = errors.New("inference: model not found")

	// ErrModelLoadFailed means the artifact exists but could not be loaded.
	ErrModelLoadFailed = errors.New("inference: model load failed")
)

// SessionFactory opens inference sessions. *Runtime implements it.
type SessionFactory interface {
	NewSession(modelPath string, inputNames, outputNames []string) (*Session, error)
}

// Loader resolves model names to artifacts under a directory and loads them.
type Loader struct {
	Dir     string
	Ext     string
	Runtime SessionFactory
}

// NewLoader creates a loader for dir. ext defaults to ".onnx".
func NewLoader(rt SessionFactory, dir, ext string) *Loader {
	if ext == "" {
		ext = ".onnx"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return &Loader{Dir: dir, Ext: ext, Runtime: rt}
}

// Resolve returns the artifact path for name. Names that already carry an
// extension or a path are used as given.
func (l *Loader) Resolve(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty model name", ErrModelNotFound)
	}

	path := name
	if filepath.Ext(path) == "" {
		path += l.Ext
	}
	if !filepath.IsAbs(path) && l.Dir != "" {
		path = filepath.Join(l.Dir, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrModelNotFound, path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrModelNotFound, path)
	}
	return path, nil
}

// Open resolves name and creates a session for it.
func (l *Loader) Open(name string, inputNames, outputNames []string) (*Session, error) {
	path, err := l.Resolve(name)
	if err != nil {
		return nil, err
	}
	if l.Runtime == nil {
		return nil, fmt.Errorf("%w: %s: no runtime", ErrModelLoadFailed, path)
	}

	session, err := l.Runtime.NewSession(path, inputNames, outputNames)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoadFailed, err)
	}
	return session, nil
}
