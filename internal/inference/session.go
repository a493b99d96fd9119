package inference

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

// ErrRuntimeClosed is returned when a session is requested from a closed Runtime.
var ErrRuntimeClosed = errors.New("inference: runtime closed")

// Runtime owns the ONNX Runtime environment.
//
// Construct one at process start and pass it to every component that opens
// sessions. The underlying environment is process-wide, so only one Runtime
// may be live at a time.
type Runtime struct {
	mu      sync.Mutex
	libPath string
	closed  bool
	coreML  bool
	threads int
	log     logrus.FieldLogger
}

// RuntimeConfig configures the ONNX Runtime environment.
type RuntimeConfig struct {
	// LibraryPath is the onnxruntime shared library. Empty selects
	// DefaultLibraryPath.
	LibraryPath string

	// CoreML enables the CoreML execution provider when available.
	CoreML bool

	// IntraOpThreads limits per-session parallelism (0 = runtime default).
	IntraOpThreads int
}

// DefaultLibraryPath returns the bundled onnxruntime library for this platform.
func DefaultLibraryPath() string {
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.dylib"
		}
		return "./third_party/onnxruntime.dylib"
	default:
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.so"
		}
		return "./third_party/onnxruntime.so"
	}
}

var (
	envMu   sync.Mutex
	envLive bool
)

// NewRuntime initializes the ONNX Runtime environment.
func NewRuntime(cfg RuntimeConfig, log logrus.FieldLogger) (*Runtime, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	libPath := cfg.LibraryPath
	if libPath == "" {
		libPath = DefaultLibraryPath()
	}

	envMu.Lock()
	defer envMu.Unlock()

	if envLive {
		return nil, fmt.Errorf("inference: runtime already initialized")
	}

	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX Runtime (%s): %w", libPath, err)
	}
	envLive = true

	log.WithField("library", libPath).Info("ONNX Runtime initialized")
	return &Runtime{
		libPath: libPath,
		coreML:  cfg.CoreML,
		threads: cfg.IntraOpThreads,
		log:     log.WithField("component", "inference"),
	}, nil
}

// Close tears down the ONNX Runtime environment. Sessions must be destroyed first.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	envMu.Lock()
	defer envMu.Unlock()
	envLive = false
	return ort.DestroyEnvironment()
}

// Session wraps an ONNX Runtime inference session.
type Session struct {
	session     *ort.DynamicAdvancedSession
	modelPath   string
	inputNames  []string
	outputNames []string
}

// NewSession creates a session for an ONNX model file.
func (r *Runtime) NewSession(modelPath string, inputNames, outputNames []string) (*Session, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrRuntimeClosed
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	log := r.log.WithField("model", modelPath)
	if r.threads > 0 {
		if err := options.SetIntraOpNumThreads(r.threads); err != nil {
			log.WithError(err).Warn("failed to limit intra-op threads")
		}
	}
	if r.coreML {
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			log.WithError(err).Warn("CoreML provider unavailable, using CPU")
		} else {
			log.Debug("using CoreML provider")
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for %s: %w", modelPath, err)
	}

	return &Session{
		session:     session,
		modelPath:   modelPath,
		inputNames:  inputNames,
		outputNames: outputNames,
	}, nil
}

// Run executes inference with the given inputs
func (s *Session) Run(inputs []ort.Value, outputs []ort.Value) error {
	return s.session.Run(inputs, outputs)
}

// ModelPath returns the model file backing the session.
func (s *Session) ModelPath() string {
	return s.modelPath
}

// Destroy releases session resources
func (s *Session) Destroy() error {
	if s.session != nil {
		return s.session.Destroy()
	}
	return nil
}

// CreateTensor creates a tensor with the given shape and data
func CreateTensor[T ort.TensorData](shape []int64, data []T) (*ort.Tensor[T], error) {
	return ort.NewTensor(ort.NewShape(shape...), data)
}

// CreateEmptyTensor creates a zeroed tensor for output
func CreateEmptyTensor[T ort.TensorData](shape []int64) (*ort.Tensor[T], error) {
	return ort.NewEmptyTensor[T](ort.NewShape(shape...))
}
