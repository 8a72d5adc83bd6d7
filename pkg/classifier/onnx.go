package classifier

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/HatiCode/saccharum/pkg/preprocess"
)

const (
	// DefaultPoolSize is the number of ONNX sessions per model.
	DefaultPoolSize = 2
	// AcquireTimeout bounds how long a request waits for a free session.
	AcquireTimeout = 10 * time.Second

	defaultInputName  = "input"
	defaultOutputName = "output"
)

var (
	ortOnce sync.Once
	ortErr  error
)

// InitRuntime loads the ONNX Runtime shared library once per process.
// An empty libPath leaves the library's default lookup in place.
func InitRuntime(libPath string) error {
	ortOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

// ShutdownRuntime releases the ONNX Runtime environment.
func ShutdownRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// session owns a compiled model plus its bound input and output tensors.
// A session is used by one request at a time.
type session struct {
	run    *ort.AdvancedSession
	input  *ort.Tensor[float32]
	output *ort.Tensor[float32]
}

func (s *session) destroy() {
	if s.run != nil {
		s.run.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
}

// ONNXClassifier serves a model from a pool of ONNX Runtime sessions.
type ONNXClassifier struct {
	name     string
	sessions chan *session
	size     int

	mu     sync.Mutex
	closed bool
}

// NewONNXClassifier compiles entry.Path into entry.PoolSize sessions.
// InitRuntime must have been called first.
func NewONNXClassifier(entry Entry) (*ONNXClassifier, error) {
	if !ort.IsInitialized() {
		return nil, errors.New("onnx runtime is not initialized")
	}

	size := entry.PoolSize
	if size <= 0 {
		size = DefaultPoolSize
	}

	c := &ONNXClassifier{
		name:     entry.Name,
		sessions: make(chan *session, size),
		size:     size,
	}
	for i := 0; i < size; i++ {
		s, err := newSession(entry, size)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("initialize session %d: %w", i, err)
		}
		c.sessions <- s
	}
	return c, nil
}

func newSession(entry Entry, poolSize int) (*session, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()

	threads := runtime.NumCPU() / poolSize
	if threads < 1 {
		threads = 1
	}
	if err := options.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("set intra-op threads: %w", err)
	}

	inputShape := ort.NewShape(preprocess.Shape(entry.PreprocessOptions())...)
	outputShape := ort.NewShape(1, int64(len(entry.Classes)))

	input, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	inputName := entry.InputName
	if inputName == "" {
		inputName = defaultInputName
	}
	outputName := entry.OutputName
	if outputName == "" {
		outputName = defaultOutputName
	}

	run, err := ort.NewAdvancedSession(entry.Path,
		[]string{inputName}, []string{outputName},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output},
		options)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create session for %s: %w", entry.Path, err)
	}

	return &session{run: run, input: input, output: output}, nil
}

// Classify runs one forward pass on a pooled session.
func (c *ONNXClassifier) Classify(ctx context.Context, input preprocess.Tensor) ([]float32, error) {
	s, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.release(s)

	dst := s.input.GetData()
	if len(dst) != len(input.Data) {
		return nil, fmt.Errorf("input has %d values, model expects %d", len(input.Data), len(dst))
	}
	copy(dst, input.Data)

	if err := s.run.Run(); err != nil {
		return nil, fmt.Errorf("run session: %w", err)
	}

	out := s.output.GetData()
	result := make([]float32, len(out))
	copy(result, out)
	return result, nil
}

func (c *ONNXClassifier) acquire(ctx context.Context) (*session, error) {
	timer := time.NewTimer(AcquireTimeout)
	defer timer.Stop()

	select {
	case s, ok := <-c.sessions:
		if !ok {
			return nil, fmt.Errorf("model %q is closed", c.name)
		}
		return s, nil
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for a free session of model %q", c.name)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *ONNXClassifier) release(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		s.destroy()
		return
	}
	c.sessions <- s
}

// Close destroys idle sessions; sessions still in use are destroyed on release.
func (c *ONNXClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.sessions)
	for s := range c.sessions {
		s.destroy()
	}
	return nil
}
