package classifier

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HatiCode/saccharum/pkg/preprocess"
)

// DefaultThreshold is the confidence below which a prediction is flagged.
const DefaultThreshold = 0.5

// PredictOptions control a single prediction.
type PredictOptions struct {
	// Augmentations is the number of TTA variants; 0 disables TTA.
	Augmentations int
	// Seed makes augmentation reproducible.
	Seed uint64
}

// ModelInfo describes a registered model and its load state.
type ModelInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Backend     string   `json:"backend"`
	InputSize   int      `json:"input_size"`
	Classes     []string `json:"classes"`
	Loaded      bool     `json:"loaded"`
	Error       string   `json:"error,omitempty"`
}

// LoadHook is called after every load attempt.
type LoadHook func(name string, err error)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithThreshold sets the confidence threshold for the warning status.
func WithThreshold(threshold float64) Option {
	return func(m *Manager) {
		m.threshold = threshold
	}
}

// WithMaxPixels caps decoded image size.
func WithMaxPixels(maxPixels int64) Option {
	return func(m *Manager) {
		m.maxPixels = maxPixels
	}
}

// WithLoadHook registers a callback for load attempts.
func WithLoadHook(hook LoadHook) Option {
	return func(m *Manager) {
		m.hooks = append(m.hooks, hook)
	}
}

type slot struct {
	entry Entry

	// loading admits one loader call at a time; mu only guards the fields
	// below, so readers never wait for a load in progress.
	loading chan struct{}

	mu      sync.Mutex
	model   Classifier
	lastErr error
	closed  bool
}

func newSlot(e Entry) *slot {
	return &slot{entry: e, loading: make(chan struct{}, 1)}
}

func (s *slot) current() Classifier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// Manager holds the fixed mapping from model name to loaded handle.
// The mapping itself never changes after construction; each slot loads its
// model at most once successfully and keeps it until Close.
type Manager struct {
	slots       map[string]*slot
	order       []string
	defaultName string
	loader      Loader
	logger      *slog.Logger
	threshold   float64
	maxPixels   int64
	hooks       []LoadHook
}

// NewManager registers entries. defaultName must be one of them.
func NewManager(entries []Entry, defaultName string, loader Loader, opts ...Option) (*Manager, error) {
	if len(entries) == 0 {
		return nil, errors.New("at least one model must be registered")
	}
	if loader == nil {
		return nil, errors.New("loader cannot be nil")
	}

	m := &Manager{
		slots:     make(map[string]*slot, len(entries)),
		order:     make([]string, 0, len(entries)),
		loader:    loader,
		logger:    slog.Default(),
		threshold: DefaultThreshold,
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, dup := m.slots[e.Name]; dup {
			return nil, fmt.Errorf("model %q registered twice", e.Name)
		}
		m.slots[e.Name] = newSlot(e)
		m.order = append(m.order, e.Name)
	}

	if defaultName == "" {
		defaultName = m.order[0]
	}
	if _, ok := m.slots[defaultName]; !ok {
		return nil, fmt.Errorf("default model %q is not registered", defaultName)
	}
	m.defaultName = defaultName

	return m, nil
}

// Default returns the default model name.
func (m *Manager) Default() string {
	return m.defaultName
}

// Names returns registered model names in registration order.
func (m *Manager) Names() []string {
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names
}

// Resolve maps an optional model name to a registered one.
func (m *Manager) Resolve(name string) (string, error) {
	if name == "" {
		return m.defaultName, nil
	}
	if _, ok := m.slots[name]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return name, nil
}

// Models reports every registered model with its load state.
func (m *Manager) Models() []ModelInfo {
	infos := make([]ModelInfo, 0, len(m.order))
	for _, name := range m.order {
		s := m.slots[name]
		s.mu.Lock()
		info := ModelInfo{
			Name:        s.entry.Name,
			Description: s.entry.Description,
			Backend:     s.entry.Backend,
			InputSize:   s.entry.InputSize,
			Classes:     s.entry.Classes,
			Loaded:      s.model != nil,
		}
		if s.model == nil && s.lastErr != nil {
			info.Error = s.lastErr.Error()
		}
		s.mu.Unlock()
		infos = append(infos, info)
	}
	return infos
}

// LoadedCount returns how many models are resident.
func (m *Manager) LoadedCount() int {
	n := 0
	for _, s := range m.slots {
		s.mu.Lock()
		if s.model != nil {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// Preload loads every registered model concurrently. One failing model does
// not cancel the others: it returns the joined load errors, and models that
// loaded successfully stay resident either way.
func (m *Manager) Preload(ctx context.Context) error {
	errs := make([]error, len(m.order))
	var g errgroup.Group
	for i, name := range m.order {
		s := m.slots[name]
		g.Go(func() error {
			_, errs[i] = m.load(ctx, s)
			return nil
		})
	}
	// Goroutines report through errs; Wait has nothing to return.
	_ = g.Wait()
	return errors.Join(errs...)
}

// load returns the slot's model, loading it if needed. Failures are not
// cached, so a later call retries.
func (m *Manager) load(ctx context.Context, s *slot) (Classifier, error) {
	if model := s.current(); model != nil {
		return model, nil
	}

	select {
	case s.loading <- struct{}{}:
	case <-ctx.Done():
		return nil, &InferenceError{Model: s.entry.Name, Op: "load", Err: ctx.Err()}
	}
	defer func() { <-s.loading }()

	// Another caller may have finished loading while this one waited.
	if model := s.current(); model != nil {
		return model, nil
	}

	m.logger.Info("loading model", "model", s.entry.Name, "backend", s.entry.Backend)
	model, err := m.loader(ctx, s.entry)

	s.mu.Lock()
	switch {
	case err != nil:
		s.lastErr = err
	case s.closed:
		err = errors.New("manager closed")
		if cerr := model.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	default:
		s.model = model
		s.lastErr = nil
	}
	s.mu.Unlock()

	if err != nil {
		m.logger.Error("failed to load model", "model", s.entry.Name, "error", err)
		m.notify(s.entry.Name, err)
		return nil, &InferenceError{Model: s.entry.Name, Op: "load", Err: err}
	}

	m.logger.Info("model loaded", "model", s.entry.Name, "classes", len(s.entry.Classes), "input_size", s.entry.InputSize)
	m.notify(s.entry.Name, nil)
	return model, nil
}

func (m *Manager) notify(name string, err error) {
	for _, hook := range m.hooks {
		hook(name, err)
	}
}

// Predict classifies imageData with the named model ("" selects the default).
//
// Errors: ErrUnknownModel for unregistered names, preprocess.ErrUnsupportedFormat
// and preprocess.ErrInvalidDimensions for bad images, *InferenceError when
// the backend fails to load or run.
func (m *Manager) Predict(ctx context.Context, imageData []byte, modelName string, opts PredictOptions) (Prediction, error) {
	name, err := m.Resolve(modelName)
	if err != nil {
		return Prediction{}, err
	}
	s := m.slots[name]

	var timing Timing
	start := time.Now()
	decoded, err := preprocess.Decode(imageData, m.maxPixels)
	if err != nil {
		return Prediction{}, err
	}

	timing.Preprocess = time.Since(start)

	model, err := m.load(ctx, s)
	if err != nil {
		return Prediction{}, err
	}

	images := []image.Image{decoded.Image}
	if opts.Augmentations > 0 {
		images = append(images, Augment(decoded.Image, opts.Augmentations, opts.Seed)...)
	}

	popts := s.entry.PreprocessOptions()
	outputs := make([][]float32, 0, len(images))
	for _, img := range images {
		t0 := time.Now()
		tensor, err := preprocess.Tensorize(img, popts)
		if err != nil {
			return Prediction{}, err
		}
		timing.Preprocess += time.Since(t0)

		t1 := time.Now()
		out, err := model.Classify(ctx, tensor)
		timing.Inference += time.Since(t1)
		if err != nil {
			return Prediction{}, &InferenceError{Model: name, Op: "run", Err: err}
		}
		if len(out) != len(s.entry.Classes) {
			return Prediction{}, &InferenceError{
				Model: name,
				Op:    "run",
				Err:   fmt.Errorf("model produced %d outputs for %d classes", len(out), len(s.entry.Classes)),
			}
		}
		outputs = append(outputs, out)
	}

	avg, err := Average(outputs)
	if err != nil {
		return Prediction{}, &InferenceError{Model: name, Op: "postprocess", Err: err}
	}
	probs, err := Normalize(avg)
	if err != nil {
		return Prediction{}, &InferenceError{Model: name, Op: "postprocess", Err: err}
	}

	p := m.buildPrediction(s.entry.Classes, probs, opts.Augmentations)
	p.Timing = timing
	return p, nil
}

func (m *Manager) buildPrediction(classes []string, probs []float64, augmentations int) Prediction {
	ranked := Rank(classes, probs)
	best := ranked[0]

	all := make(map[string]float64, len(classes))
	for i, c := range classes {
		all[c] = probs[i]
	}

	top := ranked
	if len(top) > 3 {
		top = top[:3]
	}

	method := "direct"
	if augmentations > 0 {
		method = fmt.Sprintf("tta(%d)", augmentations)
	}

	p := Prediction{
		Class:         best.Class,
		Confidence:    best.Probability,
		Probabilities: all,
		Top:           top,
		Method:        method,
		Status:        StatusSuccess,
		Message:       fmt.Sprintf("Detected %s (%.1f%%)", best.Class, best.Probability*100),
	}
	if best.Probability < m.threshold {
		p.Status = StatusWarning
		p.Message = fmt.Sprintf("Low confidence (%.1f%%); at least %.0f%% is required", best.Probability*100, m.threshold*100)
	}
	return p
}

// Close releases every loaded model.
func (m *Manager) Close() error {
	var errs []error
	for _, name := range m.order {
		s := m.slots[name]
		s.mu.Lock()
		s.closed = true
		if s.model != nil {
			if err := s.model.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close model %q: %w", name, err))
			}
			s.model = nil
		}
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}
