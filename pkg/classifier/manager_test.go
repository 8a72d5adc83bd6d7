package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HatiCode/saccharum/pkg/preprocess"
)

type fakeClassifier struct {
	output []float32
	err    error
	calls  atomic.Int64
	closed atomic.Bool
}

func (f *fakeClassifier) Classify(ctx context.Context, input preprocess.Tensor) ([]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float32, len(f.output))
	copy(out, f.output)
	return out, nil
}

func (f *fakeClassifier) Close() error {
	f.closed.Store(true)
	return nil
}

func testEntry(name string) Entry {
	return Entry{
		Name:          name,
		Backend:       BackendRemote,
		Endpoint:      "http://model.invalid/" + name,
		Classes:       []string{"Healthy", "Mosaic", "RedRot"},
		InputSize:     8,
		Normalization: preprocess.NormUnit,
		Layout:        preprocess.LayoutNHWC,
	}
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, gradient(12, 9)); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func staticLoader(models map[string]*fakeClassifier) Loader {
	return func(ctx context.Context, e Entry) (Classifier, error) {
		m, ok := models[e.Name]
		if !ok {
			return nil, fmt.Errorf("no fake for %s", e.Name)
		}
		return m, nil
	}
}

func withClasses(e Entry, classes ...string) Entry {
	e.Classes = classes
	return e
}

func TestNewManager_Validation(t *testing.T) {
	loader := staticLoader(nil)

	tests := []struct {
		name        string
		entries     []Entry
		defaultName string
		loader      Loader
		wantErr     bool
	}{
		{name: "valid", entries: []Entry{testEntry("A"), testEntry("B")}, defaultName: "B", loader: loader},
		{name: "empty default picks first", entries: []Entry{testEntry("A")}, loader: loader},
		{name: "no entries", loader: loader, wantErr: true},
		{name: "nil loader", entries: []Entry{testEntry("A")}, wantErr: true},
		{name: "duplicate", entries: []Entry{testEntry("A"), testEntry("A")}, loader: loader, wantErr: true},
		{name: "unknown default", entries: []Entry{testEntry("A")}, defaultName: "Z", loader: loader, wantErr: true},
		{name: "invalid entry", entries: []Entry{{Name: "A"}}, loader: loader, wantErr: true},
		{name: "repeated class label", entries: []Entry{withClasses(testEntry("A"), "Healthy", "Healthy", "Rust")}, loader: loader, wantErr: true},
		{name: "empty class label", entries: []Entry{withClasses(testEntry("A"), "Healthy", "", "Rust")}, loader: loader, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.entries, tt.defaultName, tt.loader)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewManager() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestManager_Predict(t *testing.T) {
	fake := &fakeClassifier{output: []float32{0.1, 0.7, 0.2}}
	m, err := NewManager([]Entry{testEntry("A")}, "", staticLoader(map[string]*fakeClassifier{"A": fake}), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	pred, err := m.Predict(context.Background(), testPNG(t), "", PredictOptions{})
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}

	if pred.Class != "Mosaic" {
		t.Errorf("Class = %s, want Mosaic", pred.Class)
	}
	if math.Abs(pred.Confidence-0.7) > 1e-6 {
		t.Errorf("Confidence = %f, want 0.7", pred.Confidence)
	}
	if pred.Method != "direct" {
		t.Errorf("Method = %s, want direct", pred.Method)
	}
	if pred.Status != StatusSuccess {
		t.Errorf("Status = %s, want %s", pred.Status, StatusSuccess)
	}
	if len(pred.Top) != 3 || pred.Top[0].Class != "Mosaic" || pred.Top[1].Class != "RedRot" {
		t.Errorf("Top = %+v", pred.Top)
	}

	total := 0.0
	for _, p := range pred.Probabilities {
		total += p
	}
	if math.Abs(total-1) > 1e-6 {
		t.Errorf("probabilities sum to %f, want 1", total)
	}
	if fake.calls.Load() != 1 {
		t.Errorf("classifier called %d times, want 1", fake.calls.Load())
	}
}

func TestManager_PredictTTA(t *testing.T) {
	fake := &fakeClassifier{output: []float32{2, 1, 0}}
	m, err := NewManager([]Entry{testEntry("A")}, "", staticLoader(map[string]*fakeClassifier{"A": fake}), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	pred, err := m.Predict(context.Background(), testPNG(t), "A", PredictOptions{Augmentations: 4, Seed: 1})
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if pred.Method != "tta(4)" {
		t.Errorf("Method = %s, want tta(4)", pred.Method)
	}
	if got := fake.calls.Load(); got != 5 {
		t.Errorf("classifier called %d times, want 5", got)
	}
	if pred.Class != "Healthy" {
		t.Errorf("Class = %s, want Healthy", pred.Class)
	}
}

func TestManager_LowConfidenceWarning(t *testing.T) {
	fake := &fakeClassifier{output: []float32{0.4, 0.35, 0.25}}
	m, err := NewManager([]Entry{testEntry("A")}, "", staticLoader(map[string]*fakeClassifier{"A": fake}),
		WithLogger(quietLogger()), WithThreshold(0.5))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	pred, err := m.Predict(context.Background(), testPNG(t), "A", PredictOptions{})
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if pred.Status != StatusWarning {
		t.Errorf("Status = %s, want %s", pred.Status, StatusWarning)
	}
	if pred.Message == "" {
		t.Error("warning prediction should carry a message")
	}
}

func TestManager_PredictErrors(t *testing.T) {
	backendErr := errors.New("session exploded")

	tests := []struct {
		name      string
		fake      *fakeClassifier
		model     string
		image     []byte
		wantErr   error
		wantInfer bool
	}{
		{name: "unknown model", fake: &fakeClassifier{output: []float32{1, 0, 0}}, model: "Nope", wantErr: ErrUnknownModel},
		{name: "undecodable", fake: &fakeClassifier{output: []float32{1, 0, 0}}, model: "A", image: []byte("junk"), wantErr: preprocess.ErrUnsupportedFormat},
		{name: "backend failure", fake: &fakeClassifier{err: backendErr}, model: "A", wantErr: backendErr, wantInfer: true},
		{name: "output length mismatch", fake: &fakeClassifier{output: []float32{1, 0}}, model: "A", wantInfer: true},
		{name: "non-finite output", fake: &fakeClassifier{output: []float32{float32(math.NaN()), 0, 0}}, model: "A", wantInfer: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManager([]Entry{testEntry("A")}, "", staticLoader(map[string]*fakeClassifier{"A": tt.fake}), WithLogger(quietLogger()))
			if err != nil {
				t.Fatalf("NewManager() error = %v", err)
			}

			img := tt.image
			if img == nil {
				img = testPNG(t)
			}

			_, err = m.Predict(context.Background(), img, tt.model, PredictOptions{})
			if err == nil {
				t.Fatal("Predict() expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Predict() error = %v, want %v", err, tt.wantErr)
			}
			var ie *InferenceError
			if tt.wantInfer != errors.As(err, &ie) {
				t.Errorf("Predict() error = %v, InferenceError = %v, want %v", err, !tt.wantInfer, tt.wantInfer)
			}
			if tt.name == "unknown model" && tt.fake.calls.Load() != 0 {
				t.Error("unknown model should not reach the classifier")
			}
		})
	}
}

func TestManager_LoadFailureRetries(t *testing.T) {
	var attempts atomic.Int64
	fake := &fakeClassifier{output: []float32{1, 0, 0}}
	loader := func(ctx context.Context, e Entry) (Classifier, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("model file missing")
		}
		return fake, nil
	}

	var hookMu sync.Mutex
	var hookErrs []error
	m, err := NewManager([]Entry{testEntry("A")}, "", loader, WithLogger(quietLogger()),
		WithLoadHook(func(name string, err error) {
			hookMu.Lock()
			hookErrs = append(hookErrs, err)
			hookMu.Unlock()
		}))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	_, err = m.Predict(context.Background(), testPNG(t), "A", PredictOptions{})
	var ie *InferenceError
	if !errors.As(err, &ie) || ie.Op != "load" {
		t.Fatalf("first Predict() error = %v, want load InferenceError", err)
	}
	if info := m.Models()[0]; info.Loaded || info.Error == "" {
		t.Errorf("after failure Models()[0] = %+v", info)
	}

	if _, err := m.Predict(context.Background(), testPNG(t), "A", PredictOptions{}); err != nil {
		t.Fatalf("second Predict() error = %v", err)
	}
	if m.LoadedCount() != 1 {
		t.Errorf("LoadedCount() = %d, want 1", m.LoadedCount())
	}

	hookMu.Lock()
	defer hookMu.Unlock()
	if len(hookErrs) != 2 || hookErrs[0] == nil || hookErrs[1] != nil {
		t.Errorf("load hook saw %v, want [error, nil]", hookErrs)
	}
}

func TestManager_PreloadAndClose(t *testing.T) {
	fakes := map[string]*fakeClassifier{
		"A": {output: []float32{1, 0, 0}},
		"B": {output: []float32{0, 1, 0}},
	}
	var loads atomic.Int64
	loader := func(ctx context.Context, e Entry) (Classifier, error) {
		loads.Add(1)
		return staticLoader(fakes)(ctx, e)
	}

	m, err := NewManager([]Entry{testEntry("A"), testEntry("B"), testEntry("C")}, "A", loader, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	if err := m.Preload(context.Background()); err == nil {
		t.Error("Preload() should report the model without a fake")
	}
	if got := m.LoadedCount(); got != 2 {
		t.Errorf("LoadedCount() = %d, want 2", got)
	}

	// Loaded models are not loaded again.
	before := loads.Load()
	if _, err := m.Predict(context.Background(), testPNG(t), "B", PredictOptions{}); err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if loads.Load() != before {
		t.Error("resident model was reloaded")
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !fakes["A"].closed.Load() || !fakes["B"].closed.Load() {
		t.Error("Close() should close every loaded model")
	}
}

func TestManager_ConcurrentModelsIsolated(t *testing.T) {
	fakes := map[string]*fakeClassifier{
		"A": {output: []float32{0.9, 0.05, 0.05}},
		"B": {output: []float32{0.05, 0.9, 0.05}},
		"C": {output: []float32{0.05, 0.05, 0.9}},
	}
	want := map[string]string{"A": "Healthy", "B": "Mosaic", "C": "RedRot"}

	m, err := NewManager([]Entry{testEntry("A"), testEntry("B"), testEntry("C")}, "", staticLoader(fakes), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	img := testPNG(t)
	var wg sync.WaitGroup
	errs := make(chan error, 60)
	for i := 0; i < 60; i++ {
		name := []string{"A", "B", "C"}[i%3]
		wg.Add(1)
		go func() {
			defer wg.Done()
			pred, err := m.Predict(context.Background(), img, name, PredictOptions{})
			if err != nil {
				errs <- err
				return
			}
			if pred.Class != want[name] {
				errs <- fmt.Errorf("model %s returned %s, want %s", name, pred.Class, want[name])
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestManager_Models(t *testing.T) {
	m, err := NewManager([]Entry{testEntry("B"), testEntry("A")}, "A", staticLoader(nil))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	infos := m.Models()
	if len(infos) != 2 || infos[0].Name != "B" || infos[1].Name != "A" {
		t.Errorf("Models() = %+v, want registration order", infos)
	}
	if m.Default() != "A" {
		t.Errorf("Default() = %s, want A", m.Default())
	}
	if name, err := m.Resolve(""); err != nil || name != "A" {
		t.Errorf("Resolve(\"\") = %s, %v", name, err)
	}
}

func TestManager_SlowLoadDoesNotBlockOtherModels(t *testing.T) {
	fast := &fakeClassifier{output: []float32{0.2, 0.7, 0.1}}
	slow := &fakeClassifier{output: []float32{1, 0, 0}}
	started := make(chan struct{})
	release := make(chan struct{})
	loader := func(ctx context.Context, e Entry) (Classifier, error) {
		if e.Name == "Slow" {
			close(started)
			<-release
			return slow, nil
		}
		return fast, nil
	}

	var hookLoaded atomic.Int64
	var m *Manager
	m, err := NewManager([]Entry{testEntry("Fast"), testEntry("Slow")}, "Fast", loader,
		WithLogger(quietLogger()),
		WithLoadHook(func(name string, err error) { hookLoaded.Store(int64(m.LoadedCount())) }),
	)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if _, err := m.Predict(context.Background(), testPNG(t), "Fast", PredictOptions{}); err != nil {
		t.Fatalf("Predict(Fast) error = %v", err)
	}

	preloaded := make(chan error, 1)
	go func() { preloaded <- m.Preload(context.Background()) }()
	<-started

	done := make(chan struct{})
	go func() {
		defer close(done)
		if got := m.LoadedCount(); got != 1 {
			t.Errorf("LoadedCount() = %d while Slow loads, want 1", got)
		}
		for _, info := range m.Models() {
			if info.Name == "Slow" && info.Loaded {
				t.Error("Slow reported loaded before its loader returned")
			}
		}
		if _, err := m.Predict(context.Background(), testPNG(t), "Fast", PredictOptions{}); err != nil {
			t.Errorf("Predict(Fast) error = %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := m.Predict(ctx, testPNG(t), "Slow", PredictOptions{}); !errors.Is(err, context.Canceled) {
			t.Errorf("Predict(Slow) with canceled context = %v, want context.Canceled", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reads blocked while another model was loading")
	}

	close(release)
	if err := <-preloaded; err != nil {
		t.Fatalf("Preload() error = %v", err)
	}
	if got := m.LoadedCount(); got != 2 {
		t.Errorf("LoadedCount() = %d, want 2", got)
	}
	if got := hookLoaded.Load(); got != 2 {
		t.Errorf("load hook saw %d loaded models, want 2", got)
	}
}
