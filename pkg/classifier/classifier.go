// Package classifier implements the model manager: a fixed registry of image
// classification models, loaded once and kept resident, that turns uploaded
// image bytes into class probabilities.
//
// A model is described by an Entry and materialised by a Loader into a
// Classifier. Two backends ship with the package:
//
//   - ONNXClassifier runs an exported network in-process through ONNX Runtime,
//     with a pool of sessions so concurrent requests never share tensors.
//   - RemoteClassifier posts the input tensor to an HTTP model server
//     (TensorFlow Serving style) and extracts the output with a gjson path.
//
// Manager.Predict performs the full dispatch: model lookup, decode and
// preprocessing, optional test-time augmentation, inference, and
// normalization of the outputs into a probability distribution.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HatiCode/saccharum/pkg/preprocess"
)

// ErrUnknownModel is returned when a model name is not registered.
var ErrUnknownModel = errors.New("unknown model")

// DefaultClasses is used when a model has no class list of its own.
var DefaultClasses = []string{"Healthy", "Mosaic", "RedRot", "Rust", "Yellow"}

// Backend kinds.
const (
	BackendONNX   = "onnx"
	BackendRemote = "remote"
)

// InferenceError reports a failure inside a model backend.
type InferenceError struct {
	Model string
	Op    string
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference %s failed for model %q: %v", e.Op, e.Model, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// Entry describes one registered model.
type Entry struct {
	Name          string                   `yaml:"name"`
	Description   string                   `yaml:"description"`
	Backend       string                   `yaml:"backend"`
	Path          string                   `yaml:"path"`
	ClassesPath   string                   `yaml:"classes_path"`
	Classes       []string                 `yaml:"classes"`
	InputSize     int                      `yaml:"input_size"`
	Normalization preprocess.Normalization `yaml:"normalization"`
	Layout        preprocess.Layout        `yaml:"layout"`
	InputName     string                   `yaml:"input_name"`
	OutputName    string                   `yaml:"output_name"`
	PoolSize      int                      `yaml:"pool_size"`

	// Remote backend settings.
	Endpoint          string `yaml:"endpoint"`
	RequestFormat     string `yaml:"request_format"`
	ProbabilitiesPath string `yaml:"probabilities_path"`
}

// PreprocessOptions returns the tensor options this model expects.
func (e Entry) PreprocessOptions() preprocess.Options {
	return preprocess.Options{
		Size:          e.InputSize,
		Normalization: e.Normalization,
		Layout:        e.Layout,
	}
}

// Validate checks the entry for missing or inconsistent settings.
func (e Entry) Validate() error {
	if e.Name == "" {
		return errors.New("model name cannot be empty")
	}
	if err := e.PreprocessOptions().Validate(); err != nil {
		return fmt.Errorf("model %q: %w", e.Name, err)
	}
	switch e.Backend {
	case BackendONNX:
		if e.Path == "" {
			return fmt.Errorf("model %q: path is required for the onnx backend", e.Name)
		}
	case BackendRemote:
		if e.Endpoint == "" {
			return fmt.Errorf("model %q: endpoint is required for the remote backend", e.Name)
		}
	default:
		return fmt.Errorf("model %q: unknown backend %q (must be onnx or remote)", e.Name, e.Backend)
	}
	if err := checkClasses(e.Classes); err != nil {
		return fmt.Errorf("model %q: %w", e.Name, err)
	}
	return nil
}

// checkClasses requires a non-empty list of distinct, non-empty labels.
func checkClasses(classes []string) error {
	if len(classes) == 0 {
		return errors.New("class list cannot be empty")
	}
	seen := make(map[string]struct{}, len(classes))
	for _, c := range classes {
		if c == "" {
			return errors.New("class list contains an empty label")
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("class list repeats label %q", c)
		}
		seen[c] = struct{}{}
	}
	return nil
}

// Classifier is a loaded, ready-to-query model handle.
// Classify returns one raw output value per class, in class order.
type Classifier interface {
	Classify(ctx context.Context, input preprocess.Tensor) ([]float32, error)
	Close() error
}

// Loader materialises an Entry into a Classifier.
type Loader func(ctx context.Context, entry Entry) (Classifier, error)

// Ranked is a class with its probability.
type Ranked struct {
	Class       string  `json:"class"`
	Probability float64 `json:"probability"`
}

// Prediction statuses.
const (
	StatusSuccess = "success"
	StatusWarning = "warning"
)

// Prediction is the result of classifying one image.
type Prediction struct {
	Class         string             `json:"class"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"all_probabilities"`
	Top           []Ranked           `json:"top_3"`
	Method        string             `json:"method"`
	Status        string             `json:"status"`
	Message       string             `json:"message,omitempty"`

	Timing Timing `json:"-"`
}

// Timing splits the wall time of a prediction by stage.
type Timing struct {
	Preprocess time.Duration
	Inference  time.Duration
}
