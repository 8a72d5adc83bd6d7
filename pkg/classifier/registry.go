package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/HatiCode/saccharum/pkg/preprocess"
)

// Registry is the on-disk model registry.
//
//	default: ResNet50
//	models:
//	  - name: ResNet50
//	    backend: onnx
//	    path: ResNet50/model.onnx
//	    classes_path: ResNet50/classes.json
//	    input_size: 224
//	    normalization: caffe
//	    layout: nhwc
type Registry struct {
	Default string  `yaml:"default"`
	Models  []Entry `yaml:"models"`
}

// BuiltinRegistry returns the three stock models stored under modelsDir.
func BuiltinRegistry(modelsDir string) Registry {
	entry := func(name, description string, size int, norm preprocess.Normalization) Entry {
		return Entry{
			Name:          name,
			Description:   description,
			Backend:       BackendONNX,
			Path:          filepath.Join(modelsDir, name, "model.onnx"),
			ClassesPath:   filepath.Join(modelsDir, name, "classes.json"),
			InputSize:     size,
			Normalization: norm,
			Layout:        preprocess.LayoutNHWC,
		}
	}
	return Registry{
		Default: "ResNet50",
		Models: []Entry{
			entry("ResNet50", "Deep residual network, 50 layers", 224, preprocess.NormCaffe),
			entry("EfficientNetB0", "Compound-scaled EfficientNet baseline", 256, preprocess.NormRaw),
			entry("MobileNetV2", "Lightweight inverted-residual network", 256, preprocess.NormTF),
		},
	}
}

// LoadRegistry reads a YAML registry. Relative model and class paths are
// resolved against the registry file's directory.
func LoadRegistry(path string) (Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Registry{}, fmt.Errorf("read model registry: %w", err)
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return Registry{}, fmt.Errorf("parse model registry %s: %w", path, err)
	}
	if len(reg.Models) == 0 {
		return Registry{}, fmt.Errorf("model registry %s lists no models", path)
	}

	base := filepath.Dir(path)
	for i := range reg.Models {
		m := &reg.Models[i]
		if m.Backend == "" {
			m.Backend = BackendONNX
		}
		if m.Layout == "" {
			m.Layout = preprocess.LayoutNHWC
		}
		if m.Normalization == "" {
			m.Normalization = preprocess.NormUnit
		}
		m.Path = resolvePath(base, m.Path)
		m.ClassesPath = resolvePath(base, m.ClassesPath)
	}
	return reg, nil
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// ResolveClasses fills each entry's class list. Inline classes win; otherwise
// the classes file is read, and a missing file falls back to DefaultClasses.
// poolSize, when positive, overrides entries without their own pool size.
func (r Registry) ResolveClasses(poolSize int) ([]Entry, error) {
	entries := make([]Entry, len(r.Models))
	for i, e := range r.Models {
		if e.PoolSize <= 0 && poolSize > 0 {
			e.PoolSize = poolSize
		}
		if len(e.Classes) == 0 {
			classes, err := LoadClasses(e.ClassesPath)
			if err != nil {
				return nil, fmt.Errorf("model %q: %w", e.Name, err)
			}
			e.Classes = classes
		}
		entries[i] = e
	}
	return entries, nil
}

// LoadClasses reads a JSON array of class labels. An empty path or a missing
// file yields a copy of DefaultClasses.
func LoadClasses(path string) ([]string, error) {
	if path == "" {
		return append([]string(nil), DefaultClasses...), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return append([]string(nil), DefaultClasses...), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read classes: %w", err)
	}

	var classes []string
	if err := json.Unmarshal(data, &classes); err != nil {
		return nil, fmt.Errorf("parse classes %s: %w", path, err)
	}
	if err := checkClasses(classes); err != nil {
		return nil, fmt.Errorf("classes file %s: %w", path, err)
	}
	return classes, nil
}
