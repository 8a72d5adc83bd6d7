// Package analyzer orchestrates one image analysis:
//
//	resolve model → save upload → predict → store record
//
// Each stage is timed; the outcome is logged once and recorded in Prometheus
// metrics. A failed analysis leaves no upload behind, and deleting a record
// also deletes its upload.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/HatiCode/saccharum/cmd/saccharum/metrics"
	"github.com/HatiCode/saccharum/pkg/classifier"
	"github.com/HatiCode/saccharum/pkg/httpx"
	"github.com/HatiCode/saccharum/pkg/preprocess"
	"github.com/HatiCode/saccharum/pkg/storage"
)

// Predictor is the subset of classifier.Manager the analyzer needs.
type Predictor interface {
	Resolve(name string) (string, error)
	Predict(ctx context.Context, imageData []byte, modelName string, opts classifier.PredictOptions) (classifier.Prediction, error)
	LoadedCount() int
}

// Files persists uploaded images.
type Files interface {
	Save(originalName string, data []byte) (string, error)
	Remove(name string) error
}

// Request is one image to analyze.
type Request struct {
	Data         []byte
	OriginalName string
	// Model is optional; empty selects the default model.
	Model string
	TTA   bool
}

// Analyzer runs analyses and manages their history.
type Analyzer struct {
	predictor     Predictor
	store         storage.Store
	files         Files
	augmentations int
	logger        *slog.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
}

// New creates an Analyzer. augmentations is the TTA variant count used when a
// request asks for TTA. metrics may be nil.
func New(
	predictor Predictor,
	store storage.Store,
	files Files,
	augmentations int,
	logger *slog.Logger,
	metrics *metrics.Metrics,
) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Analyzer{
		predictor:     predictor,
		store:         store,
		files:         files,
		augmentations: augmentations,
		logger:        logger,
		metrics:       metrics,
		now:           time.Now,
	}
}

// Analyze classifies req.Data and stores the result.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (storage.Record, error) {
	start := time.Now()

	model, err := a.predictor.Resolve(req.Model)
	if err != nil {
		a.recordError("analyzer", err)
		return storage.Record{}, err
	}

	filename, saveDuration, err := a.save(req)
	if err != nil {
		a.recordError("uploads", err)
		return storage.Record{}, fmt.Errorf("save upload: %w", err)
	}

	pred, err := a.predict(ctx, req, model)
	if err != nil {
		a.discard(filename)
		a.recordError("classifier", err)
		return storage.Record{}, err
	}

	rec := storage.Record{
		ID:           uuid.NewString(),
		CreatedAt:    a.now().UTC(),
		Filename:     filename,
		OriginalName: req.OriginalName,
		Model:        model,
		TTA:          req.TTA && a.augmentations > 0,
		Prediction:   pred,
	}

	if err := a.store.Put(ctx, rec); err != nil {
		a.discard(filename)
		a.recordError("store", err)
		return storage.Record{}, fmt.Errorf("store record: %w", err)
	}

	if a.metrics != nil {
		a.metrics.RecordAnalysis(model, pred.Status)
		a.metrics.RecordClass(model, pred.Class)
	}

	a.logger.Info("analysis complete",
		"id", rec.ID,
		"model", model,
		"class", pred.Class,
		"confidence", pred.Confidence,
		"status", pred.Status,
		"method", pred.Method,
		"save_ms", saveDuration.Milliseconds(),
		"preprocess_ms", pred.Timing.Preprocess.Milliseconds(),
		"inference_ms", pred.Timing.Inference.Milliseconds(),
		"total_ms", time.Since(start).Milliseconds(),
		"request_id", httpx.RequestID(ctx),
	)

	return rec, nil
}

// save writes the upload to disk.
func (a *Analyzer) save(req Request) (string, time.Duration, error) {
	start := time.Now()

	filename, err := a.files.Save(req.OriginalName, req.Data)
	if err != nil {
		return "", 0, err
	}

	duration := time.Since(start)
	a.logger.Debug("saved upload",
		"filename", filename,
		"bytes", len(req.Data),
		"duration_ms", duration.Milliseconds(),
	)
	return filename, duration, nil
}

// predict runs the model, with TTA when requested.
func (a *Analyzer) predict(ctx context.Context, req Request, model string) (classifier.Prediction, error) {
	var opts classifier.PredictOptions
	if req.TTA {
		opts.Augmentations = a.augmentations
		opts.Seed = seed(req.Data)
	}

	pred, err := a.predictor.Predict(ctx, req.Data, model, opts)

	if a.metrics != nil {
		a.metrics.SetModelsLoaded(a.predictor.LoadedCount())
	}
	if err != nil {
		return classifier.Prediction{}, err
	}

	if a.metrics != nil {
		a.metrics.RecordPreprocess(pred.Timing.Preprocess.Seconds())
		a.metrics.RecordInference(model, pred.Timing.Inference.Seconds())
	}

	a.logger.Debug("predicted",
		"model", model,
		"augmentations", opts.Augmentations,
		"class", pred.Class,
	)
	return pred, nil
}

// discard removes an upload whose analysis did not complete.
func (a *Analyzer) discard(filename string) {
	if err := a.files.Remove(filename); err != nil && !errors.Is(err, fs.ErrNotExist) {
		a.logger.Warn("failed to remove upload", "filename", filename, "error", err)
	}
}

// Delete removes a history record and its upload.
func (a *Analyzer) Delete(ctx context.Context, id string) (bool, error) {
	rec, found, err := a.store.Get(ctx, id)
	if err != nil {
		a.recordError("store", err)
		return false, err
	}
	if !found {
		return false, nil
	}

	deleted, err := a.store.Delete(ctx, id)
	if err != nil {
		a.recordError("store", err)
		return false, err
	}
	if deleted && rec.Filename != "" {
		a.discard(rec.Filename)
	}

	a.logger.Info("deleted analysis", "id", id, "filename", rec.Filename)
	return deleted, nil
}

func (a *Analyzer) recordError(component string, err error) {
	if a.metrics != nil {
		a.metrics.RecordError(component, Reason(err))
	}
}

// Reason maps an error to a short metric label.
func Reason(err error) string {
	var inf *classifier.InferenceError
	switch {
	case errors.Is(err, classifier.ErrUnknownModel):
		return "unknown_model"
	case errors.Is(err, preprocess.ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, preprocess.ErrInvalidDimensions):
		return "invalid_dimensions"
	case errors.As(err, &inf):
		return inf.Op + "_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}

// seed derives a stable augmentation seed from the image bytes so repeated
// TTA requests for the same image agree.
func seed(data []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(data)
	return h.Sum64()
}
