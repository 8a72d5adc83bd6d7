// Package router configures HTTP routes for the saccharum API.
//
// Routes configured:
//   - POST /analyze, POST /api/predict - Classify an uploaded leaf image
//   - GET /api/models - Registered models, the default and their load state
//   - GET /history?limit=N - Recent analyses, newest first
//   - GET /history/{id} - One analysis
//   - DELETE /history/{id} - Delete an analysis and its upload
//   - GET /uploads/{filename} - A stored upload
//   - GET /api/health - Service status with model counts
//   - GET /api/info - Service description
//   - GET /healthz - Liveness check (returns 200 OK)
//   - GET /metrics - Prometheus metrics endpoint
//
// Upload requests are multipart forms with the image in the "file" field
// ("image" is accepted too), an optional "model" and an optional "use_tta".
// Errors use the body {"success":false,"error":"<msg>"}.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/saccharum/cmd/saccharum/analyzer"
	"github.com/HatiCode/saccharum/pkg/classifier"
	"github.com/HatiCode/saccharum/pkg/httpx"
	"github.com/HatiCode/saccharum/pkg/preprocess"
	"github.com/HatiCode/saccharum/pkg/storage"
	"github.com/HatiCode/saccharum/pkg/uploads"
)

const (
	// multipartOverhead is the allowance for form boundaries and fields on
	// top of the file size limit.
	multipartOverhead = 1 << 20
	multipartMemory   = 8 << 20
	maxHistoryLimit   = 500
	storeTimeout      = 5 * time.Second
)

// Catalog describes the registered models.
type Catalog interface {
	Default() string
	Names() []string
	Models() []classifier.ModelInfo
	LoadedCount() int
}

// Deps holds everything the handlers need.
type Deps struct {
	Analyzer       *analyzer.Analyzer
	Store          storage.Store
	Models         Catalog
	Uploads        *uploads.Dir
	MaxUploadBytes int64
	Version        string
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// SetupRoutes configures HTTP endpoints for the server.
func SetupRoutes(d Deps) *http.ServeMux {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = uploads.DefaultMaxBytes
	}

	mux := http.NewServeMux()

	analyze := handleAnalyze(d)
	mux.HandleFunc("POST /analyze", analyze)
	mux.HandleFunc("POST /api/predict", analyze)

	mux.HandleFunc("GET /api/models", handleModels(d))
	mux.HandleFunc("GET /history", handleListHistory(d))
	mux.HandleFunc("GET /history/{id}", handleGetHistory(d))
	mux.HandleFunc("DELETE /history/{id}", handleDeleteHistory(d))
	mux.HandleFunc("GET /uploads/{filename}", handleUpload(d))

	mux.HandleFunc("GET /api/health", handleHealth(d))
	mux.HandleFunc("GET /api/info", handleInfo(d))

	// Health check endpoint
	mux.Handle("GET /healthz", httpx.HealthHandlerWithCheck(storeCheck(d.Store)))

	// Prometheus metrics endpoint
	if d.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return mux
}

type analysisResponse struct {
	Success bool `json:"success"`
	storage.Record
	Status string `json:"status"`
}

// handleAnalyze returns a handler for POST /analyze and /api/predict.
func handleAnalyze(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, d.MaxUploadBytes+multipartOverhead)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, d.Logger, fmt.Errorf("%w: request exceeds %d bytes", uploads.ErrFileTooLarge, d.MaxUploadBytes))
				return
			}
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid multipart form")
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		fh := formFile(r.MultipartForm, "file", "image")
		if fh == nil {
			writeError(w, d.Logger, uploads.ErrMissingFile)
			return
		}

		data, err := uploads.ReadPart(fh, d.MaxUploadBytes)
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}

		useTTA, err := parseBool(r.FormValue("use_tta"))
		if err != nil {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid use_tta value")
			return
		}

		rec, err := d.Analyzer.Analyze(r.Context(), analyzer.Request{
			Data:         data,
			OriginalName: fh.Filename,
			Model:        strings.TrimSpace(r.FormValue("model")),
			TTA:          useTTA,
		})
		if err != nil {
			writeError(w, d.Logger, err)
			return
		}

		resp := analysisResponse{
			Success: true,
			Record:  rec,
			Status:  rec.Prediction.Status,
		}
		if err := httpx.WriteJSON(w, http.StatusOK, resp); err != nil {
			d.Logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// handleModels returns a handler for GET /api/models.
func handleModels(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"success": true,
			"default": d.Models.Default(),
			"models":  d.Models.Names(),
			"details": d.Models.Models(),
		}
		if err := httpx.WriteJSON(w, http.StatusOK, resp); err != nil {
			d.Logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// handleListHistory returns a handler for GET /history?limit=N.
func handleListHistory(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := storage.DefaultListLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpx.WriteErrorMessage(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = min(n, maxHistoryLimit)
		}

		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		defer cancel()

		records, err := d.Store.List(ctx, limit)
		if err != nil {
			d.Logger.Error("failed to list history", "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if records == nil {
			records = []storage.Record{}
		}

		resp := map[string]any{
			"success": true,
			"count":   len(records),
			"records": records,
		}
		if err := httpx.WriteJSON(w, http.StatusOK, resp); err != nil {
			d.Logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// handleGetHistory returns a handler for GET /history/{id}.
func handleGetHistory(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		defer cancel()

		rec, found, err := d.Store.Get(ctx, id)
		if err != nil {
			d.Logger.Error("failed to get record", "id", id, "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !found {
			httpx.WriteErrorMessage(w, http.StatusNotFound, fmt.Sprintf("analysis %q not found", id))
			return
		}

		resp := map[string]any{
			"success": true,
			"record":  rec,
		}
		if err := httpx.WriteJSON(w, http.StatusOK, resp); err != nil {
			d.Logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// handleDeleteHistory returns a handler for DELETE /history/{id}.
func handleDeleteHistory(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		defer cancel()

		deleted, err := d.Analyzer.Delete(ctx, id)
		if err != nil {
			d.Logger.Error("failed to delete record", "id", id, "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !deleted {
			httpx.WriteErrorMessage(w, http.StatusNotFound, fmt.Sprintf("analysis %q not found", id))
			return
		}

		if err := httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true}); err != nil {
			d.Logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// handleUpload returns a handler for GET /uploads/{filename}.
func handleUpload(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path, err := d.Uploads.Path(r.PathValue("filename"))
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, err)
			return
		}

		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			httpx.WriteErrorMessage(w, http.StatusNotFound, "file not found")
			return
		}

		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'none'; sandbox")
		if ct, ok := uploads.ContentType(path); ok {
			h.Set("Content-Type", ct)
		} else {
			h.Set("Content-Type", "application/octet-stream")
			h.Set("Content-Disposition", "attachment")
		}
		http.ServeFile(w, r, path)
	}
}

// handleHealth returns a handler for GET /api/health.
func handleHealth(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		loaded := d.Models.LoadedCount()
		status := "healthy"
		if loaded == 0 {
			status = "degraded"
		}

		resp := map[string]any{
			"status":           status,
			"timestamp":        time.Now().UTC().Format(time.RFC3339),
			"models_loaded":    loaded,
			"models_available": d.Models.Names(),
			"version":          d.Version,
		}
		if err := httpx.WriteJSON(w, http.StatusOK, resp); err != nil {
			d.Logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// handleInfo returns a handler for GET /api/info.
func handleInfo(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"name":          "saccharum",
			"description":   "Sugarcane leaf disease classification",
			"version":       d.Version,
			"default_model": d.Models.Default(),
			"max_upload":    d.MaxUploadBytes,
			"endpoints": map[string]string{
				"analyze":  "POST /analyze",
				"predict":  "POST /api/predict",
				"models":   "GET /api/models",
				"history":  "GET /history",
				"record":   "GET|DELETE /history/{id}",
				"uploads":  "GET /uploads/{filename}",
				"health":   "GET /api/health",
				"metrics":  "GET /metrics",
				"liveness": "GET /healthz",
			},
		}
		if err := httpx.WriteJSON(w, http.StatusOK, resp); err != nil {
			d.Logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// StatusFor maps an analysis error to its HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, uploads.ErrUnsupportedFileType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, uploads.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, uploads.ErrMissingFile), errors.Is(err, classifier.ErrUnknownModel):
		return http.StatusBadRequest
	case errors.Is(err, preprocess.ErrUnsupportedFormat), errors.Is(err, preprocess.ErrInvalidDimensions):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with its mapped status. Unclassified server errors
// are logged and reported generically.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := StatusFor(err)
	var inf *classifier.InferenceError
	if status == http.StatusInternalServerError && !errors.As(err, &inf) {
		logger.Error("analysis failed", "error", err)
		httpx.WriteErrorMessage(w, status, "internal server error")
		return
	}
	if status == http.StatusInternalServerError {
		logger.Error("inference failed", "model", inf.Model, "op", inf.Op, "error", inf.Err)
	}
	httpx.WriteError(w, status, err)
}

func formFile(form *multipart.Form, fields ...string) *multipart.FileHeader {
	for _, field := range fields {
		if files := form.File[field]; len(files) > 0 && files[0].Filename != "" {
			return files[0]
		}
	}
	return nil
}

// parseBool accepts the checkbox values browsers and scripts send.
func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "off", "no":
		return false, nil
	case "1", "true", "on", "yes":
		return true, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", v)
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

// storeCheck pings stores that support it.
func storeCheck(s storage.Store) func() error {
	return func() error {
		p, ok := s.(pinger)
		if !ok {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("history store unavailable: %w", err)
		}
		return nil
	}
}
