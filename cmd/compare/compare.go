// Package main implements the model comparison run.
//
// The Comparer sends one image to a running saccharum server once per model
// without TTA and once with TTA, then reports the predictions side by side
// together with how TTA changed confidence, latency and the predicted class.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/HatiCode/saccharum/pkg/classifier"
	"github.com/HatiCode/saccharum/pkg/httpx"
)

// ErrConnection is returned when the server cannot be reached.
var ErrConnection = errors.New("cannot connect to server")

const maxResponseBytes = 1 << 20

// Result is one prediction run.
type Result struct {
	Model         string             `json:"model"`
	TTA           bool               `json:"use_tta"`
	Success       bool               `json:"success"`
	Class         string             `json:"predicted_class,omitempty"`
	Confidence    float64            `json:"confidence,omitempty"`
	Status        string             `json:"status,omitempty"`
	Method        string             `json:"method,omitempty"`
	Probabilities map[string]float64 `json:"all_probabilities,omitempty"`
	Elapsed       time.Duration      `json:"-"`
	ElapsedMS     int64              `json:"prediction_ms"`
	Error         string             `json:"error,omitempty"`
}

// Improvement compares the TTA run of a model against its direct run.
type Improvement struct {
	Model           string  `json:"model"`
	ConfidenceDelta float64 `json:"confidence_delta"`
	ElapsedDeltaMS  int64   `json:"elapsed_delta_ms"`
	ClassChanged    bool    `json:"class_changed"`
}

// Report is the full comparison.
type Report struct {
	Timestamp    time.Time     `json:"timestamp"`
	Server       string        `json:"server"`
	Image        string        `json:"test_image"`
	Results      []Result      `json:"results"`
	Improvements []Improvement `json:"improvements"`
}

// Comparer talks to a saccharum server.
type Comparer struct {
	serverURL string
	client    *http.Client
	logger    *slog.Logger
}

// New creates a Comparer. A nil client gets one with a two minute timeout.
func New(serverURL string, client *http.Client, logger *slog.Logger) *Comparer {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Comparer{
		serverURL: strings.TrimRight(serverURL, "/"),
		client:    client,
		logger:    logger,
	}
}

// Models returns the server's registered models in registration order.
func (c *Comparer) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+"/api/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var body struct {
		Success bool     `json:"success"`
		Models  []string `json:"models"`
		Error   string   `json:"error"`
	}
	if err := c.do(req, &body); err != nil {
		return nil, err
	}
	if len(body.Models) == 0 {
		return nil, errors.New("server reports no models")
	}
	return body.Models, nil
}

// Predict runs one analysis. Server-side failures are reported in the
// Result; only connection failures are returned as errors.
func (c *Comparer) Predict(ctx context.Context, image []byte, filename, model string, tta bool) (Result, error) {
	res := Result{Model: model, TTA: tta}

	body, contentType, err := multipartBody(image, filename, model, tta)
	if err != nil {
		return res, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/api/predict", body)
	if err != nil {
		return res, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	var resp struct {
		Prediction classifier.Prediction `json:"prediction"`
	}

	start := time.Now()
	err = c.do(req, &resp)
	res.Elapsed = time.Since(start)
	res.ElapsedMS = res.Elapsed.Milliseconds()

	if errors.Is(err, ErrConnection) {
		return res, err
	}
	if err != nil {
		res.Error = err.Error()
		return res, nil
	}

	res.Success = true
	res.Class = resp.Prediction.Class
	res.Confidence = resp.Prediction.Confidence
	res.Status = resp.Prediction.Status
	res.Method = resp.Prediction.Method
	res.Probabilities = resp.Prediction.Probabilities
	return res, nil
}

// Run compares every model directly and then with TTA.
func (c *Comparer) Run(ctx context.Context, image []byte, filename string, models []string) (Report, error) {
	report := Report{
		Timestamp: time.Now().UTC(),
		Server:    c.serverURL,
		Image:     filename,
	}

	for _, tta := range []bool{false, true} {
		for _, model := range models {
			c.logger.Info("running prediction", "model", model, "tta", tta)

			res, err := c.Predict(ctx, image, filepath.Base(filename), model, tta)
			if err != nil {
				return report, err
			}
			if !res.Success {
				c.logger.Warn("prediction failed", "model", model, "tta", tta, "error", res.Error)
			}
			report.Results = append(report.Results, res)
		}
	}

	report.Improvements = Improvements(report.Results)
	return report, nil
}

// Improvements pairs each model's direct and TTA results.
func Improvements(results []Result) []Improvement {
	direct := map[string]Result{}
	tta := map[string]Result{}
	seen := map[string]bool{}
	var order []string
	for _, r := range results {
		if !r.Success {
			continue
		}
		if !seen[r.Model] {
			seen[r.Model] = true
			order = append(order, r.Model)
		}
		if r.TTA {
			tta[r.Model] = r
		} else {
			direct[r.Model] = r
		}
	}

	var out []Improvement
	for _, model := range order {
		d, okD := direct[model]
		t, okT := tta[model]
		if !okD || !okT {
			continue
		}
		out = append(out, Improvement{
			Model:           model,
			ConfidenceDelta: t.Confidence - d.Confidence,
			ElapsedDeltaMS:  t.ElapsedMS - d.ElapsedMS,
			ClassChanged:    t.Class != d.Class,
		})
	}
	return out
}

// WriteTable renders the report for a terminal.
func WriteTable(w io.Writer, report Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	for _, tta := range []bool{false, true} {
		title := "DIRECT PREDICTION"
		if tta {
			title = "TEST-TIME AUGMENTATION"
		}
		fmt.Fprintf(tw, "%s\n", title)
		fmt.Fprintln(tw, "MODEL\tCLASS\tCONFIDENCE\tSTATUS\tTIME")
		for _, r := range report.Results {
			if r.TTA != tta {
				continue
			}
			if !r.Success {
				fmt.Fprintf(tw, "%s\t-\t-\terror: %s\t%s\n", r.Model, r.Error, r.Elapsed.Round(time.Millisecond))
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%6.2f%%\t%s\t%s\n",
				r.Model, r.Class, r.Confidence*100, r.Status, r.Elapsed.Round(time.Millisecond))
		}
		fmt.Fprintln(tw)
	}

	fmt.Fprintln(tw, "TTA IMPROVEMENT")
	fmt.Fprintln(tw, "MODEL\tΔ CONFIDENCE\tΔ TIME\tCLASS CHANGED")
	for _, imp := range report.Improvements {
		changed := "no"
		if imp.ClassChanged {
			changed = "yes"
		}
		fmt.Fprintf(tw, "%s\t%+.2f%%\t%+dms\t%s\n", imp.Model, imp.ConfidenceDelta*100, imp.ElapsedDeltaMS, changed)
	}

	return tw.Flush()
}

// WriteProbabilities renders one result's class distribution as bars.
func WriteProbabilities(w io.Writer, r Result) {
	classes := make([]string, 0, len(r.Probabilities))
	for c := range r.Probabilities {
		classes = append(classes, c)
	}
	sort.Slice(classes, func(i, j int) bool {
		return r.Probabilities[classes[i]] > r.Probabilities[classes[j]]
	})
	for _, c := range classes {
		pct := r.Probabilities[c] * 100
		filled := int(pct / 2)
		fmt.Fprintf(w, "  %-10s %6.2f%% %s%s\n", c, pct, strings.Repeat("█", filled), strings.Repeat("░", 50-filled))
	}
}

// WriteJSON writes the report as indented JSON.
func WriteJSON(w io.Writer, report Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// do sends req and decodes a JSON body into v. Non-2xx responses become
// errors carrying the server's message.
func (c *Comparer) do(req *http.Request, v any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w at %s: %v", ErrConnection, c.serverURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e httpx.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("server returned status %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func multipartBody(image []byte, filename, model string, tta bool) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", contentTypeFor(filename))
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("model", model); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("use_tta", fmt.Sprint(tta)); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func contentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".bmp":
		return "image/bmp"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
