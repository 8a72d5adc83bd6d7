package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/HatiCode/saccharum/pkg/preprocess"
)

// Request formats understood by RemoteClassifier.
const (
	// FormatTFServing sends {"instances": [<nested tensor>]}, the TensorFlow
	// Serving REST predict contract.
	FormatTFServing = "tfserving"
	// FormatFlat sends {"shape": [...], "data": [...]} with a flat tensor.
	FormatFlat = "flat"

	defaultProbabilitiesPath = "predictions.0"
	maxRemoteResponseBytes   = 1 << 20
)

// RemoteClassifier delegates inference to an HTTP model server.
type RemoteClassifier struct {
	name     string
	endpoint string
	format   string
	path     string
	classes  int
	client   *http.Client
}

type flatRequest struct {
	Model string    `json:"model"`
	Shape []int64   `json:"shape"`
	Data  []float32 `json:"data"`
}

type instancesRequest struct {
	Instances []any `json:"instances"`
}

// NewRemoteClassifier creates a classifier for entry.Endpoint. A nil client
// gets a default one with a 30 second timeout.
func NewRemoteClassifier(entry Entry, client *http.Client) (*RemoteClassifier, error) {
	format := entry.RequestFormat
	if format == "" {
		format = FormatTFServing
	}
	if format != FormatTFServing && format != FormatFlat {
		return nil, fmt.Errorf("model %q: unknown request format %q (must be tfserving or flat)", entry.Name, format)
	}

	path := entry.ProbabilitiesPath
	if path == "" {
		path = defaultProbabilitiesPath
	}

	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 4,
			},
		}
	}

	return &RemoteClassifier{
		name:     entry.Name,
		endpoint: entry.Endpoint,
		format:   format,
		path:     path,
		classes:  len(entry.Classes),
		client:   client,
	}, nil
}

// Classify posts the tensor and extracts the per-class outputs from the
// response at the configured gjson path.
func (c *RemoteClassifier) Classify(ctx context.Context, input preprocess.Tensor) ([]float32, error) {
	var payload any
	if c.format == FormatFlat {
		payload = flatRequest{Model: c.name, Shape: input.Shape, Data: input.Data}
	} else {
		payload = instancesRequest{Instances: []any{nest(input.Data, input.Shape[1:])}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("remote: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("remote: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("remote: http %d: %s", resp.StatusCode, string(snippet))
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("remote: read response: %w", err)
	}
	if !gjson.ValidBytes(respBody) {
		return nil, fmt.Errorf("remote: response is not valid JSON")
	}

	result := gjson.GetBytes(respBody, c.path)
	if !result.Exists() || !result.IsArray() {
		return nil, fmt.Errorf("remote: no array at path %q", c.path)
	}

	values := result.Array()
	if len(values) != c.classes {
		return nil, fmt.Errorf("remote: expected %d outputs, got %d", c.classes, len(values))
	}
	out := make([]float32, len(values))
	for i, v := range values {
		if v.Type != gjson.Number {
			return nil, fmt.Errorf("remote: output %d is not a number: %s", i, v.Raw)
		}
		out[i] = float32(v.Float())
	}
	return out, nil
}

// Close is a no-op; the HTTP client owns no per-model resources.
func (c *RemoteClassifier) Close() error {
	return nil
}

// nest reshapes flat row-major data into nested slices following shape.
func nest(data []float32, shape []int64) any {
	if len(shape) <= 1 {
		return data
	}
	n := int(shape[0])
	stride := len(data) / n
	out := make([]any, n)
	for i := range n {
		out[i] = nest(data[i*stride:(i+1)*stride], shape[1:])
	}
	return out
}
