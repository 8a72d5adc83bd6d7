package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/HatiCode/saccharum/pkg/preprocess"
)

func remoteEntry(endpoint, format, path string) Entry {
	e := testEntry("Remote")
	e.Endpoint = endpoint
	e.RequestFormat = format
	e.ProbabilitiesPath = path
	return e
}

func TestRemoteClassifier_TFServing(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"predictions":[[0.1,0.6,0.3]]}`))
	}))
	defer srv.Close()

	c, err := NewRemoteClassifier(remoteEntry(srv.URL, "", ""), srv.Client())
	if err != nil {
		t.Fatalf("NewRemoteClassifier() error = %v", err)
	}

	input := preprocess.Tensor{Data: make([]float32, 2*2*3), Shape: []int64{1, 2, 2, 3}}
	out, err := c.Classify(context.Background(), input)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if len(out) != 3 || out[1] != float32(0.6) {
		t.Errorf("Classify() = %v", out)
	}

	instances, ok := got["instances"].([]any)
	if !ok || len(instances) != 1 {
		t.Fatalf("instances = %v", got["instances"])
	}
	rows, ok := instances[0].([]any)
	if !ok || len(rows) != 2 {
		t.Fatalf("instance should be nested 2x2x3, got %v", instances[0])
	}
	pixels := rows[0].([]any)
	if len(pixels) != 2 || len(pixels[0].([]any)) != 3 {
		t.Errorf("row = %v, want 2 pixels of 3 channels", rows[0])
	}
}

func TestRemoteClassifier_FlatWithPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req flatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "Remote" || len(req.Data) != 12 {
			t.Errorf("request = %+v", req)
		}
		_, _ = w.Write([]byte(`{"result":{"logits":[2.5,-1,0.25]}}`))
	}))
	defer srv.Close()

	c, err := NewRemoteClassifier(remoteEntry(srv.URL, FormatFlat, "result.logits"), nil)
	if err != nil {
		t.Fatalf("NewRemoteClassifier() error = %v", err)
	}

	out, err := c.Classify(context.Background(), preprocess.Tensor{Data: make([]float32, 12), Shape: []int64{1, 2, 2, 3}})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if out[0] != 2.5 || out[1] != -1 {
		t.Errorf("Classify() = %v", out)
	}
}

func TestRemoteClassifier_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantSub string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: "boom", wantSub: "http 500"},
		{name: "invalid json", status: http.StatusOK, body: "{not json", wantSub: "not valid JSON"},
		{name: "missing path", status: http.StatusOK, body: `{"outputs":[1,2,3]}`, wantSub: "no array"},
		{name: "wrong length", status: http.StatusOK, body: `{"predictions":[[1,2]]}`, wantSub: "expected 3"},
		{name: "non numeric", status: http.StatusOK, body: `{"predictions":[[1,"x",3]]}`, wantSub: "not a number"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewRemoteClassifier(remoteEntry(srv.URL, "", ""), srv.Client())
			if err != nil {
				t.Fatalf("NewRemoteClassifier() error = %v", err)
			}
			_, err = c.Classify(context.Background(), preprocess.Tensor{Data: make([]float32, 3), Shape: []int64{1, 1, 1, 3}})
			if err == nil || !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("Classify() error = %v, want containing %q", err, tt.wantSub)
			}
		})
	}
}

func TestNewRemoteClassifier_UnknownFormat(t *testing.T) {
	if _, err := NewRemoteClassifier(remoteEntry("http://x", "protobuf", ""), nil); err == nil {
		t.Error("expected error for unknown request format")
	}
}
