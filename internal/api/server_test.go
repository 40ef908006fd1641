package api

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/grabber/internal/arrowio"
	"github.com/samcharles93/grabber/internal/subject"
	"github.com/samcharles93/grabber/internal/toy"
)

func newTestEcho(t *testing.T, opts Options) *echo.Echo {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "toy")
	if _, err := toy.Write(dir, toy.DefaultOptions()); err != nil {
		t.Fatalf("write toy model: %v", err)
	}
	s, err := subject.Loader{}.Load(dir)
	if err != nil {
		t.Fatalf("load subject: %v", err)
	}
	e := echo.New()
	NewServer(s, opts).Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

type decodedActivations struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Model       string `json:"model"`
	Activations struct {
		Shape  []int           `json:"shape"`
		Values [][][][]float32 `json:"values"`
	} `json:"activations"`
	Tokens        [][]string `json:"tokens"`
	TokenIDs      [][]int    `json:"token_ids"`
	AttentionMask [][]int    `json:"attention_mask"`
	Layers        []int      `json:"layers"`
	Stats         []struct {
		Layer int `json:"layer"`
		Count int `json:"count"`
	} `json:"stats"`
}

func TestActivationsSingleString(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t, Options{})

	rec := doJSON(t, e, http.MethodPost, "/v1/activations", `{"input":"Hello, world!"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var got decodedActivations
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(got.ID, "act_") {
		t.Fatalf("unexpected id %q", got.ID)
	}
	if got.Object != "activations" || got.Model != "toy" {
		t.Fatalf("unexpected envelope: object=%q model=%q", got.Object, got.Model)
	}
	want := []int{1, 3, 4, 16}
	for i := range want {
		if got.Activations.Shape[i] != want[i] {
			t.Fatalf("shape: got %v want %v", got.Activations.Shape, want)
		}
	}
	if len(got.Activations.Values[0][2][3]) != 16 {
		t.Fatalf("values not nested to width 16")
	}
	if strings.Join(got.Tokens[0], "|") != "Hello|,| world|!" {
		t.Fatalf("tokens: %q", got.Tokens[0])
	}
}

func TestActivationsLayersAndStats(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t, Options{})

	body := `{"input":["Hello world the cat","Hello world"],"layers":[2,0],"stats":true}`
	rec := doJSON(t, e, http.MethodPost, "/v1/activations", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var got decodedActivations
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Layers) != 2 || got.Layers[0] != 2 || got.Layers[1] != 0 {
		t.Fatalf("layers: %v", got.Layers)
	}
	if got.Activations.Shape[0] != 2 || got.Activations.Shape[1] != 2 {
		t.Fatalf("shape: %v", got.Activations.Shape)
	}
	mask := got.AttentionMask[1]
	if mask[len(mask)-1] != 0 {
		t.Fatalf("shorter input should be right padded, mask=%v", mask)
	}
	if len(got.Stats) != 2 || got.Stats[0].Layer != 2 {
		t.Fatalf("stats: %+v", got.Stats)
	}
	unpadded := 0
	for _, row := range got.AttentionMask {
		for _, m := range row {
			unpadded += m
		}
	}
	if got.Stats[1].Count != unpadded*16 {
		t.Fatalf("stats count: got %d want %d", got.Stats[1].Count, unpadded*16)
	}
}

func TestActivationsDefaultLayers(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t, Options{DefaultLayers: []int{1}})

	rec := doJSON(t, e, http.MethodPost, "/v1/activations", `{"input":"Hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var got decodedActivations
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Layers) != 1 || got.Layers[0] != 1 {
		t.Fatalf("layers: %v", got.Layers)
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/activations", `{"input":"Hello","layers":[]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	got = decodedActivations{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Layers) != 0 || got.Activations.Shape[1] != 0 {
		t.Fatalf("explicit empty layers: layers=%v shape=%v", got.Layers, got.Activations.Shape)
	}
	if got.Activations.Shape[2] != len(got.TokenIDs[0]) || got.Activations.Shape[3] != 16 {
		t.Fatalf("empty layers should keep tokens and width: shape=%v", got.Activations.Shape)
	}
}

func TestActivationsErrors(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t, Options{})

	tests := []struct {
		name  string
		body  string
		code  int
		want  string
		param string
	}{
		{name: "malformed", body: `{"input":`, code: http.StatusBadRequest, want: "invalid_request_error"},
		{name: "missing input", body: `{}`, code: http.StatusBadRequest, want: "input is required", param: "input"},
		{name: "empty list", body: `{"input":[]}`, code: http.StatusBadRequest, want: "empty_input_error", param: "input"},
		{name: "empty string", body: `{"input":""}`, code: http.StatusBadRequest, want: "empty_input_error", param: "input"},
		{name: "bad layer", body: `{"input":"Hello","layers":[3]}`, code: http.StatusBadRequest, want: "layer 3 out of range", param: "layers"},
		{name: "bad format", body: `{"input":"Hello","format":"torch"}`, code: http.StatusBadRequest, want: "unknown output format", param: "format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, e, http.MethodPost, "/v1/activations", tt.body)
			if rec.Code != tt.code {
				t.Fatalf("status: got %d want %d body=%s", rec.Code, tt.code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Fatalf("body %s does not mention %q", rec.Body.String(), tt.want)
			}
			var body struct {
				Error ResponseError `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body.Error.Param != tt.param {
				t.Fatalf("param: got %q want %q", body.Error.Param, tt.param)
			}
		})
	}
}

func TestWriteEncodedRejectsNaN(t *testing.T) {
	t.Parallel()
	e := echo.New()
	e.GET("/nan", func(c *echo.Context) error {
		return writeEncoded(c, "/nan", http.StatusOK, map[string]float64{"v": math.NaN()})
	})

	rec := doJSON(t, e, http.MethodGet, "/nan", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Error ResponseError `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Type != "execution_error" {
		t.Fatalf("type: got %q want execution_error", body.Error.Type)
	}
}

func TestActivationsArrowStream(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t, Options{})

	req := httptest.NewRequest(http.MethodPost, "/v1/activations", strings.NewReader(`{"input":["Hello world","Hello"],"layers":[0,2]}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAccept, arrowio.ContentType)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != arrowio.ContentType {
		t.Fatalf("content type: %q", ct)
	}
	res, err := arrowio.ReadStream(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	shape := res.Activations.Shape()
	if shape[0] != 2 || shape[1] != 2 || shape[3] != 16 {
		t.Fatalf("shape: %v", shape)
	}
	if res.Layers[0] != 0 || res.Layers[1] != 2 {
		t.Fatalf("layers: %v", res.Layers)
	}
}

func TestTokensEndpoint(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t, Options{})

	rec := doJSON(t, e, http.MethodPost, "/v1/tokens", `{"input":["Hello world","Hello"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var got TokensResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.TokenIDs) != 2 || len(got.TokenIDs[0]) != len(got.TokenIDs[1]) {
		t.Fatalf("token ids not padded: %v", got.TokenIDs)
	}
	if got.Tokens[0][0] != "Hello" {
		t.Fatalf("tokens: %v", got.Tokens)
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/tokens", `{"input":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty input status: got %d", rec.Code)
	}
}

func TestModelAndHealth(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t, Options{})

	rec := doJSON(t, e, http.MethodGet, "/v1/model", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("model status: got %d", rec.Code)
	}
	var info ModelResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode model: %v", err)
	}
	if info.Object != "model" || info.Layers != 3 || info.HiddenSize != 16 || info.Arch != "gpt2" {
		t.Fatalf("unexpected model info: %+v", info)
	}

	rec = doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t, Options{})
	doJSON(t, e, http.MethodPost, "/v1/activations", `{"input":"Hello"}`)

	rec := doJSON(t, e, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "grabber_extractions_total") {
		t.Fatalf("metrics output missing extraction counter")
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t, Options{RateLimit: 0.001, RateBurst: 1})

	first := doJSON(t, e, http.MethodPost, "/v1/tokens", `{"input":"Hello"}`)
	if first.Code != http.StatusOK {
		t.Fatalf("first request: got %d", first.Code)
	}
	second := doJSON(t, e, http.MethodPost, "/v1/tokens", `{"input":"Hello"}`)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d want 429", second.Code)
	}
	health := doJSON(t, e, http.MethodGet, "/healthz", "")
	if health.Code != http.StatusOK {
		t.Fatalf("health should not be rate limited, got %d", health.Code)
	}
}
