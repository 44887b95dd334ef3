/*
   embedserver - local sentence embedding server
   Copyright (C) 2025  Unbewohnte (Kasyanov Nikolay Alexeevich)

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.

   You should have received a copy of the GNU General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package server

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// fakeEmbedder produces deterministic vectors seeded by the md5 of the text.
type fakeEmbedder struct {
	mu        sync.Mutex
	name      string
	dims      int
	failWith  error
	panicWith any
	calls     int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{name: "all-MiniLM-L6-v2", dims: 16}
}

func (f *fakeEmbedder) vector(text string) []float32 {
	sum := md5.Sum([]byte(text))
	vec := make([]float32, f.dims)
	for i := range vec {
		vec[i] = float32(sum[i%len(sum)])/255 - 0.5
	}
	return vec
}

func (f *fakeEmbedder) Name() string      { return f.name }
func (f *fakeEmbedder) Dimension() int    { return f.dims }
func (f *fakeEmbedder) MaxSeqLength() int { return 256 }
func (f *fakeEmbedder) Device() string    { return "cpu" }

func (f *fakeEmbedder) Encode(ctx context.Context, text string) ([]float32, error) {
	vectors, err := f.EncodeBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (f *fakeEmbedder) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.panicWith != nil {
		panic(f.panicWith)
	}
	if f.failWith != nil {
		return nil, f.failWith
	}

	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vectors = append(vectors, f.vector(text))
	}
	return vectors, nil
}

func newTestHandler(t *testing.T, model Embedder) http.Handler {
	t.Helper()

	ws, err := NewWebServer(DefaultConfig(), model)
	if err != nil {
		t.Fatalf("NewWebServer() error = %v", err)
	}
	return ws.Handler()
}

func do(handler http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestRootAndHealth(t *testing.T) {
	handler := newTestHandler(t, newFakeEmbedder())

	rec := do(handler, http.MethodGet, "/", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET / status = %d", rec.Code)
	}
	root := decode[RootResponse](t, rec)
	want := RootResponse{Status: "ok", Model: "all-MiniLM-L6-v2", Dimensions: 16, Service: ServiceName}
	if diff := cmp.Diff(want, root); diff != "" {
		t.Errorf("GET / mismatch (-want +got):\n%s", diff)
	}

	rec = do(handler, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health status = %d", rec.Code)
	}
	health := decode[HealthResponse](t, rec)
	if health.Status != "healthy" || health.Model != "all-MiniLM-L6-v2" {
		t.Errorf("GET /health = %+v", health)
	}
}

func TestEmbed(t *testing.T) {
	model := newFakeEmbedder()
	handler := newTestHandler(t, model)

	for _, text := range []string{"", "hello world", strings.Repeat("very long text ", 1000)} {
		body, _ := json.Marshal(map[string]string{"text": text})

		first := do(handler, http.MethodPost, "/embed", string(body), nil)
		if first.Code != http.StatusOK {
			t.Fatalf("POST /embed status = %d, body %s", first.Code, first.Body.String())
		}
		resp := decode[EmbedResponse](t, first)
		if resp.Dimensions != 16 || len(resp.Embedding) != resp.Dimensions {
			t.Errorf("dimensions = %d, len(embedding) = %d", resp.Dimensions, len(resp.Embedding))
		}
		if resp.Model != "all-MiniLM-L6-v2" {
			t.Errorf("model = %q", resp.Model)
		}

		second := decode[EmbedResponse](t, do(handler, http.MethodPost, "/embed", string(body), nil))
		for i := range resp.Embedding {
			if resp.Embedding[i] != second.Embedding[i] {
				t.Fatalf("embedding of %.20q differs between calls at %d", text, i)
			}
		}
	}
}

func TestEmbedBatch(t *testing.T) {
	model := newFakeEmbedder()
	handler := newTestHandler(t, model)

	texts := []string{"first", "second", "first", ""}
	body, _ := json.Marshal(map[string][]string{"texts": texts})

	rec := do(handler, http.MethodPost, "/embed/batch", string(body), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /embed/batch status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decode[BatchEmbedResponse](t, rec)
	if len(resp.Embeddings) != len(texts) {
		t.Fatalf("got %d embeddings, want %d", len(resp.Embeddings), len(texts))
	}
	if resp.Dimensions != 16 || resp.Model != "all-MiniLM-L6-v2" {
		t.Errorf("dimensions = %d, model = %q", resp.Dimensions, resp.Model)
	}

	for i, text := range texts {
		single, _ := json.Marshal(map[string]string{"text": text})
		want := decode[EmbedResponse](t, do(handler, http.MethodPost, "/embed", string(single), nil))
		for j := range want.Embedding {
			if resp.Embeddings[i][j] != want.Embedding[j] {
				t.Fatalf("batch embedding %d differs from single embedding at %d", i, j)
			}
		}
	}
}

func TestEmbedBatchEmpty(t *testing.T) {
	model := newFakeEmbedder()
	handler := newTestHandler(t, model)

	rec := do(handler, http.MethodPost, "/embed/batch", `{"texts": []}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := decode[ErrorResponse](t, rec); got.Detail != "Empty texts list" {
		t.Errorf("detail = %v", got.Detail)
	}
	if model.calls != 0 {
		t.Errorf("model was called %d times for an empty batch", model.calls)
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		path     string
		body     string
		wantLoc  []any
		wantType string
	}{
		{"/embed", `{}`, []any{"body", "text"}, "missing"},
		{"/embed", `{"text": null}`, []any{"body", "text"}, "missing"},
		{"/embed", `{"other": "x"}`, []any{"body", "text"}, "missing"},
		{"/embed", `{"text": 5}`, []any{"body", "text"}, "string_type"},
		{"/embed", `not json`, []any{"body"}, "json_invalid"},
		{"/embed", `{"text": "a"} trailing garbage`, []any{"body"}, "json_invalid"},
		{"/embed", `{"text": "a"}{"text": "b"}`, []any{"body"}, "json_invalid"},
		{"/embed", `{"text": "a"}}`, []any{"body"}, "json_invalid"},
		{"/embed", `{"TEXT": "a"}`, []any{"body", "text"}, "missing"},
		{"/embed", `{"Text": "a"}`, []any{"body", "text"}, "missing"},
		{"/embed", ``, []any{"body"}, "missing"},
		{"/embed", `["text"]`, []any{"body"}, "model_attributes_type"},
		{"/embed/batch", `{}`, []any{"body", "texts"}, "missing"},
		{"/embed/batch", `{"Texts": ["a"]}`, []any{"body", "texts"}, "missing"},
		{"/embed/batch", `{"texts": ["a"]} ["b"]`, []any{"body"}, "json_invalid"},
		{"/embed/batch", `{"texts": "abc"}`, []any{"body", "texts"}, "list_type"},
		{"/embed/batch", `{"texts": ["a", null]}`, []any{"body", "texts", float64(1)}, "string_type"},
	}

	model := newFakeEmbedder()
	handler := newTestHandler(t, model)

	for _, tt := range tests {
		rec := do(handler, http.MethodPost, tt.path, tt.body, nil)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("POST %s %q status = %d, want 422", tt.path, tt.body, rec.Code)
			continue
		}

		got := decode[struct {
			Detail []ValidationIssue `json:"detail"`
		}](t, rec)
		if len(got.Detail) != 1 {
			t.Errorf("POST %s %q: got %d issues, want 1", tt.path, tt.body, len(got.Detail))
			continue
		}

		issue := got.Detail[0]
		if issue.Type != tt.wantType || issue.Msg == "" {
			t.Errorf("POST %s %q: issue = %+v, want type %q", tt.path, tt.body, issue, tt.wantType)
		}
		if diff := cmp.Diff(tt.wantLoc, issue.Loc); diff != "" {
			t.Errorf("POST %s %q: loc mismatch (-want +got):\n%s", tt.path, tt.body, diff)
		}
	}

	if model.calls != 0 {
		t.Errorf("model was called %d times for invalid requests", model.calls)
	}
}

func TestEmbedFailures(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		failWith   error
		panicWith  any
		wantDetail string
	}{
		{"single error", "/embed", `{"text": "x"}`, errors.New("tokenizer failure"), nil, "Embedding error: tokenizer failure"},
		{"batch error", "/embed/batch", `{"texts": ["x"]}`, errors.New("tokenizer failure"), nil, "Batch embedding error: tokenizer failure"},
		{"single panic", "/embed", `{"text": "x"}`, nil, "out of memory", "Embedding error: out of memory"},
		{"batch panic", "/embed/batch", `{"texts": ["x"]}`, nil, "out of memory", "Batch embedding error: out of memory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := newFakeEmbedder()
			model.failWith = tt.failWith
			model.panicWith = tt.panicWith
			handler := newTestHandler(t, model)

			rec := do(handler, http.MethodPost, tt.path, tt.body, nil)
			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d, want 500", rec.Code)
			}
			if got := decode[ErrorResponse](t, rec); got.Detail != tt.wantDetail {
				t.Errorf("detail = %v, want %q", got.Detail, tt.wantDetail)
			}

			// сервер продолжает отвечать
			if rec := do(handler, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
				t.Errorf("GET /health after failure status = %d", rec.Code)
			}
		})
	}
}

func TestInfo(t *testing.T) {
	handler := newTestHandler(t, newFakeEmbedder())

	rec := do(handler, http.MethodGet, "/info", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /info status = %d", rec.Code)
	}
	info := decode[InfoResponse](t, rec)
	want := InfoResponse{Model: "all-MiniLM-L6-v2", Dimensions: 16, MaxSeqLength: 256, Device: "cpu"}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("GET /info mismatch (-want +got):\n%s", diff)
	}

	embedded := decode[EmbedResponse](t, do(handler, http.MethodPost, "/embed", `{"text": "dimension check"}`, nil))
	if len(embedded.Embedding) != info.Dimensions {
		t.Errorf("embedding length %d != info dimensions %d", len(embedded.Embedding), info.Dimensions)
	}
}

func TestUnknownRoutes(t *testing.T) {
	handler := newTestHandler(t, newFakeEmbedder())

	tests := []struct {
		method     string
		path       string
		wantStatus int
		wantDetail string
	}{
		{http.MethodGet, "/nope", http.StatusNotFound, "Not Found"},
		{http.MethodPost, "/embed/other", http.StatusNotFound, "Not Found"},
		{http.MethodGet, "/embed", http.StatusMethodNotAllowed, "Method Not Allowed"},
		{http.MethodPost, "/health", http.StatusMethodNotAllowed, "Method Not Allowed"},
		{http.MethodDelete, "/info", http.StatusMethodNotAllowed, "Method Not Allowed"},
	}

	for _, tt := range tests {
		rec := do(handler, tt.method, tt.path, "", nil)
		if rec.Code != tt.wantStatus {
			t.Errorf("%s %s status = %d, want %d", tt.method, tt.path, rec.Code, tt.wantStatus)
			continue
		}
		if got := decode[ErrorResponse](t, rec); got.Detail != tt.wantDetail {
			t.Errorf("%s %s detail = %v, want %q", tt.method, tt.path, got.Detail, tt.wantDetail)
		}
	}
}

func TestDocs(t *testing.T) {
	handler := newTestHandler(t, newFakeEmbedder())

	rec := do(handler, http.MethodGet, "/docs", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /docs status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}

	page := rec.Body.String()
	for _, want := range []string{"<table>", "all-MiniLM-L6-v2", "/embed/batch", ServiceTitle} {
		if !strings.Contains(page, want) {
			t.Errorf("docs page does not contain %q", want)
		}
	}
	if strings.Contains(page, "{{") {
		t.Errorf("docs page has unreplaced placeholders")
	}
}

func TestRequestID(t *testing.T) {
	handler := newTestHandler(t, newFakeEmbedder())

	rec := do(handler, http.MethodGet, "/health", "", nil)
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Errorf("no %s generated", RequestIDHeader)
	}

	rec = do(handler, http.MethodGet, "/nope", "", map[string]string{RequestIDHeader: "abc-123"})
	if got := rec.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("%s = %q, want the incoming id", RequestIDHeader, got)
	}
}

func TestCORS(t *testing.T) {
	handler := newTestHandler(t, newFakeEmbedder())
	const origin = "http://example.com"

	rec := do(handler, http.MethodGet, "/health", "", map[string]string{"Origin": origin})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != origin {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, origin)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Access-Control-Allow-Credentials = %q, want true", got)
	}

	rec = do(handler, http.MethodOptions, "/embed", "", map[string]string{
		"Origin":                         origin,
		"Access-Control-Request-Method":  http.MethodPost,
		"Access-Control-Request-Headers": "content-type",
	})
	if rec.Code >= 300 {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != origin {
		t.Errorf("preflight Access-Control-Allow-Origin = %q, want %q", got, origin)
	}
}

func TestCORSRestrictedOrigins(t *testing.T) {
	conf := DefaultConfig()
	conf.CORS.AllowedOrigins = []string{"http://allowed.example"}
	ws, err := NewWebServer(conf, newFakeEmbedder())
	if err != nil {
		t.Fatalf("NewWebServer() error = %v", err)
	}
	handler := ws.Handler()

	rec := do(handler, http.MethodGet, "/health", "", map[string]string{"Origin": "http://allowed.example"})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://allowed.example" {
		t.Errorf("allowed origin: Access-Control-Allow-Origin = %q", got)
	}

	rec = do(handler, http.MethodGet, "/health", "", map[string]string{"Origin": "http://other.example"})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("other origin: Access-Control-Allow-Origin = %q, want none", got)
	}
}
