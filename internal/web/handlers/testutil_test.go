package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-attendance/internal/database/dirstore"
	"github.com/kozaktomas/face-attendance/internal/engine"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/recognition"
)

// fakeExtractor returns the embedding registered for the exact image bytes.
type fakeExtractor map[string][]float32

func (f fakeExtractor) ExtractFaces(ctx context.Context, image []byte) ([]recognition.Face, error) {
	v, ok := f[string(image)]
	if !ok {
		return nil, recognition.ErrNoFaceDetected
	}
	return []recognition.Face{{Embedding: v}}, nil
}

type testEnv struct {
	engine *engine.Engine
	store  *dirstore.Store
	root   string
}

// newTestEnv creates an engine over a temporary directory store and ledger
func newTestEnv(t *testing.T, faces fakeExtractor) *testEnv {
	t.Helper()
	root := t.TempDir()

	store, err := dirstore.Open(filepath.Join(root, "db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	l, err := ledger.New(ledger.Options{
		AttendanceDir:   filepath.Join(root, "logs"),
		ConfirmationDir: filepath.Join(root, "confirmation"),
	})
	if err != nil {
		t.Fatalf("failed to create ledger: %v", err)
	}
	session := recognition.NewSession(faces, facematch.NewLinearMatcher(store, facematch.Options{}),
		recognition.Options{Workers: 2, ExtractionTimeout: time.Second})

	e, err := engine.New(context.Background(), store, session, l, engine.Options{
		BatchDir: filepath.Join(root, "batch"),
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return &testEnv{engine: e, store: store, root: root}
}

// multipartRequest builds a POST request with an optional "file" part and form fields
func multipartRequest(t *testing.T, path string, file []byte, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if file != nil {
		part, err := writer.CreateFormFile("file", "image.png")
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		part.Write(file)
	}
	for k, v := range fields {
		writer.WriteField(k, v)
	}
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

// formRequest builds a url-encoded POST request
func formRequest(path string, fields map[string]string) *http.Request {
	values := url.Values{}
	for k, v := range fields {
		values.Set(k, v)
	}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%v'", expectedMessage, result["error"])
	}
}
