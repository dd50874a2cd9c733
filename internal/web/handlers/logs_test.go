package handlers

import (
	"archive/zip"
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLogsHandler_Download(t *testing.T) {
	env := newTestEnv(t, testFaces())
	faces := NewFacesHandler(env.engine, nil)
	register(t, faces, aliceImage, "alice")

	recorder := httptest.NewRecorder()
	faces.Identify(recorder, multipartRequest(t, "/identify", aliceImage, nil))
	assertStatusCode(t, recorder, http.StatusOK)

	h := NewLogsHandler(env.engine, nil)
	download := func() []byte {
		recorder := httptest.NewRecorder()
		h.Download(recorder, httptest.NewRequest(http.MethodGet, "/get_attendance_logs", nil))
		assertStatusCode(t, recorder, http.StatusOK)
		if ct := recorder.Header().Get("Content-Type"); ct != "application/zip" {
			t.Errorf("expected application/zip, got %q", ct)
		}
		if cd := recorder.Header().Get("Content-Disposition"); cd != `attachment; filename="logsout.zip"` {
			t.Errorf("unexpected Content-Disposition %q", cd)
		}
		return recorder.Body.Bytes()
	}

	first, second := download(), download()
	if !bytes.Equal(first, second) {
		t.Error("two downloads without new entries should be identical")
	}

	zr, err := zip.NewReader(bytes.NewReader(first), int64(len(first)))
	if err != nil {
		t.Fatalf("invalid zip: %v", err)
	}
	if len(zr.File) != 2 {
		t.Errorf("expected one partition and the manifest, got %d files", len(zr.File))
	}
}

func TestLogsHandler_Partitions(t *testing.T) {
	env := newTestEnv(t, testFaces())
	if err := env.engine.Confirm(t.Context(), "r1", "alice", "yes"); err != nil {
		t.Fatal(err)
	}

	recorder := httptest.NewRecorder()
	NewLogsHandler(env.engine, nil).Partitions(recorder, httptest.NewRequest(http.MethodGet, "/logs", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	var result []partitionResponse
	parseJSONResponse(t, recorder, &result)
	if len(result) != 1 || result[0].Series != "confirmation" {
		t.Errorf("expected one confirmation partition, got %+v", result)
	}
}
