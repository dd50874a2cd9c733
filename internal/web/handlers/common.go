package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/engine"
	"github.com/kozaktomas/face-attendance/internal/recognition"
)

// errNoImage is returned when a request carries neither a file nor base64 data.
var errNoImage = errors.New("image is required (multipart file or base64 data)")

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// errorStatus maps engine errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, database.ErrInvalidLabel):
		return http.StatusBadRequest
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, recognition.ErrNoFaceDetected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, recognition.ErrExtractionFault):
		return http.StatusBadGateway
	case errors.Is(err, database.ErrStoreCorruption):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondEngineError sends the error with the status that matches its cause.
func respondEngineError(w http.ResponseWriter, err error) {
	respondError(w, errorStatus(err), err.Error())
}

// parseForm parses multipart and url-encoded bodies alike.
func parseForm(r *http.Request) error {
	err := r.ParseMultipartForm(constants.MaxUploadSize)
	if errors.Is(err, http.ErrNotMultipart) {
		return r.ParseForm()
	}
	return err
}

// readImage returns the uploaded "file" part or, failing that, the base64 "data" field.
// A data URL prefix such as "data:image/png;base64," is accepted.
func readImage(r *http.Request) ([]byte, error) {
	if file, _, err := r.FormFile("file"); err == nil {
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("reading upload: %w", err)
		}
		if len(data) == 0 {
			return nil, errNoImage
		}
		return data, nil
	}

	encoded := strings.TrimSpace(r.FormValue("data"))
	if encoded == "" {
		return nil, errNoImage
	}
	if _, rest, ok := strings.Cut(encoded, ";base64,"); ok && strings.HasPrefix(encoded, "data:") {
		encoded = rest
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 image data: %w", err)
	}
	if len(data) == 0 {
		return nil, errNoImage
	}
	return data, nil
}

// HealthHandler reports the state of the store and the embedding server.
type HealthHandler struct {
	engine *engine.Engine
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(e *engine.Engine) *HealthHandler {
	return &HealthHandler{engine: e}
}

// Check handles the health check endpoint.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	report := h.engine.Health(r.Context())
	status := http.StatusOK
	state := "ok"
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	respondJSON(w, status, map[string]any{
		"status":     state,
		"store":      report.Store,
		"embedding":  report.Embedding,
		"identities": report.Identities,
	})
}
