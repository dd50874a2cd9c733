package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-attendance/internal/engine"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/recognition"
)

// FacesHandler handles recognition, registration and confirmation endpoints.
type FacesHandler struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewFacesHandler creates a new faces handler.
func NewFacesHandler(e *engine.Engine, logger *slog.Logger) *FacesHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FacesHandler{engine: e, logger: logger}
}

// parseTolerance reads the optional "tolerance" form value.
func parseTolerance(r *http.Request) (*float64, error) {
	s := strings.TrimSpace(r.FormValue("tolerance"))
	if s == "" {
		return nil, nil
	}
	t, err := strconv.ParseFloat(s, 64)
	if err != nil || !facematch.ValidTolerance(t) {
		return nil, errors.New("tolerance must be a number in (0, 1]")
	}
	return &t, nil
}

// identifyFailure is sent when the recognition succeeded but could not be recorded.
type identifyFailure struct {
	Error       string              `json:"error"`
	Recognition recognition.Outcome `json:"recognition"`
}

// Identify recognizes the person on the uploaded image and records attendance on a match.
// With all=true every distinct face is recognized and a list is returned.
func (h *FacesHandler) Identify(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse form")
		return
	}
	image, err := readImage(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	tolerance, err := parseTolerance(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if all, _ := strconv.ParseBool(r.FormValue("all")); all {
		outs, err := h.engine.IdentifyAll(r.Context(), image, tolerance)
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "recognitions": outs})
			return
		}
		respondJSON(w, http.StatusOK, outs)
		return
	}

	out, err := h.engine.Identify(r.Context(), image, tolerance)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, identifyFailure{Error: err.Error(), Recognition: out})
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// Confirm records a human confirmation of an earlier recognition.
func (h *FacesHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse form")
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	confirmation := strings.TrimSpace(r.FormValue("confirmation"))
	if name == "" || confirmation == "" {
		respondError(w, http.StatusBadRequest, "name and confirmation are required")
		return
	}

	if err := h.engine.Confirm(r.Context(), r.FormValue("recognition_id"), name, confirmation); err != nil {
		h.logger.Error("confirmation failed", "name", sanitizeForLog(name), "error", err)
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": http.StatusOK})
}

// Register stores the face on the uploaded image under the given name.
func (h *FacesHandler) Register(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(r); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse form")
		return
	}
	name := r.FormValue("name")
	if strings.TrimSpace(name) == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	image, err := readImage(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.engine.Register(r.Context(), image, name); err != nil {
		h.logger.Warn("registration failed", "name", sanitizeForLog(name), "error", err)
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"registration_status": http.StatusOK,
		"name":                strings.TrimSpace(name),
	})
}

// RegisterBatch registers every image in the batch directory and removes the ones stored.
func (h *FacesHandler) RegisterBatch(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.RegisterBatch(r.Context(), "", engine.BatchOptions{RemoveRegistered: true})
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"registration_status": http.StatusOK,
		"registered":          len(res.Registered()),
		"failed":              len(res.Failed()),
		"items":               res.Items,
		"duplicates":          res.Duplicates,
	})
}

// identityResponse is one stored identity.
type identityResponse struct {
	Label   string `json:"label"`
	Status  string `json:"status"`
	Vectors int    `json:"vectors"`
	Dim     int    `json:"dim,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ListIdentities lists the stored identities with their record status.
func (h *FacesHandler) ListIdentities(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.Identities(r.Context())
	if err != nil {
		respondEngineError(w, err)
		return
	}

	out := make([]identityResponse, 0, len(entries))
	for _, e := range entries {
		item := identityResponse{Label: e.Label, Status: string(e.Status), Vectors: len(e.Vectors)}
		if len(e.Vectors) > 0 {
			item.Dim = len(e.Vectors[0])
		}
		if e.Err != nil {
			item.Error = e.Err.Error()
		}
		out = append(out, item)
	}
	respondJSON(w, http.StatusOK, out)
}

// DeleteIdentity unregisters one identity.
func (h *FacesHandler) DeleteIdentity(w http.ResponseWriter, r *http.Request) {
	label := chi.URLParam(r, "label")
	if err := h.engine.Unregister(r.Context(), label); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"deleted": label})
}
