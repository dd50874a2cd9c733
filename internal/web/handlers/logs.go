package handlers

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/engine"
)

// LogsHandler serves the attendance archive.
type LogsHandler struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewLogsHandler creates a new logs handler.
func NewLogsHandler(e *engine.Engine, logger *slog.Logger) *LogsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogsHandler{engine: e, logger: logger}
}

// Download sends every attendance and confirmation partition as one ZIP archive.
func (h *LogsHandler) Download(w http.ResponseWriter, r *http.Request) {
	// Built in memory so a failure can still be reported as JSON.
	var buf bytes.Buffer
	if err := h.engine.ExportAttendanceArchive(r.Context(), &buf); err != nil {
		h.logger.Error("attendance export failed", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to export attendance logs")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", constants.ArchiveFilename))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.logger.Warn("attendance archive download interrupted", "error", err)
	}
}

// partitionResponse is one ledger partition.
type partitionResponse struct {
	Series string `json:"series"`
	Date   string `json:"date"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
}

// Partitions lists the daily attendance and confirmation files.
func (h *LogsHandler) Partitions(w http.ResponseWriter, r *http.Request) {
	parts, err := h.engine.Partitions(r.Context())
	if err != nil {
		respondEngineError(w, err)
		return
	}
	out := make([]partitionResponse, 0, len(parts))
	for _, p := range parts {
		out = append(out, partitionResponse{
			Series: string(p.Series),
			Date:   p.Date.Format("2006-01-02"),
			Name:   p.Name,
			Size:   p.Size,
		})
	}
	respondJSON(w, http.StatusOK, out)
}
