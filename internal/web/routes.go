package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-attendance/internal/web/handlers"
)

// APIPrefix is the path prefix of the recognition API.
const APIPrefix = "/api/v1/faces"

func (s *Server) setupRoutes() {
	// Create handlers
	healthHandler := handlers.NewHealthHandler(s.engine)
	facesHandler := handlers.NewFacesHandler(s.engine, s.logger)
	logsHandler := handlers.NewLogsHandler(s.engine, s.logger)

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found"}` + "\n"))
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"error":"method not allowed"}` + "\n"))
	})

	// Health check
	s.router.Get("/api/v1/health", healthHandler.Check)

	s.router.Route(APIPrefix, func(r chi.Router) {
		// Recognition
		r.Post("/identify", facesHandler.Identify)
		r.Post("/confirmation", facesHandler.Confirm)

		// Registration
		r.Post("/register", facesHandler.Register)
		r.Post("/register/batch", facesHandler.RegisterBatch)
		r.Get("/identities", facesHandler.ListIdentities)
		r.Delete("/identities/{label}", facesHandler.DeleteIdentity)

		// Attendance logs
		r.Get("/get_attendance_logs", logsHandler.Download)
		r.Get("/logs", logsHandler.Partitions)
	})
}
