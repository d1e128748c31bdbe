package server

import (
	"net/http"

	"github.com/promptman/promptman/internal/job"
)

type Options struct {
	AllowedOrigins []string
	MaxUploadBytes int64
}

// NewHandler creates the full HTTP handler with routes and middleware.
// Exported for use in tests (e.g., httptest.NewServer).
func NewHandler(jobSvc *job.Service, opts Options) http.Handler {
	return newMux(jobSvc, opts)
}

func newMux(jobSvc *job.Service, opts Options) http.Handler {
	h := &handler{
		jobSvc:         jobSvc,
		maxUploadBytes: opts.MaxUploadBytes,
	}

	mux := http.NewServeMux()

	// The web client calls the same routes under /api.
	for _, prefix := range []string{"", "/api"} {
		mux.HandleFunc("GET "+prefix+"/health", h.health)
		mux.HandleFunc("POST "+prefix+"/upload-codebase", h.uploadCodebase)
		mux.HandleFunc("POST "+prefix+"/process-repo", h.processRepo)
		mux.HandleFunc("POST "+prefix+"/process-website", h.processWebsite)
		mux.HandleFunc("GET "+prefix+"/job-status/{id}", h.jobStatus)
		mux.HandleFunc("GET "+prefix+"/download/{id}", h.download)
	}

	// Apply middleware stack: recovery -> requestID -> cors -> logging
	var handler http.Handler = mux
	handler = logging(handler)
	handler = cors(opts.AllowedOrigins)(handler)
	handler = requestID(handler)
	handler = recovery(handler)

	return handler
}
