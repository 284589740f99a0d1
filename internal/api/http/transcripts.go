// internal/api/http/transcripts.go
package http

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/nmcprep/internal/storage"
)

// MountTranscripts serves generator transcripts read-only.
func MountTranscripts(r chi.Router, bs storage.BlobStore) {
	// GET /api/admin/transcripts?prefix=genai/2026-03-01/
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		prefix := r.URL.Query().Get("prefix")
		if prefix == "" {
			prefix = "genai/"
		}
		keys, err := bs.List(prefix)
		if err != nil {
			http.Error(w, "list error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if keys == nil {
			keys = []string{}
		}
		writeJSON(w, http.StatusOK, keys)
	})

	// GET /api/admin/transcripts/*   -> the blob at whatever follows /transcripts/
	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
		rc, err := bs.Get(key)
		if err != nil {
			http.Error(w, "not found: "+err.Error(), http.StatusNotFound)
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.Copy(w, rc)
	})
}
