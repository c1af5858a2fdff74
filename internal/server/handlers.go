package server

import (
	"bytes"
	"errors"
	"net/http"
	"os"

	"focusstack/internal/imageio"
	"focusstack/internal/web"
)

// handleDashboard renders the recent jobs page.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	var rows []web.JobRow
	if s.store != nil {
		recs, err := s.store.RecentJobs(50)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, rec := range recs {
			rows = append(rows, web.JobRow{
				ID:        rec.ID,
				Type:      rec.JobType,
				Status:    rec.Status,
				Input:     rec.InputPath,
				Output:    rec.OutputPath,
				Error:     rec.Error,
				CreatedAt: rec.CreatedAt,
			})
		}
	}
	var buf bytes.Buffer
	if err := web.RenderDashboard(&buf, rows); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

// handleImageMetadata returns the dimensions and EXIF fields of ?path=.
func (s *Server) handleImageMetadata(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}
	meta, err := imageio.Probe(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		http.Error(w, "image not found", http.StatusNotFound)
		return
	case errors.Is(err, imageio.ErrUnsupportedFormat):
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}
