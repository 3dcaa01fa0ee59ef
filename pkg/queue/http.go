package queue

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// HTTPEntry provides the mountpoint for this service into the shared
// webserver routing tree.
func (s *Scheduler) HTTPEntry() chi.Router {
	r := chi.NewRouter()

	r.Get("/status", s.httpStatus)
	r.Handle("/metrics", s.metrics.Handler())
	return r
}

func (s *Scheduler) httpStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.Status()); err != nil {
		s.l.Warn("Error encoding status", "err", err)
	}
}
