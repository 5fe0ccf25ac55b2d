package health

import (
	"encoding/json"
	"net/http"

	"translate-admission/admission"

	"github.com/rs/zerolog/log"
)

// Probe reports whether the service can take work.
type Probe func() bool

// StatusSource supplies the /statusz body.
type StatusSource interface {
	Snapshot() admission.Snapshot
}

// Register mounts /healthz, /readyz and, when status is non-nil, /statusz.
// A nil ready probe always reports ready.
func Register(mux *http.ServeMux, ready Probe, status StatusSource) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if status == nil {
		return
	}
	mux.HandleFunc("/statusz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status.Snapshot()); err != nil {
			log.Error().Err(err).Msg("health: failed to encode status")
		}
	})
}
