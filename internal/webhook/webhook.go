// Package webhook authenticates webhook deliveries from git providers.
package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/drewdunne/conductor/internal/metrics"
)

// ErrIgnored is wrapped by handlers for deliveries that are valid but of no
// interest. They are acknowledged without processing.
var ErrIgnored = errors.New("event ignored")

const maxBodyBytes = 5 << 20

func readBody(w http.ResponseWriter, r *http.Request, provider string) ([]byte, bool) {
	metrics.WebhookReceived(provider)
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// respond maps a handler result to a status code. Accepted deliveries may
// still be processed asynchronously.
func respond(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, ErrIgnored):
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
