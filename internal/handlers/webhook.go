package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/mealplan-billing/internal/billing"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// Webhook adapts HTTP deliveries to the billing dispatcher.
func Webhook(d *billing.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
				return
			}
			log.Warn().Err(err).Msg("read webhook body")
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}

		resp := d.Handle(r.Context(), payload, r.Header)
		writeJSON(w, resp.StatusCode, resp.Body)
	}
}
