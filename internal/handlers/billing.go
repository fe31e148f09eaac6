package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/mealplan-billing/internal/models"
	"github.com/PortNumber53/mealplan-billing/internal/store"
)

// BillingReader exposes the read side of the user store.
type BillingReader interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
	ListPaymentRecords(ctx context.Context, userID string, limit int) ([]models.PaymentRecord, error)
}

func userIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return "", false
	}
	return userID, true
}

// GetSubscription returns the user's current subscription record. A user
// without one gets a null subscription.
func GetSubscription(reader BillingReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := userIDParam(w, r)
		if !ok {
			return
		}

		user, err := reader.GetUser(r.Context(), userID)
		if err != nil {
			if errors.Is(err, store.ErrUserNotFound) {
				writeError(w, http.StatusNotFound, "user not found")
				return
			}
			log.Error().Err(err).Str("user_id", userID).Msg("GetSubscription: load user")
			writeError(w, http.StatusInternalServerError, "failed to get subscription")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"userId":       user.ID,
			"subscription": user.Subscription,
		})
	}
}

// GetPaymentHistory returns the user's payment records, newest first.
func GetPaymentHistory(reader BillingReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := userIDParam(w, r)
		if !ok {
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			limit = n
		}

		payments, err := reader.ListPaymentRecords(r.Context(), userID, limit)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("GetPaymentHistory: list payments")
			writeError(w, http.StatusInternalServerError, "failed to get payment history")
			return
		}
		if payments == nil {
			payments = []models.PaymentRecord{}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"payments": payments,
		})
	}
}
