package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/PortNumber53/mealplan-billing/internal/metrics"
)

// SignatureHeader carries the provider signature for a delivery.
const SignatureHeader = "Stripe-Signature"

// ResponseBody is the JSON document returned to the provider.
type ResponseBody struct {
	Received bool   `json:"received,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Response is the transport-neutral result of handling one delivery.
type Response struct {
	StatusCode int
	Body       ResponseBody
	Kind       EventKind
}

func received(kind EventKind) Response {
	return Response{StatusCode: http.StatusOK, Body: ResponseBody{Received: true}, Kind: kind}
}

func failure(status int, msg string, kind EventKind) Response {
	return Response{StatusCode: status, Body: ResponseBody{Error: msg}, Kind: kind}
}

// Dispatcher verifies webhook deliveries and routes them to the Updater.
type Dispatcher struct {
	updater   *Updater
	secret    string
	tolerance time.Duration
}

// NewDispatcher builds a dispatcher. An empty secret disables signature
// verification.
func NewDispatcher(updater *Updater, secret string) *Dispatcher {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		log.Warn().Str("component", "billing").Msg("webhook secret not configured; signatures will not be verified")
	}
	return &Dispatcher{
		updater:   updater,
		secret:    secret,
		tolerance: webhook.DefaultTolerance,
	}
}

// VerifiesSignatures reports whether a secret is configured.
func (d *Dispatcher) VerifiesSignatures() bool {
	return d.secret != ""
}

// Handle processes one raw delivery and returns the acknowledgement to send.
func (d *Dispatcher) Handle(ctx context.Context, rawBody []byte, headers http.Header) (resp Response) {
	start := time.Now()
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(resp.Kind.String(), strconv.Itoa(resp.StatusCode)).Inc()
		metrics.WebhookDuration.WithLabelValues(resp.Kind.String()).Observe(time.Since(start).Seconds())
	}()

	if err := d.verify(rawBody, headers); err != nil {
		log.Warn().Err(err).Str("component", "billing").Msg("rejecting webhook delivery")
		return failure(http.StatusBadRequest, "invalid signature", KindUnrecognized)
	}

	var env Envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		log.Warn().Err(err).Str("component", "billing").Msg("webhook body is not a valid event envelope")
		return failure(http.StatusBadRequest, "invalid payload", KindUnrecognized)
	}

	kind := ParseEventKind(env.Type)
	logger := log.With().
		Str("component", "billing").
		Str("event_id", env.ID).
		Str("type", env.Type).
		Logger()

	err := d.route(ctx, kind, &env)
	switch {
	case err == nil:
		return received(kind)
	case IsStoreError(err):
		logger.Error().Err(err).Msg("webhook processing failed")
		return failure(http.StatusInternalServerError, "processing failed", kind)
	default:
		logger.Warn().Err(err).Msg("webhook event dropped")
		return received(kind)
	}
}

func (d *Dispatcher) verify(rawBody []byte, headers http.Header) error {
	if d.secret == "" {
		return nil
	}
	sig := strings.TrimSpace(headers.Get(SignatureHeader))
	if sig == "" {
		return ErrInvalidSignature
	}
	if err := webhook.ValidatePayloadWithTolerance(rawBody, sig, d.secret, d.tolerance); err != nil {
		return errors.Join(ErrInvalidSignature, err)
	}
	return nil
}

func (d *Dispatcher) route(ctx context.Context, kind EventKind, env *Envelope) error {
	switch kind {
	case KindCheckoutCompleted:
		var session CheckoutSession
		if err := decodeObject(env, &session); err != nil {
			return err
		}
		_, err := d.updater.CompleteCheckout(ctx, session, env.Livemode)
		return err

	case KindSubscriptionDeleted:
		var sub SubscriptionObject
		if err := decodeObject(env, &sub); err != nil {
			return err
		}
		_, err := d.updater.CancelSubscription(ctx, sub)
		return err

	case KindSubscriptionCreated, KindSubscriptionUpdated:
		log.Info().
			Str("component", "billing").
			Str("event_id", env.ID).
			Str("type", env.Type).
			Msg("subscription lifecycle event acknowledged")
		return nil

	default:
		log.Info().
			Str("component", "billing").
			Str("event_id", env.ID).
			Str("type", env.Type).
			Msg("webhook ignored (unhandled type)")
		return nil
	}
}
