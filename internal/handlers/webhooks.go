package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/onlyintx/api/internal/domain"
	"github.com/onlyintx/api/internal/payments"
	"github.com/onlyintx/api/internal/platform/httpx"
	"github.com/onlyintx/api/internal/services"
)

// Stripe caps webhook payloads well under this; anything larger is garbage.
const maxWebhookBodySize = 1 << 20

var (
	errEmptyBody    = errors.New("request body is empty")
	errBodyTooLarge = errors.New("request body too large")
)

// WebhookVerifier verifies a raw webhook payload and decodes the event.
type WebhookVerifier interface {
	VerifyAndDecode(ctx context.Context, payload []byte, signatureHeader string) (payments.WebhookEvent, error)
}

// PaymentProcessor runs the fulfillment pipeline for a verified payment event.
type PaymentProcessor interface {
	ProcessPaymentEvent(ctx context.Context, event domain.PaymentEvent) (services.FulfillmentResult, error)
}

// WebhookHandlers exposes the payment provider webhook endpoints.
type WebhookHandlers struct {
	verifier    WebhookVerifier
	fulfillment PaymentProcessor
}

// NewWebhookHandlers constructs a new WebhookHandlers instance.
func NewWebhookHandlers(verifier WebhookVerifier, fulfillment PaymentProcessor) (*WebhookHandlers, error) {
	if verifier == nil {
		return nil, errors.New("webhook handlers require a verifier")
	}
	if fulfillment == nil {
		return nil, errors.New("webhook handlers require a payment processor")
	}
	return &WebhookHandlers{verifier: verifier, fulfillment: fulfillment}, nil
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.handleStripe)
}

// handleStripe verifies the signature over the raw body, acknowledges event
// types it does not act on, and runs the fulfillment pipeline for succeeded
// payments. A 5xx is returned only when the order could not be durably
// recorded, so the sender's redelivery is safe.
func (h *WebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "webhook payload exceeds size limit", http.StatusRequestEntityTooLarge))
		case errors.Is(err, errEmptyBody):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "webhook payload is empty", http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read webhook payload", http.StatusBadRequest))
		}
		return
	}

	event, err := h.verifier.VerifyAndDecode(ctx, body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrSignatureInvalid):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		case errors.Is(err, payments.ErrPayloadInvalid):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "webhook payload could not be decoded", http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "webhook could not be processed", http.StatusBadRequest))
		}
		return
	}

	if !event.IsPaymentSucceeded() {
		writeJSONResponse(w, http.StatusOK, map[string]any{"received": true})
		return
	}

	if _, err := h.fulfillment.ProcessPaymentEvent(ctx, event.Payment); err != nil {
		if errors.Is(err, services.ErrFulfillmentInvalidInput) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "payment event is not fulfillable", http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("order_store_unavailable", "order could not be recorded", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"received": true})
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
