package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	domain "github.com/onlyintx/api/internal/domain"
)

// Event types the webhook endpoint knows about. Only the succeeded event
// drives fulfillment; the others are acknowledged and ignored.
const (
	EventPaymentSucceeded  = "payment_intent.succeeded"
	EventPaymentFailed     = "payment_intent.payment_failed"
	EventCheckoutCompleted = "checkout.session.completed"
)

var (
	// ErrSignatureInvalid signals the payload failed signature verification.
	ErrSignatureInvalid = errors.New("payments: signature verification failed")
	// ErrPayloadInvalid signals a verified event with an unusable payload.
	ErrPayloadInvalid = errors.New("payments: invalid event payload")
)

// StripeLogger defines the logging contract for Stripe webhook operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

// WebhookEvent is a verified webhook notification. Payment is populated only
// when the event type is EventPaymentSucceeded.
type WebhookEvent struct {
	ID      string
	Type    string
	Payment domain.PaymentEvent
}

// IsPaymentSucceeded reports whether the event carries a fulfillable payment.
func (e WebhookEvent) IsPaymentSucceeded() bool {
	return e.Type == EventPaymentSucceeded
}

// StripeWebhookVerifier verifies webhook signatures over the raw request body
// and normalises payment-succeeded events into the domain shape.
type StripeWebhookVerifier struct {
	secret string
	logger StripeLogger
}

// NewStripeWebhookVerifier constructs a verifier for the given endpoint secret.
func NewStripeWebhookVerifier(secret string, logger StripeLogger) (*StripeWebhookVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("stripe webhook verifier requires endpoint secret")
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StripeWebhookVerifier{secret: secret, logger: logger}, nil
}

// VerifyAndDecode checks the signature header against the raw payload and
// decodes the event. Events of types other than payment_intent.succeeded are
// returned with only ID and Type set so the caller can acknowledge them.
func (v *StripeWebhookVerifier) VerifyAndDecode(ctx context.Context, payload []byte, signatureHeader string) (WebhookEvent, error) {
	if v == nil {
		return WebhookEvent{}, errors.New("stripe webhook verifier not initialised")
	}

	event, err := webhook.ConstructEvent(payload, signatureHeader, v.secret)
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	decoded := WebhookEvent{ID: event.ID, Type: string(event.Type)}
	if !decoded.IsPaymentSucceeded() {
		v.logger(ctx, "stripe.webhook.ignored", map[string]any{
			"eventId":   event.ID,
			"eventType": string(event.Type),
		})
		return decoded, nil
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: decode payment intent: %v", ErrPayloadInvalid, err)
	}

	payment, err := paymentEventFromIntent(&intent)
	if err != nil {
		return WebhookEvent{}, err
	}
	payment.EventID = event.ID
	decoded.Payment = payment

	v.logger(ctx, "stripe.webhook.verified", map[string]any{
		"eventId":          event.ID,
		"paymentReference": payment.PaymentReference,
		"lineItems":        len(payment.LineItems),
	})
	return decoded, nil
}

// metadataItem mirrors the cart entries the storefront serialises into the
// payment intent's items metadata field. Price is in whole currency units.
type metadataItem struct {
	ID        string  `json:"id"`
	VariantID int64   `json:"variantId"`
	Size      string  `json:"size"`
	Color     string  `json:"color"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
}

func paymentEventFromIntent(intent *stripe.PaymentIntent) (domain.PaymentEvent, error) {
	if strings.TrimSpace(intent.ID) == "" {
		return domain.PaymentEvent{}, fmt.Errorf("%w: payment intent id missing", ErrPayloadInvalid)
	}

	raw := intent.Metadata["items"]
	if strings.TrimSpace(raw) == "" {
		return domain.PaymentEvent{}, fmt.Errorf("%w: items metadata missing", ErrPayloadInvalid)
	}
	var items []metadataItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: decode items metadata: %v", ErrPayloadInvalid, err)
	}
	if len(items) == 0 {
		return domain.PaymentEvent{}, fmt.Errorf("%w: items metadata empty", ErrPayloadInvalid)
	}

	lineItems := make([]domain.LineItem, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.ID) == "" {
			return domain.PaymentEvent{}, fmt.Errorf("%w: cart item missing product id", ErrPayloadInvalid)
		}
		lineItems = append(lineItems, domain.LineItem{
			ProductID:          item.ID,
			VariantID:          item.VariantID,
			Size:               item.Size,
			Color:              item.Color,
			Quantity:           item.Quantity,
			UnitPriceMinorUnit: int64(math.Round(item.Price * 100)),
		})
	}

	return domain.PaymentEvent{
		PaymentReference: intent.ID,
		AmountMinorUnits: intent.Amount,
		Currency:         string(intent.Currency),
		Customer: domain.Customer{
			Email: intent.Metadata["email"],
			Name:  intent.Metadata["customer"],
		},
		ShippingAddress: shippingAddressFromIntent(intent),
		LineItems:       lineItems,
	}, nil
}

// shippingAddressFromIntent prefers the payment intent's shipping block and
// falls back to the flat metadata fields the storefront sets.
func shippingAddressFromIntent(intent *stripe.PaymentIntent) domain.ShippingAddress {
	if intent.Shipping != nil && intent.Shipping.Address != nil {
		addr := intent.Shipping.Address
		return domain.ShippingAddress{
			Line1:   addr.Line1,
			Line2:   addr.Line2,
			City:    addr.City,
			Region:  addr.State,
			ZIP:     addr.PostalCode,
			Country: addr.Country,
			Phone:   intent.Shipping.Phone,
		}
	}
	return domain.ShippingAddress{
		Line1:  intent.Metadata["address"],
		City:   intent.Metadata["city"],
		Region: intent.Metadata["state"],
		ZIP:    intent.Metadata["zipCode"],
		Phone:  intent.Metadata["phone"],
	}
}
