package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/onlyintx/api/internal/domain"
	"github.com/onlyintx/api/internal/printify"
	"github.com/onlyintx/api/internal/repositories"
)

const (
	orderIDPrefix  = "ord_"
	orderLabelText = "OnlyInTX Order "

	alertKindOrderPatchFailed = "order_patch_failed"
)

// Placeholder delivery block substituted when a payment event arrives without
// a complete shipping address and strict address mode is off.
var defaultShippingAddress = domain.ShippingAddress{
	Line1:   "123 Test St",
	City:    "Austin",
	Region:  "TX",
	ZIP:     "78701",
	Country: "US",
}

var (
	// ErrFulfillmentInvalidInput signals a malformed payment event.
	ErrFulfillmentInvalidInput = errors.New("fulfillment: invalid input")
	// ErrFulfillmentStoreUnavailable signals the order could not be durably recorded.
	ErrFulfillmentStoreUnavailable = errors.New("fulfillment: order store unavailable")
)

// Logger is the logging contract injected into services.
type Logger func(ctx context.Context, event string, fields map[string]any)

// FulfillmentAlert is the ops notification raised when the pipeline cannot
// reconcile an order record with what was actually submitted upstream.
type FulfillmentAlert struct {
	Kind             string    `json:"kind"`
	OrderID          string    `json:"orderId"`
	PaymentReference string    `json:"paymentReference"`
	Status           string    `json:"status,omitempty"`
	Detail           string    `json:"detail,omitempty"`
	OccurredAt       time.Time `json:"occurredAt"`
}

// AlertPublisher delivers fulfillment alerts to an ops channel.
type AlertPublisher interface {
	PublishFulfillmentAlert(ctx context.Context, alert FulfillmentAlert) (string, error)
}

// CatalogClient looks up upstream products for variant resolution.
type CatalogClient interface {
	GetProduct(ctx context.Context, productID string) (domain.CatalogProduct, error)
}

// FulfillmentClient is the upstream provider surface the pipeline needs.
type FulfillmentClient interface {
	CatalogClient
	CreateOrder(ctx context.Context, req printify.OrderRequest) (string, error)
}

// FulfillmentResult reports the outcome of processing one payment event.
// Duplicate is set when the payment reference was already recorded; the
// returned order is then the previously stored record.
type FulfillmentResult struct {
	Order     domain.OrderRecord
	Duplicate bool
}

// FulfillmentServiceDeps bundles collaborators required to construct the service.
type FulfillmentServiceDeps struct {
	Orders      repositories.OrderRepository
	Fulfillment FulfillmentClient
	Alerts      AlertPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      Logger

	// RequireAddress makes an incomplete shipping address a hard per-item
	// failure instead of substituting the placeholder block.
	RequireAddress bool
	// EventTimeout bounds the upstream submission phase of one event.
	// Items not attempted before the deadline are recorded as failed.
	EventTimeout time.Duration
}

// FulfillmentService turns verified payment events into durable order records
// and per-line-item fulfillment submissions.
type FulfillmentService struct {
	orders         repositories.OrderRepository
	fulfillment    FulfillmentClient
	alerts         AlertPublisher
	clock          func() time.Time
	newID          func() string
	logger         Logger
	requireAddress bool
	eventTimeout   time.Duration
}

// NewFulfillmentService constructs the service, validating required collaborators.
func NewFulfillmentService(deps FulfillmentServiceDeps) (*FulfillmentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("fulfillment service requires order repository")
	}
	if deps.Fulfillment == nil {
		return nil, errors.New("fulfillment service requires fulfillment client")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string {
			return orderIDPrefix + ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &FulfillmentService{
		orders:         deps.Orders,
		fulfillment:    deps.Fulfillment,
		alerts:         deps.Alerts,
		clock:          clock,
		newID:          newID,
		logger:         logger,
		requireAddress: deps.RequireAddress,
		eventTimeout:   deps.EventTimeout,
	}, nil
}

// ProcessPaymentEvent records the order and submits one fulfillment order per
// line item. The order record is created before any upstream call so a crash
// mid-pipeline never loses the payment. Re-delivery of an already recorded
// payment reference returns the stored order with Duplicate set and performs
// no upstream work.
func (s *FulfillmentService) ProcessPaymentEvent(ctx context.Context, event domain.PaymentEvent) (FulfillmentResult, error) {
	if s == nil {
		return FulfillmentResult{}, errors.New("fulfillment service not initialised")
	}
	if err := validatePaymentEvent(event); err != nil {
		return FulfillmentResult{}, err
	}

	if existing, err := s.orders.FindByPaymentReference(ctx, event.PaymentReference); err == nil {
		s.logger(ctx, "fulfillment.event.duplicate", map[string]any{
			"orderId":          existing.ID,
			"paymentReference": event.PaymentReference,
		})
		return FulfillmentResult{Order: existing, Duplicate: true}, nil
	} else if !repositories.IsNotFound(err) {
		return FulfillmentResult{}, fmt.Errorf("%w: lookup payment reference: %v", ErrFulfillmentStoreUnavailable, err)
	}

	now := s.clock().UTC()
	order := domain.OrderRecord{
		ID:                    s.newID(),
		PaymentReference:      event.PaymentReference,
		Customer:              event.Customer,
		ShippingAddress:       event.ShippingAddress,
		LineItems:             event.LineItems,
		TotalMinorUnits:       event.AmountMinorUnits,
		Currency:              event.Currency,
		Status:                domain.OrderStatusPaid,
		FulfillmentReferences: []string{},
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	if cartTotal := cartTotalMinorUnits(event.LineItems); cartTotal > 0 && cartTotal != event.AmountMinorUnits {
		s.logger(ctx, "fulfillment.amount.mismatch", map[string]any{
			"orderId":          order.ID,
			"paymentReference": event.PaymentReference,
			"captured":         event.AmountMinorUnits,
			"cartTotal":        cartTotal,
		})
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		if repositories.IsConflict(err) {
			// A concurrent delivery won the insert race.
			existing, lookupErr := s.orders.FindByPaymentReference(ctx, event.PaymentReference)
			if lookupErr != nil {
				return FulfillmentResult{}, fmt.Errorf("%w: duplicate lookup: %v", ErrFulfillmentStoreUnavailable, lookupErr)
			}
			s.logger(ctx, "fulfillment.event.duplicate", map[string]any{
				"orderId":          existing.ID,
				"paymentReference": event.PaymentReference,
			})
			return FulfillmentResult{Order: existing, Duplicate: true}, nil
		}
		return FulfillmentResult{}, fmt.Errorf("%w: insert order: %v", ErrFulfillmentStoreUnavailable, err)
	}

	s.logger(ctx, "fulfillment.order.recorded", map[string]any{
		"orderId":          order.ID,
		"paymentReference": order.PaymentReference,
		"lineItems":        len(order.LineItems),
	})

	outcomes, references := s.submitLineItems(ctx, order)

	finalStatus := finalOrderStatus(outcomes)
	patch := repositories.OrderPatch{
		Status:                &finalStatus,
		FulfillmentReferences: references,
		ItemOutcomes:          outcomes,
		UpdatedAt:             s.clock().UTC(),
	}

	patched, err := s.orders.Patch(ctx, order.ID, patch)
	if err != nil {
		// The payment is durably recorded; the final state is not. Raise an
		// alert so an operator can reconcile by hand.
		s.logger(ctx, "fulfillment.patch.failed", map[string]any{
			"orderId":          order.ID,
			"paymentReference": order.PaymentReference,
			"status":           string(finalStatus),
			"error":            err.Error(),
		})
		s.publishPatchFailedAlert(ctx, order, finalStatus, err)

		order.Status = finalStatus
		order.FulfillmentReferences = references
		order.ItemOutcomes = outcomes
		order.UpdatedAt = patch.UpdatedAt
		return FulfillmentResult{Order: order}, nil
	}

	s.logger(ctx, "fulfillment.event.processed", map[string]any{
		"orderId":          patched.ID,
		"paymentReference": patched.PaymentReference,
		"status":           string(patched.Status),
		"references":       len(patched.FulfillmentReferences),
	})
	return FulfillmentResult{Order: patched}, nil
}

// submitLineItems resolves and submits every line item independently, so one
// failing item never blocks the rest. The returned outcomes are index-aligned
// with the order's line items.
func (s *FulfillmentService) submitLineItems(ctx context.Context, order domain.OrderRecord) ([]domain.LineItemOutcome, []string) {
	if s.eventTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.eventTimeout)
		defer cancel()
	}

	address, addressErr := s.deliveryAddress(order.Customer, order.ShippingAddress)

	outcomes := make([]domain.LineItemOutcome, 0, len(order.LineItems))
	references := []string{}
	for idx, item := range order.LineItems {
		outcome := domain.LineItemOutcome{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
		}

		switch {
		case addressErr != nil:
			outcome.Reason = addressErr.Error()
		case ctx.Err() != nil:
			outcome.Reason = "not attempted before event deadline"
		default:
			reference, err := s.submitLineItem(ctx, order, item, idx, address)
			if err != nil {
				outcome.Reason = failureReason(err)
			} else {
				outcome.Reference = reference
				references = append(references, reference)
			}
		}

		if outcome.Reason != "" {
			s.logger(ctx, "fulfillment.item.failed", map[string]any{
				"orderId":   order.ID,
				"productId": item.ProductID,
				"reason":    outcome.Reason,
			})
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, references
}

func (s *FulfillmentService) submitLineItem(ctx context.Context, order domain.OrderRecord, item domain.LineItem, idx int, address printify.Address) (string, error) {
	product, err := s.fulfillment.GetProduct(ctx, item.ProductID)
	if err != nil {
		return "", err
	}

	resolution, err := ResolveVariant(product, item)
	if err != nil {
		return "", err
	}

	quantity := item.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	return s.fulfillment.CreateOrder(ctx, printify.OrderRequest{
		ExternalID: fmt.Sprintf("%s-%d", order.ID, idx+1),
		Label:      orderLabelText + order.ID,
		LineItems: []printify.OrderLineItem{{
			ProductID: item.ProductID,
			VariantID: resolution.VariantID,
			Quantity:  quantity,
		}},
		ShippingMethod:           1,
		SendShippingNotification: true,
		AddressTo:                address,
	})
}

// deliveryAddress builds the upstream address block. Incomplete addresses are
// either rejected (strict mode) or filled with the placeholder defaults.
func (s *FulfillmentService) deliveryAddress(customer domain.Customer, addr domain.ShippingAddress) (printify.Address, error) {
	if !addr.IsComplete() {
		if s.requireAddress {
			return printify.Address{}, errors.New("shipping address incomplete")
		}
		phone := addr.Phone
		addr = defaultShippingAddress
		addr.Phone = phone
	}
	if strings.TrimSpace(addr.Country) == "" {
		addr.Country = "US"
	}
	first, last := customer.FirstLastName()
	return printify.Address{
		FirstName: first,
		LastName:  last,
		Email:     customer.Email,
		Country:   addr.Country,
		Region:    addr.Region,
		Address1:  addr.Line1,
		Address2:  addr.Line2,
		City:      addr.City,
		ZIP:       addr.ZIP,
		Phone:     addr.Phone,
	}, nil
}

func (s *FulfillmentService) publishPatchFailedAlert(ctx context.Context, order domain.OrderRecord, status domain.OrderStatus, patchErr error) {
	if s.alerts == nil {
		return
	}
	alert := FulfillmentAlert{
		Kind:             alertKindOrderPatchFailed,
		OrderID:          order.ID,
		PaymentReference: order.PaymentReference,
		Status:           string(status),
		Detail:           patchErr.Error(),
		OccurredAt:       s.clock().UTC(),
	}
	if _, err := s.alerts.PublishFulfillmentAlert(ctx, alert); err != nil {
		s.logger(ctx, "fulfillment.alert.failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
}

func validatePaymentEvent(event domain.PaymentEvent) error {
	if strings.TrimSpace(event.PaymentReference) == "" {
		return fmt.Errorf("%w: payment reference is required", ErrFulfillmentInvalidInput)
	}
	if len(event.LineItems) == 0 {
		return fmt.Errorf("%w: at least one line item is required", ErrFulfillmentInvalidInput)
	}
	for _, item := range event.LineItems {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("%w: line item product id is required", ErrFulfillmentInvalidInput)
		}
	}
	return nil
}

func cartTotalMinorUnits(items []domain.LineItem) int64 {
	var total int64
	for _, item := range items {
		quantity := int64(item.Quantity)
		if quantity <= 0 {
			quantity = 1
		}
		total += item.UnitPriceMinorUnit * quantity
	}
	return total
}

// finalOrderStatus derives the terminal status from the per-item outcomes:
// fulfilled when every item was handed off, failed when none was, partial
// otherwise.
func finalOrderStatus(outcomes []domain.LineItemOutcome) domain.OrderStatus {
	succeeded := 0
	for _, outcome := range outcomes {
		if outcome.Succeeded() {
			succeeded++
		}
	}
	switch {
	case len(outcomes) > 0 && succeeded == len(outcomes):
		return domain.OrderStatusFulfilled
	case succeeded == 0:
		return domain.OrderStatusFailed
	default:
		return domain.OrderStatusPartial
	}
}

// failureReason renders an upstream or resolution error as the stable,
// operator-facing reason stored on the item outcome.
func failureReason(err error) string {
	var notFoundVariant *VariantNotFoundError
	var rejected *printify.RejectedError
	switch {
	case errors.As(err, &notFoundVariant):
		return notFoundVariant.Error()
	case errors.As(err, &rejected):
		return fmt.Sprintf("rejected by upstream: %s", rejected.Reason)
	case errors.Is(err, printify.ErrNotFound):
		return "product not found upstream"
	case errors.Is(err, printify.ErrUnavailable):
		return "upstream unavailable after retries"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out before submission"
	case errors.Is(err, context.Canceled):
		return "canceled before submission"
	default:
		return err.Error()
	}
}
