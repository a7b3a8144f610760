package domain

import (
	"strings"
	"time"
)

// OrderStatus enumerates the lifecycle states of an order record.
type OrderStatus string

const (
	// OrderStatusPaid is the initial state recorded when a payment succeeds.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusProcessing marks an order whose fulfillment submissions are in flight.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusFulfilled marks an order where every line item was handed off.
	OrderStatusFulfilled OrderStatus = "fulfilled"
	// OrderStatusPartial marks an order where some but not all line items were handed off.
	OrderStatusPartial OrderStatus = "partial"
	// OrderStatusFailed marks an order where no line item could be handed off.
	OrderStatusFailed OrderStatus = "failed"
)

// Ranks impose the forward-only ordering paid -> processing -> terminal.
var orderStatusRanks = map[OrderStatus]int{
	OrderStatusPaid:       0,
	OrderStatusProcessing: 1,
	OrderStatusFulfilled:  2,
	OrderStatusPartial:    2,
	OrderStatusFailed:     2,
}

// IsValidOrderStatus reports whether the value is a known order status.
func IsValidOrderStatus(status OrderStatus) bool {
	_, ok := orderStatusRanks[status]
	return ok
}

// IsTerminalOrderStatus reports whether no further transitions are permitted.
func IsTerminalOrderStatus(status OrderStatus) bool {
	return orderStatusRanks[status] >= 2 && IsValidOrderStatus(status)
}

// CanTransitionOrderStatus reports whether moving from one status to another is
// a legal forward transition. Transitions never move backward and terminal
// states admit no successors.
func CanTransitionOrderStatus(from, to OrderStatus) bool {
	fromRank, okFrom := orderStatusRanks[from]
	toRank, okTo := orderStatusRanks[to]
	if !okFrom || !okTo {
		return false
	}
	if IsTerminalOrderStatus(from) {
		return false
	}
	return toRank > fromRank
}

// Customer identifies the purchaser on an order record.
type Customer struct {
	Email string `firestore:"email" json:"email"`
	Name  string `firestore:"name" json:"name"`
}

// FirstLastName splits the customer name into first and last components for
// shipping blocks. A single-word name becomes the first name; an empty name
// falls back to "Customer".
func (c Customer) FirstLastName() (string, string) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return "Customer", ""
	}
	parts := strings.Fields(name)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

// ShippingAddress captures the delivery details supplied with a payment event.
// Any field may be empty; defaults are substituted downstream.
type ShippingAddress struct {
	Line1   string `firestore:"line1" json:"line1"`
	Line2   string `firestore:"line2,omitempty" json:"line2,omitempty"`
	City    string `firestore:"city" json:"city"`
	Region  string `firestore:"region" json:"region"`
	ZIP     string `firestore:"zip" json:"zip"`
	Country string `firestore:"country" json:"country"`
	Phone   string `firestore:"phone,omitempty" json:"phone,omitempty"`
}

// IsComplete reports whether the mandatory delivery fields are all present.
func (a ShippingAddress) IsComplete() bool {
	return strings.TrimSpace(a.Line1) != "" &&
		strings.TrimSpace(a.City) != "" &&
		strings.TrimSpace(a.Region) != "" &&
		strings.TrimSpace(a.ZIP) != ""
}

// LineItem is one cart entry captured at payment time. VariantID is
// authoritative when present; Size and Color are the legacy fallback path.
type LineItem struct {
	ProductID          string `firestore:"productId" json:"productId"`
	VariantID          int64  `firestore:"variantId,omitempty" json:"variantId,omitempty"`
	Size               string `firestore:"size,omitempty" json:"size,omitempty"`
	Color              string `firestore:"color,omitempty" json:"color,omitempty"`
	Quantity           int    `firestore:"quantity" json:"quantity"`
	UnitPriceMinorUnit int64  `firestore:"unitPriceMinorUnits" json:"unitPriceMinorUnits"`
}

// LineItemOutcome records the per-item fulfillment result attached to the
// final order patch. Reference is set on success, Reason on failure.
type LineItemOutcome struct {
	ProductID string `firestore:"productId" json:"productId"`
	VariantID int64  `firestore:"variantId,omitempty" json:"variantId,omitempty"`
	Reference string `firestore:"reference,omitempty" json:"reference,omitempty"`
	Reason    string `firestore:"reason,omitempty" json:"reason,omitempty"`
}

// Succeeded reports whether the line item was handed off for fulfillment.
func (o LineItemOutcome) Succeeded() bool {
	return o.Reference != ""
}

// OrderRecord is the durable record of a paid order and its fulfillment state.
type OrderRecord struct {
	ID                    string            `firestore:"id" json:"id"`
	PaymentReference      string            `firestore:"paymentReference" json:"paymentReference"`
	Customer              Customer          `firestore:"customer" json:"customer"`
	ShippingAddress       ShippingAddress   `firestore:"shippingAddress" json:"shippingAddress"`
	LineItems             []LineItem        `firestore:"lineItems" json:"lineItems"`
	TotalMinorUnits       int64             `firestore:"totalMinorUnits" json:"totalMinorUnits"`
	Currency              string            `firestore:"currency" json:"currency"`
	Status                OrderStatus       `firestore:"status" json:"status"`
	FulfillmentReferences []string          `firestore:"fulfillmentReferences" json:"fulfillmentReferences"`
	ItemOutcomes          []LineItemOutcome `firestore:"itemOutcomes,omitempty" json:"itemOutcomes,omitempty"`
	CreatedAt             time.Time         `firestore:"createdAt" json:"createdAt"`
	UpdatedAt             time.Time         `firestore:"updatedAt" json:"updatedAt"`
}
