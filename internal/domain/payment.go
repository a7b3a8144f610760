package domain

// PaymentEvent is a verified payment-succeeded notification, normalised from
// the provider's webhook payload. AmountMinorUnits is the captured charge in
// the currency's smallest unit, stored as received.
type PaymentEvent struct {
	EventID          string
	PaymentReference string
	AmountMinorUnits int64
	Currency         string
	Customer         Customer
	ShippingAddress  ShippingAddress
	LineItems        []LineItem
}
