package repositories

import (
	"context"
	"errors"
	"time"

	domain "github.com/onlyintx/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// IsNotFound reports whether err categorises as a missing record.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err categorises as a uniqueness or update conflict.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err categorises as a transient backend outage.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

// OrderPatch carries the partial fields applied to an order record after a
// fulfillment run. Nil fields are left untouched.
type OrderPatch struct {
	Status                *domain.OrderStatus
	FulfillmentReferences []string
	ItemOutcomes          []domain.LineItemOutcome
	UpdatedAt             time.Time
}

// OrderRepository persists order records. Insert must guarantee that two
// concurrent inserts with the same payment reference cannot both commit.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.OrderRecord) error
	Patch(ctx context.Context, orderID string, patch OrderPatch) (domain.OrderRecord, error)
	FindByID(ctx context.Context, orderID string) (domain.OrderRecord, error)
	FindByPaymentReference(ctx context.Context, paymentReference string) (domain.OrderRecord, error)
	ListRecent(ctx context.Context, limit int) ([]domain.OrderRecord, error)
}
