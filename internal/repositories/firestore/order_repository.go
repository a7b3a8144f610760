package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/onlyintx/api/internal/domain"
	pfirestore "github.com/onlyintx/api/internal/platform/firestore"
	"github.com/onlyintx/api/internal/repositories"
)

const (
	orderCollection      = "orders"
	paymentRefCollection = "orderPaymentRefs"

	defaultListLimit = 20
	maxListLimit     = 100
)

// OrderRepository persists order records with a payment-reference uniqueness index.
type OrderRepository struct {
	provider *pfirestore.Provider
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{provider: provider}, nil
}

// paymentRefDocument indexes an order by its payment reference. It is written
// in the same transaction as the order document, so two concurrent inserts
// with the same payment reference cannot both commit.
type paymentRefDocument struct {
	OrderID   string    `firestore:"orderId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

// Insert durably creates the order and its payment-reference index entry.
func (r *OrderRepository) Insert(ctx context.Context, order domain.OrderRecord) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}
	paymentRef := strings.TrimSpace(order.PaymentReference)
	if paymentRef == "" {
		return errors.New("order repository: payment reference is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		refDoc := client.Collection(paymentRefCollection).Doc(paymentRef)
		if _, err := tx.Get(refDoc); err == nil {
			return status.Errorf(codes.AlreadyExists, "payment reference %s already recorded", paymentRef)
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		orderDoc := client.Collection(orderCollection).Doc(orderID)
		if err := tx.Create(orderDoc, order); err != nil {
			return err
		}
		return tx.Create(refDoc, paymentRefDocument{
			OrderID:   orderID,
			CreatedAt: order.CreatedAt.UTC(),
		})
	})
	if err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// Patch applies the partial update to an existing order, enforcing forward-only
// status transitions and grow-only fulfillment references.
func (r *OrderRepository) Patch(ctx context.Context, orderID string, patch repositories.OrderPatch) (domain.OrderRecord, error) {
	if r == nil || r.provider == nil {
		return domain.OrderRecord{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.OrderRecord{}, errors.New("order repository: order id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.OrderRecord{}, err
	}

	var updated domain.OrderRecord
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		docRef := client.Collection(orderCollection).Doc(orderID)
		snap, err := tx.Get(docRef)
		if err != nil {
			return err
		}

		var current domain.OrderRecord
		if err := snap.DataTo(&current); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}

		if patch.Status != nil {
			if !domain.CanTransitionOrderStatus(current.Status, *patch.Status) {
				return status.Errorf(codes.FailedPrecondition, "illegal status transition %s -> %s", current.Status, *patch.Status)
			}
			current.Status = *patch.Status
		}
		if patch.FulfillmentReferences != nil {
			if len(patch.FulfillmentReferences) < len(current.FulfillmentReferences) {
				return status.Error(codes.FailedPrecondition, "fulfillment references cannot shrink")
			}
			current.FulfillmentReferences = append([]string(nil), patch.FulfillmentReferences...)
		}
		if patch.ItemOutcomes != nil {
			current.ItemOutcomes = append([]domain.LineItemOutcome(nil), patch.ItemOutcomes...)
		}
		if !patch.UpdatedAt.IsZero() {
			current.UpdatedAt = patch.UpdatedAt.UTC()
		}

		updated = current
		return tx.Set(docRef, current)
	})
	if err != nil {
		return domain.OrderRecord{}, pfirestore.WrapError("orders.patch", err)
	}
	return updated, nil
}

// FindByID retrieves a single order record.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.OrderRecord, error) {
	if r == nil || r.provider == nil {
		return domain.OrderRecord{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.OrderRecord{}, errors.New("order repository: order id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.OrderRecord{}, err
	}

	snap, err := client.Collection(orderCollection).Doc(orderID).Get(ctx)
	if err != nil {
		return domain.OrderRecord{}, pfirestore.WrapError("orders.get", err)
	}
	var order domain.OrderRecord
	if err := snap.DataTo(&order); err != nil {
		return domain.OrderRecord{}, fmt.Errorf("decode order %s: %w", orderID, err)
	}
	return order, nil
}

// FindByPaymentReference looks up an order through the payment-reference index.
func (r *OrderRepository) FindByPaymentReference(ctx context.Context, paymentReference string) (domain.OrderRecord, error) {
	if r == nil || r.provider == nil {
		return domain.OrderRecord{}, errors.New("order repository not initialised")
	}
	paymentReference = strings.TrimSpace(paymentReference)
	if paymentReference == "" {
		return domain.OrderRecord{}, errors.New("order repository: payment reference is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.OrderRecord{}, err
	}

	snap, err := client.Collection(paymentRefCollection).Doc(paymentReference).Get(ctx)
	if err != nil {
		return domain.OrderRecord{}, pfirestore.WrapError("orders.findByPaymentReference", err)
	}
	var refDoc paymentRefDocument
	if err := snap.DataTo(&refDoc); err != nil {
		return domain.OrderRecord{}, fmt.Errorf("decode payment ref %s: %w", paymentReference, err)
	}
	return r.FindByID(ctx, refDoc.OrderID)
}

// ListRecent returns up to limit orders, newest first.
func (r *OrderRepository) ListRecent(ctx context.Context, limit int) ([]domain.OrderRecord, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("order repository not initialised")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}

	iter := client.Collection(orderCollection).
		OrderBy("createdAt", firestore.Desc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var orders []domain.OrderRecord
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("orders.listRecent", err)
		}
		var order domain.OrderRecord
		if err := snap.DataTo(&order); err != nil {
			return nil, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// Ensure interface compliance.
var _ repositories.OrderRepository = (*OrderRepository)(nil)
