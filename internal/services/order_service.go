package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/onlyintx/api/internal/domain"
	"github.com/onlyintx/api/internal/repositories"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderUnavailable indicates the order store could not be reached.
	ErrOrderUnavailable = errors.New("order: store unavailable")
)

// OrderQueryServiceDeps bundles collaborators for the read-only order API.
type OrderQueryServiceDeps struct {
	Orders repositories.OrderRepository
	Logger Logger
}

// OrderQueryService serves the operator-facing read API over order records.
type OrderQueryService struct {
	orders repositories.OrderRepository
	logger Logger
}

// NewOrderQueryService constructs the service, validating required collaborators.
func NewOrderQueryService(deps OrderQueryServiceDeps) (*OrderQueryService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order query service requires order repository")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &OrderQueryService{orders: deps.Orders, logger: logger}, nil
}

// GetOrder fetches a single order record by id.
func (s *OrderQueryService) GetOrder(ctx context.Context, orderID string) (domain.OrderRecord, error) {
	if s == nil || s.orders == nil {
		return domain.OrderRecord{}, errors.New("order query service not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.OrderRecord{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.OrderRecord{}, mapOrderRepositoryError(err)
	}
	return order, nil
}

// ListRecentOrders returns up to limit orders, newest first. A non-positive
// limit falls through to the repository default.
func (s *OrderQueryService) ListRecentOrders(ctx context.Context, limit int) ([]domain.OrderRecord, error) {
	if s == nil || s.orders == nil {
		return nil, errors.New("order query service not initialised")
	}

	orders, err := s.orders.ListRecent(ctx, limit)
	if err != nil {
		return nil, mapOrderRepositoryError(err)
	}
	if orders == nil {
		orders = []domain.OrderRecord{}
	}
	return orders, nil
}

func mapOrderRepositoryError(err error) error {
	switch {
	case repositories.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
	case repositories.IsUnavailable(err):
		return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
	default:
		return err
	}
}
