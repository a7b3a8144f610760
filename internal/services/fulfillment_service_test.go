package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/onlyintx/api/internal/domain"
	"github.com/onlyintx/api/internal/printify"
	"github.com/onlyintx/api/internal/repositories"
)

type stubRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *stubRepoError) Error() string       { return "stub repository error" }
func (e *stubRepoError) IsNotFound() bool    { return e.notFound }
func (e *stubRepoError) IsConflict() bool    { return e.conflict }
func (e *stubRepoError) IsUnavailable() bool { return e.unavailable }

type stubOrderRepository struct {
	mu      sync.Mutex
	orders  map[string]domain.OrderRecord
	byRef   map[string]string
	patches map[string]repositories.OrderPatch

	insertErr  error
	patchErr   error
	findMisses int
}

func newStubOrderRepository() *stubOrderRepository {
	return &stubOrderRepository{
		orders:  make(map[string]domain.OrderRecord),
		byRef:   make(map[string]string),
		patches: make(map[string]repositories.OrderPatch),
	}
}

func (r *stubOrderRepository) Insert(_ context.Context, order domain.OrderRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	if _, exists := r.byRef[order.PaymentReference]; exists {
		return &stubRepoError{conflict: true}
	}
	r.orders[order.ID] = order
	r.byRef[order.PaymentReference] = order.ID
	return nil
}

func (r *stubOrderRepository) Patch(_ context.Context, orderID string, patch repositories.OrderPatch) (domain.OrderRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.patchErr != nil {
		return domain.OrderRecord{}, r.patchErr
	}
	order, ok := r.orders[orderID]
	if !ok {
		return domain.OrderRecord{}, &stubRepoError{notFound: true}
	}
	if patch.Status != nil {
		order.Status = *patch.Status
	}
	if patch.FulfillmentReferences != nil {
		order.FulfillmentReferences = patch.FulfillmentReferences
	}
	if patch.ItemOutcomes != nil {
		order.ItemOutcomes = patch.ItemOutcomes
	}
	if !patch.UpdatedAt.IsZero() {
		order.UpdatedAt = patch.UpdatedAt
	}
	r.orders[orderID] = order
	r.patches[orderID] = patch
	return order, nil
}

func (r *stubOrderRepository) FindByID(_ context.Context, orderID string) (domain.OrderRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.OrderRecord{}, &stubRepoError{notFound: true}
	}
	return order, nil
}

func (r *stubOrderRepository) FindByPaymentReference(_ context.Context, ref string) (domain.OrderRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findMisses > 0 {
		r.findMisses--
		return domain.OrderRecord{}, &stubRepoError{notFound: true}
	}
	id, ok := r.byRef[ref]
	if !ok {
		return domain.OrderRecord{}, &stubRepoError{notFound: true}
	}
	return r.orders[id], nil
}

func (r *stubOrderRepository) ListRecent(_ context.Context, limit int) ([]domain.OrderRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	orders := make([]domain.OrderRecord, 0, len(r.orders))
	for _, order := range r.orders {
		orders = append(orders, order)
	}
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

type stubFulfillmentClient struct {
	mu         sync.Mutex
	products   map[string]domain.CatalogProduct
	productErr map[string]error
	orderErr   map[string]error
	created    []printify.OrderRequest
	nextRef    int
}

func newStubFulfillmentClient() *stubFulfillmentClient {
	return &stubFulfillmentClient{
		products:   make(map[string]domain.CatalogProduct),
		productErr: make(map[string]error),
		orderErr:   make(map[string]error),
	}
}

func (c *stubFulfillmentClient) GetProduct(_ context.Context, productID string) (domain.CatalogProduct, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.productErr[productID]; ok {
		return domain.CatalogProduct{}, err
	}
	product, ok := c.products[productID]
	if !ok {
		return domain.CatalogProduct{}, printify.ErrNotFound
	}
	return product, nil
}

func (c *stubFulfillmentClient) CreateOrder(_ context.Context, req printify.OrderRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(req.LineItems) == 1 {
		if err, ok := c.orderErr[req.LineItems[0].ProductID]; ok {
			return "", err
		}
	}
	c.created = append(c.created, req)
	c.nextRef++
	return fmt.Sprintf("F%d", c.nextRef), nil
}

type stubAlertPublisher struct {
	mu     sync.Mutex
	alerts []FulfillmentAlert
	err    error
}

func (p *stubAlertPublisher) PublishFulfillmentAlert(_ context.Context, alert FulfillmentAlert) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.alerts = append(p.alerts, alert)
	return fmt.Sprintf("msg-%d", len(p.alerts)), nil
}

type logRecorder struct {
	mu     sync.Mutex
	events []string
}

func (l *logRecorder) log(_ context.Context, event string, _ map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *logRecorder) has(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == event {
			return true
		}
	}
	return false
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func seqIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

func twoItemEvent() domain.PaymentEvent {
	return domain.PaymentEvent{
		PaymentReference: "pi_100",
		AmountMinorUnits: 5100,
		Currency:         "usd",
		Customer:         domain.Customer{Email: "buyer@example.com", Name: "Ada Lovelace"},
		LineItems: []domain.LineItem{
			{ProductID: "prod-1", VariantID: 101, Quantity: 1, UnitPriceMinorUnit: 2500},
			{ProductID: "prod-2", Size: "M", Color: "Heather Navy", Quantity: 1, UnitPriceMinorUnit: 2600},
		},
	}
}

func newTestService(t *testing.T, repo *stubOrderRepository, client *stubFulfillmentClient, mutate func(*FulfillmentServiceDeps)) *FulfillmentService {
	t.Helper()
	deps := FulfillmentServiceDeps{
		Orders:      repo,
		Fulfillment: client,
		Clock:       fixedClock(time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)),
		IDGenerator: seqIDs("ord_"),
	}
	if mutate != nil {
		mutate(&deps)
	}
	svc, err := NewFulfillmentService(deps)
	if err != nil {
		t.Fatalf("NewFulfillmentService: %v", err)
	}
	return svc
}

func seedCatalog(client *stubFulfillmentClient) {
	client.products["prod-1"] = domain.CatalogProduct{
		ID: "prod-1",
		Variants: []domain.CatalogVariant{
			{ID: 101, Title: "Solid Black / S", PriceCent: 2500, Enabled: true},
		},
	}
	client.products["prod-2"] = domain.CatalogProduct{
		ID: "prod-2",
		Variants: []domain.CatalogVariant{
			{ID: 202, Title: "Heather Navy / M", PriceCent: 2600, Enabled: true},
		},
	}
}

func TestProcessPaymentEventFulfillsAllItems(t *testing.T) {
	repo := newStubOrderRepository()
	client := newStubFulfillmentClient()
	seedCatalog(client)
	svc := newTestService(t, repo, client, nil)

	result, err := svc.ProcessPaymentEvent(context.Background(), twoItemEvent())
	if err != nil {
		t.Fatalf("ProcessPaymentEvent: %v", err)
	}
	if result.Duplicate {
		t.Fatal("unexpected duplicate")
	}
	if result.Order.Status != domain.OrderStatusFulfilled {
		t.Fatalf("expected fulfilled, got %s", result.Order.Status)
	}
	if len(result.Order.FulfillmentReferences) != 2 {
		t.Fatalf("expected 2 references, got %v", result.Order.FulfillmentReferences)
	}
	if len(result.Order.ItemOutcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(result.Order.ItemOutcomes))
	}
	for _, outcome := range result.Order.ItemOutcomes {
		if !outcome.Succeeded() {
			t.Errorf("expected success, got %+v", outcome)
		}
	}

	if len(client.created) != 2 {
		t.Fatalf("expected 2 upstream orders, got %d", len(client.created))
	}
	first := client.created[0]
	if first.Label != "OnlyInTX Order ord_1" {
		t.Errorf("unexpected label: %s", first.Label)
	}
	if first.ExternalID != "ord_1-1" || client.created[1].ExternalID != "ord_1-2" {
		t.Errorf("unexpected external ids: %s, %s", first.ExternalID, client.created[1].ExternalID)
	}
	if first.ShippingMethod != 1 || !first.SendShippingNotification {
		t.Errorf("unexpected shipping settings: %+v", first)
	}
	// No address on the event: the placeholder block is substituted.
	if first.AddressTo.City != "Austin" || first.AddressTo.Region != "TX" || first.AddressTo.ZIP != "78701" {
		t.Errorf("expected default address, got %+v", first.AddressTo)
	}
	if first.AddressTo.FirstName != "Ada" || first.AddressTo.LastName != "Lovelace" || first.AddressTo.Email != "buyer@example.com" {
		t.Errorf("expected customer on address block, got %+v", first.AddressTo)
	}
	// Legacy size path resolved prod-2 to its variant id.
	if client.created[1].LineItems[0].VariantID != 202 {
		t.Errorf("unexpected resolved variant: %+v", client.created[1].LineItems[0])
	}
}

func TestProcessPaymentEventDuplicateShortCircuits(t *testing.T) {
	repo := newStubOrderRepository()
	client := newStubFulfillmentClient()
	seedCatalog(client)

	existing := domain.OrderRecord{
		ID:               "ord_existing",
		PaymentReference: "pi_100",
		Status:           domain.OrderStatusFulfilled,
	}
	repo.orders[existing.ID] = existing
	repo.byRef[existing.PaymentReference] = existing.ID

	svc := newTestService(t, repo, client, nil)
	result, err := svc.ProcessPaymentEvent(context.Background(), twoItemEvent())
	if err != nil {
		t.Fatalf("ProcessPaymentEvent: %v", err)
	}
	if !result.Duplicate || result.Order.ID != "ord_existing" {
		t.Fatalf("expected duplicate of ord_existing, got %+v", result)
	}
	if len(client.created) != 0 {
		t.Fatalf("duplicate must not reach upstream, got %d orders", len(client.created))
	}
}

func TestProcessPaymentEventInsertConflictIsDuplicate(t *testing.T) {
	repo := newStubOrderRepository()
	client := newStubFulfillmentClient()
	seedCatalog(client)

	svc := newTestService(t, repo, client, nil)

	// Simulate a concurrent delivery committing between the lookup and the
	// insert: the first lookup misses, the insert conflicts, the post-conflict
	// lookup finds the winner.
	repo.insertErr = &stubRepoError{conflict: true}
	repo.findMisses = 1
	winner := domain.OrderRecord{ID: "ord_winner", PaymentReference: "pi_100", Status: domain.OrderStatusProcessing}
	repo.orders[winner.ID] = winner
	repo.byRef[winner.PaymentReference] = winner.ID

	result, err := svc.ProcessPaymentEvent(context.Background(), twoItemEvent())
	if err != nil {
		t.Fatalf("ProcessPaymentEvent: %v", err)
	}
	if !result.Duplicate || result.Order.ID != "ord_winner" {
		t.Fatalf("expected duplicate of ord_winner, got %+v", result)
	}
	if len(client.created) != 0 {
		t.Fatalf("duplicate must not reach upstream, got %d orders", len(client.created))
	}
}

func TestProcessPaymentEventPartialFailure(t *testing.T) {
	repo := newStubOrderRepository()
	client := newStubFulfillmentClient()
	seedCatalog(client)
	client.orderErr["prod-2"] = &printify.RejectedError{StatusCode: 422, Reason: "variant is out of stock"}

	svc := newTestService(t, repo, client, nil)
	result, err := svc.ProcessPaymentEvent(context.Background(), twoItemEvent())
	if err != nil {
		t.Fatalf("ProcessPaymentEvent: %v", err)
	}
	if result.Order.Status != domain.OrderStatusPartial {
		t.Fatalf("expected partial, got %s", result.Order.Status)
	}
	if len(result.Order.FulfillmentReferences) != 1 {
		t.Fatalf("expected 1 reference, got %v", result.Order.FulfillmentReferences)
	}
	outcomes := result.Order.ItemOutcomes
	if len(outcomes) != 2 || !outcomes[0].Succeeded() || outcomes[1].Succeeded() {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}
	if !strings.Contains(outcomes[1].Reason, "variant is out of stock") {
		t.Errorf("expected rejection reason, got %q", outcomes[1].Reason)
	}
}

func TestProcessPaymentEventAllItemsFail(t *testing.T) {
	repo := newStubOrderRepository()
	client := newStubFulfillmentClient()
	// No products seeded: every lookup returns ErrNotFound.

	svc := newTestService(t, repo, client, nil)
	result, err := svc.ProcessPaymentEvent(context.Background(), twoItemEvent())
	if err != nil {
		t.Fatalf("ProcessPaymentEvent: %v", err)
	}
	if result.Order.Status != domain.OrderStatusFailed {
		t.Fatalf("expected failed, got %s", result.Order.Status)
	}
	for _, outcome := range result.Order.ItemOutcomes {
		if outcome.Reason != "product not found upstream" {
			t.Errorf("unexpected reason: %q", outcome.Reason)
		}
	}
	// The order record survives even when nothing could be submitted.
	stored, err := repo.FindByPaymentReference(context.Background(), "pi_100")
	if err != nil {
		t.Fatalf("stored order missing: %v", err)
	}
	if stored.Status != domain.OrderStatusFailed {
		t.Fatalf("expected stored failed order, got %s", stored.Status)
	}
}

func TestProcessPaymentEventVariantResolutionFailure(t *testing.T) {
	repo := newStubOrderRepository()
	client := newStubFulfillmentClient()
	seedCatalog(client)

	event := twoItemEvent()
	event.LineItems[1].Size = "4XL"

	svc := newTestService(t, repo, client, nil)
	result, err := svc.ProcessPaymentEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("ProcessPaymentEvent: %v", err)
	}
	if result.Order.Status != domain.OrderStatusPartial {
		t.Fatalf("expected partial, got %s", result.Order.Status)
	}
	if !strings.Contains(result.Order.ItemOutcomes[1].Reason, "no enabled variant matches") {
		t.Errorf("expected resolution failure reason, got %q", result.Order.ItemOutcomes[1].Reason)
	}
}

func TestProcessPaymentEventPatchFailurePublishesAlert(t *testing.T) {
	repo := newStubOrderRepository()
	client := newStubFulfillmentClient()
	seedCatalog(client)
	repo.patchErr = &stubRepoError{unavailable: true}
	alerts := &stubAlertPublisher{}
	logs := &logRecorder{}

	svc := newTestService(t, repo, client, func(deps *FulfillmentServiceDeps) {
		deps.Alerts = alerts
		deps.Logger = logs.log
	})

	result, err := svc.ProcessPaymentEvent(context.Background(), twoItemEvent())
	if err != nil {
		t.Fatalf("patch failure must not fail the event: %v", err)
	}
	if result.Order.Status != domain.OrderStatusFulfilled {
		t.Fatalf("expected locally computed status, got %s", result.Order.Status)
	}
	if len(alerts.alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts.alerts))
	}
	alert := alerts.alerts[0]
	if alert.Kind != "order_patch_failed" || alert.OrderID != "ord_1" || alert.PaymentReference != "pi_100" {
		t.Fatalf("unexpected alert: %+v", alert)
	}
	if alert.Status != string(domain.OrderStatusFulfilled) {
		t.Errorf("unexpected alert status: %s", alert.Status)
	}
	if !logs.has("fulfillment.patch.failed") {
		t.Error("expected patch failure to be logged")
	}
}

func TestProcessPaymentEventRequireAddress(t *testing.T) {
	repo := newStubOrderRepository()
	client := newStubFulfillmentClient()
	seedCatalog(client)

	svc := newTestService(t, repo, client, func(deps *FulfillmentServiceDeps) {
		deps.RequireAddress = true
	})

	result, err := svc.ProcessPaymentEvent(context.Background(), twoItemEvent())
	if err != nil {
		t.Fatalf("ProcessPaymentEvent: %v", err)
	}
	if result.Order.Status != domain.OrderStatusFailed {
		t.Fatalf("expected failed, got %s", result.Order.Status)
	}
	for _, outcome := range result.Order.ItemOutcomes {
		if outcome.Reason != "shipping address incomplete" {
			t.Errorf("unexpected reason: %q", outcome.Reason)
		}
	}
	if len(client.created) != 0 {
		t.Fatalf("no upstream orders expected, got %d", len(client.created))
	}
}

func TestProcessPaymentEventUsesSuppliedAddress(t *testing.T) {
	repo := newStubOrderRepository()
	client := newStubFulfillmentClient()
	seedCatalog(client)

	event := twoItemEvent()
	event.ShippingAddress = domain.ShippingAddress{
		Line1:  "500 Congress Ave",
		City:   "Dallas",
		Region: "TX",
		ZIP:    "75201",
		Phone:  "+15125550100",
	}

	svc := newTestService(t, repo, client, nil)
	if _, err := svc.ProcessPaymentEvent(context.Background(), event); err != nil {
		t.Fatalf("ProcessPaymentEvent: %v", err)
	}
	addr := client.created[0].AddressTo
	if addr.City != "Dallas" || addr.Address1 != "500 Congress Ave" {
		t.Fatalf("expected supplied address, got %+v", addr)
	}
	if addr.Country != "US" {
		t.Errorf("expected country default, got %q", addr.Country)
	}
	if addr.Phone != "+15125550100" {
		t.Errorf("expected phone carried over, got %q", addr.Phone)
	}
}

func TestProcessPaymentEventDeadlineMarksItemsFailed(t *testing.T) {
	repo := newStubOrderRepository()
	client := newStubFulfillmentClient()
	seedCatalog(client)

	svc := newTestService(t, repo, client, func(deps *FulfillmentServiceDeps) {
		deps.EventTimeout = time.Nanosecond
	})

	result, err := svc.ProcessPaymentEvent(context.Background(), twoItemEvent())
	if err != nil {
		t.Fatalf("ProcessPaymentEvent: %v", err)
	}
	if result.Order.Status != domain.OrderStatusFailed {
		t.Fatalf("expected failed, got %s", result.Order.Status)
	}
	for _, outcome := range result.Order.ItemOutcomes {
		if outcome.Reason != "not attempted before event deadline" {
			t.Errorf("unexpected reason: %q", outcome.Reason)
		}
	}
}

func TestProcessPaymentEventValidation(t *testing.T) {
	repo := newStubOrderRepository()
	client := newStubFulfillmentClient()
	svc := newTestService(t, repo, client, nil)

	cases := []domain.PaymentEvent{
		{},
		{PaymentReference: "pi_1"},
		{PaymentReference: "pi_1", LineItems: []domain.LineItem{{Quantity: 1}}},
	}
	for i, event := range cases {
		if _, err := svc.ProcessPaymentEvent(context.Background(), event); !errors.Is(err, ErrFulfillmentInvalidInput) {
			t.Errorf("case %d: expected invalid input, got %v", i, err)
		}
	}
}

func TestProcessPaymentEventAmountMismatchIsLogged(t *testing.T) {
	repo := newStubOrderRepository()
	client := newStubFulfillmentClient()
	seedCatalog(client)
	logs := &logRecorder{}

	event := twoItemEvent()
	event.AmountMinorUnits = 9999

	svc := newTestService(t, repo, client, func(deps *FulfillmentServiceDeps) {
		deps.Logger = logs.log
	})
	result, err := svc.ProcessPaymentEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("ProcessPaymentEvent: %v", err)
	}
	if !logs.has("fulfillment.amount.mismatch") {
		t.Error("expected amount mismatch log event")
	}
	// The captured amount is stored as received.
	if result.Order.TotalMinorUnits != 9999 {
		t.Errorf("expected captured amount stored, got %d", result.Order.TotalMinorUnits)
	}
}

func TestNewFulfillmentServiceValidatesDeps(t *testing.T) {
	if _, err := NewFulfillmentService(FulfillmentServiceDeps{Fulfillment: newStubFulfillmentClient()}); err == nil {
		t.Error("expected error without order repository")
	}
	if _, err := NewFulfillmentService(FulfillmentServiceDeps{Orders: newStubOrderRepository()}); err == nil {
		t.Error("expected error without fulfillment client")
	}
}
