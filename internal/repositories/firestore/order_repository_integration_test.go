//go:build integration

package firestore

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/onlyintx/api/internal/domain"
	pconfig "github.com/onlyintx/api/internal/platform/config"
	pfirestore "github.com/onlyintx/api/internal/platform/firestore"
	"github.com/onlyintx/api/internal/repositories"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Fatalf("docker daemon not available: %v", err)
	}
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}

func testOrder(id, paymentRef string, createdAt time.Time) domain.OrderRecord {
	return domain.OrderRecord{
		ID:               id,
		PaymentReference: paymentRef,
		Customer:         domain.Customer{Email: "buyer@example.com", Name: "Test Buyer"},
		LineItems: []domain.LineItem{
			{ProductID: "prod-1", VariantID: 101, Quantity: 1, UnitPriceMinorUnit: 2500},
		},
		TotalMinorUnits:       2500,
		Currency:              "usd",
		Status:                domain.OrderStatusPaid,
		FulfillmentReferences: []string{},
		CreatedAt:             createdAt,
		UpdatedAt:             createdAt,
	}
}

func TestOrderRepositoryIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}

	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })

	waitForEndpoint(t, endpoint, 30*time.Second)

	cfg := pconfig.FirestoreConfig{
		ProjectID:    "orders-test",
		EmulatorHost: endpoint,
	}

	provider := pfirestore.NewProvider(cfg)
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	repo, err := NewOrderRepository(provider)
	if err != nil {
		t.Fatalf("new order repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	if err := repo.Insert(ctx, testOrder("ord_a", "pi_a", base)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Second insert with the same payment reference must observe the first.
	err = repo.Insert(ctx, testOrder("ord_b", "pi_a", base.Add(time.Second)))
	if !repositories.IsConflict(err) {
		t.Fatalf("expected conflict for duplicate payment reference, got %v", err)
	}

	// Concurrent inserts racing on one payment reference: exactly one wins.
	const racers = 8
	var wg sync.WaitGroup
	wg.Add(racers)
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		go func(idx int) {
			defer wg.Done()
			order := testOrder(fmt.Sprintf("ord_race_%d", idx), "pi_race", base.Add(time.Minute))
			errs[idx] = repo.Insert(ctx, order)
		}(i)
	}
	wg.Wait()

	winners := 0
	for idx, err := range errs {
		if err == nil {
			winners++
			continue
		}
		if !repositories.IsConflict(err) {
			t.Fatalf("racer %d: expected nil or conflict, got %v", idx, err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one racing insert to commit, got %d", winners)
	}

	found, err := repo.FindByPaymentReference(ctx, "pi_a")
	if err != nil {
		t.Fatalf("find by payment reference: %v", err)
	}
	if found.ID != "ord_a" {
		t.Fatalf("expected ord_a, got %s", found.ID)
	}

	if _, err := repo.FindByPaymentReference(ctx, "pi_missing"); !repositories.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	// Patch to a terminal status with references.
	statusPartial := domain.OrderStatusPartial
	patched, err := repo.Patch(ctx, "ord_a", repositories.OrderPatch{
		Status:                &statusPartial,
		FulfillmentReferences: []string{"F1"},
		ItemOutcomes: []domain.LineItemOutcome{
			{ProductID: "prod-1", VariantID: 101, Reference: "F1"},
		},
		UpdatedAt: base.Add(2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if patched.Status != domain.OrderStatusPartial || len(patched.FulfillmentReferences) != 1 {
		t.Fatalf("unexpected patched order: %+v", patched)
	}

	// Backward transition is rejected.
	statusPaid := domain.OrderStatusPaid
	if _, err := repo.Patch(ctx, "ord_a", repositories.OrderPatch{Status: &statusPaid}); !repositories.IsConflict(err) {
		t.Fatalf("expected conflict for backward transition, got %v", err)
	}

	// References cannot shrink.
	if _, err := repo.Patch(ctx, "ord_a", repositories.OrderPatch{FulfillmentReferences: []string{}}); !repositories.IsConflict(err) {
		t.Fatalf("expected conflict for shrinking references, got %v", err)
	}

	if _, err := repo.Patch(ctx, "ord_missing", repositories.OrderPatch{UpdatedAt: base}); !repositories.IsNotFound(err) {
		t.Fatalf("expected not found for missing order, got %v", err)
	}

	// Newest first ordering.
	if err := repo.Insert(ctx, testOrder("ord_newer", "pi_newer", base.Add(time.Hour))); err != nil {
		t.Fatalf("insert newer: %v", err)
	}
	recent, err := repo.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) < 2 {
		t.Fatalf("expected at least two orders, got %d", len(recent))
	}
	if recent[0].ID != "ord_newer" {
		ids := make([]string, 0, len(recent))
		for _, o := range recent {
			ids = append(ids, o.ID)
		}
		t.Fatalf("expected ord_newer first, got %s", strings.Join(ids, ","))
	}
}
