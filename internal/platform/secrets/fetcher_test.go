package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newTestFetcher(t *testing.T, opts ...Option) *Fetcher {
	t.Helper()
	base := []Option{
		WithEnvironment("test"),
		WithDefaultProject("proj-test"),
		WithFallbackFile(""),
	}
	f, err := NewFetcher(context.Background(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	return f
}

func TestResolveRemoteAndCache(t *testing.T) {
	calls := 0
	f := newTestFetcher(t, WithAccessFunc(func(_ context.Context, name string) (string, error) {
		calls++
		if name != "projects/proj-test/secrets/stripe-webhook/versions/latest" {
			t.Fatalf("unexpected resource name: %s", name)
		}
		return "whsec_123", nil
	}))

	for i := 0; i < 3; i++ {
		value, err := f.Resolve(context.Background(), "secret://stripe-webhook")
		if err != nil {
			t.Fatalf("Resolve returned error: %v", err)
		}
		if value != "whsec_123" {
			t.Fatalf("unexpected value: %s", value)
		}
	}
	if calls != 1 {
		t.Errorf("expected a single remote fetch, got %d", calls)
	}

	f.Invalidate("secret://stripe-webhook")
	if _, err := f.Resolve(context.Background(), "secret://stripe-webhook"); err != nil {
		t.Fatalf("Resolve after invalidate returned error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected refetch after invalidate, got %d calls", calls)
	}
}

func TestResolveVersionAndProjectOverride(t *testing.T) {
	f := newTestFetcher(t, WithAccessFunc(func(_ context.Context, name string) (string, error) {
		if name != "projects/other-proj/secrets/printify-token/versions/7" {
			t.Fatalf("unexpected resource name: %s", name)
		}
		return "token", nil
	}))

	value, err := f.Resolve(context.Background(), "secret://printify-token?version=7&project=other-proj")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if value != "token" {
		t.Errorf("unexpected value: %s", value)
	}
}

func TestResolveFallsBackOnPermissionDenied(t *testing.T) {
	dir := t.TempDir()
	fallback := filepath.Join(dir, ".secrets.local")
	contents := "secret://stripe-webhook=local-secret\n# comment\nsm://printify-token=local-token\n"
	if err := os.WriteFile(fallback, []byte(contents), 0o600); err != nil {
		t.Fatalf("write fallback file: %v", err)
	}

	f := newTestFetcher(t,
		WithFallbackFile(fallback),
		WithAccessFunc(func(_ context.Context, _ string) (string, error) {
			return "", status.Error(codes.PermissionDenied, "denied")
		}),
	)

	value, err := f.Resolve(context.Background(), "secret://stripe-webhook")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if value != "local-secret" {
		t.Errorf("unexpected fallback value: %s", value)
	}

	value, err = f.Resolve(context.Background(), "secret://printify-token")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if value != "local-token" {
		t.Errorf("expected sm:// fallback key normalised, got %s", value)
	}
}

func TestResolveSurfacesNonFallbackErrors(t *testing.T) {
	f := newTestFetcher(t, WithAccessFunc(func(_ context.Context, _ string) (string, error) {
		return "", status.Error(codes.InvalidArgument, "bad request")
	}))

	_, err := f.Resolve(context.Background(), "secret://stripe-webhook")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "fetch failed") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestResolveRejectsBadReferences(t *testing.T) {
	f := newTestFetcher(t, WithAccessFunc(func(_ context.Context, _ string) (string, error) {
		return "", errors.New("should not be called")
	}))

	for _, ref := range []string{"", "http://nope", "secret://"} {
		if _, err := f.Resolve(context.Background(), ref); err == nil {
			t.Errorf("expected error for reference %q", ref)
		}
	}
}

func TestEnvironmentProjectMapping(t *testing.T) {
	f := newTestFetcher(t,
		WithProjectMap(map[string]string{"test": "proj-mapped"}),
		WithAccessFunc(func(_ context.Context, name string) (string, error) {
			if !strings.HasPrefix(name, "projects/proj-mapped/") {
				t.Fatalf("expected mapped project, got %s", name)
			}
			return "value", nil
		}),
	)

	if _, err := f.Resolve(context.Background(), "secret://anything"); err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
}
