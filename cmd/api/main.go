package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/onlyintx/api/internal/handlers"
	"github.com/onlyintx/api/internal/payments"
	"github.com/onlyintx/api/internal/platform/auth"
	"github.com/onlyintx/api/internal/platform/config"
	pfirestore "github.com/onlyintx/api/internal/platform/firestore"
	"github.com/onlyintx/api/internal/platform/jobs"
	"github.com/onlyintx/api/internal/platform/observability"
	"github.com/onlyintx/api/internal/platform/secrets"
	"github.com/onlyintx/api/internal/printify"
	firestoreRepo "github.com/onlyintx/api/internal/repositories/firestore"
	"github.com/onlyintx/api/internal/services"
)

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	orderRepo, err := firestoreRepo.NewOrderRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}

	printifyClient, err := printify.NewClient(printify.ClientConfig{
		APIToken:       cfg.Printify.APIToken,
		ShopID:         cfg.Printify.ShopID,
		BaseURL:        cfg.Printify.BaseURL,
		HTTPClient:     &http.Client{Timeout: cfg.Printify.Timeout},
		RetryAttempts:  cfg.Fulfillment.RetryAttempts,
		RetryBaseDelay: cfg.Fulfillment.RetryBaseDelay,
		Logger:         zapEventLogger(logger.Named("printify")),
	})
	if err != nil {
		logger.Fatal("failed to initialise printify client", zap.Error(err))
	}

	alertPublisher, closePubSub, err := newAlertPublisher(ctx, logger, cfg)
	if err != nil {
		logger.Warn("alert publisher unavailable; patch failures will only be logged", zap.Error(err))
	}
	if closePubSub != nil {
		defer closePubSub()
	}

	fulfillmentService, err := services.NewFulfillmentService(services.FulfillmentServiceDeps{
		Orders:         orderRepo,
		Fulfillment:    printifyClient,
		Alerts:         alertPublisher,
		Logger:         zapEventLogger(logger.Named("fulfillment")),
		RequireAddress: cfg.Fulfillment.RequireAddress,
		EventTimeout:   cfg.Fulfillment.EventTimeout,
	})
	if err != nil {
		logger.Fatal("failed to initialise fulfillment service", zap.Error(err))
	}

	orderQueries, err := services.NewOrderQueryService(services.OrderQueryServiceDeps{
		Orders: orderRepo,
		Logger: zapEventLogger(logger.Named("orders")),
	})
	if err != nil {
		logger.Fatal("failed to initialise order query service", zap.Error(err))
	}

	webhookVerifier, err := payments.NewStripeWebhookVerifier(cfg.Stripe.WebhookSecret, zapEventLogger(logger.Named("stripe")))
	if err != nil {
		logger.Fatal("failed to initialise stripe webhook verifier", zap.Error(err))
	}

	webhookHandlers, err := handlers.NewWebhookHandlers(webhookVerifier, fulfillmentService)
	if err != nil {
		logger.Fatal("failed to initialise webhook handlers", zap.Error(err))
	}

	if strings.TrimSpace(cfg.Admin.APIToken) == "" {
		logger.Warn("admin api token not configured; order endpoints will reject all requests")
	}
	orderHandlers := handlers.NewOrderHandlers(auth.NewBearerGate(cfg.Admin.APIToken), orderQueries)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithReadinessProbe(firestoreReadiness(firestoreClient)),
	)

	projectID := strings.TrimSpace(cfg.Firestore.ProjectID)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("onlyintx api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// zapEventLogger adapts a zap logger to the event/fields callback the
// services and clients accept.
func zapEventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Info("event", zFields...)
	}
}

func firestoreReadiness(client *firestore.Client) handlers.ReadinessProbe {
	return func(ctx context.Context) error {
		probeCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
		defer cancel()
		iter := client.Collections(probeCtx)
		if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
			return err
		}
		return nil
	}
}

// newAlertPublisher builds the Pub/Sub backed alert publisher. A missing
// project id disables alerting rather than failing startup.
func newAlertPublisher(ctx context.Context, logger *zap.Logger, cfg config.Config) (services.AlertPublisher, func(), error) {
	projectID := strings.TrimSpace(cfg.Alerts.ProjectID)
	if projectID == "" {
		logger.Warn("alerts project id not configured; alert publishing disabled")
		return nil, nil, nil
	}

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	closeClient := func() {
		if err := client.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}

	publisher, err := jobs.NewPubSubAlertPublisher(client.Topic(cfg.Alerts.TopicID))
	if err != nil {
		closeClient()
		return nil, nil, err
	}
	return publisher, closeClient, nil
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projectMap := secretProjectMapFromEnv(env); len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookup("API_GOOGLE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secret-backed config fields that must resolve
// for the service to start. The admin token is optional; the read API simply
// rejects everything without it.
func requiredSecretNames(env map[string]string) []string {
	required := []string{
		"Stripe.APIKey",
		"Stripe.WebhookSecret",
		"Printify.APIToken",
	}
	if env != nil && strings.TrimSpace(env["API_ADMIN_API_TOKEN"]) != "" {
		required = append(required, "Admin.APIToken")
	}
	return required
}

// secretProjectMapFromEnv parses API_SECRET_PROJECT_IDS entries of the form
// "env=projectId" separated by commas.
func secretProjectMapFromEnv(env map[string]string) map[string]string {
	projects := make(map[string]string)
	raw := ""
	if env != nil {
		raw = strings.TrimSpace(env["API_SECRET_PROJECT_IDS"])
	}
	if raw == "" {
		return projects
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		projects[key] = value
	}
	return projects
}
