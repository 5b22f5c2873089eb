package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/oklog/ulid/v2"
	"github.com/stripe/stripe-go/v78"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/catalog"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/fulfillment"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/handlers"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/ledger"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/notify"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/payments"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/auth"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/config"
	pfirestore "github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/firestore"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/jobs"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/observability"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/secrets"
	platformstorage "github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/storage"
	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/services"
)

const instrumentationName = "github.com/Lyrion1/lyrion-co-uk-sub000/cmd/api"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

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

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	meter := otel.Meter(instrumentationName)
	outboundClient := func(timeout time.Duration) *http.Client {
		return &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:        cfg.PSP.StripeAPIKey,
		WebhookSecret: cfg.PSP.StripeWebhookSecret,
		AccountID:     cfg.PSP.StripeAccountID,
		Backends: stripe.NewBackendsWithConfig(&stripe.BackendConfig{
			HTTPClient: outboundClient(cfg.Providers.Timeout),
		}),
		Logger:           observability.EventLogger(logger.Named("stripe")),
		WebhookTolerance: cfg.PSP.WebhookTolerance,
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe provider", zap.Error(err))
	}

	catalogClient, err := catalog.NewClient(catalog.Config{
		URL:     cfg.Catalog.SnapshotURL,
		Token:   cfg.Catalog.Token,
		Timeout: cfg.Catalog.Timeout,
		Logger:  observability.EventLogger(logger.Named("catalog")),
	})
	if err != nil {
		logger.Fatal("failed to initialise catalog client", zap.Error(err))
	}

	notifier := notify.New(notify.Config{
		Sender:        newNotificationSender(logger, cfg.Notifications),
		OpsRecipients: cfg.Notifications.OpsRecipients,
		Locale:        cfg.Notifications.Locale,
		Logger:        logger,
	})

	printFiles, err := newPrintFileResolver(cfg.Storage)
	if err != nil {
		logger.Fatal("failed to initialise print file signer", zap.Error(err))
	}

	registry, err := newAdapterRegistry(cfg.Providers, printFiles, notifier, outboundClient(cfg.Providers.Timeout))
	if err != nil {
		logger.Fatal("failed to initialise fulfillment adapters", zap.Error(err))
	}
	registered := make([]string, 0, len(registry.Providers()))
	for _, id := range registry.Providers() {
		registered = append(registered, string(id))
	}
	logger.Info("fulfillment adapters registered", zap.Strings("providers", registered))

	var (
		store            ledger.Store
		readinessChecks  []services.DependencyCheck
		firestoreCleanup func()
	)
	switch cfg.Ledger.Backend {
	case config.LedgerBackendFirestore:
		provider := pfirestore.NewProvider(cfg.Ledger)
		firestoreStore, err := ledger.NewFirestoreStore(provider,
			ledger.WithCollection(cfg.Ledger.Collection),
			ledger.WithRetention(cfg.Ledger.Retention),
		)
		if err != nil {
			logger.Fatal("failed to initialise firestore ledger", zap.Error(err))
		}
		store = firestoreStore
		readinessChecks = append(readinessChecks, services.DependencyCheck{
			Name:  "ledger",
			Check: func(ctx context.Context) error {
				return provider.Ping(ctx, cfg.Ledger.Collection)
			},
		})
		firestoreCleanup = func() {
			if err := provider.Close(); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		}
	default:
		store = ledger.NewMemoryStore(cfg.Ledger.Retention)
		logger.Warn("ledger: using in-memory store; idempotency state is lost on restart")
	}
	if firestoreCleanup != nil {
		defer firestoreCleanup()
	}

	readinessChecks = append(readinessChecks, services.DependencyCheck{
		Name: "catalog",
		Check: func(ctx context.Context) error {
			_, err := catalogClient.Fetch(ctx)
			return err
		},
	})

	publisher, closePublisher := newOutcomePublisher(ctx, logger, cfg.Jobs)
	if closePublisher != nil {
		defer closePublisher()
	}

	dispatcher, err := services.NewDispatcher(services.DispatcherDeps{
		Adapters:    registry,
		Notifier:    notifier,
		Ledger:      store,
		Publisher:   publisher,
		Concurrency: cfg.Fulfillment.Concurrency,
		CallTimeout: cfg.Fulfillment.CallTimeout,
		Meter:       meter,
		Logger:      observability.EventLogger(logger.Named("dispatch")),
	})
	if err != nil {
		logger.Fatal("failed to initialise dispatcher", zap.Error(err))
	}

	fulfillmentService, err := services.NewFulfillmentService(services.FulfillmentServiceDeps{
		Sessions:   stripeProvider,
		Catalog:    catalogClient,
		Ledger:     store,
		Dispatcher: dispatcher,
		Lease:      cfg.Fulfillment.Lease,
		IDGen:      func() string { return ulid.Make().String() },
		Logger:     observability.EventLogger(logger.Named("fulfillment")),
	})
	if err != nil {
		logger.Fatal("failed to initialise fulfillment service", zap.Error(err))
	}

	webhookService, err := services.NewWebhookService(services.WebhookServiceDeps{
		Verifier:    stripeProvider,
		Fulfillment: fulfillmentService,
		Logger:      observability.EventLogger(logger.Named("webhook")),
	})
	if err != nil {
		logger.Fatal("failed to initialise webhook service", zap.Error(err))
	}

	checkoutService, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Payments: stripeProvider,
		Settings: services.CheckoutSettings{
			DefaultCurrency:       cfg.Checkout.DefaultCurrency,
			FreeShippingThreshold: cfg.Checkout.FreeShippingThreshold,
			FlatShippingRate:      cfg.Checkout.FlatShippingRate,
			AllowedCountries:      cfg.Checkout.AllowedCountries,
			SuccessURL:            cfg.Checkout.SuccessURL,
			CancelURL:             cfg.Checkout.CancelURL,
			MaxLines:              cfg.Checkout.MaxLines,
		},
		Logger: observability.EventLogger(logger.Named("checkout")),
		Nonce:  func() string { return ulid.Make().String() },
	})
	if err != nil {
		logger.Fatal("failed to initialise checkout service", zap.Error(err))
	}

	readinessService, err := services.NewReadinessService(readinessChecks, time.Now)
	if err != nil {
		logger.Fatal("failed to initialise readiness service", zap.Error(err))
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	if cfg.Ledger.CleanupInterval > 0 {
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			runLedgerCleanup(cleanupCtx, logger.Named("ledger"), store, cfg.Ledger)
		}()
	}

	checkoutHandlers := handlers.NewCheckoutHandlers(checkoutService,
		handlers.WithCheckoutRateLimit(cfg.RateLimits.CheckoutPerMinute, cfg.RateLimits.CheckoutBurst),
	)
	webhookHandlers := handlers.NewPaymentWebhookHandlers(webhookService)
	replayHandlers := handlers.NewFulfillmentReplayHandlers(fulfillmentService)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthReadiness(readinessService),
	)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithWebhookMiddlewares(handlers.WebhookRateLimit(cfg.RateLimits.WebhookBurst)),
	}
	if hmacMiddleware := buildHMACMiddleware(logger.Named("auth"), cfg); hmacMiddleware != nil {
		opts = append(opts,
			handlers.WithInternalRoutes(replayHandlers.Routes),
			handlers.WithInternalMiddlewares(hmacMiddleware),
		)
	} else {
		logger.Warn("auth: no HMAC secrets configured; internal replay route disabled")
	}

	router := handlers.NewRouter(opts...)
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
		serverLogger.Info("fulfillment api listening",
			zap.String("version", buildInfo.Version),
			zap.String("ledger", cfg.Ledger.Backend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newNotificationSender(logger *zap.Logger, cfg config.NotificationConfig) notify.Sender {
	if strings.TrimSpace(cfg.SendGridAPIKey) == "" {
		logger.Warn("notify: sendgrid not configured; notices will only be logged")
		return notify.NewLogSender(logger.Named("notify"))
	}
	sender, err := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:   cfg.SendGridAPIKey,
		From:     cfg.From,
		FromName: cfg.FromName,
		Host:     cfg.SendGridHost,
	})
	if err != nil {
		logger.Warn("notify: sendgrid sender rejected; falling back to log sender", zap.Error(err))
		return notify.NewLogSender(logger.Named("notify"))
	}
	return sender
}

func newPrintFileResolver(cfg config.StorageConfig) (fulfillment.PrintFileResolver, error) {
	if strings.TrimSpace(cfg.PrintFilesBucket) == "" {
		return fulfillment.DirectPrintFiles{}, nil
	}
	signer, err := platformstorage.LoadSigner(cfg.CredentialsJSON, cfg.CredentialsFile)
	if err != nil {
		return nil, err
	}
	return platformstorage.NewPrintFiles(cfg.PrintFilesBucket, signer, platformstorage.WithExpiry(cfg.SignedURLExpiry))
}

func newAdapterRegistry(cfg config.ProvidersConfig, files fulfillment.PrintFileResolver, notifier fulfillment.Notifier, client *http.Client) (*fulfillment.Registry, error) {
	digital, err := fulfillment.NewDigitalAdapter(notifier)
	if err != nil {
		return nil, err
	}
	manual, err := fulfillment.NewManualAdapter(notifier)
	if err != nil {
		return nil, err
	}
	adapters := []fulfillment.Adapter{digital, manual}

	httpConfig := func(endpoint config.ProviderEndpoint) fulfillment.HTTPConfig {
		return fulfillment.HTTPConfig{
			BaseURL:    endpoint.BaseURL,
			Credential: endpoint.Credential,
			Timeout:    cfg.Timeout,
			HTTPClient: client,
		}
	}
	builders := []struct {
		endpoint config.ProviderEndpoint
		build    func(fulfillment.HTTPConfig) (*fulfillment.HTTPAdapter, error)
	}{
		{cfg.Printful, func(c fulfillment.HTTPConfig) (*fulfillment.HTTPAdapter, error) {
			return fulfillment.NewPrintfulAdapter(c, files)
		}},
		{cfg.Printify, func(c fulfillment.HTTPConfig) (*fulfillment.HTTPAdapter, error) {
			return fulfillment.NewPrintifyAdapter(c, cfg.Printify.ShopID)
		}},
		{cfg.Gelato, func(c fulfillment.HTTPConfig) (*fulfillment.HTTPAdapter, error) {
			return fulfillment.NewGelatoAdapter(c, files)
		}},
		{cfg.Prodigi, func(c fulfillment.HTTPConfig) (*fulfillment.HTTPAdapter, error) {
			return fulfillment.NewProdigiAdapter(c, files)
		}},
		{cfg.Ticketing, fulfillment.NewTicketingAdapter},
	}
	for _, b := range builders {
		if !b.endpoint.Enabled() {
			continue
		}
		adapter, err := b.build(httpConfig(b.endpoint))
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}
	return fulfillment.NewRegistry(adapters...)
}

func newOutcomePublisher(ctx context.Context, logger *zap.Logger, cfg config.JobsConfig) (services.OutcomePublisher, func()) {
	topicName := strings.TrimSpace(cfg.OutcomeTopic)
	if topicName == "" {
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Warn("jobs: pubsub client unavailable; outcomes will not be published", zap.Error(err))
		return nil, nil
	}
	topic := client.Topic(topicName)
	topic.EnableMessageOrdering = true
	publisher, err := jobs.NewPubSubOutcomePublisher(topic)
	if err != nil {
		_ = client.Close()
		logger.Warn("jobs: outcome publisher rejected", zap.Error(err))
		return nil, nil
	}
	return publisher, func() {
		topic.Stop()
		if err := client.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}
}

func runLedgerCleanup(ctx context.Context, logger *zap.Logger, store ledger.Store, cfg config.LedgerConfig) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
			cancel()
			if err != nil {
				logger.Error("ledger cleanup error", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("ledger cleanup removed records", zap.Int("count", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

func buildHMACMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	secrets := make(auth.StaticSecrets)
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		secrets[strings.ToLower(strings.TrimSpace(key))] = value
	}
	if len(secrets) == 0 {
		return nil
	}

	validator := auth.NewHMACValidator(secrets, auth.NewInMemoryNonceStore(),
		auth.WithHMACLogger(logger),
		auth.WithHMACMeter(otel.Meter(instrumentationName)),
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithHMACNonceTTL(cfg.Security.HMAC.NonceTTL),
	)
	return validator.RequireSignedKey()
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Jobs.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Ledger.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		if value, ok := env[key]; ok {
			return strings.TrimSpace(value)
		}
		return ""
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_GCP_PROJECT_ID")
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
	if projectMap := parseKeyValueList(lookup("API_SECRET_PROJECT_IDS")); len(projectMap) > 0 {
		lowered := make(map[string]string, len(projectMap))
		for k, v := range projectMap {
			lowered[strings.ToLower(k)] = v
		}
		opts = append(opts, secrets.WithProjectMap(lowered))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if pins := parseKeyValueList(lookup("API_SECRET_VERSION_PINS")); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(normalizeVersionPins(pins)))
	}
	if credentialsFile := lookup("API_GCP_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists secrets that must resolve outside local development.
func requiredSecretNames(env map[string]string) []string {
	environment := strings.ToLower(strings.TrimSpace(env["API_SECURITY_ENVIRONMENT"]))
	if environment == "" || environment == "local" {
		return nil
	}
	required := []string{
		"PSP.StripeAPIKey",
		"PSP.StripeWebhookSecret",
	}
	for _, key := range parseHMACSecretKeys(env["API_SECURITY_HMAC_SECRETS"]) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", key))
	}
	return uniqueStrings(required)
}

func normalizeVersionPins(raw map[string]string) map[string]string {
	pins := make(map[string]string, len(raw))
	for ref, version := range raw {
		if strings.HasPrefix(ref, "sm://") {
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		} else if !strings.HasPrefix(ref, "secret://") {
			ref = "secret://" + ref
		}
		pins[ref] = version
	}
	return pins
}

func parseHMACSecretKeys(raw string) []string {
	values := parseKeyValueList(raw)
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, strings.ToLower(key))
	}
	sort.Strings(keys)
	return keys
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
