package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	defaultEnvFile               = ".env"
	defaultPort                  = "8080"
	defaultReadTimeout           = 15 * time.Second
	defaultWriteTimeout          = 60 * time.Second
	defaultIdleTimeout           = 120 * time.Second
	defaultCurrency              = "GBP"
	defaultFreeShippingThreshold = "75.00"
	defaultFlatShippingRate      = "4.95"
	defaultMaxCartLines          = 100
	defaultCatalogTimeout        = 5 * time.Second
	defaultProviderTimeout       = 20 * time.Second
	defaultNotifyLocale          = "en-GB"
	defaultFulfillmentLimit      = 8
	defaultLedgerBackend         = LedgerBackendMemory
	defaultLedgerCollection      = "fulfillment_sessions"
	defaultLedgerLease           = 2 * time.Minute
	defaultLedgerRetention       = 30 * 24 * time.Hour
	defaultLedgerCleanupInterval = time.Hour
	defaultLedgerCleanupBatch    = 200
	defaultSignedURLExpiry       = 7 * 24 * time.Hour
	defaultRateLimitCheckout     = 30
	defaultRateLimitBurst        = 10
	defaultRateLimitWebhookBurst = 60
	defaultSecurityEnvironment   = "local"
	defaultHMACSignatureHeader   = "X-Signature"
	defaultHMACTimestampHeader   = "X-Signature-Timestamp"
	defaultHMACNonceHeader       = "X-Signature-Nonce"
	defaultHMACClockSkew         = 5 * time.Minute
	defaultHMACNonceTTL          = 5 * time.Minute
)

// Ledger backends.
const (
	LedgerBackendMemory    = "memory"
	LedgerBackendFirestore = "firestore"
)

var defaultAllowedCountries = []string{"GB", "IE", "US", "CA", "AU", "NZ", "FR", "DE", "NL", "ES", "IT"}

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig
	PSP           PSPConfig
	Checkout      CheckoutConfig
	Catalog       CatalogConfig
	Providers     ProvidersConfig
	Notifications NotificationConfig
	Fulfillment   FulfillmentConfig
	Ledger        LedgerConfig
	Storage       StorageConfig
	Jobs          JobsConfig
	RateLimits    RateLimitConfig
	Security      SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// PSPConfig collects payment provider credentials.
type PSPConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
	StripeAccountID     string
	WebhookTolerance    time.Duration
}

// CheckoutConfig holds the pricing and redirect policy for checkout sessions.
type CheckoutConfig struct {
	DefaultCurrency       string
	FreeShippingThreshold decimal.Decimal
	FlatShippingRate      decimal.Decimal
	AllowedCountries      []string
	SuccessURL            string
	CancelURL             string
	MaxLines              int
}

// CatalogConfig locates the routing snapshot.
type CatalogConfig struct {
	SnapshotURL string
	Token       string
	Timeout     time.Duration
}

// ProviderEndpoint configures one fulfillment provider API.
type ProviderEndpoint struct {
	BaseURL    string
	Credential string
	ShopID     string
}

// Enabled reports whether a credential was supplied.
func (p ProviderEndpoint) Enabled() bool {
	return strings.TrimSpace(p.Credential) != ""
}

// ProvidersConfig lists the fulfillment provider endpoints.
type ProvidersConfig struct {
	Printful  ProviderEndpoint
	Printify  ProviderEndpoint
	Gelato    ProviderEndpoint
	Prodigi   ProviderEndpoint
	Ticketing ProviderEndpoint
	Timeout   time.Duration
}

// NotificationConfig configures email delivery.
type NotificationConfig struct {
	SendGridAPIKey string
	SendGridHost   string
	From           string
	FromName       string
	OpsRecipients  []string
	Locale         string
}

// FulfillmentConfig tunes the dispatcher.
type FulfillmentConfig struct {
	Concurrency int
	CallTimeout time.Duration
	Lease       time.Duration
}

// LedgerConfig selects and configures the idempotency ledger.
type LedgerConfig struct {
	Backend          string
	ProjectID        string
	EmulatorHost     string
	Collection       string
	Retention        time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// StorageConfig names the print-file bucket and signing credentials.
type StorageConfig struct {
	PrintFilesBucket string
	SignedURLExpiry  time.Duration
	CredentialsFile  string
	CredentialsJSON  string
}

// JobsConfig configures outcome publishing.
type JobsConfig struct {
	ProjectID    string
	OutcomeTopic string
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	CheckoutPerMinute int
	CheckoutBurst     int
	WebhookBurst      int
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	HMAC        HMACConfig
}

// HMACConfig captures internal request signing expectations.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	names := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		names = append(names, secret.redacted)
	}
	sort.Strings(names)
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(names, ", "))
}

// RedactedNames returns a copy of the redacted secret identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.redacted)
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.name)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// Snapshot captures the resolved environment values used during loading so callers can construct
// dependent components (e.g., secret fetcher) with the same inputs.
type Snapshot struct {
	EnvFile         string
	Values          map[string]string
	ResolvedSecrets map[string]string
}

// EnvironmentValues returns the effective key/value environment map after applying the same precedence
// rules as Load (dotenv < OS env < explicit env map). Callers can use the result to initialise
// dependencies before invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	merge := func(source map[string]string) {
		if source == nil {
			return
		}
		for key, value := range source {
			values[key] = value
		}
	}

	merge(dotEnvValues)

	if options.useSystemEnv {
		system := make(map[string]string)
		for _, entry := range os.Environ() {
			if entry == "" {
				continue
			}
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			if key == "" {
				continue
			}
			system[key] = parts[1]
		}
		merge(system)
	}

	merge(options.envMap)

	return values, nil
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory.
// Identifiers should match the config field names recorded by the loader
// (e.g. "PSP.StripeAPIKey" or "Security.HMAC.Secrets[payments]").
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	gcpProject := stringWithDefault(lookup, "API_GCP_PROJECT_ID", "")

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		PSP: PSPConfig{
			StripeAPIKey:        stringWithDefault(lookup, "API_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret: stringWithDefault(lookup, "API_PSP_STRIPE_WEBHOOK_SECRET", ""),
			StripeAccountID:     stringWithDefault(lookup, "API_PSP_STRIPE_ACCOUNT_ID", ""),
			WebhookTolerance:    durationWithDefault(lookup, "API_PSP_STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
		},
		Checkout: CheckoutConfig{
			DefaultCurrency:       strings.ToUpper(stringWithDefault(lookup, "API_CHECKOUT_CURRENCY", defaultCurrency)),
			FreeShippingThreshold: decimalWithDefault(lookup, "API_CHECKOUT_FREE_SHIPPING_THRESHOLD", defaultFreeShippingThreshold),
			FlatShippingRate:      decimalWithDefault(lookup, "API_CHECKOUT_FLAT_SHIPPING_RATE", defaultFlatShippingRate),
			AllowedCountries:      csvWithDefault(lookup, "API_CHECKOUT_ALLOWED_COUNTRIES"),
			SuccessURL:            stringWithDefault(lookup, "API_CHECKOUT_SUCCESS_URL", ""),
			CancelURL:             stringWithDefault(lookup, "API_CHECKOUT_CANCEL_URL", ""),
			MaxLines:              intWithDefault(lookup, "API_CHECKOUT_MAX_LINES", defaultMaxCartLines),
		},
		Catalog: CatalogConfig{
			SnapshotURL: stringWithDefault(lookup, "API_CATALOG_SNAPSHOT_URL", ""),
			Token:       stringWithDefault(lookup, "API_CATALOG_TOKEN", ""),
			Timeout:     durationWithDefault(lookup, "API_CATALOG_TIMEOUT", defaultCatalogTimeout),
		},
		Providers: ProvidersConfig{
			Printful:  providerEndpoint(lookup, "PRINTFUL"),
			Printify:  providerEndpoint(lookup, "PRINTIFY"),
			Gelato:    providerEndpoint(lookup, "GELATO"),
			Prodigi:   providerEndpoint(lookup, "PRODIGI"),
			Ticketing: providerEndpoint(lookup, "TICKETING"),
			Timeout:   durationWithDefault(lookup, "API_PROVIDER_TIMEOUT", defaultProviderTimeout),
		},
		Notifications: NotificationConfig{
			SendGridAPIKey: stringWithDefault(lookup, "API_NOTIFY_SENDGRID_API_KEY", ""),
			SendGridHost:   stringWithDefault(lookup, "API_NOTIFY_SENDGRID_HOST", ""),
			From:           stringWithDefault(lookup, "API_NOTIFY_FROM", ""),
			FromName:       stringWithDefault(lookup, "API_NOTIFY_FROM_NAME", ""),
			OpsRecipients:  csvWithDefault(lookup, "API_NOTIFY_OPS_RECIPIENTS"),
			Locale:         stringWithDefault(lookup, "API_NOTIFY_LOCALE", defaultNotifyLocale),
		},
		Fulfillment: FulfillmentConfig{
			Concurrency: intWithDefault(lookup, "API_FULFILLMENT_CONCURRENCY", defaultFulfillmentLimit),
			CallTimeout: durationWithDefault(lookup, "API_FULFILLMENT_CALL_TIMEOUT", defaultProviderTimeout),
			Lease:       durationWithDefault(lookup, "API_FULFILLMENT_LEASE", defaultLedgerLease),
		},
		Ledger: LedgerConfig{
			Backend:          strings.ToLower(stringWithDefault(lookup, "API_LEDGER_BACKEND", defaultLedgerBackend)),
			ProjectID:        stringWithDefault(lookup, "API_LEDGER_PROJECT_ID", gcpProject),
			EmulatorHost:     stringWithDefault(lookup, "API_LEDGER_EMULATOR_HOST", stringWithDefault(lookup, "FIRESTORE_EMULATOR_HOST", "")),
			Collection:       stringWithDefault(lookup, "API_LEDGER_COLLECTION", defaultLedgerCollection),
			Retention:        durationWithDefault(lookup, "API_LEDGER_RETENTION", defaultLedgerRetention),
			CleanupInterval:  durationWithDefault(lookup, "API_LEDGER_CLEANUP_INTERVAL", defaultLedgerCleanupInterval),
			CleanupBatchSize: intWithDefault(lookup, "API_LEDGER_CLEANUP_BATCH", defaultLedgerCleanupBatch),
		},
		Storage: StorageConfig{
			PrintFilesBucket: stringWithDefault(lookup, "API_STORAGE_PRINT_FILES_BUCKET", ""),
			SignedURLExpiry:  durationWithDefault(lookup, "API_STORAGE_SIGNED_URL_EXPIRY", defaultSignedURLExpiry),
			CredentialsFile:  stringWithDefault(lookup, "API_STORAGE_CREDENTIALS_FILE", ""),
			CredentialsJSON:  stringWithDefault(lookup, "API_STORAGE_CREDENTIALS_JSON", ""),
		},
		Jobs: JobsConfig{
			ProjectID:    stringWithDefault(lookup, "API_JOBS_PROJECT_ID", gcpProject),
			OutcomeTopic: stringWithDefault(lookup, "API_JOBS_OUTCOME_TOPIC", ""),
		},
		RateLimits: RateLimitConfig{
			CheckoutPerMinute: intWithDefault(lookup, "API_RATELIMIT_CHECKOUT_PER_MIN", defaultRateLimitCheckout),
			CheckoutBurst:     intWithDefault(lookup, "API_RATELIMIT_CHECKOUT_BURST", defaultRateLimitBurst),
			WebhookBurst:      intWithDefault(lookup, "API_RATELIMIT_WEBHOOK_BURST", defaultRateLimitWebhookBurst),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			HMAC: HMACConfig{
				Secrets:         mapWithDefault(lookup, "API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       durationWithDefault(lookup, "API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        durationWithDefault(lookup, "API_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
	}

	if len(cfg.Checkout.AllowedCountries) == 0 {
		cfg.Checkout.AllowedCountries = append([]string(nil), defaultAllowedCountries...)
	}

	resolvedSecrets := make(map[string]string)
	recordSecret := func(name, value string) {
		resolvedSecrets[name] = strings.TrimSpace(value)
	}
	resolveField := func(name string, field *string) error {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return err
		}
		*field = resolved
		recordSecret(name, resolved)
		return nil
	}

	for key, value := range cfg.Security.HMAC.Secrets {
		fieldName := fmt.Sprintf("Security.HMAC.Secrets[%s]", key)
		resolved, err := resolveSecret(ctx, value, options.secret)
		if err != nil {
			return Config{}, err
		}
		cfg.Security.HMAC.Secrets[key] = resolved
		recordSecret(fieldName, resolved)
	}

	// Resolve secrets when values reference Secret Manager.
	secretFields := []struct {
		name  string
		field *string
	}{
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"PSP.StripeWebhookSecret", &cfg.PSP.StripeWebhookSecret},
		{"Catalog.Token", &cfg.Catalog.Token},
		{"Providers.Printful.Credential", &cfg.Providers.Printful.Credential},
		{"Providers.Printify.Credential", &cfg.Providers.Printify.Credential},
		{"Providers.Gelato.Credential", &cfg.Providers.Gelato.Credential},
		{"Providers.Prodigi.Credential", &cfg.Providers.Prodigi.Credential},
		{"Providers.Ticketing.Credential", &cfg.Providers.Ticketing.Credential},
		{"Notifications.SendGridAPIKey", &cfg.Notifications.SendGridAPIKey},
		{"Storage.CredentialsJSON", &cfg.Storage.CredentialsJSON},
	}
	for _, target := range secretFields {
		if err := resolveField(target.name, target.field); err != nil {
			return Config{}, err
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func providerEndpoint(lookup func(string) (string, bool), name string) ProviderEndpoint {
	prefix := "API_PROVIDER_" + name + "_"
	return ProviderEndpoint{
		BaseURL:    stringWithDefault(lookup, prefix+"BASE_URL", ""),
		Credential: stringWithDefault(lookup, prefix+"CREDENTIAL", ""),
		ShopID:     stringWithDefault(lookup, prefix+"SHOP_ID", ""),
	}
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" {
		return value, nil
	}
	if !isSecretReference(value) {
		return value, nil
	}
	if resolver == nil {
		normalized := normalizeSecretReference(value)
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	normalized := normalizeSecretReference(value)
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if len(cfg.Checkout.DefaultCurrency) != 3 {
		missing = append(missing, "Checkout.DefaultCurrency")
	}
	if cfg.Checkout.FreeShippingThreshold.IsNegative() {
		missing = append(missing, "Checkout.FreeShippingThreshold")
	}
	if cfg.Checkout.FlatShippingRate.IsNegative() {
		missing = append(missing, "Checkout.FlatShippingRate")
	}
	if strings.TrimSpace(cfg.Checkout.SuccessURL) == "" {
		missing = append(missing, "Checkout.SuccessURL")
	}
	if strings.TrimSpace(cfg.Checkout.CancelURL) == "" {
		missing = append(missing, "Checkout.CancelURL")
	}
	if cfg.Checkout.MaxLines <= 0 {
		missing = append(missing, "Checkout.MaxLines")
	}
	if strings.TrimSpace(cfg.Catalog.SnapshotURL) == "" {
		missing = append(missing, "Catalog.SnapshotURL")
	}
	if cfg.Fulfillment.Concurrency <= 0 {
		missing = append(missing, "Fulfillment.Concurrency")
	}
	if cfg.Fulfillment.CallTimeout <= 0 {
		missing = append(missing, "Fulfillment.CallTimeout")
	}
	if cfg.Fulfillment.Lease <= 0 {
		missing = append(missing, "Fulfillment.Lease")
	}
	switch cfg.Ledger.Backend {
	case LedgerBackendMemory:
	case LedgerBackendFirestore:
		if cfg.Ledger.ProjectID == "" {
			missing = append(missing, "Ledger.ProjectID")
		}
	default:
		missing = append(missing, "Ledger.Backend")
	}
	if cfg.Ledger.Retention <= 0 {
		missing = append(missing, "Ledger.Retention")
	}
	if cfg.Ledger.CleanupBatchSize <= 0 {
		missing = append(missing, "Ledger.CleanupBatchSize")
	}
	if cfg.Jobs.OutcomeTopic != "" && cfg.Jobs.ProjectID == "" {
		missing = append(missing, "Jobs.ProjectID")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	if len(required) == 0 {
		return nil
	}
	missing := make([]missingSecret, 0, len(required))
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if value := strings.TrimSpace(resolved[trimmed]); value != "" {
			continue
		}
		missing = append(missing, missingSecret{
			name:     trimmed,
			redacted: redactSecretName(trimmed),
		})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	values, err := godotenv.Read(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func decimalWithDefault(lookup func(string) (string, bool), key, fallback string) decimal.Decimal {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := decimal.NewFromString(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return decimal.RequireFromString(fallback)
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func mapWithDefault(lookup func(string) (string, bool), key string) map[string]string {
	values := make(map[string]string)
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return values
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(parts[0]))
		secret := strings.TrimSpace(parts[1])
		if name == "" || secret == "" {
			continue
		}
		values[name] = secret
	}
	return values
}
