package secrets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	latestVersion       = "latest"
	metricNamespace     = "github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/secrets"

	sourceCache    = "cache"
	sourceRemote   = "secret_manager"
	sourceFallback = "fallback"
	sourceError    = "error"
)

// ErrNotFound is returned when neither Secret Manager nor the fallback file holds the secret.
var ErrNotFound = errors.New("secrets: secret not found")

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references for the Stripe and signing-key configuration. Values are
// read once per process from Secret Manager, or from a dotenv-style fallback file when Secret
// Manager is unreachable or no project is configured.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger

	env         string
	projects    projectSelector
	versionPins map[string]string

	fallback *fallbackFile

	mu    sync.Mutex
	cache map[string]string

	resolved metric.Float64Histogram
}

type fetcherConfig struct {
	logger       *zap.Logger
	env          string
	projects     projectSelector
	fallbackPath string
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
	versionPins  map[string]string
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) { cfg.logger = logger }
}

// WithEnvironment selects the deployment environment used for project and version pin lookup.
func WithEnvironment(env string) Option {
	return func(cfg *fetcherConfig) { cfg.env = strings.ToLower(strings.TrimSpace(env)) }
}

// WithDefaultProject sets the project used when no environment mapping matches.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) { cfg.projects.fallback = strings.TrimSpace(projectID) }
}

// WithProjectMap maps environment names to Secret Manager projects.
func WithProjectMap(m map[string]string) Option {
	return func(cfg *fetcherConfig) {
		cfg.projects.byEnv = make(map[string]string, len(m))
		for env, project := range m {
			cfg.projects.byEnv[strings.ToLower(strings.TrimSpace(env))] = strings.TrimSpace(project)
		}
	}
}

// WithFallbackFile overrides the path of the local fallback file.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) { cfg.fallbackPath = strings.TrimSpace(path) }
}

// WithMeter injects the meter for the resolve histogram.
func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) { cfg.meter = m }
}

// WithSecretManagerClient injects a preconfigured client.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) { cfg.client = client }
}

// WithClientOptions forwards options to the Secret Manager client constructor.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

// WithVersionPins pins versions by canonical reference, optionally prefixed with "<env>:".
func WithVersionPins(pins map[string]string) Option {
	return func(cfg *fetcherConfig) {
		cfg.versionPins = make(map[string]string, len(pins))
		for ref, version := range pins {
			if version = strings.TrimSpace(version); version != "" {
				cfg.versionPins[strings.TrimSpace(ref)] = version
			}
		}
	}
}

// NewFetcher builds a Fetcher. A missing Secret Manager client is not fatal: the fetcher then
// serves only the fallback file, which is the normal mode for local development.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:       zap.NewNop(),
		env:          defaultEnvironment,
		fallbackPath: defaultFallbackPath,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}
	resolved, err := meter.Float64Histogram(
		"secrets.resolve.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds of secret resolution by source"),
	)
	if err != nil {
		return nil, fmt.Errorf("secrets: create histogram: %w", err)
	}

	f := &Fetcher{
		logger:      cfg.logger,
		env:         cfg.env,
		projects:    cfg.projects,
		versionPins: cfg.versionPins,
		fallback:    &fallbackFile{path: cfg.fallbackPath},
		cache:       make(map[string]string),
		resolved:    resolved,
	}

	switch {
	case cfg.client != nil:
		f.client = cfg.client
	default:
		client, err := secretManagerClientFactory(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secrets: secret manager unavailable, serving fallback file only", zap.Error(err))
			break
		}
		f.client = client
		f.ownsClient = true
	}
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the value behind ref, for example secret://stripe-webhook-secret?version=3.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	start := time.Now()
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	version := f.version(parsed)
	key := parsed.canonical + "#" + version

	f.mu.Lock()
	value, ok := f.cache[key]
	f.mu.Unlock()
	if ok {
		f.observe(ctx, start, sourceCache)
		return value, nil
	}

	value, source, err := f.load(ctx, parsed, version)
	if err != nil {
		f.observe(ctx, start, sourceError)
		return "", err
	}

	f.mu.Lock()
	f.cache[key] = value
	f.mu.Unlock()
	f.observe(ctx, start, source)
	f.logger.Debug("secrets: resolved",
		zap.String("secret", maskReference(parsed.canonical)),
		zap.String("version", version),
		zap.String("source", source),
	)
	return value, nil
}

func (f *Fetcher) load(ctx context.Context, ref reference, version string) (string, string, error) {
	project := ref.project
	if project == "" {
		project = f.projects.forEnv(f.env)
	}
	if project != "" && f.client != nil {
		name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, version)
		resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
		switch {
		case err == nil && resp.GetPayload() != nil:
			return string(resp.GetPayload().GetData()), sourceRemote, nil
		case err == nil:
			return "", sourceRemote, fmt.Errorf("secrets: empty payload for %s", ref.canonical)
		case !fallbackAllowed(err):
			return "", sourceRemote, fmt.Errorf("secrets: fetch %s: %w", ref.canonical, err)
		}
		f.logger.Debug("secrets: secret manager refused, trying fallback file",
			zap.String("secret", maskReference(ref.canonical)),
			zap.Error(err),
		)
	}

	value, ok, err := f.fallback.lookup(ref.name, version)
	if err != nil {
		return "", sourceFallback, err
	}
	if !ok {
		return "", sourceFallback, fmt.Errorf("%w: %s", ErrNotFound, ref.canonical)
	}
	return value, sourceFallback, nil
}

func (f *Fetcher) version(ref reference) string {
	if ref.version != "" {
		return ref.version
	}
	if pin := f.versionPins[f.env+":"+ref.canonical]; pin != "" {
		return pin
	}
	if pin := f.versionPins[ref.canonical]; pin != "" {
		return pin
	}
	return latestVersion
}

func (f *Fetcher) observe(ctx context.Context, start time.Time, source string) {
	f.resolved.Record(ctx, float64(time.Since(start))/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("source", source)))
}

type projectSelector struct {
	byEnv    map[string]string
	fallback string
}

func (p projectSelector) forEnv(env string) string {
	if id := p.byEnv[env]; id != "" {
		return id
	}
	return p.fallback
}

// fallbackFile is a dotenv file keyed by secret name, with '-' and '/' written as '_'. A
// version-specific value may be given as NAME.VERSION and wins over the bare name.
type fallbackFile struct {
	path   string
	once   sync.Once
	values map[string]string
	err    error
}

func (f *fallbackFile) lookup(name, version string) (string, bool, error) {
	f.once.Do(f.load)
	if f.err != nil {
		return "", false, f.err
	}
	key := fallbackKey(name)
	if value, ok := f.values[key+"."+version]; ok {
		return value, true, nil
	}
	value, ok := f.values[key]
	return value, ok, nil
}

func (f *fallbackFile) load() {
	f.values = map[string]string{}
	if f.path == "" {
		return
	}
	values, err := godotenv.Read(f.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return
	case err != nil:
		f.err = fmt.Errorf("secrets: read fallback file %s: %w", f.path, err)
		return
	}
	for key, value := range values {
		f.values[strings.ToLower(strings.TrimSpace(key))] = value
	}
}

var fallbackKeyReplacer = strings.NewReplacer("-", "_", "/", "_")

func fallbackKey(name string) string {
	return strings.ToLower(fallbackKeyReplacer.Replace(name))
}

type reference struct {
	canonical string
	name      string
	version   string
	project   string
}

func parseReference(ref string) (reference, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return reference{}, errors.New("secrets: empty reference")
	}
	if rest, ok := strings.CutPrefix(ref, "sm://"); ok {
		ref = "secret://" + rest
	}
	u, err := url.Parse(ref)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}
	query := u.Query()
	return reference{
		canonical: "secret://" + name,
		name:      name,
		version:   strings.TrimSpace(query.Get("version")),
		project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

func maskReference(ref string) string {
	h := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(h[:8])
}

// fallbackAllowed reports Secret Manager failures that should defer to the local file.
// NotFound is not one of them: a missing production secret must fail loudly.
func fallbackAllowed(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
