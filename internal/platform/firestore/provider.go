package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/Lyrion1/lyrion-co-uk-sub000/internal/platform/config"
)

const (
	dialTimeout       = 10 * time.Second
	txTimeout         = 15 * time.Second
	defaultTxAttempts = 5
	emulatorHostEnv   = "FIRESTORE_EMULATOR_HOST"
	projectEnv        = "GOOGLE_CLOUD_PROJECT"
)

// ErrProviderClosed is returned once Close has been called.
var ErrProviderClosed = errors.New("firestore: provider is closed")

// TxFunc is the body of a ledger transaction.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// Provider owns the Firestore client behind the fulfillment ledger. The client is dialled on
// first use; a failed dial is retried by the next caller.
type Provider struct {
	projectID    string
	emulatorHost string
	clientOpts   []option.ClientOption

	mu     sync.Mutex
	client *firestore.Client
	closed bool
}

// NewProvider reads the project and emulator host from cfg, falling back to the standard
// environment variables.
func NewProvider(cfg config.LedgerConfig, opts ...option.ClientOption) *Provider {
	return &Provider{
		projectID:    firstNonEmpty(cfg.ProjectID, os.Getenv(projectEnv)),
		emulatorHost: firstNonEmpty(cfg.EmulatorHost, os.Getenv(emulatorHostEnv)),
		clientOpts:   opts,
	}
}

// Client returns the shared client.
func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProviderClosed
	}
	if p.client == nil {
		client, err := p.dial(ctx)
		if err != nil {
			return nil, err
		}
		p.client = client
	}
	return p.client, nil
}

func (p *Provider) dial(ctx context.Context) (*firestore.Client, error) {
	if p.projectID == "" {
		return nil, errors.New("firestore: project id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	opts := p.clientOpts
	if p.emulatorHost != "" {
		// The client library only honours the emulator through the environment.
		if os.Getenv(emulatorHostEnv) == "" {
			_ = os.Setenv(emulatorHostEnv, p.emulatorHost)
		}
		opts = append(opts[:len(opts):len(opts)],
			option.WithEndpoint(p.emulatorHost),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	client, err := firestore.NewClient(ctx, p.projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: create client: %w", err)
	}
	return client, nil
}

// RunTransaction runs fn in a read-write transaction with at most attempts tries. The
// transaction is capped at 15s unless ctx already ends sooner.
func (p *Provider) RunTransaction(ctx context.Context, attempts int, fn TxFunc) error {
	if fn == nil {
		return errors.New("firestore: transaction function is nil")
	}
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	if attempts <= 0 {
		attempts = defaultTxAttempts
	}
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > txTimeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, txTimeout)
		defer cancel()
	}
	err = client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, tx)
	}, firestore.MaxAttempts(attempts))
	return WrapError("transaction", err)
}

// Ping reads at most one document from collection. An empty collection is healthy.
func (p *Provider) Ping(ctx context.Context, collection string) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	docs := client.Collection(collection).Limit(1).Documents(ctx)
	defer docs.Stop()
	if _, err := docs.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return WrapError("ping", err)
	}
	return nil
}

// Close releases the client. The Provider cannot be reused afterwards.
func (p *Provider) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
