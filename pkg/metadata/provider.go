// Package metadata caches the socket metadata of the API key's account and
// builds identify payloads from it.
package metadata

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coachpo/empirekit/errs"
	"github.com/coachpo/empirekit/pkg/schema"
)

// DefaultTTL is how long fetched metadata is served before it is refreshed.
const DefaultTTL = 6 * time.Hour

// Fetcher loads the socket metadata document.
type Fetcher interface {
	SocketMetadata(ctx context.Context) (schema.Meta, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) (schema.Meta, error)

// SocketMetadata calls f.
func (f FetcherFunc) SocketMetadata(ctx context.Context) (schema.Meta, error) {
	return f(ctx)
}

// Option configures a Provider.
type Option func(*Provider)

// WithTTL overrides DefaultTTL. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(p *Provider) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithClock injects the time source used for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Provider) {
		p.log = logger
	}
}

// Provider serves cached metadata and refreshes it when stale or on demand.
// It is safe for concurrent use; refreshes are serialized.
type Provider struct {
	fetcher Fetcher
	ttl     time.Duration
	now     func() time.Time
	log     zerolog.Logger

	mu        sync.Mutex
	meta      schema.Meta
	fetchedAt time.Time
	loaded    bool
}

// New creates a provider backed by fetcher. Nothing is fetched until first use.
func New(fetcher Fetcher, opts ...Option) *Provider {
	p := &Provider{
		fetcher: fetcher,
		ttl:     DefaultTTL,
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.log = p.log.With().Str("component", "metadata").Logger()
	return p
}

// Meta returns the cached metadata, fetching it first when missing or stale.
func (p *Provider) Meta(ctx context.Context) (schema.Meta, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded && p.now().Sub(p.fetchedAt) < p.ttl {
		return p.meta, nil
	}
	return p.refreshLocked(ctx)
}

// Refresh fetches the metadata regardless of its age.
func (p *Provider) Refresh(ctx context.Context) (schema.Meta, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshLocked(ctx)
}

// User returns the account of the API key.
func (p *Provider) User(ctx context.Context) (schema.User, error) {
	meta, err := p.Meta(ctx)
	if err != nil {
		return schema.User{}, err
	}
	return *meta.User, nil
}

// UserID returns the account id of the API key.
func (p *Provider) UserID(ctx context.Context) (int64, error) {
	user, err := p.User(ctx)
	if err != nil {
		return 0, err
	}
	return user.ID, nil
}

// Identify refreshes the metadata and builds a fresh identify payload, since
// socket tokens rotate.
func (p *Provider) Identify(ctx context.Context) (schema.Identify, error) {
	meta, err := p.Refresh(ctx)
	if err != nil {
		return schema.Identify{}, err
	}
	return schema.Identify{
		UID:                meta.User.ID,
		Model:              *meta.User,
		AuthorizationToken: meta.SocketToken,
		Signature:          meta.SocketSignature,
	}, nil
}

func (p *Provider) refreshLocked(ctx context.Context) (schema.Meta, error) {
	if p.fetcher == nil {
		return schema.Meta{}, errs.New("metadata", errs.CodeUnavailable, errs.WithMessage("no fetcher configured"))
	}
	meta, err := p.fetcher.SocketMetadata(ctx)
	if err != nil {
		return schema.Meta{}, err
	}
	// A nil user means the key was accepted by the transport but belongs to no account.
	if meta.User == nil {
		return schema.Meta{}, errs.New("metadata", errs.CodeAuth,
			errs.WithCanonicalCode(errs.CanonicalInvalidAPIKey),
			errs.WithMessage("metadata carries no user"))
	}
	p.meta = meta
	p.fetchedAt = p.now()
	p.loaded = true
	p.log.Debug().Int64("user_id", meta.User.ID).Msg("metadata refreshed")
	return meta, nil
}
