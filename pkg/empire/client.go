// Package empire wires the REST client, metadata provider and realtime
// gateway of one API key from explicit settings.
package empire

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/coachpo/empirekit/config"
	"github.com/coachpo/empirekit/pkg/eventbus"
	"github.com/coachpo/empirekit/pkg/gateway"
	"github.com/coachpo/empirekit/pkg/metadata"
	"github.com/coachpo/empirekit/pkg/rest"
	"github.com/coachpo/empirekit/pkg/schema"
)

type options struct {
	logger       zerolog.Logger
	httpClient   *http.Client
	apiBaseURL   string
	socketURL    string
	socket       bool
	dialer       gateway.Dialer
	onBusReset   func(*eventbus.Bus)
	retry        *gateway.RetryPolicy
	skipKeyCheck bool
}

// Option customises New.
type Option func(*options)

// WithLogger attaches a logger to every component.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHTTPClient replaces the HTTP client used for REST calls.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithEndpoints overrides the URLs derived from the configured domain.
func WithEndpoints(apiBaseURL, socketURL string) Option {
	return func(o *options) {
		o.apiBaseURL = apiBaseURL
		o.socketURL = socketURL
	}
}

// WithoutSocket builds a REST-only client.
func WithoutSocket() Option {
	return func(o *options) { o.socket = false }
}

// WithDialer replaces the realtime session dialer.
func WithDialer(dial gateway.Dialer) Option {
	return func(o *options) { o.dialer = dial }
}

// WithBusReset registers a callback for the fresh bus created after a dropped connection.
func WithBusReset(fn func(*eventbus.Bus)) Option {
	return func(o *options) { o.onBusReset = fn }
}

// WithRetryPolicy overrides the identify retry policy.
func WithRetryPolicy(policy gateway.RetryPolicy) Option {
	return func(o *options) { o.retry = &policy }
}

// WithoutKeyCheck skips fetching metadata during New.
func WithoutKeyCheck() Option {
	return func(o *options) { o.skipKeyCheck = true }
}

// Client is the entry point of the SDK for one account.
type Client struct {
	settings config.Settings
	rest     *rest.Client
	metadata *metadata.Provider
	gateway  *gateway.Gateway
	log      zerolog.Logger
}

// New validates settings, checks the API key against the metadata endpoint
// and prepares the gateway. The socket is not opened until Connect.
func New(ctx context.Context, settings config.Settings, opts ...Option) (*Client, error) {
	o := options{logger: zerolog.Nop(), socket: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if o.apiBaseURL == "" {
		o.apiBaseURL = settings.APIBaseURL()
	}
	if o.socketURL == "" {
		o.socketURL = settings.SocketURL()
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: settings.HTTPTimeout}
	}

	restClient, err := rest.New(o.apiBaseURL, settings.APIKey,
		rest.WithHTTPClient(o.httpClient),
		rest.WithRateLimit(settings.RequestsPerSecond, 1),
		rest.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	provider := metadata.New(restClient,
		metadata.WithTTL(settings.MetadataTTL),
		metadata.WithLogger(o.logger))

	c := &Client{
		settings: settings,
		rest:     restClient,
		metadata: provider,
		log:      o.logger.With().Str("component", "empire").Logger(),
	}
	if !o.skipKeyCheck {
		if _, err := provider.Meta(ctx); err != nil {
			return nil, fmt.Errorf("validate api key: %w", err)
		}
	}

	if o.socket {
		retry := gateway.DefaultRetryPolicy()
		retry.MaxAttempts = settings.Gateway.IdentifyAttempts
		if o.retry != nil {
			retry = *o.retry
		}
		gw, err := gateway.New(gateway.Config{
			SocketURL:            o.socketURL,
			Metadata:             provider,
			AutoIdentify:         settings.Gateway.AutoIdentify,
			Retry:                retry,
			HandshakeTimeout:     settings.HandshakeTimeout,
			ReconnectMaxInterval: settings.Gateway.ReconnectMaxInterval,
			Dial:                 o.dialer,
			OnBusReset:           o.onBusReset,
			Logger:               o.logger,
		})
		if err != nil {
			return nil, err
		}
		c.gateway = gw
	}
	return c, nil
}

// Settings returns the settings the client was built from.
func (c *Client) Settings() config.Settings { return c.settings }

// REST exposes the underlying REST client.
func (c *Client) REST() *rest.Client { return c.rest }

// Metadata exposes the shared metadata provider.
func (c *Client) Metadata() *metadata.Provider { return c.metadata }

// Gateway returns the realtime gateway, or nil for REST-only clients.
func (c *Client) Gateway() *gateway.Gateway { return c.gateway }

// Connect opens the realtime session.
func (c *Client) Connect(ctx context.Context) error {
	if c.gateway == nil {
		return errSocketDisabled
	}
	return c.gateway.Setup(ctx)
}

// Close disconnects the realtime session and waits until background work
// and the session goroutine have finished. Call it from outside event
// handlers; inside one, use Gateway().Disconnect.
func (c *Client) Close(ctx context.Context) error {
	if c.gateway == nil {
		return nil
	}
	err := c.gateway.Disconnect(ctx)
	if waitErr := c.gateway.Wait(ctx); err == nil {
		err = waitErr
	}
	return err
}

// On subscribes to a gateway event.
func (c *Client) On(event string, handler eventbus.Handler) error {
	if c.gateway == nil {
		return errSocketDisabled
	}
	c.gateway.On(event, handler)
	return nil
}

// User returns the account of the API key.
func (c *Client) User(ctx context.Context) (schema.User, error) {
	return c.metadata.User(ctx)
}

// UserID returns the account id of the API key.
func (c *Client) UserID(ctx context.Context) (int64, error) {
	return c.metadata.UserID(ctx)
}

// Inventory returns the user's items, optionally only the sellable ones.
func (c *Client) Inventory(ctx context.Context, sellableOnly bool) ([]schema.Item, error) {
	return c.rest.Inventory(ctx, sellableOnly)
}

// ActiveDeposits returns the user's open deposits.
func (c *Client) ActiveDeposits(ctx context.Context) ([]schema.Deposit, error) {
	return c.rest.ActiveDeposits(ctx)
}

// Auctions returns one page of listed items.
func (c *Client) Auctions(ctx context.Context, q rest.ItemsQuery) ([]schema.Item, error) {
	return c.rest.ListedItems(ctx, q)
}
