// Package rest is a thin client for the platform's REST API.
package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/coachpo/empirekit/errs"
	"github.com/coachpo/empirekit/pkg/schema"
)

const (
	defaultTimeout           = 15 * time.Second
	defaultRequestsPerSecond = 2
	maxErrorBody             = 4 << 10
	defaultTripAfter         = 5
	defaultCooldown          = 30 * time.Second
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithRateLimit caps outgoing requests. A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithCircuitBreaker opens the circuit after tripAfter consecutive network or
// server failures and probes again once cooldown elapses. A zero tripAfter
// disables the breaker.
func WithCircuitBreaker(tripAfter uint32, cooldown time.Duration) Option {
	return func(c *Client) {
		c.tripAfter = tripAfter
		c.cooldown = cooldown
	}
}

// WithLogger attaches a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.log = logger
	}
}

// Client issues authenticated REST calls.
type Client struct {
	baseURL *url.URL
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger

	tripAfter uint32
	cooldown  time.Duration
}

// New creates a client for baseURL, e.g. https://csgoempire.com/api/v2/.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if !strings.HasSuffix(trimmed, "/") {
		trimmed += "/"
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, errs.New("rest", errs.CodeInvalid,
			errs.WithMessage("invalid base url"),
			errs.WithField("url", baseURL),
			errs.WithCause(err))
	}
	c := &Client{
		baseURL: parsed,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: defaultTimeout},
		limiter: rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), 1),
		log:     zerolog.Nop(),

		tripAfter: defaultTripAfter,
		cooldown:  defaultCooldown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.log = c.log.With().Str("component", "rest").Logger()
	if c.tripAfter > 0 {
		c.breaker = c.newBreaker()
	}
	return c, nil
}

func (c *Client) newBreaker() *gobreaker.CircuitBreaker {
	tripAfter := c.tripAfter
	st := gobreaker.Settings{Name: c.baseURL.Host, Timeout: c.cooldown}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= tripAfter }
	st.IsSuccessful = func(err error) bool {
		if err == nil {
			return true
		}
		var e *errs.E
		if !errors.As(err, &e) {
			return false
		}
		// Caller and credential errors say nothing about platform health.
		return e.Code != errs.CodeNetwork && e.HTTP < http.StatusInternalServerError
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		c.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit state changed")
	}
	return gobreaker.NewCircuitBreaker(st)
}

// SocketMetadata fetches the user model and socket credentials.
func (c *Client) SocketMetadata(ctx context.Context) (schema.Meta, error) {
	var meta schema.Meta
	if err := c.do(ctx, "metadata", http.MethodGet, "metadata/socket", nil, nil, &meta); err != nil {
		return schema.Meta{}, err
	}
	return meta, nil
}

// Inventory returns the user's items. With sellableOnly, items that are not
// tradable or have no market value are left out.
func (c *Client) Inventory(ctx context.Context, sellableOnly bool) ([]schema.Item, error) {
	var envelope struct {
		Data []schema.Item `json:"data"`
	}
	if err := c.do(ctx, "inventory", http.MethodGet, "trading/user/inventory", nil, nil, &envelope); err != nil {
		return nil, err
	}
	if !sellableOnly {
		return envelope.Data, nil
	}
	out := envelope.Data[:0]
	for _, item := range envelope.Data {
		if item.Sellable() {
			out = append(out, item)
		}
	}
	return out, nil
}

// ActiveTrades returns the user's open deposits and withdrawals.
func (c *Client) ActiveTrades(ctx context.Context) (schema.ActiveTrades, error) {
	var envelope struct {
		Data schema.ActiveTrades `json:"data"`
	}
	if err := c.do(ctx, "trades", http.MethodGet, "trading/user/trades", nil, nil, &envelope); err != nil {
		return schema.ActiveTrades{}, err
	}
	return envelope.Data, nil
}

// ActiveDeposits returns the user's open deposits.
func (c *Client) ActiveDeposits(ctx context.Context) ([]schema.Deposit, error) {
	trades, err := c.ActiveTrades(ctx)
	if err != nil {
		return nil, err
	}
	return trades.Deposits, nil
}

// CancelDeposit cancels a deposit that has not been sold yet.
func (c *Client) CancelDeposit(ctx context.Context, depositID int64) error {
	path := "trading/deposits/" + strconv.FormatInt(depositID, 10) + "/cancel"
	return c.do(ctx, "deposit.cancel", http.MethodPost, path, nil, nil, nil)
}

// SellNow accepts the current highest bid of an auctioned deposit.
func (c *Client) SellNow(ctx context.Context, depositID int64) error {
	path := "trading/deposits/" + strconv.FormatInt(depositID, 10) + "/sell"
	return c.do(ctx, "deposit.sell", http.MethodPost, path, nil, nil, nil)
}

type listRequest struct {
	Items []listEntry `json:"items"`
}

type listEntry struct {
	ID                    int64   `json:"id"`
	CustomPricePercentage float64 `json:"custom_price_percentage"`
	CoinValue             int64   `json:"coin_value"`
}

// ListItem deposits item at percentage above its market value.
func (c *Client) ListItem(ctx context.Context, item schema.Item, percentage float64) error {
	body := listRequest{Items: []listEntry{{
		ID:                    item.ID,
		CustomPricePercentage: percentage,
		CoinValue:             item.CoinValue(percentage),
	}}}
	return c.do(ctx, "deposit.list", http.MethodPost, "trading/deposit", nil, body, nil)
}

// ItemsQuery filters the listed items.
type ItemsQuery struct {
	PerPage  int
	Page     int
	Search   string
	PriceMin int64
	PriceMax int64
	Auction  bool
	Sort     string
	Order    string
}

func (q ItemsQuery) values() url.Values {
	v := url.Values{}
	if q.PerPage > 0 {
		v.Set("per_page", strconv.Itoa(q.PerPage))
	}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.Search != "" {
		v.Set("search", q.Search)
	}
	if q.PriceMin > 0 {
		v.Set("price_min", strconv.FormatInt(q.PriceMin, 10))
	}
	if q.PriceMax > 0 {
		v.Set("price_max", strconv.FormatInt(q.PriceMax, 10))
	}
	if q.Auction {
		v.Set("auction", "yes")
	}
	if q.Sort != "" {
		v.Set("sort", q.Sort)
	}
	if q.Order != "" {
		v.Set("order", q.Order)
	}
	return v
}

// ListedItems returns one page of items currently listed on the marketplace.
func (c *Client) ListedItems(ctx context.Context, q ItemsQuery) ([]schema.Item, error) {
	var envelope struct {
		Data []schema.Item `json:"data"`
	}
	if err := c.do(ctx, "items", http.MethodGet, "trading/items", q.values(), nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Data, nil
}

type errorBody struct {
	Message         string `json:"message"`
	InvalidAPIToken bool   `json:"invalid_api_token"`
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	source := "rest/" + op
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errs.New(source, errs.CodeUnavailable, errs.WithMessage("rate limiter wait"), errs.WithCause(err))
		}
	}

	if c.breaker == nil {
		return c.exchange(ctx, source, method, path, query, body, out)
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.exchange(ctx, source, method, path, query, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errs.New(source, errs.CodeUnavailable, errs.WithMessage("circuit open"), errs.WithCause(err))
	}
	return err
}

func (c *Client) exchange(ctx context.Context, source, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL.ResolveReference(&url.URL{Path: path})
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errs.New(source, errs.CodeInvalid, errs.WithMessage("encode request"), errs.WithCause(err))
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return errs.New(source, errs.CodeInvalid, errs.WithMessage("create request"), errs.WithCause(err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return errs.New(source, errs.CodeNetwork, errs.WithCause(fmt.Errorf("%s %s: %w", method, path, err)))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).Msg("request completed")

	if resp.StatusCode != http.StatusOK {
		return statusError(source, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.New(source, errs.CodeProtocol, errs.WithMessage("decode response"), errs.WithCause(err))
	}
	return nil
}

func statusError(source string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var parsed errorBody
	_ = json.Unmarshal(raw, &parsed)
	message := strings.TrimSpace(parsed.Message)
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || parsed.InvalidAPIToken:
		return errs.New(source, errs.CodeAuth,
			errs.WithHTTP(resp.StatusCode),
			errs.WithCanonicalCode(errs.CanonicalInvalidAPIKey),
			errs.WithMessage(message))
	case resp.StatusCode == http.StatusTooManyRequests:
		return errs.New(source, errs.CodeRateLimited,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(message))
	default:
		return errs.New(source, errs.CodeExchange,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(message))
	}
}
