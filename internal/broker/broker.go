// Package broker is the typed client of the broker's OpenAPI. It owns the
// access token, rate limits outbound calls and maps transport and protocol
// failures into the tradeerr taxonomy.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"wata/internal/tradeerr"
	"wata/internal/util"
)

// Broker OpenAPI paths.
const (
	PathInstruments        = "/ref/v1/instruments"
	PathInfoPrices         = "/trade/v1/infoprices/list"
	PathPriceSubscriptions = "/trade/v1/prices/subscriptions"
	PathOrders             = "/trade/v2/orders"
	PathPositions          = "/port/v1/positions/me"
	PathClosedPositions    = "/port/v1/closedpositions/me"
	PathBalances           = "/port/v1/balances"
	PathClientSession      = "/port/v1/clients/me"
)

// Endpoint describes one broker request.
type Endpoint struct {
	Method string
	Path   string
	Params map[string]string
	Body   any
}

func (e Endpoint) String() string { return e.Method + " " + e.Path }

// Response is a raw broker response.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport performs a single authenticated request. It returns an error
// only when no response was received.
type Transport interface {
	Do(ctx context.Context, ep Endpoint) (*Response, error)
}

// TransportFactory builds a Transport bound to an access token.
type TransportFactory func(token string) Transport

// TokenProvider returns a currently valid access token.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Requester is the request surface consumed by the trading services.
type Requester interface {
	Request(ctx context.Context, ep Endpoint) (*Response, error)
}

// Compile-time interface check.
var _ Requester = (*Client)(nil)

// Client is the broker façade. It asks the token provider for a token before
// each request and rebuilds its transport whenever the token changes.
type Client struct {
	tokens       TokenProvider
	newTransport TransportFactory
	limiter      *util.RateLimiter
	logger       *slog.Logger
	onError      func(tradeerr.Kind)

	mu        sync.Mutex
	token     string
	transport Transport
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimiter throttles requests through rl.
func WithRateLimiter(rl *util.RateLimiter) Option {
	return func(c *Client) { c.limiter = rl }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithErrorHook registers a callback invoked with the kind of every mapped
// request error.
func WithErrorHook(fn func(tradeerr.Kind)) Option {
	return func(c *Client) { c.onError = fn }
}

// NewClient creates a Client.
func NewClient(tokens TokenProvider, factory TransportFactory, opts ...Option) *Client {
	c := &Client{tokens: tokens, newTransport: factory}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = util.OrDefault(c.logger)
	return c
}

// Request sends ep and returns the response when its status is 2xx.
// Token acquisition errors are returned unchanged; every other failure is a
// typed tradeerr error.
func (c *Client) Request(ctx context.Context, ep Endpoint) (*Response, error) {
	transport, err := c.currentTransport(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &tradeerr.APIRequest{Endpoint: ep.String(), Err: err}
	}

	resp, err := transport.Do(ctx, ep)
	if err != nil {
		c.logger.Error("broker request failed", "endpoint", ep.String(), "error", err)
		return nil, c.report(&tradeerr.APIRequest{Endpoint: ep.String(), Err: err})
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	mapped := mapStatusError(ep, resp)
	c.logger.Warn("broker request rejected",
		"endpoint", ep.String(),
		"status", resp.StatusCode,
		"kind", tradeerr.KindOf(mapped),
	)
	return nil, c.report(mapped)
}

func (c *Client) report(err error) error {
	if c.onError != nil {
		c.onError(tradeerr.KindOf(err))
	}
	return err
}

// currentTransport returns the transport for the current token, building a
// new one when the token value changed since the previous request.
func (c *Client) currentTransport(ctx context.Context) (Transport, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, &tradeerr.TokenAuthentication{DuringRefresh: true, Err: errors.New("empty access token")}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil || token != c.token {
		if c.transport != nil {
			c.logger.Info("access token changed, rebuilding broker transport")
		}
		c.transport = c.newTransport(token)
		c.token = token
	}
	return c.transport, nil
}

// Fetch sends ep and decodes the JSON body into a new T. A 2xx response
// with an empty or null body yields (nil, nil).
func Fetch[T any](ctx context.Context, r Requester, ep Endpoint) (*T, error) {
	resp, err := r.Request(ctx, ep)
	if err != nil {
		return nil, err
	}
	if isEmptyBody(resp.Body) || resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	var out T
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, parseError(ep, err)
	}
	return &out, nil
}

func isEmptyBody(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) == 0 || bytes.Equal(b, []byte("null"))
}

func parseError(ep Endpoint, err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &tradeerr.Parse{
			Endpoint: ep.String(),
			Field:    typeErr.Field,
			Reason:   fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value),
		}
	}
	var numErr *NumberError
	if errors.As(err, &numErr) {
		return &tradeerr.Parse{Endpoint: ep.String(), Field: "number", Reason: numErr.Error()}
	}
	return &tradeerr.Parse{Endpoint: ep.String(), Reason: err.Error()}
}
