package broker

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPTransport sends requests to the broker OpenAPI over HTTPS.
type HTTPTransport struct {
	client *resty.Client
}

// Compile-time interface check.
var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransportFactory returns a factory building transports against
// baseURL, each authenticated with its own bearer token.
func NewHTTPTransportFactory(baseURL string, timeout time.Duration) TransportFactory {
	return func(token string) Transport {
		client := resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetAuthToken(token).
			SetHeader("Accept", "application/json")
		return &HTTPTransport{client: client}
	}
}

// Do implements Transport.
func (t *HTTPTransport) Do(ctx context.Context, ep Endpoint) (*Response, error) {
	req := t.client.R().SetContext(ctx)
	if len(ep.Params) > 0 {
		req.SetQueryParams(ep.Params)
	}
	if ep.Body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(ep.Body)
	}

	resp, err := req.Execute(ep.Method, ep.Path)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode(), Body: resp.Body()}, nil
}
