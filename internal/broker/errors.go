package broker

import (
	"encoding/json"
	"net/http"
	"strings"

	"wata/internal/tradeerr"
)

// errorBody is the broker's error envelope. Order endpoints nest the code
// under ErrorInfo.
type errorBody struct {
	ErrorCode string `json:"ErrorCode"`
	Message   string `json:"Message"`
	ErrorInfo *struct {
		ErrorCode string `json:"ErrorCode"`
		Message   string `json:"Message"`
	} `json:"ErrorInfo"`
}

func (b errorBody) code() string {
	if b.ErrorCode == "" && b.ErrorInfo != nil {
		return b.ErrorInfo.ErrorCode
	}
	return b.ErrorCode
}

func (b errorBody) message() string {
	if b.Message == "" && b.ErrorInfo != nil {
		return b.ErrorInfo.Message
	}
	return b.Message
}

// isOrderPlacement reports whether ep submits a new order.
func isOrderPlacement(ep Endpoint) bool {
	return ep.Method == http.MethodPost && ep.Path == PathOrders
}

func isTradePath(path string) bool {
	return strings.HasPrefix(path, "/trade/")
}

// mapStatusError converts a non-2xx response into a typed error. Rules are
// evaluated in order, first match wins.
func mapStatusError(ep Endpoint, resp *Response) error {
	var body errorBody
	_ = json.Unmarshal(resp.Body, &body)
	details := string(resp.Body)
	code := body.code()

	if resp.StatusCode >= 400 && isTradePath(ep.Path) && strings.Contains(strings.ToLower(code), "insufficient") {
		return &tradeerr.InsufficientFunds{BrokerDetails: details}
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && isOrderPlacement(ep) {
		payload, _ := ep.Body.(map[string]any)
		msg := body.message()
		if msg == "" {
			msg = "order rejected by broker"
		}
		return &tradeerr.OrderPlacement{
			Message:       msg,
			StatusCode:    resp.StatusCode,
			BrokerDetails: details,
			OrderPayload:  payload,
		}
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &tradeerr.TokenAuthentication{}
	case http.StatusTooManyRequests:
		return &tradeerr.BrokerAPI{
			Message:        "rate limit exceeded",
			StatusCode:     resp.StatusCode,
			BrokerDetails:  details,
			RequestDetails: ep.String(),
		}
	}

	msg := body.message()
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &tradeerr.BrokerAPI{
		Message:        msg,
		StatusCode:     resp.StatusCode,
		BrokerDetails:  details,
		RequestDetails: ep.String(),
	}
}
