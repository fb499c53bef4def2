// Package tradeerr defines the closed set of typed errors raised by the
// trading services. Each kind is a struct with fixed fields; callers switch on
// Kind rather than matching error strings.
package tradeerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies an error class.
type Kind string

const (
	KindUnknown             Kind = "Unknown"
	KindRuleViolation       Kind = "RuleViolation"
	KindNoTurbosAvailable   Kind = "NoTurbosAvailable"
	KindNoMarketAvailable   Kind = "NoMarketAvailable"
	KindInsufficientFunds   Kind = "InsufficientFunds"
	KindOrderPlacement      Kind = "OrderPlacementError"
	KindPositionNotFound    Kind = "PositionNotFound"
	KindDatabaseOperation   Kind = "DatabaseOperation"
	KindTokenAuthentication Kind = "TokenAuthentication"
	KindConfiguration       Kind = "ConfigurationError"
	KindBrokerAPI           Kind = "BrokerAPIError"
	KindAPIRequest          Kind = "APIRequest"
	KindParse               Kind = "ParseError"
)

// Kinded is implemented by every error in this package.
type Kinded interface {
	error
	Kind() Kind
}

// KindOf returns the kind of the first Kinded error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// IsFatal reports whether errors of kind k must stop the process.
func IsFatal(k Kind) bool {
	switch k {
	case KindRuleViolation, KindNoTurbosAvailable, KindNoMarketAvailable,
		KindInsufficientFunds, KindOrderPlacement:
		return false
	}
	return true
}

// ExitCode returns the process exit code used when terminating on an error of
// kind k.
func ExitCode(k Kind) int {
	switch k {
	case KindPositionNotFound:
		return 10
	case KindDatabaseOperation:
		return 11
	case KindTokenAuthentication:
		return 12
	case KindConfiguration:
		return 13
	case KindBrokerAPI:
		return 14
	case KindAPIRequest:
		return 15
	case KindParse:
		return 16
	}
	return 1
}

// ---------------------------------------------------------------------------
// Business errors (non-fatal)
// ---------------------------------------------------------------------------

// RuleViolation is raised when a signal is not admissible.
type RuleViolation struct {
	Rule   string
	Reason string
}

func (e *RuleViolation) Error() string { return fmt.Sprintf("rule %s: %s", e.Rule, e.Reason) }
func (e *RuleViolation) Kind() Kind    { return KindRuleViolation }

// NoTurbosAvailable is raised when no instrument matches the search criteria.
type NoTurbosAvailable struct {
	Reason string
}

func (e *NoTurbosAvailable) Error() string { return e.Reason }
func (e *NoTurbosAvailable) Kind() Kind    { return KindNoTurbosAvailable }

// NoMarketAvailable is raised when instruments exist but none is tradable.
type NoMarketAvailable struct {
	Reason string
}

func (e *NoMarketAvailable) Error() string { return e.Reason }
func (e *NoMarketAvailable) Kind() Kind    { return KindNoMarketAvailable }

// InsufficientFunds is raised when the account cannot fund an order. Zero
// values mean the figure is unknown.
type InsufficientFunds struct {
	AvailableFunds   float64
	RequiredPrice    float64
	CalculatedAmount int64
	BrokerDetails    string
}

func (e *InsufficientFunds) Error() string {
	var b strings.Builder
	b.WriteString("insufficient funds")
	if e.AvailableFunds != 0 || e.RequiredPrice != 0 {
		fmt.Fprintf(&b, ": available %.2f, price %.4f, amount %d", e.AvailableFunds, e.RequiredPrice, e.CalculatedAmount)
	}
	if e.BrokerDetails != "" {
		fmt.Fprintf(&b, " (%s)", e.BrokerDetails)
	}
	return b.String()
}
func (e *InsufficientFunds) Kind() Kind { return KindInsufficientFunds }

// OrderPlacement is raised when the broker rejects an order or the placement
// response is unusable.
type OrderPlacement struct {
	Message       string
	StatusCode    int
	BrokerDetails string
	OrderPayload  map[string]any
}

func (e *OrderPlacement) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Message, e.StatusCode, e.BrokerDetails)
	}
	return e.Message
}
func (e *OrderPlacement) Kind() Kind { return KindOrderPlacement }

// ---------------------------------------------------------------------------
// Fatal errors
// ---------------------------------------------------------------------------

// PositionNotFound is raised when a placed order never produced a
// discoverable position.
type PositionNotFound struct {
	OrderID               string
	Retries               int
	CancellationAttempted bool
	CancellationSucceeded bool
}

func (e *PositionNotFound) Error() string {
	msg := fmt.Sprintf("position not found for order %s after %d retries", e.OrderID, e.Retries)
	if !e.CancellationAttempted {
		return msg
	}
	if e.CancellationSucceeded {
		return msg + "; successfully cancelled potentially orphan order"
	}
	return msg + "; failed to cancel potentially orphan order"
}
func (e *PositionNotFound) Kind() Kind { return KindPositionNotFound }

// DatabaseOperation is raised when a ledger operation fails. Critical marks
// failures that follow an executed trade.
type DatabaseOperation struct {
	Operation string
	EntityID  string
	Critical  bool
	Err       error
}

func (e *DatabaseOperation) Error() string {
	prefix := ""
	if e.Critical {
		prefix = "CRITICAL: "
	}
	msg := fmt.Sprintf("%sdatabase operation %s failed", prefix, e.Operation)
	if e.EntityID != "" {
		msg += " for " + e.EntityID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}
func (e *DatabaseOperation) Kind() Kind    { return KindDatabaseOperation }
func (e *DatabaseOperation) Unwrap() error { return e.Err }

// TokenAuthentication is raised when the broker rejects the access token or a
// token cannot be obtained.
type TokenAuthentication struct {
	DuringRefresh bool
	Err           error
}

func (e *TokenAuthentication) Error() string {
	msg := "token authentication failed"
	if e.DuringRefresh {
		msg += " during refresh"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}
func (e *TokenAuthentication) Kind() Kind    { return KindTokenAuthentication }
func (e *TokenAuthentication) Unwrap() error { return e.Err }

// Configuration is raised for missing or invalid configuration keys.
type Configuration struct {
	Key    string
	Reason string
}

func (e *Configuration) Error() string { return fmt.Sprintf("config %s: %s", e.Key, e.Reason) }
func (e *Configuration) Kind() Kind    { return KindConfiguration }

// BrokerAPI is raised for unexpected broker responses.
type BrokerAPI struct {
	Message        string
	StatusCode     int
	BrokerDetails  string
	RequestDetails string
}

func (e *BrokerAPI) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("broker api: %s (status %d) %s", e.Message, e.StatusCode, e.BrokerDetails)
	}
	return "broker api: " + e.Message
}
func (e *BrokerAPI) Kind() Kind { return KindBrokerAPI }

// APIRequest is raised when a request never got a response.
type APIRequest struct {
	Endpoint string
	Err      error
}

func (e *APIRequest) Error() string {
	return fmt.Sprintf("request to %s failed: %v", e.Endpoint, e.Err)
}
func (e *APIRequest) Kind() Kind    { return KindAPIRequest }
func (e *APIRequest) Unwrap() error { return e.Err }

// Parse is raised when a broker response lacks a field or carries it with
// the wrong type.
type Parse struct {
	Endpoint string
	Field    string
	Reason   string
}

func (e *Parse) Error() string {
	return fmt.Sprintf("parse %s field %q: %s", e.Endpoint, e.Field, e.Reason)
}
func (e *Parse) Kind() Kind { return KindParse }
