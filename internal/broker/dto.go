package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ---------------------------------------------------------------------------
// Numbers
// ---------------------------------------------------------------------------

// Number is a broker numeric field. It accepts a JSON number or a numeric
// string; null or an absent field leaves Valid false.
type Number struct {
	Value float64
	Valid bool
}

// NumberError reports a value that is neither a number nor a numeric string.
type NumberError struct {
	Raw string
}

func (e *NumberError) Error() string { return fmt.Sprintf("not a number: %s", e.Raw) }

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*n = Number{}
		return nil
	}
	raw := string(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return &NumberError{Raw: raw}
		}
		raw = s
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return &NumberError{Raw: raw}
	}
	*n = Number{Value: v, Valid: true}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// Num returns a valid Number.
func Num(v float64) Number { return Number{Value: v, Valid: true} }

// ---------------------------------------------------------------------------
// Reference data and prices
// ---------------------------------------------------------------------------

// InstrumentList is the instrument search response.
type InstrumentList struct {
	Data []Instrument `json:"Data"`
}

// Instrument is one instrument search hit.
type Instrument struct {
	Identifier   int64  `json:"Identifier"`
	AssetType    string `json:"AssetType"`
	Description  string `json:"Description"`
	Symbol       string `json:"Symbol"`
	CurrencyCode string `json:"CurrencyCode"`
	ExchangeID   string `json:"ExchangeId"`
}

// InfoPriceList is the batch quote response.
type InfoPriceList struct {
	Data []InfoPrice `json:"Data"`
}

// InfoPrice is a batch quote for one instrument.
type InfoPrice struct {
	Uic              int64            `json:"Uic"`
	AssetType        string           `json:"AssetType"`
	Quote            *Quote           `json:"Quote"`
	DisplayAndFormat DisplayAndFormat `json:"DisplayAndFormat"`
	Commissions      Commissions      `json:"Commissions"`
}

// Quote is the price section of a quote or snapshot.
type Quote struct {
	Ask          Number `json:"Ask"`
	Bid          Number `json:"Bid"`
	Mid          Number `json:"Mid"`
	MarketState  string `json:"MarketState"`
	PriceTypeAsk string `json:"PriceTypeAsk"`
	PriceTypeBid string `json:"PriceTypeBid"`
}

// DisplayAndFormat carries instrument display information.
type DisplayAndFormat struct {
	Currency      string `json:"Currency"`
	Decimals      int    `json:"Decimals"`
	OrderDecimals int    `json:"OrderDecimals"`
	Description   string `json:"Description"`
	Symbol        string `json:"Symbol"`
}

// Commissions are the broker's cost figures for one unit trade.
type Commissions struct {
	CostBuy  Number `json:"CostBuy"`
	CostSell Number `json:"CostSell"`
}

// PriceSubscriptionRequest creates a price subscription.
type PriceSubscriptionRequest struct {
	Arguments   PriceSubscriptionArguments `json:"Arguments"`
	ContextID   string                     `json:"ContextId"`
	ReferenceID string                     `json:"ReferenceId"`
	RefreshRate int                        `json:"RefreshRate"`
	Format      string                     `json:"Format"`
}

// PriceSubscriptionArguments selects the subscribed instrument.
type PriceSubscriptionArguments struct {
	Uic         int64    `json:"Uic"`
	AccountKey  string   `json:"AccountKey"`
	AssetType   string   `json:"AssetType"`
	Amount      int      `json:"Amount"`
	FieldGroups []string `json:"FieldGroups"`
}

// PriceSubscription is the subscription creation response.
type PriceSubscription struct {
	ContextID   string         `json:"ContextId"`
	ReferenceID string         `json:"ReferenceId"`
	Snapshot    *PriceSnapshot `json:"Snapshot"`
}

// PriceSnapshot is the initial price of a subscription.
type PriceSnapshot struct {
	Uic              int64            `json:"Uic"`
	AssetType        string           `json:"AssetType"`
	Quote            *Quote           `json:"Quote"`
	DisplayAndFormat DisplayAndFormat `json:"DisplayAndFormat"`
	Commissions      Commissions      `json:"Commissions"`
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// OrderResponse is the order placement response.
type OrderResponse struct {
	OrderID string `json:"OrderId"`
}

// ---------------------------------------------------------------------------
// Portfolio
// ---------------------------------------------------------------------------

// PositionList is the open positions response.
type PositionList struct {
	Data []Position `json:"Data"`
}

// Position is an open broker position.
type Position struct {
	PositionID       string           `json:"PositionId"`
	PositionBase     PositionBase     `json:"PositionBase"`
	PositionView     PositionView     `json:"PositionView"`
	DisplayAndFormat DisplayAndFormat `json:"DisplayAndFormat"`
}

// PositionBase holds the static part of a position.
type PositionBase struct {
	Amount            Number `json:"Amount"`
	AssetType         string `json:"AssetType"`
	CanBeClosed       bool   `json:"CanBeClosed"`
	OpenPrice         Number `json:"OpenPrice"`
	SourceOrderID     string `json:"SourceOrderId"`
	Status            string `json:"Status"`
	Uic               int64  `json:"Uic"`
	ExecutionTimeOpen string `json:"ExecutionTimeOpen"`
}

// PositionView holds the live valuation of a position.
type PositionView struct {
	Bid               Number `json:"Bid"`
	CurrentPrice      Number `json:"CurrentPrice"`
	ProfitLossOnTrade Number `json:"ProfitLossOnTrade"`
}

// ClosedPositionList is one page of closed positions.
type ClosedPositionList struct {
	Data []ClosedPositionItem `json:"Data"`
}

// ClosedPositionItem wraps a closed position.
type ClosedPositionItem struct {
	ClosedPositionUniqueID string           `json:"ClosedPositionUniqueId"`
	ClosedPosition         ClosedPosition   `json:"ClosedPosition"`
	DisplayAndFormat       DisplayAndFormat `json:"DisplayAndFormat"`
}

// ClosedPosition holds the realized figures of a closed position.
type ClosedPosition struct {
	OpeningPositionID  string `json:"OpeningPositionId"`
	Amount             Number `json:"Amount"`
	OpenPrice          Number `json:"OpenPrice"`
	ClosingPrice       Number `json:"ClosingPrice"`
	ProfitLossOnTrade  Number `json:"ProfitLossOnTrade"`
	ExecutionTimeClose string `json:"ExecutionTimeClose"`
	BuyOrSell          string `json:"BuyOrSell"`
}

// Balance is the account balance response. SpendingPower is kept raw so a
// missing field can be told apart from a malformed one.
type Balance struct {
	SpendingPower json.RawMessage `json:"SpendingPower"`
}

// ClientSession identifies the authenticated client.
type ClientSession struct {
	ClientKey         string `json:"ClientKey"`
	DefaultAccountKey string `json:"DefaultAccountKey"`
}
