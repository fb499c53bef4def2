// Package instrument finds the turbo warrant to trade for a signal: it
// searches the underlying's knock-outs, waits for usable bid quotes and picks
// the best candidate in the configured price range.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"wata/internal/broker"
	"wata/internal/config"
	"wata/internal/domain"
	"wata/internal/tradeerr"
	"wata/internal/util"
)

const (
	assetTypes          = "WarrantKnockOut,WarrantOpenEndKnockOut"
	defaultAssetType    = "WarrantOpenEndKnockOut"
	infoPriceFieldGroup = "Commissions,DisplayAndFormat,InstrumentPriceDetails,PriceInfo,PriceInfoDetails,Quote"
	noMarket            = "NoMarket"
	marketClosed        = "Closed"
	maxMissingBidRatio  = 0.5
)

var snapshotFieldGroups = []string{"Commissions", "DisplayAndFormat", "InstrumentPriceDetails", "PriceInfo", "Quote", "Timestamps"}

// errQuotesIncomplete marks a quote batch that must be fetched again.
var errQuotesIncomplete = errors.New("quote batch incomplete")

// Service selects instruments through the broker API.
type Service struct {
	api    broker.Requester
	acct   broker.Account
	cfg    config.TradeConfig
	logger *slog.Logger
}

// NewService creates an instrument Service.
func NewService(api broker.Requester, acct broker.Account, cfg config.TradeConfig, logger *slog.Logger) *Service {
	return &Service{api: api, acct: acct, cfg: cfg, logger: util.OrDefault(logger)}
}

type parsedInstrument struct {
	broker.Instrument
	parsed domain.ParsedDescription
}

// FindTurbo returns the knock-out warrant on underlyingID to trade in
// direction. It fails with NoTurbosAvailable when nothing matches the search
// or price range and with NoMarketAvailable when no usable quote exists.
func (s *Service) FindTurbo(ctx context.Context, exchangeID string, underlyingID int64, direction domain.Action) (*domain.InstrumentCandidate, error) {
	log := s.logger.With("exchange", exchangeID, "underlying", underlyingID, "direction", direction)

	instruments, err := s.searchInstruments(ctx, exchangeID, underlyingID, direction)
	if err != nil {
		return nil, err
	}
	if len(instruments) == 0 {
		return nil, &tradeerr.NoTurbosAvailable{Reason: "No turbos found for the underlying"}
	}

	parsed := make([]parsedInstrument, 0, len(instruments))
	for _, inst := range instruments {
		p, ok := ParseDescription(inst.Description)
		if !ok {
			log.Warn("skipping unparsable instrument description", "uic", inst.Identifier, "description", inst.Description)
			continue
		}
		parsed = append(parsed, parsedInstrument{Instrument: inst, parsed: p})
	}
	if len(parsed) == 0 {
		return nil, &tradeerr.NoTurbosAvailable{Reason: "No turbos with a parsable description"}
	}

	// Most protective knock-out first.
	sort.SliceStable(parsed, func(i, j int) bool {
		if direction == domain.ActionShort {
			return parsed[i].parsed.Price < parsed[j].parsed.Price
		}
		return parsed[i].parsed.Price > parsed[j].parsed.Price
	})

	quotes, err := s.fetchQuotesWithBids(ctx, parsed)
	if err != nil {
		return nil, err
	}
	log.Debug("quotes with bids", "count", len(quotes))

	tradable := quotes[:0]
	for _, q := range quotes {
		if q.Quote == nil || q.Quote.PriceTypeAsk == noMarket || q.Quote.PriceTypeBid == noMarket ||
			q.Quote.MarketState == marketClosed || !q.Quote.Ask.Valid {
			continue
		}
		tradable = append(tradable, q)
	}
	if len(tradable) == 0 {
		return nil, &tradeerr.NoMarketAvailable{Reason: "No markets available"}
	}

	inRange := make([]broker.InfoPrice, 0, len(tradable))
	for _, q := range tradable {
		bid := q.Quote.Bid.Value
		if bid >= s.cfg.PriceRange.Min && bid <= s.cfg.PriceRange.Max {
			inRange = append(inRange, q)
		}
	}
	if len(inRange) == 0 {
		return nil, &tradeerr.NoTurbosAvailable{
			Reason: fmt.Sprintf("No turbos found in price range [%.2f, %.2f]", s.cfg.PriceRange.Min, s.cfg.PriceRange.Max),
		}
	}

	sort.SliceStable(inRange, func(i, j int) bool {
		if direction == domain.ActionShort {
			return inRange[i].Quote.Bid.Value > inRange[j].Quote.Bid.Value
		}
		return inRange[i].Quote.Bid.Value < inRange[j].Quote.Bid.Value
	})
	selected := inRange[0]

	candidate := s.candidate(selected, parsed)
	s.applySnapshot(ctx, candidate, log)

	log.Info("turbo selected",
		"uic", candidate.Uic,
		"description", candidate.Description,
		"bid", candidate.LatestBid,
		"ask", candidate.LatestAsk,
	)
	return candidate, nil
}

func (s *Service) searchInstruments(ctx context.Context, exchangeID string, underlyingID int64, direction domain.Action) ([]broker.Instrument, error) {
	ep := broker.Endpoint{
		Method: http.MethodGet,
		Path:   broker.PathInstruments,
		Params: map[string]string{
			"$top":               strconv.Itoa(s.cfg.APILimits.TopInstruments),
			"AccountKey":         s.acct.AccountKey,
			"ExchangeId":         exchangeID,
			"Keywords":           string(direction),
			"IncludeNonTradable": "false",
			"UnderlyingUics":     strconv.FormatInt(underlyingID, 10),
			"AssetTypes":         assetTypes,
		},
	}
	list, err := broker.Fetch[broker.InstrumentList](ctx, s.api, ep)
	if err != nil {
		return nil, fmt.Errorf("search instruments: %w", err)
	}
	if list == nil {
		return nil, nil
	}
	return list.Data, nil
}

// fetchQuotesWithBids fetches batch quotes until at most half of the quoted
// items lack a bid, then drops the items still missing one.
func (s *Service) fetchQuotesWithBids(ctx context.Context, instruments []parsedInstrument) ([]broker.InfoPrice, error) {
	uics := make([]string, len(instruments))
	for i, inst := range instruments {
		uics[i] = strconv.FormatInt(inst.Identifier, 10)
	}
	assetType := instruments[0].AssetType
	if assetType == "" {
		assetType = defaultAssetType
	}
	ep := broker.Endpoint{
		Method: http.MethodGet,
		Path:   broker.PathInfoPrices,
		Params: map[string]string{
			"AccountKey":  s.acct.AccountKey,
			"Uics":        strings.Join(uics, ","),
			"AssetType":   assetType,
			"FieldGroups": infoPriceFieldGroup,
		},
	}

	policy := util.FixedPolicy(s.cfg.Retry.MaxRetries, s.cfg.Retry.RetrySleep())
	policy.Retryable = func(err error) bool { return errors.Is(err, errQuotesIncomplete) }
	policy.OnRetry = func(attempt int, err error) {
		s.logger.Warn("quote batch not usable yet, retrying", "attempt", attempt, "reason", err)
	}
	quotes, err := util.Do(ctx, policy, func(int) ([]broker.InfoPrice, error) {
		list, err := broker.Fetch[broker.InfoPriceList](ctx, s.api, ep)
		if err != nil {
			return nil, err
		}
		if list == nil {
			return nil, fmt.Errorf("%w: empty response", errQuotesIncomplete)
		}
		if len(list.Data) == 0 {
			return nil, &tradeerr.NoMarketAvailable{Reason: "No quote data returned"}
		}
		if ratio := missingBidRatio(list.Data); ratio > maxMissingBidRatio {
			return nil, fmt.Errorf("%w: %.0f%% of quotes lack a bid", errQuotesIncomplete, ratio*100)
		}
		return list.Data, nil
	})
	if errors.Is(err, errQuotesIncomplete) {
		return nil, &tradeerr.NoMarketAvailable{Reason: "Failed to obtain valid InfoPrice data"}
	}
	if err != nil {
		return nil, err
	}

	withBids := make([]broker.InfoPrice, 0, len(quotes))
	for _, q := range quotes {
		if q.Quote != nil && !q.Quote.Bid.Valid {
			continue
		}
		withBids = append(withBids, q)
	}
	return withBids, nil
}

// missingBidRatio is the share of items carrying a quote section without a
// bid price.
func missingBidRatio(items []broker.InfoPrice) float64 {
	missing := 0
	for _, q := range items {
		if q.Quote != nil && !q.Quote.Bid.Valid {
			missing++
		}
	}
	return float64(missing) / float64(len(items))
}

func (s *Service) candidate(q broker.InfoPrice, instruments []parsedInstrument) *domain.InstrumentCandidate {
	c := &domain.InstrumentCandidate{
		Uic:            q.Uic,
		AssetType:      q.AssetType,
		Symbol:         q.DisplayAndFormat.Symbol,
		Description:    q.DisplayAndFormat.Description,
		Currency:       q.DisplayAndFormat.Currency,
		Decimals:       q.DisplayAndFormat.Decimals,
		Bid:            q.Quote.Bid.Value,
		Ask:            q.Quote.Ask.Value,
		LatestBid:      q.Quote.Bid.Value,
		LatestAsk:      q.Quote.Ask.Value,
		MarketState:    q.Quote.MarketState,
		CommissionBuy:  q.Commissions.CostBuy.Value,
		CommissionSell: q.Commissions.CostSell.Value,
	}
	for _, inst := range instruments {
		if inst.Identifier != q.Uic {
			continue
		}
		c.Parsed = inst.parsed
		if c.Description == "" {
			c.Description = inst.Description
		}
		if c.Symbol == "" {
			c.Symbol = inst.Symbol
		}
		if c.Currency == "" {
			c.Currency = inst.CurrencyCode
		}
		if c.AssetType == "" {
			c.AssetType = inst.AssetType
		}
		break
	}
	if c.Parsed == (domain.ParsedDescription{}) {
		c.Parsed, _ = ParseDescription(c.Description)
	}
	return c
}

// applySnapshot refreshes c with a one-shot price subscription. Any failure
// keeps the batch quote figures.
func (s *Service) applySnapshot(ctx context.Context, c *domain.InstrumentCandidate, log *slog.Logger) {
	req := broker.PriceSubscriptionRequest{
		Arguments: broker.PriceSubscriptionArguments{
			Uic:         c.Uic,
			AccountKey:  s.acct.AccountKey,
			AssetType:   c.AssetType,
			Amount:      1,
			FieldGroups: snapshotFieldGroups,
		},
		ContextID:   uuid.NewString(),
		ReferenceID: uuid.NewString(),
		RefreshRate: s.cfg.PriceRefreshRateMS,
		Format:      "application/json",
	}
	sub, err := broker.Fetch[broker.PriceSubscription](ctx, s.api, broker.Endpoint{
		Method: http.MethodPost,
		Path:   broker.PathPriceSubscriptions,
		Body:   req,
	})
	if err != nil {
		log.Warn("price snapshot unavailable, using batch quote", "uic", c.Uic, "error", err)
		return
	}
	defer s.deleteSubscription(ctx, req.ContextID, req.ReferenceID, log)

	if sub == nil || sub.Snapshot == nil || sub.Snapshot.Quote == nil ||
		!sub.Snapshot.Quote.Ask.Valid || !sub.Snapshot.Quote.Bid.Valid {
		log.Warn("price snapshot incomplete, using batch quote", "uic", c.Uic)
		return
	}

	snap := sub.Snapshot
	c.LatestAsk = snap.Quote.Ask.Value
	c.LatestBid = snap.Quote.Bid.Value
	c.SubscriptionContextID = req.ContextID
	if d := snap.DisplayAndFormat.Description; d != "" {
		c.Description = d
	}
	if snap.DisplayAndFormat.Currency != "" {
		c.Currency = snap.DisplayAndFormat.Currency
	}
	if snap.DisplayAndFormat.Decimals != 0 {
		c.Decimals = snap.DisplayAndFormat.Decimals
	}
	if snap.Commissions.CostBuy.Valid {
		c.CommissionBuy = snap.Commissions.CostBuy.Value
	}
	if snap.Commissions.CostSell.Valid {
		c.CommissionSell = snap.Commissions.CostSell.Value
	}
}

func (s *Service) deleteSubscription(ctx context.Context, contextID, referenceID string, log *slog.Logger) {
	_, err := s.api.Request(ctx, broker.Endpoint{
		Method: http.MethodDelete,
		Path:   broker.PathPriceSubscriptions + "/" + contextID + "/" + referenceID,
	})
	if err != nil {
		log.Debug("price subscription cleanup failed", "context_id", contextID, "error", err)
	}
}
