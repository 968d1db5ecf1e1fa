// Package discovery resolves human-readable event queries into a live,
// growing set of tracked assets and their metadata, by paginating the
// Polymarket Gamma public-search API and normalizing its inconsistently
// shaped market payloads.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/MarcelWind/polymarket-history-generator/internal/errs"
)

const (
	searchTimeout = 15 * time.Second
	detailTimeout = 8 * time.Second
	maxPages      = 3
)

// gammaMarket is the JSON shape of one market inside a Gamma event.
type gammaMarket struct {
	Question       string          `json:"question"`
	GroupItemTitle string          `json:"groupItemTitle"`
	ConditionID    string          `json:"conditionId"`
	Closed         bool            `json:"closed"`
	Archived       bool            `json:"archived"`
	Outcomes       json.RawMessage `json:"outcomes"`
	ClobTokenIds   json.RawMessage `json:"clobTokenIds"`
}

func (m gammaMarket) title() string {
	if m.GroupItemTitle != "" {
		return m.GroupItemTitle
	}
	if m.Question != "" {
		return m.Question
	}
	return "Unknown"
}

// gammaEvent is the JSON shape of one event returned by public-search.
type gammaEvent struct {
	Slug    string        `json:"slug"`
	ID      flexID        `json:"id"`
	Title   string        `json:"title"`
	Markets []gammaMarket `json:"markets"`
}

func (e gammaEvent) hasOpenMarket() bool {
	for _, m := range e.Markets {
		if !m.Closed && !m.Archived {
			return true
		}
	}
	return false
}

type searchResponse struct {
	Events []gammaEvent `json:"events"`
}

// MarketDiscovery maintains known_assets and a per-process detail-fetch
// cache, and resolves query strings into newly discovered MarketInfo
// records via the Gamma API.
type MarketDiscovery struct {
	client  *resty.Client
	limiter *tokenBucket
	logger  *slog.Logger

	registry *Registry

	detailMu    sync.Mutex
	detailCache map[string][]string // cacheKey -> token ids (nil entry = known miss)
}

// New creates a MarketDiscovery pointed at baseURL (the Gamma API base,
// e.g. https://gamma-api.polymarket.com), sharing registry with whatever
// other components need read access to known_assets.
func New(baseURL string, registry *Registry, logger *slog.Logger) *MarketDiscovery {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(searchTimeout)

	return &MarketDiscovery{
		client:      client,
		limiter:     newTokenBucket(5, 2), // 5 burst, 2/s sustained
		logger:      logger.With("component", "discovery"),
		registry:    registry,
		detailCache: make(map[string][]string),
	}
}

// Registry returns the shared known_assets registry.
func (d *MarketDiscovery) Registry() *Registry { return d.registry }

// Discover issues a paginated search for each query and returns the
// newly-inserted MarketInfo records. Per-query network failures are
// logged and skipped; Discover never aborts partway through the query
// list. Idempotent: a call against unchanged upstream state adds nothing.
func (d *MarketDiscovery) Discover(ctx context.Context, queries []string) []MarketInfo {
	var newMarkets []MarketInfo

	for _, query := range queries {
		events, err := d.searchEvents(ctx, query)
		if err != nil {
			d.logger.Warn("discovery query failed", "query", query, "error", err)
			continue
		}

		for _, event := range events {
			if !event.hasOpenMarket() {
				continue
			}
			newMarkets = append(newMarkets, d.extractMarkets(ctx, event)...)
		}
	}

	return newMarkets
}

func (d *MarketDiscovery) searchEvents(ctx context.Context, query string) ([]gammaEvent, error) {
	var openEvents []gammaEvent

	for page := 1; page <= maxPages; page++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var result searchResponse
		resp, err := d.client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"q":                   query,
				"limit_per_type":      "50",
				"optimized":           "true",
				"sort":                "startTime",
				"ascending":           "false",
				"events_status":       "active",
				"keep_closed_markets": "0",
				"page":                fmt.Sprintf("%d", page),
			}).
			SetResult(&result).
			ForceContentType("application/json").
			Get("/public-search")
		if err != nil {
			return nil, &errs.DiscoveryError{Query: query, Err: err}
		}
		if resp.StatusCode() != 200 {
			return nil, &errs.DiscoveryError{Query: query, Err: fmt.Errorf("status %d", resp.StatusCode())}
		}

		for _, e := range result.Events {
			if e.hasOpenMarket() {
				openEvents = append(openEvents, e)
			}
		}

		if len(openEvents) > 0 {
			break
		}
	}

	return openEvents, nil
}

func (d *MarketDiscovery) extractMarkets(ctx context.Context, event gammaEvent) []MarketInfo {
	var out []MarketInfo

	for _, market := range event.Markets {
		if market.Closed || market.Archived {
			continue
		}

		tokenIDRaw := decodeLenientList(market.ClobTokenIds)
		if len(tokenIDRaw) == 0 {
			if fetched, ok := d.fetchDetailTokenIDs(ctx, event, market); ok {
				tokenIDRaw = fetched
			}
		}

		outcomeRaw := decodeLenientList(market.Outcomes)

		for i, tokRaw := range tokenIDRaw {
			tokenID := rawToTokenID(tokRaw)
			if tokenID == "" || d.registry.Has(tokenID) {
				continue
			}

			var outcome string
			if i < len(outcomeRaw) {
				outcome = normalizeOutcome(outcomeRaw[i])
			}

			info := NewMarketInfo(tokenID, event.Slug, market.title(), event.Title, market.ConditionID, outcome)
			if d.registry.InsertIfAbsent(info) {
				out = append(out, info)
				d.logger.Info("discovered market",
					"event", event.Title, "market", market.title(), "outcome", outcome)
			}
		}
	}

	return out
}

// fetchDetailTokenIDs performs one cached detail fetch for an event whose
// clobTokenIds came back empty, keyed by (event identifier, market
// title slug).
func (d *MarketDiscovery) fetchDetailTokenIDs(ctx context.Context, event gammaEvent, market gammaMarket) ([]json.RawMessage, bool) {
	eventKey := event.Slug
	if string(event.ID) != "" {
		eventKey = string(event.ID)
	}
	if eventKey == "" {
		return nil, false
	}

	cacheKey := eventKey + "::" + slugify(market.title())

	d.detailMu.Lock()
	if cached, ok := d.detailCache[cacheKey]; ok {
		d.detailMu.Unlock()
		return stringsToRaw(cached), len(cached) > 0
	}
	d.detailMu.Unlock()

	if err := d.limiter.Wait(ctx); err != nil {
		return nil, false
	}

	detailCtx, cancel := context.WithTimeout(ctx, detailTimeout)
	defer cancel()

	var detail struct {
		Markets []gammaMarket `json:"markets"`
	}
	resp, err := d.client.R().
		SetContext(detailCtx).
		SetResult(&detail).
		ForceContentType("application/json").
		Get("/events/" + eventKey)
	if err != nil || resp.StatusCode() != 200 {
		d.logger.Debug("detail fetch failed", "event", eventKey, "error", err)
		d.cacheDetail(cacheKey, nil)
		return nil, false
	}

	wantSlug := slugify(market.title())
	var match *gammaMarket
	for i := range detail.Markets {
		if slugify(detail.Markets[i].title()) == wantSlug {
			match = &detail.Markets[i]
			break
		}
	}
	if match == nil && len(detail.Markets) > 0 {
		match = &detail.Markets[0]
	}
	if match == nil {
		d.cacheDetail(cacheKey, nil)
		return nil, false
	}

	tokenRaw := decodeLenientList(match.ClobTokenIds)
	tokens := make([]string, 0, len(tokenRaw))
	for _, r := range tokenRaw {
		tokens = append(tokens, rawToTokenID(r))
	}
	d.cacheDetail(cacheKey, tokens)
	return tokenRaw, len(tokenRaw) > 0
}

func (d *MarketDiscovery) cacheDetail(key string, tokens []string) {
	d.detailMu.Lock()
	d.detailCache[key] = tokens
	d.detailMu.Unlock()
}

func stringsToRaw(ss []string) []json.RawMessage {
	out := make([]json.RawMessage, len(ss))
	for i, s := range ss {
		out[i] = json.RawMessage(fmt.Sprintf("%q", s))
	}
	return out
}
