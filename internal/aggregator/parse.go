package aggregator

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// parseEvents extracts zero or more priceEvents from one dispatched
// transport message. last_trade_price carries a trade (price/size);
// best_bid_ask and book carry a single two-sided quote whose midpoint is
// the candle price; price_change carries a list of per-asset quote
// entries, each handled independently. Events with a non-positive
// price/side, or whose asset id is missing, come back invalid with a
// dropReason and are discarded by the caller after being counted.
func parseEvents(kind string, payload json.RawMessage) []priceEvent {
	switch kind {
	case "last_trade_price":
		return []priceEvent{parseTrade(payload)}
	case "best_bid_ask":
		return []priceEvent{parseBBO(payload)}
	case "price_change":
		return parsePriceChange(payload)
	case "book":
		return []priceEvent{parseBook(payload)}
	default:
		return []priceEvent{{dropReason: "unrecognized_kind"}}
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

type tradeWire struct {
	AssetID   string          `json:"asset_id"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Timestamp int64           `json:"timestamp"`
}

func parseTrade(payload json.RawMessage) priceEvent {
	var w tradeWire
	if err := json.Unmarshal(payload, &w); err != nil || w.AssetID == "" {
		return priceEvent{dropReason: "malformed_trade"}
	}
	if !w.Price.IsPositive() {
		return priceEvent{dropReason: "non_positive_price"}
	}
	ts := w.Timestamp
	if ts == 0 {
		ts = nowMs()
	}
	return priceEvent{
		assetID:   w.AssetID,
		tsMs:      ts,
		price:     w.Price,
		isTrade:   true,
		tradeSize: w.Size,
		valid:     true,
	}
}

type bboWire struct {
	AssetID   string          `json:"asset_id"`
	BestBid   decimal.Decimal `json:"best_bid"`
	BestAsk   decimal.Decimal `json:"best_ask"`
	Timestamp int64           `json:"timestamp"`
}

func parseBBO(payload json.RawMessage) priceEvent {
	var w bboWire
	if err := json.Unmarshal(payload, &w); err != nil || w.AssetID == "" {
		return priceEvent{dropReason: "malformed_bbo"}
	}
	return bboToEvent(w.AssetID, w.BestBid, w.BestAsk, w.Timestamp)
}

type priceChangeEntry struct {
	AssetID string          `json:"asset_id"`
	BestBid decimal.Decimal `json:"best_bid"`
	BestAsk decimal.Decimal `json:"best_ask"`
}

type priceChangeWire struct {
	Timestamp    int64              `json:"timestamp"`
	PriceChanges []priceChangeEntry `json:"price_changes"`
}

// parsePriceChange expands one price_change frame into one priceEvent per
// entry, each keyed by its own asset id.
func parsePriceChange(payload json.RawMessage) []priceEvent {
	var w priceChangeWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return []priceEvent{{dropReason: "malformed_price_change"}}
	}

	events := make([]priceEvent, 0, len(w.PriceChanges))
	for _, e := range w.PriceChanges {
		events = append(events, bboToEvent(e.AssetID, e.BestBid, e.BestAsk, w.Timestamp))
	}
	return events
}

type bookLevel struct {
	Price decimal.Decimal `json:"price"`
}

type bookWire struct {
	AssetID   string      `json:"asset_id"`
	Buys      []bookLevel `json:"buys"`
	Sells     []bookLevel `json:"sells"`
	Timestamp int64       `json:"timestamp"`
}

func parseBook(payload json.RawMessage) priceEvent {
	var w bookWire
	if err := json.Unmarshal(payload, &w); err != nil || w.AssetID == "" {
		return priceEvent{dropReason: "malformed_book"}
	}

	bestBid := decimal.Zero
	for _, b := range w.Buys {
		if b.Price.GreaterThan(bestBid) {
			bestBid = b.Price
		}
	}

	bestAsk := decimal.Zero
	for _, s := range w.Sells {
		if bestAsk.IsZero() || s.Price.LessThan(bestAsk) {
			bestAsk = s.Price
		}
	}

	return bboToEvent(w.AssetID, bestBid, bestAsk, w.Timestamp)
}

func bboToEvent(assetID string, bid, ask decimal.Decimal, ts int64) priceEvent {
	if assetID == "" || !bid.IsPositive() || !ask.IsPositive() {
		return priceEvent{dropReason: "non_positive_bbo"}
	}
	if ts == 0 {
		ts = nowMs()
	}
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	return priceEvent{
		assetID: assetID,
		tsMs:    ts,
		price:   mid,
		bid:     bid,
		ask:     ask,
		hasBBO:  true,
		valid:   true,
	}
}
