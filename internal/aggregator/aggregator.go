package aggregator

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarcelWind/polymarket-history-generator/internal/errs"
)

// Aggregator maintains one in-progress candleState per asset and a queue
// of finalized candles awaiting drain. All mutable state is guarded by a
// single mutex held only for short critical sections: the transport
// callback feeding OnMessage must never block on external work.
type Aggregator struct {
	mu sync.Mutex

	interval time.Duration

	current   map[string]*candleState
	completed []OHLCVCandle
	lastBBO   map[string]*bboQuote

	onDrop func(reason string)

	logger *slog.Logger
}

// New creates an Aggregator that floors event timestamps to interval
// boundaries.
func New(interval time.Duration, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		interval: interval,
		current:  make(map[string]*candleState),
		lastBBO:  make(map[string]*bboQuote),
		logger:   logger.With("component", "aggregator"),
	}
}

// priceEvent is the normalized shape extracted from any of the dispatched
// event kinds before it reaches the update rule.
type priceEvent struct {
	assetID    string
	tsMs       int64
	price      decimal.Decimal
	isTrade    bool
	tradeSize  decimal.Decimal
	bid        decimal.Decimal
	ask        decimal.Decimal
	hasBBO     bool
	valid      bool
	dropReason string
}

// OnDrop registers a hook invoked once per event the aggregator could not
// apply (malformed payload, non-positive price/side, or a recognized-but-
// unaggregated kind like tick_size_change), identified by a short reason
// string. Intended for metrics; must not block.
func (a *Aggregator) OnDrop(fn func(reason string)) {
	a.onDrop = fn
}

// OnMessage decodes one transport event and applies it to the relevant
// asset's candle state(s). A price_change frame can carry entries for
// several assets at once; every other kind carries exactly one. Unparseable
// or economically invalid events (non-positive price/side) are dropped,
// never panic.
func (a *Aggregator) OnMessage(kind string, payload json.RawMessage) {
	for _, evt := range parseEvents(kind, payload) {
		if !evt.valid {
			reason := evt.dropReason
			if reason == "" {
				reason = "invalid_event"
			}
			a.logger.Debug("dropped event", "error", &errs.AggregationDrop{Reason: reason})
			if a.onDrop != nil {
				a.onDrop(reason)
			}
			continue
		}
		a.applyEvent(evt)
	}
}

func (a *Aggregator) applyEvent(evt priceEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if evt.hasBBO {
		a.lastBBO[evt.assetID] = &bboQuote{bid: evt.bid, ask: evt.ask}
	}

	b := boundary(evt.tsMs, a.interval)
	state, ok := a.current[evt.assetID]

	if !ok {
		state = newCandleState(b, evt.price)
		a.current[evt.assetID] = state
	} else if state.startTime != b {
		a.completed = append(a.completed, state.finalize(evt.assetID))
		state = newCandleState(b, evt.price)
		a.current[evt.assetID] = state
	}

	state.apply(evt.price)

	if evt.isTrade && evt.tradeSize.IsPositive() {
		state.creditTrade(evt.price, evt.tradeSize, a.lastBBO[evt.assetID])
	}
}

// FlushStaleCandles finalizes every in-progress state whose boundary has
// fallen behind the current time, so assets that stop trading still emit
// their last candle.
func (a *Aggregator) FlushStaleCandles(nowMs int64) {
	bNow := boundary(nowMs, a.interval)

	a.mu.Lock()
	defer a.mu.Unlock()

	for assetID, state := range a.current {
		if state.startTime < bNow {
			a.completed = append(a.completed, state.finalize(assetID))
			delete(a.current, assetID)
		}
	}
}

// DrainCompletedCandles atomically returns and clears the finalized
// candle queue.
func (a *Aggregator) DrainCompletedCandles() []OHLCVCandle {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.completed) == 0 {
		return nil
	}
	out := a.completed
	a.completed = nil
	return out
}
