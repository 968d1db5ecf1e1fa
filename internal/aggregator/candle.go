// Package aggregator builds per-asset OHLCV candles from a stream of
// market events, flooring timestamps to interval boundaries and crediting
// trade volume to the buy or sell side from the last known best bid/ask.
package aggregator

import (
	"time"

	"github.com/shopspring/decimal"
)

// OHLCVCandle is one finalized, immutable candle row ready for the writer.
type OHLCVCandle struct {
	AssetID    string
	StartTime  int64 // unix seconds, a multiple of the aggregation interval
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     decimal.Decimal
	TradeCount int64
	VWAP       decimal.Decimal
	BuyVolume  decimal.Decimal
	SellVolume decimal.Decimal
}

// candleState is the mutable in-progress accumulator for one asset's
// current interval. vwapNumerator accumulates price*size so VWAP is
// computed once, at finalize time, rather than repeatedly divided.
type candleState struct {
	startTime     int64
	open          decimal.Decimal
	high          decimal.Decimal
	low           decimal.Decimal
	close         decimal.Decimal
	volume        decimal.Decimal
	tradeCount    int64
	vwapNumerator decimal.Decimal
	buyVolume     decimal.Decimal
	sellVolume    decimal.Decimal
}

func newCandleState(startTime int64, price decimal.Decimal) *candleState {
	return &candleState{
		startTime:     startTime,
		open:          price,
		high:          price,
		low:           price,
		close:         price,
		volume:        decimal.Zero,
		vwapNumerator: decimal.Zero,
		buyVolume:     decimal.Zero,
		sellVolume:    decimal.Zero,
	}
}

func (s *candleState) apply(price decimal.Decimal) {
	if price.GreaterThan(s.high) {
		s.high = price
	}
	if price.LessThan(s.low) {
		s.low = price
	}
	s.close = price
}

func (s *candleState) creditTrade(price, size decimal.Decimal, bbo *bboQuote) {
	s.volume = s.volume.Add(size)
	s.tradeCount++
	s.vwapNumerator = s.vwapNumerator.Add(price.Mul(size))

	if bbo == nil {
		return
	}
	mid := bbo.bid.Add(bbo.ask).Div(decimal.NewFromInt(2))
	if price.GreaterThanOrEqual(mid) {
		s.buyVolume = s.buyVolume.Add(size)
	} else {
		s.sellVolume = s.sellVolume.Add(size)
	}
}

func (s *candleState) finalize(assetID string) OHLCVCandle {
	vwap := s.close
	if s.volume.IsPositive() {
		vwap = s.vwapNumerator.Div(s.volume)
	}
	return OHLCVCandle{
		AssetID:    assetID,
		StartTime:  s.startTime,
		Open:       s.open,
		High:       s.high,
		Low:        s.low,
		Close:      s.close,
		Volume:     s.volume,
		TradeCount: s.tradeCount,
		VWAP:       vwap,
		BuyVolume:  s.buyVolume,
		SellVolume: s.sellVolume,
	}
}

// boundary floors a millisecond timestamp to the start of its interval,
// in unix seconds.
func boundary(tsMs int64, interval time.Duration) int64 {
	intervalSeconds := int64(interval.Seconds())
	if intervalSeconds <= 0 {
		intervalSeconds = 1
	}
	seconds := tsMs / 1000
	return (seconds / intervalSeconds) * intervalSeconds
}

type bboQuote struct {
	bid decimal.Decimal
	ask decimal.Decimal
}
