// Package writer buffers finalized candles in memory, flushes them to
// per-market columnar files on disk, and republishes an atomic zip
// snapshot of the whole store.
package writer

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarcelWind/polymarket-history-generator/internal/aggregator"
	"github.com/MarcelWind/polymarket-history-generator/internal/discovery"
)

// Row is one on-disk candle record: an OHLCVCandle enriched with the
// human-readable datetime and the outcome label it belongs to. The
// parquet struct tags give the column names.
type Row struct {
	AssetID    string  `parquet:"asset_id"`
	Outcome    string  `parquet:"outcome"`
	Timestamp  int64   `parquet:"timestamp"`
	Datetime   string  `parquet:"datetime"`
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     float64 `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
	BuyVolume  float64 `parquet:"buy_volume"`
	SellVolume float64 `parquet:"sell_volume"`
}

// groupKey identifies the file a row belongs to.
type groupKey struct {
	assetID string
	outcome string
}

func rowFromCandle(c aggregator.OHLCVCandle, info discovery.MarketInfo, known bool) Row {
	outcome := "unknown"
	if known {
		outcome = info.OutcomeLabel
	}
	return Row{
		AssetID:    c.AssetID,
		Outcome:    outcome,
		Timestamp:  c.StartTime,
		Datetime:   time.Unix(c.StartTime, 0).UTC().Format(time.RFC3339),
		Open:       toFloat(c.Open),
		High:       toFloat(c.High),
		Low:        toFloat(c.Low),
		Close:      toFloat(c.Close),
		Volume:     toFloat(c.Volume),
		TradeCount: c.TradeCount,
		VWAP:       toFloat(c.VWAP),
		BuyVolume:  toFloat(c.BuyVolume),
		SellVolume: toFloat(c.SellVolume),
	}
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
