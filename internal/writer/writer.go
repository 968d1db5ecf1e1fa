package writer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/parquet-go/parquet-go"

	"github.com/MarcelWind/polymarket-history-generator/internal/aggregator"
	"github.com/MarcelWind/polymarket-history-generator/internal/discovery"
	"github.com/MarcelWind/polymarket-history-generator/internal/errs"
)

// Writer buffers candles in memory and flushes them to one parquet file
// per market under dataDir (<event_slug>/<market_slug>.parquet, holding
// every outcome of that market), falling back to an "unknown/" directory
// keyed by asset_id for assets not present in the registry.
type Writer struct {
	dataDir  string
	registry *discovery.Registry
	logger   *slog.Logger

	mu     sync.Mutex
	buffer []Row
}

// New creates a Writer rooted at dataDir, which is created if absent.
func New(dataDir string, registry *discovery.Registry, logger *slog.Logger) (*Writer, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, &errs.WriteError{Op: "mkdir data_dir", Err: err}
	}
	return &Writer{
		dataDir:  dataDir,
		registry: registry,
		logger:   logger.With("component", "writer"),
	}, nil
}

// AppendCandles extends the in-memory buffer with one row per candle and
// returns the number appended.
func (w *Writer) AppendCandles(candles []aggregator.OHLCVCandle) int {
	if len(candles) == 0 {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, c := range candles {
		info, known := w.registry.Get(c.AssetID)
		w.buffer = append(w.buffer, rowFromCandle(c, info, known))
	}
	return len(candles)
}

// BufferLen reports the number of rows currently buffered.
func (w *Writer) BufferLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// FlushToDisk groups the buffer by (asset_id, outcome), merges each group
// into its on-disk file (deduping on (asset_id, outcome, timestamp),
// keeping the latest, sorted ascending by timestamp), and clears the
// buffer only once every group has been written successfully. A failing
// group leaves the whole buffer untouched so the next flush retries it —
// safe, since the merge itself is idempotent.
func (w *Writer) FlushToDisk() error {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	rows := w.buffer
	w.mu.Unlock()

	groups := groupRows(rows)

	for key, rowsInGroup := range groups {
		path := w.pathFor(key)
		if err := mergeWriteGroup(path, rowsInGroup); err != nil {
			w.logger.Error("flush group failed, retaining buffer", "asset_id", key.assetID, "outcome", key.outcome, "error", err)
			return &errs.WriteError{Op: fmt.Sprintf("flush %s/%s", key.assetID, key.outcome), Err: err}
		}
	}

	w.mu.Lock()
	w.buffer = nil
	w.mu.Unlock()

	w.logger.Info("flushed candles to disk", "rows", len(rows), "files", len(groups))
	return nil
}

// pathFor resolves the file a group's rows belong to: one file per
// market (<event_slug>/<market_slug>.parquet), holding every outcome's
// rows together, differentiated by the outcome column. Assets absent
// from the registry fall back to unknown/<asset_id[:16]>.parquet.
func (w *Writer) pathFor(key groupKey) string {
	info, ok := w.registry.Get(key.assetID)
	if !ok {
		prefix := key.assetID
		if len(prefix) > 16 {
			prefix = prefix[:16]
		}
		return filepath.Join(w.dataDir, "unknown", prefix+".parquet")
	}
	return filepath.Join(w.dataDir, info.EventSlug, info.MarketSlug+".parquet")
}

func groupRows(rows []Row) map[groupKey][]Row {
	groups := make(map[groupKey][]Row)
	for _, r := range rows {
		key := groupKey{assetID: r.AssetID, outcome: r.Outcome}
		groups[key] = append(groups[key], r)
	}
	return groups
}

// rowKey identifies one on-disk row for dedup: a file can hold more than
// one (asset_id, outcome) pair (every outcome of a market shares one
// file), so timestamp alone is not a unique key.
type rowKey struct {
	assetID   string
	outcome   string
	timestamp int64
}

// mergeWriteGroup reads any existing rows at path, merges in the new
// rows (deduping on (asset_id, outcome, timestamp), keeping the latest),
// sorts ascending by timestamp, and rewrites the whole file.
func mergeWriteGroup(path string, newRows []Row) error {
	existing, err := readRows(path)
	if err != nil {
		return err
	}

	byKey := make(map[rowKey]Row, len(existing)+len(newRows))
	for _, r := range existing {
		byKey[rowKey{r.AssetID, r.Outcome, r.Timestamp}] = r
	}
	for _, r := range newRows {
		byKey[rowKey{r.AssetID, r.Outcome, r.Timestamp}] = r // later write wins, matching flush order
	}

	merged := make([]Row, 0, len(byKey))
	for _, r := range byKey {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp < merged[j].Timestamp })

	return writeRows(path, merged)
}

func readRows(path string) ([]Row, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return parquet.ReadFile[Row](path)
}

func writeRows(path string, rows []Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, rows); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
