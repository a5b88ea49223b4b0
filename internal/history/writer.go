package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/phonectl/relay/internal/registry"
)

// Config holds writer settings.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
}

// WriterMetrics tracks writer activity.
type WriterMetrics struct {
	Inserts int64
	Flushes int64
	Errors  int64
}

// eventRow is the pair_events table shape.
type eventRow struct {
	PairID     string
	Role       string
	ConnID     string
	Kind       string
	OccurredAt time.Time
	RecordedAt int64
}

// Writer consumes pair events from an EventBuffer and writes them to
// the pair_events table.
type Writer struct {
	cfg    Config
	logger *slog.Logger

	input *EventBuffer
	db    *pgxpool.Pool

	// Batching
	batch       []eventRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics WriterMetrics
}

// NewWriter creates a Writer reading from input.
func NewWriter(cfg Config, input *EventBuffer, db *pgxpool.Pool, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		cfg:    cfg,
		input:  input,
		db:     db,
		logger: logger,
		batch:  make([]eventRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming events and writing to the database.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("history writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping history writer")

	if w.cancel != nil {
		w.cancel()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("history writer stopped")
	case <-ctx.Done():
		w.logger.Warn("history writer stop timed out")
	}

	// Drain whatever the consumer did not get to, then flush
	for _, ev := range w.input.DrainTo(0) {
		w.batchMu.Lock()
		w.batch = append(w.batch, w.transform(ev))
		w.batchMu.Unlock()
	}
	w.flush()

	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads from the input buffer and accumulates batches.
func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			ev, ok := w.input.TryReceive()
			if !ok {
				// Buffer empty, wait a bit before trying again
				select {
				case <-w.ctx.Done():
					return
				case <-time.After(10 * time.Millisecond):
					continue
				}
			}

			w.handleEvent(ev)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush()
		}
	}
}

func (w *Writer) handleEvent(ev registry.PairEvent) {
	row := w.transform(ev)

	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

// transform converts a PairEvent to an eventRow.
func (w *Writer) transform(ev registry.PairEvent) eventRow {
	return eventRow{
		PairID:     ev.PairID,
		Role:       string(ev.Role),
		ConnID:     ev.ConnID,
		Kind:       string(ev.Kind),
		OccurredAt: ev.At,
		RecordedAt: time.Now().UnixMicro(),
	}
}

// flush writes the current batch to the database.
func (w *Writer) flush() {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]eventRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	if w.db == nil {
		return
	}

	start := time.Now()

	if err := w.batchInsert(batch); err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch))
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed pair events",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch.
func (w *Writer) batchInsert(rows []eventRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO pair_events (pair_id, role, conn_id, kind, occurred_at, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, r.PairID, r.Role, r.ConnID, r.Kind, r.OccurredAt, r.RecordedAt)
	}

	ctx := w.ctx
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}

	return nil
}
