package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"circuit_go/internal/domain"
	"circuit_go/internal/engine"
	"circuit_go/internal/service"
)

// Runner is the polling loop: one batch per tick, processed to completion.
type Runner struct {
	reader   domain.QuoteReader
	ingestor *engine.Ingestor
	query    *service.QueryService
	interval time.Duration
}

// NewRunner creates a polling loop over reader.
func NewRunner(reader domain.QuoteReader, ingestor *engine.Ingestor, query *service.QueryService, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Runner{
		reader:   reader,
		ingestor: ingestor,
		query:    query,
		interval: interval,
	}
}

// Run polls until ctx is cancelled. Cycle failures are logged and never stop the loop.
func (r *Runner) Run(ctx context.Context) error {
	slog.Info("✅ Ingest loop started", slog.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Ingest loop stopped")
			return nil
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

func (r *Runner) cycle(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Ingest cycle panic recovered", slog.Any("panic", rec))
		}
	}()

	batch, err := r.reader.FetchBatch(ctx)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNoSnapshots):
			slog.Debug("No snapshots this cycle")
		case ctx.Err() != nil:
			// shutting down
		default:
			slog.Error("Quote fetch failed", slog.Any("error", err))
		}
		return
	}

	// An admitted batch commits or rolls back as a whole, even during shutdown.
	res, err := r.ingestor.ProcessBatch(context.WithoutCancel(ctx), batch)
	r.query.RecordCycle(res, err)
	if err != nil {
		return
	}

	r.logHealth(ctx)
}

func (r *Runner) logHealth(ctx context.Context) {
	h, err := r.query.Health(context.WithoutCancel(ctx))
	if err != nil {
		slog.Warn("Failed to read statistics", slog.Any("error", err))
		return
	}

	st := h.Statistics
	attrs := []any{
		slog.Int64("total_records", st.TotalRecords),
		slog.Int64("unique_keys", st.UniqueKeys),
		slog.Int64("latest_records", st.LatestRecordCount),
		slog.Int64("expected_records", st.ExpectedRecordCount),
	}
	switch {
	case st.LatestRecordCount != st.UniqueKeys:
		slog.Warn("⚠️ History store inconsistent", attrs...)
	case !h.Consistent:
		slog.Debug("History still warming up", attrs...)
	default:
		slog.Info("📊 History statistics", attrs...)
	}
}
