package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"circuit_go/internal/detector"
	"circuit_go/internal/domain"
	"circuit_go/internal/infra"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// Options tunes an Ingestor. Zero values take the defaults below.
type Options struct {
	Location       *time.Location // exchange time zone for business dates
	MaxRetries     uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxFutureSkew  time.Duration
	Metrics        *infra.Metrics
	Logger         *slog.Logger
	Now            func() time.Time
}

func (o *Options) setDefaults() {
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
	if o.MaxFutureSkew <= 0 {
		o.MaxFutureSkew = 24 * time.Hour
	}
	if o.Metrics == nil {
		o.Metrics = infra.GlobalMetrics
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// BatchResult summarizes one committed (or failed) batch.
type BatchResult struct {
	BatchID     string
	Session     time.Time
	Accepted    int
	Rejected    int
	Duplicates  int
	ChangeCount int
	Seeded      int
	Changes     []domain.ChangeEvent
}

// Ingestor drives baseline seeding, bounded history, change detection and the
// change ledger for each polled batch. Batches must not be processed
// concurrently; the store is a single writer.
type Ingestor struct {
	store    domain.Store
	detector detector.Detector
	opts     Options
	logger   *slog.Logger
	metrics  *infra.Metrics
}

// NewIngestor creates an orchestrator over store.
func NewIngestor(store domain.Store, det detector.Detector, opts Options) *Ingestor {
	opts.setDefaults()
	if det == nil {
		det = detector.NewCircuitDetector()
	}
	return &Ingestor{
		store:    store,
		detector: det,
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// pending is a snapshot with its resolved observation time.
type pending struct {
	snap domain.QuoteSnapshot
	at   ResolvedTime
}

// ProcessBatch ingests snapshots as a single unit of work. Either every
// accepted snapshot of the batch is committed or none is. Retriable storage
// failures are retried with exponential backoff; the returned error means the
// whole batch was rolled back.
func (i *Ingestor) ProcessBatch(ctx context.Context, snapshots []domain.QuoteSnapshot) (BatchResult, error) {
	batchID := uuid.NewString()
	now := i.opts.Now()

	if len(snapshots) == 0 {
		return BatchResult{BatchID: batchID, Session: domain.SessionDate(now, i.opts.Location)}, nil
	}

	started := time.Now()
	items := i.prepare(batchID, snapshots, now)
	sessions := sessionsOf(items, i.opts.Location)

	op := func() (BatchResult, error) {
		res := BatchResult{BatchID: batchID, Session: sessions[len(sessions)-1]}
		err := i.store.WithTx(ctx, func(tx domain.LedgerTx) error {
			for _, session := range sessions {
				n, err := i.ensureBaseline(ctx, tx, session)
				if err != nil {
					return err
				}
				res.Seeded += n
			}
			for _, it := range items {
				if err := i.apply(ctx, tx, it, &res); err != nil {
					return fmt.Errorf("instrument %d: %w", it.snap.InstrumentToken, err)
				}
			}
			return nil
		})
		return res, err
	}

	res, err := withRetry(ctx, i, "process_batch", op)
	if err != nil {
		i.metrics.RecordBatchFailed()
		i.logger.Error("❌ Batch rolled back",
			slog.String("batch_id", batchID),
			slog.Int("snapshots", len(snapshots)),
			slog.Any("error", err),
		)
		return BatchResult{BatchID: batchID, Session: res.Session}, fmt.Errorf("batch %s: %w", batchID, err)
	}

	i.metrics.RecordBatch(time.Since(started).Nanoseconds(), res.Accepted, res.Rejected, res.Duplicates)
	i.metrics.RecordSeeded(res.Seeded)
	for _, ev := range res.Changes {
		i.metrics.RecordChange(ev.ChangeType)
		i.logger.Info("⚡ Circuit limit changed",
			slog.String("batch_id", batchID),
			slog.String("instrument", ev.InstrumentID),
			slog.String("type", ev.ChangeType.String()),
			slog.String("lc_delta", ev.LowerDelta().String()),
			slog.String("uc_delta", ev.UpperDelta().String()),
		)
	}

	i.logger.Info("✅ Batch committed",
		slog.String("batch_id", batchID),
		slog.String("session", res.Session.Format(time.DateOnly)),
		slog.Int("accepted", res.Accepted),
		slog.Int("rejected", res.Rejected),
		slog.Int("duplicates", res.Duplicates),
		slog.Int("changes", res.ChangeCount),
		slog.Int("seeded", res.Seeded),
		slog.Duration("elapsed", time.Since(started)),
	)
	return res, nil
}

// prepare resolves timestamps and orders each instrument's snapshots by time.
func (i *Ingestor) prepare(batchID string, snapshots []domain.QuoteSnapshot, now time.Time) []pending {
	resolved := ResolveTimestamps(snapshots, now, i.opts.MaxFutureSkew)

	items := make([]pending, len(snapshots))
	for n, s := range snapshots {
		items[n] = pending{snap: s, at: resolved[n]}

		attrs := []any{
			slog.String("batch_id", batchID),
			slog.Int64("instrument_token", s.InstrumentToken),
			slog.String("tier", resolved[n].Tier.String()),
			slog.Time("resolved", resolved[n].Time),
		}
		switch resolved[n].Tier {
		case infra.TierLastTrade:
			i.logger.Debug("Timestamp missing, using last trade time", attrs...)
		case infra.TierBatch:
			i.logger.Info("Timestamp missing, using batch time", attrs...)
		case infra.TierWallClock:
			i.logger.Warn("No usable timestamp in batch, using wall clock", attrs...)
		}
		i.metrics.RecordFallback(resolved[n].Tier)
	}

	sort.SliceStable(items, func(a, b int) bool {
		if items[a].snap.InstrumentToken != items[b].snap.InstrumentToken {
			return items[a].snap.InstrumentToken < items[b].snap.InstrumentToken
		}
		return items[a].at.Time.Before(items[b].at.Time)
	})
	return items
}

// sessionsOf lists the distinct business dates of a batch, oldest first.
func sessionsOf(items []pending, loc *time.Location) []time.Time {
	seen := make(map[time.Time]struct{})
	var out []time.Time
	for _, it := range items {
		d := domain.SessionDate(it.at.Time, loc)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Before(out[b]) })
	return out
}

// apply runs one snapshot through resolve, detect, ledger, history and baseline.
func (i *Ingestor) apply(ctx context.Context, tx domain.LedgerTx, it pending, res *BatchResult) error {
	inst, err := tx.Instrument(ctx, it.snap.InstrumentToken)
	if err != nil {
		return err
	}
	if inst == nil {
		res.Rejected++
		i.logger.Warn("Snapshot rejected",
			slog.Int64("instrument_token", it.snap.InstrumentToken),
			slog.Any("error", domain.ErrUnknownInstrument))
		return nil
	}

	key, err := resolveKey(it.snap.Key, inst)
	if err != nil {
		res.Rejected++
		i.logger.Warn("Snapshot rejected",
			slog.Int64("instrument_token", it.snap.InstrumentToken),
			slog.Any("error", err))
		return nil
	}

	obs := domain.Observation{
		InstrumentToken: inst.InstrumentToken,
		Key:             key,
		Timestamp:       it.at.Time,
		BusinessDate:    domain.SessionDate(it.at.Time, i.opts.Location),
		State:           it.snap.State(),
		Volume:          it.snap.Volume,
		OpenInterest:    it.snap.OpenInterest,
		AveragePrice:    it.snap.AveragePrice,
	}

	seen, err := tx.HasRecord(ctx, key, obs.Timestamp)
	if err != nil {
		return err
	}
	if seen {
		res.Duplicates++
		if it.at.Tier != infra.TierPrimary {
			i.logger.Warn("Fallback timestamp collides with a retained record, snapshot dropped",
				slog.String("instrument", key.ID()),
				slog.String("tier", it.at.Tier.String()),
				slog.Time("at", obs.Timestamp))
		}
		return nil
	}

	history, err := tx.History(ctx, key)
	if err != nil {
		return err
	}
	if isStale(history, obs.Timestamp) {
		res.Duplicates++
		i.logger.Debug("Observation older than the retained window ignored",
			slog.String("instrument", key.ID()),
			slog.Time("at", obs.Timestamp))
		return nil
	}

	state, err := tx.CurrentState(ctx, key)
	if err != nil {
		return err
	}
	baseline := state.ValidFor(obs.BusinessDate)

	if baseline && obs.Timestamp.Before(state.ObservedAt) {
		// Late data is kept in history but never moves the diff baseline.
		i.logger.Warn("Late observation becomes newest slot",
			slog.String("instrument", key.ID()),
			slog.Time("observed_at", obs.Timestamp),
			slog.Time("baseline_at", state.ObservedAt))
		if _, err := tx.PushHistory(ctx, domain.NewLatestRecord(obs)); err != nil {
			return err
		}
		res.Accepted++
		return nil
	}

	next := obs
	if baseline {
		next.State = obs.State.CarryLimits(state.State)
		if ev, ok := i.detector.Detect(state.State, next); ok {
			written, err := tx.AppendChange(ctx, &ev)
			if err != nil {
				return err
			}
			if written {
				res.ChangeCount++
				res.Changes = append(res.Changes, ev)
			} else {
				i.logger.Debug("Change already recorded",
					slog.String("instrument", key.ID()),
					slog.Time("at", obs.Timestamp))
			}
		}
	}

	if _, err := tx.PushHistory(ctx, domain.NewLatestRecord(obs)); err != nil {
		return err
	}

	err = tx.SaveCurrentState(ctx, &domain.CurrentState{
		InstrumentID:    key.ID(),
		InstrumentToken: obs.InstrumentToken,
		Key:             key,
		BusinessDate:    obs.BusinessDate,
		State:           next.State,
		ObservedAt:      obs.Timestamp,
	})
	if err != nil {
		return err
	}

	res.Accepted++
	return nil
}

// isStale reports whether ts is not newer than every slot of a full window.
// Such an observation predates what the window still retains.
func isStale(history []domain.LatestRecord, ts time.Time) bool {
	if len(history) < domain.HistoryCapacity {
		return false
	}
	for _, rec := range history {
		if ts.After(rec.RecordTimestamp) {
			return false
		}
	}
	return true
}

// resolveKey completes a snapshot key from the catalog row. The catalog is
// authoritative: a snapshot naming a different contract is rejected.
func resolveKey(k domain.InstrumentKey, inst *domain.Instrument) (domain.InstrumentKey, error) {
	cat := inst.Key
	if k.TradingSymbol == "" {
		k.TradingSymbol = cat.TradingSymbol
	}
	if k.Strike.IsZero() {
		k.Strike = cat.Strike
	}
	if k.OptionType == "" {
		k.OptionType = cat.OptionType
	}
	if k.Expiry.IsZero() {
		k.Expiry = cat.Expiry
	}
	if k.Exchange == "" {
		k.Exchange = cat.Exchange
	}

	key := domain.NewInstrumentKey(k.TradingSymbol, k.Strike, k.OptionType, k.Expiry.UTC(), k.Exchange)
	if err := key.Validate(); err != nil {
		return domain.InstrumentKey{}, err
	}

	want := domain.NewInstrumentKey(cat.TradingSymbol, cat.Strike, cat.OptionType, cat.Expiry.UTC(), cat.Exchange)
	if key.ID() != want.ID() {
		return domain.InstrumentKey{}, fmt.Errorf("%w: snapshot %s does not match catalog %s",
			domain.ErrInvalidKey, key.ID(), want.ID())
	}
	return key, nil
}

// withRetry runs op with exponential backoff while it fails with a retriable
// error. Other errors end the loop at once.
func withRetry[T any](ctx context.Context, i *Ingestor, name string, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = i.opts.InitialBackoff
	b.MaxInterval = i.opts.MaxBackoff

	wrapped := backoff.Operation[T](func() (T, error) {
		res, err := op()
		if err != nil && !domain.IsRetriable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	})

	return backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(i.opts.MaxRetries),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			i.metrics.RecordRetry()
			i.logger.Warn("Retrying after storage error",
				slog.String("op", name),
				slog.Duration("next", next),
				slog.Any("error", err))
		}),
	)
}
