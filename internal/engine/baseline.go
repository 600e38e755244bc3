package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"circuit_go/internal/domain"
)

// SeedBaseline copies the closing state of the most recent prior session into
// CurrentState for session. It runs in its own transaction and returns the
// number of keys seeded. A store without prior data seeds nothing.
func (i *Ingestor) SeedBaseline(ctx context.Context, session time.Time) (int, error) {
	session = domain.DateOf(session)
	op := func() (int, error) {
		n := 0
		err := i.store.WithTx(ctx, func(tx domain.LedgerTx) error {
			var err error
			n, err = i.seedBaseline(ctx, tx, session)
			return err
		})
		return n, err
	}
	seeded, err := withRetry(ctx, i, "seed_baseline", op)
	if err != nil {
		return 0, err
	}
	i.metrics.RecordSeeded(seeded)
	return seeded, nil
}

func (i *Ingestor) seedBaseline(ctx context.Context, tx domain.LedgerTx, session time.Time) (int, error) {
	prior, ok, err := tx.PriorSession(ctx, session)
	if err != nil {
		return 0, err
	}
	if !ok {
		i.logger.Info("No prior session data, first observations become baselines",
			slog.String("session", session.Format(time.DateOnly)))
		return 0, nil
	}

	closing, err := tx.ClosingRecords(ctx, prior)
	if err != nil {
		return 0, err
	}

	seeded := 0
	for _, rec := range closing {
		key := domain.NewInstrumentKey(rec.Key.TradingSymbol, rec.Key.Strike, rec.Key.OptionType,
			rec.Key.Expiry.UTC(), rec.Key.Exchange)

		existing, err := tx.CurrentState(ctx, key)
		if err != nil {
			return seeded, err
		}
		if existing.ValidFor(session) {
			continue
		}
		state := rec.State
		if existing.ValidFor(prior) {
			state = state.CarryLimits(existing.State)
		}

		err = tx.SaveCurrentState(ctx, &domain.CurrentState{
			InstrumentID:    key.ID(),
			InstrumentToken: rec.InstrumentToken,
			Key:             key,
			BusinessDate:    session,
			State:           state,
			ObservedAt:      rec.RecordTimestamp.UTC(),
			Seeded:          true,
		})
		if err != nil {
			return seeded, err
		}
		seeded++
	}

	i.logger.Info("🌱 Baseline seeded",
		slog.String("session", session.Format(time.DateOnly)),
		slog.String("from", prior.Format(time.DateOnly)),
		slog.Int("seeded", seeded),
		slog.Int("closing_keys", len(closing)),
	)
	return seeded, nil
}

// ensureBaseline seeds session once. The settings marker makes later batches
// of the same session, and restarts, skip the work.
func (i *Ingestor) ensureBaseline(ctx context.Context, tx domain.LedgerTx, session time.Time) (int, error) {
	marker := domain.BaselineMarkerKey(session)
	_, done, err := tx.Setting(ctx, marker)
	if err != nil {
		return 0, err
	}
	if done {
		return 0, nil
	}

	n, err := i.seedBaseline(ctx, tx, session)
	if err != nil {
		return 0, fmt.Errorf("seed baseline %s: %w", session.Format(time.DateOnly), err)
	}
	if err := tx.SaveSetting(ctx, marker, strconv.Itoa(n)); err != nil {
		return 0, err
	}
	return n, nil
}
