package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"circuit_go/internal/domain"
	"circuit_go/internal/engine"
	"circuit_go/internal/infra"
	"circuit_go/internal/infra/storage"

	"github.com/shopspring/decimal"
)

var (
	ist    = time.FixedZone("IST", 5*3600+1800)
	expiry = time.Date(2024, 12, 26, 0, 0, 0, 0, time.UTC)
	day1   = time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC)
)

// at returns the instant of hh:mm IST on the given session.
func at(session time.Time, hh, mm int) time.Time {
	return time.Date(session.Year(), session.Month(), session.Day(), hh, mm, 0, 0, ist).UTC()
}

func optionKey(strike int64) domain.InstrumentKey {
	return domain.NewInstrumentKey("NIFTY24DEC"+decimal.NewFromInt(strike).String()+"CE",
		decimal.NewFromInt(strike), domain.OptionCall, expiry, "NFO")
}

type fixture struct {
	store   *storage.Storage
	ing     *engine.Ingestor
	metrics *infra.Metrics
	now     time.Time
}

func setup(t *testing.T, tokens ...int64) *fixture {
	t.Helper()
	s, err := storage.NewStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	var catalog []domain.Instrument
	for _, tok := range tokens {
		catalog = append(catalog, domain.Instrument{
			InstrumentToken: tok,
			Key:             optionKey(tok),
			Name:            "NIFTY",
			LotSize:         75,
			IsActive:        true,
		})
	}
	if _, err := s.UpsertInstruments(context.Background(), catalog); err != nil {
		t.Fatalf("failed to seed catalog: %v", err)
	}

	f := &fixture{store: s, metrics: &infra.Metrics{}, now: at(day1, 15, 30)}
	f.ing = f.newIngestor(s)
	return f
}

func (f *fixture) newIngestor(store domain.Store) *engine.Ingestor {
	return engine.NewIngestor(store, nil, engine.Options{
		Location:       ist,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Metrics:        f.metrics,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:            func() time.Time { return f.now },
	})
}

func snap(token int64, ts time.Time, lc, uc string) domain.QuoteSnapshot {
	return domain.QuoteSnapshot{
		InstrumentToken:   token,
		Key:               optionKey(token),
		Timestamp:         ts,
		OHLC:              domain.OHLC{Open: decimal.RequireFromString("12.00"), LastPrice: decimal.RequireFromString("12.35")},
		LowerCircuitLimit: domain.Limit(decimal.RequireFromString(lc)),
		UpperCircuitLimit: domain.Limit(decimal.RequireFromString(uc)),
		Volume:            1000,
	}
}

func mustProcess(t *testing.T, ing *engine.Ingestor, batch ...domain.QuoteSnapshot) engine.BatchResult {
	t.Helper()
	res, err := ing.ProcessBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	return res
}

func TestProcessBatch_EndToEnd(t *testing.T) {
	const tok = 24500
	f := setup(t, tok)
	ctx := context.Background()
	key := optionKey(tok)
	t1, t2, t3, t4 := at(day1, 9, 15), at(day1, 9, 16), at(day1, 9, 17), at(day1, 9, 18)

	// Batch 1: first sight establishes the baseline.
	res := mustProcess(t, f.ing, snap(tok, t1, "0.05", "23.40"))
	if res.ChangeCount != 0 || res.Accepted != 1 {
		t.Fatalf("batch 1: %+v", res)
	}
	if hist, _ := f.store.History(ctx, key); len(hist) != 1 {
		t.Fatalf("batch 1: expected 1 record, got %d", len(hist))
	}

	// Batch 2: UC moves.
	res = mustProcess(t, f.ing, snap(tok, t2, "0.05", "25.10"))
	if res.ChangeCount != 1 {
		t.Fatalf("batch 2: expected 1 change, got %d", res.ChangeCount)
	}
	ev := res.Changes[0]
	if ev.ChangeType != domain.ChangeUpper {
		t.Errorf("batch 2: type = %s", ev.ChangeType)
	}
	if !ev.Previous.UpperCircuit.Decimal.Equal(decimal.RequireFromString("23.40")) ||
		!ev.New.UpperCircuit.Decimal.Equal(decimal.RequireFromString("25.10")) {
		t.Errorf("batch 2: UC %s -> %s", ev.Previous.UpperCircuit.Decimal, ev.New.UpperCircuit.Decimal)
	}
	hist, _ := f.store.History(ctx, key)
	if len(hist) != 2 || !hist[0].RecordTimestamp.Equal(t2) || !hist[1].RecordTimestamp.Equal(t1) {
		t.Fatalf("batch 2: unexpected history %+v", hist)
	}

	// Batch 3: identical limits.
	res = mustProcess(t, f.ing, snap(tok, t3, "0.05", "25.10"))
	if res.ChangeCount != 0 {
		t.Fatalf("batch 3: expected no change, got %d", res.ChangeCount)
	}
	if hist, _ := f.store.History(ctx, key); len(hist) != 3 {
		t.Fatalf("batch 3: expected 3 records, got %d", len(hist))
	}

	// Batch 4: LC moves and t1 is evicted.
	res = mustProcess(t, f.ing, snap(tok, t4, "0.10", "25.10"))
	if res.ChangeCount != 1 || res.Changes[0].ChangeType != domain.ChangeLower {
		t.Fatalf("batch 4: %+v", res)
	}
	hist, _ = f.store.History(ctx, key)
	if len(hist) != 3 {
		t.Fatalf("batch 4: expected 3 records, got %d", len(hist))
	}
	for _, h := range hist {
		if h.RecordTimestamp.Equal(t1) {
			t.Error("batch 4: t1 should have been evicted")
		}
	}
	if !hist[0].RecordTimestamp.Equal(t4) || !hist[2].RecordTimestamp.Equal(t2) {
		t.Errorf("batch 4: order1=%v order3=%v", hist[0].RecordTimestamp, hist[2].RecordTimestamp)
	}

	events, err := f.store.ChangeEvents(ctx, domain.ChangeFilter{Key: &key})
	if err != nil {
		t.Fatalf("ChangeEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 ledger entries, got %d", len(events))
	}

	snapM := f.metrics.Snapshot()
	if snapM.BatchesProcessed != 4 || snapM.ChangesTotal() != 2 {
		t.Errorf("unexpected metrics %+v", snapM)
	}
}

func TestProcessBatch_FirstSightNeverChanges(t *testing.T) {
	f := setup(t, 1, 2)

	res := mustProcess(t, f.ing,
		snap(1, at(day1, 9, 15), "0.05", "23.40"),
		snap(2, at(day1, 9, 15), "100.00", "900.00"),
	)
	if res.ChangeCount != 0 || res.Accepted != 2 {
		t.Errorf("first sight produced %+v", res)
	}
}

func TestProcessBatch_ReplayIsNoop(t *testing.T) {
	const tok = 1
	f := setup(t, tok)
	ctx := context.Background()
	key := optionKey(tok)

	mustProcess(t, f.ing, snap(tok, at(day1, 9, 15), "0.05", "23.40"))
	batch := []domain.QuoteSnapshot{snap(tok, at(day1, 9, 16), "0.05", "25.10")}
	mustProcess(t, f.ing, batch...)

	res := mustProcess(t, f.ing, batch...)
	if res.Duplicates != 1 || res.Accepted != 0 || res.ChangeCount != 0 {
		t.Errorf("replay result %+v", res)
	}

	events, _ := f.store.ChangeEvents(ctx, domain.ChangeFilter{Key: &key})
	if len(events) != 1 {
		t.Errorf("expected 1 ledger entry after replay, got %d", len(events))
	}
	hist, _ := f.store.History(ctx, key)
	if len(hist) != 2 {
		t.Errorf("expected 2 records after replay, got %d", len(hist))
	}
}

func TestProcessBatch_ChangeAcrossMissingLimit(t *testing.T) {
	const tok = 7
	f := setup(t, tok)
	ctx := context.Background()
	key := optionKey(tok)

	mustProcess(t, f.ing, snap(tok, at(day1, 9, 15), "0.05", "20.00"))

	gap := snap(tok, at(day1, 9, 16), "0.05", "20.00")
	gap.UpperCircuitLimit = decimal.NullDecimal{}
	if res := mustProcess(t, f.ing, gap); res.ChangeCount != 0 {
		t.Fatalf("missing limit must not be a change: %+v", res)
	}

	res := mustProcess(t, f.ing, snap(tok, at(day1, 9, 17), "0.05", "25.00"))
	if res.ChangeCount != 1 {
		t.Fatalf("expected UC change across the gap, got %+v", res)
	}
	ev := res.Changes[0]
	if ev.ChangeType != domain.ChangeUpper {
		t.Errorf("type = %s", ev.ChangeType)
	}
	if !ev.Previous.UpperCircuit.Valid || !ev.UpperDelta().Equal(decimal.RequireFromString("5")) {
		t.Errorf("previous UC = %+v, delta = %s", ev.Previous.UpperCircuit, ev.UpperDelta())
	}

	events, _ := f.store.ChangeEvents(ctx, domain.ChangeFilter{Key: &key})
	if len(events) != 1 {
		t.Errorf("expected 1 ledger entry, got %d", len(events))
	}

	// History keeps what was observed.
	hist, _ := f.store.History(ctx, key)
	if len(hist) != 3 || hist[1].State.UpperCircuit.Valid {
		t.Errorf("slot 2 should hold the snapshot without UC, got %+v", hist)
	}
}

func TestProcessBatch_ReplayAfterEvictionIsIgnored(t *testing.T) {
	const tok = 8
	f := setup(t, tok)
	ctx := context.Background()
	key := optionKey(tok)
	t1, t2, t3, t4, t5 := at(day1, 9, 15), at(day1, 9, 16), at(day1, 9, 17), at(day1, 9, 18), at(day1, 9, 19)

	first := snap(tok, t1, "0.05", "23.40")
	mustProcess(t, f.ing, first)
	mustProcess(t, f.ing, snap(tok, t2, "0.05", "25.10"))
	mustProcess(t, f.ing, snap(tok, t3, "0.05", "25.10"))
	mustProcess(t, f.ing, snap(tok, t4, "0.10", "25.10"))

	res := mustProcess(t, f.ing, first)
	if res.Duplicates != 1 || res.Accepted != 0 || res.ChangeCount != 0 {
		t.Fatalf("evicted replay result %+v", res)
	}

	hist, _ := f.store.History(ctx, key)
	if len(hist) != 3 || !hist[0].RecordTimestamp.Equal(t4) || !hist[2].RecordTimestamp.Equal(t2) {
		t.Fatalf("window changed by replay: %+v", hist)
	}

	// The next real observation is unchanged against t4, not against the replay.
	res = mustProcess(t, f.ing, snap(tok, t5, "0.10", "25.10"))
	if res.ChangeCount != 0 {
		t.Errorf("expected no change after replay, got %+v", res.Changes)
	}

	events, _ := f.store.ChangeEvents(ctx, domain.ChangeFilter{Key: &key})
	if len(events) != 2 {
		t.Errorf("expected 2 ledger entries, got %d", len(events))
	}
}

func TestProcessBatch_LateDataKeepsBaseline(t *testing.T) {
	const tok = 9
	f := setup(t, tok)
	ctx := context.Background()
	key := optionKey(tok)

	mustProcess(t, f.ing, snap(tok, at(day1, 9, 15), "0.05", "20.00"))
	mustProcess(t, f.ing, snap(tok, at(day1, 9, 20), "0.05", "22.00"))

	res := mustProcess(t, f.ing, snap(tok, at(day1, 9, 17), "0.05", "21.00"))
	if res.Accepted != 1 || res.ChangeCount != 0 {
		t.Fatalf("late observation result %+v", res)
	}
	cur, _ := f.store.CurrentValue(ctx, key)
	if cur == nil || !cur.RecordTimestamp.Equal(at(day1, 9, 17)) {
		t.Errorf("late observation should be slot 1, got %+v", cur)
	}

	res = mustProcess(t, f.ing, snap(tok, at(day1, 9, 21), "0.05", "22.00"))
	if res.ChangeCount != 0 {
		t.Errorf("baseline moved by late data: %+v", res.Changes)
	}
}

func TestProcessBatch_UntimestampedSnapshotsOfOneKey(t *testing.T) {
	const tok = 10
	f := setup(t, 10, 11)
	ctx := context.Background()

	a := snap(tok, time.Time{}, "0.05", "20.00")
	b := snap(tok, time.Time{}, "0.05", "24.00")
	res := mustProcess(t, f.ing, snap(11, at(day1, 9, 15), "1.00", "90.00"), a, b)
	if res.Accepted != 3 || res.Duplicates != 0 {
		t.Fatalf("expected all snapshots kept, got %+v", res)
	}
	if res.ChangeCount != 1 || res.Changes[0].ChangeType != domain.ChangeUpper {
		t.Errorf("expected the second snapshot to diff against the first, got %+v", res.Changes)
	}

	hist, _ := f.store.History(ctx, optionKey(tok))
	if len(hist) != 2 || !hist[0].State.UpperCircuit.Decimal.Equal(decimal.RequireFromString("24")) {
		t.Errorf("unexpected history %+v", hist)
	}
}

func TestProcessBatch_OrdersSnapshotsPerKey(t *testing.T) {
	const tok = 1
	f := setup(t, tok)
	ctx := context.Background()

	res := mustProcess(t, f.ing,
		snap(tok, at(day1, 9, 16), "0.05", "25.10"),
		snap(tok, at(day1, 9, 15), "0.05", "23.40"),
	)
	if res.ChangeCount != 1 || res.Changes[0].ChangeType != domain.ChangeUpper {
		t.Fatalf("expected one UC change, got %+v", res)
	}

	cur, _ := f.store.CurrentValue(ctx, optionKey(tok))
	if cur == nil || !cur.RecordTimestamp.Equal(at(day1, 9, 16)) {
		t.Errorf("slot 1 should hold the later snapshot, got %+v", cur)
	}
}

func TestProcessBatch_RejectsUnresolvable(t *testing.T) {
	f := setup(t, 1, 2)

	mismatched := snap(2, at(day1, 9, 15), "0.05", "23.40")
	mismatched.Key = optionKey(3)

	tokenOnly := snap(1, at(day1, 9, 15), "0.05", "23.40")
	tokenOnly.Key = domain.InstrumentKey{}

	res := mustProcess(t, f.ing,
		tokenOnly,
		snap(999, at(day1, 9, 15), "0.05", "23.40"),
		mismatched,
	)
	if res.Accepted != 1 || res.Rejected != 2 {
		t.Errorf("expected 1 accepted / 2 rejected, got %+v", res)
	}

	cur, _ := f.store.CurrentValue(context.Background(), optionKey(1))
	if cur == nil {
		t.Error("token-only snapshot should be completed from the catalog")
	}
}

func TestProcessBatch_MissingTimestampsFallBack(t *testing.T) {
	f := setup(t, 1, 2)

	noTS := snap(2, time.Time{}, "0.05", "23.40")
	res := mustProcess(t, f.ing, snap(1, at(day1, 9, 15), "0.05", "23.40"), noTS)
	if res.Accepted != 2 {
		t.Fatalf("expected both accepted, got %+v", res)
	}

	cur, _ := f.store.CurrentValue(context.Background(), optionKey(2))
	if cur == nil || !cur.RecordTimestamp.Equal(at(day1, 9, 15)) {
		t.Errorf("expected batch timestamp fallback, got %+v", cur)
	}
	if f.metrics.Snapshot().FallbackBatch != 1 {
		t.Errorf("expected one batch-tier fallback")
	}
}

func TestProcessBatch_StatisticsSelfConsistent(t *testing.T) {
	f := setup(t, 1, 2, 3)

	for minute := 15; minute < 19; minute++ {
		ts := at(day1, 9, minute)
		mustProcess(t, f.ing, snap(1, ts, "0.05", "23.40"), snap(2, ts, "0.05", "23.40"), snap(3, ts, "0.05", "23.40"))
	}

	st, err := f.store.Statistics(context.Background())
	if err != nil {
		t.Fatalf("Statistics failed: %v", err)
	}
	if st.TotalRecords != 9 || st.ExpectedRecordCount != 9 || !st.Consistent() {
		t.Errorf("unexpected statistics %+v", st)
	}
}

func TestProcessBatch_Empty(t *testing.T) {
	f := setup(t)
	res := mustProcess(t, f.ing)
	if res.BatchID == "" || res.Accepted != 0 {
		t.Errorf("unexpected empty result %+v", res)
	}
}

// flakyStore fails the first n transactions with a retriable error.
type flakyStore struct {
	domain.Store
	failures int
}

func (s *flakyStore) WithTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	if s.failures > 0 {
		s.failures--
		return domain.NewPersistenceError("transaction", errors.New("database is locked"))
	}
	return s.Store.WithTx(ctx, fn)
}

func TestProcessBatch_RetriesTransientFailures(t *testing.T) {
	f := setup(t, 1)
	ing := f.newIngestor(&flakyStore{Store: f.store, failures: 2})

	res, err := ing.ProcessBatch(context.Background(), []domain.QuoteSnapshot{snap(1, at(day1, 9, 15), "0.05", "23.40")})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if res.Accepted != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if f.metrics.Snapshot().Retries != 2 {
		t.Errorf("expected 2 retries, got %d", f.metrics.Snapshot().Retries)
	}
}

func TestProcessBatch_GivesUpAfterMaxRetries(t *testing.T) {
	f := setup(t, 1)
	ing := f.newIngestor(&flakyStore{Store: f.store, failures: 10})

	_, err := ing.ProcessBatch(context.Background(), []domain.QuoteSnapshot{snap(1, at(day1, 9, 15), "0.05", "23.40")})
	if err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	if !domain.IsRetriable(err) {
		t.Errorf("expected the last storage error to surface, got %v", err)
	}
	if f.metrics.Snapshot().BatchesFailed != 1 {
		t.Error("expected failed batch to be counted")
	}
}

// failingTx breaks history writes for one instrument.
type failingTx struct {
	domain.LedgerTx
	token int64
}

func (tx failingTx) PushHistory(ctx context.Context, rec *domain.LatestRecord) (bool, error) {
	if rec.InstrumentToken == tx.token {
		return false, domain.NewFatalPersistenceError("push_history", errors.New("disk I/O error"))
	}
	return tx.LedgerTx.PushHistory(ctx, rec)
}

type failingStore struct {
	domain.Store
	token int64
}

func (s *failingStore) WithTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	return s.Store.WithTx(ctx, func(tx domain.LedgerTx) error {
		return fn(failingTx{LedgerTx: tx, token: s.token})
	})
}

func TestProcessBatch_FailureRollsBackWholeBatch(t *testing.T) {
	f := setup(t, 1, 2)
	ctx := context.Background()

	mustProcess(t, f.ing, snap(1, at(day1, 9, 15), "0.05", "23.40"))

	ing := f.newIngestor(&failingStore{Store: f.store, token: 2})
	_, err := ing.ProcessBatch(ctx, []domain.QuoteSnapshot{
		snap(1, at(day1, 9, 16), "0.05", "25.10"),
		snap(2, at(day1, 9, 16), "0.05", "23.40"),
	})
	if err == nil {
		t.Fatal("expected batch failure")
	}

	hist, _ := f.store.History(ctx, optionKey(1))
	if len(hist) != 1 {
		t.Errorf("earlier batch must be untouched and failed batch rolled back, got %d records", len(hist))
	}
	events, _ := f.store.ChangeEvents(ctx, domain.ChangeFilter{})
	if len(events) != 0 {
		t.Errorf("rolled back change leaked into the ledger: %d", len(events))
	}
	if f.metrics.Snapshot().Retries != 0 {
		t.Error("fatal errors must not be retried")
	}
}
