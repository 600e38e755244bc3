package storage

import (
	"context"
	"errors"
	"time"

	"circuit_go/internal/domain"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ======================================================================================
// Bounded History
// ======================================================================================

// History returns the retained slots of key, most recent first.
func (r *repo) History(ctx context.Context, key domain.InstrumentKey) ([]domain.LatestRecord, error) {
	var slots []domain.LatestRecord
	err := r.db.WithContext(ctx).
		Where("instrument_id = ?", key.ID()).
		Order("record_order ASC").
		Find(&slots).Error
	if err != nil {
		return nil, classify("get_history", err)
	}
	return slots, nil
}

// HasRecord reports whether an observation of key at ts is already retained.
func (r *repo) HasRecord(ctx context.Context, key domain.InstrumentKey, ts time.Time) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.LatestRecord{}).
		Where("instrument_id = ? AND record_timestamp = ?", key.ID(), ts.UTC()).
		Count(&n).Error
	if err != nil {
		return false, classify("has_record", err)
	}
	return n > 0, nil
}

// PushHistory inserts rec as slot 1 of its key, shifting older slots down and
// evicting whatever falls past HistoryCapacity. A record whose timestamp is
// already retained is left alone and reported as not applied.
//
// Slots are renumbered one row at a time from the oldest end so the
// (instrument_id, record_order) unique index never sees two rows on one slot.
func (r *repo) PushHistory(ctx context.Context, rec *domain.LatestRecord) (bool, error) {
	db := r.db.WithContext(ctx)
	rec.RecordTimestamp = rec.RecordTimestamp.UTC()

	var slots []domain.LatestRecord
	if err := db.Where("instrument_id = ?", rec.InstrumentID).Order("record_order ASC").Find(&slots).Error; err != nil {
		return false, classify("push_history", err)
	}

	seq := 0
	for _, s := range slots {
		if s.RecordTimestamp.Equal(rec.RecordTimestamp) {
			return false, nil
		}
		if s.BusinessDate.Equal(rec.BusinessDate) && s.InsertionSequence > seq {
			seq = s.InsertionSequence
		}
	}

	if err := db.Where("instrument_id = ? AND record_order >= ?", rec.InstrumentID, domain.HistoryCapacity).
		Delete(&domain.LatestRecord{}).Error; err != nil {
		return false, classify("evict_history", err)
	}

	for i := len(slots) - 1; i >= 0; i-- {
		if slots[i].RecordOrder >= domain.HistoryCapacity {
			continue
		}
		if err := db.Model(&slots[i]).Update("record_order", slots[i].RecordOrder+1).Error; err != nil {
			return false, classify("shift_history", err)
		}
	}

	rec.ID = 0
	rec.RecordOrder = 1
	rec.InsertionSequence = seq + 1
	if err := db.Create(rec).Error; err != nil {
		return false, classify("insert_history", err)
	}
	return true, nil
}

// CurrentValue returns slot 1 of key, or nil when the key was never observed.
func (r *repo) CurrentValue(ctx context.Context, key domain.InstrumentKey) (*domain.LatestRecord, error) {
	var rec domain.LatestRecord
	err := r.db.WithContext(ctx).
		Where("instrument_id = ? AND record_order = ?", key.ID(), 1).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get_current_value", err)
	}
	return &rec, nil
}

// HasValueChanged reports whether candidateUC differs from the upper circuit of
// slot 1. A key without history, or a side without a reported limit, counts as
// changed.
func (r *repo) HasValueChanged(ctx context.Context, key domain.InstrumentKey, candidateUC decimal.NullDecimal) (bool, error) {
	cur, err := r.CurrentValue(ctx, key)
	if err != nil {
		return false, err
	}
	if cur == nil {
		return true, nil
	}
	uc := cur.State.UpperCircuit
	if !uc.Valid || !candidateUC.Valid {
		return true, nil
	}
	return !uc.Decimal.Round(2).Equal(candidateUC.Decimal.Round(2)), nil
}

// LatestRecords returns slot 1 of every key.
func (r *repo) LatestRecords(ctx context.Context) ([]domain.LatestRecord, error) {
	var recs []domain.LatestRecord
	err := r.db.WithContext(ctx).
		Where("record_order = ?", 1).
		Order("trading_symbol ASC").Order("expiry ASC").Order("option_type ASC").
		Find(&recs).Error
	if err != nil {
		return nil, classify("get_latest_records", err)
	}
	return recs, nil
}

// PriorSession returns the most recent business date before the given one that
// still has retained history.
func (r *repo) PriorSession(ctx context.Context, before time.Time) (time.Time, bool, error) {
	var rec domain.LatestRecord
	err := r.db.WithContext(ctx).
		Select("business_date").
		Where("business_date < ?", before.UTC()).
		Order("business_date DESC").
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, classify("prior_session", err)
	}
	return domain.DateOf(rec.BusinessDate.UTC()), true, nil
}

// ClosingRecords returns, per key, the most recent retained record of session.
func (r *repo) ClosingRecords(ctx context.Context, session time.Time) ([]domain.LatestRecord, error) {
	var recs []domain.LatestRecord
	err := r.db.WithContext(ctx).
		Where("business_date = ?", session.UTC()).
		Order("instrument_id ASC").Order("record_order ASC").
		Find(&recs).Error
	if err != nil {
		return nil, classify("closing_records", err)
	}

	closing := make([]domain.LatestRecord, 0, len(recs))
	for i, rec := range recs {
		if i > 0 && recs[i-1].InstrumentID == rec.InstrumentID {
			continue
		}
		closing = append(closing, rec)
	}
	return closing, nil
}
