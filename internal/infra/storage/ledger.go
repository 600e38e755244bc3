package storage

import (
	"context"

	"circuit_go/internal/domain"

	"gorm.io/gorm/clause"
)

// ======================================================================================
// Change Ledger
// ======================================================================================

// AppendChange inserts ev unless an event for the same instrument token and
// change timestamp already exists. It reports whether a row was written.
func (r *repo) AppendChange(ctx context.Context, ev *domain.ChangeEvent) (bool, error) {
	ev.ChangeTimestamp = ev.ChangeTimestamp.UTC()
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instrument_token"}, {Name: "change_timestamp"}},
		DoNothing: true,
	}).Create(ev)
	if res.Error != nil {
		return false, classify("append_change", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ChangeEvents returns ledger entries matching filter in change order.
func (r *repo) ChangeEvents(ctx context.Context, filter domain.ChangeFilter) ([]domain.ChangeEvent, error) {
	q := r.db.WithContext(ctx).Model(&domain.ChangeEvent{})
	if filter.Key != nil {
		q = q.Where("instrument_id = ?", filter.Key.ID())
	}
	if !filter.From.IsZero() {
		q = q.Where("trading_date >= ?", domain.DateOf(filter.From))
	}
	if !filter.To.IsZero() {
		q = q.Where("trading_date <= ?", domain.DateOf(filter.To))
	}
	if filter.Type != 0 {
		q = q.Where("change_type = ?", filter.Type.String())
	}

	var events []domain.ChangeEvent
	if err := q.Order("change_timestamp ASC").Order("id ASC").Find(&events).Error; err != nil {
		return nil, classify("get_change_events", err)
	}
	return events, nil
}
