package storage

import (
	"context"

	"circuit_go/internal/domain"
)

// Statistics computes the self-consistency view of the history store.
func (r *repo) Statistics(ctx context.Context) (domain.Statistics, error) {
	var st domain.Statistics
	db := r.db.WithContext(ctx)

	if err := db.Model(&domain.LatestRecord{}).Count(&st.TotalRecords).Error; err != nil {
		return st, classify("statistics", err)
	}
	if err := db.Model(&domain.LatestRecord{}).Distinct("instrument_id").Count(&st.UniqueKeys).Error; err != nil {
		return st, classify("statistics", err)
	}
	if err := db.Model(&domain.LatestRecord{}).Where("record_order = ?", 1).Count(&st.LatestRecordCount).Error; err != nil {
		return st, classify("statistics", err)
	}
	st.ExpectedRecordCount = st.UniqueKeys * domain.HistoryCapacity
	return st, nil
}
