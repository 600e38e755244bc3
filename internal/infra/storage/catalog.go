package storage

import (
	"context"
	"errors"

	"circuit_go/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const upsertBatchSize = 500

// ======================================================================================
// Instrument Catalog
// ======================================================================================

// Instrument returns the catalog row for token.
func (r *repo) Instrument(ctx context.Context, token int64) (*domain.Instrument, error) {
	var inst domain.Instrument
	err := r.db.WithContext(ctx).First(&inst, "instrument_token = ?", token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, classify("get_instrument", err)
	}
	return &inst, nil
}

// UpsertInstruments replaces the catalog of every exchange present in list.
// Rows of those exchanges missing from list are kept but deactivated.
func (r *repo) UpsertInstruments(ctx context.Context, list []domain.Instrument) (int, error) {
	if len(list) == 0 {
		return 0, nil
	}

	exchanges := make(map[string]struct{})
	for _, inst := range list {
		exchanges[inst.Key.Exchange] = struct{}{}
	}

	var affected int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for ex := range exchanges {
			if err := tx.Model(&domain.Instrument{}).
				Where("exchange = ?", ex).
				Update("is_active", false).Error; err != nil {
				return err
			}
		}

		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "instrument_token"}},
			UpdateAll: true,
		}).CreateInBatches(list, upsertBatchSize)
		if res.Error != nil {
			return res.Error
		}
		affected = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, classify("upsert_instruments", err)
	}
	return int(affected), nil
}

// ActiveInstruments lists the active catalog.
func (r *repo) ActiveInstruments(ctx context.Context) ([]domain.Instrument, error) {
	var list []domain.Instrument
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("name ASC").Order("expiry ASC").Order("instrument_token ASC").
		Find(&list).Error
	if err != nil {
		return nil, classify("get_active_instruments", err)
	}
	return list, nil
}
