package storage

import (
	"context"
	"errors"

	"circuit_go/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ======================================================================================
// Baselines
// ======================================================================================

// CurrentState returns the stored baseline of key regardless of its session.
func (r *repo) CurrentState(ctx context.Context, key domain.InstrumentKey) (*domain.CurrentState, error) {
	var st domain.CurrentState
	err := r.db.WithContext(ctx).First(&st, "instrument_id = ?", key.ID()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, classify("get_current_state", err)
	}
	return &st, nil
}

// SaveCurrentState replaces the baseline of the state's key.
func (r *repo) SaveCurrentState(ctx context.Context, state *domain.CurrentState) error {
	if state.InstrumentID == "" {
		state.InstrumentID = state.Key.ID()
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instrument_id"}},
		UpdateAll: true,
	}).Create(state).Error
	return classify("save_current_state", err)
}
