package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/gartstein/certoil/internal/certification/db/models"
	e "github.com/gartstein/certoil/internal/certification/errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateSaga journals the start of an issuance.
func (r *Repository) CreateSaga(ctx context.Context, saga *models.SagaEntry) error {
	if saga.ID == uuid.Nil {
		saga.ID = uuid.New()
	}
	if saga.State == "" {
		saga.State = models.SagaPrepared
	}
	return r.journal.WithContext(ctx).Create(saga).Error
}

// SaveSaga persists the current state of saga.
func (r *Repository) SaveSaga(ctx context.Context, saga *models.SagaEntry) error {
	result := r.journal.WithContext(ctx).Save(saga)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return e.ErrNotFound
	}
	return nil
}

func (r *Repository) GetSaga(ctx context.Context, id uuid.UUID) (*models.SagaEntry, error) {
	var saga models.SagaEntry
	result := r.journal.WithContext(ctx).First(&saga, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, e.ErrNotFound
		}
		return nil, result.Error
	}
	return &saga, nil
}

// ListSagas returns sagas in any of states, oldest first. No states means all.
func (r *Repository) ListSagas(ctx context.Context, states ...models.SagaState) ([]models.SagaEntry, error) {
	var sagas []models.SagaEntry
	query := r.journal.WithContext(ctx).Order("created_at asc")
	if len(states) > 0 {
		query = query.Where("state IN ?", states)
	}
	if err := query.Find(&sagas).Error; err != nil {
		return nil, err
	}
	return sagas, nil
}

// ResolveSaga closes an unsettled saga with an operator note.
func (r *Repository) ResolveSaga(ctx context.Context, id uuid.UUID, note string) (*models.SagaEntry, error) {
	saga, err := r.GetSaga(ctx, id)
	if err != nil {
		return nil, err
	}
	if !saga.State.Unsettled() {
		return nil, fmt.Errorf("%w: saga %s is %s", e.ErrInvalidInput, id, saga.State)
	}
	saga.State = models.SagaResolved
	saga.ResolutionNote = note
	if err := r.SaveSaga(ctx, saga); err != nil {
		return nil, err
	}
	return saga, nil
}
