package controller

import (
	"context"

	"github.com/gartstein/certoil/internal/certification/db"
)

type repositoryStore struct {
	*db.Repository
}

// NewStore exposes a db.Repository as a Store.
func NewStore(repo *db.Repository) Store {
	return repositoryStore{Repository: repo}
}

func (s repositoryStore) WithTransaction(ctx context.Context, fn func(tx Store) error) error {
	return s.Repository.WithTransaction(ctx, func(tx *db.Repository) error {
		return fn(repositoryStore{Repository: tx})
	})
}
