package mongo

import (
	"context"
	"errors"

	"github.com/fieldmesh/reflexbridge/internal/model"
	"github.com/fieldmesh/reflexbridge/internal/runlog"
)

// Store implements runlog.Store by delegating to the Mongo client.
type Store struct {
	client Client
}

// NewStore builds a Mongo-backed execution-history store using the
// provided client.
func NewStore(client Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Append implements runlog.Store.
func (s *Store) Append(ctx context.Context, rec model.ExecutionRecord) error {
	return s.client.Append(ctx, rec)
}

// List implements runlog.Store.
func (s *Store) List(ctx context.Context, reflexID string, cursor string, limit int) (runlog.Page, error) {
	return s.client.List(ctx, reflexID, cursor, limit)
}
