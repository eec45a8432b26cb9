// Package runlog defines the Store interface the reflex engine appends
// ExecutionRecords to, plus an in-memory implementation for tests and
// single-process deployments; internal/runlog/mongo provides the
// Mongo-backed implementation the relational-store columns in the
// specification's wire-format section describe.
package runlog

import (
	"context"
	"sort"
	"sync"

	"github.com/fieldmesh/reflexbridge/internal/apperr"
	"github.com/fieldmesh/reflexbridge/internal/model"
)

// Page is one page of a List query, with a cursor for the next page.
type Page struct {
	Records    []model.ExecutionRecord
	NextCursor string
}

// Store is the execution-history sink the reflex engine appends to, and
// the query surface the external tool surface's history endpoints read
// from.
type Store interface {
	Append(ctx context.Context, rec model.ExecutionRecord) error
	List(ctx context.Context, reflexID string, cursor string, limit int) (Page, error)
}

// InMemory is a Store backed by an unbounded in-process slice, the
// fallback used when no Mongo connection is configured.
type InMemory struct {
	mu      sync.Mutex
	records []model.ExecutionRecord
}

// NewInMemory builds an empty in-memory Store.
func NewInMemory() *InMemory {
	return &InMemory{}
}

// Append implements Store.
func (s *InMemory) Append(_ context.Context, rec model.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// List implements Store: records for reflexID (or every record if reflexID
// is empty) in insertion order, paginated by numeric offset encoded as the
// cursor.
func (s *InMemory) List(_ context.Context, reflexID string, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		return Page{}, apperr.New(apperr.InvalidArgs, "limit must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	offset := 0
	if cursor != "" {
		v, err := parseOffset(cursor)
		if err != nil {
			return Page{}, apperr.Wrap(apperr.InvalidArgs, "invalid cursor", err)
		}
		offset = v
	}

	matched := make([]model.ExecutionRecord, 0, len(s.records))
	for _, r := range s.records {
		if reflexID == "" || r.ReflexID == reflexID {
			matched = append(matched, r)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Timestamp.Before(matched[j].Timestamp) })

	if offset >= len(matched) {
		return Page{}, nil
	}
	end := offset + limit
	var next string
	if end < len(matched) {
		next = formatOffset(end)
	} else {
		end = len(matched)
	}
	return Page{Records: matched[offset:end], NextCursor: next}, nil
}
