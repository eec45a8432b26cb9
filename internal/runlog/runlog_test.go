package runlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/reflexbridge/internal/model"
)

func TestInMemoryAppendAndListFiltersByReflex(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, store.Append(ctx, model.ExecutionRecord{ReflexID: "a", Timestamp: base}))
	require.NoError(t, store.Append(ctx, model.ExecutionRecord{ReflexID: "b", Timestamp: base.Add(time.Second)}))
	require.NoError(t, store.Append(ctx, model.ExecutionRecord{ReflexID: "a", Timestamp: base.Add(2 * time.Second)}))

	page, err := store.List(ctx, "a", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	require.Empty(t, page.NextCursor)
}

func TestInMemoryListPaginates(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, model.ExecutionRecord{
			ReflexID: "a", Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	page, err := store.List(ctx, "a", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	require.NotEmpty(t, page.NextCursor)

	page2, err := store.List(ctx, "a", page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page2.Records, 2)

	page3, err := store.List(ctx, "a", page2.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page3.Records, 1)
	require.Empty(t, page3.NextCursor)
}

func TestInMemoryListRejectsZeroLimit(t *testing.T) {
	store := NewInMemory()
	_, err := store.List(context.Background(), "a", "", 0)
	require.Error(t, err)
}
