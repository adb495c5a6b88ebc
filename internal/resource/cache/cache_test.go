package cache

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ban/internal/resource/models"
	"ban/pkg/platform/tx"
)

type countingObserver struct {
	hits, misses atomic.Int32
}

func (o *countingObserver) CacheHit()  { o.hits.Add(1) }
func (o *countingObserver) CacheMiss() { o.misses.Add(1) }

func TestRefsReadThrough(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	obs := &countingObserver{}
	refs := NewRefs(store, WithObserver(obs))

	var loads atomic.Int32
	load := func(context.Context) (models.Ref, error) {
		loads.Add(1)
		return models.Ref{Resource: "group", PK: 4, ID: "ban-group-4"}, nil
	}

	ref, err := refs.Get(ctx, "group", 4, load)
	require.NoError(t, err)
	assert.Equal(t, "ban-group-4", ref.ID)

	_, err = refs.Get(ctx, "group", 4, load)
	require.NoError(t, err)
	assert.Equal(t, int32(1), loads.Load())
	assert.Equal(t, int32(1), obs.hits.Load())
	assert.Equal(t, int32(1), obs.misses.Load())

	require.NoError(t, refs.Invalidate(ctx, "group", 4))
	assert.Equal(t, 0, store.Len())
}

func TestRefsBypassInsideTransaction(t *testing.T) {
	store := NewMemory()
	refs := NewRefs(store)
	ctx := tx.WithScope(context.Background(), "owner")

	_, err := refs.Get(ctx, "group", 1, func(context.Context) (models.Ref, error) {
		return models.Ref{Resource: "group", PK: 1, ID: "x"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, store.Len())

	_, err = refs.Get(tx.WithTx(context.Background(), &sql.Tx{}), "group", 1, func(context.Context) (models.Ref, error) {
		return models.Ref{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, store.Len())
}

func TestRefsLoadErrorIsNotCached(t *testing.T) {
	store := NewMemory()
	refs := NewRefs(store)
	boom := errors.New("boom")

	_, err := refs.Get(context.Background(), "group", 9, func(context.Context) (models.Ref, error) {
		return models.Ref{}, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, store.Len())
}

func TestRefsConcurrentMisses(t *testing.T) {
	refs := NewRefs(NewMemory())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := refs.Get(context.Background(), "municipality", 1, func(context.Context) (models.Ref, error) {
				return models.Ref{Resource: "municipality", PK: 1, ID: "ban-municipality-1"}, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, "ban-municipality-1", ref.ID)
		}()
	}
	wg.Wait()
}
