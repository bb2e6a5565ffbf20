package routing

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRoute(t *testing.T, id string, priority int) *Route {
	t.Helper()
	r, err := New(id, "/"+id, []string{"http://" + id}, validPolicy(), priority, false, nil)
	require.NoError(t, err)
	return r
}

func TestTable_CRUD(t *testing.T) {
	tbl := NewTable(nil)
	ctx := context.Background()

	_, err := tbl.Get("missing")
	require.Error(t, err)

	r1 := mustRoute(t, "r1", 5)
	require.NoError(t, tbl.Upsert(ctx, r1))

	got, err := tbl.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, r1, got)

	r1b := mustRoute(t, "r1", 1)
	require.NoError(t, tbl.Upsert(ctx, r1b))
	got, _ = tbl.Get("r1")
	assert.Equal(t, 1, got.Priority)

	require.NoError(t, tbl.Remove(ctx, "r1"))
	_, err = tbl.Get("r1")
	require.Error(t, err)

	require.Error(t, tbl.Remove(ctx, "r1"))
}

func TestTable_GetAllOrderedByPriority(t *testing.T) {
	tbl := NewTable(nil)
	ctx := context.Background()
	require.NoError(t, tbl.Upsert(ctx, mustRoute(t, "low", 10)))
	require.NoError(t, tbl.Upsert(ctx, mustRoute(t, "high", 1)))
	require.NoError(t, tbl.Upsert(ctx, mustRoute(t, "mid", 5)))

	all := tbl.GetAll()
	require.Len(t, all, 3)
	assert.Equal(t, "high", all[0].RouteID)
	assert.Equal(t, "mid", all[1].RouteID)
	assert.Equal(t, "low", all[2].RouteID)
}

type staticSource struct {
	routes []*Route
}

func (s staticSource) LoadRoutes(ctx context.Context) ([]*Route, error) {
	return s.routes, nil
}

func TestTable_ReloadSwapsAtomically(t *testing.T) {
	tbl := NewTable(nil)
	ctx := context.Background()
	require.NoError(t, tbl.Upsert(ctx, mustRoute(t, "old", 0)))

	src := staticSource{routes: []*Route{mustRoute(t, "new", 0)}}
	require.NoError(t, tbl.Reload(ctx, src))

	_, err := tbl.Get("old")
	require.Error(t, err)
	_, err = tbl.Get("new")
	require.NoError(t, err)
}

// TestTable_ConcurrentUpsertAndGetAll: 1000 upserts interleaved with
// 1000 get_all calls must never observe
// a torn or partially-constructed snapshot, and the final snapshot
// must contain exactly the distinct route ids written.
func TestTable_ConcurrentUpsertAndGetAll(t *testing.T) {
	tbl := NewTable(nil)
	ctx := context.Background()
	const n = 1000

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			r := mustRoute(t, fmt.Sprintf("r%d", i%250), i)
			_ = tbl.Upsert(ctx, r)
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			all := tbl.GetAll()
			seen := make(map[string]bool, len(all))
			for _, r := range all {
				require.NotNil(t, r)
				require.NotEmpty(t, r.RouteID)
				assert.False(t, seen[r.RouteID], "duplicate route_id in one snapshot")
				seen[r.RouteID] = true
			}
		}
	}()

	wg.Wait()

	all := tbl.GetAll()
	assert.Len(t, all, 250)
}
