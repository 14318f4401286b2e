package workflow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/mmdatafocus/production_backend/models"
	"github.com/mmdatafocus/production_backend/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateStartsAtOnePerKey(t *testing.T) {
	ctx := context.Background()
	a := NewCounterAllocator(memory.NewStore(), quietLogger())

	for want := int64(1); want <= 3; want++ {
		got, err := a.Allocate(ctx, models.GlobalCounterKey())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	got, err := a.Allocate(ctx, models.ItemCounterKey(5))
	require.NoError(t, err)
	assert.Equal(t, int64(1), got, "per-item counter is independent of the global one")

	got, err = a.Allocate(ctx, models.OperatorDayCounterKey(7, testDate))
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)

	got, err = a.Allocate(ctx, models.OperatorDayCounterKey(7, testDate.AddDate(0, 0, 1)))
	require.NoError(t, err)
	assert.Equal(t, int64(1), got, "a new day starts a new operator counter")
}

func TestAllocateConcurrentCallersGetConsecutiveDistinctValues(t *testing.T) {
	const callers = 64
	ctx := context.Background()
	a := NewCounterAllocator(memory.NewStore(), quietLogger())
	key := models.ItemCounterKey(42)

	values := make([]int64, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			values[i], errs[i] = a.Allocate(ctx, key)
		}(i)
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	for i, v := range values {
		assert.Equal(t, int64(i+1), v)
	}
}

func TestAllocateIsMonotonicForEachCaller(t *testing.T) {
	const (
		callers = 50
		rounds  = 20
	)
	ctx := context.Background()
	a := NewCounterAllocator(memory.NewStore(), quietLogger())
	key := models.OperatorDayCounterKey(3, testDate)

	perCaller := make([][]int64, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				v, err := a.Allocate(ctx, key)
				if err != nil {
					t.Errorf("allocate: %v", err)
					return
				}
				perCaller[i] = append(perCaller[i], v)
			}
		}(i)
	}
	wg.Wait()

	seen := map[int64]bool{}
	for _, vs := range perCaller {
		for j := 1; j < len(vs); j++ {
			assert.Greater(t, vs[j], vs[j-1], "a caller observed a value going backwards")
		}
		for _, v := range vs {
			assert.False(t, seen[v], "value %d issued twice", v)
			seen[v] = true
		}
	}
	require.Len(t, seen, callers*rounds)
	for v := int64(1); v <= callers*rounds; v++ {
		assert.True(t, seen[v], "gap at %d", v)
	}
}

func TestAllocateStorageFailureIsRetryable(t *testing.T) {
	store := memory.NewStore()
	a := NewCounterAllocator(store, quietLogger())
	store.SetFailure(errors.New("connection refused"))

	_, err := a.Allocate(context.Background(), models.GlobalCounterKey())
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.True(t, IsRetryable(err))

	store.SetFailure(nil)
	v, err := a.Allocate(context.Background(), models.GlobalCounterKey())
	require.NoError(t, err)
	assert.Equal(t, int64(1), v, "a failed call must not consume a value")
}

func TestAllocateRejectsUnknownFamily(t *testing.T) {
	a := NewCounterAllocator(memory.NewStore(), quietLogger())

	_, err := a.Allocate(context.Background(), models.CounterKey{Family: "Weekly", Key: "1"})
	require.ErrorIs(t, err, ErrInvalidIdentityInput)

	_, err = a.Allocate(context.Background(), models.CounterKey{Family: models.CounterFamilyPerItem})
	require.ErrorIs(t, err, ErrInvalidIdentityInput)
}
