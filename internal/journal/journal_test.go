package journal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAttempt(id string) *Attempt {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Attempt{
		ID:              id,
		PaymentIntentID: "pi_" + id,
		TposID:          "t1",
		Currency:        "gbp",
		Amount:          1050,
		ChargeID:        "ch_" + id,
		Status:          StatusSucceeded,
		StartedAt:       now.Add(-2 * time.Second),
		FinishedAt:      now,
	}
}

func TestMemoryStore_InsertAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a := sampleAttempt("att_1")
	require.NoError(t, store.Insert(ctx, a))

	got, err := store.Get(ctx, "att_1")
	require.NoError(t, err)
	assert.Equal(t, a, got)

	_, err = store.Get(ctx, "att_nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListRecentNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Insert(ctx, sampleAttempt(fmt.Sprintf("att_%d", i))))
	}

	got, err := store.ListRecent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "att_4", got[0].ID)
	assert.Equal(t, "att_2", got[2].ID)

	all, err := store.ListRecent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestMemoryStore_EvictsBeyondCap(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < maxRetained+10; i++ {
		require.NoError(t, store.Insert(ctx, sampleAttempt(fmt.Sprintf("att_%d", i))))
	}

	all, err := store.ListRecent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, maxRetained)

	// Oldest entries are gone from the id index too.
	_, err = store.Get(ctx, "att_0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_InsertCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a := sampleAttempt("att_1")
	require.NoError(t, store.Insert(ctx, a))
	a.Status = StatusFailed // caller mutation must not leak into the store

	got, err := store.Get(ctx, "att_1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
}
