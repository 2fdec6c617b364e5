package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/storage"
)

func TestMemoryRequestStore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryRequestStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		req := &domain.Request{
			ID:        id,
			UserID:    "u1",
			Status:    domain.StatusPending,
			AuthToken: "secret",
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, store.Create(ctx, req))
	}
	require.Error(t, store.Create(ctx, &domain.Request{ID: "a"}))

	req, err := store.Get(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, req.AuthToken, "auth tokens are not stored")
	require.NoError(t, req.Transition(domain.StatusRunning, base))
	require.NoError(t, store.Update(ctx, req))

	// mutating the returned copy does not leak into the store
	req.Status = domain.StatusFailed
	got, err := store.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)

	list, err := store.List(ctx, domain.ListOptions{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "c", list[0].ID)

	list, err = store.List(ctx, domain.ListOptions{Statuses: []domain.RequestStatus{domain.StatusRunning}})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].ID)

	list, err = store.List(ctx, domain.ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = store.Get(ctx, "missing")
	assert.True(t, errors.Is(err, storage.ErrRequestNotFound))
}

func TestMemoryFingerprintStore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryFingerprintStore()

	require.Error(t, store.Save(ctx, &domain.Fingerprint{}))
	require.NoError(t, store.Save(ctx, &domain.Fingerprint{UserID: "u1", Formality: 0.7, Samples: 1}))

	fp, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0.7, fp.Formality)

	require.NoError(t, store.Save(ctx, &domain.Fingerprint{UserID: "u1", Formality: 0.9, Samples: 1}))
	fp, err = store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, fp.Formality, 1e-9)
	assert.Equal(t, 2, fp.Samples)

	_, err = store.Get(ctx, "u2")
	assert.Error(t, err)
}

func TestMergeFingerprint(t *testing.T) {
	existing := domain.Fingerprint{UserID: "u1", AvgSentenceLength: 20, Formality: 0.6, WordCount: 1000, Samples: 3}
	sample := domain.Fingerprint{UserID: "u1", AvgSentenceLength: 24, Formality: 1.0, WordCount: 500, Samples: 1}

	merged := storage.MergeFingerprint(existing, sample)

	assert.Equal(t, 4, merged.Samples)
	assert.Equal(t, 1500, merged.WordCount)
	assert.InDelta(t, 21.0, merged.AvgSentenceLength, 1e-9)
	assert.InDelta(t, 0.7, merged.Formality, 1e-9)

	first := storage.MergeFingerprint(domain.Fingerprint{}, sample)
	assert.Equal(t, sample, first)
}
