package document

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-canister/internal/models"
)

type fakeFinalizer struct {
	commitErr error
	commits   int
	rollbacks int
}

func (f *fakeFinalizer) Commit() error {
	f.commits++
	return f.commitErr
}

func (f *fakeFinalizer) Rollback() error {
	f.rollbacks++
	return nil
}

func withDevice(doc *models.ReconciliationDocument, deviceID int64) *models.ReconciliationDocument {
	id := deviceID
	doc.Devices[deviceID] = &models.DeviceSection{
		DeviceID: deviceID,
		Slots:    map[int]*models.SlotSummary{1: {CurrentCanisterID: &id}},
	}
	return doc
}

func TestWriterCommit_FirstAttempt(t *testing.T) {
	_, store := setupStore(t)
	w := NewWriter(store, 3, 0, zap.NewNop())
	fin := &fakeFinalizer{}

	res, err := w.Commit(context.Background(), "k", func(_ context.Context, cur *models.ReconciliationDocument) (*models.ReconciliationDocument, Finalizer, error) {
		return withDevice(cur, 3), fin, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int64(1), res.Revision)
	assert.Equal(t, 1, fin.commits)
	assert.Equal(t, 0, fin.rollbacks)
}

func TestWriterCommit_RetriesOnConflict(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()
	w := NewWriter(store, 3, 0, zap.NewNop())
	fin := &fakeFinalizer{}

	calls := 0
	res, err := w.Commit(ctx, "k", func(_ context.Context, cur *models.ReconciliationDocument) (*models.ReconciliationDocument, Finalizer, error) {
		calls++
		if calls == 1 {
			// 另一台设备抢先写入
			_, err := store.WriteIfRevisionMatches(ctx, "k", cur.Revision, withDevice(cur.Clone(), 9))
			require.NoError(t, err)
		}
		return withDevice(cur, 3), fin, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, fin.rollbacks)
	assert.Equal(t, 1, fin.commits)

	doc, err := store.Read(ctx, "k")
	require.NoError(t, err)
	assert.NotNil(t, doc.Device(9), "concurrent section must survive the retry")
	assert.NotNil(t, doc.Device(3))
}

func TestWriterCommit_ExhaustedRetries(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()
	w := NewWriter(store, 3, 0, zap.NewNop())
	fin := &fakeFinalizer{}

	calls := 0
	_, err := w.Commit(ctx, "k", func(_ context.Context, cur *models.ReconciliationDocument) (*models.ReconciliationDocument, Finalizer, error) {
		calls++
		_, err := store.WriteIfRevisionMatches(ctx, "k", cur.Revision, models.NewReconciliationDocument(1))
		require.NoError(t, err)
		return withDevice(cur, 3), fin, nil
	})

	var syncErr *RealtimeSyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, 3, syncErr.Attempts)
	assert.ErrorIs(t, err, ErrConcurrentModification)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, fin.rollbacks)
	assert.Equal(t, 0, fin.commits)

	doc, err := store.Read(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, doc.Device(3))
}

func TestWriterCommit_PatchErrorIsFatal(t *testing.T) {
	_, store := setupStore(t)
	w := NewWriter(store, 3, 0, zap.NewNop())
	fin := &fakeFinalizer{}
	boom := errors.New("catalog unavailable")

	calls := 0
	_, err := w.Commit(context.Background(), "k", func(_ context.Context, _ *models.ReconciliationDocument) (*models.ReconciliationDocument, Finalizer, error) {
		calls++
		return nil, fin, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, fin.rollbacks)
}

func TestWriterCommit_CompensatesWhenFinalizerFails(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()
	w := NewWriter(store, 3, 0, zap.NewNop())

	_, err := store.WriteIfRevisionMatches(ctx, "k", 0, withDevice(models.NewReconciliationDocument(1), 9))
	require.NoError(t, err)

	fin := &fakeFinalizer{commitErr: errors.New("tx aborted")}
	_, err = w.Commit(ctx, "k", func(_ context.Context, cur *models.ReconciliationDocument) (*models.ReconciliationDocument, Finalizer, error) {
		return withDevice(cur, 3), fin, nil
	})
	require.Error(t, err)

	doc, err := store.Read(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, doc.Device(3))
	assert.NotNil(t, doc.Device(9))
	assert.Equal(t, int64(3), doc.Revision)
}

func TestRealtimeSyncError(t *testing.T) {
	err := &RealtimeSyncError{Key: "k", Attempts: 3, Err: ErrConcurrentModification}
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.True(t, errors.Is(err, ErrConcurrentModification))
}
