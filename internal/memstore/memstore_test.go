package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amanmcp/hybridmemory/internal/kvstore"
)

func newTestStore(t *testing.T) (*Store, *kvstore.Store) {
	t.Helper()
	kv, err := kvstore.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return New(kv), kv
}

func TestAddClassifiesShortSessionContentAsSTM(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	var m Memory
	require.NoError(t, kv.WithTx(ctx, func(tx *kvstore.Tx) error {
		var err error
		m, err = s.Add(ctx, tx, AddInput{Content: "note", Importance: 0.2, SessionID: "sess1"})
		return err
	}))
	assert.Equal(t, LayerSTM, m.Layer)
	assert.Equal(t, 1, m.Version)
}

func TestAddClassifiesSessionlessContentAsLTM(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	var m Memory
	require.NoError(t, kv.WithTx(ctx, func(tx *kvstore.Tx) error {
		var err error
		m, err = s.Add(ctx, tx, AddInput{Content: "critical fact", Importance: 0.9})
		return err
	}))
	assert.Equal(t, LayerLTM, m.Layer)
}

func TestAddExplicitLayerHintOverridesHeuristic(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	var m Memory
	require.NoError(t, kv.WithTx(ctx, func(tx *kvstore.Tx) error {
		var err error
		m, err = s.Add(ctx, tx, AddInput{Content: "short note", SessionID: "sess1", LayerHint: LayerLTM})
		return err
	}))
	assert.Equal(t, LayerLTM, m.Layer)
}

func TestAddDefaultsSTMExpiryFromSTMTTL(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	var m Memory
	require.NoError(t, kv.WithTx(ctx, func(tx *kvstore.Tx) error {
		var err error
		m, err = s.Add(ctx, tx, AddInput{Content: "note", SessionID: "sess1", STMTTL: time.Hour})
		return err
	}))
	require.NotNil(t, m.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *m.ExpiresAt, time.Minute)
}

func TestAddHonorsExplicitExpiresAtOverSTMTTL(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()
	explicit := time.Now().Add(10 * time.Minute)

	var m Memory
	require.NoError(t, kv.WithTx(ctx, func(tx *kvstore.Tx) error {
		var err error
		m, err = s.Add(ctx, tx, AddInput{Content: "note", SessionID: "sess1", STMTTL: time.Hour, ExpiresAt: &explicit})
		return err
	}))
	require.NotNil(t, m.ExpiresAt)
	assert.True(t, m.ExpiresAt.Equal(explicit))
}

func TestAddRejectsEmptyContent(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	err := kv.WithTx(ctx, func(tx *kvstore.Tx) error {
		_, err := s.Add(ctx, tx, AddInput{Content: "   "})
		return err
	})
	assert.Error(t, err)
}

func TestGetIncrementsAccessCount(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	var id string
	require.NoError(t, kv.WithTx(ctx, func(tx *kvstore.Tx) error {
		m, err := s.Add(ctx, tx, AddInput{Content: "note", Importance: 0.1})
		id = m.ID
		return err
	}))

	m1, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, m1.AccessCount)

	m2, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, m2.AccessCount)
}

func TestUpdateBumpsVersionWithoutReclassifying(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	var id string
	require.NoError(t, kv.WithTx(ctx, func(tx *kvstore.Tx) error {
		m, err := s.Add(ctx, tx, AddInput{Content: "note", Importance: 0.1, SessionID: "sess1"})
		id = m.ID
		return err
	}))

	newImportance := 0.95
	var updated Memory
	require.NoError(t, kv.WithTx(ctx, func(tx *kvstore.Tx) error {
		var err error
		updated, err = s.Update(ctx, tx, id, UpdateInput{Importance: &newImportance})
		return err
	}))
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, 0.95, updated.Importance)
	// Layer classification only changes via the consolidation pass, never
	// as a side effect of update.
	assert.Equal(t, LayerSTM, updated.Layer)
}

func TestDeleteWithBackupAllowsRestore(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	var id string
	require.NoError(t, kv.WithTx(ctx, func(tx *kvstore.Tx) error {
		m, err := s.Add(ctx, tx, AddInput{Content: "note", Importance: 0.1})
		id = m.ID
		return err
	}))

	require.NoError(t, kv.WithTx(ctx, func(tx *kvstore.Tx) error {
		return s.Delete(ctx, tx, id, true)
	}))

	_, err := s.Peek(ctx, id)
	require.Error(t, err)

	var restored Memory
	require.NoError(t, kv.WithTx(ctx, func(tx *kvstore.Tx) error {
		var err error
		restored, err = s.Restore(ctx, tx, id)
		return err
	}))
	assert.Equal(t, id, restored.ID)
}

func TestDeleteWithoutBackupCannotRestore(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	var id string
	require.NoError(t, kv.WithTx(ctx, func(tx *kvstore.Tx) error {
		m, err := s.Add(ctx, tx, AddInput{Content: "note", Importance: 0.1})
		id = m.ID
		return err
	}))
	require.NoError(t, kv.WithTx(ctx, func(tx *kvstore.Tx) error {
		return s.Delete(ctx, tx, id, false)
	}))

	err := kv.WithTx(ctx, func(tx *kvstore.Tx) error {
		_, err := s.Restore(ctx, tx, id)
		return err
	})
	assert.Error(t, err)
}

func TestAllIteratesEveryMemory(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, kv.WithTx(ctx, func(tx *kvstore.Tx) error {
		_, err := s.Add(ctx, tx, AddInput{Content: "a", Importance: 0.1})
		return err
	}))
	require.NoError(t, kv.WithTx(ctx, func(tx *kvstore.Tx) error {
		_, err := s.Add(ctx, tx, AddInput{Content: "b", Importance: 0.1})
		return err
	}))

	var count int
	require.NoError(t, s.All(ctx, func(Memory) error {
		count++
		return nil
	}))
	assert.Equal(t, 2, count)
}
