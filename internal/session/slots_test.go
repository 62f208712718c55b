package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pair.drop/internal/clock"
	"pair.drop/internal/models"
	"pair.drop/internal/store"
)

func newTestSlots(t *testing.T) (*Slots, *memStorage, store.Store) {
	t.Helper()
	fs := newMemStorage()
	st := store.NewMemoryStore(clock.Fake(epoch), store.Lifetime{Idle: time.Minute, Max: time.Hour}, ExpireHook(fs))
	t.Cleanup(func() { _ = st.Close() })
	return NewSlots(st, fs), fs, st
}

func TestSlots_SetFileReturnsPrevious(t *testing.T) {
	slots, _, st := newTestSlots(t)
	ctx := context.Background()
	require.NoError(t, st.Insert(ctx, &models.Session{Key: "AC23"}))

	prev, err := slots.SetFile(ctx, "AC23", store.Cond{}, &models.FileRef{Handle: "h1"})
	require.NoError(t, err)
	assert.Nil(t, prev)

	prev, err = slots.SetFile(ctx, "AC23", store.Cond{}, &models.FileRef{Handle: "h2"})
	require.NoError(t, err)
	assert.Equal(t, "h1", prev.Handle)

	prev, err = slots.ClearFile(ctx, "AC23")
	require.NoError(t, err)
	assert.Equal(t, "h2", prev.Handle)
}

func TestSlots_UnknownSession(t *testing.T) {
	slots, _, _ := newTestSlots(t)
	ctx := context.Background()

	_, err := slots.SetFile(ctx, "NOPE", store.Cond{}, &models.FileRef{Handle: "h1"})
	assert.ErrorIs(t, err, ErrUnknownSession)
	_, err = slots.ClearFile(ctx, "NOPE")
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.ErrorIs(t, slots.Detach(ctx, "NOPE"), ErrUnknownSession)
}

func TestSlots_AttachToUnknownSessionDeletesNewFile(t *testing.T) {
	slots, fs, _ := newTestSlots(t)
	ctx := context.Background()

	h, _, err := fs.Write(ctx, stringsReader("x"), "a.epub")
	require.NoError(t, err)

	err = slots.Attach(ctx, "NOPE", store.Cond{}, &models.FileRef{Handle: h})
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.Equal(t, 1, fs.deleteCount(h))
	assert.Empty(t, fs.live())
}

func TestSlots_DiscardSurvivesCanceledContext(t *testing.T) {
	slots, fs, _ := newTestSlots(t)

	h, _, err := fs.Write(context.Background(), stringsReader("x"), "a.epub")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slots.Discard(ctx, "AC23", &models.FileRef{Handle: h})
	slots.Discard(ctx, "AC23", nil)

	assert.Empty(t, fs.live())
}

func TestSlots_AttachToReplacedSessionDeletesNewFile(t *testing.T) {
	slots, fs, st := newTestSlots(t)
	ctx := context.Background()

	require.NoError(t, st.Insert(ctx, &models.Session{Key: "AC23"}))
	old, err := st.Get(ctx, "AC23")
	require.NoError(t, err)
	_, err = st.Remove(ctx, "AC23")
	require.NoError(t, err)
	require.NoError(t, st.Insert(ctx, &models.Session{Key: "AC23"}))

	h, _, err := fs.Write(ctx, stringsReader("x"), "a.epub")
	require.NoError(t, err)

	err = slots.Attach(ctx, "AC23", store.Cond{ID: old.ID}, &models.FileRef{Handle: h})
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.Equal(t, 1, fs.deleteCount(h))

	cur, err := st.Get(ctx, "AC23")
	require.NoError(t, err)
	assert.Nil(t, cur.File)
}
