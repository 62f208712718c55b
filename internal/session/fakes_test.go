package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"pair.drop/internal/models"
	"pair.drop/internal/storage"
	"pair.drop/internal/store"
)

// memStorage is an in-memory storage.Storage that counts calls.
type memStorage struct {
	mu        sync.Mutex
	files     map[string][]byte
	next      int
	writes    int
	deletes   map[string]int
	failWrite error
	failDel   error
	onWrite   func() // runs mid-write, after the body was read
}

func newMemStorage() *memStorage {
	return &memStorage{files: map[string][]byte{}, deletes: map[string]int{}}
}

func (m *memStorage) Write(ctx context.Context, r io.Reader, name string) (storage.Handle, int64, error) {
	if m.failWrite != nil {
		return "", 0, m.failWrite
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, err
	}
	if m.onWrite != nil {
		m.onWrite()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.writes++
	h := fmt.Sprintf("h%d", m.next)
	m.files[h] = data
	return h, int64(len(data)), nil
}

func (m *memStorage) Open(ctx context.Context, h storage.Handle) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[h]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStorage) Delete(ctx context.Context, h storage.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes[h]++
	if m.failDel != nil {
		return m.failDel
	}
	delete(m.files, h)
	return nil
}

func (m *memStorage) live() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hs []string
	for h := range m.files {
		hs = append(hs, h)
	}
	return hs
}

func (m *memStorage) deleteCount(h string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletes[h]
}

func (m *memStorage) content(h string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.files[h])
}

// upperTranscoder upper-cases the file, or fails when err is set.
type upperTranscoder struct {
	fs    *memStorage
	err   error
	calls int
}

func (u *upperTranscoder) Transcode(ctx context.Context, in storage.Handle) (storage.Handle, int64, error) {
	u.calls++
	if u.err != nil {
		return "", 0, u.err
	}
	rc, err := u.fs.Open(ctx, in)
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	return u.fs.Write(ctx, bytes.NewReader(bytes.ToUpper(data)), "out.kepub.epub")
}

func (u *upperTranscoder) OutputName(name string) string {
	return name[:len(name)-len(".epub")] + ".kepub.epub"
}

var errBoom = errors.New("boom")

func stringsReader(s string) io.Reader { return bytes.NewReader([]byte(s)) }

// reissuingStore hands a key to another device once, as if it expired and
// was issued again, at the point named by on: right after a Get returns
// or right before a Touch runs.
type reissuingStore struct {
	store.Store
	t     *testing.T
	on    string
	owner string
	file  *models.FileRef
	then  func()
	once  sync.Once
}

func (r *reissuingStore) Get(ctx context.Context, key string) (*models.Session, error) {
	rec, err := r.Store.Get(ctx, key)
	if r.on == "get" {
		r.reissue(key)
	}
	return rec, err
}

func (r *reissuingStore) Touch(ctx context.Context, key string, cond store.Cond) (*models.Session, error) {
	if r.on == "touch" {
		r.reissue(key)
	}
	return r.Store.Touch(ctx, key, cond)
}

func (r *reissuingStore) reissue(key string) {
	r.once.Do(func() {
		ctx := context.Background()
		_, err := r.Store.Remove(ctx, key)
		require.NoError(r.t, err)
		require.NoError(r.t, r.Store.Insert(ctx, &models.Session{Key: key, Owner: r.owner}))
		if r.file != nil {
			_, err = r.Store.SwapFile(ctx, key, store.Cond{}, r.file)
			require.NoError(r.t, err)
		}
		if r.then != nil {
			r.then()
		}
	})
}
