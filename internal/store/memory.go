package store

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pair.drop/internal/clock"
	"pair.drop/internal/models"
)

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

var ErrClosed = errors.New("store closed")

const shardCount = 32

// MemoryStore keeps sessions in process. Locking is per shard, never
// store-wide, and every timer callback carries the id and idle generation
// of the entry it was armed for so a late firing can tell it is stale.
type MemoryStore struct {
	clock    clock.Clock
	lifetime Lifetime
	onExpire ExpireFunc

	shards [shardCount]shard
	count  atomic.Int64
	nextID atomic.Uint64
	closed atomic.Bool
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	session *models.Session
	id      uint64 // distinguishes reuses of the same key
	gen     uint64 // bumped on every Touch
	idle    *clock.Timer
	hard    *clock.Timer
}

func NewMemoryStore(clk clock.Clock, lifetime Lifetime, onExpire ExpireFunc) *MemoryStore {
	s := &MemoryStore{
		clock:    clk,
		lifetime: lifetime,
		onExpire: onExpire,
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*entry)
	}
	return s
}

func (s *MemoryStore) Insert(ctx context.Context, session *models.Session) error {
	key := session.Key
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	// Checked under the shard lock: Close drains shards after setting
	// closed, so an insert seen here as open is still drained.
	if s.closed.Load() {
		return ErrClosed
	}
	if _, ok := sh.entries[key]; ok {
		return ErrKeyCollision
	}

	now := s.clock.Now()
	rec := session.Clone()
	rec.ID = uuid.NewString()
	rec.CreatedAt = now
	rec.LastTouchedAt = now

	e := &entry{session: rec, id: s.nextID.Add(1)}
	id := e.id
	e.hard = s.clock.AfterFunc(s.lifetime.Max, func() { s.expire(key, id, 0, false) })
	s.armIdle(key, e)

	sh.entries[key] = e
	s.count.Add(1)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*models.Session, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return e.session.Clone(), nil
}

func (s *MemoryStore) Touch(ctx context.Context, key string, cond Cond) (*models.Session, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if err := cond.check(e.session); err != nil {
		return nil, err
	}

	if now := s.clock.Now(); now.After(e.session.LastTouchedAt) {
		e.session.LastTouchedAt = now
	}
	s.armIdle(key, e)
	return e.session.Clone(), nil
}

func (s *MemoryStore) SwapFile(ctx context.Context, key string, cond Cond, file *models.FileRef) (*models.FileRef, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if err := cond.check(e.session); err != nil {
		return nil, err
	}

	prev := e.session.File
	if file != nil {
		f := *file
		e.session.File = &f
	} else {
		e.session.File = nil
	}
	return prev, nil
}

func (s *MemoryStore) Remove(ctx context.Context, key string) (*models.FileRef, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return nil, nil
	}
	return s.detachLocked(sh, key, e), nil
}

func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	return int(s.count.Load()), nil
}

// Close drops every session. Attached files are handed to the expire
// hook so storage does not outlive the process's sessions.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	type detached struct {
		key  string
		file *models.FileRef
	}
	var files []detached

	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, e := range sh.entries {
			if f := s.detachLocked(sh, key, e); f != nil {
				files = append(files, detached{key, f})
			}
		}
		sh.mu.Unlock()
	}

	if s.onExpire != nil {
		for _, d := range files {
			s.onExpire(d.key, d.file)
		}
	}
	return nil
}

// armIdle replaces the pending idle timer. Must hold the shard lock.
func (s *MemoryStore) armIdle(key string, e *entry) {
	if e.idle != nil {
		e.idle.Stop()
	}
	e.gen++
	id, gen := e.id, e.gen
	e.idle = s.clock.AfterFunc(s.lifetime.Idle, func() { s.expire(key, id, gen, true) })
}

func (s *MemoryStore) expire(key string, id, gen uint64, idle bool) {
	sh := s.shard(key)
	sh.mu.Lock()
	e, ok := sh.entries[key]
	if !ok || e.id != id || (idle && e.gen != gen) {
		sh.mu.Unlock()
		return
	}
	file := s.detachLocked(sh, key, e)
	sh.mu.Unlock()

	reason := "max_lifetime"
	if idle {
		reason = "idle"
	}
	logrus.WithFields(logrus.Fields{
		"key":    key,
		"reason": reason,
	}).Info("Removing expired key")

	if s.onExpire != nil {
		s.onExpire(key, file)
	}
}

// detachLocked removes e and stops its timers. Must hold sh.mu.
func (s *MemoryStore) detachLocked(sh *shard, key string, e *entry) *models.FileRef {
	e.idle.Stop()
	e.hard.Stop()
	delete(sh.entries, key)
	s.count.Add(-1)

	file := e.session.File
	e.session.File = nil
	return file
}

func (s *MemoryStore) shard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}
