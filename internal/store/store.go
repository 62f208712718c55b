package store

import (
	"context"
	"errors"
	"time"

	"pair.drop/internal/models"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrKeyCollision = errors.New("session key already in use")
	ErrNotOwner     = errors.New("session belongs to another identity")
)

// Cond pins an operation to one session. The zero Cond matches whatever
// session currently holds the key.
type Cond struct {
	// ID, when set, must equal the Session.ID seen earlier. A different
	// session under the same key reads as ErrNotFound.
	ID string

	owner *string
}

// OwnedBy matches only sessions issued to identity.
func OwnedBy(identity string) Cond {
	return Cond{owner: &identity}
}

// WithID narrows c to the session with the given ID.
func (c Cond) WithID(id string) Cond {
	c.ID = id
	return c
}

func (c Cond) check(s *models.Session) error {
	if c.ID != "" && c.ID != s.ID {
		return ErrNotFound
	}
	if c.owner != nil && *c.owner != s.Owner {
		return ErrNotOwner
	}
	return nil
}

// Lifetime bounds how long a session lives. Idle is the sliding window
// reset by Touch; Max is counted from creation and never extended.
type Lifetime struct {
	Idle time.Duration
	Max  time.Duration
}

// ExpireFunc is told about every session that timed out, together with
// the file it held (nil if none) so the owner of the storage can delete
// it. It runs at most once per session and never under a store lock.
type ExpireFunc func(key string, file *models.FileRef)

// Store maps live pairing keys to their sessions. Keys passed in must
// already be normalized.
type Store interface {
	// Insert adds a new session, assigns its ID and arms its expiry. It
	// fails with ErrKeyCollision if the key is live.
	Insert(ctx context.Context, session *models.Session) error
	// Get returns a copy of the session or ErrNotFound.
	Get(ctx context.Context, key string) (*models.Session, error)
	// Touch checks cond, refreshes LastTouchedAt, restarts the idle window
	// and returns a copy of the updated session, all in one step. A
	// failed cond leaves the session untouched.
	Touch(ctx context.Context, key string, cond Cond) (*models.Session, error)
	// SwapFile checks cond, replaces the attached file (nil detaches) and
	// returns the previous one. The caller deletes the previous file.
	SwapFile(ctx context.Context, key string, cond Cond, file *models.FileRef) (*models.FileRef, error)
	// Remove drops the session and returns its file. Removing an unknown
	// key is not an error.
	Remove(ctx context.Context, key string) (*models.FileRef, error)
	Len(ctx context.Context) (int, error)
	Close() error
}
