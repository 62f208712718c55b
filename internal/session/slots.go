package session

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"pair.drop/internal/models"
	"pair.drop/internal/storage"
	"pair.drop/internal/store"
)

// Slots manages the single file a session may hold. A replaced or
// detached file is deleted only after the swap is visible in the store,
// so readers never see a session pointing at deleted bytes.
type Slots struct {
	store   store.Store
	storage storage.Storage
}

func NewSlots(st store.Store, fs storage.Storage) *Slots {
	return &Slots{store: st, storage: fs}
}

// SetFile swaps in ref on the session matching cond and returns what it
// replaced. Deleting the returned file is up to the caller.
func (s *Slots) SetFile(ctx context.Context, key string, cond store.Cond, ref *models.FileRef) (*models.FileRef, error) {
	prev, err := s.store.SwapFile(ctx, key, cond, ref)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrNotOwner) {
		return nil, ErrUnknownSession
	}
	return prev, err
}

// ClearFile detaches the current file, if any, and returns it.
func (s *Slots) ClearFile(ctx context.Context, key string) (*models.FileRef, error) {
	return s.SetFile(ctx, key, store.Cond{}, nil)
}

// Attach makes ref the file of the session matching cond and deletes the
// previous one. If the swap fails, ref itself is deleted so nothing is
// orphaned.
func (s *Slots) Attach(ctx context.Context, key string, cond store.Cond, ref *models.FileRef) error {
	prev, err := s.SetFile(ctx, key, cond, ref)
	if err != nil {
		s.Discard(ctx, key, ref)
		return err
	}
	s.Discard(ctx, key, prev)
	return nil
}

// Detach clears the session's file and deletes it.
func (s *Slots) Detach(ctx context.Context, key string) error {
	prev, err := s.ClearFile(ctx, key)
	if err != nil {
		return err
	}
	s.Discard(ctx, key, prev)
	return nil
}

// Discard deletes a file that no session references any more.
func (s *Slots) Discard(ctx context.Context, key string, ref *models.FileRef) {
	discard(ctx, s.storage, key, ref)
}

// ExpireHook returns the store callback that deletes the files of
// expired sessions.
func ExpireHook(fs storage.Storage) store.ExpireFunc {
	return func(key string, file *models.FileRef) {
		discard(context.Background(), fs, key, file)
	}
}

// discard never fails the caller: a file that can't be deleted is logged
// and left behind.
func discard(ctx context.Context, fs storage.Storage, key string, ref *models.FileRef) {
	if ref == nil {
		return
	}

	// Cleanup must finish even if the request that triggered it is gone.
	ctx = context.WithoutCancel(ctx)

	fields := logrus.Fields{
		"key":    key,
		"handle": ref.Handle,
		"name":   ref.Name,
	}
	if err := fs.Delete(ctx, ref.Handle); err != nil {
		logrus.WithFields(fields).WithError(err).Error("Deleting file failed")
		return
	}
	logrus.WithFields(fields).Info("Deleted file")
}
