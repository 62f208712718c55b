// Package session pairs an uploading device with a downloading one
// through a short-lived key.
//
// A key is issued to the downloading device and bound to its identity.
// Anyone holding the key may upload a file to it, but only the issuing
// identity can see its status or download the file. Identity mismatches
// are reported exactly like unknown keys so a wrong device can't discover
// which keys are live.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"pair.drop/internal/clock"
	"pair.drop/internal/keygen"
	"pair.drop/internal/models"
	"pair.drop/internal/storage"
	"pair.drop/internal/store"
	"pair.drop/internal/transcode"
)

type Config struct {
	// Extension every uploaded file name must end in, e.g. ".epub".
	Extension string
	// IssuerMarker must appear in the identity of a device asking for a
	// key. Empty allows any device.
	IssuerMarker string
}

// Upload is a file received from the uploading device.
type Upload struct {
	Name string
	Body io.Reader
}

type Service struct {
	store      store.Store
	keys       *keygen.Generator
	slots      *Slots
	storage    storage.Storage
	transcoder transcode.Transcoder
	clock      clock.Clock
	config     Config
}

// NewService wires the service. tc may be nil, in which case uploads
// asking for conversion fail with ErrTranscodeFailed.
func NewService(st store.Store, keys *keygen.Generator, fs storage.Storage, tc transcode.Transcoder, clk clock.Clock, cfg Config) *Service {
	return &Service{
		store:      st,
		keys:       keys,
		slots:      NewSlots(st, fs),
		storage:    fs,
		transcoder: tc,
		clock:      clk,
		config:     cfg,
	}
}

// Issue allocates a key for the device identified by identity. It gives
// up after one more attempt than there are live sessions.
func (s *Service) Issue(ctx context.Context, identity string) (string, error) {
	if s.config.IssuerMarker != "" && !strings.Contains(identity, s.config.IssuerMarker) {
		logrus.WithField("identity", identity).Warn("Non-download device tried to generate a key")
		return "", ErrForbidden
	}

	live, err := s.store.Len(ctx)
	if err != nil {
		return "", err
	}

	for attempt := 1; attempt <= live+1; attempt++ {
		key := s.keys.Generate()
		err := s.store.Insert(ctx, &models.Session{Key: key, Owner: identity})
		if errors.Is(err, store.ErrKeyCollision) {
			continue
		}
		if err != nil {
			return "", err
		}

		logrus.WithFields(logrus.Fields{
			"key":      key,
			"attempts": attempt,
			"live":     live + 1,
		}).Info("Generated key")
		return key, nil
	}

	logrus.WithField("live", live).Error("Can't generate more keys, keyspace is full")
	return "", ErrKeyspaceExhausted
}

// BindUpload stores up and attaches it to key, replacing any earlier
// file. identity is not checked: the uploader is a different device from
// the one that issued the key.
func (s *Service) BindUpload(ctx context.Context, key, identity string, up Upload, convert bool) (*models.FileRef, error) {
	key = keygen.Normalize(key)
	log := logrus.WithFields(logrus.Fields{
		"key":      key,
		"identity": identity,
		"name":     up.Name,
	})

	rec, err := s.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	// Storing and converting can take minutes; the key may expire and be
	// issued again meanwhile. Pin the rest of the upload to this session.
	pin := store.Cond{ID: rec.ID}

	name := displayName(up.Name)
	if name == "" || !strings.HasSuffix(strings.ToLower(name), strings.ToLower(s.config.Extension)) {
		return nil, fmt.Errorf("%w: %q does not end with %s", ErrInvalidPayload, up.Name, s.config.Extension)
	}

	h, size, err := s.storage.Write(ctx, up.Body, name)
	if err != nil {
		return nil, fmt.Errorf("storing upload: %w", err)
	}
	if size == 0 {
		s.slots.Discard(ctx, key, &models.FileRef{Name: name, Handle: h})
		return nil, fmt.Errorf("%w: empty file", ErrInvalidPayload)
	}

	if convert {
		h, size, err = s.convert(ctx, key, name, h)
		if err != nil {
			return nil, err
		}
		name = s.transcoder.OutputName(name)
	}

	ref := &models.FileRef{
		Name:       name,
		Handle:     h,
		Size:       size,
		UploadedAt: s.clock.Now(),
	}

	if _, err := s.store.Touch(ctx, key, pin); err != nil {
		s.slots.Discard(ctx, key, ref)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownSession
		}
		return nil, err
	}
	if err := s.slots.Attach(ctx, key, pin, ref); err != nil {
		return nil, err
	}

	log.WithField("size", size).Info("File attached")
	return ref, nil
}

// BindDownload returns the file waiting for the device that issued key.
// ok is false for unknown keys, sessions without a file and identity
// mismatches alike. The file stays attached so a download can be retried.
func (s *Service) BindDownload(ctx context.Context, key, identity string) (ref *models.FileRef, ok bool) {
	key = keygen.Normalize(key)

	rec, err := s.lookup(ctx, key)
	if err != nil || rec.File == nil {
		return nil, false
	}
	rec, err = s.touchOwned(ctx, key, store.OwnedBy(identity).WithID(rec.ID))
	if err != nil || rec.File == nil {
		return nil, false
	}
	return rec.File, true
}

// Open streams the bytes behind a file returned by BindDownload.
func (s *Service) Open(ctx context.Context, ref *models.FileRef) (io.ReadCloser, error) {
	return s.storage.Open(ctx, ref.Handle)
}

// Release deletes the file attached to key but keeps the key itself
// alive until it expires.
func (s *Service) Release(ctx context.Context, key string) error {
	key = keygen.Normalize(key)
	if err := s.slots.Detach(ctx, key); err != nil {
		return err
	}
	logrus.WithField("key", key).Info("File released")
	return nil
}

// Status reports when key was last used and which file is waiting. It
// counts as activity and keeps the key alive.
func (s *Service) Status(ctx context.Context, key, identity string) (models.Status, error) {
	key = keygen.Normalize(key)

	rec, err := s.touchOwned(ctx, key, store.OwnedBy(identity))
	if err != nil {
		return models.Status{}, err
	}

	st := models.Status{LastTouchedAt: rec.LastTouchedAt}
	if rec.File != nil {
		st.File = &models.FileInfo{Name: rec.File.Name, Size: rec.File.Size}
	}
	return st, nil
}

// Count reports the number of live keys.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.store.Len(ctx)
}

// ValidKey reports whether key has the shape of an issued key.
func (s *Service) ValidKey(key string) bool {
	return s.keys.Valid(key)
}

func (s *Service) convert(ctx context.Context, key, name string, in storage.Handle) (storage.Handle, int64, error) {
	input := &models.FileRef{Name: name, Handle: in}
	if s.transcoder == nil {
		s.slots.Discard(ctx, key, input)
		return "", 0, fmt.Errorf("%w: no transcoder configured", ErrTranscodeFailed)
	}

	out, size, err := s.transcoder.Transcode(ctx, in)
	s.slots.Discard(ctx, key, input)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrTranscodeFailed, err)
	}
	return out, size, nil
}

func (s *Service) lookup(ctx context.Context, key string) (*models.Session, error) {
	rec, err := s.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownSession
	}
	return rec, err
}

// touchOwned touches key only if cond holds, in one store step, and folds
// a wrong owner into ErrUnknownSession.
func (s *Service) touchOwned(ctx context.Context, key string, cond store.Cond) (*models.Session, error) {
	rec, err := s.store.Touch(ctx, key, cond)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrUnknownSession
	case errors.Is(err, store.ErrNotOwner):
		logrus.WithField("key", key).Warn("Identity does not match key owner")
		return nil, ErrUnknownSession
	}
	return rec, err
}

// displayName strips any client-side directory from an uploaded name.
func displayName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return strings.TrimSpace(name)
}
