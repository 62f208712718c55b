package models

import "time"

// FileRef is the file currently attached to a session. Handle is owned by
// that session alone.
type FileRef struct {
	Name       string    `json:"name"`
	Handle     string    `json:"-"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Session is the record behind one live pairing key.
type Session struct {
	ID            string    `json:"-"` // unique per issue, so a reused key is a different session
	Key           string    `json:"key"`
	CreatedAt     time.Time `json:"created_at"`
	LastTouchedAt time.Time `json:"alive"`
	Owner         string    `json:"-"` // identity of the device that issued the key
	File          *FileRef  `json:"file,omitempty"`
}

// Clone returns a deep copy so callers can't reach into store state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.File != nil {
		f := *s.File
		c.File = &f
	}
	return &c
}

// Status is what the issuing device polls for.
type Status struct {
	LastTouchedAt time.Time `json:"alive"`
	File          *FileInfo `json:"file"`
}

type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size,omitempty"`
}
