// Package session keeps per-upload editing state in memory.  Each Session
// owns its own renderer, so no component relies on process-wide state.
package session

import (
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Skryldev/idphoto/cosmetic"
	"github.com/Skryldev/idphoto/crop"
	apperrors "github.com/Skryldev/idphoto/errors"
	"github.com/Skryldev/idphoto/geometry"
)

// Session is one photo being edited.  Callers lock it with Lock/Unlock
// around any read-modify-write of its fields.
type Session struct {
	sync.Mutex

	ID      string
	Spec    geometry.PrintSpec
	Target  geometry.Target
	Created time.Time

	// touched is read by Store.Sweep without the session lock, so a
	// session busy in a slow remote call never stalls the store.
	touched atomic.Int64

	Raw       []byte       // upload as received
	Source    *image.NRGBA // decoded upload
	Landmarks geometry.Provider
	Crop      *crop.State
	Transform *geometry.Transform

	Composite *image.NRGBA // background removed, hair restored
	Matte     *image.NRGBA // refined composite
	Canvas    *image.NRGBA // placed on the print canvas
	Engine    *cosmetic.Engine

	// LastGood is the most recent encoded photo known to be usable.  It
	// starts as the upload and only ever moves forward.
	LastGood []byte
}

// Touched returns when the session was last fetched from its store.
func (s *Session) Touched() time.Time { return time.Unix(0, s.touched.Load()) }

func (s *Session) touch(t time.Time) { s.touched.Store(t.UnixNano()) }

// Current returns the most processed buffer available.
func (s *Session) Current() *image.NRGBA {
	switch {
	case s.Engine != nil && s.Engine.Mode() != cosmetic.ModeUninitialized:
		return s.Engine.Frame()
	case s.Canvas != nil:
		return s.Canvas
	case s.Matte != nil:
		return s.Matte
	case s.Composite != nil:
		return s.Composite
	}
	return s.Source
}

// Cutout returns the buffer the print canvas is built from.
func (s *Session) Cutout() *image.NRGBA {
	switch {
	case s.Matte != nil:
		return s.Matte
	case s.Composite != nil:
		return s.Composite
	}
	return s.Source
}

// Commit records raw as the last known good output.
func (s *Session) Commit(raw []byte) {
	if len(raw) > 0 {
		s.LastGood = raw
	}
}

// close releases the renderer.
func (s *Session) close() {
	s.Lock()
	defer s.Unlock()
	if s.Engine != nil {
		_ = s.Engine.Close()
	}
}

// Store is a concurrency-safe set of sessions.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session), now: time.Now}
}

// Create registers s under a fresh id and returns it.
func (st *Store) Create(s *Session) *Session {
	now := st.now()
	s.ID = uuid.NewString()
	s.Created = now
	s.touch(now)
	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()
	return s
}

// Get returns the session and marks it as used.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, apperrors.New(apperrors.CategoryInput, "session.get", apperrors.ErrSessionNotFound)
	}
	s.touch(st.now())
	return s, nil
}

// Delete removes and closes a session.  Unknown ids are ignored.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	if ok {
		s.close()
	}
}

// Sweep deletes sessions idle for longer than maxIdle and returns how many
// were removed.  It never waits on a session lock while holding the store;
// closing the removed sessions happens after the store is released.
func (st *Store) Sweep(maxIdle time.Duration) int {
	cutoff := st.now().Add(-maxIdle)
	var stale []*Session
	st.mu.Lock()
	for id, s := range st.sessions {
		if s.Touched().Before(cutoff) {
			stale = append(stale, s)
			delete(st.sessions, id)
		}
	}
	st.mu.Unlock()
	for _, s := range stale {
		s.close()
	}
	return len(stale)
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Close closes every session.
func (st *Store) Close() {
	st.mu.Lock()
	all := st.sessions
	st.sessions = make(map[string]*Session)
	st.mu.Unlock()
	for _, s := range all {
		s.close()
	}
}
