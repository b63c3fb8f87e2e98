// Package memory is an in-process drive backend, used when no remote
// account is configured and by tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"change/internal/core"
	"change/internal/drive"
)

type entry struct {
	file    drive.File
	data    []byte
	seq     int
	trashed bool
}

// Stats counts calls that reached the backend.
type Stats struct {
	Lists, Creates, Updates, Downloads, Deletes int
}

type Store struct {
	mu    sync.Mutex
	files map[string]*entry
	seq   int
	last  time.Time
	stats Stats

	now  func() time.Time
	auth func(ctx context.Context) error
}

var _ drive.Backend = (*Store)(nil)

type Option func(*Store)

// WithClock replaces the time source for modification times.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithAuthenticator runs check before every call; a non-nil error aborts it.
// Passing an auth provider's token check makes the backend behave like a
// remote that needs credentials.
func WithAuthenticator(check func(ctx context.Context) error) Option {
	return func(s *Store) { s.auth = check }
}

func New(opts ...Option) *Store {
	s := &Store{files: make(map[string]*entry), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// tick returns a modification time strictly after the previous one.
func (s *Store) tick() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Millisecond)
	}
	s.last = t
	return t
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.auth != nil {
		return s.auth(ctx)
	}
	return nil
}

func (s *Store) lookup(id string) (*entry, error) {
	e, ok := s.files[id]
	if !ok || e.trashed {
		return nil, fmt.Errorf("file %s: %w", id, core.ErrNotFound)
	}
	return e, nil
}

func hasParent(f drive.File, parent string) bool {
	for _, p := range f.Parents {
		if p == parent {
			return true
		}
	}
	return false
}

func (s *Store) List(ctx context.Context, q drive.Query) ([]drive.File, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Lists++

	parent := q.ParentID
	if parent == "" {
		parent = drive.RootID
	}

	var matches []*entry
	for _, e := range s.files {
		if e.trashed || !hasParent(e.file, parent) {
			continue
		}
		if q.Name != "" && e.file.Name != q.Name {
			continue
		}
		if q.MimeType != "" && e.file.MimeType != q.MimeType {
			continue
		}
		matches = append(matches, e)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].seq < matches[j].seq })

	out := make([]drive.File, 0, len(matches))
	for _, e := range matches {
		out = append(out, e.file)
	}
	return out, nil
}

func (s *Store) CreateFile(ctx context.Context, name, parentID, mimeType string, data []byte) (drive.File, error) {
	if err := s.check(ctx); err != nil {
		return drive.File{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if parentID == "" {
		parentID = drive.RootID
	}
	if parentID != drive.RootID {
		if _, err := s.lookup(parentID); err != nil {
			return drive.File{}, err
		}
	}

	s.seq++
	s.stats.Creates++
	f := drive.File{
		ID:           fmt.Sprintf("mem-%d", s.seq),
		Name:         name,
		MimeType:     mimeType,
		Parents:      []string{parentID},
		ModifiedTime: s.tick(),
	}
	s.files[f.ID] = &entry{file: f, data: append([]byte(nil), data...), seq: s.seq}
	return f, nil
}

// AddShortcut places a shortcut called name under parentID pointing at target.
func (s *Store) AddShortcut(name, parentID, targetID string) drive.File {
	s.mu.Lock()
	defer s.mu.Unlock()

	targetMime := ""
	if t, ok := s.files[targetID]; ok {
		targetMime = t.file.MimeType
	}
	s.seq++
	f := drive.File{
		ID:                     fmt.Sprintf("mem-%d", s.seq),
		Name:                   name,
		MimeType:               drive.MimeShortcut,
		Parents:                []string{parentID},
		ModifiedTime:           s.tick(),
		ShortcutTargetID:       targetID,
		ShortcutTargetMimeType: targetMime,
	}
	s.files[f.ID] = &entry{file: f, seq: s.seq}
	return f
}

func (s *Store) UpdateFile(ctx context.Context, fileID string, data []byte) (drive.File, error) {
	if err := s.check(ctx); err != nil {
		return drive.File{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(fileID)
	if err != nil {
		return drive.File{}, err
	}
	s.stats.Updates++
	e.data = append([]byte(nil), data...)
	e.file.ModifiedTime = s.tick()
	return e.file, nil
}

func (s *Store) Download(ctx context.Context, fileID string) ([]byte, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(fileID)
	if err != nil {
		return nil, err
	}
	s.stats.Downloads++
	return append([]byte(nil), e.data...), nil
}

func (s *Store) Metadata(ctx context.Context, fileID string, _ ...string) (drive.File, error) {
	if err := s.check(ctx); err != nil {
		return drive.File{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(fileID)
	if err != nil {
		return drive.File{}, err
	}
	return e.file, nil
}

func (s *Store) DeleteFile(ctx context.Context, fileID string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookup(fileID); err != nil {
		return err
	}
	s.stats.Deletes++
	s.deleteTree(fileID)
	return nil
}

func (s *Store) deleteTree(id string) {
	delete(s.files, id)
	for childID, e := range s.files {
		if hasParent(e.file, id) {
			s.deleteTree(childID)
		}
	}
}

// Trash hides a file from every call, like the remote trash does.
func (s *Store) Trash(fileID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.files[fileID]; ok {
		e.trashed = true
	}
}

// Stats returns a snapshot of the call counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
