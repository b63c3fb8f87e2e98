package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"change/internal/core"
	"change/internal/drive"
	"change/internal/log"
	"change/internal/syncmeta"
)

var metadataFields = []string{"id", "modifiedTime"}

type options struct {
	appRoot string
	now     func() time.Time
}

type Option func(*options)

// WithAppRoot overrides DefaultAppRoot.
func WithAppRoot(name string) Option {
	return func(o *options) { o.appRoot = name }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Store reads and writes documents of type D for one domain.
type Store[D any] struct {
	files   drive.FileStore
	meta    *syncmeta.Repository
	layout  Layout
	appRoot string
	now     func() time.Time
	logger  *slog.Logger
}

func New[D any](files drive.FileStore, meta *syncmeta.Repository, layout Layout, logger *slog.Logger, opts ...Option) *Store[D] {
	o := options{appRoot: DefaultAppRoot, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store[D]{
		files:   files,
		meta:    meta,
		layout:  layout,
		appRoot: o.appRoot,
		now:     o.now,
		logger:  logger.With("domain", layout.Domain.String()),
	}
}

func (s *Store[D]) Domain() core.Domain { return s.layout.Domain }

// Name is the logical path of a document, e.g.
// "Change!/Planning/2024/Planning_2024_Jan.json".
func (s *Store[D]) Name(year, month int) string {
	return s.layout.path(s.appRoot, year, month)
}

// Parse maps a logical name back to its year and month. It reports false
// for names of another domain or app root.
func (s *Store[D]) Parse(name string) (year, month int, ok bool) {
	prefix := s.layout.domainPath(s.appRoot) + "/"
	if !strings.HasPrefix(name, prefix) {
		return 0, 0, false
	}
	yearPart, _, found := strings.Cut(strings.TrimPrefix(name, prefix), "/")
	if !found {
		return 0, 0, false
	}
	year, err := strconv.Atoi(yearPart)
	if err != nil {
		return 0, 0, false
	}
	for m := 0; m < len(core.MonthNames); m++ {
		if s.Name(year, m) == name {
			return year, m, true
		}
	}
	return 0, 0, false
}

// Info returns the sync record of a document. A document never synced
// yields a zero record named after it.
func (s *Store[D]) Info(ctx context.Context, year, month int) (syncmeta.FileInfo, error) {
	name := s.Name(year, month)
	info, err := s.meta.Get(ctx, name)
	if errors.Is(err, core.ErrNotFound) {
		return syncmeta.FileInfo{Name: name}, nil
	}
	return info, err
}

// folder resolves one segment of the folder chain, creating it when asked.
// It returns "" when the folder is absent and create is false.
func (s *Store[D]) folder(ctx context.Context, path, name, parentID string, create bool) (string, error) {
	return s.meta.ResolveFolder(ctx, path, create, func(ctx context.Context) (string, error) {
		var (
			id  string
			err error
		)
		if parentID == "" {
			id, err = s.files.FindAppRootFolder(ctx, name)
		} else {
			id, err = s.files.Find(ctx, name, parentID, drive.MimeFolder)
		}
		if err != nil || id != "" || !create {
			return id, err
		}
		s.logger.InfoContext(ctx, "Creating remote folder", log.FieldFolder, path)
		return s.files.CreateFolder(ctx, name, parentID)
	})
}

// domainFolder resolves AppRoot/{Domain}.
func (s *Store[D]) domainFolder(ctx context.Context, create bool) (string, error) {
	rootID, err := s.folder(ctx, s.appRoot, s.appRoot, "", create)
	if err != nil || rootID == "" {
		return "", err
	}
	return s.folder(ctx, s.layout.domainPath(s.appRoot), s.layout.Domain.String(), rootID, create)
}

// yearFolder resolves AppRoot/{Domain}/{Year}.
func (s *Store[D]) yearFolder(ctx context.Context, year int, create bool) (string, error) {
	domainID, err := s.domainFolder(ctx, create)
	if err != nil || domainID == "" {
		return "", err
	}
	return s.folder(ctx, s.layout.yearPath(s.appRoot, year), strconv.Itoa(year), domainID, create)
}

// findRemote looks the document up remotely without creating folders.
func (s *Store[D]) findRemote(ctx context.Context, year, month int) (string, error) {
	folderID, err := s.yearFolder(ctx, year, false)
	if err != nil || folderID == "" {
		return "", err
	}
	return s.files.Find(ctx, s.layout.FileName(year, month), folderID, "")
}

// Store marks the document dirty and pushes it.
func (s *Store[D]) Store(ctx context.Context, year, month int, doc D) (string, error) {
	at := s.now()
	if err := s.meta.MarkDirty(ctx, s.Name(year, month), at); err != nil {
		return "", err
	}
	return s.Push(ctx, year, month, doc, at)
}

// Push writes doc as the remote file of (year, month). The document must
// already be marked dirty as of localAsOf; the dirty bit is cleared only if
// no newer local change was recorded meanwhile. On failure it stays set.
func (s *Store[D]) Push(ctx context.Context, year, month int, doc D, localAsOf time.Time) (string, error) {
	name := s.Name(year, month)
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", name, err)
	}

	info, err := s.Info(ctx, year, month)
	if err != nil {
		return "", err
	}

	var id string
	if info.RemoteID != "" {
		id, err = s.files.Update(ctx, info.RemoteID, data)
		if drive.IsNotFound(err) {
			s.logger.InfoContext(ctx, "Cached file id is stale", log.FieldFile, name, log.FieldRemoteID, info.RemoteID)
			id, err = "", nil
		}
		if err != nil {
			return "", err
		}
	}

	if id == "" {
		if id, err = s.writeNew(ctx, year, month, data); err != nil {
			return "", err
		}
	}

	remote, err := s.files.ReadFileMetadata(ctx, id, metadataFields...)
	if err != nil {
		return "", err
	}
	if err := s.meta.MarkPushed(ctx, name, id, remote.ModifiedTime, localAsOf); err != nil {
		return "", err
	}

	s.logger.InfoContext(ctx, "Pushed document", log.FieldFile, name, log.FieldRemoteID, id)
	return id, nil
}

// writeNew resolves the folder chain and writes the file by name. A folder
// id that vanished remotely is forgotten and the chain resolved once more.
func (s *Store[D]) writeNew(ctx context.Context, year, month int, data []byte) (string, error) {
	fileName := s.layout.FileName(year, month)
	for attempt := 0; ; attempt++ {
		folderID, err := s.yearFolder(ctx, year, true)
		if err != nil {
			return "", err
		}
		id, err := s.files.WriteFile(ctx, folderID, fileName, data)
		if err == nil {
			return id, nil
		}
		if attempt > 0 || !drive.IsNotFound(err) {
			return "", err
		}
		s.logger.InfoContext(ctx, "Cached folder ids are stale", log.FieldFolder, s.appRoot, log.FieldError, err)
		if err := s.meta.ForgetFolder(ctx, s.appRoot); err != nil {
			return "", err
		}
	}
}

// locate returns the remote id of a document, from the sync record if
// known, otherwise by a remote lookup. It returns "" when there is none.
func (s *Store[D]) locate(ctx context.Context, year, month int) (id string, cached bool, err error) {
	info, err := s.Info(ctx, year, month)
	if err != nil {
		return "", false, err
	}
	if info.RemoteID != "" {
		return info.RemoteID, true, nil
	}
	id, err = s.findRemote(ctx, year, month)
	return id, false, err
}

// Stat returns the remote metadata of a document without its content. The
// boolean is false when no remote file exists.
func (s *Store[D]) Stat(ctx context.Context, year, month int) (drive.File, bool, error) {
	id, cached, err := s.locate(ctx, year, month)
	if err != nil || id == "" {
		return drive.File{}, false, err
	}

	f, err := s.files.ReadFileMetadata(ctx, id, metadataFields...)
	if drive.IsNotFound(err) && cached {
		if id, err = s.findRemote(ctx, year, month); err != nil || id == "" {
			return drive.File{}, false, err
		}
		f, err = s.files.ReadFileMetadata(ctx, id, metadataFields...)
	}
	if drive.IsNotFound(err) {
		return drive.File{}, false, nil
	}
	if err != nil {
		return drive.File{}, false, err
	}
	if f.ID == "" {
		f.ID = id
	}
	return f, true, nil
}

// FileChanged reports whether the remote file was modified after the last
// time this device saw it. A file never seen counts as changed, a missing
// file does not.
func (s *Store[D]) FileChanged(ctx context.Context, year, month int) (bool, error) {
	remote, ok, err := s.Stat(ctx, year, month)
	if err != nil || !ok {
		return false, err
	}
	info, err := s.Info(ctx, year, month)
	if err != nil {
		return false, err
	}
	return info.ModifiedTime.IsZero() || remote.ModifiedTime.After(info.ModifiedTime), nil
}

func (s *Store[D]) FileExists(ctx context.Context, year, month int) (bool, error) {
	_, ok, err := s.Stat(ctx, year, month)
	return ok, err
}

// Read downloads a document. It fails with core.ErrNotFound when there is no
// remote file. The remote id and modification time are recorded; the dirty
// bit is left alone.
func (s *Store[D]) Read(ctx context.Context, year, month int) (D, drive.File, error) {
	var doc D
	remote, ok, err := s.Stat(ctx, year, month)
	if err != nil {
		return doc, drive.File{}, err
	}
	name := s.Name(year, month)
	if !ok {
		return doc, drive.File{}, fmt.Errorf("remote %s: %w", name, core.ErrNotFound)
	}

	data, err := s.files.ReadFile(ctx, remote.ID)
	if err != nil {
		return doc, drive.File{}, err
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, drive.File{}, fmt.Errorf("decode %s: %w", name, err)
	}
	if err := s.meta.MarkSeen(ctx, name, remote.ID, remote.ModifiedTime); err != nil {
		return doc, drive.File{}, err
	}
	return doc, remote, nil
}

// Delete removes the remote file. The sync record becomes a tombstone first
// and is dropped once the remote delete succeeded, so a failure leaves work
// for the next sync.
func (s *Store[D]) Delete(ctx context.Context, year, month int) error {
	name := s.Name(year, month)
	if err := s.meta.MarkDeleted(ctx, name, s.now()); err != nil {
		return err
	}

	id, _, err := s.locate(ctx, year, month)
	if err != nil {
		return err
	}
	if id != "" {
		if err := s.files.Delete(ctx, id); err != nil && !drive.IsNotFound(err) {
			return err
		}
	}

	if err := s.meta.Delete(ctx, name); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "Deleted remote document", log.FieldFile, name, log.FieldRemoteID, id)
	return nil
}

// Years lists the year folders present remotely, ascending.
func (s *Store[D]) Years(ctx context.Context) ([]int, error) {
	domainID, err := s.domainFolder(ctx, false)
	if err != nil || domainID == "" {
		return nil, err
	}
	children, err := s.files.Children(ctx, domainID)
	if err != nil {
		return nil, err
	}

	var years []int
	for _, f := range children {
		if !f.IsFolder() {
			continue
		}
		if y, err := strconv.Atoi(f.Name); err == nil && core.ValidateYear(y) == nil {
			years = append(years, y)
		}
	}
	sort.Ints(years)
	return years, nil
}
