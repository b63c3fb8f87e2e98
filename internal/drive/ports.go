// Package drive is the remote file store: a cloud drive holding folders and
// JSON documents addressed by opaque ids.
package drive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"change/internal/core"
)

const (
	MimeFolder   = "application/vnd.google-apps.folder"
	MimeShortcut = "application/vnd.google-apps.shortcut"
	MimeJSON     = "application/json"

	// RootID addresses the top of the user's drive.
	RootID = "root"
)

// ErrUnauthorized is reported by backends when the remote rejected the
// credentials. It matches core.ErrAuthRequired.
var ErrUnauthorized = fmt.Errorf("%w: remote rejected credentials", core.ErrAuthRequired)

// File is the metadata of a remote file or folder.
type File struct {
	ID                     string
	Name                   string
	MimeType               string
	Parents                []string
	ModifiedTime           time.Time
	ShortcutTargetID       string
	ShortcutTargetMimeType string
}

// IsFolder reports whether f is a folder or a shortcut to one.
func (f File) IsFolder() bool {
	return f.MimeType == MimeFolder || (f.MimeType == MimeShortcut && f.ShortcutTargetMimeType == MimeFolder)
}

// Query filters a listing. Empty fields do not filter, except ParentID
// which defaults to RootID.
type Query struct {
	Name     string
	ParentID string
	MimeType string
}

// Backend is the set of primitives a remote provider must offer. Backends
// return errors matching core.ErrNotFound for missing ids and ErrUnauthorized
// for rejected credentials.
type Backend interface {
	List(ctx context.Context, q Query) ([]File, error)
	CreateFile(ctx context.Context, name, parentID, mimeType string, data []byte) (File, error)
	UpdateFile(ctx context.Context, fileID string, data []byte) (File, error)
	Download(ctx context.Context, fileID string) ([]byte, error)
	Metadata(ctx context.Context, fileID string, fields ...string) (File, error)
	DeleteFile(ctx context.Context, fileID string) error
}

// FileStore is what the document layer needs from a remote drive.
type FileStore interface {
	// Find returns the id of the first non-trashed file called name under
	// parentID, optionally of mimeType, or "" when there is none.
	Find(ctx context.Context, name, parentID, mimeType string) (string, error)
	CreateFolder(ctx context.Context, name, parentID string) (string, error)
	// WriteFile updates name under parentID in place, creating it if missing.
	WriteFile(ctx context.Context, parentID, name string, data []byte) (string, error)
	Create(ctx context.Context, name, parentID string, data []byte) (string, error)
	Update(ctx context.Context, fileID string, data []byte) (string, error)
	ReadFile(ctx context.Context, fileID string) ([]byte, error)
	ReadFileMetadata(ctx context.Context, fileID string, fields ...string) (File, error)
	Delete(ctx context.Context, fileID string) error
	Children(ctx context.Context, folderID string) ([]File, error)
	// FindAppRootFolder locates the top-level application folder, following
	// one shortcut.
	FindAppRootFolder(ctx context.Context, name string) (string, error)
}

// IsNotFound reports whether err means the remote object does not exist.
func IsNotFound(err error) bool { return errors.Is(err, core.ErrNotFound) }
