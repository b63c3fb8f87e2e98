package drive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"change/internal/core"
)

// Client implements FileStore on top of a Backend.
type Client struct {
	backend Backend
	logger  *slog.Logger
}

var _ FileStore = (*Client)(nil)

func NewClient(backend Backend, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{backend: backend, logger: logger}
}

func parentOrRoot(id string) string {
	if id == "" {
		return RootID
	}
	return id
}

// fail keeps auth errors recognisable and files everything else under
// core.ErrRemoteOperation.
func (c *Client) fail(ctx context.Context, op, target string, err error) error {
	c.logger.WarnContext(ctx, "Remote operation failed", "operation", op, "target", target, "error", err)
	if errors.Is(err, core.ErrAuthRequired) {
		return fmt.Errorf("%s %s: %w", op, target, err)
	}
	return core.RemoteError(op, target, err)
}

func (c *Client) Find(ctx context.Context, name, parentID, mimeType string) (string, error) {
	files, err := c.backend.List(ctx, Query{Name: name, ParentID: parentOrRoot(parentID), MimeType: mimeType})
	if err != nil {
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, core.ErrNotFound) {
			c.logger.DebugContext(ctx, "Find treated as absent", "name", name, "error", err)
			return "", nil
		}
		return "", c.fail(ctx, "find", name, err)
	}
	if len(files) == 0 {
		return "", nil
	}
	return files[0].ID, nil
}

func (c *Client) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	f, err := c.backend.CreateFile(ctx, name, parentOrRoot(parentID), MimeFolder, nil)
	if err != nil {
		return "", c.fail(ctx, "create folder", name, err)
	}
	c.logger.InfoContext(ctx, "Created remote folder", "folder", name, "remote_id", f.ID)
	return f.ID, nil
}

func (c *Client) WriteFile(ctx context.Context, parentID, name string, data []byte) (string, error) {
	id, err := c.Find(ctx, name, parentID, "")
	if err != nil {
		return "", err
	}
	if id != "" {
		return c.Update(ctx, id, data)
	}
	return c.Create(ctx, name, parentID, data)
}

func (c *Client) Create(ctx context.Context, name, parentID string, data []byte) (string, error) {
	f, err := c.backend.CreateFile(ctx, name, parentOrRoot(parentID), MimeJSON, data)
	if err != nil {
		return "", c.fail(ctx, "create", name, err)
	}
	return f.ID, nil
}

func (c *Client) Update(ctx context.Context, fileID string, data []byte) (string, error) {
	f, err := c.backend.UpdateFile(ctx, fileID, data)
	if err != nil {
		return "", c.fail(ctx, "update", fileID, err)
	}
	return f.ID, nil
}

func (c *Client) ReadFile(ctx context.Context, fileID string) ([]byte, error) {
	data, err := c.backend.Download(ctx, fileID)
	if err != nil {
		return nil, c.fail(ctx, "read", fileID, err)
	}
	return data, nil
}

func (c *Client) ReadFileMetadata(ctx context.Context, fileID string, fields ...string) (File, error) {
	if len(fields) == 0 {
		fields = []string{"id", "name", "mimeType", "modifiedTime", "parents"}
	}
	f, err := c.backend.Metadata(ctx, fileID, fields...)
	if err != nil {
		return File{}, c.fail(ctx, "read metadata", fileID, err)
	}
	return f, nil
}

func (c *Client) Delete(ctx context.Context, fileID string) error {
	if err := c.backend.DeleteFile(ctx, fileID); err != nil {
		return c.fail(ctx, "delete", fileID, err)
	}
	return nil
}

func (c *Client) Children(ctx context.Context, folderID string) ([]File, error) {
	files, err := c.backend.List(ctx, Query{ParentID: parentOrRoot(folderID)})
	if err != nil {
		return nil, c.fail(ctx, "list", folderID, err)
	}
	return files, nil
}

func (c *Client) FindAppRootFolder(ctx context.Context, name string) (string, error) {
	files, err := c.backend.List(ctx, Query{Name: name, ParentID: RootID})
	if err != nil {
		return "", c.fail(ctx, "find app folder", name, err)
	}
	for _, f := range files {
		switch {
		case f.MimeType == MimeFolder:
			return f.ID, nil
		case f.MimeType == MimeShortcut && f.ShortcutTargetMimeType == MimeFolder:
			c.logger.DebugContext(ctx, "Following app folder shortcut", "folder", name, "remote_id", f.ShortcutTargetID)
			return f.ShortcutTargetID, nil
		}
	}
	return "", nil
}
