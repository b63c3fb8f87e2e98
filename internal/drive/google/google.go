// Package google is the Google Drive v3 backend of the remote file store.
package google

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gdrive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	goption "google.golang.org/api/option"

	"change/internal/core"
	"change/internal/drive"
)

const listFields = "nextPageToken, files(id, name, mimeType, modifiedTime, parents, shortcutDetails)"

var fileFields = []googleapi.Field{"id", "name", "mimeType", "modifiedTime", "parents"}

type Backend struct {
	svc *gdrive.Service
}

var _ drive.Backend = (*Backend)(nil)

// New builds a Drive client authenticated by ts. Extra options are passed
// to the service, e.g. option.WithEndpoint for tests.
func New(ctx context.Context, ts oauth2.TokenSource, opts ...goption.ClientOption) (*Backend, error) {
	httpClient := oauth2.NewClient(ctx, ts)
	httpClient.Timeout = 30 * time.Second

	svc, err := gdrive.NewService(ctx, append([]goption.ClientOption{goption.WithHTTPClient(httpClient)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("drive service: %w", err)
	}
	return &Backend{svc: svc}, nil
}

var queryEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// buildQuery renders a Drive search expression for q.
func buildQuery(q drive.Query) string {
	parent := q.ParentID
	if parent == "" {
		parent = drive.RootID
	}
	parts := []string{fmt.Sprintf("'%s' in parents", queryEscaper.Replace(parent)), "trashed = false"}
	if q.Name != "" {
		parts = append([]string{fmt.Sprintf("name = '%s'", queryEscaper.Replace(q.Name))}, parts...)
	}
	if q.MimeType != "" {
		parts = append(parts, fmt.Sprintf("mimeType = '%s'", queryEscaper.Replace(q.MimeType)))
	}
	return strings.Join(parts, " and ")
}

// mapError turns Drive status codes into the errors the drive package expects.
func mapError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", drive.ErrUnauthorized, gerr.Message)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", core.ErrNotFound, gerr.Message)
		}
	}
	return err
}

func toFile(f *gdrive.File) drive.File {
	if f == nil {
		return drive.File{}
	}
	out := drive.File{
		ID:       f.Id,
		Name:     f.Name,
		MimeType: f.MimeType,
		Parents:  f.Parents,
	}
	if f.ModifiedTime != "" {
		if t, err := time.Parse(time.RFC3339Nano, f.ModifiedTime); err == nil {
			out.ModifiedTime = t
		}
	}
	if f.ShortcutDetails != nil {
		out.ShortcutTargetID = f.ShortcutDetails.TargetId
		out.ShortcutTargetMimeType = f.ShortcutDetails.TargetMimeType
	}
	return out
}

func (b *Backend) List(ctx context.Context, q drive.Query) ([]drive.File, error) {
	var (
		out   []drive.File
		token string
	)
	for {
		call := b.svc.Files.List().
			Q(buildQuery(q)).
			Spaces("drive").
			Fields(listFields).
			Context(ctx)
		if token != "" {
			call = call.PageToken(token)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, mapError(err)
		}
		for _, f := range resp.Files {
			out = append(out, toFile(f))
		}
		if resp.NextPageToken == "" {
			return out, nil
		}
		token = resp.NextPageToken
	}
}

func (b *Backend) CreateFile(ctx context.Context, name, parentID, mimeType string, data []byte) (drive.File, error) {
	meta := &gdrive.File{Name: name, MimeType: mimeType, Parents: []string{parentID}}
	call := b.svc.Files.Create(meta).Fields(fileFields...).Context(ctx)
	if mimeType != drive.MimeFolder {
		call = call.Media(bytes.NewReader(data), googleapi.ContentType(mimeType))
	}
	f, err := call.Do()
	if err != nil {
		return drive.File{}, mapError(err)
	}
	return toFile(f), nil
}

func (b *Backend) UpdateFile(ctx context.Context, fileID string, data []byte) (drive.File, error) {
	f, err := b.svc.Files.Update(fileID, &gdrive.File{}).
		Media(bytes.NewReader(data), googleapi.ContentType(drive.MimeJSON)).
		Fields(fileFields...).
		Context(ctx).
		Do()
	if err != nil {
		return drive.File{}, mapError(err)
	}
	return toFile(f), nil
}

func (b *Backend) Download(ctx context.Context, fileID string) ([]byte, error) {
	resp, err := b.svc.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return nil, mapError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

func (b *Backend) Metadata(ctx context.Context, fileID string, fields ...string) (drive.File, error) {
	want := make([]googleapi.Field, 0, len(fields))
	for _, f := range fields {
		want = append(want, googleapi.Field(f))
	}
	if len(want) == 0 {
		want = fileFields
	}
	f, err := b.svc.Files.Get(fileID).Fields(want...).Context(ctx).Do()
	if err != nil {
		return drive.File{}, mapError(err)
	}
	return toFile(f), nil
}

func (b *Backend) DeleteFile(ctx context.Context, fileID string) error {
	if err := b.svc.Files.Delete(fileID).Context(ctx).Do(); err != nil {
		return mapError(err)
	}
	return nil
}
