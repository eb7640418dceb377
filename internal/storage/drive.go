package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/amillerrr/revspot-vision/internal/metrics"
	"github.com/amillerrr/revspot-vision/pkg/models"
)

var tracer = otel.Tracer("revspot-storage")

// FolderMimeType identifies Drive folders.
const FolderMimeType = "application/vnd.google-apps.folder"

const driveService = "drive"

// DriveClient implements Client against the Google Drive v3 API.
type DriveClient struct {
	svc *drive.Service
	log *slog.Logger
}

// NewDriveClient creates a client. Callers pass option.WithTokenSource for
// user credentials.
func NewDriveClient(ctx context.Context, log *slog.Logger, opts ...option.ClientOption) (*DriveClient, error) {
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create drive service: %w", err)
	}
	return &DriveClient{svc: svc, log: log}, nil
}

// NewDriveFactory returns a Factory producing Drive clients per credential.
func NewDriveFactory(log *slog.Logger) Factory {
	return func(ctx context.Context, ts oauth2.TokenSource) (Client, error) {
		return NewDriveClient(ctx, log, option.WithTokenSource(ts))
	}
}

// FindOrCreateFolder returns the id of the named folder, creating it when no
// untrashed folder with that name exists.
func (c *DriveClient) FindOrCreateFolder(ctx context.Context, name string) (string, error) {
	ctx, span := tracer.Start(ctx, "drive-find-or-create-folder")
	defer span.End()
	span.SetAttributes(attribute.String("folder.name", name))

	id, err := c.lookupFolder(ctx, name)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if id != "" {
		return id, nil
	}

	folder, err := c.svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: FolderMimeType,
	}).Fields("id").Context(ctx).Do()
	if err != nil {
		// A concurrent caller may have created it first.
		if existing, lerr := c.lookupFolder(ctx, name); lerr == nil && existing != "" {
			c.log.WarnContext(ctx, "Folder creation raced, using existing folder",
				"folder", name,
				"folderId", existing,
			)
			return existing, nil
		}
		span.RecordError(err)
		return "", driveError("create-folder", err)
	}

	c.log.InfoContext(ctx, "Created folder", "folder", name, "folderId", folder.Id)
	return folder.Id, nil
}

func (c *DriveClient) lookupFolder(ctx context.Context, name string) (string, error) {
	q := fmt.Sprintf("name='%s' and mimeType='%s' and trashed=false", escapeQuery(name), FolderMimeType)
	list, err := c.svc.Files.List().
		Q(q).
		Spaces("drive").
		Fields("files(id, name)").
		Context(ctx).
		Do()
	if err != nil {
		return "", driveError("find-folder", err)
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].Id, nil
}

// ListFiles returns the untrashed files in folderID accepted by keep.
func (c *DriveClient) ListFiles(ctx context.Context, folderID string, keep func(File) bool) ([]File, error) {
	ctx, span := tracer.Start(ctx, "drive-list-files")
	defer span.End()

	q := fmt.Sprintf("'%s' in parents and trashed=false", escapeQuery(folderID))
	var out []File
	pageToken := ""
	for {
		call := c.svc.Files.List().
			Q(q).
			Fields("nextPageToken, files(id, name, mimeType, size, modifiedTime)").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		list, err := call.Do()
		if err != nil {
			span.RecordError(err)
			return nil, driveError("list", err)
		}

		for _, f := range list.Files {
			file := fromDriveFile(f)
			if keep == nil || keep(file) {
				out = append(out, file)
			}
		}

		if list.NextPageToken == "" {
			break
		}
		pageToken = list.NextPageToken
	}

	span.SetAttributes(attribute.Int("files.count", len(out)))
	return out, nil
}

// GetFile returns the metadata of a file.
func (c *DriveClient) GetFile(ctx context.Context, id string) (*File, error) {
	f, err := c.svc.Files.Get(id).
		Fields("id, name, mimeType, size, modifiedTime").
		Context(ctx).
		Do()
	if err != nil {
		return nil, driveError("get", err)
	}
	file := fromDriveFile(f)
	return &file, nil
}

// DownloadFile returns the content of a file.
func (c *DriveClient) DownloadFile(ctx context.Context, id string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "drive-download")
	defer span.End()
	span.SetAttributes(attribute.String("file.id", id))

	resp, err := c.svc.Files.Get(id).Context(ctx).Download()
	if err != nil {
		span.RecordError(err)
		return nil, driveError("download", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, driveError("download", err)
	}

	span.SetAttributes(attribute.Int("file.size_bytes", len(data)))
	return data, nil
}

// CreateFile uploads req.Data as a new file under req.ParentID.
func (c *DriveClient) CreateFile(ctx context.Context, req CreateFileRequest) (*File, error) {
	ctx, span := tracer.Start(ctx, "drive-create-file")
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("file.name", req.Name),
		attribute.Int("file.size_bytes", len(req.Data)),
	)

	meta := &drive.File{
		Name:     req.Name,
		MimeType: req.MimeType,
	}
	if req.ParentID != "" {
		meta.Parents = []string{req.ParentID}
	}

	body := NewProgressReader(bytes.NewReader(req.Data), int64(len(req.Data)), req.OnProgress)
	start := time.Now()
	f, err := c.svc.Files.Create(meta).
		Media(body, googleapi.ContentType(req.MimeType)).
		Fields("id, name, mimeType").
		Context(ctx).
		Do()
	if err != nil {
		span.RecordError(err)
		return nil, driveError("create", err)
	}
	if req.OnProgress != nil {
		req.OnProgress(100)
	}

	metrics.UploadedBytes.Add(float64(len(req.Data)))
	c.log.InfoContext(ctx, "Uploaded file",
		"fileId", f.Id,
		"name", f.Name,
		"sizeBytes", len(req.Data),
		"duration", time.Since(start).String(),
	)

	file := fromDriveFile(f)
	return &file, nil
}

// RenameFile changes the name of a file.
func (c *DriveClient) RenameFile(ctx context.Context, id, newName string) error {
	ctx, span := tracer.Start(ctx, "drive-rename-file")
	defer span.End()
	span.SetAttributes(attribute.String("file.id", id))

	if newName == "" {
		return models.ErrMissingName
	}

	_, err := c.svc.Files.Update(id, &drive.File{Name: newName}).
		Fields("id, name").
		Context(ctx).
		Do()
	if err != nil {
		span.RecordError(err)
		return driveError("rename", err)
	}
	return nil
}

func fromDriveFile(f *drive.File) File {
	file := File{
		ID:       f.Id,
		Name:     f.Name,
		MimeType: f.MimeType,
		Size:     f.Size,
	}
	if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
		file.ModifiedAt = t
	}
	return file
}

func driveError(op string, err error) error {
	var apiErr *googleapi.Error
	unauthorized := errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized
	return wrapError(driveService, op, err, unauthorized)
}

// escapeQuery escapes a value for use inside a quoted Drive query literal.
func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
