// Package storage provides the remote storage clients that persist tagged videos.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/amillerrr/revspot-vision/pkg/models"
)

// File is a file held in remote storage.
type File struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	MimeType   string    `json:"mimeType,omitempty"`
	Size       int64     `json:"size,omitempty"`
	ModifiedAt time.Time `json:"modifiedAt,omitempty"`
}

// ProgressFunc receives upload progress as a percentage in [0, 100].
type ProgressFunc func(percent int)

// CreateFileRequest describes a file to upload.
type CreateFileRequest struct {
	Name       string
	MimeType   string
	ParentID   string
	Data       []byte
	OnProgress ProgressFunc
}

// Validate checks the request has everything an upload needs.
func (r *CreateFileRequest) Validate() error {
	if len(r.Data) == 0 {
		return models.ErrMissingFile
	}
	if r.Name == "" {
		return models.ErrMissingName
	}
	return nil
}

// Client is the remote storage contract. Every operation needs a valid
// credential and fails with models.ErrNotAuthenticated when none is available.
type Client interface {
	FindOrCreateFolder(ctx context.Context, name string) (string, error)
	ListFiles(ctx context.Context, folderID string, keep func(File) bool) ([]File, error)
	GetFile(ctx context.Context, id string) (*File, error)
	DownloadFile(ctx context.Context, id string) ([]byte, error)
	CreateFile(ctx context.Context, req CreateFileRequest) (*File, error)
	RenameFile(ctx context.Context, id, newName string) error
}

// Factory builds a Client bound to the caller's credentials.
type Factory func(ctx context.Context, ts oauth2.TokenSource) (Client, error)

// IsVideo keeps files with a video MIME type.
func IsVideo(f File) bool {
	return models.IsVideoMimeType(f.MimeType)
}

// wrapError maps a backend failure onto the error taxonomy.
func wrapError(service, op string, err error, unauthorized bool) error {
	remote := models.NewRemoteError(service, op, err)
	if unauthorized || errors.Is(err, models.ErrNotAuthenticated) {
		return fmt.Errorf("%w: %w", models.ErrNotAuthenticated, remote)
	}
	return fmt.Errorf("%w: %w", models.ErrStorageFailed, remote)
}

// ProgressReader reports read progress of a known-size body. Reported values
// never decrease, even when an SDK rewinds the body to retry or sign it.
type ProgressReader struct {
	r          io.Reader
	total      int64
	read       int64
	onProgress ProgressFunc

	mu   sync.Mutex
	last int
}

// NewProgressReader wraps r, whose length is total bytes.
func NewProgressReader(r io.Reader, total int64, onProgress ProgressFunc) *ProgressReader {
	return &ProgressReader{r: r, total: total, onProgress: onProgress, last: -1}
}

func (p *ProgressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		p.report()
	}
	return n, err
}

// Seek delegates to the wrapped reader when it supports seeking.
func (p *ProgressReader) Seek(offset int64, whence int) (int64, error) {
	s, ok := p.r.(io.Seeker)
	if !ok {
		return 0, errors.New("progress reader: underlying reader is not seekable")
	}
	pos, err := s.Seek(offset, whence)
	if err == nil {
		p.read = pos
	}
	return pos, err
}

func (p *ProgressReader) report() {
	if p.onProgress == nil || p.total <= 0 {
		return
	}
	pct := int(p.read * 100 / p.total)
	if pct > 100 {
		pct = 100
	}

	p.mu.Lock()
	if pct <= p.last {
		p.mu.Unlock()
		return
	}
	p.last = pct
	p.mu.Unlock()

	p.onProgress(pct)
}
