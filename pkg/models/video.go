package models

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// VideoStatus represents the lifecycle state of a queued video.
type VideoStatus string

const (
	StatusQueued     VideoStatus = "queued"
	StatusProcessing VideoStatus = "processing"
	StatusUploading  VideoStatus = "uploading"
	StatusSuccess    VideoStatus = "success"
	StatusError      VideoStatus = "error"
)

// IsValid returns true if the status is a valid VideoStatus.
func (s VideoStatus) IsValid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusUploading, StatusSuccess, StatusError:
		return true
	}
	return false
}

// IsTerminal returns true for statuses no pipeline moves out of.
func (s VideoStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError
}

// CanTransitionTo reports whether the pipeline may move an entry from s to next.
// Transitions only move forward; nothing returns to queued.
func (s VideoStatus) CanTransitionTo(next VideoStatus) bool {
	switch s {
	case StatusQueued:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusUploading || next == StatusSuccess || next == StatusError
	case StatusUploading:
		return next == StatusSuccess || next == StatusError
	}
	return false
}

// SourceKind tells where an entry's bytes come from.
type SourceKind string

const (
	SourceLocal  SourceKind = "local"
	SourceRemote SourceKind = "remote"
)

// Source is a video submitted to the queue. Local sources carry their bytes;
// remote sources carry only the remote file id and are fetched lazily.
type Source struct {
	Kind         SourceKind
	Filename     string
	MimeType     string
	ModifiedAt   time.Time
	Data         []byte
	RemoteFileID string
}

// LocalSource builds a Source for bytes supplied by the user.
func LocalSource(filename, mimeType string, modifiedAt time.Time, data []byte) Source {
	return Source{
		Kind:       SourceLocal,
		Filename:   filename,
		MimeType:   mimeType,
		ModifiedAt: modifiedAt,
		Data:       data,
	}
}

// RemoteSource builds a Source for a file already held in remote storage.
func RemoteSource(fileID, filename, mimeType string) Source {
	return Source{
		Kind:         SourceRemote,
		Filename:     filename,
		MimeType:     mimeType,
		RemoteFileID: fileID,
	}
}

// EntryID derives the queue id for the source.
func (s Source) EntryID() string {
	if s.Kind == SourceRemote {
		return s.RemoteFileID
	}
	return LocalEntryID(s.Filename, s.ModifiedAt)
}

// IsVideo reports whether the source declares a video MIME type.
func (s Source) IsVideo() bool {
	return IsVideoMimeType(s.MimeType)
}

// LocalEntryID combines filename and modification time in milliseconds.
func LocalEntryID(filename string, modifiedAt time.Time) string {
	return fmt.Sprintf("%s-%d", filename, modifiedAt.UnixMilli())
}

// IsVideoMimeType reports whether mimeType names a video format.
func IsVideoMimeType(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mimeType)), "video/")
}

// VideoEntry is one video tracked by the queue.
type VideoEntry struct {
	ID               string      `json:"id"`
	Source           SourceKind  `json:"source"`
	Filename         string      `json:"filename"`
	MimeType         string      `json:"mimeType,omitempty"`
	DisplayReference string      `json:"displayReference,omitempty"`
	Thumbnail        []byte      `json:"-"`
	ThumbnailMIME    string      `json:"-"`
	Tags             *string     `json:"tags"`
	Status           VideoStatus `json:"status"`
	UploadProgress   int         `json:"uploadProgress"`
	RemoteFileID     string      `json:"remoteFileId,omitempty"`
	Error            string      `json:"error,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// HasTags returns true once tagging has produced a value.
func (e *VideoEntry) HasTags() bool {
	return e.Tags != nil
}

// TagsOrEmpty returns the tag string, or "" before tagging completes.
func (e *VideoEntry) TagsOrEmpty() string {
	if e.Tags == nil {
		return ""
	}
	return *e.Tags
}

// ThumbnailDataURI renders the thumbnail as a base64 data URI.
func (e *VideoEntry) ThumbnailDataURI() string {
	if len(e.Thumbnail) == 0 {
		return ""
	}
	mime := e.ThumbnailMIME
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(e.Thumbnail)
}

// Validate checks the entry invariants that hold in every status.
func (e *VideoEntry) Validate() error {
	if !e.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidTransition, e.Status)
	}
	if (e.Status == StatusSuccess || e.Status == StatusUploading) && e.Tags == nil {
		return fmt.Errorf("%w: %s entry without tags", ErrInvalidTransition, e.Status)
	}
	if e.Status != StatusError && e.Error != "" {
		return fmt.Errorf("%w: error set on %s entry", ErrInvalidTransition, e.Status)
	}
	return nil
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
