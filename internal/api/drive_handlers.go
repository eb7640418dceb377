package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/revspot-vision/internal/metrics"
	"github.com/amillerrr/revspot-vision/internal/storage"
	"github.com/amillerrr/revspot-vision/pkg/models"
)

// multipartMemory is how much of a multipart form is held in memory before
// spilling to temporary files.
const multipartMemory = 32 << 20

type uploadFailure struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// UploadToDriveHandler uploads one file into the managed folder under newName.
func (h *Handlers) UploadToDriveHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload-to-drive-handler")
	defer span.End()

	h.limitRequestBody(w, r, h.cfg.API.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.writeError(ctx, w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		h.writeError(ctx, w, http.StatusBadRequest, "Missing file or newName")
		return
	}
	defer r.MultipartForm.RemoveAll()

	newName := strings.TrimSpace(r.FormValue("newName"))
	file, header, err := r.FormFile("file")
	if err != nil || newName == "" {
		h.writeError(ctx, w, http.StatusBadRequest, "Missing file or newName")
		return
	}
	defer file.Close()

	if err := validateFilename(newName); err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	client, err := h.requestStorage(ctx, h.cookieStore(w, r))
	if err != nil {
		h.writeFailure(ctx, w, err)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, "Failed to read file")
		return
	}
	if len(data) == 0 {
		h.writeError(ctx, w, http.StatusBadRequest, "Missing file or newName")
		return
	}

	span.SetAttributes(
		attribute.String("upload.name", newName),
		attribute.Int("upload.bytes", len(data)),
	)

	uploaded, err := h.upload(ctx, client, newName, header.Header.Get("Content-Type"), data)
	if err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Upload to remote storage failed", "error", err, "name", newName)
		if errors.Is(err, models.ErrNotAuthenticated) {
			h.writeError(ctx, w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		h.writeJSON(ctx, w, http.StatusInternalServerError, uploadFailure{
			Error:   "Failed to upload to Google Drive.",
			Details: err.Error(),
		})
		return
	}

	metrics.UploadsCompleted.Inc()
	h.log.InfoContext(ctx, "Uploaded file", "fileId", uploaded.ID, "name", uploaded.Name)
	h.writeJSON(ctx, w, http.StatusOK, map[string]string{
		"id":   uploaded.ID,
		"name": uploaded.Name,
	})
}

func (h *Handlers) upload(ctx context.Context, client storage.Client, name, mimeType string, data []byte) (*storage.File, error) {
	folderID, err := client.FindOrCreateFolder(ctx, h.cfg.Storage.FolderName)
	if err != nil {
		return nil, err
	}

	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return client.CreateFile(ctx, storage.CreateFileRequest{
		Name:     name,
		MimeType: mimeType,
		ParentID: folderID,
		Data:     data,
	})
}

type renameRequest struct {
	FileID  string `json:"fileId"`
	NewName string `json:"newName"`
}

// RenameDriveFileHandler renames a remote file.
func (h *Handlers) RenameDriveFileHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	store := h.cookieStore(w, r)

	client, err := h.requestStorage(ctx, store)
	if err != nil {
		h.writeFailure(ctx, w, err)
		return
	}

	var req renameRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	req.FileID = strings.TrimSpace(req.FileID)
	req.NewName = strings.TrimSpace(req.NewName)
	if req.FileID == "" || req.NewName == "" {
		h.writeError(ctx, w, http.StatusBadRequest, "Missing fileId or newName")
		return
	}
	if err := validateFilename(req.NewName); err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	if err := client.RenameFile(ctx, req.FileID, req.NewName); err != nil {
		if errors.Is(err, models.ErrNotAuthenticated) {
			h.writeError(ctx, w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		h.log.ErrorContext(ctx, "Failed to rename remote file", "error", err, "fileId", req.FileID)
		h.writeError(ctx, w, http.StatusInternalServerError, err.Error())
		return
	}

	h.log.InfoContext(ctx, "Renamed remote file", "fileId", req.FileID, "name", req.NewName)
	h.writeJSON(ctx, w, http.StatusOK, map[string]bool{"success": true})
}

type listFilesResponse struct {
	FolderID string         `json:"folderId"`
	Files    []storage.File `json:"files"`
}

// ListDriveFilesHandler lists the videos in the managed folder.
func (h *Handlers) ListDriveFilesHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	client, err := h.requestStorage(ctx, h.cookieStore(w, r))
	if err != nil {
		h.writeFailure(ctx, w, err)
		return
	}

	folderID, err := client.FindOrCreateFolder(ctx, h.cfg.Storage.FolderName)
	if err != nil {
		h.writeFailure(ctx, w, err)
		return
	}

	files, err := client.ListFiles(ctx, folderID, storage.IsVideo)
	if err != nil {
		h.writeFailure(ctx, w, err)
		return
	}
	if files == nil {
		files = []storage.File{}
	}

	h.writeJSON(ctx, w, http.StatusOK, listFilesResponse{FolderID: folderID, Files: files})
}
