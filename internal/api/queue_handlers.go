package api

import (
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/revspot-vision/internal/pipeline"
	"github.com/amillerrr/revspot-vision/internal/storage"
	"github.com/amillerrr/revspot-vision/pkg/models"
)

// VideoPath returns the playback URL for a queue entry.
func VideoPath(id string) string {
	return "/api/queue/" + id + "/video"
}

type entryResponse struct {
	models.VideoEntry
	Thumbnail string `json:"thumbnail,omitempty"`
}

func toEntryResponse(e models.VideoEntry) entryResponse {
	return entryResponse{VideoEntry: e, Thumbnail: e.ThumbnailDataURI()}
}

type submitResponse struct {
	IDs     []string `json:"ids"`
	Skipped []string `json:"skipped,omitempty"`
}

// SubmitQueueHandler queues uploaded videos. Form fields: files (repeated),
// lastModified (repeated, epoch milliseconds, aligned with files) and persist.
func (h *Handlers) SubmitQueueHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "submit-queue-handler")
	defer span.End()

	h.limitRequestBody(w, r, h.cfg.API.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.writeError(ctx, w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		h.writeError(ctx, w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		h.writeError(ctx, w, http.StatusBadRequest, "Missing files")
		return
	}
	persist, _ := strconv.ParseBool(r.FormValue("persist"))
	modified := r.MultipartForm.Value["lastModified"]

	opts := pipeline.SubmitOptions{Persist: persist}
	if persist {
		client, err := h.backgroundStorage(ctx, h.cookieStore(w, r))
		if err != nil {
			h.writeFailure(ctx, w, err)
			return
		}
		opts.Storage = client
	}

	sources := make([]models.Source, 0, len(headers))
	for i, fh := range headers {
		data, err := readPart(fh)
		if err != nil {
			h.log.WarnContext(ctx, "Failed to read uploaded file", "filename", fh.Filename, "error", err)
			h.writeError(ctx, w, http.StatusBadRequest, "Failed to read file "+fh.Filename)
			return
		}
		sources = append(sources, models.LocalSource(
			fh.Filename,
			fh.Header.Get("Content-Type"),
			modifiedAt(modified, i),
			data,
		))
	}

	span.SetAttributes(
		attribute.Int("queue.submitted", len(sources)),
		attribute.Bool("queue.persist", persist),
	)

	ids, err := h.queue.Submit(ctx, sources, opts)
	if err != nil {
		h.writeFailure(ctx, w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}

	h.writeJSON(ctx, w, http.StatusAccepted, submitResponse{IDs: ids})
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// modifiedAt reads the i-th lastModified value, falling back to now.
func modifiedAt(values []string, i int) time.Time {
	if i < len(values) {
		if ms, err := strconv.ParseInt(strings.TrimSpace(values[i]), 10, 64); err == nil && ms > 0 {
			return time.UnixMilli(ms)
		}
	}
	return time.Now()
}

type submitRemoteRequest struct {
	FileIDs []string `json:"fileIds"`
	Rename  bool     `json:"rename"`
}

// SubmitRemoteHandler queues files already held in remote storage.
func (h *Handlers) SubmitRemoteHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "submit-remote-handler")
	defer span.End()

	var req submitRemoteRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if len(req.FileIDs) == 0 {
		h.writeError(ctx, w, http.StatusBadRequest, "Missing fileIds")
		return
	}

	store := h.cookieStore(w, r)
	lookup, err := h.requestStorage(ctx, store)
	if err != nil {
		h.writeFailure(ctx, w, err)
		return
	}
	background, err := h.backgroundStorage(ctx, store)
	if err != nil {
		h.writeFailure(ctx, w, err)
		return
	}

	var (
		sources []models.Source
		skipped []string
	)
	for _, id := range req.FileIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		f, err := lookup.GetFile(ctx, id)
		if err != nil {
			if errors.Is(err, models.ErrNotAuthenticated) {
				h.writeFailure(ctx, w, err)
				return
			}
			h.log.WarnContext(ctx, "Skipping remote file", "fileId", id, "error", err)
			skipped = append(skipped, id)
			continue
		}
		sources = append(sources, remoteSource(f))
	}

	span.SetAttributes(
		attribute.Int("queue.submitted", len(sources)),
		attribute.Bool("queue.rename", req.Rename),
	)

	ids, err := h.queue.Submit(ctx, sources, pipeline.SubmitOptions{
		Storage:      background,
		RenameRemote: req.Rename,
	})
	if err != nil {
		h.writeFailure(ctx, w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}

	h.writeJSON(ctx, w, http.StatusAccepted, submitResponse{IDs: ids, Skipped: skipped})
}

func remoteSource(f *storage.File) models.Source {
	return models.RemoteSource(f.ID, f.Name, f.MimeType)
}

type listQueueResponse struct {
	Entries []entryResponse `json:"entries"`
}

// ListQueueHandler lists queue entries, filtered by tag substring when q is set.
func (h *Handlers) ListQueueHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var entries []models.VideoEntry
	if term := r.URL.Query().Get("q"); term != "" {
		entries = h.queue.Filter(term)
	} else {
		entries = h.queue.List()
	}

	resp := listQueueResponse{Entries: make([]entryResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, toEntryResponse(e))
	}
	h.writeJSON(ctx, w, http.StatusOK, resp)
}

// GetEntryHandler returns one queue entry.
func (h *Handlers) GetEntryHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entry, err := h.queue.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, toEntryResponse(entry))
}

// RemoveEntryHandler removes an entry and cancels its work.
func (h *Handlers) RemoveEntryHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.queue.Remove(chi.URLParam(r, "id")); err != nil {
		h.writeFailure(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// VideoHandler streams the entry's video bytes with range support.
func (h *Handlers) VideoHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	entry, err := h.queue.Get(id)
	if err != nil {
		h.writeFailure(ctx, w, err)
		return
	}
	data, mimeType, err := h.queue.Video(id)
	if err != nil {
		h.writeFailure(ctx, w, err)
		return
	}

	if mimeType != "" {
		w.Header().Set("Content-Type", mimeType)
	}
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeContent(w, r, entry.Filename, entry.CreatedAt, bytes.NewReader(data))
}

type refineEntryRequest struct {
	Feedback              string `json:"feedback"`
	TolerateRenameFailure bool   `json:"tolerateRenameFailure"`
}

type refineEntryResponse struct {
	Success bool   `json:"success"`
	Tags    string `json:"tags"`
	Error   string `json:"error,omitempty"`
}

// RefineEntryHandler refines a tagged entry and renames its remote copy. A
// failed rename fails the refinement unless tolerateRenameFailure is set.
func (h *Handlers) RefineEntryHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "refine-entry-handler")
	defer span.End()

	id := chi.URLParam(r, "id")
	var req refineEntryRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	entry, err := h.queue.Get(id)
	if err != nil {
		h.writeFailure(ctx, w, err)
		return
	}

	opts := pipeline.RefineOptions{TolerateRenameFailure: req.TolerateRenameFailure}
	if entry.RemoteFileID != "" {
		client, err := h.requestStorage(ctx, h.cookieStore(w, r))
		if err != nil {
			h.writeFailure(ctx, w, err)
			return
		}
		opts.Storage = client
	}

	if _, err := h.queue.Refine(ctx, id, req.Feedback, opts); err != nil {
		span.RecordError(err)
		current, _ := h.queue.Get(id)
		h.writeJSON(ctx, w, statusFor(err), refineEntryResponse{
			Success: false,
			Tags:    current.TagsOrEmpty(),
			Error:   err.Error(),
		})
		return
	}

	updated, err := h.queue.Get(id)
	if err != nil {
		h.writeFailure(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, refineEntryResponse{
		Success: true,
		Tags:    updated.TagsOrEmpty(),
	})
}
