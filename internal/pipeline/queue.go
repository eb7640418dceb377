// Package pipeline runs submitted videos through frame extraction, tagging
// and optional persistence to remote storage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/revspot-vision/internal/frames"
	"github.com/amillerrr/revspot-vision/internal/metrics"
	"github.com/amillerrr/revspot-vision/internal/notify"
	"github.com/amillerrr/revspot-vision/internal/storage"
	"github.com/amillerrr/revspot-vision/internal/tagging"
	"github.com/amillerrr/revspot-vision/pkg/models"
)

var tracer = otel.Tracer("revspot-pipeline")

// DefaultMaxConcurrent caps the number of entries processed at once.
const DefaultMaxConcurrent = 4

// ErrVideoUnavailable is returned when an entry's bytes are not loaded yet.
var ErrVideoUnavailable = errors.New("video bytes not available yet")

// FrameExtractor produces a representative frame of a video.
type FrameExtractor interface {
	Extract(ctx context.Context, data []byte, filename string) (*frames.Frame, error)
}

// Options configures a Queue.
type Options struct {
	Extractor     FrameExtractor
	Tagger        tagging.Tagger
	Refiner       tagging.Refiner
	Publisher     notify.Publisher
	MaxConcurrent int
	CallTimeout   time.Duration
	MaxTries      int
	RetryInterval time.Duration
	FolderName    string
	// DisplayReference maps an entry id to a playback handle.
	DisplayReference func(id string) string
	// OnUpdate observes every stored entry state. It runs with the queue
	// locked and must not call back into the Queue.
	OnUpdate func(models.VideoEntry)
	Logger   *slog.Logger
}

// SubmitOptions controls how a batch is processed.
type SubmitOptions struct {
	// Storage is required for remote sources and for Persist.
	Storage storage.Client
	// Persist uploads local videos under their tags once tagged.
	Persist bool
	// RenameRemote renames remote videos to their tags once tagged.
	RenameRemote bool
}

type task struct {
	entry    models.VideoEntry
	source   models.Source
	opts     SubmitOptions
	data     []byte
	cancel   context.CancelFunc
	refining bool
}

// Queue owns the video entries and drives each through the pipeline.
// All entry mutations are keyed partial updates made under mu.
type Queue struct {
	extractor FrameExtractor
	tagger    tagging.Tagger
	refiner   tagging.Refiner
	publisher notify.Publisher
	policy    retryPolicy
	folder    string
	displayOf func(id string) string
	onUpdate  func(models.VideoEntry)
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	tasks   map[string]*task
	order   []string
	used    map[string]struct{}
	changed chan struct{}
	closed  bool
}

// New creates a Queue. Extractor and Tagger are required.
func New(opts Options) *Queue {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.MaxTries <= 0 {
		opts.MaxTries = DefaultMaxTries
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.Publisher == nil {
		opts.Publisher = notify.Noop{}
	}
	if opts.DisplayReference == nil {
		opts.DisplayReference = func(id string) string { return id }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		extractor: opts.Extractor,
		tagger:    opts.Tagger,
		refiner:   opts.Refiner,
		publisher: opts.Publisher,
		policy: retryPolicy{
			timeout:  opts.CallTimeout,
			maxTries: uint(opts.MaxTries),
			interval: opts.RetryInterval,
		},
		folder:    opts.FolderName,
		displayOf: opts.DisplayReference,
		onUpdate:  opts.OnUpdate,
		log:       opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		sem:       make(chan struct{}, opts.MaxConcurrent),
		tasks:     make(map[string]*task),
		used:      make(map[string]struct{}),
		changed:   make(chan struct{}),
	}
}

// Submit adds sources to the queue and starts processing them. Non-video
// sources and remote files already in the queue are skipped. It returns the
// ids of the accepted entries in submission order.
func (q *Queue) Submit(ctx context.Context, sources []models.Source, opts SubmitOptions) ([]string, error) {
	if opts.Persist && opts.Storage == nil {
		return nil, fmt.Errorf("%w: persisting requires remote storage", models.ErrNotAuthenticated)
	}
	for _, src := range sources {
		if src.Kind == models.SourceRemote && opts.Storage == nil {
			return nil, fmt.Errorf("%w: remote sources require remote storage", models.ErrNotAuthenticated)
		}
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, models.ErrQueueClosed
	}

	now := time.Now().UTC()
	var ids []string
	for _, src := range sources {
		if !src.IsVideo() {
			q.log.WarnContext(ctx, "Skipping non-video file",
				"filename", src.Filename,
				"mimeType", src.MimeType,
			)
			continue
		}
		if src.Kind == models.SourceRemote && q.hasRemoteLocked(src.RemoteFileID) {
			q.log.WarnContext(ctx, "Skipping remote file already in queue",
				"filename", src.Filename,
				"remoteFileId", src.RemoteFileID,
			)
			continue
		}
		if src.Kind == models.SourceLocal && len(src.Data) == 0 {
			q.log.WarnContext(ctx, "Skipping empty file", "filename", src.Filename)
			continue
		}

		id := q.uniqueIDLocked(src.EntryID())
		t := &task{
			source: src,
			opts:   opts,
			data:   src.Data,
			entry: models.VideoEntry{
				ID:           id,
				Source:       src.Kind,
				Filename:     src.Filename,
				MimeType:     src.MimeType,
				RemoteFileID: src.RemoteFileID,
				Status:       models.StatusQueued,
				CreatedAt:    now,
				UpdatedAt:    now,
			},
		}
		if len(t.data) > 0 {
			t.entry.DisplayReference = q.displayOf(id)
		}
		// Local bytes now live in t.data only.
		t.source.Data = nil

		q.tasks[id] = t
		q.order = append(q.order, id)
		ids = append(ids, id)
		q.emitLocked(t.entry)
	}
	q.notifyLocked()
	q.mu.Unlock()

	q.log.InfoContext(ctx, "Videos queued",
		"submitted", len(sources),
		"accepted", len(ids),
		"persist", opts.Persist,
	)

	q.scan()
	return ids, nil
}

// uniqueIDLocked returns base, or base with a numeric suffix when base has
// been issued before. Ids are never reused, even after removal.
func (q *Queue) uniqueIDLocked(base string) string {
	id := base
	for n := 2; ; n++ {
		if _, taken := q.used[id]; !taken {
			break
		}
		id = base + "-" + strconv.Itoa(n)
	}
	q.used[id] = struct{}{}
	return id
}

func (q *Queue) hasRemoteLocked(remoteID string) bool {
	for _, t := range q.tasks {
		if t.entry.RemoteFileID == remoteID {
			return true
		}
	}
	return false
}

// scan marks every queued entry as processing in one step and dispatches a
// task for each.
func (q *Queue) scan() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	var batch []string
	for _, id := range q.order {
		t := q.tasks[id]
		if t.entry.Status != models.StatusQueued {
			continue
		}
		t.entry.Status = models.StatusProcessing
		t.entry.UpdatedAt = time.Now().UTC()
		q.emitLocked(t.entry)

		taskCtx, cancel := context.WithCancel(q.ctx)
		t.cancel = cancel
		batch = append(batch, id)

		q.wg.Add(1)
		go q.run(taskCtx, cancel, id)
	}
	q.notifyLocked()
	q.updateGaugeLocked()
	q.mu.Unlock()

	if len(batch) > 0 {
		q.log.Debug("Dispatched batch", "entries", len(batch))
	}
}

func (q *Queue) run(ctx context.Context, cancel context.CancelFunc, id string) {
	defer q.wg.Done()
	defer cancel()

	select {
	case q.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-q.sem }()

	metrics.ActiveTasks.Inc()
	defer metrics.ActiveTasks.Dec()

	if err := q.process(ctx, id); err != nil {
		if ctx.Err() != nil {
			q.log.Info("Task canceled", "entryId", id)
			return
		}
		q.log.Error("Failed to process video", "entryId", id, "error", err)
		metrics.RecordFailure()
		q.fail(id, err)
		return
	}
	metrics.RecordSuccess()
}

// process runs one entry through the pipeline stages in order.
func (q *Queue) process(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "process-entry")
	defer span.End()

	t, ok := q.snapshot(id)
	if !ok {
		return nil
	}
	span.SetAttributes(
		attribute.String("entry.id", id),
		attribute.String("video.filename", t.source.Filename),
		attribute.String("video.source", string(t.source.Kind)),
	)

	start := time.Now()
	q.log.InfoContext(ctx, "Processing video",
		"entryId", id,
		"filename", t.source.Filename,
		"source", t.source.Kind,
	)

	data := t.data
	if len(data) == 0 {
		downloadStart := time.Now()
		var err error
		data, err = retry(ctx, q.policy, "download", func(ctx context.Context) ([]byte, error) {
			return t.opts.Storage.DownloadFile(ctx, t.source.RemoteFileID)
		})
		if err != nil {
			return fmt.Errorf("%w: %w", models.ErrDownloadFailed, err)
		}
		metrics.StageDuration.WithLabelValues("download").Observe(time.Since(downloadStart).Seconds())

		if err := q.attachData(id, data); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	extractCtx, cancel := context.WithTimeout(ctx, q.policy.timeout)
	frame, err := q.extractor.Extract(extractCtx, data, t.source.Filename)
	cancel()
	if err != nil {
		return err
	}
	if err := q.update(id, func(e *models.VideoEntry) {
		e.Thumbnail = frame.Data
		e.ThumbnailMIME = frame.MimeType
	}); err != nil {
		return err
	}

	tags, err := retry(ctx, q.policy, "tag", func(ctx context.Context) (string, error) {
		return q.tagger.GenerateTags(ctx, frame, t.source.Filename)
	})
	if err != nil {
		return err
	}

	switch {
	case t.opts.Persist && t.source.Kind == models.SourceLocal:
		if err := q.persist(ctx, id, t, data, tags); err != nil {
			return err
		}
	case t.opts.RenameRemote && t.source.Kind == models.SourceRemote:
		name := remoteName(tags, t.source.Filename)
		if _, err := retry(ctx, q.policy, "rename", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, t.opts.Storage.RenameFile(ctx, t.source.RemoteFileID, name)
		}); err != nil {
			return fmt.Errorf("%w: %w", models.ErrRenameFailed, err)
		}
		fallthrough
	default:
		if err := q.update(id, func(e *models.VideoEntry) {
			e.Tags = models.StringPtr(tags)
			e.Status = models.StatusSuccess
		}); err != nil {
			return err
		}
	}

	entry, _ := q.Get(id)
	q.publish(ctx, notify.EventTagged, entry)

	q.log.InfoContext(ctx, "Video tagged",
		"entryId", id,
		"tags", tags,
		"remoteFileId", entry.RemoteFileID,
		"duration", time.Since(start).String(),
	)
	return nil
}

// persist uploads data named after tags and records the remote file id.
// Uploads are not retried since a lost response could leave a duplicate.
func (q *Queue) persist(ctx context.Context, id string, t task, data []byte, tags string) error {
	if err := q.update(id, func(e *models.VideoEntry) {
		e.Tags = models.StringPtr(tags)
		e.Status = models.StatusUploading
		e.UploadProgress = 0
	}); err != nil {
		return err
	}

	folderID, err := retry(ctx, q.policy, "find-folder", func(ctx context.Context) (string, error) {
		return t.opts.Storage.FindOrCreateFolder(ctx, q.folder)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrUploadFailed, err)
	}

	uploadStart := time.Now()
	uploadCtx, cancel := context.WithTimeout(ctx, q.policy.timeout)
	defer cancel()

	file, err := t.opts.Storage.CreateFile(uploadCtx, storage.CreateFileRequest{
		Name:     remoteName(tags, t.source.Filename),
		MimeType: t.source.MimeType,
		ParentID: folderID,
		Data:     data,
		OnProgress: func(percent int) {
			_ = q.update(id, func(e *models.VideoEntry) {
				if e.Status == models.StatusUploading && percent > e.UploadProgress {
					e.UploadProgress = percent
				}
			})
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrUploadFailed, err)
	}
	metrics.StageDuration.WithLabelValues("upload").Observe(time.Since(uploadStart).Seconds())

	return q.update(id, func(e *models.VideoEntry) {
		e.RemoteFileID = file.ID
		e.UploadProgress = 100
		e.Status = models.StatusSuccess
	})
}

func (q *Queue) publish(ctx context.Context, eventType string, e models.VideoEntry) {
	err := q.publisher.Publish(ctx, notify.Event{
		Type:         eventType,
		EntryID:      e.ID,
		Filename:     e.Filename,
		Tags:         e.TagsOrEmpty(),
		RemoteFileID: e.RemoteFileID,
		At:           time.Now().UTC(),
	})
	if err != nil {
		q.log.WarnContext(ctx, "Failed to publish event",
			"entryId", e.ID,
			"type", eventType,
			"error", err,
		)
	}
}

// fail moves an entry to the error state with a readable message.
func (q *Queue) fail(id string, cause error) {
	err := q.update(id, func(e *models.VideoEntry) {
		e.Status = models.StatusError
		e.Error = cause.Error()
		e.UploadProgress = 0
	})
	if err != nil && !errors.Is(err, models.ErrEntryNotFound) {
		q.log.Error("Failed to record entry failure", "entryId", id, "error", err)
	}
}

// update applies fn to a copy of the entry and stores it if the resulting
// status change is allowed.
func (q *Queue) update(id string, fn func(e *models.VideoEntry)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return models.ErrEntryNotFound
	}

	next := t.entry
	fn(&next)
	if next.Status != t.entry.Status && !t.entry.Status.CanTransitionTo(next.Status) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, t.entry.Status, next.Status)
	}
	if err := next.Validate(); err != nil {
		return err
	}

	next.UpdatedAt = time.Now().UTC()
	t.entry = next
	q.emitLocked(next)
	q.notifyLocked()
	if next.Status.IsTerminal() {
		q.updateGaugeLocked()
	}
	return nil
}

func (q *Queue) attachData(id string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return models.ErrEntryNotFound
	}
	t.data = data
	t.entry.DisplayReference = q.displayOf(id)
	q.emitLocked(t.entry)
	q.notifyLocked()
	return nil
}

func (q *Queue) snapshot(id string) (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return task{}, false
	}
	return *t, true
}

func (q *Queue) emitLocked(e models.VideoEntry) {
	if q.onUpdate != nil {
		q.onUpdate(e)
	}
}

// notifyLocked wakes everything blocked in Wait.
func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) updateGaugeLocked() {
	pending := 0
	for _, t := range q.tasks {
		if !t.entry.Status.IsTerminal() {
			pending++
		}
	}
	metrics.QueuedEntries.Set(float64(pending))
}

// Get returns a copy of the entry.
func (q *Queue) Get(id string) (models.VideoEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return models.VideoEntry{}, models.ErrEntryNotFound
	}
	return t.entry, nil
}

// List returns copies of all entries in submission order.
func (q *Queue) List() []models.VideoEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.VideoEntry, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.tasks[id].entry)
	}
	return out
}

// Filter returns the entries whose tags contain term, ignoring case.
func (q *Queue) Filter(term string) []models.VideoEntry {
	return models.FilterByTags(q.List(), term)
}

// Video returns the entry's bytes and MIME type for playback.
func (q *Queue) Video(id string) ([]byte, string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return nil, "", models.ErrEntryNotFound
	}
	if len(t.data) == 0 {
		return nil, "", ErrVideoUnavailable
	}
	return t.data, t.entry.MimeType, nil
}

// Remove discards an entry, cancels its in-flight work and releases its bytes.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return models.ErrEntryNotFound
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.data = nil
	delete(q.tasks, id)
	q.order = slices.DeleteFunc(q.order, func(s string) bool { return s == id })
	q.notifyLocked()
	q.updateGaugeLocked()

	q.log.Info("Entry removed", "entryId", id)
	return nil
}

// Wait blocks until no entry is queued or in flight, or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		pending := false
		for _, t := range q.tasks {
			if !t.entry.Status.IsTerminal() {
				pending = true
				break
			}
		}
		changed := q.changed
		q.mu.Unlock()

		if !pending {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close cancels all in-flight work and waits for it to stop.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

// remoteName keeps the source's extension when the tags carry none.
func remoteName(tags, filename string) string {
	if path.Ext(tags) != "" {
		return tags
	}
	return tags + strings.ToLower(path.Ext(filename))
}
