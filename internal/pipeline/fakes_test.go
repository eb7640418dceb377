package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amillerrr/revspot-vision/internal/frames"
	"github.com/amillerrr/revspot-vision/internal/notify"
	"github.com/amillerrr/revspot-vision/internal/storage"
	"github.com/amillerrr/revspot-vision/pkg/models"
)

var errBroken = errors.New("corrupt video")

// fakeExtractor returns a frame tagged with the video's bytes so tests can
// tell entries apart. Filenames containing "corrupt" fail.
type fakeExtractor struct {
	block   chan struct{}
	entered chan struct{}
	seen    chan error
}

func (f *fakeExtractor) Extract(ctx context.Context, data []byte, filename string) (*frames.Frame, error) {
	if f.block != nil {
		if f.entered != nil {
			select {
			case f.entered <- struct{}{}:
			default:
			}
		}
		select {
		case <-f.block:
		case <-ctx.Done():
			if f.seen != nil {
				f.seen <- ctx.Err()
			}
			return nil, ctx.Err()
		}
	}
	if strings.Contains(filename, "corrupt") {
		return nil, errBroken
	}
	return &frames.Frame{Data: append([]byte("frame:"), data...), MimeType: "image/jpeg"}, nil
}

// fakeTagger derives tags from the frame contents and tracks concurrency.
type fakeTagger struct {
	delay   time.Duration
	calls   atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32
	failOn  string
}

func (f *fakeTagger) GenerateTags(ctx context.Context, frame *frames.Frame, filename string) (string, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.failOn != "" && strings.Contains(filename, f.failOn) {
		return "", models.ErrTaggingFailed
	}
	return "tags_" + strings.TrimPrefix(string(frame.Data), "frame:"), nil
}

type fakeRefiner struct {
	calls  atomic.Int32
	result string
	err    error
}

func (f *fakeRefiner) RefineTags(ctx context.Context, originalTags, feedback string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.result, nil
}

// fakeStorage is an in-memory storage.Client.
type fakeStorage struct {
	mu        sync.Mutex
	files     map[string]*storage.File
	content   map[string][]byte
	folders   map[string]string
	calls     int
	renameErr error
	nextID    int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		files:   make(map[string]*storage.File),
		content: make(map[string][]byte),
		folders: make(map[string]string),
	}
}

func (f *fakeStorage) add(id, name string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[id] = &storage.File{ID: id, Name: name, MimeType: "video/mp4"}
	f.content[id] = data
}

func (f *fakeStorage) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeStorage) name(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if file, ok := f.files[id]; ok {
		return file.Name
	}
	return ""
}

func (f *fakeStorage) FindOrCreateFolder(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if id, ok := f.folders[name]; ok {
		return id, nil
	}
	f.folders[name] = "folder-" + name
	return f.folders[name], nil
}

func (f *fakeStorage) ListFiles(ctx context.Context, folderID string, keep func(storage.File) bool) ([]storage.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var out []storage.File
	for _, file := range f.files {
		if keep == nil || keep(*file) {
			out = append(out, *file)
		}
	}
	return out, nil
}

func (f *fakeStorage) GetFile(ctx context.Context, id string) (*storage.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	file, ok := f.files[id]
	if !ok {
		return nil, models.ErrStorageFailed
	}
	cp := *file
	return &cp, nil
}

func (f *fakeStorage) DownloadFile(ctx context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	data, ok := f.content[id]
	if !ok {
		return nil, models.ErrStorageFailed
	}
	return data, nil
}

func (f *fakeStorage) CreateFile(ctx context.Context, req storage.CreateFileRequest) (*storage.File, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.OnProgress != nil {
		req.OnProgress(40)
		req.OnProgress(100)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.nextID++
	id := fmt.Sprintf("remote-%d", f.nextID)
	f.files[id] = &storage.File{ID: id, Name: req.Name, MimeType: req.MimeType}
	f.content[id] = req.Data
	cp := *f.files[id]
	return &cp, nil
}

func (f *fakeStorage) RenameFile(ctx context.Context, id, newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.renameErr != nil {
		return f.renameErr
	}
	file, ok := f.files[id]
	if !ok {
		return models.ErrStorageFailed
	}
	file.Name = newName
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, e notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// transitionLog records every status each entry passes through.
type transitionLog struct {
	mu       sync.Mutex
	statuses map[string][]models.VideoStatus
}

func (l *transitionLog) record(e models.VideoEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.statuses == nil {
		l.statuses = make(map[string][]models.VideoStatus)
	}
	seq := l.statuses[e.ID]
	if len(seq) == 0 || seq[len(seq)-1] != e.Status {
		l.statuses[e.ID] = append(seq, e.Status)
	}
}

func (l *transitionLog) path(id string) []models.VideoStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.VideoStatus(nil), l.statuses[id]...)
}

type testQueue struct {
	*Queue
	extractor *fakeExtractor
	tagger    *fakeTagger
	refiner   *fakeRefiner
	publisher *recordingPublisher
	log       *transitionLog
}

func newTestQueue(t *testing.T, mutate func(*Options)) *testQueue {
	t.Helper()
	tq := &testQueue{
		extractor: &fakeExtractor{},
		tagger:    &fakeTagger{},
		refiner:   &fakeRefiner{result: "refined_tags.mp4"},
		publisher: &recordingPublisher{},
		log:       &transitionLog{},
	}
	opts := Options{
		Extractor:     tq.extractor,
		Tagger:        tq.tagger,
		Refiner:       tq.refiner,
		Publisher:     tq.publisher,
		MaxConcurrent: 2,
		CallTimeout:   time.Second,
		MaxTries:      2,
		RetryInterval: time.Millisecond,
		FolderName:    "RevspotVision-Uploads",
		OnUpdate:      tq.log.record,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	tq.Queue = New(opts)
	t.Cleanup(tq.Close)
	return tq
}

func (tq *testQueue) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tq.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

var modTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func localVideo(name, content string) models.Source {
	return models.LocalSource(name, "video/mp4", modTime, []byte(content))
}
