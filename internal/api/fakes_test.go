package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/securecookie"
	"golang.org/x/oauth2"

	"github.com/amillerrr/revspot-vision/internal/auth"
	"github.com/amillerrr/revspot-vision/internal/config"
	"github.com/amillerrr/revspot-vision/internal/frames"
	"github.com/amillerrr/revspot-vision/internal/pipeline"
	"github.com/amillerrr/revspot-vision/internal/storage"
	"github.com/amillerrr/revspot-vision/pkg/models"
)

type fakeProvider struct{}

func (fakeProvider) AuthCodeURL(state, redirectURL string) string {
	return "https://accounts.example/o/auth?state=" + url.QueryEscape(state) +
		"&redirect_uri=" + url.QueryEscape(redirectURL)
}

func (fakeProvider) Exchange(ctx context.Context, code, redirectURL string) (*auth.Credential, error) {
	if code == "bad" {
		return nil, errors.New("invalid_grant")
	}
	return &auth.Credential{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

func (fakeProvider) Refresh(ctx context.Context, refreshToken string) (*auth.Credential, error) {
	return &auth.Credential{AccessToken: "refreshed", Expiry: time.Now().Add(time.Hour)}, nil
}

type fakeIdentity struct {
	err error
}

func (f fakeIdentity) Identity(ctx context.Context, ts oauth2.TokenSource) (*auth.Identity, error) {
	if f.err != nil {
		return nil, f.err
	}
	if _, err := ts.Token(); err != nil {
		return nil, err
	}
	return &auth.Identity{Name: "Listing Agent", Email: "agent@example.com"}, nil
}

type fakeStorage struct {
	mu        sync.Mutex
	files     map[string]storage.File
	parents   map[string]string
	data      map[string][]byte
	folders   map[string]string
	renames   map[string]string
	createErr error
	renameErr error
	next      int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		files:   make(map[string]storage.File),
		parents: make(map[string]string),
		data:    make(map[string][]byte),
		folders: make(map[string]string),
		renames: make(map[string]string),
	}
}

func (s *fakeStorage) add(parent string, f storage.File, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[f.ID] = f
	s.parents[f.ID] = parent
	s.data[f.ID] = data
}

func (s *fakeStorage) FindOrCreateFolder(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.folders[name]; ok {
		return id, nil
	}
	id := "folder-" + name
	s.folders[name] = id
	return id, nil
}

func (s *fakeStorage) ListFiles(ctx context.Context, folderID string, keep func(storage.File) bool) ([]storage.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.File
	for id, f := range s.files {
		if s.parents[id] == folderID && (keep == nil || keep(f)) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *fakeStorage) GetFile(ctx context.Context, id string) (*storage.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("%w: file %s not found", models.ErrStorageFailed, id)
	}
	return &f, nil
}

func (s *fakeStorage) DownloadFile(ctx context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[id]
	if !ok {
		return nil, fmt.Errorf("%w: file %s not found", models.ErrStorageFailed, id)
	}
	return data, nil
}

func (s *fakeStorage) CreateFile(ctx context.Context, req storage.CreateFileRequest) (*storage.File, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.next++
	f := storage.File{ID: fmt.Sprintf("file-%d", s.next), Name: req.Name, MimeType: req.MimeType}
	s.files[f.ID] = f
	s.parents[f.ID] = req.ParentID
	s.data[f.ID] = req.Data
	if req.OnProgress != nil {
		req.OnProgress(100)
	}
	return &f, nil
}

func (s *fakeStorage) RenameFile(ctx context.Context, id, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.renameErr != nil {
		return s.renameErr
	}
	f, ok := s.files[id]
	if !ok {
		return fmt.Errorf("%w: file %s not found", models.ErrStorageFailed, id)
	}
	f.Name = newName
	s.files[id] = f
	s.renames[id] = newName
	return nil
}

func (s *fakeStorage) renamed(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renames[id]
}

type fakeExtractor struct{}

func (fakeExtractor) Extract(ctx context.Context, data []byte, filename string) (*frames.Frame, error) {
	return &frames.Frame{Data: []byte("frame"), MimeType: frames.FrameMimeType, Width: 2, Height: 2}, nil
}

type fakeTagger struct {
	tags string
	err  error
}

func (f *fakeTagger) GenerateTags(ctx context.Context, frame *frames.Frame, filename string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.tags, nil
}

type fakeRefiner struct {
	calls atomic.Int32
}

func (f *fakeRefiner) RefineTags(ctx context.Context, originalTags, feedback string) (string, error) {
	f.calls.Add(1)
	return "refined_kitchen", nil
}

type testEnv struct {
	handler  http.Handler
	cookies  *securecookie.SecureCookie
	storage  *fakeStorage
	queue    *pipeline.Queue
	tagger   *fakeTagger
	refiner  *fakeRefiner
	limiter  *auth.RateLimiter
	identity *fakeIdentity
	states   *auth.StateSigner
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log := testLogger()
	cfg := &config.Config{
		Environment: "test",
		API:         config.APIConfig{MaxUploadBytes: 10 << 20},
		Session:     config.SessionConfig{CookieMaxAge: time.Hour},
		Storage:     config.StorageConfig{Backend: config.BackendDrive, FolderName: "Uploads"},
		CORS:        config.CORSConfig{AllowedOrigins: []string{"https://app.example"}},
	}

	states, err := auth.NewStateSigner([]byte("test-state-secret"))
	if err != nil {
		t.Fatalf("NewStateSigner() error = %v", err)
	}
	limiter := auth.NewRateLimiter(auth.RateLimiterConfig{
		MaxFailedAttempts: 2,
		Window:            time.Minute,
		CleanupInterval:   time.Hour,
	})
	t.Cleanup(limiter.Stop)

	env := &testEnv{
		cookies:  auth.NewCookieCodec(securecookie.GenerateRandomKey(32), nil, time.Hour),
		storage:  newFakeStorage(),
		tagger:   &fakeTagger{tags: "modern_kitchen"},
		refiner:  &fakeRefiner{},
		limiter:  limiter,
		identity: &fakeIdentity{},
		states:   states,
	}

	sessions := auth.NewSessionManager(fakeProvider{},
		auth.WithIdentityFetcher(identityFunc(func(ctx context.Context, ts oauth2.TokenSource) (*auth.Identity, error) {
			return env.identity.Identity(ctx, ts)
		})),
		auth.WithLogger(log),
	)

	env.queue = pipeline.New(pipeline.Options{
		Extractor:        fakeExtractor{},
		Tagger:           env.tagger,
		Refiner:          env.refiner,
		MaxConcurrent:    2,
		CallTimeout:      time.Second,
		MaxTries:         1,
		RetryInterval:    time.Millisecond,
		FolderName:       cfg.Storage.FolderName,
		DisplayReference: VideoPath,
		Logger:           log,
	})
	t.Cleanup(env.queue.Close)

	h := NewHandlers(&HandlersConfig{
		Config:      cfg,
		Logger:      log,
		Sessions:    sessions,
		Cookies:     env.cookies,
		States:      states,
		RateLimiter: limiter,
		StorageFactory: func(ctx context.Context, ts oauth2.TokenSource) (storage.Client, error) {
			return env.storage, nil
		},
		Tagger:  env.tagger,
		Refiner: env.refiner,
		Queue:   env.queue,
	})
	env.handler = NewRouter(h, nil, cfg.CORS.AllowedOrigins, log)
	return env
}

type identityFunc func(ctx context.Context, ts oauth2.TokenSource) (*auth.Identity, error)

func (f identityFunc) Identity(ctx context.Context, ts oauth2.TokenSource) (*auth.Identity, error) {
	return f(ctx, ts)
}

// authCookie returns a credential cookie the handlers will accept.
func (e *testEnv) authCookie(t *testing.T) *http.Cookie {
	t.Helper()
	value, err := e.cookies.Encode(auth.CookieName, &auth.Credential{
		AccessToken:  "access",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return &http.Cookie{Name: auth.CookieName, Value: value}
}

func (e *testEnv) waitQueue(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.queue.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

type formFile struct {
	field       string
	filename    string
	contentType string
	data        []byte
}

func multipartBody(t *testing.T, fields map[string]string, files ...formFile) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)

	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.field, f.filename))
		h.Set("Content-Type", f.contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("CreatePart() error = %v", err)
		}
		if _, err := part.Write(f.data); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField() error = %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return body, mw.FormDataContentType()
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
