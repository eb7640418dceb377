package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"google.golang.org/api/option"

	"github.com/amillerrr/revspot-vision/pkg/models"
)

// fakeDrive serves the subset of the Drive v3 REST API the client uses.
type fakeDrive struct {
	mu       sync.Mutex
	folders  map[string]string
	files    map[string]map[string]any
	content  map[string][]byte
	creates  int
	status   int
	lastBody string
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{
		folders: make(map[string]string),
		files:   make(map[string]map[string]any),
		content: make(map[string][]byte),
	}
}

func (f *fakeDrive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		_, _ = io.WriteString(w, `{"error":{"code":401,"message":"Invalid Credentials"}}`)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	q := r.URL.Query()

	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/files"):
		query := q.Get("q")
		var files []map[string]any
		if strings.Contains(query, FolderMimeType) {
			for name, id := range f.folders {
				if strings.Contains(query, "name='"+name+"'") {
					files = append(files, map[string]any{"id": id, "name": name})
				}
			}
		} else {
			for _, meta := range f.files {
				files = append(files, meta)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"files": files})

	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/files"):
		body, _ := io.ReadAll(r.Body)
		f.lastBody = string(body)
		f.creates++
		if q.Get("uploadType") == "" {
			var meta map[string]any
			_ = json.Unmarshal(body, &meta)
			name, _ := meta["name"].(string)
			f.folders[name] = "folder-1"
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "folder-1"})
			return
		}
		meta := map[string]any{"id": "file-1", "name": "house.mp4", "mimeType": "video/mp4"}
		f.files["file-1"] = meta
		f.content["file-1"] = []byte("video-bytes")
		_ = json.NewEncoder(w).Encode(meta)

	case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/files/"):
		id := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		if q.Get("alt") == "media" {
			w.Header().Set("Content-Type", "video/mp4")
			_, _ = w.Write(f.content[id])
			return
		}
		_ = json.NewEncoder(w).Encode(f.files[id])

	case r.Method == http.MethodPatch && strings.Contains(r.URL.Path, "/files/"):
		id := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		var patch map[string]any
		_ = json.NewDecoder(r.Body).Decode(&patch)
		f.files[id]["name"] = patch["name"]
		_ = json.NewEncoder(w).Encode(f.files[id])

	default:
		http.NotFound(w, r)
	}
}

func newTestDriveClient(t *testing.T, fake *fakeDrive) *DriveClient {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c, err := NewDriveClient(context.Background(),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		option.WithHTTPClient(srv.Client()),
		option.WithEndpoint(srv.URL+"/drive/v3/"),
	)
	if err != nil {
		t.Fatalf("NewDriveClient() error = %v", err)
	}
	return c
}

func TestDriveClient_FindOrCreateFolder(t *testing.T) {
	fake := newFakeDrive()
	c := newTestDriveClient(t, fake)

	id, err := c.FindOrCreateFolder(context.Background(), "RevspotVision-Uploads")
	if err != nil {
		t.Fatalf("FindOrCreateFolder() error = %v", err)
	}
	if id != "folder-1" {
		t.Errorf("id = %q, want folder-1", id)
	}

	again, err := c.FindOrCreateFolder(context.Background(), "RevspotVision-Uploads")
	if err != nil || again != id {
		t.Errorf("second call = (%q, %v)", again, err)
	}
	if fake.creates != 1 {
		t.Errorf("creates = %d, want 1", fake.creates)
	}
}

func TestDriveClient_UploadDownloadRename(t *testing.T) {
	fake := newFakeDrive()
	c := newTestDriveClient(t, fake)
	ctx := context.Background()

	var last int
	f, err := c.CreateFile(ctx, CreateFileRequest{
		Name:       "house.mp4",
		MimeType:   "video/mp4",
		ParentID:   "folder-1",
		Data:       []byte("video-bytes"),
		OnProgress: func(p int) { last = p },
	})
	if err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	if f.ID != "file-1" {
		t.Errorf("ID = %q, want file-1", f.ID)
	}
	if last != 100 {
		t.Errorf("final progress = %d, want 100", last)
	}
	if !strings.Contains(fake.lastBody, "video-bytes") {
		t.Error("upload body does not contain file content")
	}

	data, err := c.DownloadFile(ctx, "file-1")
	if err != nil || string(data) != "video-bytes" {
		t.Errorf("DownloadFile() = (%q, %v)", data, err)
	}

	if err := c.RenameFile(ctx, "file-1", "20240101_Kitchen.mp4"); err != nil {
		t.Fatalf("RenameFile() error = %v", err)
	}
	got, err := c.GetFile(ctx, "file-1")
	if err != nil || got.Name != "20240101_Kitchen.mp4" {
		t.Errorf("GetFile() = (%+v, %v)", got, err)
	}

	files, err := c.ListFiles(ctx, "folder-1", IsVideo)
	if err != nil || len(files) != 1 {
		t.Errorf("ListFiles() = (%+v, %v)", files, err)
	}
}

func TestDriveClient_Unauthorized(t *testing.T) {
	fake := newFakeDrive()
	fake.status = http.StatusUnauthorized
	c := newTestDriveClient(t, fake)

	_, err := c.ListFiles(context.Background(), "folder-1", nil)
	if !errors.Is(err, models.ErrNotAuthenticated) {
		t.Errorf("ListFiles() error = %v, want ErrNotAuthenticated", err)
	}
}

func TestDriveClient_RenameRequiresName(t *testing.T) {
	c := newTestDriveClient(t, newFakeDrive())
	if err := c.RenameFile(context.Background(), "file-1", ""); !errors.Is(err, models.ErrMissingName) {
		t.Errorf("RenameFile() error = %v, want ErrMissingName", err)
	}
}

func TestEscapeQuery(t *testing.T) {
	if got := escapeQuery(`it's`); got != `it\'s` {
		t.Errorf("escapeQuery() = %q", got)
	}
}
