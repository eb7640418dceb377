package tagging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/amillerrr/revspot-vision/internal/frames"
	"github.com/amillerrr/revspot-vision/pkg/models"
)

type fakeGenerator struct {
	text  string
	err   error
	calls int
	last  []*genai.Content
	cfg   *genai.GenerateContentConfig
}

func (f *fakeGenerator) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.calls++
	f.last = contents
	f.cfg = config
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: f.text}}},
		}},
	}, nil
}

func newTestClient(gen ContentGenerator) *GeminiClient {
	return NewGeminiClientWithGenerator(gen, "test-model", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGenerateTags(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "json response",
			text: `{"tags":"20240101_Kitchen_Modern_Wide_Interior_ab12.mp4"}`,
			want: "20240101_Kitchen_Modern_Wide_Interior_ab12.mp4",
		},
		{
			name: "fenced json",
			text: "```json\n{\"tags\":\"20240101_Pool_Outdoor_ab12.mp4\"}\n```",
			want: "20240101_Pool_Outdoor_ab12.mp4",
		},
		{
			name: "plain text fallback",
			text: "20240101_Bedroom Master_ab12.mp4\nextra commentary",
			want: "20240101_Bedroom_Master_ab12.mp4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{text: tt.text}
			c := newTestClient(gen)

			frame := &frames.Frame{Data: []byte("jpeg"), MimeType: "image/jpeg"}
			got, err := c.GenerateTags(context.Background(), frame, "house.mp4")
			if err != nil {
				t.Fatalf("GenerateTags() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("GenerateTags() = %q, want %q", got, tt.want)
			}

			parts := gen.last[0].Parts
			if len(parts) != 2 || parts[0].InlineData == nil {
				t.Fatalf("request parts = %+v, want image and prompt", parts)
			}
			if !strings.Contains(parts[1].Text, "house.mp4") {
				t.Error("prompt does not mention the filename")
			}
			if gen.cfg.ResponseMIMEType != "application/json" {
				t.Errorf("ResponseMIMEType = %q", gen.cfg.ResponseMIMEType)
			}
		})
	}
}

func TestGenerateTags_Errors(t *testing.T) {
	frame := &frames.Frame{Data: []byte("jpeg"), MimeType: "image/jpeg"}

	t.Run("remote failure", func(t *testing.T) {
		c := newTestClient(&fakeGenerator{err: errors.New("quota exceeded")})
		_, err := c.GenerateTags(context.Background(), frame, "a.mp4")
		if !errors.Is(err, models.ErrTaggingFailed) {
			t.Errorf("error = %v, want ErrTaggingFailed", err)
		}
		var remote *models.RemoteError
		if !errors.As(err, &remote) || remote.Service != geminiService {
			t.Errorf("error %v does not carry a RemoteError", err)
		}
	})

	t.Run("empty response", func(t *testing.T) {
		c := newTestClient(&fakeGenerator{text: `{"tags":""}`})
		_, err := c.GenerateTags(context.Background(), frame, "a.mp4")
		if !errors.Is(err, ErrEmptyResponse) {
			t.Errorf("error = %v, want ErrEmptyResponse", err)
		}
	})

	t.Run("missing frame", func(t *testing.T) {
		gen := &fakeGenerator{}
		c := newTestClient(gen)
		_, err := c.GenerateTags(context.Background(), nil, "a.mp4")
		if !errors.Is(err, models.ErrTaggingFailed) {
			t.Errorf("error = %v, want ErrTaggingFailed", err)
		}
		if gen.calls != 0 {
			t.Errorf("calls = %d, want 0", gen.calls)
		}
	})
}

func TestRefineTags(t *testing.T) {
	gen := &fakeGenerator{text: `{"refinedTags":"20240101_Kitchen_Island_ab12.mp4"}`}
	c := newTestClient(gen)

	got, err := c.RefineTags(context.Background(), "20240101_Kitchen_ab12.mp4", "mention the island")
	if err != nil {
		t.Fatalf("RefineTags() error = %v", err)
	}
	if got != "20240101_Kitchen_Island_ab12.mp4" {
		t.Errorf("RefineTags() = %q", got)
	}

	prompt := gen.last[0].Parts[0].Text
	if !strings.Contains(prompt, "20240101_Kitchen_ab12.mp4") || !strings.Contains(prompt, "mention the island") {
		t.Errorf("prompt missing inputs: %q", prompt)
	}
}

func TestRefineTags_Error(t *testing.T) {
	c := newTestClient(&fakeGenerator{err: errors.New("unavailable")})
	if _, err := c.RefineTags(context.Background(), "a", "feedback"); !errors.Is(err, models.ErrRefineFailed) {
		t.Errorf("error = %v, want ErrRefineFailed", err)
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  20240101_Kitchen.mp4  ", "20240101_Kitchen.mp4"},
		{`"quoted_tags.mp4"`, "quoted_tags.mp4"},
		{"Refined Tags: a_b.mp4", "a_b.mp4"},
		{"a/b:c|d.mp4", "a-b-c-d.mp4"},
		{"what? <none>", "what_none"},
		{"first line\nsecond line", "first_line"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
