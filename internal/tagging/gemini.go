// Package tagging generates and refines video tags with a vision model.
package tagging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/genai"

	"github.com/amillerrr/revspot-vision/internal/frames"
	"github.com/amillerrr/revspot-vision/internal/metrics"
	"github.com/amillerrr/revspot-vision/pkg/models"
)

var tracer = otel.Tracer("revspot-tagging")

const geminiService = "gemini"

// ErrEmptyResponse is returned when the model produced no usable text.
var ErrEmptyResponse = errors.New("model returned an empty response")

// Tagger derives tags from a representative frame.
type Tagger interface {
	GenerateTags(ctx context.Context, frame *frames.Frame, filename string) (string, error)
}

// Refiner rewrites tags according to editor feedback.
type Refiner interface {
	RefineTags(ctx context.Context, originalTags, feedback string) (string, error)
}

// ContentGenerator is the model call used by GeminiClient. *genai.Models
// satisfies it.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiClient implements Tagger and Refiner on the Gemini API.
type GeminiClient struct {
	gen   ContentGenerator
	model string
	log   *slog.Logger
}

// NewGeminiClient creates a client using an API key.
func NewGeminiClient(ctx context.Context, apiKey, model string, log *slog.Logger) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create gemini client: %w", err)
	}
	return NewGeminiClientWithGenerator(client.Models, model, log), nil
}

// NewGeminiClientWithGenerator creates a client on an existing generator.
func NewGeminiClientWithGenerator(gen ContentGenerator, model string, log *slog.Logger) *GeminiClient {
	return &GeminiClient{gen: gen, model: model, log: log}
}

// GenerateTags asks the model for catalog tags describing frame.
func (c *GeminiClient) GenerateTags(ctx context.Context, frame *frames.Frame, filename string) (string, error) {
	ctx, span := tracer.Start(ctx, "generate-tags")
	defer span.End()
	span.SetAttributes(
		attribute.String("video.filename", filename),
		attribute.String("model", c.model),
	)

	if frame == nil || len(frame.Data) == 0 {
		return "", fmt.Errorf("%w: %w", models.ErrTaggingFailed, models.ErrMissingFile)
	}

	start := time.Now()
	parts := []*genai.Part{
		genai.NewPartFromBytes(frame.Data, frame.MimeType),
		genai.NewPartFromText(buildGeneratePrompt(filename)),
	}
	text, err := c.generate(ctx, parts, "tags")
	metrics.StageDuration.WithLabelValues("tag").Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%w: %w", models.ErrTaggingFailed, models.NewRemoteError(geminiService, "generate-tags", err))
	}

	tags := Sanitize(extractField(text, "tags"))
	if tags == "" {
		return "", fmt.Errorf("%w: %w", models.ErrTaggingFailed, ErrEmptyResponse)
	}

	c.log.InfoContext(ctx, "Generated tags",
		"filename", filename,
		"tags", tags,
		"duration", time.Since(start).String(),
	)
	return tags, nil
}

// RefineTags asks the model to revise originalTags using feedback.
func (c *GeminiClient) RefineTags(ctx context.Context, originalTags, feedback string) (string, error) {
	ctx, span := tracer.Start(ctx, "refine-tags")
	defer span.End()
	span.SetAttributes(attribute.String("model", c.model))

	start := time.Now()
	parts := []*genai.Part{genai.NewPartFromText(buildRefinePrompt(originalTags, feedback))}
	text, err := c.generate(ctx, parts, "refinedTags")
	metrics.StageDuration.WithLabelValues("refine").Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%w: %w", models.ErrRefineFailed, models.NewRemoteError(geminiService, "refine-tags", err))
	}

	refined := Sanitize(extractField(text, "refinedTags"))
	if refined == "" {
		return "", fmt.Errorf("%w: %w", models.ErrRefineFailed, ErrEmptyResponse)
	}

	c.log.InfoContext(ctx, "Refined tags",
		"original", originalTags,
		"refined", refined,
	)
	return refined, nil
}

func (c *GeminiClient) generate(ctx context.Context, parts []*genai.Part, field string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				field: {Type: genai.TypeString},
			},
			Required: []string{field},
		},
	}

	resp, err := c.gen.GenerateContent(ctx, c.model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, cfg)
	if err != nil {
		return "", err
	}
	return responseText(resp), nil
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range cand.Content.Parts {
		if p != nil && !p.Thought {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}
