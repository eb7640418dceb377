// Package frames extracts a representative still frame from a video.
package frames

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/revspot-vision/internal/metrics"
	"github.com/amillerrr/revspot-vision/pkg/models"
)

var tracer = otel.Tracer("revspot-frames")

const (
	// DefaultTimestamp is used when the duration is unknown.
	DefaultTimestamp = 1.0
	// FrameMimeType is the encoding of every extracted frame.
	FrameMimeType = "image/jpeg"
)

// Frame is a single still image taken from a video.
type Frame struct {
	Data      []byte
	MimeType  string
	Width     int
	Height    int
	Timestamp float64
}

// DataURI returns the frame as a base64 data URI.
func (f *Frame) DataURI() string {
	return "data:" + f.MimeType + ";base64," + base64.StdEncoding.EncodeToString(f.Data)
}

// Options configures an Extractor.
type Options struct {
	FFmpegPath  string
	FFprobePath string
	JPEGQuality int
	Runner      Runner
	Logger      *slog.Logger
}

// Extractor grabs frames with ffmpeg.
type Extractor struct {
	ffmpeg  string
	ffprobe string
	quality int
	runner  Runner
	log     *slog.Logger
}

// NewExtractor creates an Extractor, filling unset options with defaults.
func NewExtractor(opts Options) *Extractor {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = jpeg.DefaultQuality
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Runner == nil {
		opts.Runner = NewCommandRunner(opts.Logger)
	}
	return &Extractor{
		ffmpeg:  opts.FFmpegPath,
		ffprobe: opts.FFprobePath,
		quality: opts.JPEGQuality,
		runner:  opts.Runner,
		log:     opts.Logger,
	}
}

// FFmpegPath returns the ffmpeg binary the extractor runs.
func (e *Extractor) FFmpegPath() string {
	return e.ffmpeg
}

// ProbeTimestamp picks the frame time for a video of duration seconds:
// one second in, or a third of the way through for shorter clips.
func ProbeTimestamp(duration float64) float64 {
	if math.IsNaN(duration) || math.IsInf(duration, 0) || duration <= 0 {
		return DefaultTimestamp
	}
	return math.Min(DefaultTimestamp, duration/3)
}

// Extract returns a JPEG frame of the video in data. filename only supplies
// the container extension.
func (e *Extractor) Extract(ctx context.Context, data []byte, filename string) (*Frame, error) {
	ctx, span := tracer.Start(ctx, "extract-frame")
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("extract").Observe(time.Since(start).Seconds())
	}()

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty video", models.ErrExtractionFailed)
	}

	tmp, err := os.CreateTemp("", "revspot-*"+strings.ToLower(filepath.Ext(filename)))
	if err != nil {
		return nil, fmt.Errorf("%w: create temp file: %v", models.ErrExtractionFailed, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("%w: write temp file: %v", models.ErrExtractionFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("%w: close temp file: %v", models.ErrExtractionFailed, err)
	}

	duration, err := e.duration(ctx, tmp.Name())
	if err != nil {
		e.log.WarnContext(ctx, "Could not determine video duration, using default timestamp",
			"filename", filename,
			"error", err,
		)
		duration = math.NaN()
	}
	ts := ProbeTimestamp(duration)
	span.SetAttributes(
		attribute.Float64("video.duration", duration),
		attribute.Float64("frame.timestamp", ts),
	)

	raw, err := e.runner.Output(ctx, e.ffmpeg,
		"-v", "error",
		"-ss", strconv.FormatFloat(ts, 'f', 3, 64),
		"-i", tmp.Name(),
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-",
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", models.ErrExtractionFailed, err)
	}

	frame, err := e.encode(raw)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	frame.Timestamp = ts

	e.log.DebugContext(ctx, "Extracted frame",
		"filename", filename,
		"timestamp", ts,
		"width", frame.Width,
		"height", frame.Height,
	)
	return frame, nil
}

// encode re-encodes a decoded frame at the configured quality.
func (e *Extractor) encode(raw []byte) (*Frame, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no frame produced", models.ErrExtractionFailed)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: decode frame: %v", models.ErrExtractionFailed, err)
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, fmt.Errorf("%w: frame has zero dimensions", models.ErrExtractionFailed)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.quality}); err != nil {
		return nil, fmt.Errorf("%w: encode frame: %v", models.ErrExtractionFailed, err)
	}

	return &Frame{
		Data:     buf.Bytes(),
		MimeType: FrameMimeType,
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
	}, nil
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Duration  string `json:"duration"`
	} `json:"streams"`
}

// duration returns the container duration in seconds. An unknown duration
// yields NaN with no error.
func (e *Extractor) duration(ctx context.Context, path string) (float64, error) {
	out, err := e.runner.Output(ctx, e.ffprobe,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return 0, fmt.Errorf("parse ffprobe output: %w", err)
	}

	if d, ok := parseDuration(probe.Format.Duration); ok {
		return d, nil
	}
	for _, s := range probe.Streams {
		if s.CodecType != "video" {
			continue
		}
		if d, ok := parseDuration(s.Duration); ok {
			return d, nil
		}
	}
	return math.NaN(), nil
}

func parseDuration(s string) (float64, bool) {
	if s == "" || s == "N/A" {
		return 0, false
	}
	d, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(d) || math.IsInf(d, 0) {
		return 0, false
	}
	return d, true
}
