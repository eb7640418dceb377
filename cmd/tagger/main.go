// Command tagger tags local video files from the command line.
//
// Usage:
//
//	tagger [-persist] [-concurrency N] [-filter term] file...
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/amillerrr/revspot-vision/internal/config"
	"github.com/amillerrr/revspot-vision/internal/frames"
	"github.com/amillerrr/revspot-vision/internal/logger"
	"github.com/amillerrr/revspot-vision/internal/notify"
	"github.com/amillerrr/revspot-vision/internal/observability"
	"github.com/amillerrr/revspot-vision/internal/pipeline"
	"github.com/amillerrr/revspot-vision/internal/storage"
	"github.com/amillerrr/revspot-vision/internal/tagging"
	"github.com/amillerrr/revspot-vision/pkg/models"
)

const (
	ServiceName           = "revspot-tagger"
	TracerShutdownTimeout = 5 * time.Second
	AWSConfigTimeout      = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	persist := flag.Bool("persist", false, "upload tagged videos to remote storage (requires STORAGE_BACKEND=s3)")
	concurrency := flag.Int("concurrency", 0, "maximum videos processed at once (default MAX_CONCURRENT_TASKS)")
	filter := flag.String("filter", "", "only print entries whose tags contain this term")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] file...\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		return 2
	}

	envErr := godotenv.Load()
	log := logger.NewWithWriter(os.Stderr, os.Getenv("LOG_LEVEL"))
	slog.SetDefault(log)
	if envErr != nil {
		log.Debug("No .env file found, using system environment variables")
	}

	cfg, err := config.LoadTagger(*persist)
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
		return 1
	}
	if *concurrency > 0 {
		cfg.Pipeline.MaxConcurrentTasks = *concurrency
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, ServiceName, cfg)
	if err != nil {
		log.Error("Failed to initialize tracer", "error", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), TracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	var awsCfg aws.Config
	if *persist || cfg.NotificationsEnabled() {
		awsCtx, cancel := context.WithTimeout(ctx, AWSConfigTimeout)
		awsCfg, err = awsconfig.LoadDefaultConfig(awsCtx, awsconfig.WithRegion(cfg.AWS.Region))
		cancel()
		if err != nil {
			log.Error("Failed to load AWS config", "error", err)
			return 1
		}
		otelaws.AppendMiddlewares(&awsCfg.APIOptions)
	}

	var publisher notify.Publisher = notify.Noop{}
	if cfg.NotificationsEnabled() {
		publisher = notify.NewSQSPublisher(sqs.NewFromConfig(awsCfg), cfg.AWS.SQSQueueURL, log)
	}

	gemini, err := tagging.NewGeminiClient(ctx, cfg.Tagging.GeminiAPIKey, cfg.Tagging.Model, log)
	if err != nil {
		log.Error("Failed to create Gemini client", "error", err)
		return 1
	}

	queue := pipeline.New(pipeline.Options{
		Extractor: frames.NewExtractor(frames.Options{
			FFmpegPath:  cfg.Pipeline.FFmpegPath,
			FFprobePath: cfg.Pipeline.FFprobePath,
			JPEGQuality: cfg.Pipeline.FrameJPEGQuality,
			Logger:      log,
		}),
		Tagger:        gemini,
		Refiner:       gemini,
		Publisher:     publisher,
		MaxConcurrent: cfg.Pipeline.MaxConcurrentTasks,
		CallTimeout:   cfg.Pipeline.RemoteCallTimeout,
		MaxTries:      cfg.Pipeline.RemoteCallMaxTries,
		FolderName:    cfg.Storage.FolderName,
		Logger:        log,
	})
	defer queue.Close()

	sources, err := readSources(flag.Args())
	if err != nil {
		log.Error("Failed to read input", "error", err)
		return 1
	}

	opts := pipeline.SubmitOptions{Persist: *persist}
	if *persist {
		opts.Storage = storage.NewS3ClientFromAWSConfig(awsCfg, cfg.AWS.S3Bucket, log)
	}

	if _, err := queue.Submit(ctx, sources, opts); err != nil {
		log.Error("Failed to queue videos", "error", err)
		return 1
	}
	if err := queue.Wait(ctx); err != nil {
		log.Error("Interrupted before all videos finished", "error", err)
		return 130
	}

	entries := queue.List()
	if *filter != "" {
		entries = queue.Filter(*filter)
	}
	if err := printEntries(os.Stdout, entries); err != nil {
		log.Error("Failed to write results", "error", err)
		return 1
	}

	for _, e := range queue.List() {
		if e.Status == models.StatusError {
			return 1
		}
	}
	return 0
}

// videoTypes maps common video extensions to their MIME types, since the
// system MIME table may not know them.
var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
}

// readSources loads each path as a local source, detecting the MIME type
// from the extension and falling back to content sniffing.
func readSources(paths []string) ([]models.Source, error) {
	sources := make([]models.Source, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}

		ext := strings.ToLower(filepath.Ext(p))
		mimeType := videoTypes[ext]
		if mimeType == "" {
			mimeType = mime.TypeByExtension(ext)
		}
		if mimeType == "" {
			mimeType = http.DetectContentType(data)
		}
		sources = append(sources, models.LocalSource(filepath.Base(p), mimeType, info.ModTime(), data))
	}
	return sources, nil
}

func printEntries(w io.Writer, entries []models.VideoEntry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		detail := e.TagsOrEmpty()
		if e.Status == models.StatusError {
			detail = e.Error
		}
		if e.RemoteFileID != "" {
			detail += " (" + e.RemoteFileID + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Status, detail, e.Filename)
	}
	return tw.Flush()
}
