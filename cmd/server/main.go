package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/gorilla/securecookie"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/amillerrr/revspot-vision/internal/api"
	"github.com/amillerrr/revspot-vision/internal/auth"
	"github.com/amillerrr/revspot-vision/internal/config"
	"github.com/amillerrr/revspot-vision/internal/frames"
	"github.com/amillerrr/revspot-vision/internal/health"
	"github.com/amillerrr/revspot-vision/internal/logger"
	"github.com/amillerrr/revspot-vision/internal/notify"
	"github.com/amillerrr/revspot-vision/internal/observability"
	"github.com/amillerrr/revspot-vision/internal/pipeline"
	"github.com/amillerrr/revspot-vision/internal/storage"
	"github.com/amillerrr/revspot-vision/internal/tagging"
)

const (
	ServiceName           = "revspot-api"
	ShutdownTimeout       = 30 * time.Second
	TracerShutdownTimeout = 5 * time.Second
	AWSConfigTimeout      = 10 * time.Second
)

func main() {
	// Load .env file if present
	envErr := godotenv.Load()

	log := logger.New(os.Getenv("LOG_LEVEL"))
	slog.SetDefault(log)
	if envErr != nil {
		log.Info("No .env file found, using system environment variables")
	}

	cfg, err := config.LoadServer()
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	shutdownTracer, err := observability.InitTracer(context.Background(), ServiceName, cfg)
	if err != nil {
		log.Error("Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), TracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	healthConfig := health.DefaultConfig(ServiceName, log)

	var awsCfg aws.Config
	if cfg.NeedsAWS() {
		ctx, cancel := context.WithTimeout(context.Background(), AWSConfigTimeout)
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		cancel()
		if err != nil {
			log.Error("Failed to load AWS config", "error", err)
			os.Exit(1)
		}
		otelaws.AppendMiddlewares(&awsCfg.APIOptions)
	}

	// Remote storage backend
	var storageFactory storage.Factory
	switch cfg.Storage.Backend {
	case config.BackendS3:
		s3Client := storage.NewS3ClientFromAWSConfig(awsCfg, cfg.AWS.S3Bucket, log)
		storageFactory = s3Client.Factory()
		healthConfig.Probes["s3"] = health.PingProbe(s3Client)
	default:
		storageFactory = storage.NewDriveFactory(log)
	}
	log.Info("Storage backend configured", "backend", cfg.Storage.Backend, "folder", cfg.Storage.FolderName)

	var publisher notify.Publisher = notify.Noop{}
	if cfg.NotificationsEnabled() {
		sqsClient := sqs.NewFromConfig(awsCfg)
		publisher = notify.NewSQSPublisher(sqsClient, cfg.AWS.SQSQueueURL, log)
		healthConfig.Probes["sqs"] = health.SQSProbe(sqsClient, cfg.AWS.SQSQueueURL)
	}

	gemini, err := tagging.NewGeminiClient(context.Background(), cfg.Tagging.GeminiAPIKey, cfg.Tagging.Model, log)
	if err != nil {
		log.Error("Failed to create Gemini client", "error", err)
		os.Exit(1)
	}

	extractor := frames.NewExtractor(frames.Options{
		FFmpegPath:  cfg.Pipeline.FFmpegPath,
		FFprobePath: cfg.Pipeline.FFprobePath,
		JPEGQuality: cfg.Pipeline.FrameJPEGQuality,
		Logger:      log,
	})
	healthConfig.Probes["ffmpeg"] = health.BinaryProbe(cfg.Pipeline.FFmpegPath)
	healthConfig.Probes["ffprobe"] = health.BinaryProbe(cfg.Pipeline.FFprobePath)

	queue := pipeline.New(pipeline.Options{
		Extractor:        extractor,
		Tagger:           gemini,
		Refiner:          gemini,
		Publisher:        publisher,
		MaxConcurrent:    cfg.Pipeline.MaxConcurrentTasks,
		CallTimeout:      cfg.Pipeline.RemoteCallTimeout,
		MaxTries:         cfg.Pipeline.RemoteCallMaxTries,
		FolderName:       cfg.Storage.FolderName,
		DisplayReference: api.VideoPath,
		Logger:           log,
	})

	// Session cookie and OAuth state
	hashKey := []byte(cfg.Session.HashKey)
	if len(hashKey) == 0 {
		log.Warn("SESSION_HASH_KEY not set, sessions will not survive a restart")
		hashKey = securecookie.GenerateRandomKey(32)
	}
	cookies := auth.NewCookieCodec(hashKey, []byte(cfg.Session.BlockKey), cfg.Session.CookieMaxAge)

	stateSecret, err := cfg.GetStateSecret()
	if err != nil {
		log.Error("Failed to get OAuth state secret", "error", err)
		os.Exit(1)
	}
	states, err := auth.NewStateSigner(stateSecret)
	if err != nil {
		log.Error("Failed to create state signer", "error", err)
		os.Exit(1)
	}

	sessions := auth.NewSessionManager(
		auth.NewGoogleProvider(auth.OAuthConfig{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
		}),
		auth.WithRefreshWindow(cfg.Session.RefreshWindow),
		auth.WithLogger(log),
	)

	rateLimiter := auth.NewRateLimiter(auth.DefaultRateLimiterConfig())

	server, err := api.NewServer(&api.ServerConfig{
		Config:         cfg,
		Logger:         log,
		Sessions:       sessions,
		Cookies:        cookies,
		States:         states,
		RateLimiter:    rateLimiter,
		StorageFactory: storageFactory,
		Tagger:         gemini,
		Refiner:        gemini,
		Queue:          queue,
		HealthChecker:  health.NewChecker(healthConfig),
	})
	if err != nil {
		log.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := server.Start(); err != nil {
			log.Error("Server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	queue.Close()

	log.Info("Server shutdown complete")
}
