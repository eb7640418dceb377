package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Environment   string
	LogLevel      string
	API           APIConfig
	Google        GoogleConfig
	Session       SessionConfig
	Storage       StorageConfig
	AWS           AWSConfig
	Tagging       TaggingConfig
	Pipeline      PipelineConfig
	Observability ObservabilityConfig
	CORS          CORSConfig
}

// APIConfig holds API server configuration.
type APIConfig struct {
	Port           string
	MaxUploadBytes int64
}

// GoogleConfig holds the OAuth client registration.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	// RedirectURL is derived from the request host when empty.
	RedirectURL string
}

// SessionConfig holds the credential cookie and OAuth state settings.
type SessionConfig struct {
	HashKey       string
	BlockKey      string
	StateSecret   string
	CookieMaxAge  time.Duration
	RefreshWindow time.Duration
}

// StorageConfig selects and configures the remote storage backend.
type StorageConfig struct {
	Backend    string
	FolderName string
}

// AWSConfig holds AWS-specific configuration.
type AWSConfig struct {
	Region      string
	S3Bucket    string
	SQSQueueURL string
}

// TaggingConfig holds the vision model settings.
type TaggingConfig struct {
	GeminiAPIKey string
	Model        string
}

// PipelineConfig holds orchestrator and frame extraction settings.
type PipelineConfig struct {
	MaxConcurrentTasks int
	RemoteCallTimeout  time.Duration
	RemoteCallMaxTries int
	FFmpegPath         string
	FFprobePath        string
	FrameJPEGQuality   int
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	TracingEnabled bool
	OTLPEndpoint   string
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string
}

// Storage backends.
const (
	BackendDrive = "drive"
	BackendS3    = "s3"
)

// Default values
const (
	DefaultPort               = "8080"
	DefaultLogLevel           = "info"
	DefaultMaxUploadBytes     = 512 << 20
	DefaultCookieMaxAge       = 30 * 24 * time.Hour
	DefaultRefreshWindow      = 5 * time.Minute
	DefaultFolderName         = "RevspotVision-Uploads"
	DefaultGeminiModel        = "gemini-2.0-flash"
	DefaultMaxConcurrentTasks = 4
	DefaultRemoteCallTimeout  = 60 * time.Second
	DefaultRemoteCallMaxTries = 3
	DefaultFrameJPEGQuality   = 85
	DefaultOTLPEndpoint       = "localhost:4317"
	DefaultRegion             = "us-west-2"
)

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENV", "dev"),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		API: APIConfig{
			Port:           getEnv("PORT", DefaultPort),
			MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", DefaultMaxUploadBytes)),
		},
		Google: GoogleConfig{
			ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
			ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("GOOGLE_REDIRECT_URL"),
		},
		Session: SessionConfig{
			HashKey:       os.Getenv("SESSION_HASH_KEY"),
			BlockKey:      os.Getenv("SESSION_BLOCK_KEY"),
			StateSecret:   os.Getenv("OAUTH_STATE_SECRET"),
			CookieMaxAge:  getEnvDuration("TOKEN_COOKIE_MAX_AGE", DefaultCookieMaxAge),
			RefreshWindow: getEnvDuration("TOKEN_REFRESH_WINDOW", DefaultRefreshWindow),
		},
		Storage: StorageConfig{
			Backend:    strings.ToLower(getEnv("STORAGE_BACKEND", BackendDrive)),
			FolderName: getEnv("DRIVE_FOLDER_NAME", DefaultFolderName),
		},
		AWS: AWSConfig{
			Region:      getEnv("AWS_REGION", DefaultRegion),
			S3Bucket:    os.Getenv("S3_BUCKET"),
			SQSQueueURL: os.Getenv("SQS_QUEUE_URL"),
		},
		Tagging: TaggingConfig{
			GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
			Model:        getEnv("GEMINI_MODEL", DefaultGeminiModel),
		},
		Pipeline: PipelineConfig{
			MaxConcurrentTasks: getEnvInt("MAX_CONCURRENT_TASKS", DefaultMaxConcurrentTasks),
			RemoteCallTimeout:  getEnvDuration("REMOTE_CALL_TIMEOUT", DefaultRemoteCallTimeout),
			RemoteCallMaxTries: getEnvInt("REMOTE_CALL_MAX_TRIES", DefaultRemoteCallMaxTries),
			FFmpegPath:         getEnv("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:        getEnv("FFPROBE_PATH", "ffprobe"),
			FrameJPEGQuality:   getEnvInt("FRAME_JPEG_QUALITY", DefaultFrameJPEGQuality),
		},
		Observability: ObservabilityConfig{
			TracingEnabled: getEnvBool("TRACING_ENABLED", false),
			OTLPEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", DefaultOTLPEndpoint),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{
				"http://localhost:3000",
				"http://localhost:9002",
			}),
		},
	}

	return cfg, nil
}

// LoadServer loads configuration required for the HTTP server.
func LoadServer() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateServer(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadTagger loads configuration required for the command-line tagger.
func LoadTagger(persist bool) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateTagger(persist); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ValidateServer validates configuration required for the HTTP server.
func (c *Config) ValidateServer() error {
	var errs []string

	if c.Google.ClientID == "" {
		errs = append(errs, "GOOGLE_CLIENT_ID is required")
	}
	if c.Google.ClientSecret == "" {
		errs = append(errs, "GOOGLE_CLIENT_SECRET is required")
	}
	if c.Tagging.GeminiAPIKey == "" {
		errs = append(errs, "GEMINI_API_KEY is required")
	}
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validatePipeline()...)

	// In production, require explicit session keys
	if c.IsProduction() {
		if len(c.Session.HashKey) < 32 {
			errs = append(errs, "SESSION_HASH_KEY must be at least 32 characters in production")
		}
		if c.Session.StateSecret == "" {
			errs = append(errs, "OAUTH_STATE_SECRET is required in production")
		}
	}
	if n := len(c.Session.BlockKey); n != 0 && n != 16 && n != 24 && n != 32 {
		errs = append(errs, "SESSION_BLOCK_KEY must be 16, 24 or 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ValidateTagger validates configuration required for the command-line tagger.
func (c *Config) ValidateTagger(persist bool) error {
	var errs []string

	if c.Tagging.GeminiAPIKey == "" {
		errs = append(errs, "GEMINI_API_KEY is required")
	}
	if persist && c.Storage.Backend != BackendS3 {
		errs = append(errs, "STORAGE_BACKEND must be s3 to persist from the command line")
	}
	if persist {
		errs = append(errs, c.validateStorage()...)
	}
	errs = append(errs, c.validatePipeline()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateStorage() []string {
	var errs []string
	switch c.Storage.Backend {
	case BackendDrive:
	case BackendS3:
		if c.AWS.S3Bucket == "" {
			errs = append(errs, "S3_BUCKET is required for the s3 storage backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("STORAGE_BACKEND %q is not supported", c.Storage.Backend))
	}
	if c.Storage.FolderName == "" {
		errs = append(errs, "DRIVE_FOLDER_NAME must not be empty")
	}
	return errs
}

func (c *Config) validatePipeline() []string {
	var errs []string
	if q := c.Pipeline.FrameJPEGQuality; q < 1 || q > 100 {
		errs = append(errs, "FRAME_JPEG_QUALITY must be between 1 and 100")
	}
	return errs
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "prod" || env == "production"
}

// NotificationsEnabled returns true when tagged-video events should be published.
func (c *Config) NotificationsEnabled() bool {
	return c.AWS.SQSQueueURL != ""
}

// NeedsAWS returns true when any AWS client must be constructed.
func (c *Config) NeedsAWS() bool {
	return c.Storage.Backend == BackendS3 || c.NotificationsEnabled()
}

// GetStateSecret returns the OAuth state signing secret with a fallback for development.
func (c *Config) GetStateSecret() ([]byte, error) {
	secret := c.Session.StateSecret

	if secret == "" {
		if c.IsProduction() {
			return nil, errors.New("OAUTH_STATE_SECRET not configured")
		}
		// Development fallback: state tokens only need to survive one redirect
		return []byte("dev-oauth-state-secret-not-for-production"), nil
	}

	return []byte(secret), nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
