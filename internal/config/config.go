package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr        = ":8000"
	defaultComfyHost         = "127.0.0.1:8188"
	defaultAvailableRetries  = 500
	defaultAvailableInterval = 50 * time.Millisecond
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = 3 * time.Second
	defaultJobTimeout        = 600 * time.Second
	defaultMaxInputBytes     = 256 << 20 // 256 MiB
	defaultPresignTTL        = 604800 * time.Second

	envListenAddr        = "LISTEN_ADDR"
	envComfyHost         = "COMFY_HOST"
	envAvailableRetries  = "COMFY_API_AVAILABLE_MAX_RETRIES"
	envAvailableInterval = "COMFY_API_AVAILABLE_INTERVAL_MS"
	envReconnectAttempts = "WEBSOCKET_RECONNECT_ATTEMPTS"
	envReconnectDelay    = "WEBSOCKET_RECONNECT_DELAY_S"
	envJobTimeout        = "JOB_TIMEOUT_S"
	envMaxInputBytes     = "MAX_INPUT_BYTES"
	envRefreshWorker     = "REFRESH_WORKER"
	envLogLevel          = "LOG_LEVEL"
	envPresignTTL        = "BUCKET_PRESIGN_TTL_S"

	envBucketEndpoint  = "BUCKET_ENDPOINT_URL"
	envBucketAccessKey = "BUCKET_ACCESS_KEY_ID"
	envBucketSecretKey = "BUCKET_SECRET_ACCESS_KEY"
	envBucketName      = "BUCKET_NAME"
	envBucketRegion    = "BUCKET_REGION"

	envDownloadEndpoint  = "BUCKET_DOWNLOAD_ENDPOINT_URL"
	envDownloadAccessKey = "BUCKET_DOWNLOAD_ACCESS_KEY_ID"
	envDownloadSecretKey = "BUCKET_DOWNLOAD_SECRET_ACCESS_KEY"
	envDownloadName      = "BUCKET_DOWNLOAD_NAME"
	envDownloadRegion    = "BUCKET_DOWNLOAD_REGION"
)

// Bucket holds credentials and addressing for one S3-compatible bucket.
type Bucket struct {
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
	Name            string
	Region          string
}

// Configured reports whether every required field is set.
func (b Bucket) Configured() bool {
	return b.EndpointURL != "" && b.AccessKeyID != "" && b.SecretAccessKey != "" && b.Name != ""
}

// Config holds application configuration loaded from environment variables.
// It is captured once at process start and never mutated afterwards; every
// component receives it (or a slice of it) explicitly.
type Config struct {
	ListenAddr string
	ComfyHost  string
	LogLevel   slog.Level

	// Engine availability gate before submission.
	AvailableRetries  int
	AvailableInterval time.Duration

	// Push-channel reconnection budget.
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	// Per-invocation deadline and input ceiling.
	JobTimeout    time.Duration
	MaxInputBytes int64

	// RefreshWorker discards engine state after each invocation.
	RefreshWorker bool

	// Object storage. Upload doubles as the download fallback.
	Upload     Bucket
	Download   Bucket
	PresignTTL time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:        defaultListenAddr,
		ComfyHost:         defaultComfyHost,
		LogLevel:          slog.LevelInfo,
		AvailableRetries:  defaultAvailableRetries,
		AvailableInterval: defaultAvailableInterval,
		ReconnectAttempts: defaultReconnectAttempts,
		ReconnectDelay:    defaultReconnectDelay,
		JobTimeout:        defaultJobTimeout,
		MaxInputBytes:     defaultMaxInputBytes,
		PresignTTL:        defaultPresignTTL,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envComfyHost); v != "" {
		cfg.ComfyHost = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v, ok := parseIntEnv(envAvailableRetries); ok {
		cfg.AvailableRetries = v
	}
	if v, ok := parseIntEnv(envAvailableInterval); ok {
		cfg.AvailableInterval = time.Duration(v) * time.Millisecond
	}
	if v, ok := parseIntEnv(envReconnectAttempts); ok {
		cfg.ReconnectAttempts = v
	}
	if v, ok := parseIntEnv(envReconnectDelay); ok {
		cfg.ReconnectDelay = time.Duration(v) * time.Second
	}
	if v, ok := parseIntEnv(envJobTimeout); ok {
		cfg.JobTimeout = time.Duration(v) * time.Second
	}
	if v, ok := parseIntEnv(envMaxInputBytes); ok {
		cfg.MaxInputBytes = int64(v)
	}
	if v, ok := parseIntEnv(envPresignTTL); ok && v >= 0 {
		cfg.PresignTTL = time.Duration(v) * time.Second
	}
	cfg.RefreshWorker = strings.EqualFold(os.Getenv(envRefreshWorker), "true")

	cfg.Upload = Bucket{
		EndpointURL:     os.Getenv(envBucketEndpoint),
		AccessKeyID:     os.Getenv(envBucketAccessKey),
		SecretAccessKey: os.Getenv(envBucketSecretKey),
		Name:            os.Getenv(envBucketName),
		Region:          os.Getenv(envBucketRegion),
	}
	cfg.Download = Bucket{
		EndpointURL:     os.Getenv(envDownloadEndpoint),
		AccessKeyID:     os.Getenv(envDownloadAccessKey),
		SecretAccessKey: os.Getenv(envDownloadSecretKey),
		Name:            os.Getenv(envDownloadName),
		Region:          os.Getenv(envDownloadRegion),
	}

	return cfg
}

// DownloadBucket returns the bucket used for s3 media resolution: the
// dedicated download bucket when fully configured, otherwise the upload
// bucket.
func (c Config) DownloadBucket() Bucket {
	if c.Download.Configured() {
		return c.Download
	}
	return c.Upload
}

// StorageConfigured reports whether uploaded artifacts should go to object
// storage instead of being returned inline.
func (c Config) StorageConfigured() bool {
	return c.Upload.Configured()
}

func parseIntEnv(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
