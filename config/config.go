package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MatteProfile selects the default refiner settings.
type MatteProfile string

const (
	MatteFull  MatteProfile = "full"
	MatteQuick MatteProfile = "quick"
)

// Config is the top-level configuration struct.  All fields have safe defaults
// so callers can start with Default() and override only what they need.
type Config struct {
	// Worker pool controls (background enhancement jobs).
	WorkerCount int // default: runtime.NumCPU()
	QueueSize   int // max queued jobs before backpressure; default: 64
	JobTimeout  time.Duration

	// Retry for transient service errors.
	MaxRetries int
	RetryDelay time.Duration

	// Encode quality for lossy exports.
	DefaultQuality int // 1-100; default 92

	// Streaming / memory limits.
	MaxImageBytes int64 // 0 = no limit
	ChunkSize     int   // streaming chunk size in bytes; default 32 KiB

	Geometry GeometryConfig
	Matte    MatteConfig
	Services ServicesConfig
	HTTP     HTTPConfig

	// SessionTTL is how long an idle editing session is kept.
	SessionTTL time.Duration

	// ExportDir is where the local storage adapter writes exported photos.
	ExportDir string

	// UseVips swaps the stdlib codecs for the libvips backend.
	UseVips bool

	LogLevel string // "debug", "info", "warn", "error"
}

// GeometryConfig holds the head-height rule parameters.
type GeometryConfig struct {
	ChinRatio   float64 // eye-to-chin / hair-to-eye; default 1.2
	DefaultSpec string  // print spec id; "" selects the legacy 413x531 canvas
}

// MatteConfig controls the alpha refiner and compositor.
type MatteConfig struct {
	Profile MatteProfile
}

// ServicesConfig points at the remote collaborators.  Empty URLs disable the
// corresponding client and the pipeline degrades to local fallbacks.
type ServicesConfig struct {
	BaseURL        string // face detection, preview and validation endpoints
	EnhanceURL     string // cosmetic/hair enhancement endpoint
	RequestTimeout time.Duration
	EnhanceTimeout time.Duration
	HealthTimeout  time.Duration
}

// HTTPConfig configures the HTTP surface.
type HTTPConfig struct {
	Addr           string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// Default returns a Config populated with sensible production defaults.
func Default() Config {
	return Config{
		WorkerCount:    0, // resolved at runtime to NumCPU
		QueueSize:      64,
		JobTimeout:     90 * time.Second,
		MaxRetries:     2,
		RetryDelay:     500 * time.Millisecond,
		DefaultQuality: 92,
		MaxImageBytes:  20 << 20,
		ChunkSize:      32 * 1024,
		Geometry: GeometryConfig{
			ChinRatio: 1.2,
		},
		Matte: MatteConfig{Profile: MatteFull},
		Services: ServicesConfig{
			RequestTimeout: 30 * time.Second,
			EnhanceTimeout: 60 * time.Second,
			HealthTimeout:  5 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
			RequestTimeout: 120 * time.Second,
		},
		SessionTTL: 30 * time.Minute,
		ExportDir:  "exports",
		LogLevel:   "info",
	}
}

// Load reads an optional .env file and overlays IDPHOTO_* environment
// variables on top of Default().
func Load() (Config, error) {
	_ = godotenv.Load() // a missing .env is fine

	c := Default()
	c.WorkerCount = getEnvInt("IDPHOTO_WORKERS", c.WorkerCount)
	c.QueueSize = getEnvInt("IDPHOTO_QUEUE_SIZE", c.QueueSize)
	c.JobTimeout = getEnvDuration("IDPHOTO_JOB_TIMEOUT", c.JobTimeout)
	c.MaxRetries = getEnvInt("IDPHOTO_MAX_RETRIES", c.MaxRetries)
	c.DefaultQuality = getEnvInt("IDPHOTO_QUALITY", c.DefaultQuality)
	c.MaxImageBytes = int64(getEnvInt("IDPHOTO_MAX_IMAGE_BYTES", int(c.MaxImageBytes)))
	c.Geometry.ChinRatio = getEnvFloat("IDPHOTO_CHIN_RATIO", c.Geometry.ChinRatio)
	c.Geometry.DefaultSpec = getEnv("IDPHOTO_DEFAULT_SPEC", c.Geometry.DefaultSpec)
	c.Matte.Profile = MatteProfile(getEnv("IDPHOTO_MATTE_PROFILE", string(c.Matte.Profile)))
	c.Services.BaseURL = getEnv("IDPHOTO_API_URL", c.Services.BaseURL)
	c.Services.EnhanceURL = getEnv("IDPHOTO_ENHANCE_URL", c.Services.EnhanceURL)
	c.Services.EnhanceTimeout = getEnvDuration("IDPHOTO_ENHANCE_TIMEOUT", c.Services.EnhanceTimeout)
	c.HTTP.Addr = getEnv("IDPHOTO_ADDR", c.HTTP.Addr)
	if origins := getEnv("IDPHOTO_ALLOWED_ORIGINS", ""); origins != "" {
		c.HTTP.AllowedOrigins = strings.Split(origins, ",")
	}
	c.SessionTTL = getEnvDuration("IDPHOTO_SESSION_TTL", c.SessionTTL)
	c.ExportDir = getEnv("IDPHOTO_EXPORT_DIR", c.ExportDir)
	c.UseVips = getEnv("IDPHOTO_USE_VIPS", "") == "true"
	c.LogLevel = getEnv("IDPHOTO_LOG_LEVEL", c.LogLevel)

	return c, Validate(c)
}

// Validate returns an error if the configuration is inconsistent.
func Validate(c Config) error {
	if c.DefaultQuality < 1 || c.DefaultQuality > 100 {
		return errors.New("config: DefaultQuality must be between 1 and 100")
	}
	if c.ChunkSize <= 0 {
		return errors.New("config: ChunkSize must be positive")
	}
	if c.Geometry.ChinRatio <= 0 {
		return errors.New("config: Geometry.ChinRatio must be positive")
	}
	switch c.Matte.Profile {
	case MatteFull, MatteQuick:
	default:
		return errors.New("config: Matte.Profile must be \"full\" or \"quick\"")
	}
	if c.Services.EnhanceTimeout <= 0 || c.Services.RequestTimeout <= 0 {
		return errors.New("config: service timeouts must be positive")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

func getEnvFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
