package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, relative to the working directory.
const ConfigPath = "config.yaml"

const (
	defaultPort             = "8787"
	defaultProjectID        = "chat-with-it-e09f2"
	defaultFunctionsBaseURL = "https://us-central1-chat-with-it-e09f2.cloudfunctions.net"
	defaultJWKSURL          = "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"
	defaultRedisAddr        = "localhost:6379"
	defaultBlobDriver       = BlobMinio
	defaultMinioEndpoint    = "localhost:9000"
	defaultBucket           = "chat-with-it-e09f2.appspot.com"
	defaultPollInterval     = "5s"
	defaultFunctionsTimeout = "60s"
	defaultRateWindow       = "1m"
	defaultAuthRateLimit    = 10
	defaultChatRateLimit    = 30
)

// Blob drivers.
const (
	BlobMinio  = "minio"
	BlobS3     = "s3"
	BlobMemory = "memory"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port             string   `yaml:"port"`
	LogLevel         string   `yaml:"logLevel"`
	LogFormat        string   `yaml:"logFormat"`
	CORSOrigins      []string `yaml:"corsOrigins"`
	ProjectID        string   `yaml:"projectId"`
	FunctionsBaseURL string   `yaml:"functionsBaseURL"`
	FunctionsTimeout string   `yaml:"functionsTimeout"`
	JWKSURL          string   `yaml:"jwksURL"`
	JWTLeeway        string   `yaml:"jwtLeeway"`
	RedisAddr        string   `yaml:"redisAddr"`
	RedisPassword    string   `yaml:"redisPassword"`
	RedisDB          int      `yaml:"redisDB"`
	FeedPrefix       string   `yaml:"feedPrefix"`
	BlobDriver       string   `yaml:"blobDriver"`
	MinioEndpoint    string   `yaml:"minioEndpoint"`
	MinioAccessKey   string   `yaml:"minioAccessKey"`
	MinioSecretKey   string   `yaml:"minioSecretKey"`
	MinioUseSSL      bool     `yaml:"minioUseSSL"`
	S3Region         string   `yaml:"s3Region"`
	S3Endpoint       string   `yaml:"s3Endpoint"`
	S3AccessKey      string   `yaml:"s3AccessKey"`
	S3SecretKey      string   `yaml:"s3SecretKey"`
	S3UsePathStyle   bool     `yaml:"s3UsePathStyle"`
	Bucket           string   `yaml:"bucket"`
	PollInterval     string   `yaml:"pollInterval"`
	IDToken          string   `yaml:"idToken"`
	AuthRateLimit    int      `yaml:"authRateLimit"`
	ChatRateLimit    int      `yaml:"chatRateLimit"`
	RateWindow       string   `yaml:"rateWindow"`
}

// Load reads config from path (defaults to config.yaml). The file and a
// .env next to it are optional; environment variables win over both.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("read .env: %w", err)
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("DESK_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("DESK_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("PROJECT_ID"); v != "" {
		cfg.ProjectID = strings.TrimSpace(v)
	}
	if v := os.Getenv("FUNCTIONS_BASE_URL"); v != "" {
		cfg.FunctionsBaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("FUNCTIONS_TIMEOUT"); v != "" {
		cfg.FunctionsTimeout = v
	}
	if v := os.Getenv("JWKS_URL"); v != "" {
		cfg.JWKSURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.RedisDB = n
		}
	}
	if v := os.Getenv("FEED_PREFIX"); v != "" {
		cfg.FeedPrefix = v
	}
	if v := os.Getenv("AUTH_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.AuthRateLimit = n
		}
	}
	if v := os.Getenv("CHAT_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.ChatRateLimit = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		cfg.RateWindow = v
	}
	if v := os.Getenv("BLOB_DRIVER"); v != "" {
		cfg.BlobDriver = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("S3_REGION"); v != "" {
		cfg.S3Region = v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		cfg.S3Endpoint = v
	}
	if v := os.Getenv("S3_ACCESS_KEY"); v != "" {
		cfg.S3AccessKey = v
	}
	if v := os.Getenv("S3_SECRET_KEY"); v != "" {
		cfg.S3SecretKey = v
	}
	if v := os.Getenv("S3_USE_PATH_STYLE"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.S3UsePathStyle = b
		}
	}
	if v := os.Getenv("BLOB_BUCKET"); v != "" {
		cfg.Bucket = v
	}
	if v := os.Getenv("DOCUMENT_POLL_INTERVAL"); v != "" {
		cfg.PollInterval = v
	}
	if v := os.Getenv("DESK_ID_TOKEN"); v != "" {
		cfg.IDToken = strings.TrimSpace(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.ProjectID == "" {
		cfg.ProjectID = defaultProjectID
	}
	if cfg.FunctionsBaseURL == "" {
		cfg.FunctionsBaseURL = defaultFunctionsBaseURL
	}
	if cfg.FunctionsTimeout == "" {
		cfg.FunctionsTimeout = defaultFunctionsTimeout
	}
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = defaultJWKSURL
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = defaultRedisAddr
	}
	if cfg.BlobDriver == "" {
		cfg.BlobDriver = defaultBlobDriver
	}
	if cfg.MinioEndpoint == "" {
		cfg.MinioEndpoint = defaultMinioEndpoint
	}
	if cfg.Bucket == "" {
		cfg.Bucket = defaultBucket
	}
	if cfg.PollInterval == "" {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.AuthRateLimit == 0 {
		cfg.AuthRateLimit = defaultAuthRateLimit
	}
	if cfg.ChatRateLimit == 0 {
		cfg.ChatRateLimit = defaultChatRateLimit
	}
	if cfg.RateWindow == "" {
		cfg.RateWindow = defaultRateWindow
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or DESK_PORT)")
	}
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return errors.New("config: projectId is required (set in config.yaml or PROJECT_ID)")
	}
	if strings.TrimSpace(cfg.FunctionsBaseURL) == "" {
		return errors.New("config: functionsBaseURL is required (set in config.yaml or FUNCTIONS_BASE_URL)")
	}
	if strings.TrimSpace(cfg.JWKSURL) == "" {
		return errors.New("config: jwksURL is required (set in config.yaml or JWKS_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for push feeds")
	}
	switch cfg.BlobDriver {
	case BlobMinio:
		if cfg.MinioEndpoint == "" {
			return errors.New("config: minioEndpoint is required for the minio blob driver")
		}
	case BlobS3:
		if cfg.S3Region == "" {
			return errors.New("config: s3Region is required for the s3 blob driver")
		}
	case BlobMemory:
	default:
		return fmt.Errorf("config: unknown blobDriver %q (minio, s3 or memory)", cfg.BlobDriver)
	}
	if cfg.BlobDriver != BlobMemory && strings.TrimSpace(cfg.Bucket) == "" {
		return errors.New("config: bucket is required (set in config.yaml or BLOB_BUCKET)")
	}
	if _, err := ParseDuration("pollInterval", cfg.PollInterval); err != nil {
		return err
	}
	if _, err := ParseDuration("functionsTimeout", cfg.FunctionsTimeout); err != nil {
		return err
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return err
	}
	if cfg.AuthRateLimit < 0 || cfg.ChatRateLimit < 0 {
		return errors.New("config: rate limits must be >= 0 (negative values are not allowed)")
	}
	if _, err := ParseDuration("rateWindow", cfg.RateWindow); err != nil {
		return err
	}
	return nil
}

// ParseDuration parses a positive duration setting.
func ParseDuration(name, raw string) (time.Duration, error) {
	dur, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s duration: %w", name, err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("config: %s must be > 0", name)
	}
	return dur, nil
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
