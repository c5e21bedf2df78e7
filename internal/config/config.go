package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/clinica/clinica/internal/platform/blobstore"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Port              string   `mapstructure:"PORT"`
	Env               string   `mapstructure:"ENV"`
	LogLevel          string   `mapstructure:"LOG_LEVEL"`
	DatabaseDriver    string   `mapstructure:"DATABASE_DRIVER"`
	DatabaseURL       string   `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32    `mapstructure:"DB_MIN_CONNS"`
	UploadDir         string   `mapstructure:"UPLOAD_DIR"`
	UploadLayout      string   `mapstructure:"UPLOAD_LAYOUT"`
	MaxUploadSize     string   `mapstructure:"MAX_UPLOAD_SIZE"`
	AllowedExtensions []string `mapstructure:"ALLOWED_EXTENSIONS"`
	AuthToken         string   `mapstructure:"AUTH_TOKEN"`
	AuthJWTSecret     string   `mapstructure:"AUTH_JWT_SECRET"`
	CORSOrigins       []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS      float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int      `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_DRIVER", "DATABASE_URL",
	"DB_MAX_CONNS", "DB_MIN_CONNS", "UPLOAD_DIR", "UPLOAD_LAYOUT",
	"MAX_UPLOAD_SIZE", "ALLOWED_EXTENSIONS", "AUTH_TOKEN", "AUTH_JWT_SECRET",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

// Load reads the configuration from the environment, with an optional .env
// file in the working directory underneath it.
func Load() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_DRIVER", DriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("UPLOAD_DIR", "uploads")
	v.SetDefault("UPLOAD_LAYOUT", string(blobstore.LayoutPatient))
	v.SetDefault("MAX_UPLOAD_SIZE", "20M")
	v.SetDefault("ALLOWED_EXTENSIONS", strings.Join(blobstore.DefaultAllowedExtensions, ","))
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma separated values arrive as a single element from the environment.
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.AllowedExtensions = splitList(v.GetString("ALLOWED_EXTENSIONS"))

	cfg.DatabaseDriver = strings.ToLower(strings.TrimSpace(cfg.DatabaseDriver))
	if cfg.DatabaseDriver == DriverSQLite && cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "clinica.db"
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Layout returns the parsed upload layout.
func (c *Config) Layout() (blobstore.Layout, error) {
	return blobstore.ParseLayout(c.UploadLayout)
}

// MaxUploadBytes returns MAX_UPLOAD_SIZE in bytes.
func (c *Config) MaxUploadBytes() (int64, error) {
	return ParseSize(c.MaxUploadSize)
}

// BlobOptions assembles the attachment store options.
func (c *Config) BlobOptions() (blobstore.Options, error) {
	layout, err := c.Layout()
	if err != nil {
		return blobstore.Options{}, err
	}
	size, err := c.MaxUploadBytes()
	if err != nil {
		return blobstore.Options{}, err
	}
	return blobstore.Options{
		Layout:            layout,
		MaxFileSize:       size,
		AllowedExtensions: c.AllowedExtensions,
	}, nil
}

// Level returns the zerolog level for LOG_LEVEL.
func (c *Config) Level() (zerolog.Level, error) {
	if c.LogLevel == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

// Validate checks that the configuration is safe to run. Outside development
// at least one credential must be configured, since an unconfigured auth
// middleware accepts every request.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DATABASE_DRIVER is %q", DriverPostgres)
		}
	case DriverSQLite:
	default:
		return fmt.Errorf("DATABASE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.DatabaseDriver)
	}

	if c.DBMinConns < 0 || c.DBMaxConns < 1 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) and DB_MAX_CONNS (%d) are inconsistent", c.DBMinConns, c.DBMaxConns)
	}
	if c.UploadDir == "" {
		return fmt.Errorf("UPLOAD_DIR is required")
	}
	if _, err := c.Layout(); err != nil {
		return fmt.Errorf("UPLOAD_LAYOUT: %w", err)
	}
	size, err := c.MaxUploadBytes()
	if err != nil {
		return fmt.Errorf("MAX_UPLOAD_SIZE: %w", err)
	}
	if size <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}
	if len(c.AllowedExtensions) == 0 {
		return fmt.Errorf("ALLOWED_EXTENSIONS must list at least one extension")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if !c.IsDev() && c.AuthToken == "" && c.AuthJWTSecret == "" {
		return fmt.Errorf(
			"AUTH_TOKEN or AUTH_JWT_SECRET must be set when ENV=%q. "+
				"Refusing to start an unauthenticated server outside development", c.Env)
	}
	return nil
}

// ParseSize reads a human readable size such as "512K", "20M" or "1G". A
// bare number is taken as bytes.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	s = strings.TrimSuffix(s, "B")

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
	}
	if multiplier > 1 {
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n > math.MaxInt64/multiplier {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return n * multiplier, nil
}
