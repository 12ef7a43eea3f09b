// Package config resolves runtime configuration. Environment variables win
// over the optional vigil.toml config file, which wins over defaults.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type SMTP struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	From     string `toml:"from"`
}

type S3 struct {
	Endpoint  string `toml:"endpoint"`
	Region    string `toml:"region"`
	Bucket    string `toml:"bucket"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
}

type Config struct {
	DataDir      string `toml:"data_dir"`
	DBName       string `toml:"db_name"`
	SiteRoot     string `toml:"site_root"`
	PingEndpoint string `toml:"ping_endpoint"`
	LogLevel     string `toml:"log_level"`
	NumWorkers   int    `toml:"num_workers"`
	SMTP         SMTP   `toml:"smtp"`
	S3           S3     `toml:"s3"`
}

const defaultConfigContent = `# Vigil configuration
# All values shown are defaults. Uncomment and edit to customize.
# Environment variables take precedence over this file.

# Path of the sqlite database. Environment variable: DB_NAME
# db_name = "vigil.db"

# Base URL of the web front end, used in notification links.
# Environment variable: SITE_ROOT
# site_root = ""

# Base URL shown to clients for sending pings.
# Environment variable: PING_ENDPOINT
# ping_endpoint = ""

# Log level: debug, info, warn, error.
# Environment variable: VIGIL_LOG_LEVEL
# log_level = "info"

# Concurrent notification deliveries per flip.
# num_workers = 10

# [smtp]
# host = ""          # EMAIL_HOST
# port = 587         # EMAIL_PORT
# user = ""          # EMAIL_HOST_USER
# password = ""      # EMAIL_HOST_PASSWORD
# from = ""          # DEFAULT_FROM_EMAIL

# [s3]
# endpoint = ""      # S3_ENDPOINT
# region = ""        # S3_REGION
# bucket = ""        # S3_BUCKET
# access_key = ""    # S3_ACCESS_KEY
# secret_key = ""    # S3_SECRET_KEY
`

func Load() Config {
	cfg := Config{
		LogLevel:   "info",
		NumWorkers: 10,
	}

	// Resolve DataDir first; the config file lives there.
	if v := strings.TrimSpace(os.Getenv("VIGIL_DATA_DIR")); v != "" {
		cfg.DataDir = v
	} else if home, err := os.UserHomeDir(); err == nil {
		cfg.DataDir = filepath.Join(home, ".vigil")
	}

	configPath := filepath.Join(cfg.DataDir, "vigil.toml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		writeDefaultConfig(configPath)
	}
	if _, err := toml.DecodeFile(configPath, &cfg); err != nil && !os.IsNotExist(err) {
		slog.Warn("config file ignored", "path", configPath, "err", err)
	}

	applyEnv(&cfg)

	if cfg.DBName == "" {
		cfg.DBName = "vigil.db"
	}
	if !filepath.IsAbs(cfg.DBName) {
		cfg.DBName = filepath.Join(cfg.DataDir, cfg.DBName)
	}
	if cfg.PingEndpoint == "" && cfg.SiteRoot != "" {
		cfg.PingEndpoint = strings.TrimRight(cfg.SiteRoot, "/") + "/ping/"
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 10
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	return cfg
}

func applyEnv(cfg *Config) {
	setString(&cfg.DBName, "DB_NAME")
	setString(&cfg.SiteRoot, "SITE_ROOT")
	setString(&cfg.PingEndpoint, "PING_ENDPOINT")
	setString(&cfg.LogLevel, "VIGIL_LOG_LEVEL")

	setString(&cfg.SMTP.Host, "EMAIL_HOST")
	setInt(&cfg.SMTP.Port, "EMAIL_PORT")
	setString(&cfg.SMTP.User, "EMAIL_HOST_USER")
	setString(&cfg.SMTP.Password, "EMAIL_HOST_PASSWORD")
	setString(&cfg.SMTP.From, "DEFAULT_FROM_EMAIL")

	setString(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setString(&cfg.S3.Region, "S3_REGION")
	setString(&cfg.S3.Bucket, "S3_BUCKET")
	setString(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setString(&cfg.S3.SecretKey, "S3_SECRET_KEY")
}

func setString(dst *string, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// writeDefaultConfig creates the config file with commented-out defaults.
// Best-effort: errors are silently ignored.
func writeDefaultConfig(path string) {
	_ = os.MkdirAll(filepath.Dir(path), 0o700)
	_ = os.WriteFile(path, []byte(defaultConfigContent), 0o600)
}
