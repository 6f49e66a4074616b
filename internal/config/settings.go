package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the static process configuration. Values come from an optional
// YAML file (CONFIG_FILE) overridden by environment variables; dynamic
// runtime settings live in the storage backend instead (see Dynamic).
type Settings struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// APIPassword guards the OpenAI-compatible surface. APIPasswordHash, when
	// set, takes precedence and holds a bcrypt hash instead of plaintext.
	APIPassword     string `yaml:"api_password"`
	APIPasswordHash string `yaml:"api_password_hash"`

	PostgresDSN    string `yaml:"postgres_dsn"`
	RedisURL       string `yaml:"redis_url"`
	CredentialsDir string `yaml:"credentials_dir"`

	CodeAssistEndpoint string        `yaml:"code_assist_endpoint"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	MaxRetries         int           `yaml:"max_retries"`

	PicGoEnabled bool   `yaml:"picgo_upload_enabled"`
	PicGoURL     string `yaml:"picgo_upload_url"`
	PicGoAPIKey  string `yaml:"picgo_api_key"`

	Debug   bool   `yaml:"debug"`
	LogFile string `yaml:"log_file"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

func defaults() *Settings {
	return &Settings{
		Host:               "0.0.0.0",
		Port:               7861,
		APIPassword:        "pwd",
		CredentialsDir:     "./credentials",
		CodeAssistEndpoint: "https://cloudcode-pa.googleapis.com",
		RequestTimeout:     300 * time.Second,
		MaxRetries:         5,
		RateLimitBurst:     20,
	}
}

// Load builds Settings from defaults, the optional CONFIG_FILE YAML document
// and environment variables, in increasing precedence.
func Load() (*Settings, error) {
	s := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, s); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	envString(&s.Host, "HOST")
	envInt(&s.Port, "PORT")
	envString(&s.APIPassword, "API_PASSWORD")
	envString(&s.APIPasswordHash, "API_PASSWORD_HASH")
	envString(&s.PostgresDSN, "POSTGRES_DSN")
	// VALKEY_URL takes precedence; REDIS_URL is the fallback alias.
	if v, ok := os.LookupEnv("VALKEY_URL"); ok && v != "" {
		s.RedisURL = v
	} else {
		envString(&s.RedisURL, "REDIS_URL")
	}
	envString(&s.CredentialsDir, "CREDENTIALS_DIR")
	envString(&s.CodeAssistEndpoint, "CODE_ASSIST_ENDPOINT")
	envSeconds(&s.RequestTimeout, "REQUEST_TIMEOUT_SECONDS")
	envInt(&s.MaxRetries, "MAX_RETRIES")
	envBool(&s.PicGoEnabled, "PICGO_UPLOAD_ENABLED")
	envString(&s.PicGoURL, "PICGO_UPLOAD_URL")
	envString(&s.PicGoAPIKey, "PICGO_API_KEY")
	envBool(&s.Debug, "DEBUG")
	envString(&s.LogFile, "LOG_FILE")
	envFloat(&s.RateLimitRPS, "RATE_LIMIT_RPS")
	envInt(&s.RateLimitBurst, "RATE_LIMIT_BURST")

	if s.MaxRetries < 1 {
		s.MaxRetries = 1
	}
	return s, nil
}

func (s *Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envSeconds(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Second
		}
	}
}
