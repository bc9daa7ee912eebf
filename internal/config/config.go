package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Env         string `yaml:"env"`
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	DatabaseURL string `yaml:"database_url"`
	APIKey      string `yaml:"api_key"`

	DBMaxConns          int           `yaml:"db_max_conns"`
	DBHealthCheckPeriod time.Duration `yaml:"db_health_check_period"`

	MaxConcurrentScans  int           `yaml:"max_concurrent_scans"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	SubmitRatePerMinute int           `yaml:"submit_rate_per_minute"`

	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	Engines Engines `yaml:"engines"`
}

type Engines struct {
	Nuclei   NucleiConfig   `yaml:"nuclei"`
	ZAP      ZAPConfig      `yaml:"zap"`
	Acunetix AcunetixConfig `yaml:"acunetix"`
	// Mock enables the scripted reference engine for local runs.
	Mock bool `yaml:"mock"`
	// InsecureTLS skips certificate checks against scanning appliances,
	// which usually run with self-signed certificates.
	InsecureTLS bool `yaml:"insecure_tls"`
}

type NucleiConfig struct {
	Path     string `yaml:"path"`
	Severity string `yaml:"severity"`
}

type ZAPConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

type AcunetixConfig struct {
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	ProfileID string `yaml:"profile_id"`
}

func Default() Config {
	return Config{
		Env:                 "development",
		ListenAddr:          ":8080",
		MetricsAddr:         ":9090",
		DBMaxConns:          10,
		DBHealthCheckPeriod: 30 * time.Second,
		MaxConcurrentScans:  5,
		PollInterval:        5 * time.Second,
		SubmitRatePerMinute: 5,
		LogLevel:            "info",
		LogFormat:           "text",
		Engines: Engines{
			Nuclei:   NucleiConfig{Severity: "medium,high,critical"},
			Acunetix: AcunetixConfig{ProfileID: "11111111-1111-1111-1111-111111111111"},
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Load builds the configuration from defaults, the YAML file named by
// DASTOR_CONFIG (if any) and finally the environment.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("DASTOR_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Env = getenv("APP_ENV", cfg.Env)
	cfg.ListenAddr = getenv("LISTEN_ADDR", cfg.ListenAddr)
	if v, ok := os.LookupEnv("METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
	cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
	cfg.APIKey = getenv("API_KEY", cfg.APIKey)
	cfg.DBMaxConns = getenvInt("DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBHealthCheckPeriod = getenvDuration("DB_HEALTH_CHECK_PERIOD", cfg.DBHealthCheckPeriod)
	cfg.MaxConcurrentScans = getenvInt("MAX_CONCURRENT_SCANS", cfg.MaxConcurrentScans)
	cfg.PollInterval = getenvDuration("POLL_INTERVAL", cfg.PollInterval)
	cfg.SubmitRatePerMinute = getenvInt("SUBMIT_RATE_PER_MINUTE", cfg.SubmitRatePerMinute)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getenv("LOG_FORMAT", cfg.LogFormat)
	cfg.OTLPEndpoint = getenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)

	e := &cfg.Engines
	e.Nuclei.Path = getenv("NUCLEI_PATH", e.Nuclei.Path)
	e.Nuclei.Severity = getenv("NUCLEI_SEVERITY", e.Nuclei.Severity)
	e.ZAP.URL = getenv("ZAP_API_URL", e.ZAP.URL)
	e.ZAP.APIKey = getenv("ZAP_API_KEY", e.ZAP.APIKey)
	e.Acunetix.URL = getenv("ACUNETIX_API_URL", e.Acunetix.URL)
	e.Acunetix.APIKey = getenv("ACUNETIX_API_KEY", e.Acunetix.APIKey)
	e.Acunetix.ProfileID = getenv("ACUNETIX_PROFILE_ID", e.Acunetix.ProfileID)
	e.InsecureTLS = getenvBool("SCANNER_INSECURE_TLS", e.InsecureTLS)
	e.Mock = getenvBool("MOCK_ENGINE", e.Mock)
}

// Validate reports settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.APIKey == "" && c.Env != "development" {
		errs = append(errs, errors.New("API_KEY is required outside development"))
	}
	if c.MaxConcurrentScans < 1 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_SCANS must be positive, got %d", c.MaxConcurrentScans))
	}
	if c.DBMaxConns < 1 {
		errs = append(errs, fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.DBMaxConns))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval))
	}
	if c.SubmitRatePerMinute < 1 {
		errs = append(errs, fmt.Errorf("SUBMIT_RATE_PER_MINUTE must be positive, got %d", c.SubmitRatePerMinute))
	}
	return errors.Join(errs...)
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var out int
		_, err := fmt.Sscanf(v, "%d", &out)
		if err == nil {
			return out
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
