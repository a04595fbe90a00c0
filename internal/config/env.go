// Package config handles environment-based configuration loading.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"golang.org/x/net/http/httpguts"

	"github.com/codetime-proxy/codetime-proxy/internal/proxy"
	"github.com/codetime-proxy/codetime-proxy/internal/store"
	"github.com/codetime-proxy/codetime-proxy/internal/transaction"
)

// EnvConfig holds all settings read at startup.
type EnvConfig struct {
	Env string

	// Network
	ListenAddress string
	Port          int
	AdminPort     int

	// Forwarding
	Upstream                     string
	ClientSignature              string
	IdentityHeader               string
	UpstreamTimeout              time.Duration
	TransportMaxIdleConns        int
	TransportMaxIdleConnsPerHost int
	TransportIdleConnTimeout     time.Duration
	CaptureMaxBytes              int

	// Recording
	LogDir             string
	DBURL              string
	DBAutoMigrate      bool
	RowHashAlgorithm   transaction.HashAlgorithm
	RecorderQueueSize  int
	AppLogDedupEntries int
	AppLogCSV          bool
	StatsSchedule      string

	// Auth
	AdminToken string

	// ConfigFile is the YAML file the values were layered on, if any.
	ConfigFile string
}

// IsDev reports whether debug logging is enabled.
func (c *EnvConfig) IsDev() bool { return c.Env == "dev" }

// DBEnabled reports whether the relational sink is configured.
func (c *EnvConfig) DBEnabled() bool { return c.DBURL != "" }

// Load reads dotenvPath (missing file is fine; real env always wins) and
// then the process environment.
func Load(dotenvPath string) (*EnvConfig, error) {
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config load %s: %w", dotenvPath, err)
		}
	}
	return LoadEnvConfig()
}

// LoadEnvConfig reads environment variables, layered over the YAML file
// named by CODETIME_CONFIG_FILE, and returns a validated EnvConfig.
// Every invalid value is reported in a single error.
func LoadEnvConfig() (*EnvConfig, error) {
	src := source{}
	cfg := &EnvConfig{}
	var errs []string

	if path := strings.TrimSpace(os.Getenv("CODETIME_CONFIG_FILE")); path != "" {
		values, err := readYAMLFile(path)
		if err != nil {
			return nil, err
		}
		src.file = values
		cfg.ConfigFile = path
	}

	cfg.Env = strings.ToLower(strings.TrimSpace(src.str("CODETIME_ENV", "prod")))

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(src.str("CODETIME_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = src.int("CODETIME_PORT", 9492, &errs)
	cfg.AdminPort = src.int("CODETIME_ADMIN_PORT", 0, &errs)

	// --- Forwarding ---
	cfg.Upstream = src.str("CODETIME_UPSTREAM", proxy.DefaultUpstream)
	cfg.ClientSignature = src.str("CODETIME_CLIENT_SIGNATURE", proxy.DefaultClientSignature)
	cfg.IdentityHeader = strings.TrimSpace(src.str("CODETIME_IDENTITY_HEADER", proxy.DefaultIdentityHeader))
	cfg.UpstreamTimeout = src.duration("CODETIME_UPSTREAM_TIMEOUT", 30*time.Second, &errs)
	cfg.TransportMaxIdleConns = src.int("CODETIME_TRANSPORT_MAX_IDLE_CONNS", 256, &errs)
	cfg.TransportMaxIdleConnsPerHost = src.int("CODETIME_TRANSPORT_MAX_IDLE_CONNS_PER_HOST", 64, &errs)
	cfg.TransportIdleConnTimeout = src.duration("CODETIME_TRANSPORT_IDLE_CONN_TIMEOUT", 90*time.Second, &errs)
	cfg.CaptureMaxBytes = src.int("CODETIME_CAPTURE_MAX_BYTES", 16<<20, &errs)

	// --- Recording ---
	cfg.LogDir = strings.TrimSpace(src.str("CODETIME_LOG_DIR", "logs"))
	cfg.DBURL = strings.TrimSpace(src.str("CODETIME_DB_URL", ""))
	if cfg.DBURL == "" {
		cfg.DBURL = strings.TrimSpace(src.str("PG_URL", ""))
	}
	cfg.DBAutoMigrate = src.bool("CODETIME_DB_AUTO_MIGRATE", true, &errs)
	hashAlgo := src.str("CODETIME_ROW_HASH_ALGO", string(transaction.HashSHA256))
	cfg.RecorderQueueSize = src.int("CODETIME_RECORDER_QUEUE_SIZE", 4096, &errs)
	cfg.AppLogDedupEntries = src.int("CODETIME_APPLOG_DEDUP_ENTRIES", 262144, &errs)
	cfg.AppLogCSV = src.bool("CODETIME_APPLOG_CSV", true, &errs)
	cfg.StatsSchedule = strings.TrimSpace(src.str("CODETIME_STATS_SCHEDULE", ""))

	// --- Auth (empty means the admin API is open) ---
	cfg.AdminToken = src.str("CODETIME_ADMIN_TOKEN", "")

	// --- Validation ---
	switch cfg.Env {
	case "dev", "prod":
	default:
		errs = append(errs, fmt.Sprintf("CODETIME_ENV: invalid value %q (allowed: dev, prod)", cfg.Env))
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "CODETIME_LISTEN_ADDRESS must not be empty")
	}
	validatePort("CODETIME_PORT", cfg.Port, &errs)
	if cfg.AdminPort != 0 {
		validatePort("CODETIME_ADMIN_PORT", cfg.AdminPort, &errs)
		if cfg.AdminPort == cfg.Port {
			errs = append(errs, "CODETIME_ADMIN_PORT must differ from CODETIME_PORT")
		}
	}

	if upstream, err := proxy.ParseUpstream(cfg.Upstream); err != nil {
		errs = append(errs, fmt.Sprintf("CODETIME_UPSTREAM: %v", err))
	} else {
		cfg.Upstream = upstream.String()
	}
	if strings.TrimSpace(cfg.ClientSignature) == "" {
		errs = append(errs, "CODETIME_CLIENT_SIGNATURE must not be empty")
	}
	if !httpguts.ValidHeaderFieldName(cfg.IdentityHeader) {
		errs = append(errs, fmt.Sprintf("CODETIME_IDENTITY_HEADER: invalid header name %q", cfg.IdentityHeader))
	}
	if cfg.UpstreamTimeout <= 0 {
		errs = append(errs, "CODETIME_UPSTREAM_TIMEOUT must be positive")
	}
	validatePositive("CODETIME_TRANSPORT_MAX_IDLE_CONNS", cfg.TransportMaxIdleConns, &errs)
	validatePositive("CODETIME_TRANSPORT_MAX_IDLE_CONNS_PER_HOST", cfg.TransportMaxIdleConnsPerHost, &errs)
	if cfg.TransportIdleConnTimeout <= 0 {
		errs = append(errs, "CODETIME_TRANSPORT_IDLE_CONN_TIMEOUT must be positive")
	}
	if cfg.TransportMaxIdleConnsPerHost > cfg.TransportMaxIdleConns {
		errs = append(
			errs,
			"CODETIME_TRANSPORT_MAX_IDLE_CONNS_PER_HOST must be less than or equal to CODETIME_TRANSPORT_MAX_IDLE_CONNS",
		)
	}
	if cfg.CaptureMaxBytes < -1 {
		errs = append(errs, fmt.Sprintf("CODETIME_CAPTURE_MAX_BYTES: must be -1 or non-negative, got %d", cfg.CaptureMaxBytes))
	}

	if cfg.LogDir == "" {
		errs = append(errs, "CODETIME_LOG_DIR must not be empty")
	}
	if cfg.DBURL != "" {
		if _, _, err := store.ParseURL(cfg.DBURL); err != nil {
			errs = append(errs, fmt.Sprintf("CODETIME_DB_URL: %v", err))
		}
	}
	if algo, err := transaction.ParseHashAlgorithm(hashAlgo); err != nil {
		errs = append(errs, fmt.Sprintf("CODETIME_ROW_HASH_ALGO: invalid value %q (allowed: sha256, xxh3)", hashAlgo))
	} else {
		cfg.RowHashAlgorithm = algo
	}
	validatePositive("CODETIME_RECORDER_QUEUE_SIZE", cfg.RecorderQueueSize, &errs)
	validatePositive("CODETIME_APPLOG_DEDUP_ENTRIES", cfg.AppLogDedupEntries, &errs)
	if cfg.StatsSchedule != "" {
		if _, err := cron.ParseStandard(cfg.StatsSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("CODETIME_STATS_SCHEDULE: invalid cron expression %q: %v", cfg.StatsSchedule, err))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// RedactedDBURL returns DBURL with any password replaced.
func (c *EnvConfig) RedactedDBURL() string {
	if c.DBURL == "" {
		return ""
	}
	u, err := url.Parse(c.DBURL)
	if err != nil || u.User == nil {
		if at := strings.LastIndexByte(c.DBURL, '@'); at >= 0 {
			if scheme, _, ok := strings.Cut(c.DBURL, "://"); ok {
				return scheme + "://***@" + c.DBURL[at+1:]
			}
		}
		return c.DBURL
	}
	return u.Redacted()
}

// --- helpers ---

// source resolves a key from the process environment first and the YAML
// file second.
type source struct {
	file map[string]string
}

func (s source) lookup(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok {
		return v, true
	}
	v, ok := s.file[key]
	return v, ok
}

func (s source) str(key, defaultVal string) string {
	if v, ok := s.lookup(key); ok {
		return v
	}
	return defaultVal
}

func (s source) int(key string, defaultVal int, errs *[]string) int {
	v, _ := s.lookup(key)
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func (s source) duration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v, _ := s.lookup(key)
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func (s source) bool(key string, defaultVal bool, errs *[]string) bool {
	v, _ := s.lookup(key)
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
