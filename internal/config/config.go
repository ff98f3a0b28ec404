package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env              string
	ListenAddr       string
	DatabaseURL      string
	DBMaxConns       int32
	ScanWorkers      int
	RecoveryInterval time.Duration
	PendingGrace     time.Duration
	ShutdownTimeout  time.Duration

	LogLevel  string
	LogFormat string

	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string

	Browser  BrowserConfig
	Vault    VaultConfig
	Evidence EvidenceConfig
}

// BrowserConfig holds the capture engine timings.
type BrowserConfig struct {
	NavigationTimeout  time.Duration
	NetworkIdleTimeout time.Duration
	ScrollPause        time.Duration
	SettleDelay        time.Duration
	ExecPath           string
}

type VaultConfig struct {
	Addr       string
	Token      string
	SecretPath string
}

// EvidenceConfig points at an S3-compatible bucket. Archiving is off when
// Endpoint is empty.
type EvidenceConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

func (e EvidenceConfig) Enabled() bool { return e.Endpoint != "" }

// Load reads configuration from the environment, after merging a .env file
// from the working directory when one exists. The returned error is not
// fatal on its own; callers decide whether a missing database source matters.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Env:              getenv("APP_ENV", "development"),
		ListenAddr:       getenv("LISTEN_ADDR", ":8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DBMaxConns:       int32(getenvInt("DB_MAX_CONNS", 10)),
		ScanWorkers:      getenvInt("SCAN_WORKERS", 4),
		RecoveryInterval: getenvDuration("RECOVERY_INTERVAL", 30*time.Second),
		PendingGrace:     getenvDuration("PENDING_GRACE", 2*time.Minute),
		ShutdownTimeout:  getenvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		LogFormat:        getenv("LOG_FORMAT", "json"),
		RateLimitRPS:     getenvFloat("RATE_LIMIT_RPS", 1),
		RateLimitBurst:   getenvInt("RATE_LIMIT_BURST", 5),
		CORSOrigins:      getenvList("CORS_ORIGINS", []string{"*"}),
		Browser: BrowserConfig{
			NavigationTimeout:  getenvDuration("NAVIGATION_TIMEOUT", 60*time.Second),
			NetworkIdleTimeout: getenvDuration("NETWORK_IDLE_TIMEOUT", 8*time.Second),
			ScrollPause:        getenvDuration("SCROLL_PAUSE", 3*time.Second),
			SettleDelay:        getenvDuration("SETTLE_DELAY", 4*time.Second),
			ExecPath:           os.Getenv("CHROME_PATH"),
		},
		Vault: VaultConfig{
			Addr:       os.Getenv("VAULT_ADDR"),
			Token:      os.Getenv("VAULT_TOKEN"),
			SecretPath: getenv("VAULT_SECRET_PATH", "secret/data/arc/cookie-scanner"),
		},
		Evidence: EvidenceConfig{
			Endpoint:  os.Getenv("EVIDENCE_ENDPOINT"),
			AccessKey: os.Getenv("EVIDENCE_ACCESS_KEY"),
			SecretKey: os.Getenv("EVIDENCE_SECRET_KEY"),
			Bucket:    getenv("EVIDENCE_BUCKET", "cookie-evidence"),
			Region:    os.Getenv("EVIDENCE_REGION"),
			UseSSL:    getenvBool("EVIDENCE_USE_SSL", false),
		},
	}
	if cfg.ScanWorkers < 1 {
		cfg.ScanWorkers = 1
	}
	if cfg.DatabaseURL == "" && cfg.Vault.Addr == "" {
		return cfg, fmt.Errorf("neither DATABASE_URL nor VAULT_ADDR is set")
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if out, err := strconv.Atoi(v); err == nil {
			return out
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if out, err := strconv.ParseFloat(v, 64); err == nil {
			return out
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if out, err := strconv.ParseBool(v); err == nil {
			return out
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if out, err := time.ParseDuration(v); err == nil {
			return out
		}
	}
	return def
}

func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
