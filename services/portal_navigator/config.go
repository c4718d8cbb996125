package main

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	nav "portalnav/services/portal_navigator/navigator_pkg"
)

// Config is the service configuration, read from the environment.
type Config struct {
	Port                  string
	Workers               int
	Driver                string
	Headless              bool
	InstallBrowsers       bool
	BrowserPath           string
	FlowConfig            string
	DiagDir               string
	PerAttemptDiagnostics bool
	PhaseTimeout          time.Duration
	StrategyTimeout       time.Duration
	SessionTimeout        time.Duration
	SinkBudget            time.Duration
	RetentionTTL          time.Duration

	RedisURL      string
	NatsURL       string
	WorkSubject   string
	ResultSubject string
	WorkerQueue   string

	Schedule      string
	ScheduledWork nav.WorkUnit
}

// loadEnvFile loads the nearest .env walking up from the working directory.
// A missing file is not an error.
func loadEnvFile() {
	envPath := ""
	if wd, err := os.Getwd(); err == nil {
		dir := wd
		for dir != filepath.Dir(dir) {
			candidate := filepath.Join(dir, ".env")
			if _, err := os.Stat(candidate); err == nil {
				envPath = candidate
				break
			}
			dir = filepath.Dir(dir)
		}
	}
	if envPath == "" {
		envPath = ".env"
	}
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("No .env file found or error loading: %v", err)
	} else {
		log.Printf("Loaded .env file from: %s", envPath)
	}
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() Config {
	cfg := Config{
		Port:                  getEnv("PORT", "8086"),
		Workers:               getEnvInt("NAV_WORKERS", 2),
		Driver:                getEnv("NAV_DRIVER", nav.DriverPlaywright),
		Headless:              getEnvBool("NAV_HEADLESS", true),
		InstallBrowsers:       getEnvBool("NAV_INSTALL_BROWSERS", false),
		BrowserPath:           os.Getenv("NAV_BROWSER_PATH"),
		FlowConfig:            getEnv("NAV_FLOW_CONFIG", "portal_flow.yaml"),
		DiagDir:               getEnv("NAV_DIAG_DIR", "diagnostics"),
		PerAttemptDiagnostics: getEnvBool("NAV_PER_ATTEMPT_DIAGNOSTICS", false),
		PhaseTimeout:          getEnvMS("NAV_PHASE_TIMEOUT_MS", 0),
		StrategyTimeout:       getEnvMS("NAV_STRATEGY_TIMEOUT_MS", 0),
		SessionTimeout:        getEnvMS("NAV_SESSION_TIMEOUT_MS", 5*time.Minute),
		SinkBudget:            getEnvMS("NAV_SINK_BUDGET_MS", 5*time.Second),
		RetentionTTL:          time.Duration(getEnvInt("NAV_RETENTION_HOURS", 7*24)) * time.Hour,
		RedisURL:              os.Getenv("REDIS_URL"),
		NatsURL:               os.Getenv("NATS_URL"),
		WorkSubject:           getEnv("NAV_WORK_SUBJECT", "portalnav.work"),
		ResultSubject:         getEnv("NAV_RESULT_SUBJECT", "portalnav.results"),
		WorkerQueue:           getEnv("NAV_WORKER_QUEUE", "portalnav-workers"),
		Schedule:              strings.TrimSpace(os.Getenv("NAV_SCHEDULE")),
	}
	if raw := strings.TrimSpace(os.Getenv("NAV_SCHEDULE_WORK")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.ScheduledWork); err != nil {
			log.Printf("⚠️ NAV_SCHEDULE_WORK is not valid JSON, scheduled runs use an empty work unit: %v", err)
		}
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return cfg
}

// applyTo overrides plan timeouts that were set in the environment.
func (c Config) applyTo(plan *nav.FlowPlan) {
	if c.PhaseTimeout > 0 {
		plan.PhaseTimeout = c.PhaseTimeout
	}
	if c.StrategyTimeout > 0 {
		plan.StrategyTimeout = c.StrategyTimeout
	}
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("⚠️ %s=%q is not a number, using %d", key, v, def)
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvMS(key string, def time.Duration) time.Duration {
	if n := getEnvInt(key, -1); n >= 0 {
		return time.Duration(n) * time.Millisecond
	}
	return def
}
