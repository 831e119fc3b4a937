// Package config loads remedy's configuration: YAML file defaults, optional .env
// overrides and REMEDY_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Kube       KubeConfig       `yaml:"kube"`
	API        APIConfig        `yaml:"api"`
	Store      StoreConfig      `yaml:"store"`
	Queue      QueueConfig      `yaml:"queue"`
	Shadow     ShadowConfig     `yaml:"shadow"`
	Security   SecurityConfig   `yaml:"security"`
	Functional FunctionalConfig `yaml:"functional"`
	Rollback   RollbackConfig   `yaml:"rollback"`
	Advisor    AdvisorConfig    `yaml:"advisor"`

	// Path of the file the config was loaded from, empty for defaults.
	Path string `yaml:"-"`
	// Track which settings were overridden by env vars
	EnvOverrides map[string]bool `yaml:"-"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console auto"`
}

type KubeConfig struct {
	Kubeconfig string `yaml:"kubeconfig"`
	Context    string `yaml:"context"`
}

type APIConfig struct {
	Listen string `yaml:"listen" validate:"required"`
	// Token, when set, is required as a bearer token on mutating endpoints.
	Token string `yaml:"token"`
}

type StoreConfig struct {
	// Path to the SQLite database; empty keeps state in memory only.
	Path string `yaml:"path"`
}

// QueueConfig tunes the incident queue, approval gate and production lock.
type QueueConfig struct {
	Workers           int           `yaml:"workers" validate:"gte=1,lte=16"`
	CoalesceWindow    time.Duration `yaml:"coalesceWindow"`
	ApprovalTimeout   time.Duration `yaml:"approvalTimeout"`
	TimeoutAction     string        `yaml:"timeoutAction" validate:"oneof=requeue escalate"`
	MaxRequeues       int           `yaml:"maxRequeues" validate:"gte=0"`
	MaxRefinements    int           `yaml:"maxRefinements" validate:"gte=0"`
	MinConfidence     float64       `yaml:"minConfidence" validate:"gte=0,lte=1"`
	LockWaitTimeout   time.Duration `yaml:"lockWaitTimeout"`
	AdvisorTimeout    time.Duration `yaml:"advisorTimeout"`
	AllowedNamespaces []string      `yaml:"allowedNamespaces"`
	DeniedNamespaces  []string      `yaml:"deniedNamespaces"`
	ArchiveLimit      int           `yaml:"archiveLimit" validate:"gte=0"`
	// EscalationWebhook receives a JSON POST when an incident is escalated.
	EscalationWebhook string `yaml:"escalationWebhook" validate:"omitempty,url"`
}

// QuotaConfig is applied as a ResourceQuota in every shadow namespace.
type QuotaConfig struct {
	Enabled bool   `yaml:"enabled"`
	CPU     string `yaml:"cpu"`
	Memory  string `yaml:"memory"`
	Pods    int    `yaml:"pods" validate:"gte=0"`
}

type ShadowConfig struct {
	MaxActive        int             `yaml:"maxActive" validate:"gte=1"`
	NamespacePrefix  string          `yaml:"namespacePrefix" validate:"required"`
	ReadyTimeout     time.Duration   `yaml:"readyTimeout"`
	TTL              time.Duration   `yaml:"ttl"`
	TeardownTimeout  time.Duration   `yaml:"teardownTimeout"`
	TeardownRetries  int             `yaml:"teardownRetries" validate:"gte=1"`
	RetryBackoff     []time.Duration `yaml:"retryBackoff"`
	ReaperInterval   time.Duration   `yaml:"reaperInterval"`
	NetworkIsolation bool            `yaml:"networkIsolation"`
	Quota            QuotaConfig     `yaml:"quota"`
}

// ToolConfig describes an external CLI invoked as a black box.
type ToolConfig struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
}

type AlertmanagerConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type SecurityConfig struct {
	ManifestScanner ToolConfig `yaml:"manifestScanner"`
	// Minimum manifest score; findings at or above ManifestFailSeverity fail regardless.
	ManifestMinScore     float64            `yaml:"manifestMinScore"`
	ManifestFailSeverity string             `yaml:"manifestFailSeverity"`
	ImageScanner         ToolConfig         `yaml:"imageScanner"`
	ImageFailSeverity    string             `yaml:"imageFailSeverity"`
	ImageParallelism     int                `yaml:"imageParallelism" validate:"gte=1"`
	Alertmanager         AlertmanagerConfig `yaml:"alertmanager"`
	RuntimeFailSeverity  string             `yaml:"runtimeFailSeverity"`
	BreakerThreshold     int                `yaml:"breakerThreshold" validate:"gte=1"`
	BreakerCooldown      time.Duration      `yaml:"breakerCooldown"`
}

// ProbeConfig is one HTTP smoke probe sent through the service proxy.
type ProbeConfig struct {
	Name         string `yaml:"name" validate:"required"`
	Service      string `yaml:"service"`
	Port         int    `yaml:"port" validate:"gte=1,lte=65535"`
	Path         string `yaml:"path"`
	ExpectStatus int    `yaml:"expectStatus"`
	Severity     string `yaml:"severity"`
}

type LoadConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Image        string        `yaml:"image"`
	Concurrency  int           `yaml:"concurrency" validate:"gte=1"`
	Duration     time.Duration `yaml:"duration"`
	Port         int           `yaml:"port" validate:"gte=1,lte=65535"`
	Path         string        `yaml:"path"`
	MaxErrorRate float64       `yaml:"maxErrorRate" validate:"gte=0,lte=1"`
}

type FunctionalConfig struct {
	Probes     []ProbeConfig `yaml:"probes" validate:"dive"`
	Load       LoadConfig    `yaml:"load"`
	MinScore   float64       `yaml:"minScore" validate:"gte=0,lte=1"`
	JobTimeout time.Duration `yaml:"jobTimeout"`
}

type RollbackConfig struct {
	PrometheusURL       string        `yaml:"prometheusURL"`
	Query               string        `yaml:"query" validate:"required"`
	QueryTimeout        time.Duration `yaml:"queryTimeout"`
	Window              time.Duration `yaml:"window"`
	Interval            time.Duration `yaml:"interval"`
	BaselineWindow      time.Duration `yaml:"baselineWindow"`
	MaxIncrease         float64       `yaml:"maxIncrease" validate:"gt=0,lte=1"`
	AbsoluteSpike       float64       `yaml:"absoluteSpike" validate:"gte=0,lte=1"`
	MaxRelativeIncrease float64       `yaml:"maxRelativeIncrease" validate:"gte=0"`
}

type AdvisorConfig struct {
	URL              string        `yaml:"url"`
	Timeout          time.Duration `yaml:"timeout"`
	RateLimit        float64       `yaml:"rateLimit" validate:"gte=0"`
	Burst            int           `yaml:"burst" validate:"gte=1"`
	BreakerThreshold int           `yaml:"breakerThreshold" validate:"gte=1"`
	BreakerCooldown  time.Duration `yaml:"breakerCooldown"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "auto"},
		API: APIConfig{Listen: ":8085"},
		Queue: QueueConfig{
			Workers:         2,
			CoalesceWindow:  10 * time.Minute,
			ApprovalTimeout: 30 * time.Minute,
			TimeoutAction:   "requeue",
			MaxRequeues:     2,
			MaxRefinements:  2,
			MinConfidence:   0.5,
			LockWaitTimeout: 2 * time.Hour,
			AdvisorTimeout:  2 * time.Minute,
			ArchiveLimit:    500,
		},
		Shadow: ShadowConfig{
			MaxActive:        3,
			NamespacePrefix:  "shadow-",
			ReadyTimeout:     300 * time.Second,
			TTL:              time.Hour,
			TeardownTimeout:  2 * time.Minute,
			TeardownRetries:  3,
			RetryBackoff:     []time.Duration{10 * time.Second, 30 * time.Second, 90 * time.Second},
			ReaperInterval:   time.Minute,
			NetworkIsolation: true,
			Quota:            QuotaConfig{CPU: "4", Memory: "8Gi", Pods: 20},
		},
		Security: SecurityConfig{
			ManifestScanner:      ToolConfig{Command: "kubesec", Args: []string{"scan", "-"}, Timeout: time.Minute},
			ManifestMinScore:     0,
			ManifestFailSeverity: "critical",
			ImageScanner:         ToolConfig{Command: "trivy", Args: []string{"image", "--quiet", "--format", "json"}, Timeout: 5 * time.Minute},
			ImageFailSeverity:    "critical",
			ImageParallelism:     4,
			Alertmanager:         AlertmanagerConfig{Timeout: 10 * time.Second},
			RuntimeFailSeverity:  "high",
			BreakerThreshold:     3,
			BreakerCooldown:      time.Minute,
		},
		Functional: FunctionalConfig{
			Load: LoadConfig{
				Image:        "williamyeh/hey:latest",
				Concurrency:  10,
				Duration:     30 * time.Second,
				Port:         80,
				Path:         "/",
				MaxErrorRate: 0.01,
			},
			MinScore:   0.8,
			JobTimeout: 5 * time.Minute,
		},
		Rollback: RollbackConfig{
			Query:          `sum(rate(http_requests_total{namespace="{{.Namespace}}",code=~"5.."}[1m])) / sum(rate(http_requests_total{namespace="{{.Namespace}}"}[1m]))`,
			QueryTimeout:   15 * time.Second,
			Window:         15 * time.Minute,
			Interval:       time.Minute,
			BaselineWindow: 5 * time.Minute,
			MaxIncrease:    0.20,
			AbsoluteSpike:  0.5,
		},
		Advisor: AdvisorConfig{
			Timeout:          time.Minute,
			RateLimit:        1,
			Burst:            2,
			BreakerThreshold: 3,
			BreakerCooldown:  5 * time.Minute,
		},
		EnvOverrides: make(map[string]bool),
	}
}

// Load reads the YAML file at path (optional), .env files and REMEDY_* variables.
func Load(path string) (*Config, error) {
	loadDotEnv(path)

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.Path = path
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv(path string) {
	// Load .env next to the config file if it exists (for deployment overrides)
	if path != "" {
		envFile := filepath.Join(filepath.Dir(path), ".env")
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
			} else {
				log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
			}
		}
	}

	// Also try loading from current directory for development
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded configuration from .env in current directory")
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg.EnvOverrides == nil {
		cfg.EnvOverrides = make(map[string]bool)
	}
	str := func(key, name string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
			cfg.EnvOverrides[name] = true
			log.Debug().Str("env", key).Msg("Setting overridden by env var")
		}
	}
	integer := func(key, name string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				log.Warn().Str("env", key).Str("value", v).Msg("Ignoring non-integer env override")
				return
			}
			*dst = n
			cfg.EnvOverrides[name] = true
		}
	}
	duration := func(key, name string, dst *time.Duration) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				log.Warn().Str("env", key).Str("value", v).Msg("Ignoring invalid duration env override")
				return
			}
			*dst = d
			cfg.EnvOverrides[name] = true
		}
	}

	str("REMEDY_LOG_LEVEL", "log.level", &cfg.Log.Level)
	str("REMEDY_LOG_FORMAT", "log.format", &cfg.Log.Format)
	str("REMEDY_KUBECONFIG", "kube.kubeconfig", &cfg.Kube.Kubeconfig)
	str("REMEDY_KUBE_CONTEXT", "kube.context", &cfg.Kube.Context)
	str("REMEDY_LISTEN", "api.listen", &cfg.API.Listen)
	str("REMEDY_API_TOKEN", "api.token", &cfg.API.Token)
	str("REMEDY_STORE_PATH", "store.path", &cfg.Store.Path)
	str("REMEDY_PROMETHEUS_URL", "rollback.prometheusURL", &cfg.Rollback.PrometheusURL)
	str("REMEDY_ALERTMANAGER_URL", "security.alertmanager.url", &cfg.Security.Alertmanager.URL)
	str("REMEDY_ADVISOR_URL", "advisor.url", &cfg.Advisor.URL)
	str("REMEDY_ESCALATION_WEBHOOK", "queue.escalationWebhook", &cfg.Queue.EscalationWebhook)
	str("REMEDY_TIMEOUT_ACTION", "queue.timeoutAction", &cfg.Queue.TimeoutAction)
	integer("REMEDY_WORKERS", "queue.workers", &cfg.Queue.Workers)
	integer("REMEDY_MAX_ACTIVE_SHADOWS", "shadow.maxActive", &cfg.Shadow.MaxActive)
	duration("REMEDY_APPROVAL_TIMEOUT", "queue.approvalTimeout", &cfg.Queue.ApprovalTimeout)
	duration("REMEDY_ROLLBACK_WINDOW", "rollback.window", &cfg.Rollback.Window)
	duration("REMEDY_SHADOW_READY_TIMEOUT", "shadow.readyTimeout", &cfg.Shadow.ReadyTimeout)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and the timeouts that must never be unbounded.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	positive := map[string]time.Duration{
		"queue.coalesceWindow":   c.Queue.CoalesceWindow,
		"queue.approvalTimeout":  c.Queue.ApprovalTimeout,
		"queue.lockWaitTimeout":  c.Queue.LockWaitTimeout,
		"queue.advisorTimeout":   c.Queue.AdvisorTimeout,
		"shadow.readyTimeout":    c.Shadow.ReadyTimeout,
		"shadow.ttl":             c.Shadow.TTL,
		"shadow.teardownTimeout": c.Shadow.TeardownTimeout,
		"shadow.reaperInterval":  c.Shadow.ReaperInterval,
		"rollback.window":        c.Rollback.Window,
		"rollback.interval":      c.Rollback.Interval,
		"rollback.queryTimeout":  c.Rollback.QueryTimeout,
		"functional.jobTimeout":  c.Functional.JobTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("invalid config: %s must be positive", name)
		}
	}
	if c.Rollback.Interval > c.Rollback.Window {
		return fmt.Errorf("invalid config: rollback.interval %s exceeds rollback.window %s", c.Rollback.Interval, c.Rollback.Window)
	}
	for i, d := range c.Shadow.RetryBackoff {
		if d < 0 {
			return fmt.Errorf("invalid config: shadow.retryBackoff[%d] is negative", i)
		}
	}
	return nil
}
