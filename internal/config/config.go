// Package config provides YAML configuration loading with validation,
// environment variable substitution, and environment overrides for the
// gateway and the services it registers at startup.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth" json:"auth"`
	CORS      CORSConfig      `yaml:"cors" json:"cors"`
	Health    HealthConfig    `yaml:"health" json:"health"`
	Admin     AdminConfig     `yaml:"admin" json:"admin"`
	Services  []ServiceConfig `yaml:"services" json:"services"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself so Load stays safe to call from the
	// hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// TLSConfig enables HTTPS on the gateway listener. The key pair is
// re-read whenever either file changes on disk.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
}

// LoggingConfig holds log level and access-log body settings.
type LoggingConfig struct {
	Level           string `yaml:"level" json:"level"`                           // debug, info, warn, error; default: info
	BodyLogging     bool   `yaml:"body_logging" json:"body_logging"`             // log request/response bodies; default: false
	MaxBodyLogBytes int    `yaml:"max_body_log_bytes" json:"max_body_log_bytes"` // default: 4096
}

// RateLimitConfig holds the global limiter settings and the backing store
// for per-service window counters.
type RateLimitConfig struct {
	RequestsPerSecond float64     `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int         `yaml:"burst_size" json:"burst_size"`
	Store             string      `yaml:"store" json:"store"` // "memory" (default) or "redis"
	Redis             RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig locates the shared counter store used when several gateway
// replicas must agree on per-service limits.
type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// AuthConfig holds JWT bearer authentication settings. Issuer and Audience
// are only enforced when set.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string `yaml:"issuer" json:"issuer"`
	Audience  string `yaml:"audience" json:"audience"`
}

// CORSConfig lists the browser origins allowed to call the gateway.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// HealthConfig controls the background health prober.
type HealthConfig struct {
	Interval time.Duration `yaml:"interval" json:"interval"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// ServiceConfig describes one downstream service registered at startup.
// Field-level validation happens at registration time (see registry).
type ServiceConfig struct {
	Name            string                `yaml:"name" json:"name"`
	Version         string                `yaml:"version" json:"version"`
	BaseURL         string                `yaml:"base_url" json:"base_url"`
	HealthCheckPath string                `yaml:"health_check_path" json:"health_check_path"`
	Instances       []string              `yaml:"instances" json:"instances,omitempty"`
	Routes          []RouteConfig         `yaml:"routes" json:"routes"`
	AuthRequired    *bool                 `yaml:"auth_required" json:"auth_required,omitempty"`
	LoadBalancer    string                `yaml:"load_balancer" json:"load_balancer"`
	RateLimit       *ServiceRateLimit     `yaml:"rate_limit" json:"rate_limit,omitempty"`
	CircuitBreaker  *CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker,omitempty"`

	// Optional services may fail registration without aborting startup.
	Optional bool `yaml:"optional" json:"optional"`
}

// RequiresAuth returns the service-wide auth default (true when unset).
func (s ServiceConfig) RequiresAuth() bool {
	if s.AuthRequired == nil {
		return true
	}
	return *s.AuthRequired
}

// RouteConfig declares one (method, path pattern) owned by a service.
// A pattern ending in "/*" matches any deeper path.
type RouteConfig struct {
	Method       string `yaml:"method" json:"method"`
	Path         string `yaml:"path" json:"path"`
	AuthRequired *bool  `yaml:"auth_required" json:"auth_required,omitempty"`
}

// ServiceRateLimit is a fixed-window limit applied per client IP to a
// single service.
type ServiceRateLimit struct {
	Window      time.Duration `yaml:"window" json:"window"`
	MaxRequests int           `yaml:"max_requests" json:"max_requests"`
}

// CircuitBreakerConfig holds the per-service breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"` // consecutive failures before opening
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`                     // slower successes count as failures; 0 disables
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`         // open → half-open delay
	HalfOpenMax      int           `yaml:"half_open_max" json:"half_open_max"`         // successes needed to close
	MaxConcurrent    int           `yaml:"max_concurrent" json:"max_concurrent"`       // bulkhead; 0 disables
}

// Environment variables consulted after the file is parsed.
const (
	EnvJWTSecret      = "JWT_SECRET"
	EnvAllowedOrigins = "ALLOWED_ORIGINS"
	EnvPort           = "API_GATEWAY_PORT"
	EnvRedisAddr      = "REDIS_ADDR"
	EnvLogLevel       = "LOG_LEVEL"
)

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns in s. Unset
// variables without a default are left untouched so validation can flag them.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		expr := match[2 : len(match)-1]
		key, def, hasDefault := strings.Cut(expr, ":-")
		if val, ok := os.LookupEnv(key); ok && val != "" {
			return val
		}
		if hasDefault {
			return def
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution and overrides, sets defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvJWTSecret); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv(EnvAllowedOrigins); v != "" {
		cfg.CORS.AllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: invalid port %q: %w", EnvPort, v, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		cfg.RateLimit.Redis.Addr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	// Must outlast the 30s upstream forward timeout.
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 35 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1048576 // 1 MB
	}
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = "1.2"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxBodyLogBytes == 0 {
		cfg.Logging.MaxBodyLogBytes = 4096
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 100
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 50
	}
	if cfg.RateLimit.Store == "" {
		cfg.RateLimit.Store = "memory"
	}
	if cfg.RateLimit.Redis.KeyPrefix == "" {
		cfg.RateLimit.Redis.KeyPrefix = "gateway:ratelimit:"
	}

	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{"*"}
	}

	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = 30 * time.Second
	}
	if cfg.Health.Timeout == 0 {
		cfg.Health.Timeout = 5 * time.Second
	}

	for i := range cfg.Services {
		svc := &cfg.Services[i]
		if svc.HealthCheckPath == "" {
			svc.HealthCheckPath = "/health"
		}
		if svc.LoadBalancer == "" {
			svc.LoadBalancer = "round-robin"
		}
		if cb := svc.CircuitBreaker; cb != nil {
			if cb.FailureThreshold == 0 {
				cb.FailureThreshold = 5
			}
			if cb.ResetTimeout == 0 {
				cb.ResetTimeout = 30 * time.Second
			}
			if cb.HalfOpenMax == 0 {
				cb.HalfOpenMax = 1
			}
		}
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if t := cfg.Server.TLS; t.Enabled {
		if t.CertFile == "" || t.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when tls is enabled")
		}
		if t.MinVersion != "1.2" && t.MinVersion != "1.3" {
			return fmt.Errorf("server.tls.min_version must be \"1.2\" or \"1.3\", got %q", t.MinVersion)
		}
	}
	if !validLogLevels[strings.ToLower(cfg.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.BodyLogging && cfg.Logging.MaxBodyLogBytes < 1 {
		return fmt.Errorf("logging.max_body_log_bytes must be positive when body_logging is enabled")
	}

	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}
	if cfg.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be positive")
	}
	switch cfg.RateLimit.Store {
	case "memory":
	case "redis":
		if cfg.RateLimit.Redis.Addr == "" {
			return fmt.Errorf("rate_limit.redis.addr is required when rate_limit.store is redis")
		}
	default:
		return fmt.Errorf("rate_limit.store must be memory or redis, got %q", cfg.RateLimit.Store)
	}

	if cfg.Auth.JWTSecret == "" || strings.Contains(cfg.Auth.JWTSecret, "${") {
		return fmt.Errorf("auth.jwt_secret is required (set %s)", EnvJWTSecret)
	}

	if cfg.Health.Interval < 0 || cfg.Health.Timeout < 0 {
		return fmt.Errorf("health.interval and health.timeout must be non-negative")
	}

	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	for i, svc := range cfg.Services {
		if rl := svc.RateLimit; rl != nil {
			if rl.Window <= 0 {
				return fmt.Errorf("services[%d].rate_limit.window must be positive", i)
			}
			if rl.MaxRequests <= 0 {
				return fmt.Errorf("services[%d].rate_limit.max_requests must be positive", i)
			}
		}
		if cb := svc.CircuitBreaker; cb != nil {
			if cb.FailureThreshold < 1 {
				return fmt.Errorf("services[%d].circuit_breaker.failure_threshold must be positive", i)
			}
			if cb.ResetTimeout <= 0 {
				return fmt.Errorf("services[%d].circuit_breaker.reset_timeout must be positive", i)
			}
			if cb.Timeout < 0 || cb.MaxConcurrent < 0 || cb.HalfOpenMax < 1 {
				return fmt.Errorf("services[%d].circuit_breaker: timeout and max_concurrent must be non-negative, half_open_max positive", i)
			}
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if len(cfg.Auth.JWTSecret) < 32 {
		warnings = append(warnings, "auth.jwt_secret is shorter than 32 bytes")
	}
	if len(cfg.Services) == 0 {
		warnings = append(warnings, "no services configured; every proxied request will return 404")
	}
	for i, svc := range cfg.Services {
		if strings.Contains(svc.BaseURL, "${") {
			warnings = append(warnings, fmt.Sprintf("services[%d].base_url contains unresolved environment variable", i))
		}
	}
	for _, o := range cfg.CORS.AllowedOrigins {
		if o == "*" {
			warnings = append(warnings, "cors.allowed_origins permits any origin")
			break
		}
	}
	return warnings
}
