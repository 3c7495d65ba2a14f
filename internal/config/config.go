package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr         = ":8080"
	defaultDBPath             = "attemptd.db"
	defaultReapingInterval    = time.Second
	defaultHTTPTimeout        = 10 * time.Second
	defaultHTTPMaxRetries     = 3
	defaultRedisAddr          = "localhost:6379"
	defaultRedisKey           = "attemptd:notifications"
	defaultNotificationPerSec = 10

	envPrefix     = "ATTEMPTD_"
	envConfigFile = "ATTEMPTD_CONFIG"
)

// Recognized configuration keys. Each may be set in the YAML file or through
// the environment as ATTEMPTD_ + upper-cased key with dots replaced by
// underscores (executor.attempt_ttl -> ATTEMPTD_EXECUTOR_ATTEMPT_TTL).
const (
	KeyListenAddr            = "server.listen_addr"
	KeyDBPath                = "database.path"
	KeyLogLevel              = "log.level"
	KeyAttemptTTL            = "executor.attempt_ttl"
	KeyTaskTTL               = "executor.task_ttl"
	KeyReapingInterval       = "executor.ttl_reaping_interval"
	KeyNotificationType      = "notification.type"
	KeyNotificationURL       = "notification.http.url"
	KeyNotificationTimeout   = "notification.http.timeout"
	KeyNotificationRetries   = "notification.http.max_retries"
	KeyNotificationRateLimit = "notification.http.rate_limit"
	KeyNotificationQueue     = "notification.queue"
	KeyRedisAddr             = "notification.redis.addr"
	KeyRedisKey              = "notification.redis.key"
)

var knownKeys = []string{
	KeyListenAddr, KeyDBPath, KeyLogLevel,
	KeyAttemptTTL, KeyTaskTTL, KeyReapingInterval,
	KeyNotificationType, KeyNotificationURL, KeyNotificationTimeout,
	KeyNotificationRetries, KeyNotificationRateLimit, KeyNotificationQueue,
	KeyRedisAddr, KeyRedisKey,
}

// Notification types and queues.
const (
	NotificationNone = ""
	NotificationHTTP = "http"
	QueueDirect      = ""
	QueueRedis       = "redis"
)

// ErrInvalid is wrapped by every configuration validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds application configuration.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	Executor     ExecutorConfig
	Notification NotificationConfig
}

// ExecutorConfig holds TTL enforcement settings. A zero TTL disables the
// corresponding check.
type ExecutorConfig struct {
	AttemptTTL      time.Duration
	TaskTTL         time.Duration
	ReapingInterval time.Duration
}

// NotificationConfig selects and configures the notification transport.
type NotificationConfig struct {
	Type       string
	URL        string
	Timeout    time.Duration
	MaxRetries int
	RateLimit  float64
	Queue      string
	RedisAddr  string
	RedisKey   string
}

// Load reads configuration from the optional YAML file named by
// ATTEMPTD_CONFIG, then applies environment overrides, then validates.
func Load() (Config, error) {
	values := map[string]string{}

	if path := os.Getenv(envConfigFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		fileValues, err := parseYAML(data)
		if err != nil {
			return Config{}, err
		}
		values = fileValues
	}

	for _, key := range knownKeys {
		if v := os.Getenv(EnvName(key)); v != "" {
			values[key] = v
		}
	}

	return FromValues(values)
}

// EnvName returns the environment variable that overrides key.
func EnvName(key string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// FromValues builds a validated Config from flat dotted keys.
func FromValues(values map[string]string) (Config, error) {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		Executor: ExecutorConfig{
			ReapingInterval: defaultReapingInterval,
		},
		Notification: NotificationConfig{
			Timeout:    defaultHTTPTimeout,
			MaxRetries: defaultHTTPMaxRetries,
			RateLimit:  defaultNotificationPerSec,
			RedisAddr:  defaultRedisAddr,
			RedisKey:   defaultRedisKey,
		},
	}

	if v, ok := values[KeyListenAddr]; ok {
		cfg.ListenAddr = v
	}
	if v, ok := values[KeyDBPath]; ok {
		cfg.DBPath = v
	}
	if v, ok := values[KeyLogLevel]; ok {
		cfg.LogLevel = parseLogLevel(v)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{KeyAttemptTTL, &cfg.Executor.AttemptTTL},
		{KeyTaskTTL, &cfg.Executor.TaskTTL},
		{KeyReapingInterval, &cfg.Executor.ReapingInterval},
		{KeyNotificationTimeout, &cfg.Notification.Timeout},
	}
	for _, d := range durations {
		v, ok := values[d.key]
		if !ok {
			continue
		}
		parsed, err := ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalid, d.key, err)
		}
		*d.dst = parsed
	}

	if v, ok := values[KeyNotificationRetries]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalid, KeyNotificationRetries, err)
		}
		cfg.Notification.MaxRetries = n
	}
	if v, ok := values[KeyNotificationRateLimit]; ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalid, KeyNotificationRateLimit, err)
		}
		cfg.Notification.RateLimit = f
	}
	if v, ok := values[KeyNotificationType]; ok {
		cfg.Notification.Type = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := values[KeyNotificationURL]; ok {
		cfg.Notification.URL = strings.TrimSpace(v)
	}
	if v, ok := values[KeyNotificationQueue]; ok {
		cfg.Notification.Queue = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := values[KeyRedisAddr]; ok {
		cfg.Notification.RedisAddr = v
	}
	if v, ok := values[KeyRedisKey]; ok {
		cfg.Notification.RedisKey = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Executor.AttemptTTL < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalid, KeyAttemptTTL)
	}
	if c.Executor.TaskTTL < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalid, KeyTaskTTL)
	}
	if c.Executor.ReapingInterval <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalid, KeyReapingInterval)
	}

	n := c.Notification
	switch n.Type {
	case NotificationNone:
	case NotificationHTTP:
		if n.URL == "" {
			return fmt.Errorf("%w: %s is required when %s=http", ErrInvalid, KeyNotificationURL, KeyNotificationType)
		}
		u, err := url.Parse(n.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %s %q is not an http(s) URL", ErrInvalid, KeyNotificationURL, n.URL)
		}
		if n.Timeout <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, KeyNotificationTimeout)
		}
		if n.MaxRetries < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalid, KeyNotificationRetries)
		}
		if n.RateLimit <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, KeyNotificationRateLimit)
		}
	default:
		return fmt.Errorf("%w: unknown %s %q", ErrInvalid, KeyNotificationType, n.Type)
	}

	switch n.Queue {
	case QueueDirect:
	case QueueRedis:
		if n.Type != NotificationHTTP {
			return fmt.Errorf("%w: %s=redis requires %s=http", ErrInvalid, KeyNotificationQueue, KeyNotificationType)
		}
		if n.RedisAddr == "" || n.RedisKey == "" {
			return fmt.Errorf("%w: %s and %s are required for the redis queue", ErrInvalid, KeyRedisAddr, KeyRedisKey)
		}
	default:
		return fmt.Errorf("%w: unknown %s %q", ErrInvalid, KeyNotificationQueue, n.Queue)
	}
	return nil
}

const (
	day     = 24 * time.Hour
	maxDays = int64(math.MaxInt64 / day)
)

// ParseDuration parses Go duration syntax plus a whole-day suffix ("1d").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.ParseInt(days, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		if n > maxDays || n < -maxDays {
			return 0, fmt.Errorf("%w: duration %q out of range", ErrInvalid, s)
		}
		return time.Duration(n) * day, nil
	}
	return time.ParseDuration(s)
}

// parseYAML flattens nested YAML mappings into dotted keys, so both
// "executor: {attempt_ttl: 10s}" and "executor.attempt_ttl: 10s" work.
func parseYAML(data []byte) (map[string]string, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse config file: %v", ErrInvalid, err)
	}
	out := map[string]string{}
	flatten("", raw, out)
	return out, nil
}

func flatten(prefix string, in map[string]any, out map[string]string) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flatten(key, val, out)
		case nil:
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
