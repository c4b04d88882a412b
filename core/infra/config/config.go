package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultRedisURL                     = "redis://localhost:6380/0"
	defaultNATSURL                      = "nats://localhost:4222"
	defaultBroker                       = "redis"
	defaultQueueKey                     = "agent:jobs"
	defaultStatusPrefix                 = "agent:status:"
	defaultChannelPrefix                = "agent:events:"
	defaultJobTTLSeconds                = 6 * 60 * 60
	defaultChunkCharLimit               = 600
	defaultSSEHeartbeatSeconds          = 10
	defaultWorkerHeartbeatSeconds       = 5
	defaultHeartbeatStaleAfterSeconds   = 60
	defaultWatchdogIntervalSeconds      = 5
	defaultBotServiceBaseURL            = "http://localhost:8000/api"
	defaultBotRequestTimeoutSeconds     = 180.0
	defaultBotConnectTimeoutSeconds     = 10.0
	defaultCompletionWaitTimeoutSeconds = 210.0
	defaultWorkerConcurrency            = 1
	defaultHTTPAddr                     = ":8080"
)

const (
	envRedisURL                 = "TASKBRIDGE_REDIS_URL"
	envNATSURL                  = "TASKBRIDGE_NATS_URL"
	envBroker                   = "TASKBRIDGE_BROKER"
	envQueueKey                 = "TASKBRIDGE_QUEUE_KEY"
	envStatusPrefix             = "TASKBRIDGE_STATUS_PREFIX"
	envChannelPrefix            = "TASKBRIDGE_CHANNEL_PREFIX"
	envJobTTLSeconds            = "TASKBRIDGE_JOB_TTL_SECONDS"
	envChunkCharLimit           = "TASKBRIDGE_CHUNK_CHAR_LIMIT"
	envSSEHeartbeatSeconds      = "TASKBRIDGE_SSE_HEARTBEAT_SECONDS"
	envWorkerHeartbeatSeconds   = "TASKBRIDGE_WORKER_HEARTBEAT_SECONDS"
	envHeartbeatStaleAfter      = "TASKBRIDGE_HEARTBEAT_STALE_AFTER_SECONDS"
	envWatchdogIntervalSeconds  = "TASKBRIDGE_WATCHDOG_INTERVAL_SECONDS"
	envBotServiceBaseURL        = "TASKBRIDGE_BOT_SERVICE_BASE_URL"
	envBotRequestTimeoutSeconds = "TASKBRIDGE_BOT_REQUEST_TIMEOUT_SECONDS"
	envBotConnectTimeoutSeconds = "TASKBRIDGE_BOT_CONNECT_TIMEOUT_SECONDS"
	envCompletionWaitTimeout    = "TASKBRIDGE_COMPLETION_WAIT_TIMEOUT_SECONDS"
	envWorkerConcurrency        = "TASKBRIDGE_WORKER_CONCURRENCY"
	envConfigFile               = "TASKBRIDGE_CONFIG_FILE"
	envMetadataSchemaPath       = "TASKBRIDGE_METADATA_SCHEMA_PATH"
	envSchemaRegistryURL        = "TASKBRIDGE_SCHEMA_REGISTRY_URL"
	envDashboardAddr            = "TASKBRIDGE_DASHBOARD_ADDR"
	envMetricsAddr              = "TASKBRIDGE_METRICS_ADDR"
	envHTTPAddr                 = "TASKBRIDGE_HTTP_ADDR"
)

// Config holds runtime configuration shared by the dispatcher and workers.
type Config struct {
	Broker   string
	RedisURL string
	NATSURL  string

	QueueKey     string
	StatusPrefix string
	ChannelPrefix string

	JobTTL                  time.Duration
	ChunkCharLimit           int
	SSEHeartbeatInterval     time.Duration
	WorkerHeartbeatInterval  time.Duration
	HeartbeatStaleAfter      time.Duration
	WatchdogInterval         time.Duration

	BotServiceBaseURL      string
	BotRequestTimeout      time.Duration
	BotConnectTimeout      time.Duration
	CompletionWaitTimeout  time.Duration

	WorkerConcurrency int

	MetadataSchemaPath   string
	SchemaRegistryURL    string
	InlineMetadataSchema map[string]any
	DashboardAddr       string
	MetricsAddr          string
	HTTPAddr             string
}

// overlay mirrors the subset of Config fields that may be set from a YAML
// file. Pointers distinguish "absent" from "zero value" so overlay values
// only override an environment default when actually present in the file.
type overlay struct {
	Broker                  *string  `yaml:"broker"`
	RedisURL                *string  `yaml:"redis_url"`
	NATSURL                 *string  `yaml:"nats_url"`
	QueueKey                *string  `yaml:"queue_key"`
	StatusPrefix            *string  `yaml:"status_prefix"`
	ChannelPrefix           *string  `yaml:"channel_prefix"`
	JobTTLSeconds           *int     `yaml:"job_ttl_seconds"`
	ChunkCharLimit          *int     `yaml:"chunk_char_limit"`
	SSEHeartbeatSeconds     *int     `yaml:"sse_heartbeat_seconds"`
	WorkerHeartbeatSeconds  *int     `yaml:"worker_heartbeat_seconds"`
	HeartbeatStaleAfter     *int     `yaml:"heartbeat_stale_after_seconds"`
	WatchdogIntervalSeconds *int     `yaml:"watchdog_interval_seconds"`
	BotServiceBaseURL       *string  `yaml:"bot_service_base_url"`
	BotRequestTimeoutSecs   *float64 `yaml:"bot_request_timeout_seconds"`
	BotConnectTimeoutSecs   *float64 `yaml:"bot_connect_timeout_seconds"`
	CompletionWaitTimeout   *float64 `yaml:"completion_wait_timeout_seconds"`
	WorkerConcurrency       *int     `yaml:"worker_concurrency"`
	MetadataSchemaPath      *string        `yaml:"metadata_schema_path"`
	SchemaRegistryURL       *string        `yaml:"schema_registry_url"`
	InlineMetadataSchema    map[string]any `yaml:"metadata_schema"`
	DashboardAddr           *string  `yaml:"dashboard_addr"`
	MetricsAddr             *string  `yaml:"metrics_addr"`
	HTTPAddr                *string  `yaml:"http_addr"`
}

// Load returns configuration from environment variables, with sane defaults,
// optionally overlaid by a YAML file named by TASKBRIDGE_CONFIG_FILE. Env
// vars and defaults set the baseline; every field present in the overlay
// file replaces that baseline value, whether it came from an env var or a
// default. Fields absent from the file keep their baseline value.
func Load() (*Config, error) {
	cfg := &Config{
		Broker:                  envOrDefault(envBroker, defaultBroker),
		RedisURL:                envOrDefault(envRedisURL, defaultRedisURL),
		NATSURL:                 envOrDefault(envNATSURL, defaultNATSURL),
		QueueKey:                envOrDefault(envQueueKey, defaultQueueKey),
		StatusPrefix:            envOrDefault(envStatusPrefix, defaultStatusPrefix),
		ChannelPrefix:           envOrDefault(envChannelPrefix, defaultChannelPrefix),
		JobTTL:                  secondsOrDefault(envJobTTLSeconds, defaultJobTTLSeconds),
		ChunkCharLimit:          intOrDefault(envChunkCharLimit, defaultChunkCharLimit),
		SSEHeartbeatInterval:    secondsOrDefault(envSSEHeartbeatSeconds, defaultSSEHeartbeatSeconds),
		WorkerHeartbeatInterval: secondsOrDefault(envWorkerHeartbeatSeconds, defaultWorkerHeartbeatSeconds),
		HeartbeatStaleAfter:     secondsOrDefault(envHeartbeatStaleAfter, defaultHeartbeatStaleAfterSeconds),
		WatchdogInterval:        secondsOrDefault(envWatchdogIntervalSeconds, defaultWatchdogIntervalSeconds),
		BotServiceBaseURL:       envOrDefault(envBotServiceBaseURL, defaultBotServiceBaseURL),
		BotRequestTimeout:       floatSecondsOrDefault(envBotRequestTimeoutSeconds, defaultBotRequestTimeoutSeconds),
		BotConnectTimeout:       floatSecondsOrDefault(envBotConnectTimeoutSeconds, defaultBotConnectTimeoutSeconds),
		CompletionWaitTimeout:   floatSecondsOrDefault(envCompletionWaitTimeout, defaultCompletionWaitTimeoutSeconds),
		WorkerConcurrency:       intOrDefault(envWorkerConcurrency, defaultWorkerConcurrency),
		MetadataSchemaPath:      os.Getenv(envMetadataSchemaPath),
		SchemaRegistryURL:       os.Getenv(envSchemaRegistryURL),
		DashboardAddr:           os.Getenv(envDashboardAddr),
		MetricsAddr:             os.Getenv(envMetricsAddr),
		HTTPAddr:                envOrDefault(envHTTPAddr, defaultHTTPAddr),
	}

	if path := os.Getenv(envConfigFile); path != "" {
		if err := applyOverlay(cfg, path); err != nil {
			return nil, fmt.Errorf("config: loading overlay %s: %w", path, err)
		}
	}

	return cfg, nil
}

func applyOverlay(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var o overlay
	if err := yaml.Unmarshal(raw, &o); err != nil {
		return err
	}

	if o.Broker != nil {
		cfg.Broker = *o.Broker
	}
	if o.RedisURL != nil {
		cfg.RedisURL = *o.RedisURL
	}
	if o.NATSURL != nil {
		cfg.NATSURL = *o.NATSURL
	}
	if o.QueueKey != nil {
		cfg.QueueKey = *o.QueueKey
	}
	if o.StatusPrefix != nil {
		cfg.StatusPrefix = *o.StatusPrefix
	}
	if o.ChannelPrefix != nil {
		cfg.ChannelPrefix = *o.ChannelPrefix
	}
	if o.JobTTLSeconds != nil {
		cfg.JobTTL = time.Duration(*o.JobTTLSeconds) * time.Second
	}
	if o.ChunkCharLimit != nil {
		cfg.ChunkCharLimit = *o.ChunkCharLimit
	}
	if o.SSEHeartbeatSeconds != nil {
		cfg.SSEHeartbeatInterval = time.Duration(*o.SSEHeartbeatSeconds) * time.Second
	}
	if o.WorkerHeartbeatSeconds != nil {
		cfg.WorkerHeartbeatInterval = time.Duration(*o.WorkerHeartbeatSeconds) * time.Second
	}
	if o.HeartbeatStaleAfter != nil {
		cfg.HeartbeatStaleAfter = time.Duration(*o.HeartbeatStaleAfter) * time.Second
	}
	if o.WatchdogIntervalSeconds != nil {
		cfg.WatchdogInterval = time.Duration(*o.WatchdogIntervalSeconds) * time.Second
	}
	if o.BotServiceBaseURL != nil {
		cfg.BotServiceBaseURL = *o.BotServiceBaseURL
	}
	if o.BotRequestTimeoutSecs != nil {
		cfg.BotRequestTimeout = time.Duration(*o.BotRequestTimeoutSecs * float64(time.Second))
	}
	if o.BotConnectTimeoutSecs != nil {
		cfg.BotConnectTimeout = time.Duration(*o.BotConnectTimeoutSecs * float64(time.Second))
	}
	if o.CompletionWaitTimeout != nil {
		cfg.CompletionWaitTimeout = time.Duration(*o.CompletionWaitTimeout * float64(time.Second))
	}
	if o.WorkerConcurrency != nil {
		cfg.WorkerConcurrency = *o.WorkerConcurrency
	}
	if o.MetadataSchemaPath != nil {
		cfg.MetadataSchemaPath = *o.MetadataSchemaPath
	}
	if o.SchemaRegistryURL != nil {
		cfg.SchemaRegistryURL = *o.SchemaRegistryURL
	}
	if o.InlineMetadataSchema != nil {
		cfg.InlineMetadataSchema = o.InlineMetadataSchema
	}
	if o.DashboardAddr != nil {
		cfg.DashboardAddr = *o.DashboardAddr
	}
	if o.MetricsAddr != nil {
		cfg.MetricsAddr = *o.MetricsAddr
	}
	if o.HTTPAddr != nil {
		cfg.HTTPAddr = *o.HTTPAddr
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func secondsOrDefault(key string, defSeconds int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return time.Duration(defSeconds) * time.Second
}

func floatSecondsOrDefault(key string, defSeconds float64) time.Duration {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return time.Duration(defSeconds * float64(time.Second))
}
