package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Bind             string `yaml:"bind"`
	Port             int    `yaml:"port"`
	MaxMessageBytes  int64  `yaml:"max_message_bytes"`
	ChunkBytes       int    `yaml:"chunk_bytes"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	MessagesPerSec   int    `yaml:"messages_per_sec"`
	MessageBurst     int    `yaml:"message_burst"`
}

type SynthConfig struct {
	Mode           string  `yaml:"mode"` // mock, exec
	Command        string  `yaml:"command"`
	DefaultVoice   string  `yaml:"default_voice"`
	Rate           int     `yaml:"rate"`
	Volume         float64 `yaml:"volume"`
	Pitch          float64 `yaml:"pitch"`
	MinRate        int     `yaml:"min_rate"`
	MaxRate        int     `yaml:"max_rate"`
	ParamPolicy    string  `yaml:"param_policy"` // clamp, reject
	MaxTextChars   int     `yaml:"max_text_chars"`
	SampleRate     int     `yaml:"sample_rate"`
	Channels       int     `yaml:"channels"`
	SynthTimeoutMS int     `yaml:"synth_timeout_ms"`
	FailFast       bool    `yaml:"fail_fast"`
}

type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

type ShutdownConfig struct {
	DrainGraceMS int `yaml:"drain_grace_ms"`
}

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type Config struct {
	ServiceName string          `yaml:"service_name"`
	Environment string          `yaml:"environment"`
	Server      ServerConfig    `yaml:"server"`
	Synth       SynthConfig     `yaml:"synth"`
	Queue       QueueConfig     `yaml:"queue"`
	Shutdown    ShutdownConfig  `yaml:"shutdown"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Journal     JournalConfig   `yaml:"journal"`
	Bus         BusConfig       `yaml:"bus"`
}

func Default() Config {
	return Config{
		ServiceName: "tts-service",
		Environment: "development",
		Server: ServerConfig{
			Bind:             "0.0.0.0",
			Port:             8765,
			MaxMessageBytes:  10 * 1024 * 1024,
			ChunkBytes:       4096,
			RequestTimeoutMS: 60000,
			MessagesPerSec:   20,
			MessageBurst:     40,
		},
		Synth: SynthConfig{
			Mode:           "mock",
			DefaultVoice:   "en-US",
			Rate:           150,
			Volume:         0.9,
			Pitch:          1.0,
			MinRate:        50,
			MaxRate:        400,
			ParamPolicy:    "clamp",
			MaxTextChars:   10000,
			SampleRate:     22050,
			Channels:       1,
			SynthTimeoutMS: 45000,
		},
		Queue: QueueConfig{
			Capacity: 32,
		},
		Shutdown: ShutdownConfig{
			DrainGraceMS: 10000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Journal: JournalConfig{
			Path:          "./data/tts-jobs.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxJobs:       10000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "TTSD_SERVICE_NAME")
	overrideString(&cfg.Environment, "TTSD_ENVIRONMENT")
	overrideString(&cfg.Server.Bind, "TTSD_SERVER_BIND")
	overrideInt(&cfg.Server.Port, "TTSD_SERVER_PORT")
	overrideInt64(&cfg.Server.MaxMessageBytes, "TTSD_SERVER_MAX_MESSAGE_BYTES")
	overrideInt(&cfg.Server.ChunkBytes, "TTSD_SERVER_CHUNK_BYTES")
	overrideInt(&cfg.Server.RequestTimeoutMS, "TTSD_SERVER_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Server.MessagesPerSec, "TTSD_SERVER_MESSAGES_PER_SEC")
	overrideInt(&cfg.Server.MessageBurst, "TTSD_SERVER_MESSAGE_BURST")
	overrideString(&cfg.Synth.Mode, "TTSD_SYNTH_MODE")
	overrideString(&cfg.Synth.Command, "TTSD_SYNTH_COMMAND")
	overrideString(&cfg.Synth.DefaultVoice, "TTSD_SYNTH_DEFAULT_VOICE")
	overrideInt(&cfg.Synth.Rate, "TTSD_SYNTH_RATE")
	overrideFloat(&cfg.Synth.Volume, "TTSD_SYNTH_VOLUME")
	overrideFloat(&cfg.Synth.Pitch, "TTSD_SYNTH_PITCH")
	overrideInt(&cfg.Synth.MinRate, "TTSD_SYNTH_MIN_RATE")
	overrideInt(&cfg.Synth.MaxRate, "TTSD_SYNTH_MAX_RATE")
	overrideString(&cfg.Synth.ParamPolicy, "TTSD_SYNTH_PARAM_POLICY")
	overrideInt(&cfg.Synth.MaxTextChars, "TTSD_SYNTH_MAX_TEXT_CHARS")
	overrideInt(&cfg.Synth.SampleRate, "TTSD_SYNTH_SAMPLE_RATE")
	overrideInt(&cfg.Synth.Channels, "TTSD_SYNTH_CHANNELS")
	overrideInt(&cfg.Synth.SynthTimeoutMS, "TTSD_SYNTH_TIMEOUT_MS")
	overrideBool(&cfg.Synth.FailFast, "TTSD_SYNTH_FAIL_FAST")
	overrideInt(&cfg.Queue.Capacity, "TTSD_QUEUE_CAPACITY")
	overrideInt(&cfg.Shutdown.DrainGraceMS, "TTSD_SHUTDOWN_DRAIN_GRACE_MS")
	overrideString(&cfg.Telemetry.LogLevel, "TTSD_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "TTSD_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "TTSD_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "TTSD_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Journal.Path, "TTSD_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "TTSD_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "TTSD_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxJobs, "TTSD_JOURNAL_MAX_JOBS")
	overrideBool(&cfg.Journal.VacuumOnStart, "TTSD_JOURNAL_VACUUM_ON_START")
	overrideBool(&cfg.Bus.Enabled, "TTSD_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "TTSD_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "TTSD_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "TTSD_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "TTSD_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "TTSD_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "TTSD_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "TTSD_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "TTSD_BUS_CONNECT_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if cfg.Server.MaxMessageBytes <= 0 {
		return errors.New("server.max_message_bytes must be positive")
	}
	if cfg.Server.ChunkBytes <= 0 {
		return errors.New("server.chunk_bytes must be positive")
	}
	if cfg.Server.RequestTimeoutMS <= 0 {
		return errors.New("server.request_timeout_ms must be positive")
	}
	if cfg.Server.MessagesPerSec <= 0 {
		return errors.New("server.messages_per_sec must be positive")
	}
	switch cfg.Synth.Mode {
	case "mock", "exec":
	default:
		return errors.New("synth.mode must be one of mock|exec")
	}
	if cfg.Synth.Mode == "exec" && cfg.Synth.Command == "" {
		return errors.New("synth.command must be set when mode=exec")
	}
	if cfg.Synth.DefaultVoice == "" {
		return errors.New("synth.default_voice must not be empty")
	}
	switch cfg.Synth.ParamPolicy {
	case "clamp", "reject":
	default:
		return errors.New("synth.param_policy must be one of clamp|reject")
	}
	if cfg.Synth.MinRate <= 0 || cfg.Synth.MaxRate < cfg.Synth.MinRate {
		return errors.New("synth rate bounds must satisfy 0 < min_rate <= max_rate")
	}
	if cfg.Synth.MaxTextChars <= 0 {
		return errors.New("synth.max_text_chars must be positive")
	}
	if cfg.Synth.SampleRate <= 0 {
		return errors.New("synth.sample_rate must be positive")
	}
	if cfg.Synth.Channels <= 0 {
		return errors.New("synth.channels must be positive")
	}
	if cfg.Synth.SynthTimeoutMS <= 0 {
		return errors.New("synth.synth_timeout_ms must be positive")
	}
	if cfg.Queue.Capacity <= 0 {
		return errors.New("queue.capacity must be >= 1")
	}
	if cfg.Shutdown.DrainGraceMS < 0 {
		return errors.New("shutdown.drain_grace_ms must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	return nil
}
