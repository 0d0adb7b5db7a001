package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// TranscriberConfig is consumed once at pool construction and never re-read.
type TranscriberConfig struct {
	Mode               string `yaml:"mode"` // mock, exec
	Command            string `yaml:"command"`
	ModelSize          string `yaml:"model_size"`
	ModelPath          string `yaml:"model_path"`
	Language           string `yaml:"language"`
	NumWorkers         int    `yaml:"num_workers"`
	QueueCapacity      int    `yaml:"queue_capacity"` // 0 = unbounded
	SampleRate         int    `yaml:"sample_rate"`
	Channels           int    `yaml:"channels"`
	EnableGPU          bool   `yaml:"enable_gpu"`
	GPUBackend         string `yaml:"gpu_backend"` // auto, cuda, directml, cpu
	ComputePrecision   string `yaml:"compute_precision"`
	PreferAMDGPU       bool   `yaml:"prefer_amd_gpu"`
	DirectMLEnabled    bool   `yaml:"directml_enabled"`
	PreferONNXDirectML bool   `yaml:"prefer_onnx_directml"`
	ShutdownTimeoutMS  int    `yaml:"shutdown_timeout_ms"`
}

type ChannelConfig struct {
	Name      string `yaml:"name"`
	Frequency string `yaml:"frequency"`
	StreamURL string `yaml:"stream_url"`
	Color     string `yaml:"color"`
}

type TranscriptStoreConfig struct {
	Path           string `yaml:"path"`
	RetentionMode  string `yaml:"retention_mode"` // ephemeral, persistent
	RetentionDays  int    `yaml:"retention_days"`
	MaxTranscripts int    `yaml:"max_transcripts"`
	VacuumOnStart  bool   `yaml:"vacuum_on_start"`
}

type CorrelatorConfig struct {
	Enabled          bool    `yaml:"enabled"`
	Mode             string  `yaml:"mode"` // mock, ollama
	Endpoint         string  `yaml:"endpoint"`
	Model            string  `yaml:"model"`
	MaxTransmissions int     `yaml:"max_transmissions"`
	RequestTimeoutMS int     `yaml:"request_timeout_ms"`
	Temperature      float64 `yaml:"temperature"`
	MaxTokens        int     `yaml:"max_tokens"`
}

type PluginsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Directory   string `yaml:"directory"`
	Concurrency int    `yaml:"max_concurrency"`
}

type StatusConfig struct {
	PublishIntervalMS int `yaml:"publish_interval_ms"`
}

type Config struct {
	RuntimeName     string                `yaml:"runtime_name"`
	Environment     string                `yaml:"environment"`
	HTTP            HTTPConfig            `yaml:"http"`
	Telemetry       TelemetryConfig       `yaml:"telemetry"`
	Bus             BusConfig             `yaml:"bus"`
	Transcriber     TranscriberConfig     `yaml:"transcriber"`
	Channels        []ChannelConfig       `yaml:"channels"`
	TranscriptStore TranscriptStoreConfig `yaml:"transcript_store"`
	Correlator      CorrelatorConfig      `yaml:"correlator"`
	Plugins         PluginsConfig         `yaml:"plugins"`
	Status          StatusConfig          `yaml:"status"`
}

func Default() Config {
	return Config{
		RuntimeName: "airband-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Transcriber: TranscriberConfig{
			Mode:              "mock",
			ModelSize:         "medium",
			Language:          "en",
			NumWorkers:        2,
			QueueCapacity:     64,
			SampleRate:        16000,
			Channels:          1,
			EnableGPU:         true,
			GPUBackend:        "auto",
			ComputePrecision:  "auto",
			DirectMLEnabled:   true,
			ShutdownTimeoutMS: 15000,
		},
		TranscriptStore: TranscriptStoreConfig{
			Path:           "./data/airband-transcripts.db",
			RetentionMode:  "persistent",
			RetentionDays:  30,
			MaxTranscripts: 100000,
		},
		Correlator: CorrelatorConfig{
			Enabled:          false,
			Mode:             "mock",
			Endpoint:         "http://localhost:11434",
			Model:            "llama3.2:latest",
			MaxTransmissions: 10,
			RequestTimeoutMS: 120000,
			Temperature:      0.8,
			MaxTokens:        4096,
		},
		Plugins: PluginsConfig{
			Enabled:     false,
			Directory:   "./plugins",
			Concurrency: 4,
		},
		Status: StatusConfig{
			PublishIntervalMS: 1000,
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
	overrideString(&cfg.RuntimeName, "AIRBAND_RUNTIME_NAME")
	overrideString(&cfg.Environment, "AIRBAND_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "AIRBAND_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "AIRBAND_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "AIRBAND_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "AIRBAND_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "AIRBAND_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "AIRBAND_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "AIRBAND_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "AIRBAND_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "AIRBAND_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "AIRBAND_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "AIRBAND_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "AIRBAND_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "AIRBAND_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "AIRBAND_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Transcriber.Mode, "AIRBAND_TRANSCRIBER_MODE")
	overrideString(&cfg.Transcriber.Command, "AIRBAND_TRANSCRIBER_COMMAND")
	overrideString(&cfg.Transcriber.ModelSize, "AIRBAND_TRANSCRIBER_MODEL_SIZE")
	overrideString(&cfg.Transcriber.ModelPath, "AIRBAND_TRANSCRIBER_MODEL_PATH")
	overrideString(&cfg.Transcriber.Language, "AIRBAND_TRANSCRIBER_LANGUAGE")
	overrideInt(&cfg.Transcriber.NumWorkers, "AIRBAND_TRANSCRIBER_NUM_WORKERS")
	overrideInt(&cfg.Transcriber.QueueCapacity, "AIRBAND_TRANSCRIBER_QUEUE_CAPACITY")
	overrideInt(&cfg.Transcriber.SampleRate, "AIRBAND_TRANSCRIBER_SAMPLE_RATE")
	overrideInt(&cfg.Transcriber.Channels, "AIRBAND_TRANSCRIBER_CHANNELS")
	overrideBool(&cfg.Transcriber.EnableGPU, "AIRBAND_TRANSCRIBER_ENABLE_GPU")
	overrideString(&cfg.Transcriber.GPUBackend, "AIRBAND_TRANSCRIBER_GPU_BACKEND")
	overrideString(&cfg.Transcriber.ComputePrecision, "AIRBAND_TRANSCRIBER_COMPUTE_PRECISION")
	overrideBool(&cfg.Transcriber.PreferAMDGPU, "AIRBAND_TRANSCRIBER_PREFER_AMD_GPU")
	overrideBool(&cfg.Transcriber.DirectMLEnabled, "AIRBAND_TRANSCRIBER_DIRECTML_ENABLED")
	overrideBool(&cfg.Transcriber.PreferONNXDirectML, "AIRBAND_TRANSCRIBER_PREFER_ONNX_DIRECTML")
	overrideInt(&cfg.Transcriber.ShutdownTimeoutMS, "AIRBAND_TRANSCRIBER_SHUTDOWN_TIMEOUT_MS")
	overrideString(&cfg.TranscriptStore.Path, "AIRBAND_TRANSCRIPT_STORE_PATH")
	overrideString(&cfg.TranscriptStore.RetentionMode, "AIRBAND_TRANSCRIPT_STORE_RETENTION_MODE")
	overrideInt(&cfg.TranscriptStore.RetentionDays, "AIRBAND_TRANSCRIPT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.TranscriptStore.MaxTranscripts, "AIRBAND_TRANSCRIPT_STORE_MAX_TRANSCRIPTS")
	overrideBool(&cfg.TranscriptStore.VacuumOnStart, "AIRBAND_TRANSCRIPT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Correlator.Enabled, "AIRBAND_CORRELATOR_ENABLED")
	overrideString(&cfg.Correlator.Mode, "AIRBAND_CORRELATOR_MODE")
	overrideString(&cfg.Correlator.Endpoint, "AIRBAND_CORRELATOR_ENDPOINT")
	overrideString(&cfg.Correlator.Model, "AIRBAND_CORRELATOR_MODEL")
	overrideInt(&cfg.Correlator.MaxTransmissions, "AIRBAND_CORRELATOR_MAX_TRANSMISSIONS")
	overrideInt(&cfg.Correlator.RequestTimeoutMS, "AIRBAND_CORRELATOR_REQUEST_TIMEOUT_MS")
	overrideFloat(&cfg.Correlator.Temperature, "AIRBAND_CORRELATOR_TEMPERATURE")
	overrideInt(&cfg.Correlator.MaxTokens, "AIRBAND_CORRELATOR_MAX_TOKENS")
	overrideBool(&cfg.Plugins.Enabled, "AIRBAND_PLUGINS_ENABLED")
	overrideString(&cfg.Plugins.Directory, "AIRBAND_PLUGINS_DIRECTORY")
	overrideInt(&cfg.Plugins.Concurrency, "AIRBAND_PLUGINS_MAX_CONCURRENCY")
	overrideInt(&cfg.Status.PublishIntervalMS, "AIRBAND_STATUS_PUBLISH_INTERVAL_MS")
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

var modelSizes = map[string]struct{}{
	"tiny":     {},
	"base":     {},
	"small":    {},
	"medium":   {},
	"large":    {},
	"large-v2": {},
	"large-v3": {},
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	t := cfg.Transcriber
	switch t.Mode {
	case "mock", "exec":
	default:
		return errors.New("transcriber.mode must be one of mock|exec")
	}
	if t.Mode == "exec" && t.Command == "" {
		return errors.New("transcriber.command must be set when mode=exec")
	}
	if _, ok := modelSizes[t.ModelSize]; !ok {
		return errors.New("transcriber.model_size must be one of tiny|base|small|medium|large|large-v2|large-v3")
	}
	if t.NumWorkers <= 0 {
		return errors.New("transcriber.num_workers must be >= 1")
	}
	if t.QueueCapacity < 0 {
		return errors.New("transcriber.queue_capacity must be >= 0 (0 = unbounded)")
	}
	if t.SampleRate <= 0 {
		return errors.New("transcriber.sample_rate must be positive")
	}
	if t.Channels <= 0 {
		return errors.New("transcriber.channels must be positive")
	}
	switch t.GPUBackend {
	case "auto", "cuda", "directml", "cpu":
	default:
		return errors.New("transcriber.gpu_backend must be one of auto|cuda|directml|cpu")
	}
	switch t.ComputePrecision {
	case "auto", "float16", "float32", "int8":
	default:
		return errors.New("transcriber.compute_precision must be one of auto|float16|float32|int8")
	}
	if t.ShutdownTimeoutMS <= 0 {
		return errors.New("transcriber.shutdown_timeout_ms must be positive")
	}
	for i, ch := range cfg.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channels[%d].name must not be empty", i)
		}
		if ch.Frequency == "" {
			return fmt.Errorf("channels[%d].frequency must not be empty", i)
		}
	}
	switch cfg.TranscriptStore.RetentionMode {
	case "ephemeral", "persistent":
	default:
		return errors.New("transcript_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.TranscriptStore.RetentionMode == "persistent" && cfg.TranscriptStore.Path == "" {
		return errors.New("transcript_store.path must not be empty when retention is persistent")
	}
	if cfg.TranscriptStore.RetentionDays < 0 {
		return errors.New("transcript_store.retention_days must be >= 0")
	}
	if cfg.Correlator.Enabled {
		switch cfg.Correlator.Mode {
		case "mock", "ollama":
		default:
			return errors.New("correlator.mode must be one of mock|ollama")
		}
		if cfg.Correlator.Mode == "ollama" && cfg.Correlator.Endpoint == "" {
			return errors.New("correlator.endpoint must be set when mode=ollama")
		}
		if cfg.Correlator.MaxTransmissions <= 0 {
			return errors.New("correlator.max_transmissions must be >= 1")
		}
	}
	if cfg.Plugins.Enabled {
		if cfg.Plugins.Directory == "" {
			return errors.New("plugins.directory must not be empty when plugins are enabled")
		}
		if cfg.Plugins.Concurrency <= 0 {
			return errors.New("plugins.max_concurrency must be >= 1")
		}
	}
	if cfg.Status.PublishIntervalMS <= 0 {
		return errors.New("status.publish_interval_ms must be positive")
	}
	return nil
}
