package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"meetscribe/internal/common"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Gateway  GatewayConfig  `yaml:"gateway"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr            string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	MaxUploadSize   ByteSize      `yaml:"maxUploadSize"`
	WorkerCount     int           `yaml:"workerCount"` // concurrent jobs in serve mode
	StorageDir      string        `yaml:"storageDir"`
	APIKey          string        `yaml:"apiKey"`          // optional static API key header (X-API-Key)
	ShutdownGrace   time.Duration `yaml:"shutdownGrace"`   // time to wait for workers before forced stop
	CallbackRetries int           `yaml:"callbackRetries"` // number of completion callback attempts
	CallbackBackoff time.Duration `yaml:"callbackBackoff"` // base backoff duration between callback attempts
	LogLevel        string        `yaml:"logLevel"`        // debug|info|warn|error
}

// PreviewConfig bounds the input assembled for the final analysis stage.
type PreviewConfig struct {
	Enabled            bool `yaml:"enabled"`
	MaxDurationSeconds int  `yaml:"maxDurationSeconds"`
	MaxCharacters      int  `yaml:"maxCharacters"`
	MaxTokens          int  `yaml:"maxTokens"`
}

// PipelineConfig holds segmenting and orchestration settings.
type PipelineConfig struct {
	ChunkSeconds   int           `yaml:"chunkSeconds"`   // fixed segment duration for the splitter
	StartIndex     int           `yaml:"startIndex"`     // 1-based first segment to process
	MaxSegments    int           `yaml:"maxSegments"`    // 0 = no limit
	SegmentWorkers int           `yaml:"segmentWorkers"` // bounded concurrent segment dispatch
	Preview        PreviewConfig `yaml:"preview"`
}

// GatewayConfig selects the external service provider and tunes retry and
// rate-limit behavior.
type GatewayConfig struct {
	Provider        string         `yaml:"provider"` // "openai" or "mock"
	MaxAttempts     int            `yaml:"maxAttempts"`
	BaseBackoff     time.Duration  `yaml:"baseBackoff"`
	MaxBackoff      time.Duration  `yaml:"maxBackoff"`
	MinCallInterval time.Duration  `yaml:"minCallInterval"` // global spacing between outbound calls
	CallTimeout     time.Duration  `yaml:"callTimeout"`
	OpenAI          OpenAISettings `yaml:"openai"`
	Mock            MockSettings   `yaml:"mock"`
}

// OpenAISettings config for the OpenAI provider.
type OpenAISettings struct {
	APIKey          string  `yaml:"apiKey"`          // supports env expansion, e.g. ${OPENAI_API_KEY}
	TranscribeModel string  `yaml:"transcribeModel"` // e.g. whisper-1
	ChatModel       string  `yaml:"chatModel"`       // e.g. gpt-4o-mini
	Temperature     float64 `yaml:"temperature"`
	MaxTokens       int     `yaml:"maxTokens"`
}

// MockSettings config for the mock provider used in tests and local runs.
type MockSettings struct {
	Delay  time.Duration `yaml:"delay"`
	Prefix string        `yaml:"prefix"`
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		str := strings.TrimSpace(value.Value)
		parsed, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style quantities for binary units: Ki, Mi, Gi (case-insensitive).
// Also accepts KiB/MiB/GiB and decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	// Normalize to upper for suffix matching but keep numeric part as-is
	up := strings.ToUpper(s)

	type unit struct {
		suffix string
		value  uint64
	}
	units := []unit{
		// Kubernetes binary-style without 'B'
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		// Binary with B
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		// Decimal
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var MEETSCRIBE_CONFIG, then default to "config.yaml".
func Load(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv("MEETSCRIBE_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	// Expand environment variables in file content.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	// Ensure storage dir exists
	if cfg.Server.StorageDir != "" {
		if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
			return nil, fmt.Errorf("ensure storage_dir: %w", err)
		}
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = ByteSize(512 * 1024 * 1024) // recordings are large
	}
	if cfg.Server.WorkerCount <= 0 {
		cfg.Server.WorkerCount = common.DefaultWorkerCount
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if cfg.Server.CallbackRetries == 0 {
		cfg.Server.CallbackRetries = 3
	}
	if cfg.Server.CallbackBackoff == 0 {
		cfg.Server.CallbackBackoff = 2 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	// Pipeline defaults
	if cfg.Pipeline.ChunkSeconds <= 0 {
		cfg.Pipeline.ChunkSeconds = common.DefaultChunkSeconds
	}
	if cfg.Pipeline.StartIndex <= 0 {
		cfg.Pipeline.StartIndex = 1
	}
	if cfg.Pipeline.SegmentWorkers <= 0 {
		cfg.Pipeline.SegmentWorkers = common.DefaultSegmentWorkers
	}
	if cfg.Pipeline.Preview.MaxDurationSeconds <= 0 {
		cfg.Pipeline.Preview.MaxDurationSeconds = 600
	}
	if cfg.Pipeline.Preview.MaxCharacters <= 0 {
		cfg.Pipeline.Preview.MaxCharacters = 8000
	}

	// Gateway defaults
	if cfg.Gateway.Provider == "" {
		cfg.Gateway.Provider = "openai"
	}
	if cfg.Gateway.MaxAttempts <= 0 {
		cfg.Gateway.MaxAttempts = 3
	}
	if cfg.Gateway.BaseBackoff == 0 {
		cfg.Gateway.BaseBackoff = 2 * time.Second
	}
	if cfg.Gateway.MaxBackoff == 0 {
		cfg.Gateway.MaxBackoff = 32 * time.Second
	}
	if cfg.Gateway.MinCallInterval == 0 {
		cfg.Gateway.MinCallInterval = 500 * time.Millisecond
	}
	if cfg.Gateway.CallTimeout == 0 {
		cfg.Gateway.CallTimeout = 2 * time.Minute
	}
	if strings.EqualFold(cfg.Gateway.Provider, "openai") {
		if strings.TrimSpace(cfg.Gateway.OpenAI.APIKey) == "" {
			cfg.Gateway.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
		}
		if strings.TrimSpace(cfg.Gateway.OpenAI.TranscribeModel) == "" {
			cfg.Gateway.OpenAI.TranscribeModel = "whisper-1"
		}
		if strings.TrimSpace(cfg.Gateway.OpenAI.ChatModel) == "" {
			cfg.Gateway.OpenAI.ChatModel = "gpt-4o-mini"
		}
	}
	if cfg.Gateway.Mock.Prefix == "" {
		cfg.Gateway.Mock.Prefix = "Transcribed by Mock"
	}
}

func validate(cfg *Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Gateway.Provider)) {
	case "openai":
		if strings.TrimSpace(cfg.Gateway.OpenAI.APIKey) == "" {
			return errors.New("gateway.openai.apiKey is required (or set OPENAI_API_KEY)")
		}
	case "mock":
		// nothing to validate
	default:
		return fmt.Errorf("unsupported gateway provider %q", cfg.Gateway.Provider)
	}

	if cfg.Pipeline.StartIndex < 1 {
		return errors.New("pipeline.startIndex must be >= 1")
	}
	if cfg.Pipeline.MaxSegments < 0 {
		return errors.New("pipeline.maxSegments must be >= 0")
	}
	return nil
}
