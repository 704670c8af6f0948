package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendGemini = "gemini"
	BackendOllama = "ollama"
	BackendMock   = "mock"

	// DefaultSystemInstruction is the domain policy given to every new
	// conversation. The language rule is appended per session.
	DefaultSystemInstruction = `You are a helpful assistant for Revolt Motors, an Indian electric vehicle company. You should only discuss topics related to:
- Revolt Motors products and services
- Electric vehicles and motorcycles
- Sustainable transportation
- Company information, dealerships, and support
- Technical specifications of Revolt bikes
- Charging infrastructure and battery technology

If users ask about topics unrelated to Revolt Motors or electric vehicles, politely redirect them back to Revolt Motors topics. Keep responses conversational and helpful.`
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind           string   `yaml:"bind"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Config covers both the server and the terminal client. Each binary only
// validates the sections it uses.
type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Backend     BackendConfig    `yaml:"backend"`
	Session     SessionConfig    `yaml:"session"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Client      ClientConfig     `yaml:"client"`
	STT         STTConfig        `yaml:"stt"`
	TTS         TTSConfig        `yaml:"tts"`
}

type BackendConfig struct {
	Mode              string  `yaml:"mode"` // gemini, ollama, mock
	APIKey            string  `yaml:"api_key"`
	Model             string  `yaml:"model"`
	Endpoint          string  `yaml:"endpoint"`
	Temperature       float64 `yaml:"temperature"`
	MaxOutputTokens   int     `yaml:"max_output_tokens"`
	TimeoutMS         int     `yaml:"timeout_ms"`
	SystemInstruction string  `yaml:"system_instruction"`
}

type SessionConfig struct {
	DefaultLanguage    string   `yaml:"default_language"`
	SupportedLanguages []string `yaml:"supported_languages"`
	MaxTurnsPerMinute  int      `yaml:"max_turns_per_minute"`
	TurnBurst          int      `yaml:"turn_burst"`
	MaxMessageBytes    int64    `yaml:"max_message_bytes"`
	PingIntervalMS     int      `yaml:"ping_interval_ms"`
	WriteTimeoutMS     int      `yaml:"write_timeout_ms"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
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

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type ClientConfig struct {
	ServerURL        string `yaml:"server_url"`
	DisplayLanguage  string `yaml:"display_language"`
	ReconnectMaxMS   int    `yaml:"reconnect_max_ms"`
	HandshakeTimeout int    `yaml:"handshake_timeout_ms"`
}

type STTConfig struct {
	Mode           string `yaml:"mode"` // mock, exec
	CaptureCommand string `yaml:"capture_command"`
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	MaxCaptureMS   int    `yaml:"max_capture_ms"`
	MockTranscript string `yaml:"mock_transcript"`
}

type TTSConfig struct {
	Mode          string            `yaml:"mode"` // mock, exec
	Command       string            `yaml:"command"`
	PlayerCommand string            `yaml:"player_command"`
	OutputDir     string            `yaml:"output_dir"`
	Voices        map[string]string `yaml:"voices"`
	SampleRate    int               `yaml:"sample_rate"`
	Channels      int               `yaml:"channels"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           3001,
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Backend: BackendConfig{
			Mode:              BackendGemini,
			Model:             "gemini-1.5-flash",
			Endpoint:          "http://localhost:11434",
			Temperature:       0.7,
			MaxOutputTokens:   1000,
			TimeoutMS:         30000,
			SystemInstruction: DefaultSystemInstruction,
		},
		Session: SessionConfig{
			DefaultLanguage:    "en",
			SupportedLanguages: []string{"en", "hi"},
			MaxTurnsPerMinute:  30,
			TurnBurst:          5,
			MaxMessageBytes:    64 * 1024,
			PingIntervalMS:     20000,
			WriteTimeoutMS:     5000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-voice-1",
			Role:              "voice-gateway",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voice-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Client: ClientConfig{
			ServerURL:        "ws://localhost:3001/ws",
			DisplayLanguage:  "en",
			ReconnectMaxMS:   30000,
			HandshakeTimeout: 5000,
		},
		STT: STTConfig{
			Mode:           "mock",
			SampleRate:     16000,
			Channels:       1,
			MaxCaptureMS:   15000,
			MockTranscript: "Tell me about the RV400",
		},
		TTS: TTSConfig{
			Mode:       "mock",
			SampleRate: 22050,
			Channels:   1,
			Voices: map[string]string{
				"en": "en-US",
				"hi": "hi-IN",
			},
		},
	}
}

// Load reads an optional .env file, the YAML config at path (if any), applies
// environment overrides, and validates the server sections.
func Load(path string) (Config, error) {
	cfg, err := load(path)
	if err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadClient is Load for the terminal client; it skips server-only checks
// such as the backend credential.
func LoadClient(path string) (Config, error) {
	cfg, err := load(path)
	if err != nil {
		return cfg, err
	}
	if err := validateClient(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func load(path string) (Config, error) {
	cfg := Default()

	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

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
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_VOICE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_VOICE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_VOICE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "PORT")
	overrideInt(&cfg.HTTP.Port, "LOQA_VOICE_HTTP_PORT")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "FRONTEND_URL")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "LOQA_VOICE_HTTP_ALLOWED_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_VOICE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_VOICE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_VOICE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_VOICE_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Backend.Mode, "LOQA_VOICE_BACKEND_MODE")
	overrideString(&cfg.Backend.APIKey, "GEMINI_API_KEY")
	overrideString(&cfg.Backend.APIKey, "LOQA_VOICE_BACKEND_API_KEY")
	overrideString(&cfg.Backend.Model, "LOQA_VOICE_BACKEND_MODEL")
	overrideString(&cfg.Backend.Endpoint, "LOQA_VOICE_BACKEND_ENDPOINT")
	overrideFloat(&cfg.Backend.Temperature, "LOQA_VOICE_BACKEND_TEMPERATURE")
	overrideInt(&cfg.Backend.MaxOutputTokens, "LOQA_VOICE_BACKEND_MAX_OUTPUT_TOKENS")
	overrideInt(&cfg.Backend.TimeoutMS, "LOQA_VOICE_BACKEND_TIMEOUT_MS")
	overrideString(&cfg.Backend.SystemInstruction, "LOQA_VOICE_BACKEND_SYSTEM_INSTRUCTION")
	overrideString(&cfg.Session.DefaultLanguage, "LOQA_VOICE_SESSION_DEFAULT_LANGUAGE")
	overrideStringSlice(&cfg.Session.SupportedLanguages, "LOQA_VOICE_SESSION_SUPPORTED_LANGUAGES")
	overrideInt(&cfg.Session.MaxTurnsPerMinute, "LOQA_VOICE_SESSION_MAX_TURNS_PER_MINUTE")
	overrideInt(&cfg.Session.TurnBurst, "LOQA_VOICE_SESSION_TURN_BURST")
	overrideBool(&cfg.Bus.Enabled, "LOQA_VOICE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_VOICE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_VOICE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_VOICE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_VOICE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_VOICE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_VOICE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_VOICE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_VOICE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_VOICE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_VOICE_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_VOICE_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_VOICE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_VOICE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_VOICE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_VOICE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_VOICE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_VOICE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_VOICE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Client.ServerURL, "LOQA_VOICE_CLIENT_SERVER_URL")
	overrideString(&cfg.Client.DisplayLanguage, "LOQA_VOICE_CLIENT_DISPLAY_LANGUAGE")
	overrideInt(&cfg.Client.ReconnectMaxMS, "LOQA_VOICE_CLIENT_RECONNECT_MAX_MS")
	overrideString(&cfg.STT.Mode, "LOQA_VOICE_STT_MODE")
	overrideString(&cfg.STT.CaptureCommand, "LOQA_VOICE_STT_CAPTURE_COMMAND")
	overrideString(&cfg.STT.Command, "LOQA_VOICE_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_VOICE_STT_MODEL_PATH")
	overrideInt(&cfg.STT.SampleRate, "LOQA_VOICE_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_VOICE_STT_CHANNELS")
	overrideInt(&cfg.STT.MaxCaptureMS, "LOQA_VOICE_STT_MAX_CAPTURE_MS")
	overrideString(&cfg.STT.MockTranscript, "LOQA_VOICE_STT_MOCK_TRANSCRIPT")
	overrideString(&cfg.TTS.Mode, "LOQA_VOICE_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_VOICE_TTS_COMMAND")
	overrideString(&cfg.TTS.PlayerCommand, "LOQA_VOICE_TTS_PLAYER_COMMAND")
	overrideString(&cfg.TTS.OutputDir, "LOQA_VOICE_TTS_OUTPUT_DIR")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_VOICE_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_VOICE_TTS_CHANNELS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// ErrMissingCredential is returned when the configured backend needs an API
// key and none was provided. The server refuses to boot without it.
var ErrMissingCredential = errors.New("backend.api_key (or GEMINI_API_KEY) is required when backend.mode=gemini")

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Backend.Mode {
	case BackendGemini:
		if strings.TrimSpace(cfg.Backend.APIKey) == "" {
			return ErrMissingCredential
		}
	case BackendOllama:
		if cfg.Backend.Endpoint == "" {
			return errors.New("backend.endpoint must be set when mode=ollama")
		}
	case BackendMock:
	default:
		return errors.New("backend.mode must be one of gemini|ollama|mock")
	}
	if cfg.Backend.Model == "" && cfg.Backend.Mode != BackendMock {
		return errors.New("backend.model must not be empty")
	}
	if cfg.Backend.MaxOutputTokens < 0 {
		return errors.New("backend.max_output_tokens must be >= 0")
	}
	if cfg.Backend.TimeoutMS <= 0 {
		return errors.New("backend.timeout_ms must be positive")
	}
	if len(cfg.Session.SupportedLanguages) == 0 {
		return errors.New("session.supported_languages must not be empty")
	}
	if !contains(cfg.Session.SupportedLanguages, cfg.Session.DefaultLanguage) {
		return errors.New("session.default_language must be one of session.supported_languages")
	}
	if cfg.Session.MaxTurnsPerMinute < 0 {
		return errors.New("session.max_turns_per_minute must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}

func validateClient(cfg Config) error {
	if cfg.Client.ServerURL == "" {
		return errors.New("client.server_url must not be empty")
	}
	if cfg.Client.DisplayLanguage == "" {
		return errors.New("client.display_language must not be empty")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.CaptureCommand == "" {
			return errors.New("stt.capture_command must be set when mode=exec")
		}
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	switch cfg.TTS.Mode {
	case "mock":
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.PlayerCommand == "" && cfg.TTS.OutputDir == "" {
			return errors.New("tts.player_command or tts.output_dir must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	return nil
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
