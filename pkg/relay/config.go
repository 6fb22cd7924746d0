package relay

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig    `mapstructure:"server"`
	Credentials Credentials     `mapstructure:"credentials"`
	Defaults    ProviderConfig  `mapstructure:"defaults"`
	Session     SessionConfig   `mapstructure:"session"`
	Endpoints   EndpointsConfig `mapstructure:"endpoints"`
	LLM         LLMConfig       `mapstructure:"llm"`
	Functions   FunctionsConfig `mapstructure:"functions"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
	Privacy     PrivacyConfig   `mapstructure:"privacy"`
	LogLevel    string          `mapstructure:"log_level"`
	LogFormat   string          `mapstructure:"log_format"`
}

type ServerConfig struct {
	Addr             string   `mapstructure:"addr"`
	WSPath           string   `mapstructure:"ws_path"`
	ParamsTimeoutMS  int      `mapstructure:"params_timeout_ms"`
	ConnectTimeoutMS int      `mapstructure:"connect_timeout_ms"`
	ConnectRetries   int      `mapstructure:"connect_retries"`
	DrainTimeoutMS   int      `mapstructure:"drain_timeout_ms"`
	AllowAnyOrigin   bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	ReadLimitBytes   int64    `mapstructure:"read_limit_bytes"`
}

// Credentials are the vendor API keys, read once at startup.
type Credentials struct {
	Deepgram   string `mapstructure:"deepgram_api_key"`
	ElevenLabs string `mapstructure:"elevenlabs_api_key"`
	OpenAI     string `mapstructure:"openai_api_key"`
	Anthropic  string `mapstructure:"anthropic_api_key"`
}

type SessionConfig struct {
	HistoryTurns   int `mapstructure:"history_turns"`
	TurnQueue      int `mapstructure:"turn_queue"`
	KeepAliveMS    int `mapstructure:"keepalive_ms"`
	CloseGraceMS   int `mapstructure:"close_grace_ms"`
	ClientBuffer   int `mapstructure:"client_buffer"`
	UpstreamQueue  int `mapstructure:"upstream_queue"`
	WriteTimeoutMS int `mapstructure:"write_timeout_ms"`
}

// EndpointsConfig holds vendor base URLs. Tests point them at local fakes.
type EndpointsConfig struct {
	Deepgram      string `mapstructure:"deepgram"`
	DeepgramAgent string `mapstructure:"deepgram_agent"`
	ElevenLabs    string `mapstructure:"elevenlabs"`
	OpenAI        string `mapstructure:"openai"`
	Anthropic     string `mapstructure:"anthropic"`
}

type LLMConfig struct {
	TimeoutMS        int `mapstructure:"timeout_ms"`
	MaxTokens        int `mapstructure:"max_tokens"`
	BreakerThreshold int `mapstructure:"breaker_threshold"`
	BreakerCooldownS int `mapstructure:"breaker_cooldown_s"`
}

type FunctionsConfig struct {
	TimeoutMS int `mapstructure:"timeout_ms"`
	// Dictionary seeds the lookup_word backend: word to definition.
	Dictionary map[string]string `mapstructure:"dictionary"`
}

type MetricsConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	JSONLPath  string  `mapstructure:"jsonl_path"`
	Buffer     int     `mapstructure:"buffer"`
	AudioRatio float64 `mapstructure:"audio_sample_rate"`
}

type PrivacyConfig struct {
	RedactPII   bool `mapstructure:"redact_pii"`
	MaxLogChars int  `mapstructure:"max_log_chars"`
}

var envBindings = map[string]string{
	"credentials.deepgram_api_key":   "DEEPGRAM_API_KEY",
	"credentials.elevenlabs_api_key": "ELEVENLABS_API_KEY",
	"credentials.openai_api_key":     "OPENAI_API_KEY",
	"credentials.anthropic_api_key":  "ANTHROPIC_API_KEY",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.ws_path", "/ws")
	v.SetDefault("server.params_timeout_ms", 100)
	v.SetDefault("server.connect_timeout_ms", 5000)
	v.SetDefault("server.connect_retries", 1)
	v.SetDefault("server.drain_timeout_ms", 10000)
	v.SetDefault("server.allow_any_origin", true)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.read_limit_bytes", 1<<20)
	v.SetDefault("credentials.deepgram_api_key", "")
	v.SetDefault("credentials.elevenlabs_api_key", "")
	v.SetDefault("credentials.openai_api_key", "")
	v.SetDefault("credentials.anthropic_api_key", "")
	v.SetDefault("defaults.mode", string(ModeAgent))
	v.SetDefault("defaults.stt_model", "nova-3")
	v.SetDefault("defaults.tts_provider", "deepgram")
	v.SetDefault("defaults.tts_voice", "aura-2-thalia-en")
	v.SetDefault("defaults.tts_model", "")
	v.SetDefault("defaults.llm_provider", "openai")
	v.SetDefault("defaults.llm_model", "gpt-4o-mini")
	v.SetDefault("defaults.system_prompt", "You are a friendly English tutor. Keep replies short and conversational.")
	v.SetDefault("defaults.greeting", "")
	v.SetDefault("defaults.functions_enabled", true)
	v.SetDefault("defaults.sample_rate_in", 16000)
	v.SetDefault("defaults.sample_rate_out", 24000)
	v.SetDefault("defaults.language", "en")
	v.SetDefault("session.history_turns", 12)
	v.SetDefault("session.turn_queue", 4)
	v.SetDefault("session.keepalive_ms", 5000)
	v.SetDefault("session.close_grace_ms", 2000)
	v.SetDefault("session.client_buffer", 256)
	v.SetDefault("session.upstream_queue", 256)
	v.SetDefault("session.write_timeout_ms", 5000)
	v.SetDefault("endpoints.deepgram", "wss://api.deepgram.com")
	v.SetDefault("endpoints.deepgram_agent", "wss://agent.deepgram.com")
	v.SetDefault("endpoints.elevenlabs", "wss://api.elevenlabs.io")
	v.SetDefault("endpoints.openai", "")
	v.SetDefault("endpoints.anthropic", "")
	v.SetDefault("llm.timeout_ms", 15000)
	v.SetDefault("llm.max_tokens", 300)
	v.SetDefault("llm.breaker_threshold", 3)
	v.SetDefault("llm.breaker_cooldown_s", 30)
	v.SetDefault("functions.timeout_ms", 5000)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.jsonl_path", "")
	v.SetDefault("metrics.buffer", 512)
	v.SetDefault("metrics.audio_sample_rate", 0.01)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("privacy.max_log_chars", 200)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

// DefaultConfig returns the built-in defaults without reading any file or
// environment variable.
func DefaultConfig() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

// LoadConfig reads an optional YAML file, applies environment overrides
// (VOICERELAY_SECTION_KEY and the vendor key variables) and validates.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("VOICERELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, "VOICERELAY_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandValue(reflect.ValueOf(&cfg))

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks structural settings. Missing vendor keys are not an
// error here: they are reported per session, for the modes that need them.
func (c *Config) Validate() error {
	if _, err := ParseMode(string(c.Defaults.Mode)); err != nil {
		return fmt.Errorf("defaults.mode: %w", err)
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with /")
	}
	if c.Server.ParamsTimeoutMS < 0 || c.Server.ConnectTimeoutMS <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}
	if c.Defaults.SampleRateIn <= 0 || c.Defaults.SampleRateOut <= 0 {
		return fmt.Errorf("defaults sample rates must be positive")
	}
	if c.Session.TurnQueue <= 0 {
		return fmt.Errorf("session.turn_queue must be positive")
	}
	return nil
}

func (c ServerConfig) paramsTimeout() time.Duration {
	return time.Duration(c.ParamsTimeoutMS) * time.Millisecond
}

func (c ServerConfig) connectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

func (c ServerConfig) drainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMS) * time.Millisecond
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// expandValue applies os.ExpandEnv to every string reachable from v, so
// config files can reference ${VAR}.
func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				expanded := os.ExpandEnv(v.MapIndex(key).String())
				v.SetMapIndex(key, reflect.ValueOf(expanded).Convert(v.Type().Elem()))
			}
		}
	}
}
