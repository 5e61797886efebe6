package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	cronlib "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/ElSerda/KissBot-sub000/internal/otel"
)

// BotConfig names the bot and describes its chat persona.
type BotConfig struct {
	Name        string `yaml:"name"`
	Personality string `yaml:"personality"`
}

// InferenceParams overrides generation parameters for one prompt context.
// Zero values fall back to the built-in table.
type InferenceParams struct {
	MaxTokens     int      `yaml:"max_tokens"`
	Temperature   float64  `yaml:"temperature"`
	RepeatPenalty float64  `yaml:"repeat_penalty"`
	StopTokens    []string `yaml:"stop_tokens"`
}

// InferenceConfig holds per-context parameter overrides.
type InferenceConfig struct {
	Ask     InferenceParams `yaml:"ask"`
	Mention InferenceParams `yaml:"mention"`
	GenLong InferenceParams `yaml:"gen_long"`
	Joke    InferenceParams `yaml:"joke"`
}

// LLMConfig selects and tunes the language-model backends.
type LLMConfig struct {
	// Provider selects the active backends: "local", "cloud", or "auto" (both).
	Provider      string `yaml:"provider"`
	ModelEndpoint string `yaml:"model_endpoint"`
	ModelName     string `yaml:"model_name"`
	Language      string `yaml:"language"`

	DebugStreaming bool `yaml:"debug_streaming"`
	// Deprecated: use DebugStreaming. Accepts "on"/"off".
	StreamResponseDebug string `yaml:"stream_response_debug"`

	// UsePersonalityOnMention defaults to true; UsePersonalityOnAsk to false.
	UsePersonalityOnMention *bool `yaml:"use_personality_on_mention"`
	UsePersonalityOnAsk     bool  `yaml:"use_personality_on_ask"`

	Inference InferenceConfig `yaml:"inference"`
}

// PersonalityOnMention resolves the pointer flag with its default.
func (l LLMConfig) PersonalityOnMention() bool {
	if l.UsePersonalityOnMention == nil {
		return true
	}
	return *l.UsePersonalityOnMention
}

// APIsConfig holds outbound HTTP API settings.
type APIsConfig struct {
	OpenAIKey string `yaml:"openai_key"`
	// Timeout is the per-request timeout in seconds for Helix calls.
	Timeout  int    `yaml:"timeout"`
	HelixURL string `yaml:"helix_url"`
	ClientID string `yaml:"client_id"`
	AppToken string `yaml:"app_token"`
}

// CooldownsConfig sets per-user cooldowns in seconds.
type CooldownsConfig struct {
	Ask     int `yaml:"ask"`
	Joke    int `yaml:"joke"`
	Mention int `yaml:"mention"`
}

// CommandCacheConfig tunes the joke response cache.
type CommandCacheConfig struct {
	JokeTTL     int `yaml:"joke_ttl"`
	JokeMaxSize int `yaml:"joke_max_size"`
}

// CommandsConfig tunes the command router.
type CommandsConfig struct {
	Prefix    string             `yaml:"prefix"`
	Cooldowns CooldownsConfig    `yaml:"cooldowns"`
	Cache     CommandCacheConfig `yaml:"cache"`
}

// NeuralConfig tunes backend selection and the LLM HTTP clients.
type NeuralConfig struct {
	UCBExplorationFactor float64 `yaml:"ucb_exploration_factor"`
	MinTrialsPerSynapse  int     `yaml:"min_trials_per_synapse"`
	EMAAlphaLocal        float64 `yaml:"ema_alpha_local"`
	EMAAlphaCloud        float64 `yaml:"ema_alpha_cloud"`

	LocalFailureThreshold int `yaml:"local_failure_threshold"`
	LocalRecoveryTime     int `yaml:"local_recovery_time"`
	CloudFailureThreshold int `yaml:"cloud_failure_threshold"`
	CloudRecoveryTime     int `yaml:"cloud_recovery_time"`

	// HTTP timeout budget for the local endpoint, in seconds.
	TimeoutConnect   int `yaml:"timeout_connect"`
	TimeoutInference int `yaml:"timeout_inference"`
	TimeoutWrite     int `yaml:"timeout_write"`
	TimeoutPool      int `yaml:"timeout_pool"`
}

// AnnouncementConfig is one announcement template.
type AnnouncementConfig struct {
	Enabled bool   `yaml:"enabled"`
	Message string `yaml:"message"`
}

// MonitoringConfig selects how stream state is observed.
type MonitoringConfig struct {
	Enabled bool `yaml:"enabled"`
	// Method is "auto" (push with poll fallback), "push", or "poll".
	Method          string `yaml:"method"`
	PollingInterval int    `yaml:"polling_interval"`
	EventSubURL     string `yaml:"eventsub_url"`
}

// AnnouncementsConfig groups announcement templates and monitoring.
type AnnouncementsConfig struct {
	StreamOnline  AnnouncementConfig `yaml:"stream_online"`
	StreamOffline AnnouncementConfig `yaml:"stream_offline"`
	Monitoring    MonitoringConfig   `yaml:"monitoring"`
}

// TimerConfig is one scheduled chat message.
type TimerConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // 5-field cron expression
	Channel  string `yaml:"channel"`
	Message  string `yaml:"message"`
}

// StatusConfig configures the local HTTP status endpoints.
type StatusConfig struct {
	// BindAddr is the listen address. Empty disables the server.
	BindAddr string `yaml:"bind_addr"`
}

// Config is the root KissBot configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Bot           BotConfig           `yaml:"bot"`
	LLM           LLMConfig           `yaml:"llm"`
	APIs          APIsConfig          `yaml:"apis"`
	Commands      CommandsConfig      `yaml:"commands"`
	Neural        NeuralConfig        `yaml:"neural_llm"`
	Announcements AnnouncementsConfig `yaml:"announcements"`
	Channels      []string            `yaml:"channels"`
	Timers        []TimerConfig       `yaml:"timers"`
	Status        StatusConfig        `yaml:"status"`
	Telemetry     otel.Config         `yaml:"telemetry"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir resolves the KissBot home directory ($KISSBOT_HOME or ~/.kissbot).
func HomeDir() string {
	if override := os.Getenv("KISSBOT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".kissbot")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Bot: BotConfig{
			Name:        "kissbot",
			Personality: "cheeky but kind Twitch companion",
		},
		LLM: LLMConfig{
			Provider:      "auto",
			ModelEndpoint: "http://127.0.0.1:1234/v1/chat/completions",
			ModelName:     "local-model",
			Language:      "en",
		},
		APIs: APIsConfig{
			Timeout:  8,
			HelixURL: "https://api.twitch.tv/helix",
		},
		Commands: CommandsConfig{
			Prefix:    "!",
			Cooldowns: CooldownsConfig{Ask: 30, Joke: 60, Mention: 15},
			Cache:     CommandCacheConfig{JokeTTL: 300, JokeMaxSize: 100},
		},
		Neural: NeuralConfig{
			UCBExplorationFactor:  1.4,
			MinTrialsPerSynapse:   3,
			EMAAlphaLocal:         0.1,
			EMAAlphaCloud:         0.2,
			LocalFailureThreshold: 3,
			LocalRecoveryTime:     60,
			CloudFailureThreshold: 3,
			CloudRecoveryTime:     120,
			TimeoutConnect:        5,
			TimeoutInference:      30,
			TimeoutWrite:          10,
			TimeoutPool:           90,
		},
		Announcements: AnnouncementsConfig{
			StreamOnline: AnnouncementConfig{
				Enabled: true,
				Message: "🔴 {channel} is live — {title} [{game_name}]",
			},
			StreamOffline: AnnouncementConfig{
				Enabled: false,
				Message: "{channel} has gone offline. Thanks for watching!",
			},
			Monitoring: MonitoringConfig{
				Enabled:         true,
				Method:          "auto",
				PollingInterval: 60,
				EventSubURL:     "wss://eventsub.wss.twitch.tv/ws",
			},
		},
		Status: StatusConfig{BindAddr: "127.0.0.1:18790"},
	}
}

// Load reads config.yaml from path (or the default location when path is
// empty), applies env overrides, fills defaults, and validates. A missing
// file yields the defaults.
func Load(path string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create kissbot home: %w", err)
	}

	if path == "" {
		path = ConfigPath(cfg.HomeDir)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("KISSBOT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("KISSBOT_BOT_NAME"); raw != "" {
		cfg.Bot.Name = raw
	}
	if raw := os.Getenv("KISSBOT_MODEL_ENDPOINT"); raw != "" {
		cfg.LLM.ModelEndpoint = raw
	}
	if raw := os.Getenv("OPENAI_API_KEY"); raw != "" {
		cfg.APIs.OpenAIKey = raw
	}
	if raw := os.Getenv("TWITCH_CLIENT_ID"); raw != "" {
		cfg.APIs.ClientID = raw
	}
	if raw := os.Getenv("TWITCH_APP_TOKEN"); raw != "" {
		cfg.APIs.AppToken = raw
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Bot.Name) == "" {
		cfg.Bot.Name = "kissbot"
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "auto"
	}
	if cfg.LLM.ModelEndpoint == "" {
		cfg.LLM.ModelEndpoint = "http://127.0.0.1:1234/v1/chat/completions"
	}
	if cfg.LLM.ModelName == "" {
		cfg.LLM.ModelName = "local-model"
	}
	if cfg.LLM.Language == "" {
		cfg.LLM.Language = "en"
	}
	// Legacy alias: stream_response_debug: on|off.
	switch strings.ToLower(strings.TrimSpace(cfg.LLM.StreamResponseDebug)) {
	case "on", "true", "1":
		cfg.LLM.DebugStreaming = true
	}

	if cfg.APIs.Timeout <= 0 {
		cfg.APIs.Timeout = 8
	}
	if cfg.APIs.HelixURL == "" {
		cfg.APIs.HelixURL = "https://api.twitch.tv/helix"
	}

	if cfg.Commands.Prefix == "" {
		cfg.Commands.Prefix = "!"
	}
	if cfg.Commands.Cooldowns.Ask == 0 {
		cfg.Commands.Cooldowns.Ask = 30
	}
	if cfg.Commands.Cooldowns.Joke == 0 {
		cfg.Commands.Cooldowns.Joke = 60
	}
	if cfg.Commands.Cooldowns.Mention == 0 {
		cfg.Commands.Cooldowns.Mention = 15
	}
	if cfg.Commands.Cache.JokeTTL <= 0 {
		cfg.Commands.Cache.JokeTTL = 300
	}
	if cfg.Commands.Cache.JokeMaxSize <= 0 {
		cfg.Commands.Cache.JokeMaxSize = 100
	}

	n := &cfg.Neural
	if n.UCBExplorationFactor == 0 {
		n.UCBExplorationFactor = 1.4
	}
	if n.MinTrialsPerSynapse <= 0 {
		n.MinTrialsPerSynapse = 3
	}
	if n.EMAAlphaLocal == 0 {
		n.EMAAlphaLocal = 0.1
	}
	if n.EMAAlphaCloud == 0 {
		n.EMAAlphaCloud = 0.2
	}
	if n.LocalFailureThreshold <= 0 {
		n.LocalFailureThreshold = 3
	}
	if n.LocalRecoveryTime <= 0 {
		n.LocalRecoveryTime = 60
	}
	if n.CloudFailureThreshold <= 0 {
		n.CloudFailureThreshold = 3
	}
	if n.CloudRecoveryTime <= 0 {
		n.CloudRecoveryTime = 120
	}
	if n.TimeoutConnect <= 0 {
		n.TimeoutConnect = 5
	}
	if n.TimeoutInference <= 0 {
		n.TimeoutInference = 30
	}
	if n.TimeoutWrite <= 0 {
		n.TimeoutWrite = 10
	}
	if n.TimeoutPool <= 0 {
		n.TimeoutPool = 90
	}

	m := &cfg.Announcements.Monitoring
	m.Method = strings.ToLower(strings.TrimSpace(m.Method))
	if m.Method == "" {
		m.Method = "auto"
	}
	if m.PollingInterval == 0 {
		m.PollingInterval = 60
	}
	if m.EventSubURL == "" {
		m.EventSubURL = "wss://eventsub.wss.twitch.tv/ws"
	}
	if cfg.Announcements.StreamOnline.Message == "" {
		cfg.Announcements.StreamOnline.Message = "🔴 {channel} is live — {title} [{game_name}]"
	}
	if cfg.Announcements.StreamOffline.Message == "" {
		cfg.Announcements.StreamOffline.Message = "{channel} has gone offline. Thanks for watching!"
	}

	// Channel logins are matched lowercase everywhere.
	seen := make(map[string]bool, len(cfg.Channels))
	channels := cfg.Channels[:0]
	for _, ch := range cfg.Channels {
		ch = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(ch, "#")))
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		channels = append(channels, ch)
	}
	cfg.Channels = channels

	for i := range cfg.Timers {
		cfg.Timers[i].Channel = strings.ToLower(strings.TrimSpace(cfg.Timers[i].Channel))
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "kissbot"
	}
}

func validate(cfg *Config) error {
	switch cfg.LLM.Provider {
	case "local", "cloud", "auto":
	default:
		return fmt.Errorf("llm.provider (%q) must be one of local, cloud, auto", cfg.LLM.Provider)
	}
	if cfg.LLM.Provider == "cloud" && cfg.APIs.OpenAIKey == "" {
		return fmt.Errorf("apis.openai_key is required when llm.provider is cloud (set OPENAI_API_KEY)")
	}

	switch cfg.Announcements.Monitoring.Method {
	case "auto", "push", "poll":
	default:
		return fmt.Errorf("announcements.monitoring.method (%q) must be one of auto, push, poll",
			cfg.Announcements.Monitoring.Method)
	}
	if cfg.Announcements.Monitoring.PollingInterval < 15 {
		return fmt.Errorf("announcements.monitoring.polling_interval (%d) must be at least 15 seconds",
			cfg.Announcements.Monitoring.PollingInterval)
	}
	if cfg.Announcements.Monitoring.Enabled && len(cfg.Channels) == 0 {
		return fmt.Errorf("channels must list at least one channel when announcements.monitoring.enabled is true")
	}

	if cfg.Commands.Cooldowns.Ask < 0 || cfg.Commands.Cooldowns.Joke < 0 || cfg.Commands.Cooldowns.Mention < 0 {
		return fmt.Errorf("commands.cooldowns values must not be negative")
	}
	if cfg.Neural.UCBExplorationFactor <= 0 {
		return fmt.Errorf("neural_llm.ucb_exploration_factor (%g) must be positive", cfg.Neural.UCBExplorationFactor)
	}
	if a := cfg.Neural.EMAAlphaLocal; a <= 0 || a > 1 {
		return fmt.Errorf("neural_llm.ema_alpha_local (%g) must be in (0, 1]", a)
	}
	if a := cfg.Neural.EMAAlphaCloud; a <= 0 || a > 1 {
		return fmt.Errorf("neural_llm.ema_alpha_cloud (%g) must be in (0, 1]", a)
	}

	parser := cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)
	for _, tm := range cfg.Timers {
		if strings.TrimSpace(tm.Name) == "" {
			return fmt.Errorf("timers entries must have a name")
		}
		if tm.Channel == "" {
			return fmt.Errorf("timers.%s.channel must not be empty", tm.Name)
		}
		if strings.TrimSpace(tm.Message) == "" {
			return fmt.Errorf("timers.%s.message must not be empty", tm.Name)
		}
		if _, err := parser.Parse(tm.Schedule); err != nil {
			return fmt.Errorf("timers.%s.schedule (%q): %w", tm.Name, tm.Schedule, err)
		}
	}
	return nil
}

// Fingerprint returns a stable hash of the whole normalized config.
func (c Config) Fingerprint() string {
	return hashConfig(c)
}

// CoreFingerprint hashes the config with the hot-reloadable sections zeroed
// (cooldowns, announcement templates, timers). Monitoring stays in the core:
// switching the observation method needs a restart. If two configs share a
// CoreFingerprint, switching between them does not require one.
func (c Config) CoreFingerprint() string {
	c.Commands.Cooldowns = CooldownsConfig{}
	c.Announcements.StreamOnline = AnnouncementConfig{}
	c.Announcements.StreamOffline = AnnouncementConfig{}
	c.Timers = nil
	return hashConfig(c)
}

func hashConfig(c Config) string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "cfg-unhashable"
	}
	h := fnv.New64a()
	h.Write(out)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
