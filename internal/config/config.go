package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/thatsimonsguy/stiebel-can/internal/endpoint"
)

type MQTT struct {
	Broker      string `json:"broker"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
	Username    string `json:"username"`
	Password    string `json:"password"`
}

type Config struct {
	ConfigFile string
	LogLevel   zerolog.Level
	LogFile    string

	// bus
	Interface    string                `json:"interface"` // socketcan or loopback
	Channel      string                `json:"channel"`
	Bitrate      int                   `json:"bitrate"`
	Endpoints    []endpoint.Descriptor `json:"endpoints"`
	BroadcastIDs []uint32              `json:"broadcast_ids"`

	// protocol timing
	SettleDelayMs  int `json:"settle_delay_ms"`
	ReplyTimeoutMs int `json:"reply_timeout_ms"`
	SendTimeoutMs  int `json:"send_timeout_ms"`

	TemperatureScale     float64 `json:"temperature_scale"`
	PollIntervalSeconds  int     `json:"poll_interval_seconds"`
	OfflineAfterFailures int     `json:"offline_after_failures"`
	CommandRate          float64 `json:"command_rate"`
	CommandBurst         int     `json:"command_burst"`
	LogFrames            bool    `json:"log_frames"`

	// surfaces
	APIPort              int    `json:"api_port"`
	HistoryDB            string `json:"history_db"`
	HistoryRetentionDays int    `json:"history_retention_days"`
	StateFile            string `json:"state_file"`
	MQTT                 MQTT   `json:"mqtt"`

	// observability
	EnableDatadog bool     `json:"enable_datadog"`
	DDAgentAddr   string   `json:"dd_agent_addr"`
	DDNamespace   string   `json:"dd_namespace"`
	DDTags        []string `json:"dd_tags"`
	NtfyTopic     string   `json:"ntfy_topic"`
}

func Load() Config {
	var cfg Config
	var logLevel string

	flag.StringVar(&cfg.ConfigFile, "config-file", "config.json", "Path to bridge config file")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFile, "log-file", "", "Path to log file (default stderr)")
	flag.Parse()

	cfg.LogLevel = parseLogLevel(logLevel)

	file, err := os.Open(cfg.ConfigFile)
	if err != nil {
		panic("Failed to load config file: " + err.Error())
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		panic("Failed to parse config file: " + err.Error())
	}

	cfg.applyDefaults()
	cfg.validate()
	return cfg
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (cfg *Config) applyDefaults() {
	if cfg.Interface == "" {
		cfg.Interface = "socketcan"
	}
	if cfg.Channel == "" {
		cfg.Channel = "can0"
	}
	if cfg.Bitrate == 0 {
		cfg.Bitrate = 125000
	}
	if cfg.SettleDelayMs == 0 {
		cfg.SettleDelayMs = 10
	}
	if cfg.ReplyTimeoutMs == 0 {
		cfg.ReplyTimeoutMs = 500
	}
	if cfg.SendTimeoutMs == 0 {
		cfg.SendTimeoutMs = 100
	}
	if cfg.TemperatureScale == 0 {
		cfg.TemperatureScale = 1
	}
	if cfg.PollIntervalSeconds == 0 {
		cfg.PollIntervalSeconds = 30
	}
	if cfg.OfflineAfterFailures == 0 {
		cfg.OfflineAfterFailures = 5
	}
	if cfg.CommandRate == 0 {
		cfg.CommandRate = 10
	}
	if cfg.CommandBurst == 0 {
		cfg.CommandBurst = 4
	}
	if cfg.APIPort == 0 {
		cfg.APIPort = 8080
	}
	if cfg.HistoryRetentionDays == 0 {
		cfg.HistoryRetentionDays = 30
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "stiebel-can"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "stiebel_eltron_can"
	}
	if cfg.DDAgentAddr == "" {
		cfg.DDAgentAddr = "127.0.0.1:8125"
	}
	if cfg.DDNamespace == "" {
		cfg.DDNamespace = "stiebel_can."
	}
}

func (cfg *Config) validate() {
	var (
		problems  []string
		names     = map[string]int{}
		addresses = map[[2]uint8]string{}
	)

	if cfg.Interface != "socketcan" && cfg.Interface != "loopback" {
		problems = append(problems, fmt.Sprintf("unsupported interface %q", cfg.Interface))
	}
	if len(cfg.Endpoints) == 0 {
		problems = append(problems, "no endpoints configured")
	}

	for i, e := range cfg.Endpoints {
		if strings.TrimSpace(e.Name) == "" {
			problems = append(problems, fmt.Sprintf("endpoints[%d] has no name", i))
			continue
		}
		if j, exists := names[e.Name]; exists {
			problems = append(problems, fmt.Sprintf("endpoints[%d] and endpoints[%d] are both named %q", j, i, e.Name))
		} else {
			names[e.Name] = i
		}

		addr := [2]uint8{e.Module, e.Relay}
		if other, exists := addresses[addr]; exists {
			problems = append(problems, fmt.Sprintf("%s and %s both use module %d relay %d", e.Name, other, e.Module, e.Relay))
		} else {
			addresses[addr] = e.Name
		}
	}

	if cfg.CommandRate < 0 || cfg.CommandBurst < 0 {
		problems = append(problems, "command rate and burst must not be negative")
	}
	if cfg.SendTimeoutMs < 0 || cfg.ReplyTimeoutMs < 0 || cfg.SettleDelayMs < 0 {
		problems = append(problems, "timeouts must not be negative")
	}

	for _, id := range cfg.BroadcastIDs {
		if id > 0x1FFFFFFF {
			problems = append(problems, fmt.Sprintf("broadcast id %#x exceeds 29 bits", id))
		}
	}

	if len(problems) > 0 {
		panic("Invalid config: " + strings.Join(problems, "; "))
	}
}

// EndpointOptions converts the timing settings for the protocol layer.
func (cfg *Config) EndpointOptions() endpoint.Options {
	opts := endpoint.DefaultOptions()
	opts.SettleDelay = time.Duration(cfg.SettleDelayMs) * time.Millisecond
	opts.ReplyTimeout = time.Duration(cfg.ReplyTimeoutMs) * time.Millisecond
	opts.SendTimeout = time.Duration(cfg.SendTimeoutMs) * time.Millisecond
	opts.Decoder.Scale = cfg.TemperatureScale
	return opts
}

func (cfg *Config) PollInterval() time.Duration {
	return time.Duration(cfg.PollIntervalSeconds) * time.Second
}

func (cfg *Config) HistoryRetention() time.Duration {
	return time.Duration(cfg.HistoryRetentionDays) * 24 * time.Hour
}
