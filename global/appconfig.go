package global

import (
	"os"

	"gopkg.in/yaml.v3"
)

// AppConfig is the widget-shell configuration. Durations are milliseconds,
// matching the wire payloads.
type AppConfig struct {
	GatewayURL string `yaml:"gateway_url"` // ws:// or wss:// endpoint of the chat gateway
	BotBaseURL string `yaml:"bot_base_url"`
	StorageDir string `yaml:"storage_dir"`
	LogLevel   string `yaml:"log_level"`

	DialBackoffMinMS int `yaml:"dial_backoff_min_ms"`
	DialBackoffMaxMS int `yaml:"dial_backoff_max_ms"`
	PingIntervalMS   int `yaml:"ping_interval_ms"`
	PongTimeoutMS    int `yaml:"pong_timeout_ms"`
	WriteWaitMS      int `yaml:"write_wait_ms"`
	TypingIdleMS     int `yaml:"typing_idle_ms"`
	SendQueueSize    int `yaml:"send_queue_size"`
}

// Default returns the config used when no yaml file is present.
func Default() AppConfig {
	return AppConfig{
		GatewayURL:       "ws://127.0.0.1:8700/ws",
		BotBaseURL:       "http://127.0.0.1:8701",
		StorageDir:       ".chatwidget",
		LogLevel:         "info",
		DialBackoffMinMS: 500,
		DialBackoffMaxMS: 10000,
		PingIntervalMS:   25000,
		PongTimeoutMS:    75000,
		WriteWaitMS:      5000,
		TypingIdleMS:     2000,
		SendQueueSize:    256,
	}
}

// Load reads a yaml config file over the defaults. Zero-valued fields keep
// their default.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Default(), err
	}
	cfg.normalize()
	return cfg, nil
}

func (c *AppConfig) normalize() {
	d := Default()
	if c.DialBackoffMinMS <= 0 {
		c.DialBackoffMinMS = d.DialBackoffMinMS
	}
	if c.DialBackoffMaxMS <= 0 {
		c.DialBackoffMaxMS = d.DialBackoffMaxMS
	}
	if c.PingIntervalMS <= 0 {
		c.PingIntervalMS = d.PingIntervalMS
	}
	if c.PongTimeoutMS <= 0 {
		c.PongTimeoutMS = d.PongTimeoutMS
	}
	if c.WriteWaitMS <= 0 {
		c.WriteWaitMS = d.WriteWaitMS
	}
	if c.TypingIdleMS <= 0 {
		c.TypingIdleMS = d.TypingIdleMS
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
}
