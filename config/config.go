// Package config assembles the process configuration from the environment.
// All values are read once at startup and passed explicitly into the
// components that need them; business logic never consults the
// environment directly.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Channel names used by the push transport. The bridge never creates or
// destroys channels; these are just the destinations it publishes to.
type Channels struct {
	GPS        string `json:"gps"`
	Public     string `json:"public"`
	Chat       string `json:"chat"`
	LikePrefix string `json:"like_prefix"`
}

// Broker holds inbound MQTT transport settings.
type Broker struct {
	URL            string        `json:"url"`
	Topic          string        `json:"topic"`
	ClientID       string        `json:"client_id"`
	KeepAlive      time.Duration `json:"keep_alive"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
}

// Answering holds settings for the external answering collaborator.
// An empty APIKey disables ask-and-store mode without failing startup.
type Answering struct {
	APIKey         string        `json:"-"`
	BaseURL        string        `json:"base_url"`
	Model          string        `json:"model"`
	MaxTokens      int           `json:"max_tokens"`
	Temperature    float32       `json:"temperature"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

// Enabled reports whether ask-and-store mode can reach the upstream service.
func (a Answering) Enabled() bool {
	return a.APIKey != ""
}

// Config is the process configuration, assembled once in main.
type Config struct {
	NATSURL   string    `json:"nats_url"`
	HTTPAddr  string    `json:"http_addr"`
	Broker    Broker    `json:"broker"`
	Channels  Channels  `json:"channels"`
	Answering Answering `json:"answering"`

	// KV bucket names
	LikesBucket string `json:"likes_bucket"`
	ChatBucket  string `json:"chat_bucket"`
	NotesBucket string `json:"notes_bucket"`
}

// Default returns the configuration defaults before environment overrides.
func Default() Config {
	return Config{
		NATSURL:  "nats://localhost:4222",
		HTTPAddr: ":8080",
		Broker: Broker{
			URL:            "tcp://localhost:1883",
			Topic:          "#",
			ClientID:       "fieldbridge",
			KeepAlive:      60 * time.Second,
			ConnectTimeout: 30 * time.Second,
		},
		Channels: Channels{
			GPS:        "/topic/gps",
			Public:     "/topic/public",
			Chat:       "/topic/chat",
			LikePrefix: "/topic/like/",
		},
		Answering: Answering{
			Model:          "gpt-4o-mini",
			MaxTokens:      150,
			Temperature:    0.8,
			RequestTimeout: 20 * time.Second,
		},
		LikesBucket: "likes",
		ChatBucket:  "chat",
		NotesBucket: "notes",
	}
}

// FromEnv builds a Config from defaults plus FIELDBRIDGE_* environment
// variable overrides.
func FromEnv() (Config, error) {
	cfg := Default()

	setString(&cfg.NATSURL, "FIELDBRIDGE_NATS_URL")
	setString(&cfg.HTTPAddr, "FIELDBRIDGE_HTTP_ADDR")
	setString(&cfg.Broker.URL, "FIELDBRIDGE_BROKER_URL")
	setString(&cfg.Broker.Topic, "FIELDBRIDGE_BROKER_TOPIC")
	setString(&cfg.Broker.ClientID, "FIELDBRIDGE_BROKER_CLIENT_ID")
	setDuration(&cfg.Broker.KeepAlive, "FIELDBRIDGE_BROKER_KEEP_ALIVE")
	setDuration(&cfg.Broker.ConnectTimeout, "FIELDBRIDGE_BROKER_CONNECT_TIMEOUT")
	setString(&cfg.Channels.GPS, "FIELDBRIDGE_CHANNEL_GPS")
	setString(&cfg.Channels.Public, "FIELDBRIDGE_CHANNEL_PUBLIC")
	setString(&cfg.Channels.Chat, "FIELDBRIDGE_CHANNEL_CHAT")
	setString(&cfg.Channels.LikePrefix, "FIELDBRIDGE_CHANNEL_LIKE_PREFIX")
	setString(&cfg.Answering.APIKey, "OPENAI_API_KEY")
	setString(&cfg.Answering.BaseURL, "FIELDBRIDGE_OPENAI_BASE_URL")
	setString(&cfg.Answering.Model, "FIELDBRIDGE_ANSWER_MODEL")
	setDuration(&cfg.Answering.RequestTimeout, "FIELDBRIDGE_ANSWER_TIMEOUT")
	setString(&cfg.LikesBucket, "FIELDBRIDGE_LIKES_BUCKET")
	setString(&cfg.ChatBucket, "FIELDBRIDGE_CHAT_BUCKET")
	setString(&cfg.NotesBucket, "FIELDBRIDGE_NOTES_BUCKET")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that would prevent startup.
// A missing answering credential is deliberately not an error.
func (c Config) Validate() error {
	if c.NATSURL == "" {
		return fmt.Errorf("nats url is required")
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("http listen address is required")
	}
	if c.Broker.URL == "" {
		return fmt.Errorf("broker url is required")
	}
	if c.Broker.Topic == "" {
		return fmt.Errorf("broker topic filter is required")
	}
	for name, ch := range map[string]string{
		"gps":         c.Channels.GPS,
		"public":      c.Channels.Public,
		"chat":        c.Channels.Chat,
		"like prefix": c.Channels.LikePrefix,
	} {
		if ch == "" {
			return fmt.Errorf("%s channel name is required", name)
		}
	}
	if !strings.HasSuffix(c.Channels.LikePrefix, "/") {
		return fmt.Errorf("like prefix must end with '/': %q", c.Channels.LikePrefix)
	}
	if c.Answering.RequestTimeout <= 0 {
		return fmt.Errorf("answering request timeout must be positive")
	}
	for name, bucket := range map[string]string{
		"likes": c.LikesBucket,
		"chat":  c.ChatBucket,
		"notes": c.NotesBucket,
	} {
		if bucket == "" {
			return fmt.Errorf("%s bucket name is required", name)
		}
	}
	return nil
}

// LikeChannel returns the push channel name for a counter id.
func (c Channels) LikeChannel(id string) string {
	return c.LikePrefix + id
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
