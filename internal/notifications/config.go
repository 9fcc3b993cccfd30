package notifications

import (
	"errors"
	"time"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/config"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/events"
)

// Config holds the configuration for the notification service
type Config struct {
	WebhookURL    string
	WebhookSecret string

	// Events limits webhook forwarding; empty forwards every event type.
	Events []events.EventType

	MaxRetries       int
	RetryBackoffBase time.Duration
	RetryQueueSize   int
	DeliveryTimeout  time.Duration
}

// FromSettings builds the service configuration from the loaded settings.
func FromSettings(s config.NotificationsConfig) *Config {
	cfg := &Config{
		WebhookURL:       s.WebhookURL,
		WebhookSecret:    s.WebhookSecret,
		MaxRetries:       s.MaxRetries,
		RetryBackoffBase: time.Second,
		RetryQueueSize:   1000,
		DeliveryTimeout:  s.Timeout,
	}
	for _, e := range s.Events {
		cfg.Events = append(cfg.Events, events.EventType(e))
	}
	return cfg
}

// WebhookEnabled reports whether events leave the process at all.
func (c *Config) WebhookEnabled() bool {
	return c.WebhookURL != ""
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if !c.WebhookEnabled() {
		return nil
	}
	if c.WebhookSecret == "" {
		return errors.New("webhook secret is required when a webhook url is set")
	}
	if c.MaxRetries < 0 {
		return errors.New("max retries cannot be negative")
	}
	if c.RetryBackoffBase <= 0 {
		return errors.New("retry backoff must be positive")
	}
	if c.RetryQueueSize <= 0 {
		return errors.New("retry queue size must be positive")
	}
	if c.DeliveryTimeout <= 0 {
		return errors.New("delivery timeout must be positive")
	}
	return nil
}

// Forwards reports whether events of type t go to the webhook.
func (c *Config) Forwards(t events.EventType) bool {
	if !c.WebhookEnabled() {
		return false
	}
	if len(c.Events) == 0 {
		return true
	}
	for _, e := range c.Events {
		if e == t {
			return true
		}
	}
	return false
}
