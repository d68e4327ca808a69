package config

import (
	"fmt"
	"time"
)

type Config struct {
	Instances   []InstanceConfig  `json:"instances"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Notify      NotifyConfig      `json:"notify"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

// InstanceConfig describes one bot front-end. Each instance has its own token
// and therefore its own media-handle namespace.
type InstanceConfig struct {
	Name  string `json:"name"`
	Token string `json:"token"`
	// RelayChatID is the chat used to re-forward media into this instance's
	// namespace. Zero means relaying INTO this instance is not set up yet.
	RelayChatID int64 `json:"relay_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./catalogbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// NotifyConfig controls the fan-out pipeline.
//
// All durations are Go duration strings (e.g. "30m", "1h").
type NotifyConfig struct {
	Enabled    bool `json:"enabled"`
	Workers    int  `json:"workers,omitempty"`
	RatePerSec int  `json:"rate_per_sec,omitempty"`

	// PerUserLimit/PerUserWindow bound deliveries per subscriber within a
	// rolling window. Defaults: 5 per 1h.
	PerUserLimit  int    `json:"per_user_limit,omitempty"`
	PerUserWindow string `json:"per_user_window,omitempty"`

	NoNotifyCategories []string `json:"no_notify_categories,omitempty"`
	AdminIDs           []int64  `json:"admin_ids,omitempty"`

	StatusMax int    `json:"status_max,omitempty"`
	StatusTTL string `json:"status_ttl,omitempty"`
}

type MaintenanceConfig struct {
	// Schedule is a cron expression; empty disables the maintenance job.
	Schedule string `json:"schedule,omitempty"`
	// AuditRetention is how long delivery audit rows are kept.
	AuditRetention string `json:"audit_retention,omitempty"`
}

// Validate checks cross-field constraints the decoder can't.
func (c *Config) Validate() error {
	if len(c.Instances) == 0 {
		return fmt.Errorf("instances: at least one instance is required")
	}
	seen := map[string]bool{}
	for i, in := range c.Instances {
		if in.Name == "" {
			return fmt.Errorf("instances[%d]: name is required", i)
		}
		if seen[in.Name] {
			return fmt.Errorf("instances[%d]: duplicate name %q", i, in.Name)
		}
		seen[in.Name] = true
		if in.Token == "" {
			return fmt.Errorf("instances[%d] (%s): token is required", i, in.Name)
		}
		if _, err := ParseDurationField(fmt.Sprintf("instances[%d].poll_timeout", i), in.PollTimeout); err != nil {
			return err
		}
	}
	if _, err := ParseDurationField("notify.per_user_window", c.Notify.PerUserWindow); err != nil {
		return err
	}
	if _, err := ParseDurationField("notify.status_ttl", c.Notify.StatusTTL); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("maintenance.audit_retention", c.Maintenance.AuditRetention); err != nil {
		return err
	}
	if c.Notify.Workers < 0 {
		return fmt.Errorf("notify.workers: must be >= 0")
	}
	if c.Notify.RatePerSec < 0 {
		return fmt.Errorf("notify.rate_per_sec: must be >= 0")
	}
	if c.Notify.PerUserLimit < 0 {
		return fmt.Errorf("notify.per_user_limit: must be >= 0")
	}
	return nil
}

// PerUserWindowOr returns the parsed per-user window, or def when unset.
func (n NotifyConfig) PerUserWindowOr(def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("notify.per_user_window", n.PerUserWindow, def)
	if err != nil {
		return def
	}
	return d
}

// StatusTTLOr returns the parsed status TTL, or def when unset.
func (n NotifyConfig) StatusTTLOr(def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("notify.status_ttl", n.StatusTTL, def)
	if err != nil {
		return def
	}
	return d
}
