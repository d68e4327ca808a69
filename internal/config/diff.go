package config

import (
	"reflect"
	"strings"

	logx "catalogbot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	// Instances (never log tokens)
	if instancesChanged(oldCfg.Instances, newCfg.Instances) {
		changed = append(changed, "instances")
		attrs = append(attrs, logx.Int("instances.count", len(newCfg.Instances)))
		relays := 0
		for _, in := range newCfg.Instances {
			if in.RelayChatID != 0 {
				relays++
			}
		}
		attrs = append(attrs, logx.Int("instances.with_relay", relays))
	}

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Storage
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	// Notify
	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", newCfg.Notify.Enabled),
			logx.Int("notify.workers", newCfg.Notify.Workers),
			logx.Int("notify.rate_per_sec", newCfg.Notify.RatePerSec),
			logx.Int("notify.per_user_limit", newCfg.Notify.PerUserLimit),
			logx.String("notify.per_user_window", strings.TrimSpace(newCfg.Notify.PerUserWindow)),
			logx.Int("notify.no_notify_count", len(newCfg.Notify.NoNotifyCategories)),
			logx.Int("notify.admin_count", len(newCfg.Notify.AdminIDs)),
		)
	}

	// Maintenance
	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.schedule", strings.TrimSpace(newCfg.Maintenance.Schedule)),
			logx.String("maintenance.audit_retention", strings.TrimSpace(newCfg.Maintenance.AuditRetention)),
		)
	}

	return changed, attrs
}

func instancesChanged(oldL, newL []InstanceConfig) bool {
	if len(oldL) != len(newL) {
		return true
	}
	for i := range oldL {
		if oldL[i] != newL[i] {
			return true
		}
	}
	return false
}
