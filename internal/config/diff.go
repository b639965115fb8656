package config

import (
	"reflect"
	"sort"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	TiersChanged []string

	ApprovalChanged bool
	NewApproval     ApprovalConfig

	SchedulerChanged bool
	NewPollInterval  SchedulerConfig

	LogLevelChanged bool
	NewLogLevel     string

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.TiersChanged) > 0 ||
		d.ApprovalChanged ||
		d.SchedulerChanged ||
		d.LogLevelChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	seen := make(map[string]bool)
	for name := range old.Resources.Tiers {
		seen[name] = true
	}
	for name := range new.Resources.Tiers {
		seen[name] = true
	}
	for name := range seen {
		if !reflect.DeepEqual(old.Resources.Tiers[name], new.Resources.Tiers[name]) {
			d.TiersChanged = append(d.TiersChanged, name)
		}
	}
	sort.Strings(d.TiersChanged)

	if old.Approval != new.Approval {
		d.ApprovalChanged = true
		d.NewApproval = new.Approval
	}

	if old.Scheduler.PollInterval != new.Scheduler.PollInterval {
		d.SchedulerChanged = true
		d.NewPollInterval = new.Scheduler
	}

	if old.Log.Level != new.Log.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Log.Level
	}

	if old.NATS != new.NATS {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.Web.Port != new.Web.Port || old.Web.Enabled != new.Web.Enabled {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.Web.Auth != new.Web.Auth || !reflect.DeepEqual(old.Web.Permissions, new.Web.Permissions) {
		d.NonReloadable = append(d.NonReloadable, "web.auth")
	}
	if old.Telegram.Token != new.Telegram.Token || old.Telegram.ChatID != new.Telegram.ChatID {
		d.NonReloadable = append(d.NonReloadable, "telegram")
	}
	if !reflect.DeepEqual(old.Engine, new.Engine) {
		d.NonReloadable = append(d.NonReloadable, "engine")
	}
	if old.Archive.Dir != new.Archive.Dir {
		d.NonReloadable = append(d.NonReloadable, "archive.dir")
	}

	return d
}
