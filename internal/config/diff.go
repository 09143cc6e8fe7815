package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CloudKeyChanged is set when cloud.api_key differs. The new key is
	// applied through the backend's credential setter.
	CloudKeyChanged bool
	NewCloudKey     string

	// RestartRequired lists changed sections that only take effect after
	// a restart.
	RestartRequired []string
}

// Empty reports whether d carries no changes.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.CloudKeyChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Cloud.APIKey != new.Cloud.APIKey {
		d.CloudKeyChanged = true
		d.NewCloudKey = new.Cloud.APIKey
	}

	oldCloud, newCloud := old.Cloud, new.Cloud
	oldCloud.APIKey, newCloud.APIKey = "", ""

	for _, s := range []struct {
		name    string
		changed bool
	}{
		{"server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr},
		{"voices_dir", old.VoicesDir != new.VoicesDir},
		{"cloud", oldCloud != newCloud},
		{"local", old.Local != new.Local},
		{"artifacts", old.Artifacts != new.Artifacts},
		{"cache", old.Cache != new.Cache},
		{"chat", old.Chat != new.Chat},
		{"telemetry", old.Telemetry != new.Telemetry},
	} {
		if s.changed {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
