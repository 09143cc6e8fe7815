package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/voxbridge/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Cloud.APIKey = "k1"
	cfg.ApplyDefaults()
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	if d := config.Diff(baseConfig(), baseConfig()); !d.Empty() {
		t.Errorf("diff of identical configs = %+v", d)
	}
}

func TestDiff_HotFields(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug
	new.Cloud.APIKey = "k2"

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", d)
	}
	if !d.CloudKeyChanged || d.NewCloudKey != "k2" {
		t.Errorf("cloud key diff = %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("hot changes flagged for restart: %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Local.Workers = 8
	new.Server.ListenAddr = ":9999"
	new.Cloud.BaseURL = "https://proxy"

	d := config.Diff(old, new)
	for _, want := range []string{"local", "server.listen_addr", "cloud"} {
		if !slices.Contains(d.RestartRequired, want) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, want)
		}
	}
	if d.CloudKeyChanged {
		t.Error("base_url change reported as key change")
	}
}
