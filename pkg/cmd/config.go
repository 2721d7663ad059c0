package cmd

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/patchverify/patchverify/pkg/history"
	"github.com/patchverify/patchverify/pkg/notify"
	"github.com/patchverify/patchverify/pkg/types"
	"github.com/patchverify/patchverify/pkg/verdict"
)

const (
	sandboxProcess = "process"
	sandboxDocker  = "docker"
)

var knownSources = []string{"osv", "nvd", "file"}

// Config is the typed view of the viper keys.
type Config struct {
	DB history.StoreConfig

	Sources    []string
	OSVURL     string
	NVDURL     string
	NVDAPIKey  string
	GitHubURL  string
	GitHubTok  string
	FeedDir    string
	NPMURL     string
	PyPIURL    string
	CacheSize  int
	Workers    int
	Timeouts   types.Timeouts
	Retry      types.RetryPolicy
	Policy     verdict.Policy
	Probe      ProbeConfig
	Notify     NotifyConfig
	HistoryOff bool
}

type ProbeConfig struct {
	Enabled    bool
	Sandbox    string
	Images     map[string]string
	Procedures string
}

type NotifyConfig struct {
	SlackWebhook string
	NATSURL      string
	NATSSubject  string
}

func setDefaults() {
	d := types.DefaultScanOptions()
	viper.SetDefault("db.driver", "sqlite")
	viper.SetDefault("db.dsn", history.DefaultSQLitePath)
	viper.SetDefault("history.disabled", false)
	viper.SetDefault("sources", []string{"osv", "nvd"})
	viper.SetDefault("cache.size", 256)
	viper.SetDefault("probe.enabled", d.Probe)
	viper.SetDefault("probe.sandbox", sandboxProcess)
	viper.SetDefault("timeouts.scan", d.Timeouts.Scan)
	viper.SetDefault("timeouts.resolve", d.Timeouts.Resolve)
	viper.SetDefault("timeouts.fetch", d.Timeouts.Fetch)
	viper.SetDefault("timeouts.probe", d.Timeouts.Probe)
	viper.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	viper.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	viper.SetDefault("retry.multiplier", d.Retry.Multiplier)
	viper.SetDefault("retry.jitter", d.Retry.Jitter)
	viper.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	viper.SetDefault("workers", d.Workers)
	viper.SetDefault("notify.nats_subject", notify.DefaultSubject)
}

// LoadConfig reads the merged flag, env and file configuration.
func LoadConfig() (*Config, error) {
	setDefaults()

	cfg := &Config{
		DB: history.StoreConfig{
			Driver: viper.GetString("db.driver"),
			DSN:    viper.GetString("db.dsn"),
		},
		HistoryOff: viper.GetBool("history.disabled"),
		Sources:    viper.GetStringSlice("sources"),
		OSVURL:     viper.GetString("osv.url"),
		NVDURL:     viper.GetString("nvd.url"),
		NVDAPIKey:  viper.GetString("nvd.api_key"),
		GitHubURL:  viper.GetString("github.url"),
		GitHubTok:  viper.GetString("github.token"),
		FeedDir:    viper.GetString("feed.dir"),
		NPMURL:     viper.GetString("registry.npm_url"),
		PyPIURL:    viper.GetString("registry.pypi_url"),
		CacheSize:  viper.GetInt("cache.size"),
		Workers:    viper.GetInt("workers"),
		Timeouts: types.Timeouts{
			Scan:    viper.GetDuration("timeouts.scan"),
			Resolve: viper.GetDuration("timeouts.resolve"),
			Fetch:   viper.GetDuration("timeouts.fetch"),
			Probe:   viper.GetDuration("timeouts.probe"),
		},
		Retry: types.RetryPolicy{
			MaxAttempts: viper.GetInt("retry.max_attempts"),
			BaseDelay:   viper.GetDuration("retry.base_delay"),
			Multiplier:  viper.GetFloat64("retry.multiplier"),
			Jitter:      viper.GetFloat64("retry.jitter"),
			MaxDelay:    viper.GetDuration("retry.max_delay"),
		},
		Probe: ProbeConfig{
			Enabled:    viper.GetBool("probe.enabled"),
			Sandbox:    strings.ToLower(viper.GetString("probe.sandbox")),
			Procedures: viper.GetString("probe.procedures"),
			Images:     map[string]string{},
		},
		Notify: NotifyConfig{
			SlackWebhook: viper.GetString("notify.slack_webhook"),
			NATSURL:      viper.GetString("notify.nats_url"),
			NATSSubject:  viper.GetString("notify.nats_subject"),
		},
	}
	for _, lang := range []string{"python", "node"} {
		if img := viper.GetString("probe.image." + lang); img != "" {
			cfg.Probe.Images[lang] = img
		}
	}

	cfg.Policy = verdict.DefaultPolicy()
	cfg.Policy.ConflictNotFixedSeverity = viper.GetFloat64("policy.conflict_not_fixed_severity")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for _, s := range c.Sources {
		if !slices.Contains(knownSources, s) {
			return fmt.Errorf("unknown vulnerability source %q, must be one of: %s", s, strings.Join(knownSources, ", "))
		}
	}
	if slices.Contains(c.Sources, "file") && c.FeedDir == "" {
		return fmt.Errorf("source 'file' requires feed.dir")
	}
	switch c.Probe.Sandbox {
	case sandboxProcess, sandboxDocker:
	default:
		return fmt.Errorf("unknown probe sandbox %q, must be one of: process, docker", c.Probe.Sandbox)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	for name, d := range map[string]time.Duration{
		"scan": c.Timeouts.Scan, "resolve": c.Timeouts.Resolve, "fetch": c.Timeouts.Fetch, "probe": c.Timeouts.Probe,
	} {
		if d <= 0 {
			return fmt.Errorf("timeouts.%s must be positive", name)
		}
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("invalid verdict policy: %w", err)
	}
	return nil
}

// ScanOptions converts the configuration into per-scan options.
func (c *Config) ScanOptions() types.ScanOptions {
	return types.ScanOptions{
		Probe: c.Probe.Enabled,
		Credentials: types.Credentials{
			GitHubToken: c.GitHubTok,
			NVDAPIKey:   c.NVDAPIKey,
		},
		Timeouts: c.Timeouts,
		Retry:    c.Retry,
		Workers:  c.Workers,
	}
}

// sourceNames lists the enabled vulnerability sources, with the local feed
// added whenever feed.dir is set.
func (c *Config) sourceNames() []string {
	names := append([]string(nil), c.Sources...)
	if c.FeedDir != "" && !slices.Contains(names, "file") {
		names = append(names, "file")
	}
	return names
}
