package main

import (
	"strings"

	"github.com/ngrok/kproc"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the configuration of a simulation run.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Workload WorkloadConfig `mapstructure:"workload"`
	Process  ProcessConfig  `mapstructure:"process"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// WorkloadConfig shapes the simulated workload.
type WorkloadConfig struct {
	Processes int `mapstructure:"processes"`
	Threads   int `mapstructure:"threads"`
	Handles   int `mapstructure:"handles"`
	// KillEvery kills every n-th process instead of letting it exit. 0
	// disables kills.
	KillEvery int `mapstructure:"kill_every"`
}

type ProcessConfig struct {
	MaxThreads      int    `mapstructure:"max_threads"`
	MaxHandles      int    `mapstructure:"max_handles"`
	BadHandlePolicy string `mapstructure:"bad_handle_policy"`
}

type SnapshotConfig struct {
	Path string `mapstructure:"path"`
}

type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint; empty disables it.
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("workload.processes", 8)
	v.SetDefault("workload.threads", 4)
	v.SetDefault("workload.handles", 16)
	v.SetDefault("workload.kill_every", 3)
	v.SetDefault("process.max_threads", kproc.DefaultMaxThreads)
	v.SetDefault("process.max_handles", kproc.DefaultMaxHandles)
	v.SetDefault("process.bad_handle_policy", "ignore")
	v.SetDefault("snapshot.path", "")
	v.SetDefault("metrics.addr", "")
}

// LoadConfig reads the configuration from path, if given, with KPROCSIM_*
// environment variables taking precedence.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KPROCSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading config file %q", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "error decoding config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the simulation cannot use.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "crit":
	default:
		return errors.Errorf("invalid log.level %q", c.Log.Level)
	}
	if c.Workload.Processes < 1 {
		return errors.Errorf("workload.processes must be positive, got %d", c.Workload.Processes)
	}
	if c.Workload.Threads < 0 || c.Workload.Handles < 0 || c.Workload.KillEvery < 0 {
		return errors.New("workload.threads, workload.handles and workload.kill_every must not be negative")
	}
	if _, err := kproc.ParseBadHandlePolicy(c.Process.BadHandlePolicy); err != nil {
		return errors.Wrap(err, "invalid process.bad_handle_policy")
	}
	return nil
}

func (c *Config) processOptions() []kproc.Option {
	policy, _ := kproc.ParseBadHandlePolicy(c.Process.BadHandlePolicy)
	return []kproc.Option{
		kproc.WithMaxThreads(c.Process.MaxThreads),
		kproc.WithMaxHandles(c.Process.MaxHandles),
		kproc.WithBadHandlePolicy(policy),
	}
}
