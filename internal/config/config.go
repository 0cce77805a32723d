package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/nodewarden/internal/env"
	"github.com/loykin/nodewarden/internal/logger"
	"github.com/loykin/nodewarden/internal/metrics"
	"github.com/loykin/nodewarden/internal/platform"
	itls "github.com/loykin/nodewarden/internal/tls"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// NODEWARDEN_DAEMON_BIN_DIR or NODEWARDEN_STORE_DSN.
const EnvPrefix = "NODEWARDEN"

// Config is the top-level TOML structure.
type Config struct {
	Daemon  DaemonConfig  `mapstructure:"daemon"`
	Store   StoreConfig   `mapstructure:"store"`
	History HistoryConfig `mapstructure:"history"`
	Log     logger.Config `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type DaemonConfig struct {
	Name             string                       `mapstructure:"name"`
	BinDir           string                       `mapstructure:"bin_dir"`
	Args             []string                     `mapstructure:"args"`
	WorkDir          string                       `mapstructure:"work_dir"`
	Env              []string                     `mapstructure:"env"`
	EnvFiles         []string                     `mapstructure:"env_files"`
	UseOSEnv         bool                         `mapstructure:"use_os_env"`
	GracePeriod      time.Duration                `mapstructure:"grace_period"`
	ActivityInterval time.Duration                `mapstructure:"activity_interval"`
	StopTimeout      time.Duration                `mapstructure:"stop_timeout"`
	LockFile         string                       `mapstructure:"lock_file"`
	Platforms        map[string]map[string]string `mapstructure:"platforms"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"` // empty disables PID persistence
}

type HistoryConfig struct {
	DSN     string        `mapstructure:"dsn"` // empty disables history export
	Timeout time.Duration `mapstructure:"timeout"`
}

type ServerConfig struct {
	Enabled  bool        `mapstructure:"enabled"`
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	TLS      itls.Config `mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled  bool                   `mapstructure:"enabled"`
	Resource metrics.ResourceConfig `mapstructure:"resource"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("daemon.name", "daemon")
	v.SetDefault("daemon.bin_dir", "bin")
	v.SetDefault("daemon.args", []string{})
	v.SetDefault("daemon.work_dir", "")
	v.SetDefault("daemon.env", []string{})
	v.SetDefault("daemon.env_files", []string{})
	v.SetDefault("daemon.use_os_env", true)
	v.SetDefault("daemon.grace_period", "1500ms")
	v.SetDefault("daemon.activity_interval", "15s")
	v.SetDefault("daemon.stop_timeout", "10s")
	v.SetDefault("daemon.lock_file", "")

	v.SetDefault("store.dsn", "sqlite://nodewarden.db")
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.timeout", "2s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.path", "")
	v.SetDefault("log.daemon_output.dir", "")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.listen", "127.0.0.1:8087")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "1.3")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.resource.enabled", false)
	v.SetDefault("metrics.resource.interval", "5s")
	v.SetDefault("metrics.resource.max_history", 100)
}

// Load reads path (TOML) on top of the defaults and applies NODEWARDEN_*
// environment overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if path != "" {
		c.resolveRelative(filepath.Dir(path))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// resolveRelative anchors relative file paths at the config file directory.
func (c *Config) resolveRelative(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Daemon.BinDir = abs(c.Daemon.BinDir)
	c.Daemon.LockFile = abs(c.Daemon.LockFile)
	c.Server.TLS.Dir = abs(c.Server.TLS.Dir)
	c.Server.TLS.CertFile = abs(c.Server.TLS.CertFile)
	c.Server.TLS.KeyFile = abs(c.Server.TLS.KeyFile)
	for i, f := range c.Daemon.EnvFiles {
		c.Daemon.EnvFiles[i] = abs(f)
	}
}

// Validate rejects values the supervisor cannot run with.
func (c *Config) Validate() error {
	var errs []error
	d := c.Daemon
	if strings.TrimSpace(d.Name) == "" {
		errs = append(errs, errors.New("daemon.name is required"))
	}
	if d.GracePeriod <= 0 {
		errs = append(errs, errors.New("daemon.grace_period must be positive"))
	}
	if d.ActivityInterval <= 0 {
		errs = append(errs, errors.New("daemon.activity_interval must be positive"))
	}
	if d.StopTimeout <= 0 {
		errs = append(errs, errors.New("daemon.stop_timeout must be positive"))
	}
	if len(d.Platforms) > 0 {
		if err := platform.Table(d.Platforms).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("daemon.platforms: %w", err))
		}
	}
	if c.Server.Enabled && c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required when the server is enabled"))
	}
	if t := c.Server.TLS; t.Enabled && (t.CertFile == "") != (t.KeyFile == "") {
		errs = append(errs, errors.New("server.tls.cert_file and key_file must be set together"))
	}
	return errors.Join(errs...)
}

// Table returns the platform table: the configured [daemon.platforms] with
// relative paths under bin_dir, or the stock layout when none is configured.
func (d DaemonConfig) Table() platform.Table {
	if len(d.Platforms) == 0 {
		return platform.DefaultTable(d.BinDir, d.Name)
	}
	t := make(platform.Table, len(d.Platforms))
	for osName, arches := range d.Platforms {
		m := make(map[string]string, len(arches))
		for arch, p := range arches {
			if !filepath.IsAbs(p) {
				p = filepath.Join(d.BinDir, p)
			}
			m[arch] = p
		}
		t[osName] = m
	}
	return t
}

// Environment composes the daemon environment. nil means inherit unchanged.
func (d DaemonConfig) Environment() ([]string, error) {
	b := env.New().InheritOS(d.UseOSEnv).Files(d.EnvFiles...).Vars(d.Env...)
	if d.UseOSEnv && b.Empty() {
		return nil, nil
	}
	return b.Build()
}

// LockPath is the single-instance lock file; by default one per daemon name
// in the temp dir.
func (d DaemonConfig) LockPath() string {
	if d.LockFile != "" {
		return d.LockFile
	}
	return filepath.Join(os.TempDir(), "nodewarden-"+d.Name+".lock")
}
