// Package config loads sysinfo settings from a YAML file and command-line
// flags. Flags that were set explicitly override the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvVar names the config file when --config is not given.
const EnvVar = "SYSINFO_CONFIG"

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Workers     WorkersConfig     `yaml:"workers"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Sysinfo     SysinfoConfig     `yaml:"sysinfo"`
	Watch       WatchConfig       `yaml:"watch"`
	OTel        OTelConfig        `yaml:"otel"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	GRPCAddr     string        `yaml:"grpc_addr"`
	Timeout      time.Duration `yaml:"timeout"`
	Pretty       bool          `yaml:"pretty"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

type WorkersConfig struct {
	// Size 0 means GOMAXPROCS.
	Size int `yaml:"size"`
}

type CoordinatorConfig struct {
	// PendingLimit 0 means unbounded.
	PendingLimit int `yaml:"pending_limit"`
}

type SysinfoConfig struct {
	ProcRoot          string        `yaml:"proc_root"`
	SysRoot           string        `yaml:"sys_root"`
	CPUSampleInterval time.Duration `yaml:"cpu_sample_interval"`
}

type WatchConfig struct {
	// Interval 0 disables the storage watch.
	Interval time.Duration `yaml:"interval"`
}

type OTelConfig struct {
	// Endpoint empty disables tracing.
	Endpoint string `yaml:"endpoint"`
	Service  string `yaml:"service"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for keys the file and flags leave
// unset.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			GRPCAddr:     ":9090",
			Timeout:      10 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		Sysinfo: SysinfoConfig{
			ProcRoot:          "/proc",
			SysRoot:           "/sys",
			CPUSampleInterval: 250 * time.Millisecond,
		},
		Watch: WatchConfig{Interval: 5 * time.Second},
		OTel:  OTelConfig{Service: "sysinfo"},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path, or the file named by SYSINFO_CONFIG when path is empty.
// With neither, it returns Default.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile reads the YAML file at path over Default. Unknown keys are errors.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" && c.Server.GRPCAddr == "" {
		errs = append(errs, fmt.Errorf("server.addr or server.grpc_addr is required"))
	}
	if c.Server.Timeout < 0 {
		errs = append(errs, fmt.Errorf("server.timeout must not be negative"))
	}
	if c.Server.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_body_bytes must not be negative"))
	}
	if c.Workers.Size < 0 {
		errs = append(errs, fmt.Errorf("workers.size must not be negative"))
	}
	if c.Coordinator.PendingLimit < 0 {
		errs = append(errs, fmt.Errorf("coordinator.pending_limit must not be negative"))
	}
	if c.Sysinfo.ProcRoot == "" {
		errs = append(errs, fmt.Errorf("sysinfo.proc_root is required"))
	}
	if c.Sysinfo.SysRoot == "" {
		errs = append(errs, fmt.Errorf("sysinfo.sys_root is required"))
	}
	if c.Sysinfo.CPUSampleInterval < 0 {
		errs = append(errs, fmt.Errorf("sysinfo.cpu_sample_interval must not be negative"))
	}
	if c.Watch.Interval < 0 {
		errs = append(errs, fmt.Errorf("watch.interval must not be negative"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be one of: [text json]"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// NewLogger builds the process logger described by c.
func (c LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level must be one of: [debug info warn error]")
	}
	return l, nil
}

// RegisterFlags adds the overridable settings to fs, with defaults shown from
// Default.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "YAML config file (default $"+EnvVar+")")
	fs.String("addr", d.Server.Addr, "GraphQL HTTP listen address")
	fs.String("grpc-addr", d.Server.GRPCAddr, "gRPC listen address")
	fs.Duration("timeout", d.Server.Timeout, "default request timeout")
	fs.Bool("pretty", d.Server.Pretty, "indent JSON responses")
	fs.Int("workers", d.Workers.Size, "worker pool size, 0 for GOMAXPROCS")
	fs.Int("pending-limit", d.Coordinator.PendingLimit, "max queued requests per coordinator, 0 for unbounded")
	fs.String("proc-root", d.Sysinfo.ProcRoot, "procfs mount point")
	fs.String("sys-root", d.Sysinfo.SysRoot, "sysfs mount point")
	fs.Duration("cpu-sample", d.Sysinfo.CPUSampleInterval, "CPU usage sample window")
	fs.Duration("watch-interval", d.Watch.Interval, "storage watch poll interval, 0 to disable")
	fs.String("otel-endpoint", d.OTel.Endpoint, "OTLP/gRPC trace endpoint")
	fs.String("log-level", d.Log.Level, "debug, info, warn or error")
	fs.String("log-format", d.Log.Format, "text or json")
}

// FromFlags loads the file named by --config (or SYSINFO_CONFIG) and applies
// every flag the user set explicitly. fs must have been parsed.
func FromFlags(fs *pflag.FlagSet) (*Config, error) {
	path, _ := fs.GetString("config")
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyFlags(fs); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyFlags(fs *pflag.FlagSet) error {
	var err error
	str := func(name string, dst *string) {
		if err == nil && fs.Changed(name) {
			*dst, err = fs.GetString(name)
		}
	}
	dur := func(name string, dst *time.Duration) {
		if err == nil && fs.Changed(name) {
			*dst, err = fs.GetDuration(name)
		}
	}
	num := func(name string, dst *int) {
		if err == nil && fs.Changed(name) {
			*dst, err = fs.GetInt(name)
		}
	}
	str("addr", &c.Server.Addr)
	str("grpc-addr", &c.Server.GRPCAddr)
	dur("timeout", &c.Server.Timeout)
	if err == nil && fs.Changed("pretty") {
		c.Server.Pretty, err = fs.GetBool("pretty")
	}
	num("workers", &c.Workers.Size)
	num("pending-limit", &c.Coordinator.PendingLimit)
	str("proc-root", &c.Sysinfo.ProcRoot)
	str("sys-root", &c.Sysinfo.SysRoot)
	dur("cpu-sample", &c.Sysinfo.CPUSampleInterval)
	dur("watch-interval", &c.Watch.Interval)
	str("otel-endpoint", &c.OTel.Endpoint)
	str("log-level", &c.Log.Level)
	str("log-format", &c.Log.Format)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
