// Package config 读取 YAML 配置文件，环境变量 WHISPERER_* 覆盖同名配置项
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"whisperer/internal/cmdpolicy"
)

// Config 运行参数；时长字段为 time.ParseDuration 格式，如 "10s"
type Config struct {
	Listen            string  `yaml:"listen"`
	DataDir           string  `yaml:"data_dir"`
	LogLevel          string  `yaml:"log_level"`
	Concurrency       int     `yaml:"concurrency"`
	ConnectTimeout    string  `yaml:"connect_timeout"`
	CommandTimeout    string  `yaml:"command_timeout"`
	SudoProbeTimeout  string  `yaml:"sudo_probe_timeout"`
	ConnectRate       float64 `yaml:"connect_rate"`
	CommandPolicy     string  `yaml:"command_policy"`
	AllowRestricted   bool    `yaml:"allow_restricted"`
	SchedulerInterval string  `yaml:"scheduler_interval"`
	Metrics           bool    `yaml:"metrics"`
	EncryptionKey     string  `yaml:"encryption_key"`
	KnownHosts        string  `yaml:"known_hosts"`
	AuditLog          string  `yaml:"audit_log"`
}

// Default 默认配置
func Default() Config {
	return Config{
		Listen:            ":21008",
		LogLevel:          "info",
		Concurrency:       10,
		ConnectTimeout:    "10s",
		CommandTimeout:    "30s",
		SudoProbeTimeout:  "5s",
		CommandPolicy:     string(cmdpolicy.ModeFilter),
		SchedulerInterval: "60s",
		Metrics:           true,
	}
}

// DefaultPath os.UserConfigDir()/whisperer/config.yaml
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "whisperer", "config.yaml"), nil
}

// Load 读取 path（为空时用 DefaultPath），文件不存在时使用默认值，然后应用环境变量并校验
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return cfg, err
		}
		path = p
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.WithField("path", path).Debug("Config file not found, using defaults")
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("解析配置失败: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	c.Listen = getenv("WHISPERER_LISTEN", c.Listen)
	c.DataDir = getenv("WHISPERER_DATA_DIR", c.DataDir)
	c.LogLevel = getenv("WHISPERER_LOG_LEVEL", c.LogLevel)
	c.Concurrency = getenvInt("WHISPERER_CONCURRENCY", c.Concurrency)
	c.ConnectTimeout = getenv("WHISPERER_CONNECT_TIMEOUT", c.ConnectTimeout)
	c.CommandTimeout = getenv("WHISPERER_COMMAND_TIMEOUT", c.CommandTimeout)
	c.SudoProbeTimeout = getenv("WHISPERER_SUDO_PROBE_TIMEOUT", c.SudoProbeTimeout)
	c.ConnectRate = getenvFloat("WHISPERER_CONNECT_RATE", c.ConnectRate)
	c.CommandPolicy = getenv("WHISPERER_COMMAND_POLICY", c.CommandPolicy)
	c.AllowRestricted = getenvBool("WHISPERER_ALLOW_RESTRICTED", c.AllowRestricted)
	c.SchedulerInterval = getenv("WHISPERER_SCHEDULER_INTERVAL", c.SchedulerInterval)
	c.Metrics = getenvBool("WHISPERER_METRICS", c.Metrics)
	c.EncryptionKey = getenv("WHISPERER_ENCRYPTION_KEY", c.EncryptionKey)
	c.KnownHosts = getenv("WHISPERER_KNOWN_HOSTS", c.KnownHosts)
	c.AuditLog = getenv("WHISPERER_AUDIT_LOG", c.AuditLog)
}

// Validate 校验取值范围与时长格式，并发数超出 1-100 时截断
func (c *Config) Validate() error {
	var errs []error
	for name, v := range map[string]string{
		"connect_timeout":    c.ConnectTimeout,
		"command_timeout":    c.CommandTimeout,
		"sudo_probe_timeout": c.SudoProbeTimeout,
		"scheduler_interval": c.SchedulerInterval,
	} {
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", name, v))
		}
	}
	if _, err := cmdpolicy.ParseMode(c.CommandPolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.ConnectRate < 0 {
		errs = append(errs, fmt.Errorf("connect_rate must not be negative"))
	}
	switch {
	case c.Concurrency <= 0:
		c.Concurrency = 10
	case c.Concurrency > 100:
		c.Concurrency = 100
	}
	return errors.Join(errs...)
}

// Durations 已通过 Validate 的时长
type Durations struct {
	Connect, Command, SudoProbe, Scheduler time.Duration
}

// Durations 解析时长字段，调用前应先 Validate
func (c Config) Durations() Durations {
	return Durations{
		Connect:   mustDuration(c.ConnectTimeout),
		Command:   mustDuration(c.CommandTimeout),
		SudoProbe: mustDuration(c.SudoProbeTimeout),
		Scheduler: mustDuration(c.SchedulerInterval),
	}
}

// Policy 命令过滤策略
func (c Config) Policy() cmdpolicy.Policy {
	mode, _ := cmdpolicy.ParseMode(c.CommandPolicy)
	return cmdpolicy.Policy{Mode: mode, AllowRestricted: c.AllowRestricted}
}

// ApplyLogging 设置 logrus 级别
func (c Config) ApplyLogging() {
	if lvl, err := log.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
}

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvInt(k string, d int) int {
	if v := os.Getenv(k); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return d
}

func getenvFloat(k string, d float64) float64 {
	if v := os.Getenv(k); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return d
}

func getenvBool(k string, d bool) bool {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return d
}
