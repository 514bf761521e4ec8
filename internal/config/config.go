// Package config loads the process configuration from YAML and environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Database struct {
		Driver     string         `yaml:"driver"`
		SQLitePath string         `yaml:"sqlite_path"`
		Postgres   PostgresConfig `yaml:"postgres"`
	} `yaml:"database"`
	DataSource struct {
		Provider string        `yaml:"provider"`
		BaseURL  string        `yaml:"base_url"`
		APIKey   string        `yaml:"api_key"`
		Timeout  time.Duration `yaml:"timeout"`
		Proxy    string        `yaml:"proxy"`
	} `yaml:"data_source"`
	Indicators struct {
		WindowSize         int `yaml:"window_size"`
		LookbackMultiplier int `yaml:"lookback_multiplier"`
	} `yaml:"indicators"`
	Sweep struct {
		StaleAfter time.Duration `yaml:"stale_after"`
		BatchSize  int           `yaml:"batch_size"`
	} `yaml:"sweep"`
	Schedule struct {
		UpdateCron string `yaml:"update_cron"`
		ReportCron string `yaml:"report_cron"`
	} `yaml:"schedule"`
	Dispatch struct {
		Mode        string        `yaml:"mode"`
		Workers     int           `yaml:"workers"`
		QueueSize   int           `yaml:"queue_size"`
		MaxRetries  int           `yaml:"max_retries"`
		BaseBackoff time.Duration `yaml:"base_backoff"`
		TaskTimeout time.Duration `yaml:"task_timeout"`
		Redis       struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Queue    string `yaml:"queue"`
		} `yaml:"redis"`
	} `yaml:"dispatch"`
	Report struct {
		RootPath string        `yaml:"root_path"`
		History  time.Duration `yaml:"history"`
	} `yaml:"report"`
	TaskHistory struct {
		// SQLitePath enables the task history; empty disables it.
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"task_history"`
	HTTP struct {
		Addr        string `yaml:"addr"`
		MetricsAddr string `yaml:"metrics_addr"`
	} `yaml:"http"`
	Telegram struct {
		BotToken string `yaml:"bot_token"`
		ChatID   string `yaml:"chat_id"`
	} `yaml:"telegram"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// PostgresConfig describes the production database connection.
type PostgresConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	Name         string        `yaml:"name"`
	SSLMode      string        `yaml:"sslmode"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	ConnMaxIdle  time.Duration `yaml:"conn_max_idle"`
}

// DSN returns a libpq key/value connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		p.Host, p.Port, p.User, p.Password, p.Name, p.SSLMode)
}

// Path returns the config file location from CONFIG_PATH.
func Path() string {
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		return v
	}
	return "configs/config.yaml"
}

// Load reads config from a YAML file, then applies environment variable
// overrides and defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	// Seeded before parsing so an explicit max_retries: 0 disables retries.
	cfg.Dispatch.MaxRetries = 3

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString(&c.Database.Driver, "DB_DRIVER")
	setString(&c.Database.SQLitePath, "SQLITE_PATH")
	setString(&c.Database.Postgres.Host, "POSTGRES_HOST")
	setString(&c.Database.Postgres.User, "POSTGRES_USER")
	setString(&c.Database.Postgres.Password, "POSTGRES_PASSWORD")
	setString(&c.Database.Postgres.Name, "POSTGRES_DB")
	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Postgres.Port = port
		}
	}

	setString(&c.DataSource.Provider, "DATA_PROVIDER")
	setString(&c.DataSource.APIKey, "ALPHA_VANTAGE_API_KEY")
	setString(&c.DataSource.Proxy, "HTTPS_PROXY")

	setString(&c.Schedule.UpdateCron, "CRON_UPDATE")
	setString(&c.Schedule.ReportCron, "CRON_REPORT")

	setString(&c.Dispatch.Mode, "DISPATCH_MODE")
	setString(&c.Dispatch.Redis.Addr, "REDIS_ADDR")
	setString(&c.Dispatch.Redis.Password, "REDIS_PASSWORD")

	setString(&c.Report.RootPath, "CSV_REPORT_ROOT_PATH")
	setString(&c.TaskHistory.SQLitePath, "TASK_HISTORY_PATH")
	setString(&c.HTTP.Addr, "HTTP_ADDR")
	setString(&c.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	setString(&c.Telegram.ChatID, "TELEGRAM_CHAT_ID")
	setString(&c.Log.Level, "LOG_LEVEL")
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.SQLitePath == "" {
		c.Database.SQLitePath = "data/stockledger.db"
	}
	pg := &c.Database.Postgres
	if pg.Port == 0 {
		pg.Port = 5432
	}
	if pg.SSLMode == "" {
		pg.SSLMode = "disable"
	}
	if pg.MaxOpenConns == 0 {
		pg.MaxOpenConns = 10
	}
	if pg.ConnMaxIdle == 0 {
		pg.ConnMaxIdle = 30 * time.Second
	}

	if c.DataSource.Provider == "" {
		c.DataSource.Provider = "alphavantage"
	}
	if c.DataSource.Timeout == 0 {
		c.DataSource.Timeout = 30 * time.Second
	}

	if c.Indicators.WindowSize == 0 {
		c.Indicators.WindowSize = 100
	}
	if c.Indicators.LookbackMultiplier == 0 {
		c.Indicators.LookbackMultiplier = 2
	}

	if c.Schedule.UpdateCron == "" {
		c.Schedule.UpdateCron = "0 */5 * * * *"
	}
	if c.Schedule.ReportCron == "" {
		c.Schedule.ReportCron = "0 0 22 * * *"
	}

	d := &c.Dispatch
	if d.Mode == "" {
		d.Mode = "local"
	}
	if d.Workers == 0 {
		d.Workers = 4
	}
	if d.QueueSize == 0 {
		d.QueueSize = 256
	}
	if d.BaseBackoff == 0 {
		d.BaseBackoff = 2 * time.Second
	}
	if d.TaskTimeout == 0 {
		d.TaskTimeout = 2 * time.Minute
	}
	if d.Redis.Addr == "" {
		d.Redis.Addr = "localhost:6379"
	}
	if d.Redis.Queue == "" {
		d.Redis.Queue = "stockledger:tasks"
	}

	if c.Report.RootPath == "" {
		c.Report.RootPath = "reports"
	}
	if c.Report.History == 0 {
		c.Report.History = 365 * 24 * time.Hour
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.MetricsAddr == "" {
		c.HTTP.MetricsAddr = ":9090"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks that all required fields are set and consistent.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path is required")
		}
	case "postgres":
		pg := c.Database.Postgres
		if pg.Host == "" || pg.User == "" || pg.Name == "" {
			return fmt.Errorf("database.postgres host, user and name are required")
		}
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, postgres", c.Database.Driver)
	}

	switch c.DataSource.Provider {
	case "alphavantage":
		if c.DataSource.APIKey == "" {
			return fmt.Errorf("data_source.api_key is required for alphavantage")
		}
	case "yahoo", "mock":
	default:
		return fmt.Errorf("data_source.provider %q is not one of alphavantage, yahoo, mock", c.DataSource.Provider)
	}
	if c.DataSource.Proxy != "" {
		if _, err := url.Parse(c.DataSource.Proxy); err != nil {
			return fmt.Errorf("data_source.proxy: %w", err)
		}
	}

	if c.Indicators.WindowSize <= 0 {
		return fmt.Errorf("indicators.window_size must be positive")
	}
	if c.Indicators.LookbackMultiplier < 1 {
		return fmt.Errorf("indicators.lookback_multiplier must be at least 1")
	}
	if c.Sweep.StaleAfter < 0 || c.Sweep.BatchSize < 0 {
		return fmt.Errorf("sweep.stale_after and sweep.batch_size must not be negative")
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"schedule.update_cron": c.Schedule.UpdateCron,
		"schedule.report_cron": c.Schedule.ReportCron,
	} {
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	switch c.Dispatch.Mode {
	case "local", "redis":
	default:
		return fmt.Errorf("dispatch.mode %q is not one of local, redis", c.Dispatch.Mode)
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch.workers must be positive")
	}
	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries must not be negative")
	}

	if c.Report.RootPath == "" {
		return fmt.Errorf("report.root_path is required")
	}
	return nil
}

// TelegramEnabled reports whether operator alerts can be sent.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != "" && c.Telegram.ChatID != ""
}
