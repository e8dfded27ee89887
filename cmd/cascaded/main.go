// Command cascaded runs the cascade orchestration server: the workflow
// engine, task scheduler, worker pool, cron scheduler, and HTTP API in
// a single process.
//
// Configuration comes from a YAML file (--config), environment
// variables prefixed CASCADE_, or the built-in defaults, in that
// order of precedence.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "cascaded",
		Short:         "cascade workflow orchestration server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (default ./cascade.yaml)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cascaded:", err)
		os.Exit(1)
	}
}

// serverConfig is the file/env configuration for the cascaded process.
type serverConfig struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Store struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`
	Pool struct {
		Workers  int `mapstructure:"workers"`
		Capacity int `mapstructure:"capacity"`
	} `mapstructure:"pool"`
	Scheduler struct {
		QueueBound int     `mapstructure:"queue_bound"`
		RateLimit  float64 `mapstructure:"rate_limit"`
		Balance    string  `mapstructure:"balance"`
	} `mapstructure:"scheduler"`
	Executor struct {
		// Services maps target service names to base URLs.
		Services map[string]string `mapstructure:"services"`
		Timeout  time.Duration     `mapstructure:"timeout"`
	} `mapstructure:"executor"`
	Engine struct {
		MaxRetries   int    `mapstructure:"max_retries"`
		Compensation string `mapstructure:"compensation"`
	} `mapstructure:"engine"`
	Breaker struct {
		Threshold int           `mapstructure:"threshold"`
		Cooldown  time.Duration `mapstructure:"cooldown"`
	} `mapstructure:"breaker"`
	Cron struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"cron"`
}

// loadConfig reads the config file and environment into a serverConfig.
// A missing config file is fine; defaults and CASCADE_ env vars apply.
func loadConfig() (*serverConfig, error) {
	v := viper.New()
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("pool.workers", 10)
	v.SetDefault("pool.capacity", 4)
	v.SetDefault("scheduler.queue_bound", 1024)
	v.SetDefault("scheduler.balance", "least-loaded")
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.compensation", "best-effort")
	v.SetDefault("breaker.threshold", 5)
	v.SetDefault("breaker.cooldown", 30*time.Second)
	v.SetDefault("cron.enabled", true)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("cascade")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/cascade")
	}
	v.SetEnvPrefix("CASCADE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg serverConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// newLogger builds the process logger from the log config.
func newLogger(cfg *serverConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Log.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
