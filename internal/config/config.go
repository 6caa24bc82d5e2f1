// Package config provides configuration management for the mission
// orchestrator. It layers defaults, an optional YAML file under APP_HOME,
// and environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every externally tunable setting.
type Config struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	AppHome    string `mapstructure:"appHome"`
	LogLevel   string `mapstructure:"logLevel"`
	APIToken   string `mapstructure:"apiToken"`
	Env        string `mapstructure:"env"`
	StoreDriver string `mapstructure:"storeDriver"`
	StoreDSN    string `mapstructure:"storeDsn"`
	NATSURL     string `mapstructure:"natsUrl"`
	DebugPort   int    `mapstructure:"debugPort"`
	DockerHost  string `mapstructure:"dockerHost"`
}

// DBPath is the sqlite file path under AppHome.
func (c *Config) DBPath() string {
	return filepath.Join(c.AppHome, "db.sqlite")
}

// LogsDir is the root of per-mission process logs.
func (c *Config) LogsDir() string {
	return filepath.Join(c.AppHome, "logs", "missions")
}

// Addr is the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func defaultAppHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".kandev-mission")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 3000)
	v.SetDefault("appHome", defaultAppHome())
	v.SetDefault("logLevel", "info")
	v.SetDefault("apiToken", "")
	v.SetDefault("env", "development")
	v.SetDefault("storeDriver", "sqlite")
	v.SetDefault("storeDsn", "")
	v.SetDefault("natsUrl", "")
	v.SetDefault("debugPort", 0)
	v.SetDefault("dockerHost", defaultDockerHost())
}

func defaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from defaults, an optional $APP_HOME/config.yaml,
// and environment variables, validating the result.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	// The spec's env var names don't share a common prefix or casing
	// convention with the mapstructure keys, so each is bound explicitly.
	_ = v.BindEnv("host", "HOST")
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("appHome", "APP_HOME")
	_ = v.BindEnv("logLevel", "LOG_LEVEL")
	_ = v.BindEnv("apiToken", "API_TOKEN")
	_ = v.BindEnv("env", "ENV")
	_ = v.BindEnv("storeDriver", "STORE_DRIVER")
	_ = v.BindEnv("storeDsn", "STORE_DSN")
	_ = v.BindEnv("natsUrl", "NATS_URL")
	_ = v.BindEnv("debugPort", "DEBUG_PORT")
	_ = v.BindEnv("dockerHost", "DOCKER_HOST")

	// APP_HOME must be known before we can look for a config file inside it.
	appHome := v.GetString("appHome")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(appHome)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if err := os.MkdirAll(cfg.AppHome, 0o755); err != nil {
		return nil, fmt.Errorf("creating app home: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string
	if cfg.Port <= 0 || cfg.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !validLevels[strings.ToLower(cfg.LogLevel)] {
		errs = append(errs, "logLevel must be one of trace,debug,info,warn,error,fatal")
	}
	validEnvs := map[string]bool{"development": true, "production": true, "test": true}
	if !validEnvs[strings.ToLower(cfg.Env)] {
		errs = append(errs, "env must be one of development,production,test")
	}
	if cfg.StoreDriver != "sqlite" && cfg.StoreDriver != "postgres" {
		errs = append(errs, "storeDriver must be sqlite or postgres")
	}
	if cfg.StoreDriver == "postgres" && cfg.StoreDSN == "" {
		errs = append(errs, "storeDsn is required when storeDriver=postgres")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
