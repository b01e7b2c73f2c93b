package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DefaultGlamourStyle = "dark"
	DefaultBaseURL      = "http://localhost:8000"
	EnvPrefix           = "DOCPILOT"
)

type AppConfig struct {
	BaseURL      string        `mapstructure:"base_url" validate:"required,url"`
	PRDBaseURL   string        `mapstructure:"prd_base_url" validate:"omitempty,url"`
	APIKey       string        `mapstructure:"api_key"`
	ExportDir    string        `mapstructure:"export_dir"`
	HistoryPath  string        `mapstructure:"history_path"`
	LogPath      string        `mapstructure:"log_path"`
	LogLevel     string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Timeout      time.Duration `mapstructure:"timeout" validate:"gte=0"`
	Tool         string        `mapstructure:"tool" validate:"omitempty,oneof=generator document"`
	ResetHistory bool          `mapstructure:"reset_history"`
	GlamourStyle string        `mapstructure:"glamour_style"`
}

// GeneratorBaseURL is the address used by the PRD tool.
func (c AppConfig) GeneratorBaseURL() string {
	if c.PRDBaseURL != "" {
		return c.PRDBaseURL
	}
	return c.BaseURL
}

// flag name -> config key
var flagKeys = map[string]string{
	"base-url":      "base_url",
	"prd-base-url":  "prd_base_url",
	"api-key":       "api_key",
	"export-dir":    "export_dir",
	"history-path":  "history_path",
	"log-path":      "log_path",
	"log-level":     "log_level",
	"timeout":       "timeout",
	"tool":          "tool",
	"reset-history": "reset_history",
	"style":         "glamour_style",
}

func Parse() (AppConfig, error) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs resolves configuration from, highest first: flags, DOCPILOT_*
// environment variables (a .env file in the working directory is loaded
// into the environment), the docpilot.yaml config file, and defaults.
func ParseArgs(args []string) (AppConfig, error) {
	var cfg AppConfig

	fset := flag.NewFlagSet("docpilot", flag.ContinueOnError)
	fset.SetOutput(io.Discard)
	configFile := fset.String("config", "", "path to config file (default ./docpilot.yaml or ~/.config/docpilot/docpilot.yaml)")
	fset.String("base-url", "", "backend base URL")
	fset.String("prd-base-url", "", "backend base URL for the PRD generator (defaults to -base-url)")
	fset.String("api-key", "", "your own model API key; lifts the free-tier limit")
	fset.String("export-dir", "", "override export output directory")
	fset.String("history-path", "", "path to SQLite history file")
	fset.String("log-path", "", "path to log file")
	fset.String("log-level", "", "log level (debug, info, warn, error)")
	fset.String("timeout", "", "HTTP timeout, 0 for none")
	fset.String("tool", "", "open a tool directly (generator, document)")
	fset.Bool("reset-history", false, "delete the history database before starting")
	fset.String("style", "", "glamour style for rendered answers")
	if err := fset.Parse(args); err != nil {
		return cfg, fmt.Errorf("parse flags: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("resolve home directory: %w", err)
	}

	v := viper.New()
	setDefaults(v, home)
	if *configFile != "" {
		v.SetConfigFile(*configFile)
	} else {
		v.SetConfigName("docpilot")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(home, ".config", "docpilot"))
	}
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}

	fset.Visit(func(f *flag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			v.Set(key, f.Value.String())
		}
	})

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.PRDBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PRDBaseURL), "/")
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.HistoryPath = expandHome(cfg.HistoryPath, home)
	cfg.LogPath = expandHome(cfg.LogPath, home)
	cfg.ExportDir = expandHome(cfg.ExportDir, home)

	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, home string) {
	dataDir := filepath.Join(home, ".local", "share", "docpilot")

	v.SetDefault("base_url", DefaultBaseURL)
	v.SetDefault("prd_base_url", "")
	v.SetDefault("api_key", "")
	v.SetDefault("export_dir", "")
	v.SetDefault("history_path", filepath.Join(dataDir, "history.sqlite"))
	v.SetDefault("log_path", filepath.Join(dataDir, "docpilot.log"))
	v.SetDefault("log_level", "info")
	v.SetDefault("timeout", "0s")
	v.SetDefault("tool", "")
	v.SetDefault("reset_history", false)
	v.SetDefault("glamour_style", DefaultGlamourStyle)
}

func expandHome(path, home string) string {
	path = strings.TrimSpace(path)
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
