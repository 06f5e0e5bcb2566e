// Package procconfig builds the coordinator's process-level configuration:
// listen address, target worker count, model config path, input path, and
// log file path. Values are read through spf13/viper so a config file or
// DISTINFER_* environment variable can supply any of them, with explicit
// CLI flags (set by cmd/coordinator) always taking precedence — the layering
// the teacher's own dependency stack (thrasher-corp-gocryptotrader) uses
// viper for.
package procconfig

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix every environment variable override uses, e.g.
// DISTINFER_HOST, DISTINFER_PORT, DISTINFER_WORKERS.
const EnvPrefix = "DISTINFER"

// Config is the coordinator's fully resolved process configuration.
type Config struct {
	Host       string
	Port       int
	Workers    int
	ConfigPath string
	InputPath  string
	LogFile    string
}

func defaults() map[string]any {
	return map[string]any{
		"host":        "0.0.0.0",
		"port":        54321,
		"workers":     2,
		"config_path": "",
		"input_path":  "",
		"log_file":    "./coordinator.log",
	}
}

// Load builds a Config by layering, lowest precedence first: built-in
// defaults, an optional config file (configFile, ignored if empty), then
// DISTINFER_* environment variables. overrides (typically parsed CLI flags)
// are applied last and win over everything else; a zero-value field in
// overrides means "not set on the command line".
func Load(configFile string, overrides Config) (Config, error) {
	v := viper.New()
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("procconfig: reading config file %s: %w", configFile, err)
		}
	}

	cfg := Config{
		Host:       v.GetString("host"),
		Port:       v.GetInt("port"),
		Workers:    v.GetInt("workers"),
		ConfigPath: v.GetString("config_path"),
		InputPath:  v.GetString("input_path"),
		LogFile:    v.GetString("log_file"),
	}

	applyOverrides(&cfg, overrides)

	if cfg.Workers < 1 {
		return Config{}, fmt.Errorf("procconfig: workers must be >= 1, got %d", cfg.Workers)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("procconfig: port %d out of range", cfg.Port)
	}
	return cfg, nil
}

func applyOverrides(cfg *Config, o Config) {
	if o.Host != "" {
		cfg.Host = o.Host
	}
	if o.Port != 0 {
		cfg.Port = o.Port
	}
	if o.Workers != 0 {
		cfg.Workers = o.Workers
	}
	if o.ConfigPath != "" {
		cfg.ConfigPath = o.ConfigPath
	}
	if o.InputPath != "" {
		cfg.InputPath = o.InputPath
	}
	if o.LogFile != "" {
		cfg.LogFile = o.LogFile
	}
}
