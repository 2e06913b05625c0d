package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/solo-io/dbgmux/pkg/options"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is what the CLI and the debuggers are configured with.
type Config struct {
	LogLevel        string        `mapstructure:"log_level"`
	Verbose         bool          `mapstructure:"verbose"`
	JSON            bool          `mapstructure:"json"`
	AcceptTimeout   time.Duration `mapstructure:"accept_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	PrettyMaxLength int           `mapstructure:"pretty_max_length"`
	PrettyMaxLines  int           `mapstructure:"pretty_max_lines"`
	LuaHost         string        `mapstructure:"lua_host"`
	LuaPort         int           `mapstructure:"lua_port"`
	GdbPath         string        `mapstructure:"gdb_path"`
	DlvPath         string        `mapstructure:"dlv_path"`
	LuaPath         string        `mapstructure:"lua_path"`
	StateFile       string        `mapstructure:"state_file"`
}

var defaultConfigYaml = []byte(`# dbgmux configuration file
log_level: info
verbose: false
json: false
accept_timeout: 5s
poll_interval: 20ms
pretty_max_length: 100
pretty_max_lines: 19
lua_host: 127.0.0.1
lua_port: 8172
gdb_path: gdb
dlv_path: dlv
lua_path: lua
`)

// Dir returns the directory holding the config and state files.
func Dir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, options.ConfigDirName), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", options.DefaultLogLevel)
	v.SetDefault("accept_timeout", options.AcceptTimeout)
	v.SetDefault("poll_interval", options.PollInterval)
	v.SetDefault("pretty_max_length", options.PrettyMaxLength)
	v.SetDefault("pretty_max_lines", options.PrettyMaxLines)
	v.SetDefault("lua_host", options.LuaHost)
	v.SetDefault("lua_port", options.LuaPort)
	v.SetDefault("gdb_path", options.GdbPath)
	v.SetDefault("dlv_path", options.DlvPath)
	v.SetDefault("lua_path", options.LuaPath)
	v.SetDefault("verbose", false)
	v.SetDefault("json", false)
	v.SetDefault("state_file", "")
}

func writeDefaultConfigFile(fp string) error {
	log.WithField("path", fp).Info("config file not found, writing defaults")
	return ioutil.WriteFile(fp, defaultConfigYaml, 0644)
}

// Load reads the config file (written with defaults when missing), then the
// DBGMUX_* environment, then the flags that were set. cfgFile overrides the
// default location; flags may be nil.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	if cfgFile == "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		cfgFile = filepath.Join(dir, options.ConfigFileName)
		if _, err := os.Stat(cfgFile); err != nil {
			if err := writeDefaultConfigFile(cfgFile); err != nil {
				return nil, err
			}
		}
	}
	v.SetConfigFile(cfgFile)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "can't read config %v", cfgFile)
	}

	v.SetEnvPrefix(options.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(strings.Replace(f.Name, "-", "_", -1), f)
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if cfg.StateFile == "" {
		cfg.StateFile = filepath.Join(dir, options.StateFileName)
	}
	return cfg, nil
}

// ApplyLogging sets the logrus level from the config.
func (c *Config) ApplyLogging() error {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return errors.Wrapf(err, "log level %q", c.LogLevel)
	}
	if c.Verbose && level < log.DebugLevel {
		level = log.DebugLevel
	}
	log.SetLevel(level)
	if c.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	}
	return nil
}
