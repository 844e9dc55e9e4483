package am

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/teranos/cadence/errors"
)

// EnvPrefix is the prefix for environment overrides (CADENCE_LIMITS_PER_DAY=...)
const EnvPrefix = "CADENCE"

// Load reads configuration from all sources. Precedence, lowest to highest:
// defaults < /etc/cadence/config.toml < ~/.cadence/am.toml < project am.toml < env.
// A .env file in the working directory is loaded into the environment first.
func Load() (*Config, error) {
	return LoadWithViper(NewViper())
}

// NewViper builds a viper instance with every configuration source merged.
func NewViper() *viper.Viper {
	// Missing .env is normal outside development
	_ = godotenv.Load()

	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(newEnvReplacer())
	v.AutomaticEnv()

	BindSensitiveEnvVars(v)
	SetDefaults(v)
	mergeConfigFiles(v, ConfigPaths())

	return v
}

// LoadWithViper unmarshals and validates configuration from v
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a single file on top of defaults.
// Environment variables are not consulted.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		err = errors.Wrap(err, "failed to read config file")
		return nil, errors.WithDetail(err, "Path: "+configPath)
	}

	return LoadWithViper(v)
}

// newEnvReplacer maps nested keys to env names: limits.per_day -> LIMITS_PER_DAY
func newEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

// ProjectConfigPath returns the project config found by walking up from the
// working directory, or "" when there is none.
func ProjectConfigPath() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		for _, name := range []string{"am.toml", "config.toml"} {
			p := filepath.Join(dir, name)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ConfigPaths lists the config files Load reads, lowest precedence first.
func ConfigPaths() []string {
	paths := []string{"/etc/cadence/config.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".cadence", "am.toml"))
	}
	if project := ProjectConfigPath(); project != "" {
		paths = append(paths, project)
	}
	return paths
}

// mergeConfigFiles merges existing files into v in order; later files win.
func mergeConfigFiles(v *viper.Viper, paths []string) {
	for _, configPath := range paths {
		if _, err := os.Stat(configPath); err != nil {
			continue
		}

		fileViper := viper.New()
		fileViper.SetConfigFile(configPath)
		fileViper.SetConfigType("toml")
		if err := fileViper.ReadInConfig(); err != nil {
			continue
		}

		_ = v.MergeConfigMap(fileViper.AllSettings())
	}
}
