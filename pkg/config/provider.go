package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagBindings maps CLI flag names to configuration keys.
var flagBindings = map[string]string{
	"log-level":  "observability.log_level",
	"log-format": "observability.log_format",
	"queue":      "queue.name",
	"dlq":        "queue.dlq_name",
	"store":      "store.backend",
}

// ConfigProvider layers defaults, the config file, an optional secrets file, environment
// and changed CLI flags, in increasing precedence. It keeps the merged view so the CLI can
// print it.
type ConfigProvider struct {
	loader *ViperLoader
	flags  *pflag.FlagSet
	merged *viper.Viper
}

// NewConfigProvider reads configFile (optional) with envPrefix environment overrides.
func NewConfigProvider(configFile, envPrefix string) *ConfigProvider {
	return &ConfigProvider{loader: NewViperLoader(configFile, envPrefix)}
}

// WithFlags makes flags that were explicitly set override every other source.
func (p *ConfigProvider) WithFlags(flags *pflag.FlagSet) *ConfigProvider {
	p.flags = flags
	return p
}

// ConfigFile returns the configured file path, empty when none.
func (p *ConfigProvider) ConfigFile() string {
	if p.loader == nil {
		return ""
	}
	return p.loader.configFile
}

// Load fills and validates cfg, ignoring any secrets file.
func (p *ConfigProvider) Load(cfg *Config) error {
	_, err := p.load(cfg, false)
	return err
}

// LoadWithSecrets is Load plus the secrets file merge. It returns the raw secrets so their
// keys can be redacted; nil when no secrets file was found.
func (p *ConfigProvider) LoadWithSecrets(cfg *Config) (map[string]interface{}, error) {
	return p.load(cfg, true)
}

// AllSettings returns the merged settings of the last load.
func (p *ConfigProvider) AllSettings() map[string]interface{} {
	if p == nil || p.merged == nil {
		return map[string]interface{}{}
	}
	return p.merged.AllSettings()
}

func (p *ConfigProvider) load(cfg *Config, withSecrets bool) (map[string]interface{}, error) {
	v := viper.New()
	p.loader.setDefaults(v, DefaultConfig())

	if path := p.loader.configFile; path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var secrets map[string]interface{}
	if withSecrets {
		var err error
		if secrets, err = p.mergeSecrets(v); err != nil {
			return nil, err
		}
	}

	p.loader.bindEnvVars(v)
	p.applyFlags(v)
	p.merged = v

	if cfg == nil {
		cfg = &Config{}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := p.loader.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return secrets, nil
}

func (p *ConfigProvider) mergeSecrets(v *viper.Viper) (map[string]interface{}, error) {
	path, err := p.loader.discoverSecretsFile()
	if err != nil || path == "" {
		return nil, err
	}
	sv := viper.New()
	sv.SetConfigFile(path)
	if err := sv.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read secrets file %s: %w", path, err)
	}
	secrets := sv.AllSettings()
	if err := v.MergeConfigMap(secrets); err != nil {
		return nil, fmt.Errorf("failed to merge secrets: %w", err)
	}
	return secrets, nil
}

func (p *ConfigProvider) applyFlags(v *viper.Viper) {
	if p.flags == nil {
		return
	}
	for name, key := range flagBindings {
		if f := p.flags.Lookup(name); f != nil && f.Changed {
			v.Set(key, f.Value.String())
		}
	}
}
