package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var secretsExtensions = []string{".yaml", ".yml", ".json", ".toml"}

// discoverSecretsFile resolves the secrets file. In order of precedence:
//
//	<PREFIX>_SECRETS_FILE, which must name a readable file when set
//	secrets<ext> beside the config file, with the config file's extension
//	secrets.{yaml,yml,json,toml} in the working directory
//
// No match is not an error: secrets are optional.
func (l *ViperLoader) discoverSecretsFile() (string, error) {
	envName := l.prefixedEnv("SECRETS_FILE")
	if raw, set := os.LookupEnv(envName); set {
		path := strings.TrimSpace(raw)
		if path == "" {
			return "", fmt.Errorf("%s is set but empty", envName)
		}
		if err := requireRegularFile(path); err != nil {
			return "", fmt.Errorf("%s: %w", envName, err)
		}
		return path, nil
	}

	var candidates []string
	if l.configFile != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(l.configFile), "secrets"+filepath.Ext(l.configFile)))
	}
	for _, ext := range secretsExtensions {
		candidates = append(candidates, "secrets"+ext)
	}
	for _, path := range candidates {
		if requireRegularFile(path) == nil {
			return path, nil
		}
	}
	return "", nil
}

func requireRegularFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("secrets file %s is not accessible: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secrets file %s is a directory", path)
	}
	return nil
}
