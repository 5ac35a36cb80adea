package cli

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/spf13/cobra"
)

const redactedValue = "***"

// sensitiveKeys are redacted from config show even when they come from the config file.
var sensitiveKeys = map[string]bool{
	"url":               true,
	"secret_access_key": true,
	"access_key_id":     true,
}

func (a *app) newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, _, err := a.loadSettings(cmd.Flags()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})

	var showSecrets bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, provider, secrets, err := a.loadSettings(cmd.Flags())
			if err != nil {
				return err
			}
			settings := provider.AllSettings()
			if !showSecrets {
				settings = redactSensitive(redactSettingsMap(settings, secrets))
			}
			formatted, err := formatSettings(settings)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatted)
			return nil
		},
	}
	show.Flags().BoolVar(&showSecrets, "show-secrets", false, "show secret values")
	cmd.AddCommand(show)
	return cmd
}

// redactSettingsMap masks every setting that the secrets file provided.
func redactSettingsMap(settings, secrets map[string]interface{}) map[string]interface{} {
	if len(settings) == 0 || len(secrets) == 0 {
		return settings
	}
	out := make(map[string]interface{}, len(settings))
	for key, value := range settings {
		mask, ok := secrets[key]
		if !ok {
			out[key] = value
			continue
		}
		out[key] = redactSettingValue(value, mask)
	}
	return out
}

func redactSettingValue(value, mask interface{}) interface{} {
	maskMap, maskIsMap := mask.(map[string]interface{})
	if !maskIsMap {
		if shouldRedactSetting(mask) {
			return redactedValue
		}
		return value
	}
	valueMap, valueIsMap := value.(map[string]interface{})
	if !valueIsMap {
		if shouldRedactSetting(mask) {
			return redactedValue
		}
		return value
	}
	out := make(map[string]interface{}, len(valueMap))
	for key, item := range valueMap {
		childMask, ok := maskMap[key]
		if !ok {
			out[key] = item
			continue
		}
		out[key] = redactSettingValue(item, childMask)
	}
	return out
}

func shouldRedactSetting(mask interface{}) bool {
	if mask == nil {
		return false
	}
	switch value := mask.(type) {
	case string:
		return strings.TrimSpace(value) != ""
	case bool:
		return value
	case []interface{}:
		return len(value) > 0
	case map[string]interface{}:
		return len(value) > 0
	default:
		return !reflect.ValueOf(mask).IsZero()
	}
}

// redactSensitive masks connection strings and credentials wherever they appear.
func redactSensitive(settings map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(settings))
	for key, value := range settings {
		switch v := value.(type) {
		case map[string]interface{}:
			out[key] = redactSensitive(v)
		case string:
			if sensitiveKeys[key] && v != "" {
				out[key] = redactedValue
			} else {
				out[key] = v
			}
		default:
			out[key] = value
		}
	}
	return out
}
