package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage cadence configuration",
	Long: sym.AM + ` am — Manage cadence configuration

Configuration sources (in order of precedence):
1. Environment variables (CADENCE_* prefix, e.g. CADENCE_LIMITS_PER_DAY)
2. Project config (./am.toml or ./config.toml, searched up directories)
3. User config (~/.cadence/am.toml)
4. System config (/etc/cadence/config.toml)
5. Default values

Examples:
  cadence am show                 # Show current configuration
  cadence am show --format json   # Show configuration in JSON format
  cadence am validate             # Validate current configuration
  cadence am where                # Show which files are read`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	RunE:  runAmWhere,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Never print secrets
	cfg.Redis.Password = redact(cfg.Redis.Password)
	cfg.Server.APIToken = redact(cfg.Server.APIToken)
	cfg.Gmail.ClientSecret = redact(cfg.Gmail.ClientSecret)
	cfg.Alerts.SentryDSN = redact(cfg.Alerts.SentryDSN)

	out, err := renderConfig(cfg, configFormat)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}

func renderConfig(cfg *am.Config, format string) (string, error) {
	switch format {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return "", errors.Wrap(err, "failed to marshal config to JSON")
		}
		return string(data) + "\n", nil

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return "", errors.Wrap(err, "failed to marshal config to YAML")
		}
		return "# cadence configuration\n" + string(data), nil

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return "", errors.Wrap(err, "failed to marshal config to TOML")
		}
		return "# cadence configuration\n" + string(data), nil

	default:
		return "", errors.Newf("unsupported format: %s (supported: toml, json, yaml)", format)
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	// Load validates; a failure here is the validation error
	if _, err := am.Load(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Configuration cascade (later overrides earlier):")
	fmt.Fprintln(out, "  [DEFAULT]  Built-in defaults")
	for _, p := range am.ConfigPaths() {
		state := "missing"
		if _, err := os.Stat(p); err == nil {
			state = "found"
		}
		fmt.Fprintf(out, "  [FILE]     %s (%s)\n", p, state)
	}
	fmt.Fprintf(out, "  [ENV]      %s_* environment variables\n", am.EnvPrefix)
	return nil
}
