package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/telecode/internal/config"
)

const redactedToken = "<redacted>"

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the config file",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the merged configuration: defaults, config file and flags. The
Telegram token is redacted.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		out, err := renderEffectiveConfig()
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a commented default config file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		path := filepath.Join(config.DefaultConfigDir(), "config.yaml")
		if len(args) == 1 {
			path = args[0]
		}

		if _, err := os.Stat(path); err == nil && !configForce {
			fmt.Printf("Config file already exists: %s (use --force to overwrite)\n", path)
			return nil
		}

		if err := config.WriteDefaultConfig(path); err != nil {
			return err
		}
		fmt.Printf("Created %s\n", path)
		fmt.Println("Set telegram.token before starting the bot")
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location in effect",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(configFilePath())
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing config file")
	configCmd.AddCommand(configShowCmd, configInitCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

// renderEffectiveConfig marshals viper's merged settings, with the token
// masked so the output is safe to paste into bug reports.
func renderEffectiveConfig() (string, error) {
	settings := viper.AllSettings()
	redactToken(settings)

	out, err := yaml.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("rendering config: %w", err)
	}
	return string(out), nil
}

func redactToken(settings map[string]any) {
	tg, ok := settings["telegram"].(map[string]any)
	if !ok {
		return
	}
	if token, ok := tg["token"].(string); ok && token != "" {
		tg["token"] = redactedToken
	}
}
