// Command owtclassify classifies one L2A reflectance product into optical
// water types and writes the L2B result next to it or into --odir.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/obs2co/owt-server/internal/config"
	"github.com/obs2co/owt-server/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:           "owtclassify",
	Short:         "Optical water type classification of L2A reflectance products",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a server configuration file supplying defaults")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-console", false, "Human readable log output")
	mustBind(rootCmd.PersistentFlags().Lookup("config"), "config")
	mustBind(rootCmd.PersistentFlags().Lookup("log-level"), "log.level")
	mustBind(rootCmd.PersistentFlags().Lookup("log-console"), "log.console")

	viper.SetEnvPrefix("OWT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(classifyCmd, databasesCmd)
}

// loadConfig reads the optional configuration file. Without one the
// built-in defaults apply.
func loadConfig() (*config.Config, error) {
	path := viper.GetString("config")
	if path == "" {
		return config.DefaultConfig(), nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return config.Load(path)
}

func newLogger() (*zap.Logger, error) {
	cfg := logging.Config{Level: viper.GetString("log.level"), Encoding: "json"}
	if viper.GetBool("log.console") {
		cfg.Encoding = "console"
	}
	return logging.New(cfg)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
