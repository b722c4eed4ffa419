package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"tumblrbackup/pkg/config"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration files",
	Long: `Manage tumblrbackup configuration files.

Configuration is loaded from, in order of precedence:
  - Command line flags
  - Environment variables
  - Configuration file (--config, .tumblrbackup.yaml, or
    ~/.config/tumblrbackup/config.yaml)
  - Default values`,
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an example configuration file",
	Long: `Write a configuration file populated with the default values.

The file is created as '.tumblrbackup.yaml' in the current directory
unless a different path is given with the --config flag.`,
	Run: runConfigInit,
}

// configShowCmd represents the config show command
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Show the configuration after merging all sources. The API key is
masked.`,
	Run: runConfigShow,
}

// configValidateCmd represents the config validate command
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Run:   runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) {
	configPath := configFile
	if configPath == "" {
		configPath = ".tumblrbackup.yaml"
	}

	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(os.Stderr, "Config file already exists: %s\n", configPath)
		os.Exit(1)
	}

	data, err := yaml.Marshal(config.DefaultConfig())
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to render configuration:", err)
		os.Exit(1)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to write config file:", err)
		os.Exit(1)
	}
	fmt.Printf("Created %s\n", configPath)
}

func runConfigShow(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}

	if cfg.API.Key != "" {
		cfg.API.Key = maskKey(cfg.API.Key)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to render configuration:", err)
		os.Exit(1)
	}
	os.Stdout.Write(data)
}

func runConfigValidate(cmd *cobra.Command, args []string) {
	if _, err := config.Load(configFile); err != nil {
		fmt.Fprintln(os.Stderr, "Configuration invalid:", err)
		os.Exit(1)
	}
	fmt.Println("Configuration is valid.")
}
