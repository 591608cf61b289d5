package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/fedlink/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configCheckCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List effective configuration values and where they come from",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		values, err := config.ListValues(cfg, true)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}

		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
		for _, k := range keys {
			source := "file"
			if env, ok := config.EnvOverride(k); ok {
				source = "env " + env
			}
			fmt.Fprintf(w, "%s\t%v\t%s\n", k, values[k], source)
		}
		return w.Flush()
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set writes one dotted key to the config file. The whole file is
validated first (USB ids, intervals, recording trigger, listen address)
and left untouched when the new value is rejected.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		if err := config.SetValue(cfgPath, key, args[1]); err != nil {
			return err
		}
		display := args[1]
		if config.IsSecretKey(key) {
			display = "***"
		}
		fmt.Fprintf(os.Stdout, "Set %s = %s\n", key, display)

		if env, ok := config.EnvOverride(key); ok {
			fmt.Fprintf(os.Stdout, "Note: %s is set and overrides this value.\n", env)
		}
		if pid, err := readPID(loadConfig()); err == nil {
			fmt.Fprintf(os.Stdout, "Daemon is running (PID %d); run `fedlink restart` to apply.\n", pid)
		}
		return nil
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and the files it points to",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		errs := []error{config.Validate(cfg)}

		if cfg.Sheets.CredentialsFile != "" {
			if _, err := os.Stat(cfg.Sheets.CredentialsFile); err != nil {
				errs = append(errs, fmt.Errorf("sheets.credentials_file: %w", err))
			}
		} else {
			fmt.Println("sheets.credentials_file is empty; every session start must supply credentials.")
		}
		if cfg.Sheets.SpreadsheetID == "" {
			fmt.Println("sheets.spreadsheet_id is empty; every session start must supply spreadsheet_id.")
		}
		if cfg.GPIO.Enabled && len(cfg.GPIO.Devices) == 0 {
			fmt.Println("GPIO enabled but no device pins are mapped (gpio.devices).")
		}

		if err := errors.Join(errs...); err != nil {
			return err
		}
		fmt.Printf("Config %s is valid.\n", cfgPath)
		return nil
	},
}
