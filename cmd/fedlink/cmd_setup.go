package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/fedlink/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("fedlink Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.Sheets.CredentialsFile = prompt(scanner, "Service account credentials file", cfg.Sheets.CredentialsFile)
		cfg.Sheets.SpreadsheetID = prompt(scanner, "Spreadsheet ID", cfg.Sheets.SpreadsheetID)
		cfg.OutputDir = prompt(scanner, "Local output directory", cfg.OutputDir)

		cfg.Serial.VID = prompt(scanner, "USB vendor ID", cfg.Serial.VID)
		cfg.Serial.PID = prompt(scanner, "USB product ID", cfg.Serial.PID)

		interval := prompt(scanner, "Remote flush interval (seconds)", strconv.Itoa(cfg.Flush.Interval))
		if n, err := strconv.Atoi(interval); err == nil && n > 0 {
			cfg.Flush.Interval = n
		}

		// Optional operator alerts
		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)
		if cfg.Telegram.Token != "" {
			chat := prompt(scanner, "Telegram chat ID", strconv.FormatInt(cfg.Telegram.ChatID, 10))
			if id, err := strconv.ParseInt(chat, 10, 64); err == nil {
				cfg.Telegram.ChatID = id
			}
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
