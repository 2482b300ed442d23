package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quantrove/upbot/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configInitPath string

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if err := cfg.SaveToFile(configInitPath); err != nil {
			return err
		}
		fmt.Printf("wrote default config to %s\n", configInitPath)
		fmt.Println("set UPBIT_ACCESS_KEY and UPBIT_SECRET_KEY in the environment or a .env file")
		return nil
	},
}

var configCheckPath string

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate a config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFromFile(configCheckPath)
		if err != nil {
			return err
		}
		fmt.Printf("config ok: market=%s interval=%s strategy=%s\n", cfg.Market, cfg.Interval, cfg.Strategy.Name)
		return nil
	},
}

func init() {
	configInitCmd.Flags().StringVarP(&configInitPath, "out", "o", "upbot.yaml", "where to write the config")
	configCheckCmd.Flags().StringVarP(&configCheckPath, "config", "f", "upbot.yaml", "config file to validate")
	configCmd.AddCommand(configInitCmd, configCheckCmd)
	rootCmd.AddCommand(configCmd)
}
