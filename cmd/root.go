package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// errRunFailed marks a run that completed without fixing the build: max loops
// or budget exhausted. It maps to exit code 1; every other error is a setup
// failure and maps to exit code 2.
var errRunFailed = errors.New("run did not reach a passing state")

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Autonomous build-and-test repair loop",
	Long:  "Forge dispatches builder agents against a broken repository and iterates patch, build, test until the suite passes.",
	// Run outcomes print their own diagnostics; cobra should not repeat them.
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errRunFailed) {
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default .forge.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "write raw model exchanges to the debug directory")
}

func initConfig() {
	if cfgFile, _ := rootCmd.Flags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".forge")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
	}

	viper.SetEnvPrefix("FORGE")
	viper.AutomaticEnv()

	// It's fine if no config file is found; we use defaults.
	_ = viper.ReadInConfig()
}
