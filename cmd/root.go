/*
Copyright © 2024 Juliano Martinez <juliano@martinez.io>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ncode/multicaster/pkg/relay"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var logger *slog.Logger

func init() {
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "multicaster",
	Short: "Receive multicast datagrams and forward them unicast",
	Long: `multicaster joins a multicast group on the source port and forwards the
payload of every datagram it receives, unchanged, to a single unicast
destination. For example:

  multicaster --source-host 239.1.1.1 --source-port 5000 \
    --destination-host 127.0.0.1 --destination-port 6000`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := relayConfig()
		if err := cfg.Validate(); err != nil {
			logger.Error("invalid configuration", "error", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if code := exitCode(relay.Run(ctx, cfg, logger)); code != 0 {
			os.Exit(code)
		}
	},
}

// exitCode logs how the relay ended and maps it to the process exit status.
// A nil error or a cancelled context is a clean stop.
func exitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		logger.Info("relay stopped")
		return 0
	}
	logger.Error("relay failed", "error", err)
	return 1
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.multicaster.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-file", "", "write logs to this file instead of stdout, rotated by size")
	rootCmd.PersistentFlags().Int("log-max-size", 100, "maximum size in megabytes of the log file before it is rotated")
	rootCmd.PersistentFlags().Int("log-max-backups", 3, "maximum number of rotated log files to keep")
	rootCmd.PersistentFlags().Int("log-max-age", 28, "maximum number of days to keep rotated log files")

	rootCmd.Flags().String("source-host", "", "multicast group to join, e.g. 239.1.1.1")
	rootCmd.Flags().String("source-port", "", "UDP port to bind on all interfaces")
	rootCmd.Flags().String("destination-host", "", "host to forward datagrams to")
	rootCmd.Flags().String("destination-port", "", "UDP port to forward datagrams to")
	rootCmd.Flags().String("source-interface", "", "interface to join the group on (default: chosen by the kernel)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".multicaster" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".multicaster")
	}

	for _, name := range []string{"log-level", "log-file", "log-max-size", "log-max-backups", "log-max-age"} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
	for _, name := range []string{"source-host", "source-port", "destination-host", "destination-port", "source-interface"} {
		viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}

	viper.SetEnvPrefix("multicaster")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	l, err := newLogger()
	if err != nil {
		logger.Error("unable to configure logging", "error", err)
		os.Exit(1)
	}
	logger = l
}

func relayConfig() relay.Config {
	return relay.Config{
		SourceHost:      viper.GetString("source-host"),
		SourcePort:      viper.GetString("source-port"),
		DestinationHost: viper.GetString("destination-host"),
		DestinationPort: viper.GetString("destination-port"),
		Interface:       viper.GetString("source-interface"),
	}
}
