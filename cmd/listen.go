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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ncode/multicaster/pkg/sink"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// listenCmd represents the listen command
var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Receive forwarded datagrams and log them",
	Long: `listen binds a unicast UDP address, such as the relay's destination, and
logs every datagram that matches the configured sink.rules. With
--sink.capture.file_path the payloads are also written as JSON lines to a
rotated capture file.`,
	Run: func(cmd *cobra.Command, args []string) {
		addr := viper.GetString("sink.address")
		s := sink.New(logger)
		defer s.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sink.Stop(stopCtx, addr); err != nil {
				logger.Error("unable to stop sink", "error", err)
			}
		}()

		if err := s.ListenAndServe(addr); err != nil {
			logger.Error("sink failed", "address", addr, "error", err)
			s.Close()
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(listenCmd)

	listenCmd.Flags().String("sink.address", "127.0.0.1:6000", "UDP address to listen on")
	listenCmd.Flags().String("sink.capture.file_path", "", "append received datagrams to this file")
	listenCmd.Flags().Int("sink.capture.max_size", 100, "maximum size in megabytes of the capture file before it is rotated")
	listenCmd.Flags().Int("sink.capture.max_backups", 3, "maximum number of rotated capture files to keep")
	listenCmd.Flags().Int("sink.capture.max_age", 28, "maximum number of days to keep rotated capture files")
	listenCmd.Flags().Bool("sink.capture.compress", false, "gzip rotated capture files")

	bindListenFlags()
}

var listenFlags = []string{
	"sink.address",
	"sink.capture.file_path",
	"sink.capture.max_size",
	"sink.capture.max_backups",
	"sink.capture.max_age",
	"sink.capture.compress",
}

func bindListenFlags() {
	for _, name := range listenFlags {
		viper.BindPFlag(name, listenCmd.Flags().Lookup(name))
	}
}
