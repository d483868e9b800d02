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
	"os"
	"time"

	"github.com/ncode/multicaster/pkg/emitter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send test datagrams to a multicast group",
	Long:  `send emits datagrams to a group, which is handy to check a running relay end to end.`,
	Run: func(cmd *cobra.Command, args []string) {
		addr := viper.GetString("send.address")
		e, err := emitter.NewUDPEmitter(addr, viper.GetInt("send.ttl"), viper.GetBool("send.loopback"))
		if err != nil {
			logger.Error("unable to create emitter", "address", addr, "error", err)
			os.Exit(1)
		}
		defer e.Close()

		count := viper.GetInt("send.count")
		interval := viper.GetDuration("send.interval")
		for i := 0; i < count; i++ {
			payload := testPayload(viper.GetString("send.message"), viper.GetInt("send.size"), i)
			if err := e.Emit(payload); err != nil {
				logger.Error("unable to send datagram", "address", addr, "error", err)
				e.Close()
				os.Exit(1)
			}
			logger.Debug("sent datagram", "address", addr, "bytes", len(payload), "seq", i)
			if interval > 0 && i < count-1 {
				time.Sleep(interval)
			}
		}
		logger.Info("sent datagrams", "address", addr, "count", count)
	},
}

// testPayload returns message when set, otherwise size bytes derived from seq.
func testPayload(message string, size, seq int) []byte {
	if message != "" {
		return []byte(message)
	}
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(seq + i)
	}
	return b
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().String("send.address", "239.1.1.1:5000", "group (or unicast) address to send to")
	sendCmd.Flags().Int("send.count", 1, "number of datagrams to send")
	sendCmd.Flags().Int("send.size", 100, "payload size in bytes when no message is given")
	sendCmd.Flags().String("send.message", "", "payload text")
	sendCmd.Flags().Duration("send.interval", 0, "pause between datagrams")
	sendCmd.Flags().Int("send.ttl", 1, "multicast TTL")
	sendCmd.Flags().Bool("send.loopback", true, "deliver to listeners on this host")

	for _, name := range []string{"send.address", "send.count", "send.size", "send.message", "send.interval", "send.ttl", "send.loopback"} {
		viper.BindPFlag(name, sendCmd.Flags().Lookup(name))
	}
}
