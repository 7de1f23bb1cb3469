package commands

import (
	"log/slog"

	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/spf13/cobra"

	"github.com/twinsync/gateway/pkg/mqtt"
)

var brokerAddr string

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run an embedded MQTT broker (development)",
	Long: `Runs a standalone MQTT broker that accepts every client, for local
development against simulated devices. With --verbose every published
topic is logged.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		srv := &mqtt.Server{}
		if verbose {
			srv.Handler = mqtt.HandlerFunc(func(m mqtt.Message) error {
				slog.Debug("publish", "topic", m.Packet.Topic, "bytes", len(m.Packet.Payload))
				return nil
			})
		}
		slog.Info("broker listening", "addr", brokerAddr)
		return srv.Serve(listeners.NewTCP(listeners.Config{ID: "tcp", Address: brokerAddr}))
	},
}

func init() {
	brokerCmd.Flags().StringVar(&brokerAddr, "addr", ":1883", "listen address")
	rootCmd.AddCommand(brokerCmd)
}
