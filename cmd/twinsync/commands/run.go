package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/twinsync/gateway/pkg/gateway"
)

var (
	runConfigPath string
	runSim        bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the edge gateway from a config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := gateway.LoadConfig(runConfigPath)
		if err != nil {
			return err
		}
		if runSim {
			for i := range cfg.Robots {
				cfg.Robots[i].Addr = gateway.AddrSim
			}
			for i := range cfg.PLCs {
				cfg.PLCs[i].Addr = gateway.AddrSim
			}
		}
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = "twinsync-" + uuid.NewString()
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		gw := gateway.New(cfg, gateway.Options{})
		startCtx, startCancel := context.WithTimeout(ctx, 30*time.Second)
		err = gw.Start(startCtx)
		startCancel()
		if err != nil {
			return err
		}

		<-ctx.Done()
		slog.Info("shutting down")
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		return gw.Close(closeCtx)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "gateway.yaml", "gateway config file")
	runCmd.Flags().BoolVar(&runSim, "sim", false, "replace every device address with the built-in simulator")
	rootCmd.AddCommand(runCmd)
}
