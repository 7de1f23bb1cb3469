package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/twinsync/gateway/pkg/ingress"
	"github.com/twinsync/gateway/pkg/mqtt"
)

var (
	monitorBroker  string
	monitorTenant  string
	monitorGateway string

	topicStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
	rosterStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ffcc00"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch a gateway's data and roster topics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		dataPattern := fmt.Sprintf("%s/%s/%s/data/#", ingress.TopicRoot, monitorTenant, monitorGateway)
		rosterTopic := ingress.RosterTopic(monitorTenant, monitorGateway)

		mux := mqtt.NewServeMux()
		mux.HandleFunc(dataPattern, func(m mqtt.Message) error {
			printData(m.Packet.Topic, m.Packet.Payload)
			return nil
		})
		mux.HandleFunc(rosterTopic, func(m mqtt.Message) error {
			fmt.Printf("%s %s %s\n",
				dimStyle.Render(time.Now().Format("15:04:05.000")),
				rosterStyle.Render("ROSTER"),
				string(m.Packet.Payload))
			return nil
		})

		dialer := &mqtt.Dialer{
			ID:       "monitor-" + uuid.NewString(),
			ServeMux: mux,
		}
		dialCtx, dialCancel := context.WithTimeout(ctx, 30*time.Second)
		conn, err := dialer.Dial(dialCtx, monitorBroker)
		dialCancel()
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := conn.SubscribeAll(ctx, []string{dataPattern, rosterTopic},
			mqtt.AtLeastOnce, mqtt.AutoResubscribe{}); err != nil {
			return err
		}
		fmt.Println(dimStyle.Render("watching " + dataPattern + " ..."))

		<-ctx.Done()
		return nil
	},
}

// printData renders one data envelope as a compact line: the device part
// of the topic plus the pubSeq/frameSeq pair and the payload.
func printData(topic string, payload []byte) {
	short := topic
	if parts := strings.Split(topic, "/"); len(parts) == 6 {
		short = parts[4] + "/" + parts[5]
	}
	var env struct {
		PubSeq   int64           `json:"pubSeq"`
		FrameSeq int64           `json:"frameSeq"`
		Payload  json.RawMessage `json:"payload"`
	}
	ts := dimStyle.Render(time.Now().Format("15:04:05.000"))
	if err := json.Unmarshal(payload, &env); err != nil {
		fmt.Printf("%s %s %s\n", ts, topicStyle.Render(short), string(payload))
		return
	}
	fmt.Printf("%s %s %s %s\n",
		ts,
		topicStyle.Render(short),
		dimStyle.Render(fmt.Sprintf("pub=%d frame=%d", env.PubSeq, env.FrameSeq)),
		string(env.Payload))
}

func init() {
	monitorCmd.Flags().StringVar(&monitorBroker, "broker", "tcp://127.0.0.1:1883", "broker address")
	monitorCmd.Flags().StringVar(&monitorTenant, "tenant", "", "tenant id")
	monitorCmd.Flags().StringVar(&monitorGateway, "gateway", "", "gateway id")
	monitorCmd.MarkFlagRequired("tenant")
	monitorCmd.MarkFlagRequired("gateway")
	rootCmd.AddCommand(monitorCmd)
}
