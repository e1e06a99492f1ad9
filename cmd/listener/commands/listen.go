package commands

import (
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/animalrunner/listener/internal/transport"
)

var listenAddr string

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print datagrams arriving on a UDP port (stand-in game client)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "listening on %s, Ctrl+C to stop\n", listenAddr)
		return transport.Listen(ctx, listenAddr, func(msg transport.Message, from *net.UDPAddr) {
			stamp := time.Now().Format("15:04:05.000")
			if msg.JSON {
				fmt.Fprintf(out, "[%s] %s %s: %s (%.2f) %s\n", stamp, from, msg.Type, msg.Label, msg.Confidence, msg.Timestamp)
				return
			}
			fmt.Fprintf(out, "[%s] %s verdict: %s (%.3f)\n", stamp, from, msg.Label, msg.Confidence)
		})
	},
}

func init() {
	listenCmd.Flags().StringVar(&listenAddr, "addr", "127.0.0.1:5005", "UDP address to bind")
}
