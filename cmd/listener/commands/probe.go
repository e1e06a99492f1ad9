package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/animalrunner/listener/internal/transport"
)

var (
	probeHost  string
	probePort  int
	probeLabel string
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Send one test datagram to check the game client is reachable",
	Example: `  listener probe
  listener probe --host 192.168.1.20 --port 5005 --label Cow`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), transport.DefaultWriteTimeout)
		defer cancel()

		env, err := transport.Probe(ctx, probeHost, probePort, probeLabel)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %s probe for %q to %s:%d at %s\n",
			env.Type, env.Animal, probeHost, probePort, env.Timestamp)
		return nil
	},
}

func init() {
	probeCmd.Flags().StringVar(&probeHost, "host", "127.0.0.1", "target host")
	probeCmd.Flags().IntVar(&probePort, "port", 5005, "target UDP port")
	probeCmd.Flags().StringVar(&probeLabel, "label", "test_animal", "animal label to send")
}
