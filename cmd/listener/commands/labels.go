package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/animalrunner/listener/internal/classifier"
	"github.com/animalrunner/listener/internal/config"
)

var labelsCmd = &cobra.Command{
	Use:   "labels",
	Short: "Print the resolved label list and the positive classes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := os.Getenv("LABELS_PATH")
		background := classifier.DefaultBackgroundLabel
		if cfg, err := config.Load(); err == nil {
			path, background = cfg.LabelsPath, cfg.BackgroundLabel
		}

		labels, err := classifier.LoadLabels(path)
		source := path
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "using default labels: %v\n", err)
			labels, source = classifier.DefaultLabels, "defaults"
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "labels (%s):\n", source)
		for i, l := range labels {
			fmt.Fprintf(out, "  %2d  %s\n", i, l)
		}
		fmt.Fprintf(out, "background: %s\n", background)
		fmt.Fprintf(out, "positive: %v\n", classifier.PositiveSet(labels, background))
		return nil
	},
}
