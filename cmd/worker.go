package cmd

import (
	"os"

	"github.com/andresmejia3/identity/internal/matcher"
	"github.com/andresmejia3/identity/internal/worker"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:         "worker",
	Short:       "Run as a matching worker process (spawned by the process backend)",
	Hidden:      true,
	Annotations: map[string]string{skipDB: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// Replies go to FD 3 so stdout stays free for stray prints
		data := os.NewFile(3, "data")
		defer data.Close()
		l := log.With().Int("pid", os.Getpid()).Logger()
		l.Debug().Float64("threshold", cfg.Threshold).Msg("worker started")
		return worker.ServeProcess(cmd.Context(), os.Getpid(), matcher.Cosine{Threshold: cfg.Threshold}, os.Stdin, data)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
