package cmd

import (
	"os"

	"github.com/andresmejia3/identity/internal/transport"
	"github.com/spf13/cobra"
)

var ipcCmd = &cobra.Command{
	Use:   "ipc",
	Short: "Serve identification commands as newline-delimited JSON over stdin/stdout",
	Long: `Reads {"channel","seq","data"} requests from stdin and answers each on stdout
with the same channel and seq. Status pushes carry no seq.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runTransport(cmd.Context(), transport.NewStdio(os.Stdin, os.Stdout, log))
	},
}

func init() {
	rootCmd.AddCommand(ipcCmd)
}
