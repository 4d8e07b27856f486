package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/identity/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetYes   bool
	resetClear bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset template storage",
	Long:  "Drops the template table. Use --clear to delete every template but keep the schema.",
	Run: func(cmd *cobra.Command, args []string) {
		if DB == nil {
			utils.Die("Cannot reset", errNoDatabase, nil)
		}
		reader := bufio.NewReader(os.Stdin)

		if resetClear {
			if resetYes || confirm(os.Stdout, reader, "⚠️  Are you sure you want to delete all enrolled templates?") {
				fmt.Println("🗑️  Clearing Templates...")
				if err := DB.Clear(cmd.Context()); err != nil {
					utils.Die("Failed to clear templates", err, nil)
				}
			}
		} else if resetYes || confirm(os.Stdout, reader, "⚠️  Are you sure you want to DROP the template table?") {
			fmt.Println("🗑️  Clearing Database...")
			if err := DB.Reset(cmd.Context()); err != nil {
				utils.Die("Failed to reset database", err, nil)
			}
		}

		fmt.Println("✨ Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	resetCmd.Flags().BoolVar(&resetClear, "clear", false, "Delete templates but keep the schema")
	rootCmd.AddCommand(resetCmd)
}

func confirm(out io.Writer, r *bufio.Reader, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
