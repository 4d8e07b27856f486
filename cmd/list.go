package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/identity/internal/store"
	"github.com/andresmejia3/identity/internal/utils"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all enrolled templates in the database",
	Run: func(cmd *cobra.Command, args []string) {
		runList(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context) {
	if DB == nil {
		utils.Die("Cannot list templates", errNoDatabase, nil)
	}
	records, err := DB.Load(ctx)
	if err != nil {
		utils.Die("Failed to list templates", err, nil)
	}

	if len(records) == 0 {
		fmt.Println("No templates found in database.")
		return
	}
	printRecords(os.Stdout, records)
}

func printRecords(out io.Writer, records []store.Record) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tDIMENSIONS\tCREATED")
	fmt.Fprintln(w, "--\t----------\t-------")

	for _, r := range records {
		created := "-"
		if !r.CreatedAt.IsZero() {
			created = r.CreatedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", r.ID, len(r.Template), created)
	}
	w.Flush()
}
