package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/andresmejia3/identity/internal/engine"
	"github.com/andresmejia3/identity/internal/types"
	"github.com/andresmejia3/identity/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var identifyCmd = &cobra.Command{
	Use:   "identify <vector.json>",
	Short: "Search the enrolled templates for a probe feature vector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runIdentify(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(identifyCmd)
}

// chunkProgress drives one progress bar per request from OnChunkDone.
type chunkProgress struct {
	mu  sync.Mutex
	out io.Writer
	bar *progressbar.ProgressBar
}

func (p *chunkProgress) done(_ string, completed, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		p.bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("🔍 Matching chunks"),
			progressbar.OptionSetWriter(p.out), // Write bar to Stderr
			progressbar.OptionShowCount(),
		)
	}
	p.bar.Set(completed)
}

func (p *chunkProgress) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		p.bar.Finish()
		fmt.Fprintln(p.out)
	}
}

func runIdentify(ctx context.Context, path string) error {
	probe, err := utils.ReadVector(path)
	if err != nil {
		utils.ShowError("Failed to read probe vector", err, nil)
		return err
	}
	if DB == nil {
		utils.ShowError("Cannot identify", errNoDatabase, nil)
		return errNoDatabase
	}

	progress := &chunkProgress{out: os.Stderr}
	fmt.Fprintln(os.Stderr, "🚀 Starting identification engine...")
	e, err := newEngine(ctx, engine.Options{OnChunkDone: progress.done})
	if err != nil {
		utils.ShowError("Failed to start identification engine", err, nil)
		return err
	}
	defer e.Close()

	fmt.Fprintf(os.Stderr, "🗄️  Searching %d templates...\n", e.Count())
	res, err := e.Identify(ctx, filepath.Base(path), types.Template(probe))
	progress.finish()
	if err != nil {
		utils.ShowError("Identification failed", err, nil)
		return err
	}
	printResult(os.Stdout, res)
	return nil
}

func printResult(out io.Writer, res *types.Result) {
	if res.Matched == nil {
		fmt.Fprintf(out, "❌ No match found (request %s, %dms).\n", res.RequestID, res.Elapsed)
		return
	}
	if res.Confidence > 0 {
		fmt.Fprintf(out, "✅ Found Match: %s (confidence %.3f, request %s, %dms)\n", *res.Matched, res.Confidence, res.RequestID, res.Elapsed)
		return
	}
	fmt.Fprintf(out, "✅ Found Match: %s (request %s, %dms)\n", *res.Matched, res.RequestID, res.Elapsed)
}
