package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/identity/internal/engine"
	"github.com/andresmejia3/identity/internal/utils"
	"github.com/spf13/cobra"
)

var errNoDatabase = errors.New("no database configured (use --db or POSTGRES_* env vars)")

var enrollCmd = &cobra.Command{
	Use:   "enroll <id> <vector.json>",
	Short: "Enroll a feature vector under an identifier",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		runEnroll(cmd.Context(), args[0], args[1])
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove an enrolled identifier",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runRemove(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(enrollCmd)
	rootCmd.AddCommand(removeCmd)
}

func runEnroll(ctx context.Context, id, path string) {
	if DB == nil {
		utils.Die("Cannot enroll", errNoDatabase, nil)
	}
	vec, err := utils.ReadVector(path)
	if err != nil {
		utils.Die("Failed to read feature vector", err, nil)
	}

	e, err := newEngine(ctx, engine.Options{})
	if err != nil {
		utils.Die("Failed to start identification engine", err, nil)
	}
	defer e.Close()

	ok, err := e.Enroll(ctx, id, vec)
	if err != nil {
		utils.Die("Failed to enroll template", err, nil)
	}
	if !ok {
		fmt.Printf("⚠️  '%s' is already enrolled.\n", id)
		return
	}
	fmt.Printf("✅ Enrolled '%s' (%d dimensions, %d templates total)\n", id, len(vec), e.Count())
}

func runRemove(ctx context.Context, id string) {
	if DB == nil {
		utils.Die("Cannot remove", errNoDatabase, nil)
	}
	e, err := newEngine(ctx, engine.Options{})
	if err != nil {
		utils.Die("Failed to start identification engine", err, nil)
	}
	defer e.Close()

	ok, err := e.Remove(ctx, id)
	if err != nil {
		utils.Die("Failed to remove template", err, nil)
	}
	if !ok {
		fmt.Printf("❌ '%s' is not enrolled.\n", id)
		return
	}
	fmt.Printf("🗑️  Removed '%s'\n", id)
}
