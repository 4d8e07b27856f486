package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andresmejia3/identity/internal/config"
	"github.com/andresmejia3/identity/internal/engine"
	"github.com/andresmejia3/identity/internal/store"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Options holds the engine flags shared by every subcommand. They override
// values from the config file only when set explicitly.
type Options struct {
	ConfigPath   string
	Backend      string
	MaxWorkers   int
	MaxWorks     int
	Keep         bool
	Confidence   bool
	Threshold    float64
	ChunkTimeout time.Duration
	Prefix       string
	Mode         string
	Listen       string
	Namespace    string
	LogLevel     string
}

// skipDB marks commands that never touch persistence.
const skipDB = "skip-db"

var (
	// DB is the template persistence shared by subcommands; nil when no database is configured
	DB store.Persister
	// dbURL is the connection string
	dbURL string

	opts Options
	cfg  config.Config
	log  zerolog.Logger
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "identity",
	Short:   "Biometric identification engine with parallel template matching",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig(cmd.Flags())
		if err != nil {
			return err
		}
		log = cfg.Log.Logger(os.Stderr)

		if cmd.Annotations[skipDB] == "true" || cfg.Database == "" {
			return nil
		}
		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.Open(cmd.Context(), cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&opts.ConfigPath, "config", "", "Path to a YAML config file")
	f.StringVar(&dbURL, "db", "", "Template database (postgres://... or sqlite://path.db); defaults to POSTGRES_* env vars, none when unset")
	f.StringVar(&opts.Backend, "backend", config.BackendThread, "Worker backend: thread or process")
	f.IntVarP(&opts.MaxWorkers, "max-worker", "w", 0, "Maximum concurrent workers (default: number of CPUs)")
	f.IntVar(&opts.MaxWorks, "max-works", 0, "Templates per chunk (0 = one chunk per request)")
	f.BoolVar(&opts.Keep, "keep", true, "Keep finished workers alive for reuse")
	f.BoolVar(&opts.Confidence, "confidence", false, "Wait for every chunk and keep the best-confidence match")
	f.Float64VarP(&opts.Threshold, "threshold", "t", 0.6, "Matching threshold (cosine distance, lower is stricter)")
	f.DurationVar(&opts.ChunkTimeout, "chunk-timeout", 0, "Abandon a chunk that has not reported in this long (0 = never)")
	f.StringVar(&opts.Prefix, "prefix", "", "Command name prefix")
	f.StringVar(&opts.Mode, "mode", config.ModeAll, "Command group: ALL, BRIDGE or VERIFIER")
	f.StringVar(&opts.Listen, "listen", "", "Socket transport listen address")
	f.StringVar(&opts.Namespace, "namespace", "", "Socket transport namespace")
	f.StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// loadConfig layers the config file, the environment and explicitly set flags.
func loadConfig(flags *pflag.FlagSet) (config.Config, error) {
	c, err := config.Load(opts.ConfigPath)
	if err != nil {
		return c, err
	}
	applyFlags(flags, &c)
	c.ApplyEnv()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func applyFlags(flags *pflag.FlagSet, c *config.Config) {
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("db", func() { c.Database = dbURL })
	set("backend", func() { c.Backend = opts.Backend })
	set("max-worker", func() { c.MaxWorkers = opts.MaxWorkers })
	set("max-works", func() { c.MaxWorks = opts.MaxWorks })
	set("keep", func() { c.Keep = opts.Keep })
	set("confidence", func() { c.Confidence = opts.Confidence })
	set("threshold", func() { c.Threshold = opts.Threshold })
	set("chunk-timeout", func() { c.ChunkTimeout = opts.ChunkTimeout })
	set("prefix", func() { c.Prefix = opts.Prefix })
	set("mode", func() { c.Mode = opts.Mode })
	set("listen", func() { c.Server.Listen = opts.Listen })
	set("namespace", func() { c.Server.Namespace = opts.Namespace })
	set("log-level", func() { c.Log.Level = opts.LogLevel })
}

// newEngine builds an engine over the shared DB with the loaded config.
func newEngine(ctx context.Context, o engine.Options) (*engine.Engine, error) {
	o.Config = cfg
	o.Logger = log
	if DB != nil {
		o.Persister = DB
	}
	return engine.New(ctx, o)
}
