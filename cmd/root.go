package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/masquerade/internal/store"
	"github.com/andresmejia3/masquerade/internal/video"
	"github.com/andresmejia3/masquerade/internal/worker"
)

// Options holds shared configuration for the swap, analyze and probe commands
type Options struct {
	SourcePath string
	TargetPath string
	OutputPath string

	NumEngines   int
	MaxInFlight  int
	SourcePolicy string
	FramePolicy  string

	Codec  string
	CRF    int
	Preset string
	Verify bool

	DetectionThreshold float64
	WorkerTimeout      string
	Python             string
	EngineScript       string
	EngineDir          string
	EngineArgs         []string

	FFmpegPath  string
	FFprobePath string
}

var (
	// DB is the optional run ledger shared by subcommands. It is nil unless a database is configured.
	DB *store.Store
	// dbURL is the connection string
	dbURL string
	// logLevel is the logrus level name
	logLevel string

	logger = logrus.New()
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "masquerade",
	Short:   "Swap a face from a portrait into every frame of a video",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
		logger.SetLevel(level)
		logger.SetOutput(os.Stderr)

		url := databaseURL()
		if url == "" {
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), url)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeDB()
	},
}

// closeDB releases the ledger connection. Cobra skips post-run hooks when RunE fails,
// so Execute calls it on the error path too.
func closeDB() {
	if DB != nil {
		// Use Background here because the main context might be cancelled already (due to Ctrl+C)
		// and we still need to send the "Close" command to the DB.
		DB.Close(context.Background())
		DB = nil
	}
}

// databaseURL returns --db, or a URL built from POSTGRES_* variables, or "" when neither is set.
func databaseURL() string {
	if dbURL != "" {
		return dbURL
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

// requireDB is used by commands that only make sense with a ledger.
func requireDB() error {
	if DB == nil {
		return fmt.Errorf("no database configured: pass --db or set POSTGRES_HOST")
	}
	return nil
}

func entry(function string) *logrus.Entry {
	return logger.WithField("function", function)
}

// resolveTools picks the ffmpeg binaries from flags, then MASQUERADE_FFMPEG/MASQUERADE_FFPROBE.
func resolveTools(opts Options) video.Tools {
	tools := video.Tools{
		FFmpeg:  opts.FFmpegPath,
		FFprobe: opts.FFprobePath,
		Logger:  entry("video"),
	}
	if tools.FFmpeg == "" {
		tools.FFmpeg = os.Getenv("MASQUERADE_FFMPEG")
	}
	if tools.FFprobe == "" {
		tools.FFprobe = os.Getenv("MASQUERADE_FFPROBE")
	}
	return tools
}

func engineConfig(opts Options) worker.EngineConfig {
	cfg := worker.EngineConfig{
		Python:             opts.Python,
		Script:             opts.EngineScript,
		Dir:                opts.EngineDir,
		Args:               opts.EngineArgs,
		DetectionThreshold: opts.DetectionThreshold,
	}
	cfg.ReadTimeout, _ = parseTimeout(opts.WorkerTimeout)
	return cfg
}

// addEngineFlags registers the flags that configure the face engine processes.
func addEngineFlags(cmd *cobra.Command, opts *Options) {
	cmd.Flags().Float64VarP(&opts.DetectionThreshold, "detection-threshold", "D", 0.5, "Face detection confidence threshold")
	cmd.Flags().StringVar(&opts.WorkerTimeout, "worker-timeout", "30s", "Timeout for an engine to process a single frame")
	cmd.Flags().StringVar(&opts.Python, "python", "python3", "Python interpreter for the face engine")
	cmd.Flags().StringVar(&opts.EngineScript, "engine", "python/engine.py", "Face engine entry point")
	cmd.Flags().StringVar(&opts.EngineDir, "engine-dir", "", "Working directory for the face engine")
	cmd.Flags().StringSliceVar(&opts.EngineArgs, "engine-arg", nil, "Extra argument passed to the face engine (repeatable)")
}

// addToolFlags registers the ffmpeg/ffprobe path flags.
func addToolFlags(cmd *cobra.Command, opts *Options) {
	cmd.Flags().StringVar(&opts.FFmpegPath, "ffmpeg", "", "Path to ffmpeg (default: $MASQUERADE_FFMPEG or PATH)")
	cmd.Flags().StringVar(&opts.FFprobePath, "ffprobe", "", "Path to ffprobe (default: $MASQUERADE_FFPROBE or PATH)")
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func execute(ctx context.Context, args []string) error {
	rootCmd.SetArgs(args)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		closeDB()
		return err
	}
	return nil
}

func init() {
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for the run ledger (default: $POSTGRES_HOST, or disabled)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
}
