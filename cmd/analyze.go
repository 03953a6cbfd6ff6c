package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/masquerade/internal/pipeline"
	"github.com/andresmejia3/masquerade/internal/types"
	"github.com/andresmejia3/masquerade/internal/utils"
	"github.com/andresmejia3/masquerade/internal/video"
	"github.com/andresmejia3/masquerade/internal/worker"
)

var analyzeOpts Options

var analyzeCmd = &cobra.Command{
	Use:   "analyze <image_path>",
	Short: "Detect faces in a source image and show which one swap would use",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runAnalyze(cmd.Context(), args[0], analyzeOpts)
	},
}

func init() {
	addEngineFlags(analyzeCmd, &analyzeOpts)
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(ctx context.Context, imagePath string, opts Options) error {
	if err := validateInputFile("Input image", imagePath); err != nil {
		return err
	}

	img, err := video.LoadImage(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting face engine...")
	// A single ad-hoc engine is enough for one image
	pool, err := worker.NewPool(ctx, 1, engineConfig(opts), entry("engine"))
	if err != nil {
		utils.ShowError("Failed to start face engine", err, nil)
		return err
	}
	defer pool.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	faces, err := pool.Detect(ctx, img)
	if err != nil {
		utils.ShowError("Face engine failed", err, pool.Crashed())
		return err
	}

	best, ok := types.Largest(faces)
	if !ok {
		fmt.Println("❌ No faces detected in the provided image.")
		return fmt.Errorf("%s: %w", imagePath, pipeline.ErrNoSourceFace)
	}
	if len(faces) > 1 {
		fmt.Printf("⚠️  Multiple faces detected (%d). swap will use the largest face.\n", len(faces))
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\n#\tBOX\tSIZE\tSCORE\tEMBEDDING\tUSED")
	fmt.Fprintln(w, "-\t---\t----\t-----\t---------\t----")
	for i, f := range faces {
		used := ""
		if f.Box == best.Box && f.Score == best.Score {
			used = "✅"
		}
		fmt.Fprintf(w, "%d\t%v\t%dx%d\t%.2f\t%d-d\t%s\n", i, f.Box, f.Box.Dx(), f.Box.Dy(), f.Score, len(f.Embedding), used)
	}
	w.Flush()
	return nil
}
