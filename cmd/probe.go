package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/masquerade/internal/utils"
)

var probeOpts Options

var probeCmd = &cobra.Command{
	Use:   "probe <video_path>",
	Short: "Print the geometry and frame count of a video",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runProbe(cmd.Context(), args[0], probeOpts)
	},
}

func init() {
	addToolFlags(probeCmd, &probeOpts)
	rootCmd.AddCommand(probeCmd)
}

func runProbe(ctx context.Context, videoPath string, opts Options) error {
	if err := validateInputFile("Input video", videoPath); err != nil {
		return err
	}

	tools := resolveTools(opts)
	probe, err := tools.Probe(ctx, videoPath)
	if err != nil {
		utils.ShowError("Failed to probe video", err, nil)
		return err
	}
	frames := tools.CountFrames(ctx, videoPath)

	g := probe.Geometry
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "Path\t%s\n", videoPath)
	fmt.Fprintf(w, "Codec\t%s\n", probe.Codec)
	fmt.Fprintf(w, "Size\t%dx%d\n", g.Width, g.Height)
	fmt.Fprintf(w, "Frame rate\t%s (%.3f fps)\n", g.FrameRate, g.FrameRate.Float())
	if probe.Rotation != 0 {
		fmt.Fprintf(w, "Rotation\t%d°\n", probe.Rotation)
	}
	if frames > 0 {
		fmt.Fprintf(w, "Frames\t%d\n", frames)
	} else {
		fmt.Fprintf(w, "Frames\tunknown\n")
	}
	w.Flush()
	return nil
}
