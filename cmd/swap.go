package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/masquerade/internal/pipeline"
	"github.com/andresmejia3/masquerade/internal/store"
	"github.com/andresmejia3/masquerade/internal/types"
	"github.com/andresmejia3/masquerade/internal/utils"
	"github.com/andresmejia3/masquerade/internal/video"
	"github.com/andresmejia3/masquerade/internal/worker"
)

var swapOpts Options

var swapCmd = &cobra.Command{
	Use:   "swap",
	Short: "Swap the face from a source image into every frame of a target video",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runSwap(cmd.Context(), swapOpts)
	},
}

func init() {
	swapCmd.Flags().StringVarP(&swapOpts.SourcePath, "source", "s", "", "Path to the source face image")
	swapCmd.Flags().StringVarP(&swapOpts.TargetPath, "target", "t", "", "Path to the target video")
	swapCmd.Flags().StringVarP(&swapOpts.OutputPath, "output", "o", "swapped.mp4", "Path to the output video")

	swapCmd.Flags().IntVarP(&swapOpts.NumEngines, "engines", "e", 1, "Number of parallel engine workers")
	swapCmd.Flags().IntVar(&swapOpts.MaxInFlight, "max-in-flight", 0, "Max frames between decode and encode (default 2x engines)")
	swapCmd.Flags().StringVar(&swapOpts.SourcePolicy, "source-policy", string(pipeline.SourceFaceFail), "No face in source image: fail, passthrough")
	swapCmd.Flags().StringVar(&swapOpts.FramePolicy, "frame-policy", string(pipeline.FramePassThrough), "Per-frame engine failure: passthrough, abort")

	swapCmd.Flags().StringVar(&swapOpts.Codec, "codec", "libx264", "Output video codec")
	swapCmd.Flags().IntVar(&swapOpts.CRF, "crf", 18, "Constant rate factor (-1 to omit)")
	swapCmd.Flags().StringVar(&swapOpts.Preset, "preset", "medium", "Encoder preset (empty to omit)")
	swapCmd.Flags().BoolVar(&swapOpts.Verify, "verify", false, "Re-count output frames and fail on mismatch")

	addEngineFlags(swapCmd, &swapOpts)
	addToolFlags(swapCmd, &swapOpts)

	swapCmd.MarkFlagRequired("source")
	swapCmd.MarkFlagRequired("target")
	rootCmd.AddCommand(swapCmd)
}

func runSwap(ctx context.Context, opts Options) error {
	if err := validateSwapFlags(&opts); err != nil {
		return err
	}
	log := entry("swap")

	tools := resolveTools(opts)
	if err := tools.Check(); err != nil {
		utils.ShowError("ffmpeg is required", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Warming up engines...")
	pool, err := worker.NewPool(ctx, opts.NumEngines, engineConfig(opts), entry("engine"))
	if err != nil {
		utils.ShowError("Engine startup failed", err, nil)
		return err
	}
	defer pool.Close()

	totalFrames := tools.CountFrames(ctx, opts.TargetPath)
	progress := newProgressObserver(totalFrames, os.Stderr, log)

	ledger := beginLedger(ctx, opts, log)

	encoder := video.EncoderOptions{Codec: opts.Codec, CRF: opts.CRF, Preset: opts.Preset}
	cfg := pipeline.Config{
		SourceImagePath:    opts.SourcePath,
		TargetVideoPath:    opts.TargetPath,
		OutputVideoPath:    opts.OutputPath,
		SourceFacePolicy:   pipeline.SourceFacePolicy(opts.SourcePolicy),
		FrameFailurePolicy: pipeline.FrameFailurePolicy(opts.FramePolicy),
		Workers:            opts.NumEngines,
		MaxInFlight:        opts.MaxInFlight,
	}
	deps := pipeline.Deps{
		Analyzer:   pool,
		Compositor: pool,
		OpenSource: func(ctx context.Context, path string) (pipeline.VideoSource, error) {
			src, err := tools.OpenSource(ctx, path)
			if err != nil {
				return nil, err
			}
			return src, nil
		},
		OpenSink: func(ctx context.Context, path string, geom types.Geometry) (pipeline.VideoSink, error) {
			sink, err := tools.OpenSink(ctx, path, geom, encoder)
			if err != nil {
				return nil, err
			}
			return sink, nil
		},
		LoadImage: video.LoadImage,
		Observer:  progress,
		Logger:    log,
	}

	res, err := pipeline.Run(ctx, cfg, deps)
	progress.Finish()
	ledger.finish(res, err, progress.events)

	if err != nil {
		utils.ShowError(describeFailure(err), err, pool.Crashed())
		return err
	}

	fmt.Fprintf(os.Stderr, "✅ Wrote %s: %d frames (%d swapped, %d passed through) in %s\n",
		opts.OutputPath, res.Frames, res.Composited, res.PassedThrough(), res.Elapsed.Round(time.Millisecond))
	if res.DetectFailed+res.CompositeFailed > 0 {
		fmt.Fprintf(os.Stderr, "⚠️  %d frames failed in the engine and were written unmodified\n", res.DetectFailed+res.CompositeFailed)
	}

	if opts.Verify {
		written := tools.CountFrames(ctx, opts.OutputPath)
		if written != res.Frames {
			err := fmt.Errorf("output has %d frames, expected %d", written, res.Frames)
			utils.ShowError("Output verification failed", err, nil)
			return err
		}
		fmt.Fprintln(os.Stderr, "🔎 Output frame count verified")
	}
	return nil
}

// describeFailure gives the headline of the error box for a failed run.
func describeFailure(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "Interrupted"
	case errors.Is(err, pipeline.ErrInvalidConfig):
		return "Invalid configuration"
	case errors.Is(err, pipeline.ErrSourceNotFound):
		return "Source image could not be loaded"
	case errors.Is(err, pipeline.ErrTargetNotFound):
		return "Target video could not be opened"
	case errors.Is(err, pipeline.ErrNoSourceFace):
		return "No face found in the source image"
	case errors.Is(err, pipeline.ErrSourceAnalysis):
		return "Source image analysis failed"
	case errors.Is(err, pipeline.ErrEngineUnavailable):
		return "Face engine crashed"
	case errors.Is(err, pipeline.ErrTargetRead):
		return "Target video could not be decoded"
	case errors.Is(err, pipeline.ErrFrameComposite):
		return "Frame processing failed"
	case errors.Is(err, pipeline.ErrSinkWrite):
		return "Output video could not be written"
	default:
		return "Swap failed"
	}
}

// progressObserver advances the progress bar and collects frames that were not swapped.
type progressObserver struct {
	bar    *progressbar.ProgressBar
	log    *logrus.Entry
	events []store.FrameEvent
}

func newProgressObserver(totalFrames int, w io.Writer, log *logrus.Entry) *progressObserver {
	var barTotal int64 = int64(totalFrames)
	if barTotal <= 0 {
		barTotal = -1 // Trigger spinner mode
	}
	bar := progressbar.NewOptions64(barTotal,
		progressbar.OptionSetDescription("🎭 Preparing"),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
	return &progressObserver{bar: bar, log: log}
}

func (p *progressObserver) StateChanged(from, to pipeline.State) {
	p.log.WithFields(logrus.Fields{"from": from, "to": to}).Debug("State changed")
	if to == pipeline.StateStreaming {
		p.bar.Describe("🎭 Swapping")
	}
}

func (p *progressObserver) FrameWritten(index int, outcome pipeline.Outcome) {
	if outcome != pipeline.OutcomeComposited {
		p.events = append(p.events, store.FrameEvent{Index: index, Outcome: outcome.String()})
	}
	p.bar.Add(1)
}

func (p *progressObserver) Finish() {
	p.bar.Finish()
	fmt.Fprintln(os.Stderr)
}

// runLedger records a swap in the database when one is configured. All methods are no-ops otherwise.
type runLedger struct {
	db  *store.Store
	id  int64
	log *logrus.Entry
}

func beginLedger(ctx context.Context, opts Options, log *logrus.Entry) *runLedger {
	l := &runLedger{db: DB, log: log}
	if l.db == nil {
		return l
	}

	srcFP, _ := utils.Fingerprint(opts.SourcePath)
	tgtFP, _ := utils.Fingerprint(opts.TargetPath)
	id, err := l.db.BeginRun(ctx, store.RunStart{
		Source:            opts.SourcePath,
		Target:            opts.TargetPath,
		Output:            opts.OutputPath,
		SourceFingerprint: srcFP,
		TargetFingerprint: tgtFP,
		Engines:           opts.NumEngines,
	})
	if err != nil {
		log.WithError(err).Warn("Failed to record run in ledger")
		l.db = nil
		return l
	}
	l.id = id
	return l
}

func (l *runLedger) finish(res *pipeline.Result, runErr error, events []store.FrameEvent) {
	if l.db == nil {
		return
	}
	// Background: the run context may already be cancelled by Ctrl+C.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	end := store.RunEnd{Status: store.StatusSucceeded}
	if res != nil {
		end.Geometry = res.Geometry.String()
		end.Frames = res.Frames
		end.Composited = res.Composited
		end.PassedThrough = res.PassedThrough()
	}
	if runErr != nil {
		end.Status = store.StatusFailed
		end.Error = runErr.Error()
	}

	if err := l.db.FinishRun(ctx, l.id, end); err != nil {
		l.log.WithError(err).Warn("Failed to finish run in ledger")
		return
	}
	if runErr == nil {
		if err := l.db.RecordFrameEvents(ctx, l.id, events); err != nil {
			l.log.WithError(err).Warn("Failed to record frame events")
		}
	}
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

func validateInputFile(label, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			utils.ShowError(label+" does not exist", err, nil)
		} else {
			utils.ShowError("Failed to access "+label, err, nil)
		}
		return err
	}
	if info.IsDir() {
		err := fmt.Errorf("%s is a directory", path)
		utils.ShowError(label+" must be a file", err, nil)
		return err
	}
	return nil
}

func validateSwapFlags(opts *Options) error {
	if err := validateInputFile("Source image", opts.SourcePath); err != nil {
		return err
	}
	if err := validateInputFile("Target video", opts.TargetPath); err != nil {
		return err
	}

	if opts.OutputPath == "" || filepath.Ext(opts.OutputPath) == "" {
		err := fmt.Errorf("output %q needs a container extension such as .mp4", opts.OutputPath)
		utils.ShowError("Invalid output path", err, nil)
		return err
	}
	if info, err := os.Stat(filepath.Dir(opts.OutputPath)); err != nil || !info.IsDir() {
		err := fmt.Errorf("output directory %s does not exist", filepath.Dir(opts.OutputPath))
		utils.ShowError("Invalid output path", err, nil)
		return err
	}

	// Safety Check: Prevent overwriting an input file which causes corruption
	outAbs, _ := filepath.Abs(opts.OutputPath)
	for _, in := range []string{opts.SourcePath, opts.TargetPath} {
		if inAbs, _ := filepath.Abs(in); inAbs == outAbs {
			err := fmt.Errorf("output %s would overwrite an input", opts.OutputPath)
			utils.ShowError("Invalid output path", err, nil)
			return err
		}
	}

	if opts.NumEngines < 1 {
		err := fmt.Errorf("engines must be at least 1, got %d", opts.NumEngines)
		utils.ShowError("Invalid engine count", err, nil)
		return err
	}
	if opts.MaxInFlight != 0 && opts.MaxInFlight < opts.NumEngines {
		err := fmt.Errorf("max-in-flight (%d) must be 0 or at least the engine count (%d)", opts.MaxInFlight, opts.NumEngines)
		utils.ShowError("Invalid max-in-flight", err, nil)
		return err
	}

	switch pipeline.SourceFacePolicy(opts.SourcePolicy) {
	case pipeline.SourceFaceFail, pipeline.SourceFacePassThrough:
	default:
		err := fmt.Errorf("unknown source policy %q (want fail or passthrough)", opts.SourcePolicy)
		utils.ShowError("Invalid source policy", err, nil)
		return err
	}
	switch pipeline.FrameFailurePolicy(opts.FramePolicy) {
	case pipeline.FramePassThrough, pipeline.FrameAbort:
	default:
		err := fmt.Errorf("unknown frame policy %q (want passthrough or abort)", opts.FramePolicy)
		utils.ShowError("Invalid frame policy", err, nil)
		return err
	}

	if opts.CRF < -1 || opts.CRF > 63 {
		err := fmt.Errorf("crf must be between -1 and 63, got %d", opts.CRF)
		utils.ShowError("Invalid CRF", err, nil)
		return err
	}
	if opts.DetectionThreshold < 0 || opts.DetectionThreshold > 1 {
		err := fmt.Errorf("detection threshold must be between 0 and 1, got %v", opts.DetectionThreshold)
		utils.ShowError("Invalid detection threshold", err, nil)
		return err
	}
	if _, err := parseTimeout(opts.WorkerTimeout); err != nil {
		utils.ShowError("Invalid worker timeout", err, nil)
		return err
	}
	return nil
}
