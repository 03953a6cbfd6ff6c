// Package pipeline swaps the face of a source portrait into every frame of a target video.
//
// A run is an explicit state machine. Each state has exactly one step, and any step error
// moves the run to ERROR; a deferred release then closes the source, discards the partial
// output and ends in CLOSED. The source portrait is analyzed once, before the first frame
// is read, and its dominant face is shared read-only by every frame.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/masquerade/internal/types"
)

// run owns every resource of a single invocation.
type run struct {
	cfg  Config
	deps Deps
	log  *logrus.Entry

	// ctx is cancelled on abort; sources and sinks bind their child processes to it.
	ctx    context.Context
	cancel context.CancelFunc

	state       State
	sourceImage *image.RGBA
	sourceFaces []types.Face
	source      VideoSource
	sink        VideoSink
	finalized   bool
	frame       int
	result      Result
}

// Run swaps the source identity into every frame of the target video and writes the
// result to cfg.OutputVideoPath. On error nothing is left at the output path and the
// returned error is a *Error whose kind matches one of the sentinel errors.
func Run(ctx context.Context, cfg Config, deps Deps) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, newError(ErrInvalidConfig, StateInit, "", err)
	}
	if err := deps.validate(); err != nil {
		return nil, newError(ErrInvalidConfig, StateInit, "", err)
	}
	if deps.Logger == nil {
		deps.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		cfg:    cfg,
		deps:   deps,
		ctx:    runCtx,
		cancel: cancel,
		state:  StateInit,
		log: deps.Logger.WithFields(logrus.Fields{
			"source": cfg.SourceImagePath,
			"target": cfg.TargetVideoPath,
			"output": cfg.OutputVideoPath,
		}),
	}
	return r.execute()
}

func (r *run) execute() (*Result, error) {
	start := time.Now()
	defer r.release()

	for r.state != StateFinalized {
		if err := r.step(); err != nil {
			r.log.WithFields(logrus.Fields{
				"state": r.state,
				"frame": r.frame,
				"error": err,
			}).Error("Run aborted")
			r.transition(StateError)
			return nil, err
		}
	}

	r.result.Elapsed = time.Since(start)
	res := r.result
	r.log.WithFields(logrus.Fields{
		"frames":      res.Frames,
		"composited":  res.Composited,
		"passthrough": res.PassedThrough(),
		"elapsed":     res.Elapsed,
	}).Info("Run complete")
	return &res, nil
}

func (r *run) step() error {
	switch r.state {
	case StateInit:
		return r.loadSource()
	case StateSourceOpened:
		return r.openTarget()
	case StateTargetOpened:
		return r.analyzeSource()
	case StateSourceAnalyzed:
		return r.openSink()
	case StateStreaming:
		if r.cfg.Workers > 1 {
			if err := r.streamParallel(); err != nil {
				return err
			}
			return r.finalize()
		}
		done, err := r.streamNext()
		if err != nil {
			return err
		}
		if done {
			return r.finalize()
		}
		return nil
	}
	return fmt.Errorf("no step for state %s", r.state)
}

func (r *run) transition(to State) {
	from := r.state
	r.state = to
	r.log.WithFields(logrus.Fields{
		"from": from,
		"to":   to,
	}).Debug("State transition")
	if r.deps.Observer != nil {
		r.deps.Observer.StateChanged(from, to)
	}
}

// release runs on every exit path. It is the only place resources are let go.
func (r *run) release() {
	if r.sink != nil && !r.finalized {
		if err := r.sink.Abort(); err != nil {
			r.log.WithField("error", err).Warn("Failed to discard partial output")
		}
	}
	if r.source != nil {
		if err := r.source.Close(); err != nil {
			r.log.WithField("error", err).Warn("Failed to close target video")
		}
	}
	r.cancel()
	r.transition(StateClosed)
}

// --- Steps ---

func (r *run) loadSource() error {
	img, err := r.deps.LoadImage(r.cfg.SourceImagePath)
	if err != nil {
		return newError(ErrSourceNotFound, r.state, r.cfg.SourceImagePath, err)
	}
	r.sourceImage = img
	r.transition(StateSourceOpened)
	return nil
}

func (r *run) openTarget() error {
	src, err := r.deps.OpenSource(r.ctx, r.cfg.TargetVideoPath)
	if err != nil {
		return newError(ErrTargetNotFound, r.state, r.cfg.TargetVideoPath, err)
	}
	r.source = src

	geom := src.Geometry()
	if !geom.Valid() {
		return newError(ErrTargetNotFound, r.state, r.cfg.TargetVideoPath, fmt.Errorf("invalid geometry %s", geom))
	}
	r.result.Geometry = geom
	r.log.WithField("geometry", geom).Info("Target video opened")
	r.transition(StateTargetOpened)
	return nil
}

// analyzeSource is the only call to the analyzer with the source portrait.
func (r *run) analyzeSource() error {
	faces, err := r.deps.Analyzer.Detect(r.ctx, r.sourceImage)
	if err != nil {
		if ctxErr := r.ctx.Err(); ctxErr != nil {
			return newError(ctxErr, r.state, "", err)
		}
		return newError(ErrSourceAnalysis, r.state, r.cfg.SourceImagePath, err)
	}

	best, ok := types.Largest(faces)
	switch {
	case ok:
		r.sourceFaces = []types.Face{best}
		r.log.WithFields(logrus.Fields{
			"detected": len(faces),
			"box":      best.Box,
		}).Info("Source identity selected")
	case r.cfg.SourceFacePolicy == SourceFacePassThrough:
		r.log.Warn("No face in source image, every frame will pass through unmodified")
	default:
		return newError(ErrNoSourceFace, r.state, r.cfg.SourceImagePath, nil)
	}

	r.transition(StateSourceAnalyzed)
	return nil
}

func (r *run) openSink() error {
	sink, err := r.deps.OpenSink(r.ctx, r.cfg.OutputVideoPath, r.result.Geometry)
	if err != nil {
		return newError(ErrSinkWrite, r.state, r.cfg.OutputVideoPath, err)
	}
	r.sink = sink
	r.transition(StateStreaming)
	return nil
}

func (r *run) finalize() error {
	if err := r.sink.Finalize(); err != nil {
		return newError(ErrSinkWrite, r.state, r.cfg.OutputVideoPath, err)
	}
	r.finalized = true
	r.transition(StateFinalized)
	return nil
}

// --- Frame work ---

// streamNext moves one frame from source to sink. done reports end of stream.
func (r *run) streamNext() (done bool, err error) {
	if err := r.ctx.Err(); err != nil {
		return false, newError(err, r.state, "", nil)
	}

	frame, err := r.source.Next(r.ctx)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	if err != nil {
		return false, r.readError(err)
	}

	out, outcome, err := r.process(r.ctx, r.frame, frame)
	if err != nil {
		return false, err
	}
	if err := r.write(r.frame, out, outcome); err != nil {
		return false, err
	}
	r.recycle(frame)
	r.frame++
	return false, nil
}

// process detects and composites one frame. It is safe to call concurrently.
func (r *run) process(ctx context.Context, index int, frame *image.RGBA) (*image.RGBA, Outcome, error) {
	if len(r.sourceFaces) == 0 {
		return frame, OutcomeNoSourceFace, nil
	}

	faces, err := r.deps.Analyzer.Detect(ctx, frame)
	if err != nil {
		return r.frameFailure(ctx, index, frame, OutcomeDetectFailed, err)
	}
	if len(faces) == 0 {
		return frame, OutcomeNoFace, nil
	}

	out, err := r.deps.Compositor.Composite(ctx, r.sourceImage, r.sourceFaces, frame, faces)
	if err != nil {
		return r.frameFailure(ctx, index, frame, OutcomeCompositeFailed, err)
	}
	if out == nil || out.Bounds() != frame.Bounds() {
		var got image.Rectangle
		if out != nil {
			got = out.Bounds()
		}
		err := fmt.Errorf("compositor returned bounds %v, want %v", got, frame.Bounds())
		return r.frameFailure(ctx, index, frame, OutcomeCompositeFailed, err)
	}
	return out, OutcomeComposited, nil
}

// frameFailure applies the frame failure policy. Cancellation and a dead engine are
// always fatal.
func (r *run) frameFailure(ctx context.Context, index int, frame *image.RGBA, outcome Outcome, err error) (*image.RGBA, Outcome, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, outcome, newError(ctxErr, StateStreaming, "", err)
	}
	if errors.Is(err, ErrEngineUnavailable) {
		return nil, outcome, newError(ErrEngineUnavailable, StateStreaming, "", fmt.Errorf("frame %d: %w", index, err))
	}
	if r.cfg.FrameFailurePolicy == FrameAbort {
		return nil, outcome, newError(ErrFrameComposite, StateStreaming, "", fmt.Errorf("frame %d (%s): %w", index, outcome, err))
	}

	r.log.WithFields(logrus.Fields{
		"frame":   index,
		"outcome": outcome,
		"error":   err,
	}).Warn("Passing frame through unmodified")
	return frame, outcome, nil
}

func (r *run) write(index int, frame *image.RGBA, outcome Outcome) error {
	if err := r.sink.Write(frame); err != nil {
		return newError(ErrSinkWrite, r.state, r.cfg.OutputVideoPath, fmt.Errorf("frame %d: %w", index, err))
	}
	r.result.count(outcome)
	r.log.WithFields(logrus.Fields{
		"frame":   index,
		"outcome": outcome,
	}).Debug("Frame written")
	if r.deps.Observer != nil {
		r.deps.Observer.FrameWritten(index, outcome)
	}
	return nil
}

func (r *run) recycle(frame *image.RGBA) {
	if rec, ok := r.source.(Recycler); ok {
		rec.Recycle(frame)
	}
}

func (r *run) readError(err error) error {
	if ctxErr := r.ctx.Err(); ctxErr != nil {
		return newError(ctxErr, r.state, "", err)
	}
	return newError(ErrTargetRead, r.state, r.cfg.TargetVideoPath, fmt.Errorf("frame %d: %w", r.frame, err))
}
