package pipeline

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/masquerade/internal/types"
)

// SourceFacePolicy decides what happens when the portrait has no detectable face.
type SourceFacePolicy string

const (
	// SourceFaceFail aborts the run with ErrNoSourceFace.
	SourceFaceFail SourceFacePolicy = "fail"
	// SourceFacePassThrough runs anyway and writes every frame unmodified.
	SourceFacePassThrough SourceFacePolicy = "passthrough"
)

// FrameFailurePolicy decides what happens when detection or compositing fails on a frame.
type FrameFailurePolicy string

const (
	// FramePassThrough writes the original frame and continues.
	FramePassThrough FrameFailurePolicy = "passthrough"
	// FrameAbort aborts the run with ErrFrameComposite.
	FrameAbort FrameFailurePolicy = "abort"
)

// Config holds the inputs and policies of one run.
type Config struct {
	SourceImagePath string
	TargetVideoPath string
	OutputVideoPath string

	SourceFacePolicy   SourceFacePolicy
	FrameFailurePolicy FrameFailurePolicy

	// Workers > 1 enables parallel detect+composite with an ordered reorder buffer.
	Workers int
	// MaxInFlight bounds frames between decode and encode in parallel mode. Default 2*Workers.
	MaxInFlight int
}

// Deps holds the collaborators of a run.
type Deps struct {
	Analyzer   FaceAnalyzer
	Compositor FaceCompositor
	OpenSource SourceOpener
	OpenSink   SinkOpener
	LoadImage  ImageLoader

	// Optional.
	Observer Observer
	Logger   *logrus.Entry
}

// Result summarizes a successful run.
type Result struct {
	Geometry        types.Geometry
	Frames          int
	Composited      int
	NoFace          int
	DetectFailed    int
	CompositeFailed int
	NoSourceFace    int
	Elapsed         time.Duration
}

// PassedThrough is the number of frames written unmodified.
func (r Result) PassedThrough() int {
	return r.NoFace + r.DetectFailed + r.CompositeFailed + r.NoSourceFace
}

func (r *Result) count(o Outcome) {
	r.Frames++
	switch o {
	case OutcomeComposited:
		r.Composited++
	case OutcomeNoFace:
		r.NoFace++
	case OutcomeDetectFailed:
		r.DetectFailed++
	case OutcomeCompositeFailed:
		r.CompositeFailed++
	case OutcomeNoSourceFace:
		r.NoSourceFace++
	}
}

// validate fills defaults and rejects configurations that cannot run.
func (c *Config) validate() error {
	if c.SourceImagePath == "" || c.TargetVideoPath == "" || c.OutputVideoPath == "" {
		return fmt.Errorf("source, target and output paths are required")
	}

	// Safety Check: Prevent overwriting an input file which causes corruption
	outAbs, _ := filepath.Abs(c.OutputVideoPath)
	for _, in := range []string{c.SourceImagePath, c.TargetVideoPath} {
		inAbs, _ := filepath.Abs(in)
		if inAbs == outAbs {
			return fmt.Errorf("output path %s must differ from the inputs", c.OutputVideoPath)
		}
	}

	switch c.SourceFacePolicy {
	case "":
		c.SourceFacePolicy = SourceFaceFail
	case SourceFaceFail, SourceFacePassThrough:
	default:
		return fmt.Errorf("unknown source face policy %q", c.SourceFacePolicy)
	}

	switch c.FrameFailurePolicy {
	case "":
		c.FrameFailurePolicy = FramePassThrough
	case FramePassThrough, FrameAbort:
	default:
		return fmt.Errorf("unknown frame failure policy %q", c.FrameFailurePolicy)
	}

	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.MaxInFlight < c.Workers {
		c.MaxInFlight = 2 * c.Workers
	}
	return nil
}

func (d Deps) validate() error {
	switch {
	case d.Analyzer == nil:
		return fmt.Errorf("no face analyzer")
	case d.Compositor == nil:
		return fmt.Errorf("no face compositor")
	case d.OpenSource == nil:
		return fmt.Errorf("no video source opener")
	case d.OpenSink == nil:
		return fmt.Errorf("no video sink opener")
	case d.LoadImage == nil:
		return fmt.Errorf("no image loader")
	}
	return nil
}
