package pipeline

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// modes runs every invariant test against the sequential loop and the parallel reorder path.
var modes = []struct {
	name    string
	workers int
}{
	{name: "sequential", workers: 1},
	{name: "parallel", workers: 4},
}

func assertNoOutput(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "expected no file at %s", path)
}

func TestRunFrameCountAndGeometry(t *testing.T) {
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			h := newHarness(t.TempDir(), 25)
			h.cfg.Workers = m.workers

			res, err := h.run(context.Background())
			require.NoError(t, err)

			assert.Equal(t, 25, res.Frames)
			assert.Equal(t, 25, res.Composited)
			assert.Len(t, h.sink.frames, 25)
			assert.Equal(t, testGeometry, res.Geometry)
			assert.Equal(t, testGeometry, h.sink.geom)
			assert.True(t, h.sink.finalized)
			assert.False(t, h.sink.aborted)
			assert.True(t, h.source.isClosed())

			for i, f := range h.sink.frames {
				assert.Equal(t, i, frameIndex(f), "frame %d out of order", i)
				assert.Equal(t, testGeometry.Width, f.Rect.Dx())
				assert.Equal(t, testGeometry.Height, f.Rect.Dy())
			}
		})
	}
}

func TestRunAnalyzesSourceOnce(t *testing.T) {
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			h := newHarness(t.TempDir(), 40)
			h.cfg.Workers = m.workers

			_, err := h.run(context.Background())
			require.NoError(t, err)

			assert.EqualValues(t, 1, h.analyzer.sourceCalls.Load())
			assert.EqualValues(t, 40, h.analyzer.frameCalls.Load())
		})
	}
}

func TestRunStateSequence(t *testing.T) {
	h := newHarness(t.TempDir(), 3)

	_, err := h.run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []State{
		StateSourceOpened,
		StateTargetOpened,
		StateSourceAnalyzed,
		StateStreaming,
		StateFinalized,
		StateClosed,
	}, h.observer.states)
	assert.Equal(t, []int{0, 1, 2}, h.observer.frames)
}

// Source has one face; frames 0-4 contain a face, frames 5-9 do not.
func TestRunScenarioPartialFaces(t *testing.T) {
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			h := newHarness(t.TempDir(), 10)
			h.cfg.Workers = m.workers
			h.analyzer.faceFrames = map[int]bool{0: true, 1: true, 2: true, 3: true, 4: true}

			res, err := h.run(context.Background())
			require.NoError(t, err)

			require.Len(t, h.sink.frames, 10)
			assert.Equal(t, 5, res.Composited)
			assert.Equal(t, 5, res.NoFace)
			assert.Equal(t, 5, res.PassedThrough())

			for i := 0; i < 5; i++ {
				assert.True(t, isComposited(h.sink.frames[i]), "frame %d should be composited", i)
			}
			for i := 5; i < 10; i++ {
				// Pass-through law: pixel-identical to the decoded frame
				assert.Equal(t, newFrame(testGeometry, i).Pix, h.sink.frames[i].Pix, "frame %d should pass through", i)
			}
			assert.EqualValues(t, 5, h.compositor.calls.Load())
		})
	}
}

func TestRunSourceNotFound(t *testing.T) {
	h := newHarness(t.TempDir(), 5)
	h.loadErr = os.ErrNotExist

	_, err := h.run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceNotFound)
	assert.ErrorIs(t, err, os.ErrNotExist)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, StateInit, perr.State)

	assert.False(t, h.sourceOpened, "target must not be opened")
	assert.False(t, h.sinkOpened)
	assertNoOutput(t, h.cfg.OutputVideoPath)
}

func TestRunTargetNotFound(t *testing.T) {
	h := newHarness(t.TempDir(), 5)
	h.openErr = os.ErrNotExist

	_, err := h.run(context.Background())
	assert.ErrorIs(t, err, ErrTargetNotFound)
	assert.False(t, h.sinkOpened)
	assert.Zero(t, h.analyzer.sourceCalls.Load())
	assertNoOutput(t, h.cfg.OutputVideoPath)
}

func TestRunTargetInvalidGeometry(t *testing.T) {
	h := newHarness(t.TempDir(), 5)
	h.source.geom.Width = 0

	_, err := h.run(context.Background())
	assert.ErrorIs(t, err, ErrTargetNotFound)
	assert.True(t, h.source.isClosed(), "opened source must still be released")
}

func TestRunNoSourceFace(t *testing.T) {
	t.Run("fail policy", func(t *testing.T) {
		h := newHarness(t.TempDir(), 5)
		h.analyzer.sourceFaces = nil

		_, err := h.run(context.Background())
		assert.ErrorIs(t, err, ErrNoSourceFace)
		assert.False(t, h.sinkOpened)
		assert.True(t, h.source.isClosed())
		assertNoOutput(t, h.cfg.OutputVideoPath)
	})

	t.Run("passthrough policy", func(t *testing.T) {
		h := newHarness(t.TempDir(), 5)
		h.analyzer.sourceFaces = nil
		h.cfg.SourceFacePolicy = SourceFacePassThrough

		res, err := h.run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 5, res.NoSourceFace)
		assert.Zero(t, h.analyzer.frameCalls.Load())
		for i, f := range h.sink.frames {
			assert.Equal(t, newFrame(testGeometry, i).Pix, f.Pix)
		}
	})
}

func TestRunSourceAnalysisFailure(t *testing.T) {
	h := newHarness(t.TempDir(), 5)
	h.analyzer.source = nil // portrait is treated like a frame
	h.analyzer.failFrames = map[int]error{0: errors.New("model missing")}

	_, err := h.run(context.Background())
	assert.ErrorIs(t, err, ErrSourceAnalysis)
	assertNoOutput(t, h.cfg.OutputVideoPath)
}

func TestRunSinkFailureReleasesResources(t *testing.T) {
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			h := newHarness(t.TempDir(), 10)
			h.cfg.Workers = m.workers
			h.sink.failAt = 5

			_, err := h.run(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSinkWrite)

			assert.True(t, h.source.isClosed())
			assert.True(t, h.sink.aborted)
			assert.False(t, h.sink.finalized)
			assert.Len(t, h.sink.frames, 5)
			assert.Equal(t, StateClosed, h.observer.states[len(h.observer.states)-1])
			assert.Contains(t, h.observer.states, StateError)
			assertNoOutput(t, h.cfg.OutputVideoPath)
		})
	}
}

func TestRunTargetReadFailure(t *testing.T) {
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			h := newHarness(t.TempDir(), 10)
			h.cfg.Workers = m.workers
			h.source.failAt = 4

			_, err := h.run(context.Background())
			assert.ErrorIs(t, err, ErrTargetRead)
			assert.True(t, h.sink.aborted)
			assert.False(t, h.sink.finalized)
			assertNoOutput(t, h.cfg.OutputVideoPath)
		})
	}
}

func TestRunFrameFailurePolicy(t *testing.T) {
	for _, m := range modes {
		t.Run(m.name+"/passthrough", func(t *testing.T) {
			h := newHarness(t.TempDir(), 8)
			h.cfg.Workers = m.workers
			h.analyzer.failFrames = map[int]error{2: errors.New("detector hiccup")}
			h.compositor.failFrames = map[int]error{3: errors.New("swap failed")}
			h.compositor.badBounds = map[int]bool{4: true}

			res, err := h.run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 8, res.Frames)
			assert.Equal(t, 1, res.DetectFailed)
			assert.Equal(t, 2, res.CompositeFailed)
			assert.Equal(t, 5, res.Composited)
			for _, i := range []int{2, 3, 4} {
				assert.Equal(t, newFrame(testGeometry, i).Pix, h.sink.frames[i].Pix, "frame %d", i)
			}
		})

		t.Run(m.name+"/abort", func(t *testing.T) {
			h := newHarness(t.TempDir(), 8)
			h.cfg.Workers = m.workers
			h.cfg.FrameFailurePolicy = FrameAbort
			h.compositor.failFrames = map[int]error{3: errors.New("swap failed")}

			_, err := h.run(context.Background())
			assert.ErrorIs(t, err, ErrFrameComposite)
			assert.True(t, h.sink.aborted)
			assertNoOutput(t, h.cfg.OutputVideoPath)
		})
	}
}

func TestRunEngineUnavailableIsFatal(t *testing.T) {
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			h := newHarness(t.TempDir(), 8)
			h.cfg.Workers = m.workers
			h.compositor.failFrames = map[int]error{2: errors.Join(ErrEngineUnavailable, errors.New("broken pipe"))}

			_, err := h.run(context.Background())
			assert.ErrorIs(t, err, ErrEngineUnavailable)
			assert.True(t, h.sink.aborted)
		})
	}
}

type cancelObserver struct {
	recordingObserver
	after  int
	cancel context.CancelFunc
}

func (o *cancelObserver) FrameWritten(index int, outcome Outcome) {
	o.recordingObserver.FrameWritten(index, outcome)
	if index == o.after {
		o.cancel()
	}
}

func TestRunCancellation(t *testing.T) {
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			h := newHarness(t.TempDir(), 100)
			h.cfg.Workers = m.workers

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			obs := &cancelObserver{after: 3, cancel: cancel}
			deps := h.deps()
			deps.Observer = obs

			_, err := Run(ctx, h.cfg, deps)
			assert.ErrorIs(t, err, context.Canceled)
			assert.True(t, h.source.isClosed())
			assert.True(t, h.sink.aborted)
			assert.Less(t, len(h.sink.frames), 100)
		})
	}
}

func TestRunInvalidConfig(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing output", mutate: func(c *Config) { c.OutputVideoPath = "" }},
		{name: "output overwrites target", mutate: func(c *Config) { c.OutputVideoPath = c.TargetVideoPath }},
		{name: "output overwrites source", mutate: func(c *Config) { c.OutputVideoPath = c.SourceImagePath }},
		{name: "unknown source policy", mutate: func(c *Config) { c.SourceFacePolicy = "maybe" }},
		{name: "unknown frame policy", mutate: func(c *Config) { c.FrameFailurePolicy = "retry" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(dir, 1)
			tt.mutate(&h.cfg)

			_, err := h.run(context.Background())
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.False(t, h.sourceOpened)
		})
	}

	t.Run("missing collaborator", func(t *testing.T) {
		h := newHarness(dir, 1)
		deps := h.deps()
		deps.Compositor = nil
		_, err := Run(context.Background(), h.cfg, deps)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestErrorMessage(t *testing.T) {
	err := newError(ErrSinkWrite, StateStreaming, "out.mp4", errors.New("disk full"))
	assert.Equal(t, "output video write failed (out.mp4): disk full", err.Error())
	assert.ErrorIs(t, err, ErrSinkWrite)
	assert.NotErrorIs(t, err, ErrTargetRead)

	bare := newError(ErrNoSourceFace, StateTargetOpened, "", nil)
	assert.Equal(t, "no face detected in source image", bare.Error())
}
