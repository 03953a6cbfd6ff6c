package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/masquerade/internal/types"
)

var testGeometry = types.Geometry{Width: 8, Height: 6, FrameRate: types.Rational{Num: 30000, Den: 1001}}

// newFrame builds a frame whose red channel encodes its index.
func newFrame(g types.Geometry, index int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, g.Width, g.Height))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = byte(index)
		img.Pix[i+1] = byte(i)
		img.Pix[i+2] = 0x10
		img.Pix[i+3] = 0xFF
	}
	return img
}

func cloneRGBA(img *image.RGBA) *image.RGBA {
	out := image.NewRGBA(img.Rect)
	copy(out.Pix, img.Pix)
	return out
}

func frameIndex(img *image.RGBA) int {
	return int(img.Pix[0])
}

// --- Source ---

type fakeSource struct {
	geom   types.Geometry
	frames int
	failAt int // -1 disables
	delay  time.Duration

	mu       sync.Mutex
	next     int
	closed   bool
	recycled int

	inFlight *inFlightMeter
}

func newFakeSource(frames int) *fakeSource {
	return &fakeSource{geom: testGeometry, frames: frames, failAt: -1}
}

func (s *fakeSource) Geometry() types.Geometry { return s.geom }

func (s *fakeSource) Next(ctx context.Context) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, os.ErrClosed
	}
	if s.next == s.failAt {
		return nil, io.ErrUnexpectedEOF
	}
	if s.next >= s.frames {
		return nil, io.EOF
	}
	f := newFrame(s.geom, s.next)
	s.next++
	if s.inFlight != nil {
		s.inFlight.add(1)
	}
	return f, nil
}

func (s *fakeSource) Recycle(*image.RGBA) {
	s.mu.Lock()
	s.recycled++
	s.mu.Unlock()
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// --- Sink ---

type fakeSink struct {
	path   string
	geom   types.Geometry
	failAt int // -1 disables

	frames    []*image.RGBA
	finalized bool
	aborted   bool

	inFlight *inFlightMeter
}

func (s *fakeSink) Write(frame *image.RGBA) error {
	if len(s.frames) == s.failAt {
		return errors.New("disk full")
	}
	if frame.Rect.Dx() != s.geom.Width || frame.Rect.Dy() != s.geom.Height {
		return fmt.Errorf("frame %v does not match %s", frame.Rect, s.geom)
	}
	s.frames = append(s.frames, cloneRGBA(frame))
	if s.inFlight != nil {
		s.inFlight.add(-1)
	}
	return nil
}

func (s *fakeSink) Finalize() error {
	s.finalized = true
	return os.WriteFile(s.path, []byte("video"), 0644)
}

func (s *fakeSink) Abort() error {
	s.aborted = true
	return nil
}

// --- Analyzer / Compositor ---

type fakeAnalyzer struct {
	source      *image.RGBA
	sourceFaces []types.Face
	// faceFrames lists frame indexes that contain one face. nil means every frame.
	faceFrames map[int]bool
	failFrames map[int]error
	jitter     bool

	sourceCalls atomic.Int32
	frameCalls  atomic.Int32
}

func (a *fakeAnalyzer) Detect(ctx context.Context, img *image.RGBA) ([]types.Face, error) {
	if img == a.source {
		a.sourceCalls.Add(1)
		return a.sourceFaces, nil
	}
	a.frameCalls.Add(1)
	if a.jitter {
		time.Sleep(time.Duration(rand.Intn(500)) * time.Microsecond)
	}

	idx := frameIndex(img)
	if err, ok := a.failFrames[idx]; ok {
		return nil, err
	}
	if a.faceFrames != nil && !a.faceFrames[idx] {
		return nil, nil
	}
	return []types.Face{{Box: image.Rect(1, 1, 4, 4), Score: 0.9}}, nil
}

const compositeMark = 0xAA

type fakeCompositor struct {
	failFrames map[int]error
	badBounds  map[int]bool
	jitter     bool

	calls atomic.Int32
}

func (c *fakeCompositor) Composite(ctx context.Context, src *image.RGBA, srcFaces []types.Face, frame *image.RGBA, faces []types.Face) (*image.RGBA, error) {
	c.calls.Add(1)
	if c.jitter {
		time.Sleep(time.Duration(rand.Intn(500)) * time.Microsecond)
	}
	if len(srcFaces) != 1 {
		return nil, fmt.Errorf("expected one source identity, got %d", len(srcFaces))
	}

	idx := frameIndex(frame)
	if err, ok := c.failFrames[idx]; ok {
		return nil, err
	}
	if c.badBounds[idx] {
		return image.NewRGBA(image.Rect(0, 0, 1, 1)), nil
	}

	out := cloneRGBA(frame)
	for i := 2; i < len(out.Pix); i += 4 {
		out.Pix[i] = compositeMark
	}
	return out, nil
}

func isComposited(img *image.RGBA) bool {
	return img.Pix[2] == compositeMark
}

// --- Observer ---

type recordingObserver struct {
	states []State
	frames []int
}

func (o *recordingObserver) StateChanged(_, to State) { o.states = append(o.states, to) }

func (o *recordingObserver) FrameWritten(index int, _ Outcome) { o.frames = append(o.frames, index) }

// inFlightMeter tracks frames read but not yet written.
type inFlightMeter struct {
	mu      sync.Mutex
	current int
	max     int
}

func (m *inFlightMeter) add(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current += n
	if m.current > m.max {
		m.max = m.current
	}
}

// --- Harness ---

type harness struct {
	cfg        Config
	source     *fakeSource
	sink       *fakeSink
	analyzer   *fakeAnalyzer
	compositor *fakeCompositor
	observer   *recordingObserver
	portrait   *image.RGBA

	sourceOpened bool
	sinkOpened   bool
	loadErr      error
	openErr      error
}

func newHarness(dir string, frames int) *harness {
	portrait := image.NewRGBA(image.Rect(0, 0, 16, 16))
	h := &harness{
		cfg: Config{
			SourceImagePath: dir + "/face.jpg",
			TargetVideoPath: dir + "/target.mp4",
			OutputVideoPath: dir + "/out.mp4",
		},
		source: newFakeSource(frames),
		analyzer: &fakeAnalyzer{
			source: portrait,
			sourceFaces: []types.Face{
				{Box: image.Rect(0, 0, 4, 4), Score: 0.8},
				{Box: image.Rect(0, 0, 12, 12), Score: 0.7},
			},
		},
		compositor: &fakeCompositor{},
		observer:   &recordingObserver{},
		portrait:   portrait,
	}
	h.sink = &fakeSink{path: h.cfg.OutputVideoPath, geom: testGeometry, failAt: -1}
	return h
}

func (h *harness) deps() Deps {
	return Deps{
		Analyzer:   h.analyzer,
		Compositor: h.compositor,
		LoadImage: func(path string) (*image.RGBA, error) {
			if h.loadErr != nil {
				return nil, h.loadErr
			}
			return h.portrait, nil
		},
		OpenSource: func(ctx context.Context, path string) (VideoSource, error) {
			h.sourceOpened = true
			if h.openErr != nil {
				return nil, h.openErr
			}
			return h.source, nil
		},
		OpenSink: func(ctx context.Context, path string, geom types.Geometry) (VideoSink, error) {
			h.sinkOpened = true
			h.sink.geom = geom
			return h.sink, nil
		},
		Observer: h.observer,
	}
}

func (h *harness) run(ctx context.Context) (*Result, error) {
	return Run(ctx, h.cfg, h.deps())
}
