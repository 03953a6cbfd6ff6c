package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/masquerade/internal/pipeline"
	"github.com/andresmejia3/masquerade/internal/types"
	"github.com/andresmejia3/masquerade/internal/utils"
)

var (
	_ pipeline.FaceAnalyzer   = (*Pool)(nil)
	_ pipeline.FaceCompositor = (*Pool)(nil)
)

// engine is the part of PythonWorker the pool depends on.
type engine interface {
	Detect(ctx context.Context, img *image.RGBA) ([]types.Face, error)
	LoadSource(ctx context.Context, src *image.RGBA) error
	Swap(ctx context.Context, srcFaces []types.Face, frame *image.RGBA, faces []types.Face) (*image.RGBA, error)
	Close()
}

// Pool spreads calls over a fixed set of engine processes. Each call checks out one idle
// engine, so N engines serve N concurrent pipeline workers.
type Pool struct {
	engines []engine
	idle    chan engine
	log     *logrus.Entry

	mu      sync.Mutex
	loaded  map[engine]*image.RGBA
	crashed *utils.SafeCommand

	closeOnce sync.Once
}

// NewPool starts size engines in parallel and waits until all of them are up.
// If any engine fails to start the others are shut down.
func NewPool(ctx context.Context, size int, cfg EngineConfig, log *logrus.Entry) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("function", "Pool")

	type started struct {
		w   *PythonWorker
		err error
	}
	readyChan := make(chan started, size)
	for i := 0; i < size; i++ {
		go func(id int) {
			w, err := NewPythonWorker(ctx, id, cfg, log)
			readyChan <- started{w: w, err: err}
		}(i)
	}

	var workers []*PythonWorker
	var startErr error
	for i := 0; i < size; i++ {
		s := <-readyChan
		if s.err != nil {
			startErr = errors.Join(startErr, s.err)
			continue
		}
		workers = append(workers, s.w)
	}
	if startErr != nil {
		for _, w := range workers {
			w.Close()
		}
		return nil, fmt.Errorf("%w: %w", pipeline.ErrEngineUnavailable, startErr)
	}

	engines := make([]engine, len(workers))
	for i, w := range workers {
		engines[i] = w
	}
	log.WithField("engines", size).Info("Engines warmed up")
	return newPool(engines, log), nil
}

func newPool(engines []engine, log *logrus.Entry) *Pool {
	p := &Pool{
		engines: engines,
		idle:    make(chan engine, len(engines)),
		log:     log,
		loaded:  make(map[engine]*image.RGBA),
	}
	for _, e := range engines {
		p.idle <- e
	}
	return p
}

// Size is the number of engines.
func (p *Pool) Size() int { return len(p.engines) }

func (p *Pool) acquire(ctx context.Context) (engine, error) {
	select {
	case e := <-p.idle:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) release(e engine, err error) {
	if errors.Is(err, pipeline.ErrEngineUnavailable) {
		if w, ok := e.(*PythonWorker); ok {
			p.mu.Lock()
			if p.crashed == nil {
				p.crashed = w.Cmd
			}
			p.mu.Unlock()
		}
	}
	p.idle <- e
}

// Detect implements pipeline.FaceAnalyzer.
func (p *Pool) Detect(ctx context.Context, img *image.RGBA) ([]types.Face, error) {
	e, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	faces, err := e.Detect(ctx, img)
	p.release(e, err)
	return faces, err
}

// Composite implements pipeline.FaceCompositor. The portrait is sent to each engine at most
// once; later swaps only carry the face descriptors.
func (p *Pool) Composite(ctx context.Context, src *image.RGBA, srcFaces []types.Face, frame *image.RGBA, faces []types.Face) (*image.RGBA, error) {
	e, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	out, err := p.composite(ctx, e, src, srcFaces, frame, faces)
	p.release(e, err)
	return out, err
}

func (p *Pool) composite(ctx context.Context, e engine, src *image.RGBA, srcFaces []types.Face, frame *image.RGBA, faces []types.Face) (*image.RGBA, error) {
	p.mu.Lock()
	cached := p.loaded[e] == src
	p.mu.Unlock()

	if !cached {
		if err := e.LoadSource(ctx, src); err != nil {
			return nil, fmt.Errorf("load source: %w", err)
		}
		p.mu.Lock()
		p.loaded[e] = src
		p.mu.Unlock()
	}
	return e.Swap(ctx, srcFaces, frame, faces)
}

// Crashed returns the command of the first engine that died, for error reports.
func (p *Pool) Crashed() *utils.SafeCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.crashed
}

// Close stops every engine. Calls in flight must have returned.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		for _, e := range p.engines {
			e.Close()
		}
		p.log.Debug("Engines stopped")
	})
}
