package pipeline

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/masquerade/internal/types"
)

type frameResult struct {
	Index   int
	Input   *image.RGBA
	Output  *image.RGBA
	Outcome Outcome
	Err     error
}

// streamParallel drains the source with cfg.Workers concurrent detect+composite workers.
// A reorder buffer restores presentation order before the sink, and a window of
// cfg.MaxInFlight slots bounds the frames between decode and encode. A slot is taken
// before a frame is read and returned after that frame is written.
func (r *run) streamParallel() error {
	ctx, cancel := context.WithCancel(r.ctx)
	defer cancel()

	taskChan := make(chan types.FrameTask, r.cfg.Workers)
	resultsChan := make(chan frameResult, r.cfg.Workers)
	window := make(chan struct{}, r.cfg.MaxInFlight)
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})

	r.log.WithFields(logrus.Fields{
		"workers":       r.cfg.Workers,
		"max_in_flight": r.cfg.MaxInFlight,
	}).Info("Streaming with parallel workers")

	// Reader: the only goroutine that touches the source.
	go func() {
		defer close(readerDone)
		defer close(taskChan)
		for idx := 0; ; idx++ {
			select {
			case window <- struct{}{}:
			case <-ctx.Done():
				return
			}

			frame, err := r.source.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				readErr <- err
				return
			}

			select {
			case taskChan <- types.FrameTask{Index: idx, Frame: frame}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskChan {
				out, outcome, err := r.process(ctx, task.Index, task.Frame)
				select {
				case resultsChan <- frameResult{Index: task.Index, Input: task.Frame, Output: out, Outcome: outcome, Err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	// Buffer for re-ordering frames (Worker 2 might finish before Worker 1)
	buffer := make(map[int]frameResult)
	var firstErr error

	for res := range resultsChan {
		if firstErr != nil {
			// Draining after an abort.
			continue
		}
		if err := r.ctx.Err(); err != nil {
			firstErr = newError(err, r.state, "", nil)
			continue
		}
		if res.Err != nil {
			firstErr = res.Err
			r.cancel()
			continue
		}
		buffer[res.Index] = res

		for {
			next, ok := buffer[r.frame]
			if !ok {
				break
			}
			delete(buffer, r.frame)

			if err := r.write(r.frame, next.Output, next.Outcome); err != nil {
				firstErr = err
				r.cancel()
				break
			}
			r.recycle(next.Input)
			<-window
			r.frame++
		}
	}
	<-readerDone

	if firstErr != nil {
		return firstErr
	}
	select {
	case err := <-readErr:
		return r.readError(err)
	default:
	}
	if err := r.ctx.Err(); err != nil {
		return newError(err, r.state, "", nil)
	}
	return nil
}
