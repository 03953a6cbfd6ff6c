package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/masquerade/internal/types"
	"github.com/andresmejia3/masquerade/internal/utils"
)

// frameBufferPool recycles decoded frame buffers so the decoder does not allocate
// a full RGBA frame per read.
var frameBufferPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 1920*1080*4)
	},
}

// Source decodes the first video stream of a file into RGBA frames.
type Source struct {
	path string
	geom types.Geometry
	cmd  *utils.SafeCommand
	out  io.ReadCloser
	log  *logrus.Entry

	frames   int
	eof      atomic.Bool
	waitOnce sync.Once
	waitErr  error
}

func decoderArgs(path string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-i", path,
		"-map", "0:v:0",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-fps_mode", "passthrough",
		"-",
	}
}

// OpenSource probes path and starts an ffmpeg decoder for it. The decoder is bound to ctx.
func (t Tools) OpenSource(ctx context.Context, path string) (*Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	probe, err := t.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	if !probe.Geometry.Valid() {
		return nil, fmt.Errorf("invalid video geometry %s", probe.Geometry)
	}

	cmd := utils.NewSafeCommand(ctx, t.ffmpeg(), decoderArgs(path)...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start decoder: %w", err)
	}

	log := t.log().WithFields(logrus.Fields{"function": "Source", "path": path})
	log.WithFields(logrus.Fields{
		"geometry": probe.Geometry.String(),
		"codec":    probe.Codec,
		"rotation": probe.Rotation,
	}).Debug("Decoder started")

	return &Source{path: path, geom: probe.Geometry, cmd: cmd, out: out, log: log}, nil
}

func (s *Source) Geometry() types.Geometry { return s.geom }

// Next reads one frame. It returns io.EOF after the last frame, or an error carrying the
// decoder's stderr if the stream is truncated or ffmpeg exits with a failure.
func (s *Source) Next(ctx context.Context) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.eof.Load() {
		return nil, io.EOF
	}

	size := s.geom.FrameSize()
	buf := frameBufferPool.Get().([]byte)
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	buf = buf[:size]

	n, err := io.ReadFull(s.out, buf)
	switch {
	case errors.Is(err, io.EOF):
		frameBufferPool.Put(buf[:0])
		s.eof.Store(true)
		if werr := s.wait(); werr != nil {
			return nil, fmt.Errorf("decoder exited after %d frames: %w: %s", s.frames, werr, s.cmd.StderrTail())
		}
		return nil, io.EOF
	case err != nil:
		frameBufferPool.Put(buf[:0])
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("truncated frame %d (%d of %d bytes): %w: %s", s.frames, n, size, err, s.cmd.StderrTail())
	}

	s.frames++
	return &image.RGBA{
		Pix:    buf,
		Stride: s.geom.Width * 4,
		Rect:   image.Rect(0, 0, s.geom.Width, s.geom.Height),
	}, nil
}

// Recycle returns a frame's buffer to the pool. The frame must not be used afterwards.
func (s *Source) Recycle(frame *image.RGBA) {
	if frame == nil || cap(frame.Pix) < s.geom.FrameSize() {
		return
	}
	frameBufferPool.Put(frame.Pix[:0])
}

// Frames is the number of frames decoded so far.
func (s *Source) Frames() int { return s.frames }

func (s *Source) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

// Close stops the decoder. It is safe to call more than once and while Next is blocked.
func (s *Source) Close() error {
	if !s.eof.Load() && s.cmd.Process != nil {
		// Killed mid-stream on purpose; the exit status is noise.
		_ = s.cmd.Process.Kill()
		_ = s.wait()
		s.log.Debug("Decoder stopped early")
		return nil
	}
	return nil
}
