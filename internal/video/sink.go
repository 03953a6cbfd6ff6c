package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/masquerade/internal/types"
	"github.com/andresmejia3/masquerade/internal/utils"
)

// EncoderOptions selects the output codec. A negative CRF or empty Preset omits the flag.
type EncoderOptions struct {
	Codec  string
	CRF    int
	Preset string
}

// DefaultEncoderOptions is visually lossless H.264.
func DefaultEncoderOptions() EncoderOptions {
	return EncoderOptions{Codec: "libx264", CRF: 18, Preset: "medium"}
}

var errSinkClosed = errors.New("sink already finalized or aborted")

// Sink encodes RGBA frames into a hidden partial file next to the destination.
// Finalize renames it into place, so a failed run never leaves a playable-looking file.
type Sink struct {
	path    string
	partial string
	geom    types.Geometry
	cmd     *utils.SafeCommand
	in      io.WriteCloser
	log     *logrus.Entry

	frames int
	closed bool
}

// partialPath keeps the container extension so ffmpeg can still pick the muxer.
func partialPath(path string) string {
	dir, base := filepath.Split(path)
	ext := filepath.Ext(base)
	return filepath.Join(dir, "."+strings.TrimSuffix(base, ext)+".partial"+ext)
}

func encoderArgs(out string, g types.Geometry, o EncoderOptions) []string {
	// 4:2:0 chroma needs even dimensions
	pixFmt := "yuv420p"
	if g.Width%2 != 0 || g.Height%2 != 0 {
		pixFmt = "yuv444p"
	}
	codec := o.Codec
	if codec == "" {
		codec = "libx264"
	}

	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", g.Width, g.Height),
		"-framerate", g.FrameRate.String(),
		"-i", "-",
		"-an",
		"-c:v", codec,
	}
	if o.Preset != "" {
		args = append(args, "-preset", o.Preset)
	}
	if o.CRF >= 0 {
		args = append(args, "-crf", strconv.Itoa(o.CRF))
	}
	return append(args, "-pix_fmt", pixFmt, "-fps_mode", "passthrough", out)
}

// OpenSink starts an encoder writing to a partial file beside path.
func (t Tools) OpenSink(ctx context.Context, path string, geom types.Geometry, opts EncoderOptions) (*Sink, error) {
	if !geom.Valid() {
		return nil, fmt.Errorf("invalid output geometry %s", geom)
	}
	if filepath.Ext(path) == "" {
		return nil, fmt.Errorf("output %s needs a container extension such as .mp4", path)
	}
	if info, err := os.Stat(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("output directory: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("output directory %s is not a directory", filepath.Dir(path))
	}

	partial := partialPath(path)
	cmd := utils.NewSafeCommand(ctx, t.ffmpeg(), encoderArgs(partial, geom, opts)...)
	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start encoder: %w", err)
	}

	log := t.log().WithFields(logrus.Fields{"function": "Sink", "path": path})
	log.WithFields(logrus.Fields{"geometry": geom.String(), "codec": opts.Codec}).Debug("Encoder started")

	return &Sink{path: path, partial: partial, geom: geom, cmd: cmd, in: in, log: log}, nil
}

// Write encodes one frame. Frames must match the sink geometry exactly.
func (s *Sink) Write(frame *image.RGBA) error {
	if s.closed {
		return errSinkClosed
	}
	w, h := s.geom.Width, s.geom.Height
	if frame.Rect.Dx() != w || frame.Rect.Dy() != h {
		return fmt.Errorf("frame is %dx%d, sink expects %dx%d", frame.Rect.Dx(), frame.Rect.Dy(), w, h)
	}

	rowBytes := w * 4
	start := frame.PixOffset(frame.Rect.Min.X, frame.Rect.Min.Y)
	if frame.Stride == rowBytes {
		if _, err := s.in.Write(frame.Pix[start : start+rowBytes*h]); err != nil {
			return s.writeError(err)
		}
	} else {
		// Sub-images and padded strides go out row by row
		for y := 0; y < h; y++ {
			off := start + y*frame.Stride
			if _, err := s.in.Write(frame.Pix[off : off+rowBytes]); err != nil {
				return s.writeError(err)
			}
		}
	}
	s.frames++
	return nil
}

func (s *Sink) writeError(err error) error {
	return fmt.Errorf("encoder rejected frame %d: %w: %s", s.frames, err, s.cmd.StderrTail())
}

// Frames is the number of frames written so far.
func (s *Sink) Frames() int { return s.frames }

// Finalize flushes the encoder and moves the partial file to its destination.
func (s *Sink) Finalize() error {
	if s.closed {
		return errSinkClosed
	}
	s.closed = true

	if err := s.in.Close(); err != nil {
		s.discard()
		return fmt.Errorf("failed to close encoder input: %w", err)
	}
	if err := s.cmd.Wait(); err != nil {
		s.discard()
		return fmt.Errorf("encoder failed: %w: %s", err, s.cmd.StderrTail())
	}
	if err := os.Rename(s.partial, s.path); err != nil {
		s.discard()
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	s.log.WithField("frames", s.frames).Debug("Encoder finalized")
	return nil
}

// Abort stops the encoder and removes the partial file. It is a no-op after Finalize.
func (s *Sink) Abort() error {
	if s.closed {
		return nil
	}
	s.closed = true

	_ = s.in.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	s.log.WithField("frames", s.frames).Debug("Encoder aborted")
	return s.discard()
}

func (s *Sink) discard() error {
	if err := os.Remove(s.partial); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// FindPartials lists leftover partial outputs in dir, e.g. from a killed process.
func FindPartials(dir string) ([]string, error) {
	return filepath.Glob(filepath.Join(dir, ".*.partial.*"))
}
