package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/masquerade/internal/pipeline"
	"github.com/andresmejia3/masquerade/internal/types"
	"github.com/andresmejia3/masquerade/internal/utils" // Using the SafeCommand wrapper
)

// EngineConfig describes how to launch one face engine process.
type EngineConfig struct {
	Python string   // Interpreter, default python3
	Script string   // Engine entry point, default python/engine.py
	Args   []string // Extra engine arguments
	Dir    string   // Working directory
	Env    []string // Extra KEY=VALUE pairs on top of the parent environment
	// PathPrefix is prepended to PATH, e.g. a directory holding a specific ffmpeg build.
	PathPrefix string

	DetectionThreshold float64
	// ReadTimeout bounds a single request. Zero waits forever.
	ReadTimeout time.Duration
}

func (c EngineConfig) command() (string, []string) {
	python := c.Python
	if python == "" {
		python = "python3"
	}
	script := c.Script
	if script == "" {
		script = "python/engine.py"
	}
	args := []string{"-u", script}
	if c.DetectionThreshold > 0 {
		args = append(args, "--threshold", strconv.FormatFloat(c.DetectionThreshold, 'f', -1, 64))
	}
	return python, append(args, c.Args...)
}

func (c EngineConfig) environ(id int) []string {
	env := append(os.Environ(), c.Env...)
	env = append(env, "MASQUERADE_WORKER_ID="+strconv.Itoa(id))
	if c.PathPrefix != "" {
		env = append(env, "PATH="+c.PathPrefix+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
	return env
}

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration

	log    *logrus.Entry
	req    []byte
	broken bool
}

// NewPythonWorker starts an engine process bound to ctx.
func NewPythonWorker(ctx context.Context, id int, cfg EngineConfig, log *logrus.Entry) (*PythonWorker, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	// 1. Initialize the SafeCommand we built
	name, args := cfg.command()
	py := utils.NewSafeCommand(ctx, name, args...)
	py.Dir = cfg.Dir
	py.Env = cfg.environ(id)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	log = log.WithFields(logrus.Fields{"function": "PythonWorker", "worker": id})
	log.WithField("pid", py.Process.Pid).Debug("Engine started")

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Timeout:  cfg.ReadTimeout,
		log:      log,
	}, nil
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// The exec stdin pipe wraps an *os.File, so it exposes write deadlines.
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// An engine that stops reading stdin would block a multi-megabyte frame forever
	if d, ok := w.Stdin.(writeDeadliner); ok && w.Timeout > 0 {
		d.SetWriteDeadline(time.Now().Add(w.Timeout))
	}

	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	if d, ok := w.DataPipe.(deadliner); ok && w.Timeout > 0 {
		d.SetReadDeadline(time.Now().Add(w.Timeout))
	}

	// Read Result
	// Now we read from our clean DataPipe, so no Magic Byte is needed.
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxMessage {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// call sends one request and returns the OK payload. Transport failures leave the stream
// desynchronized, so the worker is marked broken and every later call fails fast.
func (w *PythonWorker) call(ctx context.Context, req []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if w.broken {
		return nil, fmt.Errorf("worker %d: %w", w.ID, pipeline.ErrEngineUnavailable)
	}

	// Clear deadlines left by an earlier cancellation before arming this one
	w.setDeadlines(time.Time{})

	// Unblock a pending write or read when the caller gives up.
	stop := context.AfterFunc(ctx, func() { w.setDeadlines(time.Now()) })
	resp, err := w.Communicate(req)
	stop()

	if err != nil {
		w.broken = true
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		w.logger().WithError(err).Error("Engine pipe failed")
		return nil, fmt.Errorf("worker %d: %w: %w", w.ID, pipeline.ErrEngineUnavailable, err)
	}

	body, err := parseResponse(resp)
	if errors.Is(err, errProtocol) {
		w.broken = true
		return nil, fmt.Errorf("worker %d: %w: %w", w.ID, pipeline.ErrEngineUnavailable, err)
	}
	return body, err
}

func (w *PythonWorker) setDeadlines(t time.Time) {
	if d, ok := w.Stdin.(writeDeadliner); ok {
		d.SetWriteDeadline(t)
	}
	if d, ok := w.DataPipe.(deadliner); ok {
		d.SetReadDeadline(t)
	}
}

// Detect runs face detection on img.
func (w *PythonWorker) Detect(ctx context.Context, img *image.RGBA) ([]types.Face, error) {
	w.req = encodeDetect(w.req[:0], img)
	body, err := w.call(ctx, w.req)
	if err != nil {
		return nil, err
	}
	faces, err := decodeFaces(body)
	if err != nil {
		w.broken = true
		return nil, fmt.Errorf("worker %d: %w: %w", w.ID, pipeline.ErrEngineUnavailable, err)
	}
	return faces, nil
}

// LoadSource caches the source portrait inside the engine for later swaps.
func (w *PythonWorker) LoadSource(ctx context.Context, src *image.RGBA) error {
	w.req = encodeLoadSource(w.req[:0], src)
	_, err := w.call(ctx, w.req)
	return err
}

// Swap composites the cached source identity onto every target face of frame.
func (w *PythonWorker) Swap(ctx context.Context, srcFaces []types.Face, frame *image.RGBA, faces []types.Face) (*image.RGBA, error) {
	w.req = encodeSwap(w.req[:0], srcFaces, frame, faces)
	body, err := w.call(ctx, w.req)
	if err != nil {
		return nil, err
	}
	out, err := decodeImage(body)
	if err != nil {
		w.broken = true
		return nil, fmt.Errorf("worker %d: %w: %w", w.ID, pipeline.ErrEngineUnavailable, err)
	}
	return out, nil
}

func (w *PythonWorker) logger() *logrus.Entry {
	if w.log == nil {
		return logrus.NewEntry(logrus.StandardLogger()).WithField("worker", w.ID)
	}
	return w.log
}

// Close shuts the engine down. A healthy engine exits when its stdin closes; a broken one
// may be stuck mid-request and is killed.
func (w *PythonWorker) Close() {
	if w.broken && w.Cmd != nil && w.Cmd.Process != nil {
		w.logger().Warn("Killing unresponsive engine")
		w.Cmd.Process.Kill()
	}
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}
