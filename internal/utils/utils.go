package utils

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"
)

// --- 1. Process Safety & Command Wrapping ---

// maxStderrBytes caps how much child stderr we keep for crash reports.
const maxStderrBytes = 8 * 1024

// waitDelay bounds how long Wait keeps draining pipes after the child has exited.
const waitDelay = 2 * time.Second

// TailBuffer is an io.Writer that keeps only the last Limit bytes written to it.
// Long-running children (ffmpeg, the face engine) can log forever, so an unbounded
// bytes.Buffer on their stderr would grow with the video.
type TailBuffer struct {
	Limit int

	mu  sync.Mutex
	buf []byte
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	limit := t.Limit
	if limit <= 0 {
		limit = maxStderrBytes
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

// Len returns the number of buffered bytes.
func (t *TailBuffer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf)
}

func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (engine and ffmpeg logs)
// This ensures we don't lose critical crash information if a child dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *TailBuffer
}

// NewSafeCommand initializes a context-bound command and attaches a tail buffer to its Stderr.
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &TailBuffer{Limit: maxStderrBytes}
	cmd.Stderr = stderr
	// Grandchildren can hold stderr open after the process dies
	cmd.WaitDelay = waitDelay
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// StderrTail returns the captured stderr, or "" for a nil command.
func (s *SafeCommand) StderrTail() string {
	if s == nil || s.Stderr == nil {
		return ""
	}
	return s.Stderr.String()
}

// ShowError prints a formatted error box and dumps child logs if a SafeCommand is provided.
// Unlike a hard exit it lets deferred cleanup run; callers return the error afterwards.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 MASQUERADE ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if tail := s.StderrTail(); tail != "" {
		fmt.Fprintf(os.Stderr, "\nENGINE LOGS:\n%s\n", tail)
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// --- 2. Input Fingerprinting ---

// Fingerprint creates a deterministic hash for an input file
// based on its path, size, and modification time.
func Fingerprint(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}
