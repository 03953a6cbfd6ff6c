package utils

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestTailBuffer(t *testing.T) {
	tb := &TailBuffer{Limit: 8}

	tb.Write([]byte("hello "))
	tb.Write([]byte("world"))

	// Only the last 8 bytes survive
	if got := tb.String(); got != "lo world" {
		t.Errorf("Expected tail %q, got %q", "lo world", got)
	}
	if tb.Len() != 8 {
		t.Errorf("Expected length 8, got %d", tb.Len())
	}

	// A single oversized write is trimmed too
	tb.Write([]byte(strings.Repeat("x", 20) + "END"))
	if got := tb.String(); got != "xxxxxEND" {
		t.Errorf("Expected %q, got %q", "xxxxxEND", got)
	}
}

func TestSafeCommandCapturesStderr(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := NewSafeCommand(ctx, "sh", "-c", "echo boom 1>&2; exit 3")
	if err := cmd.Run(); err == nil {
		t.Fatal("Expected non-zero exit, got nil")
	}
	if !strings.Contains(cmd.StderrTail(), "boom") {
		t.Errorf("Expected stderr tail to contain 'boom', got %q", cmd.StderrTail())
	}

	var nilCmd *SafeCommand
	if nilCmd.StderrTail() != "" {
		t.Error("Expected empty tail for nil command")
	}
}

func TestFingerprint(t *testing.T) {
	// Integration test using the OS filesystem
	tmp, err := os.CreateTemp("", "face_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmp.Name())

	// Write dummy content
	if _, err := tmp.Write([]byte("fake video content")); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	id, err := Fingerprint(tmp.Name())
	if err != nil || id == "" {
		t.Errorf("Failed to generate fingerprint: %v", err)
	}

	// Verify Determinism
	id2, _ := Fingerprint(tmp.Name())
	if id != id2 {
		t.Errorf("Hash is not deterministic. Got %s, then %s", id, id2)
	}

	// Verify Sensitivity (Change content -> Change ID)
	f, _ := os.OpenFile(tmp.Name(), os.O_APPEND|os.O_WRONLY, 0644)
	f.Write([]byte(" modification"))
	f.Close()

	id3, _ := Fingerprint(tmp.Name())
	if id == id3 {
		t.Error("Hash did not change after file modification")
	}

	if _, err := Fingerprint("does-not-exist.mp4"); err == nil {
		t.Error("Expected error for missing file")
	}
}
