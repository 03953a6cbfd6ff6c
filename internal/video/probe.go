// Package video decodes and encodes raw RGBA frames through ffmpeg child processes.
package video

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/masquerade/internal/types"
	"github.com/andresmejia3/masquerade/internal/utils"
)

// Tools locates the ffmpeg binaries. Empty fields fall back to a PATH lookup.
type Tools struct {
	FFmpeg  string
	FFprobe string
	Logger  *logrus.Entry
}

func (t Tools) ffmpeg() string {
	if t.FFmpeg == "" {
		return "ffmpeg"
	}
	return t.FFmpeg
}

func (t Tools) ffprobe() string {
	if t.FFprobe == "" {
		return "ffprobe"
	}
	return t.FFprobe
}

func (t Tools) log() *logrus.Entry {
	if t.Logger == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return t.Logger
}

// Check verifies that both binaries can be resolved.
func (t Tools) Check() error {
	for _, bin := range []string{t.ffmpeg(), t.ffprobe()} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s not found: %w", bin, err)
		}
	}
	return nil
}

// ProbeResult describes the first video stream of a container.
type ProbeResult struct {
	Geometry types.Geometry
	Codec    string
	// Frames is the container's frame count, 0 when unknown.
	Frames   int
	Rotation int
}

// Helper struct for structured JSON parsing
type ffprobeStream struct {
	CodecName     string `json:"codec_name"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	RFrameRate    string `json:"r_frame_rate"`
	AvgFrameRate  string `json:"avg_frame_rate"`
	NbFrames      string `json:"nb_frames"`
	NbReadPackets string `json:"nb_read_packets"`
	Tags          struct {
		Rotate string `json:"rotate"`
	} `json:"tags"`
	SideDataList []struct {
		Rotation float64 `json:"rotation"`
	} `json:"side_data_list"`
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
}

// Probe reads the geometry of the first video stream.
func (t Tools) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	cmd := utils.NewSafeCommand(ctx, t.ffprobe(), "-v", "error", "-select_streams", "v:0",
		"-show_streams", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w: %s", err, cmd.StderrTail())
	}
	return parseProbe(out)
}

func parseProbe(data []byte) (*ProbeResult, error) {
	var res ffprobeOutput
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return nil, fmt.Errorf("no video stream found")
	}
	s := res.Streams[0]

	// avg_frame_rate keeps the container duration; r_frame_rate is the fallback
	// for streams that do not report an average.
	rate, err := types.ParseRational(s.AvgFrameRate)
	if err != nil {
		if rate, err = types.ParseRational(s.RFrameRate); err != nil {
			return nil, fmt.Errorf("unknown frame rate: %w", err)
		}
	}

	rotation := 0
	if r, err := strconv.Atoi(s.Tags.Rotate); err == nil {
		rotation = r
	}
	for _, sd := range s.SideDataList {
		if sd.Rotation != 0 {
			rotation = int(math.Round(sd.Rotation))
		}
	}

	width, height := s.Width, s.Height
	// ffmpeg autorotates while decoding, so a quarter turn swaps the frame dimensions
	if abs(rotation)%180 == 90 {
		width, height = height, width
	}

	frames, _ := strconv.Atoi(s.NbFrames)

	return &ProbeResult{
		Geometry: types.Geometry{Width: width, Height: height, FrameRate: rate},
		Codec:    s.CodecName,
		Frames:   frames,
		Rotation: rotation,
	}, nil
}

// CountFrames uses ffprobe to count frames for the progress bar and output verification.
// It returns 0 if the count fails, allowing callers to fall back to a spinner.
func (t Tools) CountFrames(ctx context.Context, path string) int {
	// 1. Fast Path: Check Container Metadata
	// This is instant but might return "N/A" or be inaccurate for VFR.
	if probe, err := t.Probe(ctx, path); err == nil && probe.Frames > 0 {
		return probe.Frames
	}

	// 2. Slow Path: Count Packets (Fallback)
	t.log().WithField("path", path).Info("Metadata missing, counting frames")
	cmd := utils.NewSafeCommand(ctx, t.ffprobe(), "-v", "error", "-select_streams", "v:0", "-count_packets",
		"-show_entries", "stream=nb_read_packets", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		t.log().WithFields(logrus.Fields{"error": err, "stderr": cmd.StderrTail()}).Warn("ffprobe failed")
		return 0
	}

	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil || len(res.Streams) == 0 {
		t.log().WithField("error", err).Warn("ffprobe JSON parse error")
		return 0
	}
	count, err := strconv.Atoi(res.Streams[0].NbReadPackets)
	if err != nil {
		t.log().WithField("error", err).Warn("ffprobe integer parse error")
		return 0
	}
	return count
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
