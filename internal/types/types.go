package types

import (
	"fmt"
	"image"
	"strconv"
	"strings"
)

// FrameTask represents a single decoded frame handed to an engine worker
type FrameTask struct {
	Index int
	Frame *image.RGBA
}

// Point is a 2D landmark position in pixel coordinates
type Point struct {
	X, Y float32
}

// Landmarks holds the 5-point layout produced by the detector:
// left eye, right eye, nose, left mouth corner, right mouth corner.
type Landmarks [5]Point

// Face describes one detected face. Box is [x1, y1, x2, y2] in frame pixels.
type Face struct {
	Box       image.Rectangle
	Score     float32
	Landmarks Landmarks
	Embedding []float32
}

// Area returns the bounding box area, used to pick the dominant face.
func (f Face) Area() int {
	return f.Box.Dx() * f.Box.Dy()
}

// Largest returns the face with the biggest bounding box.
// Ties go to the higher score. ok is false for an empty set.
func Largest(faces []Face) (best Face, ok bool) {
	if len(faces) == 0 {
		return Face{}, false
	}
	best = faces[0]
	for _, f := range faces[1:] {
		if a, b := f.Area(), best.Area(); a > b || (a == b && f.Score > best.Score) {
			best = f
		}
	}
	return best, true
}

// Rational is an exact frame rate such as 30000/1001.
type Rational struct {
	Num int
	Den int
}

// ParseRational parses ffprobe rates like "30000/1001" or "25".
func ParseRational(s string) (Rational, error) {
	s = strings.TrimSpace(s)
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.Atoi(num)
	if err != nil {
		return Rational{}, fmt.Errorf("invalid rate numerator %q: %w", s, err)
	}
	d := 1
	if found {
		d, err = strconv.Atoi(den)
		if err != nil {
			return Rational{}, fmt.Errorf("invalid rate denominator %q: %w", s, err)
		}
	}
	if n <= 0 || d <= 0 {
		return Rational{}, fmt.Errorf("invalid rate %q", s)
	}
	return Rational{Num: n, Den: d}, nil
}

// Float returns the rate in frames per second.
func (r Rational) Float() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

func (r Rational) String() string {
	if r.Den == 1 {
		return strconv.Itoa(r.Num)
	}
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Geometry is the width, height and frame rate shared by the source and sink of a run.
type Geometry struct {
	Width     int
	Height    int
	FrameRate Rational
}

// Valid reports whether the geometry can be decoded and encoded.
func (g Geometry) Valid() bool {
	return g.Width > 0 && g.Height > 0 && g.FrameRate.Num > 0 && g.FrameRate.Den > 0
}

// FrameSize is the byte size of one RGBA frame.
func (g Geometry) FrameSize() int {
	return g.Width * g.Height * 4
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d@%s", g.Width, g.Height, g.FrameRate)
}
