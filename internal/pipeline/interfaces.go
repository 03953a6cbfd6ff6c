package pipeline

import (
	"context"
	"image"

	"github.com/andresmejia3/masquerade/internal/types"
)

// FaceAnalyzer detects faces in an image or frame. It must not retain or mutate img.
// When Config.Workers > 1 it is called concurrently.
type FaceAnalyzer interface {
	Detect(ctx context.Context, img *image.RGBA) ([]types.Face, error)
}

// FaceCompositor returns a new frame with the source identity applied to every target face.
// It must not mutate frame; the orchestrator relies on that for pass-through.
type FaceCompositor interface {
	Composite(ctx context.Context, src *image.RGBA, srcFaces []types.Face, frame *image.RGBA, faces []types.Face) (*image.RGBA, error)
}

// VideoSource yields frames in presentation order. Next returns io.EOF after the last frame.
type VideoSource interface {
	Geometry() types.Geometry
	Next(ctx context.Context) (*image.RGBA, error)
	Close() error
}

// Recycler is implemented by sources that pool their frame buffers.
type Recycler interface {
	Recycle(frame *image.RGBA)
}

// VideoSink accepts frames in order. Finalize makes the output visible at its path;
// Abort discards everything written so far.
type VideoSink interface {
	Write(frame *image.RGBA) error
	Finalize() error
	Abort() error
}

// Observer receives progress callbacks from the streaming loop, always from one goroutine.
type Observer interface {
	StateChanged(from, to State)
	FrameWritten(index int, outcome Outcome)
}

type (
	SourceOpener func(ctx context.Context, path string) (VideoSource, error)
	SinkOpener   func(ctx context.Context, path string, geom types.Geometry) (VideoSink, error)
	ImageLoader  func(path string) (*image.RGBA, error)
)
