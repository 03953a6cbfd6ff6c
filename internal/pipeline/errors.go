package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors for pipeline runs.
// Every error returned by Run matches one of these, or the context error on cancellation,
// through errors.Is().

// Precondition errors. Nothing is written to the output path.
var (
	// ErrInvalidConfig indicates missing paths or an output path that would clobber an input.
	ErrInvalidConfig = errors.New("invalid pipeline configuration")

	// ErrSourceNotFound indicates the source portrait is missing or cannot be decoded.
	ErrSourceNotFound = errors.New("source image not found or not decodable")

	// ErrTargetNotFound indicates the target video is missing or cannot be opened.
	ErrTargetNotFound = errors.New("target video not found or not decodable")
)

// Identity errors. Nothing is written to the output path.
var (
	// ErrSourceAnalysis indicates the analyzer failed on the source portrait.
	ErrSourceAnalysis = errors.New("source face analysis failed")

	// ErrNoSourceFace indicates the source portrait has no detectable face.
	ErrNoSourceFace = errors.New("no face detected in source image")
)

// Streaming errors. The partial output is discarded.
var (
	// ErrTargetRead indicates the decoder failed or truncated a frame mid-stream.
	ErrTargetRead = errors.New("target video read failed")

	// ErrFrameComposite indicates a frame could not be processed under the abort policy.
	ErrFrameComposite = errors.New("frame compositing failed")

	// ErrEngineUnavailable indicates the face engine died or its pipe broke.
	// Collaborators wrap transport failures with it so the run aborts instead of
	// silently passing every remaining frame through.
	ErrEngineUnavailable = errors.New("face engine unavailable")

	// ErrSinkWrite indicates the output could not be persisted.
	ErrSinkWrite = errors.New("output video write failed")
)

// Error is the failure of one run. Kind is one of the sentinel errors above.
type Error struct {
	Kind  error
	State State
	Path  string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Path != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Path)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Is matches the error's kind, so errors.Is(err, ErrNoSourceFace) works on wrapped runs.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind error, state State, path string, err error) *Error {
	return &Error{Kind: kind, State: state, Path: path, Err: err}
}
