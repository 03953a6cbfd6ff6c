package pipeline

// State is a step of a run.
//
//	INIT → SOURCE_OPENED → TARGET_OPENED → SOURCE_ANALYZED → STREAMING → FINALIZED → CLOSED
//
// ERROR is reachable from every state before FINALIZED and always ends in CLOSED.
type State int

const (
	StateInit State = iota
	StateSourceOpened
	StateTargetOpened
	StateSourceAnalyzed
	StateStreaming
	StateFinalized
	StateError
	StateClosed
)

var stateNames = map[State]string{
	StateInit:           "INIT",
	StateSourceOpened:   "SOURCE_OPENED",
	StateTargetOpened:   "TARGET_OPENED",
	StateSourceAnalyzed: "SOURCE_ANALYZED",
	StateStreaming:      "STREAMING",
	StateFinalized:      "FINALIZED",
	StateError:          "ERROR",
	StateClosed:         "CLOSED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Outcome records how a frame reached the sink.
type Outcome int

const (
	OutcomeComposited Outcome = iota
	OutcomeNoFace
	OutcomeDetectFailed
	OutcomeCompositeFailed
	OutcomeNoSourceFace
)

func (o Outcome) String() string {
	switch o {
	case OutcomeComposited:
		return "composited"
	case OutcomeNoFace:
		return "no_face"
	case OutcomeDetectFailed:
		return "detect_failed"
	case OutcomeCompositeFailed:
		return "composite_failed"
	case OutcomeNoSourceFace:
		return "no_source_face"
	}
	return "unknown"
}
