package pipeline

// Kind tags the result of a stage.
type Kind int

const (
	// Continue passes the (possibly mutated) value on to the next stage.
	Continue Kind = iota
	// Replace substitutes a different value; later stages see the replacement.
	Replace
	// Discard stops the phase and drops the resource from further processing.
	Discard
)

func (k Kind) String() string {
	switch k {
	case Continue:
		return "continue"
	case Replace:
		return "replace"
	case Discard:
		return "discard"
	}
	return "unknown"
}

// Outcome is what a stage returns.
type Outcome[T any] struct {
	Kind  Kind
	Value T
	// Reason explains a discard in the skip log.
	Reason string
}

// Next continues with v.
func Next[T any](v T) Outcome[T] { return Outcome[T]{Kind: Continue, Value: v} }

// ReplaceWith continues with a new value.
func ReplaceWith[T any](v T) Outcome[T] { return Outcome[T]{Kind: Replace, Value: v} }

// Drop discards the value.
func Drop[T any](reason string) Outcome[T] { return Outcome[T]{Kind: Discard, Reason: reason} }

// Phase names a step of the resource life cycle.
type Phase int

const (
	PhaseLinkRedirect Phase = iota
	PhaseDetectType
	PhaseCreate
	PhaseBeforeDownload
	PhaseDownload
	PhaseAfterDownload
	PhaseSave
	numPhases
)

var phaseNames = [numPhases]string{"link-redirect", "detect-type", "create", "before-download", "download", "after-download", "save"}

func (p Phase) String() string {
	if p >= 0 && p < numPhases {
		return phaseNames[p]
	}
	return "unknown"
}
