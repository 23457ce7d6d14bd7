package transcode

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors forming the engine's failure taxonomy. Every terminal
// error reaching the caller wraps exactly one of these.
var (
	// ErrInvalidInput marks validation failures reported synchronously,
	// before any process exists.
	ErrInvalidInput = errors.New("invalid input")
	// ErrEncoderUnavailable marks encoder-init failures. Recovered
	// internally via fallback; terminal only when all candidates are
	// exhausted.
	ErrEncoderUnavailable = errors.New("encoder unavailable")
	// ErrSpawn marks failures to start the external process at all.
	ErrSpawn = errors.New("process spawn failure")
	// ErrRuntime marks non-zero exits not attributable to encoder
	// availability.
	ErrRuntime = errors.New("process runtime failure")
	// ErrCancelled marks caller-initiated termination. Callers may treat
	// this classification as "not an error".
	ErrCancelled = errors.New("cancelled by user")
	// ErrJobActive is returned when Start is called while a job is active.
	ErrJobActive = errors.New("a job is already active")
)

// Kind is the caller-facing classification of a terminal error.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindEncoderUnavailable Kind = "encoder_unavailable"
	KindSpawnFailure       Kind = "spawn_failure"
	KindRuntimeFailure     Kind = "runtime_failure"
	KindCancelled          Kind = "cancelled_by_user"
	KindUnknown            Kind = "unknown"
)

// Classify maps an error to its caller-facing kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrEncoderUnavailable):
		return KindEncoderUnavailable
	case errors.Is(err, ErrSpawn):
		return KindSpawnFailure
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrRuntime):
		return KindRuntimeFailure
	default:
		return KindUnknown
	}
}

// Wrap builds an error message that includes operation context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, operation, message string, err error) error {
	detail := buildDetail(operation, message)
	if marker == nil {
		marker = ErrRuntime
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

func buildDetail(operation, message string) string {
	parts := make([]string, 0, 2)
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "transcode failure"
	}
	return strings.Join(parts, ": ")
}
