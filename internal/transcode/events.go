package transcode

// State represents the lifecycle of a job.
type State string

const (
	StateIdle       State = "idle"
	StateSelecting  State = "selecting"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateCancelling State = "cancelling"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transitions can occur.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ProgressSample is one normalized progress observation.
type ProgressSample struct {
	// ElapsedSeconds is the media time the process has produced so far.
	ElapsedSeconds float64
	// DurationSeconds is the total clip duration, set exactly once per job.
	DurationSeconds float64
	// Ratio is ElapsedSeconds/DurationSeconds clamped to [0,1].
	Ratio float64
}

// EventType discriminates Event payloads.
type EventType string

const (
	EventProgress EventType = "progress"
	EventState    EventType = "state"
	EventError    EventType = "error"
)

// Event is one ordered notification from the engine to its caller.
// Delivery order matches the monitor's read order.
type Event struct {
	JobID string
	Type  EventType

	// Type == EventProgress
	Sample ProgressSample

	// Type == EventState
	State State
	// Encoder is the candidate in use when entering Running.
	Encoder string

	// Type == EventError
	Kind    Kind
	Message string
}

// Observer receives engine notifications as method calls. Implementations
// must return quickly; a slow observer stalls event delivery.
type Observer interface {
	OnProgress(ratio float64, elapsedSeconds float64)
	OnStateChanged(state State)
	OnError(kind Kind, message string)
}

// Notify drains events into an observer, preserving emission order. It
// returns when the channel is closed; callers usually run it in its own
// goroutine.
func Notify(events <-chan Event, obs Observer) {
	for event := range events {
		switch event.Type {
		case EventProgress:
			obs.OnProgress(event.Sample.Ratio, event.Sample.ElapsedSeconds)
		case EventState:
			obs.OnStateChanged(event.State)
		case EventError:
			obs.OnError(event.Kind, event.Message)
		}
	}
}
