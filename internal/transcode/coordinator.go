package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"clipcut/internal/config"
	"clipcut/internal/encoder"
	"clipcut/internal/logging"
	"clipcut/internal/media/ffprobe"
)

// Runner abstracts the supervision layer so tests can substitute a stub
// for the real process supervisor.
type Runner interface {
	Start(ctx context.Context, command Command, onLine func(string)) (*Handle, error)
	Pause(h *Handle) error
	Resume(h *Handle) error
	Cancel(h *Handle) error
	Wait(ctx context.Context, h *Handle) (Outcome, error)
}

// Prober resolves container metadata for the input file.
type Prober func(ctx context.Context, binary string, path string) (ffprobe.Result, error)

// Option adjusts coordinator construction.
type Option func(*Coordinator)

// WithRunner replaces the process supervisor.
func WithRunner(r Runner) Option {
	return func(c *Coordinator) { c.runner = r }
}

// WithProber replaces the ffprobe invocation.
func WithProber(p Prober) Option {
	return func(c *Coordinator) { c.probe = p }
}

// WithSelector replaces the encoder selector.
func WithSelector(s *encoder.Selector) Option {
	return func(c *Coordinator) { c.selector = s }
}

// Coordinator drives one transcode job at a time through its lifecycle:
// encoder selection, command construction, process supervision, and the
// hardware-to-software fallback chain. All notifications flow through the
// per-job event channel in monitor read order.
type Coordinator struct {
	cfg      *config.Config
	logger   *slog.Logger
	builder  *Builder
	runner   Runner
	selector *encoder.Selector
	probe    Prober

	mu            sync.Mutex
	state         State
	jobID         string
	events        chan Event
	finished      bool
	handle        *Handle
	encoderName   string
	lastSample    ProgressSample
	cancelAsked   bool
	cancelPending bool
	jobErr        error
}

// New builds a coordinator from configuration. The zero job state is Idle.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	if cfg == nil {
		return nil, errors.New("nil configuration")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	c := &Coordinator{
		cfg:     cfg,
		logger:  logging.WithComponent(logger, "coordinator"),
		builder: NewBuilder(cfg),
		probe:   ffprobe.Inspect,
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.runner == nil {
		grace := time.Duration(cfg.Process.GraceSeconds) * time.Second
		c.runner = NewSupervisor(grace, logger)
	}
	if c.selector == nil {
		selector, err := encoder.NewSelector(cfg.Tools.FFmpeg, cfg.Encoding.Preference, logger)
		if err != nil {
			return nil, err
		}
		c.selector = selector
	}
	return c, nil
}

// Start validates the job and begins executing it asynchronously. The
// returned channel carries every progress, state, and error event for this
// job in emission order and is closed once a terminal state is reached.
// Callers must drain it. Only one job may be active at a time.
func (c *Coordinator) Start(ctx context.Context, spec JobSpec) (<-chan Event, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state != StateIdle && !c.state.Terminal() {
		c.mu.Unlock()
		return nil, ErrJobActive
	}
	c.jobID = uuid.NewString()
	c.state = StateSelecting
	c.events = make(chan Event, 256)
	c.finished = false
	c.encoderName = ""
	c.lastSample = ProgressSample{}
	c.cancelAsked = false
	c.cancelPending = false
	c.jobErr = nil
	events := c.events
	c.mu.Unlock()

	go c.run(ctx, spec, events)
	return events, nil
}

// Pause suspends the active process. A no-op unless the job is Running.
func (c *Coordinator) Pause() error {
	c.mu.Lock()
	if c.state != StateRunning || c.handle == nil {
		c.mu.Unlock()
		return nil
	}
	handle := c.handle
	c.mu.Unlock()

	if err := c.runner.Pause(handle); err != nil {
		return err
	}
	c.transitionIf(StateRunning, StatePaused)
	return nil
}

// Resume continues a paused process. A no-op unless the job is Paused.
func (c *Coordinator) Resume() error {
	c.mu.Lock()
	if c.state != StatePaused || c.handle == nil {
		c.mu.Unlock()
		return nil
	}
	handle := c.handle
	c.mu.Unlock()

	if err := c.runner.Resume(handle); err != nil {
		return err
	}
	c.transitionIf(StatePaused, StateRunning)
	return nil
}

// Cancel requests termination of the active job and blocks until the
// process is gone and its partial output removed. Idempotent; a no-op
// when no job is active. Cancellation always ends the job in Failed with
// a cancelled classification, even if the process happens to exit cleanly
// during the race.
func (c *Coordinator) Cancel() error {
	c.mu.Lock()
	if c.state.Terminal() || c.state == StateIdle || c.cancelAsked {
		c.mu.Unlock()
		return nil
	}
	c.cancelAsked = true
	c.state = StateCancelling
	handle := c.handle
	if handle == nil {
		// No process right now; the run loop terminates the next one it
		// spawns, or finishes before spawning at all.
		c.cancelPending = true
	}
	c.emitLocked(Event{Type: EventState, State: StateCancelling})
	c.mu.Unlock()

	if handle == nil {
		return nil
	}
	return c.runner.Cancel(handle)
}

// State reports the current job state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastSample reports the most recent progress observation of the current
// or last job.
func (c *Coordinator) LastSample() ProgressSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSample
}

// Err reports the terminal error of the last job, nil after a completed one.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobErr
}

func (c *Coordinator) run(ctx context.Context, spec JobSpec, events chan Event) {
	// finished is flipped under the lock before the close, so a control
	// call that lost the race drops its send instead of hitting a closed
	// channel.
	defer func() {
		c.mu.Lock()
		c.finished = true
		c.mu.Unlock()
		close(events)
	}()

	c.mu.Lock()
	jobID := c.jobID
	c.mu.Unlock()
	jobLogger := c.logger.With(logging.String(logging.FieldJobID, jobID))

	clipSeconds := spec.ClipDuration().Seconds()
	var totalDuration float64
	if result, err := c.probe(ctx, c.cfg.Tools.FFprobe, spec.InputPath); err != nil {
		jobLogger.Warn("probe failed; clip bound check deferred to runtime", logging.Error(err))
	} else {
		totalDuration = result.DurationSeconds()
	}

	candidates := c.selector.Select(ctx)
	for index, candidate := range candidates {
		if c.cancelRequested() {
			c.finishCancelled(jobLogger)
			return
		}
		c.transition(StateSelecting)
		jobLogger.Info("attempting encoder",
			logging.String("encoder", candidate.Name),
			logging.Int("attempt", index+1),
			logging.Int("candidates", len(candidates)),
		)

		command, err := c.builder.Build(spec, candidate, totalDuration)
		if err != nil {
			c.finishError(jobLogger, err)
			return
		}

		monitor := NewMonitor(clipSeconds, c.publishSample)
		handle, err := c.runner.Start(ctx, command, monitor.Consume)
		if err != nil {
			// Failing to spawn says nothing about the encoder, so no
			// candidate fallback happens here.
			c.finishError(jobLogger, err)
			return
		}
		c.setHandle(handle, candidate.Name)
		if c.takePendingCancel() {
			// Cancel arrived while the process was being spawned.
			_ = c.runner.Cancel(handle)
		} else {
			c.transition(StateRunning)
		}

		outcome, waitErr := c.runner.Wait(ctx, handle)
		monitor.Close()
		c.setHandle(nil, candidate.Name)
		if waitErr != nil {
			c.finishError(jobLogger, Wrap(ErrRuntime, "wait for process", "", waitErr))
			return
		}
		if outcome.Cancelled || c.cancelRequested() {
			c.finishCancelled(jobLogger)
			return
		}
		if outcome.Err == nil && outcome.ExitCode == 0 {
			c.finishCompleted(jobLogger, clipSeconds, monitor.Duration())
			return
		}

		encoderInit, line, matched := monitor.Failure()
		if matched && encoderInit {
			if index+1 < len(candidates) {
				jobLogger.Warn("encoder failed to initialize; falling back",
					logging.String("encoder", candidate.Name),
					logging.String("detail", line),
				)
				continue
			}
			c.finishError(jobLogger, Wrap(ErrEncoderUnavailable, "select encoder",
				"all candidates exhausted: "+line, nil))
			return
		}
		message := line
		if message == "" {
			message = fmt.Sprintf("exit code %d", outcome.ExitCode)
		}
		c.finishError(jobLogger, Wrap(ErrRuntime, "transcode", message, outcome.Err))
		return
	}

	// Select always yields at least the software encoder, so this is
	// unreachable in practice.
	c.finishError(jobLogger, Wrap(ErrEncoderUnavailable, "select encoder", "no candidates", nil))
}

func (c *Coordinator) cancelRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelAsked
}

// takePendingCancel consumes a cancellation that raced with process spawn.
func (c *Coordinator) takePendingCancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.cancelPending && c.cancelAsked
	c.cancelPending = false
	return pending
}

func (c *Coordinator) setHandle(h *Handle, encoderName string) {
	c.mu.Lock()
	c.handle = h
	c.encoderName = encoderName
	c.mu.Unlock()
}

// publishSample forwards a monitor observation as a progress event. Samples
// arriving after cancellation was requested are dropped so the caller never
// sees progress past Cancelling. Progress is lossy under backpressure;
// state and error events never are.
func (c *Coordinator) publishSample(sample ProgressSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished || c.cancelAsked || c.state.Terminal() {
		return
	}
	c.lastSample = sample
	select {
	case c.events <- Event{JobID: c.jobID, Type: EventProgress, Sample: sample}:
	default:
	}
}

// emitLocked sends one event on the active job channel. Callers hold c.mu,
// which keeps emission order identical to state-write order and makes the
// finished check atomic with the send. Sends block on a full buffer; the
// channel contract requires the caller to drain.
func (c *Coordinator) emitLocked(event Event) {
	if c.finished {
		return
	}
	event.JobID = c.jobID
	c.events <- event
}

// transition advances the run loop's state. Once a cancel has been asked
// the cancel path owns the state machine, so ordinary transitions stop.
func (c *Coordinator) transition(next State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished || c.cancelAsked || c.state.Terminal() {
		return
	}
	c.state = next
	event := Event{Type: EventState, State: next}
	if next == StateRunning {
		event.Encoder = c.encoderName
	}
	c.emitLocked(event)
}

// transitionIf applies a transition only when the job is still in the state
// the caller observed. Pause and Resume release the lock around the runner
// call, so the job may have been cancelled or finished in the meantime.
func (c *Coordinator) transitionIf(from, next State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished || c.state != from {
		return
	}
	c.state = next
	event := Event{Type: EventState, State: next}
	if next == StateRunning {
		event.Encoder = c.encoderName
	}
	c.emitLocked(event)
}

// finishCompleted claims the terminal state and the cancel flag under one
// lock hold: a Cancel that got in first diverts the job to the cancelled
// path, and a Cancel that arrives later sees Completed and becomes a no-op.
// Cancelling never resolves to Completed either way.
func (c *Coordinator) finishCompleted(jobLogger *slog.Logger, clipSeconds, observedDuration float64) {
	c.mu.Lock()
	if c.cancelAsked {
		c.mu.Unlock()
		c.finishCancelled(jobLogger)
		return
	}
	duration := clipSeconds
	if duration <= 0 {
		duration = observedDuration
	}
	if duration > 0 {
		sample := ProgressSample{
			ElapsedSeconds:  duration,
			DurationSeconds: duration,
			Ratio:           1.0,
		}
		c.lastSample = sample
		c.emitLocked(Event{Type: EventProgress, Sample: sample})
	}
	c.state = StateCompleted
	c.emitLocked(Event{Type: EventState, State: StateCompleted})
	c.mu.Unlock()
	jobLogger.Info("job completed")
}

func (c *Coordinator) finishCancelled(jobLogger *slog.Logger) {
	err := Wrap(ErrCancelled, "transcode", "", nil)

	c.mu.Lock()
	c.jobErr = err
	if c.state != StateCancelling {
		c.state = StateCancelling
		c.emitLocked(Event{Type: EventState, State: StateCancelling})
	}
	c.emitLocked(Event{Type: EventError, Kind: KindCancelled, Message: err.Error()})
	c.state = StateFailed
	c.emitLocked(Event{Type: EventState, State: StateFailed})
	c.mu.Unlock()
	jobLogger.Info("job cancelled")
}

func (c *Coordinator) finishError(jobLogger *slog.Logger, err error) {
	kind := Classify(err)

	c.mu.Lock()
	if c.cancelAsked {
		c.mu.Unlock()
		c.finishCancelled(jobLogger)
		return
	}
	c.jobErr = err
	c.emitLocked(Event{Type: EventError, Kind: kind, Message: err.Error()})
	c.state = StateFailed
	c.emitLocked(Event{Type: EventState, State: StateFailed})
	c.mu.Unlock()
	jobLogger.Error("job failed",
		logging.String("kind", string(kind)),
		logging.Error(err),
	)
}
