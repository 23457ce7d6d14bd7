package transcode_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"clipcut/internal/config"
	"clipcut/internal/encoder"
	"clipcut/internal/media/ffprobe"
	"clipcut/internal/transcode"
)

// stubExecutor answers the `ffmpeg -encoders` probe.
type stubExecutor struct {
	listing string
	err     error
}

func (s stubExecutor) Output(context.Context, string, ...string) ([]byte, error) {
	return []byte(s.listing), s.err
}

func nvencSelector(t *testing.T) *encoder.Selector {
	t.Helper()
	selector, err := encoder.NewSelector("ffmpeg", []string{"h264_nvenc"}, nil,
		encoder.WithExecutor(stubExecutor{listing: " V....D h264_nvenc\n V..... libx264\n"}))
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	return selector
}

func stubProber(durationSeconds string, err error) transcode.Prober {
	return func(context.Context, string, string) (ffprobe.Result, error) {
		return ffprobe.Result{Format: ffprobe.Format{Duration: durationSeconds}}, err
	}
}

// attempt scripts one runner invocation.
type attempt struct {
	startErr error
	lines    []string
	outcome  transcode.Outcome
}

// scriptedRunner replays a fixed sequence of process attempts.
type scriptedRunner struct {
	mu       sync.Mutex
	attempts []attempt
	index    int
	started  []transcode.Command
}

func (r *scriptedRunner) Start(_ context.Context, cmd transcode.Command, onLine func(string)) (*transcode.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	script := r.attempts[r.index]
	if script.startErr != nil {
		return nil, script.startErr
	}
	r.started = append(r.started, cmd)
	for _, line := range script.lines {
		onLine(line)
	}
	return &transcode.Handle{}, nil
}

func (r *scriptedRunner) Wait(context.Context, *transcode.Handle) (transcode.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	outcome := r.attempts[r.index].outcome
	r.index++
	return outcome, nil
}

func (r *scriptedRunner) Pause(*transcode.Handle) error  { return nil }
func (r *scriptedRunner) Resume(*transcode.Handle) error { return nil }
func (r *scriptedRunner) Cancel(*transcode.Handle) error { return nil }

func (r *scriptedRunner) startedCommands() []transcode.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transcode.Command(nil), r.started...)
}

// blockingRunner parks the job in Running until cancelled.
type blockingRunner struct {
	outcomes  chan transcode.Outcome
	startedCh chan struct{}
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		outcomes:  make(chan transcode.Outcome, 1),
		startedCh: make(chan struct{}, 1),
	}
}

func (r *blockingRunner) Start(context.Context, transcode.Command, func(string)) (*transcode.Handle, error) {
	r.startedCh <- struct{}{}
	return &transcode.Handle{}, nil
}

func (r *blockingRunner) Wait(ctx context.Context, _ *transcode.Handle) (transcode.Outcome, error) {
	select {
	case outcome := <-r.outcomes:
		return outcome, nil
	case <-ctx.Done():
		return transcode.Outcome{}, ctx.Err()
	}
}

func (r *blockingRunner) Pause(*transcode.Handle) error  { return nil }
func (r *blockingRunner) Resume(*transcode.Handle) error { return nil }

func (r *blockingRunner) Cancel(*transcode.Handle) error {
	r.outcomes <- transcode.Outcome{Cancelled: true, ExitCode: -1}
	return nil
}

func newTestCoordinator(t *testing.T, runner transcode.Runner) *transcode.Coordinator {
	t.Helper()
	cfg := config.Default()
	coordinator, err := transcode.New(&cfg, nil,
		transcode.WithRunner(runner),
		transcode.WithSelector(nvencSelector(t)),
		transcode.WithProber(stubProber("60.0", nil)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return coordinator
}

func drainEvents(t *testing.T, events <-chan transcode.Event) []transcode.Event {
	t.Helper()
	var all []transcode.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return all
			}
			all = append(all, event)
		case <-timeout:
			t.Fatalf("event channel never closed; got %d events", len(all))
		}
	}
}

func stateSequence(events []transcode.Event) []transcode.State {
	var states []transcode.State
	for _, event := range events {
		if event.Type == transcode.EventState {
			states = append(states, event.State)
		}
	}
	return states
}

func errorEvents(events []transcode.Event) []transcode.Event {
	var errs []transcode.Event
	for _, event := range events {
		if event.Type == transcode.EventError {
			errs = append(errs, event)
		}
	}
	return errs
}

func TestCoordinatorFallsBackToSoftware(t *testing.T) {
	runner := &scriptedRunner{attempts: []attempt{
		{
			lines:   []string{"Cannot load libcuda.so.1"},
			outcome: transcode.Outcome{ExitCode: 1, Err: errors.New("exit status 1")},
		},
		{
			lines:   []string{"out_time_us=4000000", "out_time_us=8000000"},
			outcome: transcode.Outcome{ExitCode: 0},
		},
	}}
	coordinator := newTestCoordinator(t, runner)

	events, err := coordinator.Start(context.Background(), validSpec(t))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	all := drainEvents(t, events)

	wantStates := []transcode.State{
		transcode.StateSelecting, transcode.StateRunning,
		transcode.StateSelecting, transcode.StateRunning,
		transcode.StateCompleted,
	}
	if got := stateSequence(all); !slices.Equal(got, wantStates) {
		t.Fatalf("state sequence = %v, want %v", got, wantStates)
	}
	if errs := errorEvents(all); len(errs) != 0 {
		t.Fatalf("fallback surfaced errors to the caller: %+v", errs)
	}
	if err := coordinator.Err(); err != nil {
		t.Fatalf("Err() = %v after recovered fallback", err)
	}

	started := runner.startedCommands()
	if len(started) != 2 {
		t.Fatalf("started %d processes, want 2", len(started))
	}
	if got := argValue(t, started[0].Args, "-c:v"); got != "h264_nvenc" {
		t.Errorf("first attempt encoder = %q", got)
	}
	if got := argValue(t, started[1].Args, "-c:v"); got != "libx264" {
		t.Errorf("second attempt encoder = %q", got)
	}

	// The Running events name the encoder in use for each attempt.
	var encoders []string
	for _, event := range all {
		if event.Type == transcode.EventState && event.State == transcode.StateRunning {
			encoders = append(encoders, event.Encoder)
		}
	}
	if !slices.Equal(encoders, []string{"h264_nvenc", "libx264"}) {
		t.Errorf("running encoders = %v", encoders)
	}

	if sample := coordinator.LastSample(); sample.Ratio != 1.0 {
		t.Errorf("final ratio = %f, want 1.0", sample.Ratio)
	}
}

func TestCoordinatorProgressRatiosNeverRegress(t *testing.T) {
	runner := &scriptedRunner{attempts: []attempt{{
		lines: []string{
			"out_time_us=1000000",
			"out_time_us=3000000",
			"out_time_us=2000000", // regression from the stream, must be dropped
			"out_time_us=6000000",
		},
		outcome: transcode.Outcome{ExitCode: 0},
	}}}
	coordinator := newTestCoordinator(t, runner)

	events, err := coordinator.Start(context.Background(), validSpec(t))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	all := drainEvents(t, events)

	previous := -1.0
	count := 0
	for _, event := range all {
		if event.Type != transcode.EventProgress {
			continue
		}
		count++
		if event.Sample.Ratio < previous {
			t.Fatalf("ratio regressed: %f after %f", event.Sample.Ratio, previous)
		}
		if event.Sample.Ratio < 0 || event.Sample.Ratio > 1 {
			t.Fatalf("ratio %f outside [0,1]", event.Sample.Ratio)
		}
		previous = event.Sample.Ratio
	}
	// Three stream samples survive the monotonic filter, plus the final 1.0.
	if count != 4 {
		t.Fatalf("got %d progress events, want 4", count)
	}
}

func TestCoordinatorAllCandidatesExhausted(t *testing.T) {
	runner := &scriptedRunner{attempts: []attempt{
		{
			lines:   []string{"Cannot load libcuda.so.1"},
			outcome: transcode.Outcome{ExitCode: 1, Err: errors.New("exit status 1")},
		},
		{
			lines:   []string{"Error while opening encoder for output stream #0:0"},
			outcome: transcode.Outcome{ExitCode: 1, Err: errors.New("exit status 1")},
		},
	}}
	coordinator := newTestCoordinator(t, runner)

	events, err := coordinator.Start(context.Background(), validSpec(t))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	all := drainEvents(t, events)

	errs := errorEvents(all)
	if len(errs) != 1 || errs[0].Kind != transcode.KindEncoderUnavailable {
		t.Fatalf("error events = %+v, want one encoder_unavailable", errs)
	}
	if got := coordinator.State(); got != transcode.StateFailed {
		t.Fatalf("state = %q, want failed", got)
	}
	if !errors.Is(coordinator.Err(), transcode.ErrEncoderUnavailable) {
		t.Fatalf("Err() = %v", coordinator.Err())
	}
}

func TestCoordinatorRuntimeFailureDoesNotFallBack(t *testing.T) {
	runner := &scriptedRunner{attempts: []attempt{{
		lines:   []string{"[mov,mp4,m4a @ 0x55] Invalid data found when processing input"},
		outcome: transcode.Outcome{ExitCode: 1, Err: errors.New("exit status 1")},
	}}}
	coordinator := newTestCoordinator(t, runner)

	events, err := coordinator.Start(context.Background(), validSpec(t))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	all := drainEvents(t, events)

	if started := runner.startedCommands(); len(started) != 1 {
		t.Fatalf("runtime failure retried: %d attempts", len(started))
	}
	errs := errorEvents(all)
	if len(errs) != 1 || errs[0].Kind != transcode.KindRuntimeFailure {
		t.Fatalf("error events = %+v, want one runtime_failure", errs)
	}
	if !errors.Is(coordinator.Err(), transcode.ErrRuntime) {
		t.Fatalf("Err() = %v", coordinator.Err())
	}
}

func TestCoordinatorSpawnFailureIsTerminal(t *testing.T) {
	runner := &scriptedRunner{attempts: []attempt{{
		startErr: transcode.Wrap(transcode.ErrSpawn, "start ffmpeg", "", errors.New("no such file")),
	}}}
	coordinator := newTestCoordinator(t, runner)

	events, err := coordinator.Start(context.Background(), validSpec(t))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	all := drainEvents(t, events)

	if started := runner.startedCommands(); len(started) != 0 {
		t.Fatalf("spawn failure recorded %d started commands", len(started))
	}
	errs := errorEvents(all)
	if len(errs) != 1 || errs[0].Kind != transcode.KindSpawnFailure {
		t.Fatalf("error events = %+v, want one spawn_failure", errs)
	}
	if !errors.Is(coordinator.Err(), transcode.ErrSpawn) {
		t.Fatalf("Err() = %v", coordinator.Err())
	}
}

func TestCoordinatorRejectsInvalidSpecSynchronously(t *testing.T) {
	runner := &scriptedRunner{}
	coordinator := newTestCoordinator(t, runner)

	spec := validSpec(t)
	spec.End = spec.Start
	events, err := coordinator.Start(context.Background(), spec)
	if events != nil {
		t.Fatal("invalid spec produced an event channel")
	}
	if !errors.Is(err, transcode.ErrInvalidInput) {
		t.Fatalf("Start error = %v, want ErrInvalidInput", err)
	}
	if got := coordinator.State(); got != transcode.StateIdle {
		t.Fatalf("state = %q after rejected start, want idle", got)
	}
	if started := runner.startedCommands(); len(started) != 0 {
		t.Fatalf("rejected spec spawned %d processes", len(started))
	}
}

func TestCoordinatorRejectsEndBeyondInputDuration(t *testing.T) {
	runner := &scriptedRunner{}
	cfg := config.Default()
	coordinator, err := transcode.New(&cfg, nil,
		transcode.WithRunner(runner),
		transcode.WithSelector(nvencSelector(t)),
		transcode.WithProber(stubProber("5.0", nil)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	events, err := coordinator.Start(context.Background(), validSpec(t)) // end=10s, input=5s
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	all := drainEvents(t, events)

	errs := errorEvents(all)
	if len(errs) != 1 || errs[0].Kind != transcode.KindInvalidInput {
		t.Fatalf("error events = %+v, want one invalid_input", errs)
	}
	if started := runner.startedCommands(); len(started) != 0 {
		t.Fatalf("out-of-bounds clip spawned %d processes", len(started))
	}
}

func TestCoordinatorSecondStartWhileActive(t *testing.T) {
	runner := newBlockingRunner()
	coordinator := newTestCoordinator(t, runner)

	events, err := coordinator.Start(context.Background(), validSpec(t))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-runner.startedCh

	if _, err := coordinator.Start(context.Background(), validSpec(t)); !errors.Is(err, transcode.ErrJobActive) {
		t.Fatalf("second Start error = %v, want ErrJobActive", err)
	}

	if err := coordinator.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	drainEvents(t, events)

	// A terminal job frees the slot.
	runner2 := &scriptedRunner{attempts: []attempt{{outcome: transcode.Outcome{ExitCode: 0}}}}
	coordinator2 := newTestCoordinator(t, runner2)
	events2, err := coordinator2.Start(context.Background(), validSpec(t))
	if err != nil {
		t.Fatalf("fresh Start: %v", err)
	}
	drainEvents(t, events2)
}

func TestCoordinatorCancelEndsInFailedWithCancelledKind(t *testing.T) {
	runner := newBlockingRunner()
	coordinator := newTestCoordinator(t, runner)

	events, err := coordinator.Start(context.Background(), validSpec(t))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-runner.startedCh

	if err := coordinator.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	all := drainEvents(t, events)

	states := stateSequence(all)
	if len(states) < 2 {
		t.Fatalf("too few state events: %v", states)
	}
	if states[len(states)-1] != transcode.StateFailed {
		t.Fatalf("final state = %q, want failed", states[len(states)-1])
	}
	if !slices.Contains(states, transcode.StateCancelling) {
		t.Fatalf("cancelling never observed: %v", states)
	}

	errs := errorEvents(all)
	if len(errs) != 1 || errs[0].Kind != transcode.KindCancelled {
		t.Fatalf("error events = %+v, want one cancelled_by_user", errs)
	}
	if !errors.Is(coordinator.Err(), transcode.ErrCancelled) {
		t.Fatalf("Err() = %v", coordinator.Err())
	}

	// Cancel after the terminal state is a no-op.
	if err := coordinator.Cancel(); err != nil {
		t.Fatalf("post-terminal Cancel: %v", err)
	}
}

// pauseRaceRunner lets the job run to completion while a Pause call is
// still in flight, so the pause lands after the terminal state.
type pauseRaceRunner struct {
	startedCh chan struct{}
	release   chan struct{}
	jobDone   chan struct{}
}

func newPauseRaceRunner() *pauseRaceRunner {
	return &pauseRaceRunner{
		startedCh: make(chan struct{}, 1),
		release:   make(chan struct{}),
		jobDone:   make(chan struct{}),
	}
}

func (r *pauseRaceRunner) Start(context.Context, transcode.Command, func(string)) (*transcode.Handle, error) {
	r.startedCh <- struct{}{}
	return &transcode.Handle{}, nil
}

func (r *pauseRaceRunner) Wait(ctx context.Context, _ *transcode.Handle) (transcode.Outcome, error) {
	select {
	case <-r.release:
		return transcode.Outcome{ExitCode: 0}, nil
	case <-ctx.Done():
		return transcode.Outcome{}, ctx.Err()
	}
}

func (r *pauseRaceRunner) Pause(*transcode.Handle) error {
	close(r.release)
	<-r.jobDone
	return nil
}

func (r *pauseRaceRunner) Resume(*transcode.Handle) error { return nil }
func (r *pauseRaceRunner) Cancel(*transcode.Handle) error { return nil }

func TestCoordinatorPauseRacingCompletionKeepsTerminalState(t *testing.T) {
	runner := newPauseRaceRunner()
	coordinator := newTestCoordinator(t, runner)

	events, err := coordinator.Start(context.Background(), validSpec(t))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-runner.startedCh

	collected := make(chan []transcode.Event, 1)
	go func() {
		var all []transcode.Event
		for event := range events {
			all = append(all, event)
		}
		close(runner.jobDone)
		collected <- all
	}()

	deadline := time.Now().Add(5 * time.Second)
	for coordinator.State() != transcode.StateRunning {
		if time.Now().After(deadline) {
			t.Fatal("job never reached running")
		}
		time.Sleep(time.Millisecond)
	}

	// The runner finishes the job and closes the event channel before this
	// Pause returns; the late pause must neither panic nor overwrite the
	// terminal state.
	if err := coordinator.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	all := <-collected

	if got := coordinator.State(); got != transcode.StateCompleted {
		t.Fatalf("state = %q after racing pause, want completed", got)
	}
	if states := stateSequence(all); slices.Contains(states, transcode.StatePaused) {
		t.Fatalf("paused emitted after completion: %v", states)
	}
	if err := coordinator.Err(); err != nil {
		t.Fatalf("Err() = %v after completed job", err)
	}
}

// cleanExitRunner reports a clean exit even when cancelled, as a process
// that finished on its own during the cancel race would.
type cleanExitRunner struct {
	startedCh chan struct{}
	release   chan struct{}
}

func (r *cleanExitRunner) Start(context.Context, transcode.Command, func(string)) (*transcode.Handle, error) {
	r.startedCh <- struct{}{}
	return &transcode.Handle{}, nil
}

func (r *cleanExitRunner) Wait(ctx context.Context, _ *transcode.Handle) (transcode.Outcome, error) {
	select {
	case <-r.release:
		return transcode.Outcome{ExitCode: 0}, nil
	case <-ctx.Done():
		return transcode.Outcome{}, ctx.Err()
	}
}

func (r *cleanExitRunner) Pause(*transcode.Handle) error  { return nil }
func (r *cleanExitRunner) Resume(*transcode.Handle) error { return nil }
func (r *cleanExitRunner) Cancel(*transcode.Handle) error { return nil }

func TestCoordinatorCancelRacingCleanExitNeverCompletes(t *testing.T) {
	spec := validSpec(t)
	for i := 0; i < 50; i++ {
		runner := &cleanExitRunner{
			startedCh: make(chan struct{}, 1),
			release:   make(chan struct{}),
		}
		coordinator := newTestCoordinator(t, runner)

		events, err := coordinator.Start(context.Background(), spec)
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		<-runner.startedCh

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			close(runner.release)
		}()
		go func() {
			defer wg.Done()
			if err := coordinator.Cancel(); err != nil {
				t.Errorf("Cancel: %v", err)
			}
		}()
		all := drainEvents(t, events)
		wg.Wait()

		states := stateSequence(all)
		final := states[len(states)-1]
		if slices.Contains(states, transcode.StateCancelling) {
			// Once the caller saw Cancelling, the job may only end Failed.
			if final != transcode.StateFailed {
				t.Fatalf("cancelling resolved to %q, want failed (states %v)", final, states)
			}
			if !errors.Is(coordinator.Err(), transcode.ErrCancelled) {
				t.Fatalf("Err() = %v after observed cancel", coordinator.Err())
			}
		} else if final != transcode.StateCompleted {
			t.Fatalf("final state = %q, want completed (states %v)", final, states)
		}
	}
}

func TestCoordinatorLifecycleOpsWithoutJobAreNoops(t *testing.T) {
	coordinator := newTestCoordinator(t, &scriptedRunner{})

	if err := coordinator.Pause(); err != nil {
		t.Fatalf("Pause with no job: %v", err)
	}
	if err := coordinator.Resume(); err != nil {
		t.Fatalf("Resume with no job: %v", err)
	}
	if err := coordinator.Cancel(); err != nil {
		t.Fatalf("Cancel with no job: %v", err)
	}
	if got := coordinator.State(); got != transcode.StateIdle {
		t.Fatalf("state = %q, want idle", got)
	}
}
