package transcode

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"clipcut/internal/fileutil"
	"clipcut/internal/logging"
)

// Outcome describes a finished process.
type Outcome struct {
	ExitCode  int
	Err       error
	Cancelled bool
}

// Handle identifies one supervised process.
type Handle struct {
	cmd        *exec.Cmd
	outputPath string
	lock       *flock.Flock
	done       chan struct{}

	mu        sync.Mutex
	paused    bool
	cancelled bool
	reaped    bool
	exitCode  int
	waitErr   error
}

// Supervisor owns the OS-level lifecycle of spawned transcode processes:
// start, suspend, resume, terminate/kill, wait. Partial output is removed
// on every non-successful outcome.
type Supervisor struct {
	grace  time.Duration
	logger *slog.Logger
}

// NewSupervisor constructs a supervisor. grace bounds the wait between the
// graceful termination signal and the forceful kill during Cancel.
func NewSupervisor(grace time.Duration, logger *slog.Logger) *Supervisor {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Supervisor{grace: grace, logger: logging.WithComponent(logger, "supervisor")}
}

// Start spawns the command in its own process group and begins forwarding
// its stdout and stderr lines to onLine. The output path is guarded with a
// lock file so two instances cannot write the same file concurrently.
func (s *Supervisor) Start(ctx context.Context, command Command, onLine func(string)) (*Handle, error) {
	lock := flock.New(command.OutputPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, Wrap(ErrSpawn, "lock output", command.OutputPath, err)
	}
	if !locked {
		return nil, Wrap(ErrSpawn, "lock output", "another process is writing "+command.OutputPath, nil)
	}

	cmd := exec.CommandContext(ctx, command.Binary, command.Args...) //nolint:gosec
	// Signals go to the whole group so ffmpeg's own children stop too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		releaseLock(lock)
		return nil, Wrap(ErrSpawn, "stdout pipe", "", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		releaseLock(lock)
		return nil, Wrap(ErrSpawn, "stderr pipe", "", err)
	}

	if err := cmd.Start(); err != nil {
		releaseLock(lock)
		return nil, Wrap(ErrSpawn, "start "+command.Binary, "", err)
	}

	handle := &Handle{
		cmd:        cmd,
		outputPath: command.OutputPath,
		lock:       lock,
		done:       make(chan struct{}),
	}

	var scanners sync.WaitGroup
	scan := func(r io.Reader) {
		defer scanners.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			if onLine != nil {
				onLine(scanner.Text())
			}
		}
	}
	scanners.Add(2)
	go scan(stdout)
	go scan(stderr)
	go s.reap(handle, &scanners)

	s.logger.Info("process started",
		logging.Int("pid", cmd.Process.Pid),
		logging.String("binary", command.Binary),
		logging.String("output", command.OutputPath),
	)
	return handle, nil
}

func (s *Supervisor) reap(h *Handle, scanners *sync.WaitGroup) {
	scanners.Wait()
	err := h.cmd.Wait()

	h.mu.Lock()
	h.reaped = true
	h.waitErr = err
	h.exitCode = exitCode(err)
	failed := err != nil || h.cancelled
	h.mu.Unlock()

	if failed {
		if rmErr := fileutil.RemoveIfPresent(h.outputPath); rmErr != nil {
			s.logger.Warn("unable to remove partial output", logging.Error(rmErr))
		}
	}
	releaseLock(h.lock)
	close(h.done)

	s.logger.Info("process exited",
		logging.Int("exit_code", h.exitCode),
		logging.Bool("output_kept", !failed),
	)
}

// Pause suspends the process group. Pausing an already-paused, cancelled,
// or exited process is a no-op.
func (s *Supervisor) Pause(h *Handle) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reaped || h.paused || h.cancelled {
		return nil
	}
	if err := h.signal(unix.SIGSTOP); err != nil {
		return Wrap(ErrRuntime, "pause", "", err)
	}
	h.paused = true
	s.logger.Info("process paused")
	return nil
}

// Resume continues a suspended process group. Resuming a running, cancelled,
// or exited process is a no-op.
func (s *Supervisor) Resume(h *Handle) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reaped || !h.paused || h.cancelled {
		return nil
	}
	if err := h.signal(unix.SIGCONT); err != nil {
		return Wrap(ErrRuntime, "resume", "", err)
	}
	h.paused = false
	s.logger.Info("process resumed")
	return nil
}

// Cancel terminates the process group: graceful signal, bounded grace wait,
// forceful kill if needed, then partial output removal. Idempotent and safe
// to call for an already-exited process.
func (s *Supervisor) Cancel(h *Handle) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		<-h.done
		return nil
	}
	h.cancelled = true
	alreadyReaped := h.reaped
	paused := h.paused
	h.paused = false
	h.mu.Unlock()

	if alreadyReaped {
		return fileutil.RemoveIfPresent(h.outputPath)
	}

	// A stopped process cannot act on SIGTERM.
	if paused {
		_ = h.signal(unix.SIGCONT)
	}
	_ = h.signal(unix.SIGTERM)

	select {
	case <-h.done:
	case <-time.After(s.grace):
		s.logger.Warn("grace interval expired; killing process group",
			logging.Duration("grace", s.grace))
		_ = h.signal(unix.SIGKILL)
		<-h.done
	}
	return fileutil.RemoveIfPresent(h.outputPath)
}

// Wait blocks until the process exits or ctx is done. It resolves as soon
// as the process exits or is forcefully killed.
func (s *Supervisor) Wait(ctx context.Context, h *Handle) (Outcome, error) {
	if h == nil {
		return Outcome{}, errors.New("no process handle")
	}
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-h.done:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return Outcome{ExitCode: h.exitCode, Err: h.waitErr, Cancelled: h.cancelled}, nil
}

// Pid returns the process id of the supervised process.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *Handle) signal(sig unix.Signal) error {
	err := unix.Kill(-h.cmd.Process.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func releaseLock(lock *flock.Flock) {
	_ = lock.Unlock()
	_ = fileutil.RemoveIfPresent(lock.Path())
}
