package encoder

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"clipcut/internal/logging"
)

// Executor abstracts command execution for testability.
type Executor interface {
	Output(ctx context.Context, binary string, args ...string) ([]byte, error)
}

// Option configures the selector.
type Option func(*Selector)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(s *Selector) {
		if exec != nil {
			s.exec = exec
		}
	}
}

// Selector probes encoder availability and produces an ordered candidate
// list, software always last.
type Selector struct {
	binary     string
	preference []string
	logger     *slog.Logger
	exec       Executor

	mu      sync.Mutex
	probed  bool
	support map[string]bool
}

// NewSelector constructs a selector for the given ffmpeg binary. An empty
// preference list falls back to the platform default order.
func NewSelector(binary string, preference []string, logger *slog.Logger, opts ...Option) (*Selector, error) {
	if err := ValidatePreference(preference); err != nil {
		return nil, err
	}
	if len(preference) == 0 {
		preference = DefaultPreference()
	}
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	selector := &Selector{
		binary:     binary,
		preference: preference,
		logger:     logging.WithComponent(logger, "encoder-selector"),
		exec:       commandExecutor{},
	}
	for _, opt := range opts {
		opt(selector)
	}
	return selector, nil
}

// Select returns the candidate list for the current host: available hardware
// encoders in preference order, then the software encoder. The sequence is
// never empty. Probe failures are treated as "hardware unavailable", never
// surfaced as errors.
func (s *Selector) Select(ctx context.Context) []Candidate {
	support := s.probe(ctx)

	candidates := make([]Candidate, 0, len(s.preference)+1)
	for _, name := range s.preference {
		if name == SoftwareEncoder {
			continue
		}
		if !support[name] {
			continue
		}
		candidates = append(candidates, Candidate{
			Name:    name,
			HWAccel: knownEncoders[name],
			Rank:    len(candidates),
		})
	}
	candidates = append(candidates, Candidate{Name: SoftwareEncoder, Rank: len(candidates)})
	return candidates
}

// Availability reports the probe result for every known encoder plus the
// software fallback, for diagnostic display.
func (s *Selector) Availability(ctx context.Context) map[string]bool {
	support := s.probe(ctx)
	out := make(map[string]bool, len(knownEncoders)+1)
	for name := range knownEncoders {
		out[name] = support[name]
	}
	out[SoftwareEncoder] = support[SoftwareEncoder]
	return out
}

// probe runs `ffmpeg -encoders` once and caches which encoder names the
// build advertises.
func (s *Selector) probe(ctx context.Context) map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.probed {
		return s.support
	}
	s.probed = true
	s.support = make(map[string]bool, len(knownEncoders)+1)

	output, err := s.exec.Output(ctx, s.binary, "-hide_banner", "-encoders")
	if err != nil {
		s.logger.Warn("encoder probe failed; using software encoder only", logging.Error(err))
		return s.support
	}

	listing := string(output)
	for name := range knownEncoders {
		s.support[name] = strings.Contains(listing, name)
	}
	s.support[SoftwareEncoder] = strings.Contains(listing, SoftwareEncoder)

	available := make([]string, 0, len(s.support))
	for name, ok := range s.support {
		if ok {
			available = append(available, name)
		}
	}
	s.logger.Debug("encoder probe complete", logging.Int("available", len(available)))
	return s.support
}

type commandExecutor struct{}

func (commandExecutor) Output(ctx context.Context, binary string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, binary, args...).Output() //nolint:gosec
}
