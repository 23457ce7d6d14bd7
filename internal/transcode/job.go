package transcode

import (
	"fmt"
	"strings"
	"time"

	"clipcut/internal/fileutil"
)

// JobSpec describes one clip-extraction job. Immutable once a job starts.
type JobSpec struct {
	InputPath  string
	OutputPath string
	// Start and End bound the extracted clip; both relative to the start
	// of the input. Start >= 0, End > Start.
	Start time.Duration
	End   time.Duration
	// ExtraArgs are appended to the ffmpeg invocation before the output
	// path, after the config-level extra args.
	ExtraArgs []string
}

// Validate checks everything that can be checked before a process exists.
// Failures wrap ErrInvalidInput.
func (s JobSpec) Validate() error {
	if strings.TrimSpace(s.InputPath) == "" {
		return Wrap(ErrInvalidInput, "validate job", "input path is required", nil)
	}
	if strings.TrimSpace(s.OutputPath) == "" {
		return Wrap(ErrInvalidInput, "validate job", "output path is required", nil)
	}
	if err := fileutil.CheckReadable(s.InputPath); err != nil {
		return Wrap(ErrInvalidInput, "validate job", "input not readable", err)
	}
	if err := fileutil.EnsureParentDir(s.OutputPath); err != nil {
		return Wrap(ErrInvalidInput, "validate job", "output location", err)
	}
	if s.Start < 0 {
		return Wrap(ErrInvalidInput, "validate job", fmt.Sprintf("start %s is negative", s.Start), nil)
	}
	if s.End <= s.Start {
		return Wrap(ErrInvalidInput, "validate job", fmt.Sprintf("end %s must be after start %s", s.End, s.Start), nil)
	}
	return nil
}

// ClipDuration returns the length of the requested clip.
func (s JobSpec) ClipDuration() time.Duration {
	return s.End - s.Start
}
