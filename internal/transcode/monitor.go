package transcode

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// failureClass distinguishes stream content the coordinator treats
// specially.
type failureClass int

const (
	classNone failureClass = iota
	// classEncoderInit matches signatures emitted when an encoder cannot
	// be initialised; the coordinator retries with the next candidate.
	classEncoderInit
	// classFatal matches generic fatal runtime errors; terminal.
	classFatal
)

// Encoder-init failure signatures, grouped by backend family. These are an
// explicit pattern table rather than inference: the same signature does not
// work across hardware backends, so each family carries its own entries.
var encoderInitPatterns = []*regexp.Regexp{
	// NVENC / CUDA
	regexp.MustCompile(`Cannot load libcuda`),
	regexp.MustCompile(`Cannot init CUDA`),
	regexp.MustCompile(`OpenEncodeSessionEx failed`),
	regexp.MustCompile(`No capable devices found`),
	regexp.MustCompile(`minimum required Nvidia driver`),
	// VAAPI
	regexp.MustCompile(`Failed to initialise VAAPI`),
	regexp.MustCompile(`No VA display found`),
	regexp.MustCompile(`Device creation failed`),
	// Quick Sync
	regexp.MustCompile(`Error creating a MFX session`),
	regexp.MustCompile(`Error initializing an MFX session`),
	// VideoToolbox
	regexp.MustCompile(`(?i)cannot create compression session`),
	// Any backend: encoder refused to open at stream setup.
	regexp.MustCompile(`Error while opening encoder for output stream`),
}

// Generic fatal runtime signatures, distinct from encoder availability.
var fatalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`No such file or directory`),
	regexp.MustCompile(`Permission denied`),
	regexp.MustCompile(`Invalid data found when processing input`),
	regexp.MustCompile(`Error while decoding stream`),
	regexp.MustCompile(`Unable to find a suitable output format`),
	regexp.MustCompile(`Conversion failed!`),
}

var (
	// Stderr header: "Duration: 00:00:10.52, start: ..."
	durationPattern = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2})(?:\.(\d+))?`)
	// Classic stderr stats: "... time=00:00:03.04 bitrate=...".
	timePattern = regexp.MustCompile(`(?:^|\s)time=(\d+):(\d{2}):(\d{2})(?:\.(\d+))?`)
	// -progress pipe:1 key/value form: "out_time=00:00:03.040000".
	outTimePattern = regexp.MustCompile(`^out_time=(\d+):(\d{2}):(\d{2})(?:\.(\d+))?$`)
)

// Monitor converts the transcode process's diagnostic stream into progress
// samples and a failure classification. It is safe for concurrent use with
// Close; Consume itself is called from a single scanner goroutine.
type Monitor struct {
	onSample func(ProgressSample)

	mu          sync.Mutex
	duration    float64
	lastElapsed float64
	failure     failureClass
	failureLine string
	closed      bool
}

// NewMonitor constructs a monitor. totalDuration is the expected output
// duration in seconds; pass 0 to capture it from the first duration-bearing
// stream line instead.
func NewMonitor(totalDuration float64, onSample func(ProgressSample)) *Monitor {
	if totalDuration < 0 {
		totalDuration = 0
	}
	return &Monitor{duration: totalDuration, onSample: onSample}
}

// Consume processes one stream line. Unrecognized lines are ignored;
// formatting varies across ffmpeg vendors and versions.
func (m *Monitor) Consume(line string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	if m.failure == classNone {
		if class := classifyLine(line); class != classNone {
			m.failure = class
			m.failureLine = strings.TrimSpace(line)
		}
	}

	if m.duration == 0 {
		if seconds, ok := matchClock(durationPattern, line); ok {
			m.duration = seconds
		}
	}

	elapsed, ok := parseElapsed(line)
	if !ok || m.duration <= 0 || elapsed <= m.lastElapsed {
		m.mu.Unlock()
		return
	}
	m.lastElapsed = elapsed

	sample := ProgressSample{
		ElapsedSeconds:  elapsed,
		DurationSeconds: m.duration,
		Ratio:           clampRatio(elapsed / m.duration),
	}
	emit := m.onSample
	m.mu.Unlock()

	if emit != nil {
		emit(sample)
	}
}

// Close detaches the monitor; subsequent lines are dropped.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// Duration returns the established total duration, 0 if none yet.
func (m *Monitor) Duration() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duration
}

// Failure reports the recorded stream failure, if any. encoderInit is true
// for encoder-unavailable signatures eligible for candidate fallback.
func (m *Monitor) Failure() (encoderInit bool, line string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure == classNone {
		return false, "", false
	}
	return m.failure == classEncoderInit, m.failureLine, true
}

func classifyLine(line string) failureClass {
	for _, pattern := range encoderInitPatterns {
		if pattern.MatchString(line) {
			return classEncoderInit
		}
	}
	for _, pattern := range fatalPatterns {
		if pattern.MatchString(line) {
			return classFatal
		}
	}
	return classNone
}

// parseElapsed recognizes both -progress key/value lines and classic stderr
// stats lines.
func parseElapsed(line string) (float64, bool) {
	trimmed := strings.TrimSpace(line)
	if value, found := strings.CutPrefix(trimmed, "out_time_us="); found {
		return parseMicros(value)
	}
	// ffmpeg's out_time_ms carries microseconds despite the name.
	if value, found := strings.CutPrefix(trimmed, "out_time_ms="); found {
		return parseMicros(value)
	}
	if seconds, ok := matchClock(outTimePattern, trimmed); ok {
		return seconds, true
	}
	if seconds, ok := matchClock(timePattern, line); ok {
		return seconds, true
	}
	return 0, false
}

func parseMicros(value string) (float64, bool) {
	micros, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || micros < 0 {
		return 0, false
	}
	return float64(micros) / 1e6, true
}

// matchClock extracts HH:MM:SS(.fraction) from the first pattern match.
func matchClock(pattern *regexp.Regexp, line string) (float64, bool) {
	groups := pattern.FindStringSubmatch(line)
	if groups == nil {
		return 0, false
	}
	hours, _ := strconv.Atoi(groups[1])
	minutes, _ := strconv.Atoi(groups[2])
	seconds, _ := strconv.Atoi(groups[3])
	total := float64(hours*3600 + minutes*60 + seconds)
	if groups[4] != "" {
		if frac, err := strconv.ParseFloat("0."+groups[4], 64); err == nil {
			total += frac
		}
	}
	return total, true
}

func clampRatio(ratio float64) float64 {
	switch {
	case ratio < 0:
		return 0
	case ratio > 1:
		return 1
	default:
		return ratio
	}
}
