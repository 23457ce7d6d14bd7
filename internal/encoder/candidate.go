package encoder

import (
	"fmt"
	"runtime"
	"strconv"
)

// Candidate describes one encoder configuration considered for a job,
// tried in priority order.
type Candidate struct {
	// Name is the ffmpeg encoder identifier, e.g. "h264_nvenc".
	Name string
	// HWAccel is the -hwaccel value paired with the encoder; empty for the
	// software encoder.
	HWAccel string
	// Rank is the candidate's position in the preference order, 0 first.
	Rank int
}

// Software reports whether the candidate is the software fallback.
func (c Candidate) Software() bool {
	return c.HWAccel == ""
}

// QualityArgs returns the encoder-specific quality options for the given
// CRF/CQ target, mirroring what each backend expects.
func (c Candidate) QualityArgs(quality int) []string {
	q := strconv.Itoa(quality)
	switch c.Name {
	case SoftwareEncoder:
		return []string{"-preset", "fast", "-crf", q}
	case "h264_videotoolbox":
		return []string{"-b:v", "5000k", "-allow_sw", "1"}
	case "h264_nvenc":
		return []string{"-preset", "fast", "-cq", q}
	case "h264_qsv":
		return []string{"-preset", "fast", "-global_quality", q}
	case "h264_vaapi":
		return []string{"-qp", q}
	default:
		return nil
	}
}

// SoftwareEncoder is the encoder of last resort, always available wherever
// ffmpeg itself is.
const SoftwareEncoder = "libx264"

// hardware acceleration backend per encoder name
var knownEncoders = map[string]string{
	"h264_videotoolbox": "videotoolbox",
	"h264_nvenc":        "cuda",
	"h264_qsv":          "qsv",
	"h264_vaapi":        "vaapi",
}

// platformPreference returns the hardware candidate order for an OS,
// matching the availability each platform actually offers.
func platformPreference(goos string) []string {
	switch goos {
	case "darwin":
		return []string{"h264_videotoolbox"}
	case "windows":
		return []string{"h264_nvenc", "h264_qsv"}
	case "linux":
		return []string{"h264_nvenc", "h264_vaapi"}
	default:
		return nil
	}
}

// DefaultPreference returns the hardware candidate order for the current host.
func DefaultPreference() []string {
	return platformPreference(runtime.GOOS)
}

// ValidatePreference checks that every configured encoder name is known.
func ValidatePreference(names []string) error {
	for _, name := range names {
		if name == SoftwareEncoder {
			continue
		}
		if _, ok := knownEncoders[name]; !ok {
			return fmt.Errorf("unknown encoder %q in preference list", name)
		}
	}
	return nil
}
