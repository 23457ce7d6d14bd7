// Package encoder probes which ffmpeg encoders the current host supports
// and produces an ordered candidate list for the transcode coordinator.
//
// Hardware backends come first in a fixed per-platform preference order
// (overridable via configuration); the software encoder is always appended
// last so the sequence is never empty. Probe subprocess failures are
// swallowed and treated as "hardware unavailable" rather than job errors.
package encoder
