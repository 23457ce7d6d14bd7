// Package ffprobe provides a typed wrapper around ffprobe JSON output.
//
// Primary entry point:
//   - Inspect: executes ffprobe and returns a parsed Result
//
// Helper methods on Result provide convenient access to the container
// duration, the primary video stream, and audio stream counts. The command
// builder uses the probed duration to validate trim bounds before any
// transcode process is spawned.
package ffprobe
