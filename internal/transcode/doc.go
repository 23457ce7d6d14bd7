// Package transcode runs clip-extraction jobs end to end: it validates the
// request, builds the ffmpeg invocation for the selected encoder, supervises
// the spawned process, converts its diagnostic stream into ordered progress
// events, and walks the hardware-to-software fallback chain when an encoder
// cannot initialise. One job is active at a time; every job ends in
// Completed or Failed, and partial output never survives a non-successful
// outcome.
package transcode
