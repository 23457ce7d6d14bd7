package transcode

import (
	"fmt"
	"strconv"
	"time"

	"clipcut/internal/config"
	"clipcut/internal/encoder"
)

// Command is a fully built, validated ffmpeg invocation. Arguments are a
// discrete list; nothing here ever passes through a shell.
type Command struct {
	Binary     string
	Args       []string
	OutputPath string
}

// Builder turns a JobSpec plus a chosen encoder candidate into a Command.
type Builder struct {
	binary       string
	quality      int
	audioCodec   string
	audioBitrate string
	extraArgs    []string
}

// NewBuilder constructs a builder from encoding configuration.
func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{
		binary:       cfg.Tools.FFmpeg,
		quality:      cfg.Encoding.Quality,
		audioCodec:   cfg.Encoding.AudioCodec,
		audioBitrate: cfg.Encoding.AudioBitrate,
		extraArgs:    cfg.Encoding.ExtraArgs,
	}
}

// Build produces the argument list for one attempt. totalDuration is the
// probed input duration in seconds; pass 0 when probing failed, which skips
// the end-bound check and defers it to runtime.
func (b *Builder) Build(spec JobSpec, candidate encoder.Candidate, totalDuration float64) (Command, error) {
	if err := spec.Validate(); err != nil {
		return Command{}, err
	}
	if totalDuration > 0 && spec.End.Seconds() > totalDuration {
		return Command{}, Wrap(ErrInvalidInput, "build command",
			fmt.Sprintf("end %s exceeds input duration %.3fs", spec.End, totalDuration), nil)
	}

	args := make([]string, 0, 32)
	// Hardware acceleration must precede the input declaration.
	if !candidate.Software() {
		args = append(args, "-hwaccel", candidate.HWAccel)
	}
	args = append(args,
		"-ss", formatSeconds(spec.Start),
		"-to", formatSeconds(spec.End),
		"-i", spec.InputPath,
		"-threads", "0",
		"-c:v", candidate.Name,
	)
	args = append(args, candidate.QualityArgs(b.quality)...)
	args = append(args,
		"-c:a", b.audioCodec,
		"-b:a", b.audioBitrate,
		"-avoid_negative_ts", "make_zero",
		"-max_muxing_queue_size", "9999",
		"-fflags", "+genpts",
		"-movflags", "+faststart",
		"-progress", "pipe:1",
		"-nostdin",
	)
	args = append(args, b.extraArgs...)
	args = append(args, spec.ExtraArgs...)
	args = append(args, "-y", spec.OutputPath)

	return Command{Binary: b.binary, Args: args, OutputPath: spec.OutputPath}, nil
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
