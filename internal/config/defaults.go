package config

const (
	defaultFFmpegBinary  = "ffmpeg"
	defaultFFprobeBinary = "ffprobe"
	defaultQuality       = 23
	defaultAudioCodec    = "aac"
	defaultAudioBitrate  = "128k"
	defaultGraceSeconds  = 5
	defaultLogFormat     = "auto"
	defaultLogLevel      = "info"
	defaultLogDir        = "~/.local/share/clipcut/logs"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Tools: Tools{
			FFmpeg:  defaultFFmpegBinary,
			FFprobe: defaultFFprobeBinary,
		},
		Encoding: Encoding{
			Quality:      defaultQuality,
			AudioCodec:   defaultAudioCodec,
			AudioBitrate: defaultAudioBitrate,
		},
		Process: Process{
			GraceSeconds: defaultGraceSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
			Dir:    defaultLogDir,
		},
	}
}
