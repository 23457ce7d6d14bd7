package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"clipcut/internal/media/ffprobe"
)

func newProbeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "probe FILE",
		Short: "Inspect a media file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			result, err := ffprobe.Inspect(cmd.Context(), cfg.Tools.FFprobe, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			rows := [][]string{
				{"File", result.Format.Filename},
				{"Container", result.Format.FormatName},
				{"Duration", formatClock(result.DurationSeconds())},
				{"Audio streams", fmt.Sprintf("%d", result.AudioStreamCount())},
			}
			if video, ok := result.VideoStream(); ok {
				rows = append(rows,
					[]string{"Video codec", video.CodecName},
					[]string{"Resolution", fmt.Sprintf("%dx%d", video.Width, video.Height)},
				)
				if fps := video.FPS(); fps > 0 {
					rows = append(rows, []string{"Frame rate", strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", fps), "0"), ".")})
				}
			}

			fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, rows))
			return nil
		},
	}
}
