package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"clipcut/internal/encoder"
	"clipcut/internal/logging"
	"clipcut/internal/transcode"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var inputPath string
	var outputPath string
	var startArg string
	var endArg string
	var encoderArg string
	var qualityArg int

	cmd := &cobra.Command{
		Use:   "run --input FILE --output FILE --start TIME --end TIME [-- FFMPEG_ARGS...]",
		Short: "Extract one clip",
		Long: `Extract the [start, end) range of the input into a re-encoded clip.

Times accept seconds (90, 90.5), MM:SS, or HH:MM:SS.mmm forms. Hardware
encoders are tried in preference order before falling back to software.
Arguments after -- are passed to ffmpeg verbatim, ahead of the output path.

While a job runs, SIGUSR1 pauses it, SIGUSR2 resumes it, and the first
interrupt cancels it (removing the partial clip).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}

			start, err := parseTimestamp(startArg)
			if err != nil {
				return fmt.Errorf("parse --start: %w", err)
			}
			end, err := parseTimestamp(endArg)
			if err != nil {
				return fmt.Errorf("parse --end: %w", err)
			}

			jobCfg := *cfg
			if cmd.Flags().Changed("quality") {
				jobCfg.Encoding.Quality = qualityArg
			}
			if name := strings.TrimSpace(encoderArg); name != "" {
				if err := encoder.ValidatePreference([]string{name}); err != nil {
					return err
				}
				jobCfg.Encoding.Preference = []string{name}
			}
			if err := jobCfg.Validate(); err != nil {
				return err
			}

			spec := transcode.JobSpec{
				InputPath:  inputPath,
				OutputPath: outputPath,
				Start:      start,
				End:        end,
			}
			if dash := cmd.Flags().ArgsLenAtDash(); dash >= 0 {
				spec.ExtraArgs = args[dash:]
			}

			coordinator, err := transcode.New(&jobCfg, logger)
			if err != nil {
				return err
			}
			return runJob(cmd, coordinator, spec, logger)
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "Source media file")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Destination clip path")
	cmd.Flags().StringVar(&startArg, "start", "", "Clip start time")
	cmd.Flags().StringVar(&endArg, "end", "", "Clip end time (exclusive)")
	cmd.Flags().StringVar(&encoderArg, "encoder", "", "Force a specific encoder instead of the preference order")
	cmd.Flags().IntVarP(&qualityArg, "quality", "q", 0, "CRF/CQ quality target (0-51, lower is better)")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")

	return cmd
}

func runJob(cmd *cobra.Command, coordinator *transcode.Coordinator, spec transcode.JobSpec, logger *slog.Logger) error {
	events, err := coordinator.Start(cmd.Context(), spec)
	if err != nil {
		return err
	}

	signals := make(chan os.Signal, 4)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(signals)

	go func() {
		interrupted := false
		for sig := range signals {
			switch sig {
			case syscall.SIGUSR1:
				if err := coordinator.Pause(); err != nil {
					logger.Warn("pause failed", logging.Error(err))
				}
			case syscall.SIGUSR2:
				if err := coordinator.Resume(); err != nil {
					logger.Warn("resume failed", logging.Error(err))
				}
			default:
				if interrupted {
					os.Exit(130)
				}
				interrupted = true
				go func() {
					if err := coordinator.Cancel(); err != nil {
						logger.Warn("cancel failed", logging.Error(err))
					}
				}()
			}
		}
	}()

	out := cmd.OutOrStdout()
	interactive := isatty.IsTerminal(os.Stdout.Fd())
	progressShown := false
	for event := range events {
		switch event.Type {
		case transcode.EventProgress:
			if interactive {
				fmt.Fprintf(out, "\r%6.1f%%  %s / %s",
					event.Sample.Ratio*100,
					formatClock(event.Sample.ElapsedSeconds),
					formatClock(event.Sample.DurationSeconds))
				progressShown = true
			}
		case transcode.EventState:
			if progressShown {
				fmt.Fprintln(out)
				progressShown = false
			}
			switch event.State {
			case transcode.StateRunning:
				if event.Encoder != "" {
					fmt.Fprintf(out, "encoding with %s\n", event.Encoder)
				} else {
					fmt.Fprintln(out, "encoding resumed")
				}
			case transcode.StateCompleted:
				fmt.Fprintf(out, "wrote %s\n", spec.OutputPath)
			case transcode.StateCancelling:
				fmt.Fprintln(out, "cancelling...")
			}
		case transcode.EventError:
			if progressShown {
				fmt.Fprintln(out)
				progressShown = false
			}
		}
	}

	if err := coordinator.Err(); err != nil {
		if errors.Is(err, transcode.ErrCancelled) {
			fmt.Fprintln(out, "cancelled")
			return errCancelled
		}
		return err
	}
	return nil
}

// errCancelled marks a user-initiated cancel so main exits with the
// conventional interrupt status instead of the generic failure one.
var errCancelled = errors.New("cancelled")

// parseTimestamp accepts plain seconds or colon-separated clock forms.
func parseTimestamp(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, errors.New("empty time")
	}

	parts := strings.Split(value, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("too many components in %q", value)
	}
	var total float64
	for _, part := range parts {
		component, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid time %q", value)
		}
		if component < 0 {
			return 0, fmt.Errorf("negative component in %q", value)
		}
		total = total*60 + component
	}
	return time.Duration(total * float64(time.Second)), nil
}

func formatClock(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	whole := int(seconds)
	return fmt.Sprintf("%02d:%02d:%02d", whole/3600, (whole%3600)/60, whole%60)
}
