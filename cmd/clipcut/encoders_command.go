package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"clipcut/internal/encoder"
)

func newEncodersCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "encoders",
		Short: "Show encoder availability on this host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}

			selector, err := encoder.NewSelector(cfg.Tools.FFmpeg, cfg.Encoding.Preference, logger)
			if err != nil {
				return err
			}

			availability := selector.Availability(cmd.Context())
			names := make([]string, 0, len(availability))
			for name := range availability {
				names = append(names, name)
			}
			sort.Strings(names)

			selected := make(map[string]int)
			for _, candidate := range selector.Select(cmd.Context()) {
				selected[candidate.Name] = candidate.Rank + 1
			}

			rows := make([][]string, 0, len(names))
			for _, name := range names {
				order := "-"
				if rank, ok := selected[name]; ok {
					order = fmt.Sprintf("%d", rank)
				}
				kind := "hardware"
				if name == encoder.SoftwareEncoder {
					kind = "software"
				}
				rows = append(rows, []string{name, kind, yesNo(availability[name]), order})
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Encoder", "Type", "Available", "Try Order"}, rows, 3))
			return nil
		},
	}
}
