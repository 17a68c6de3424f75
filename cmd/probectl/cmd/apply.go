package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/pmkprobes/goprobe"
	"github.com/pmkprobes/goprobe/pkg/config"
	"github.com/spf13/cobra"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "write the presets from the config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, cfg, err := connect(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		if len(cfg.Presets) == 0 {
			return errors.New("config has no presets")
		}
		return applyPresets(cmd.Context(), s, cfg.Presets)
	},
}

func init() {
	rootCmd.AddCommand(applyCmd)
}

func applyPresets(ctx context.Context, s *goprobe.Supply, presets []config.Preset) error {
	identified := make(map[goprobe.Channel]bool)
	for _, p := range presets {
		ch := goprobe.Channel(p.Channel)
		if !identified[ch] {
			if _, err := s.Identify(ctx, ch); err != nil {
				return fmt.Errorf("CH%d: %w", ch, err)
			}
			identified[ch] = true
		}
		reg, _ := goprobe.RegisterFromName(p.Register)
		var err error
		if p.Value != nil {
			err = s.WriteRegister(ctx, ch, reg, *p.Value)
		} else {
			err = s.WriteLabel(ctx, ch, reg, p.Label)
		}
		if err != nil {
			return fmt.Errorf("CH%d %s: %w", ch, reg, err)
		}
		logger.Info().Int("channel", p.Channel).Str("register", reg.String()).Msg("preset applied")
	}
	return nil
}
