package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/pmkprobes/goprobe"
	"github.com/pmkprobes/goprobe/pkg/bar"
	"github.com/spf13/cobra"
)

var eepromCmd = &cobra.Command{
	Use:   "eeprom <channel> [filename]",
	Short: "dump the metadata eeprom of a probe",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		s, _, err := connect(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		ch, _, err := identifiedChannel(ctx, s, args[0])
		if err != nil {
			return err
		}

		size := goprobe.EEPROMPages * goprobe.EEPROMPageSize
		b := bar.New(size, "reading")
		start := time.Now()
		data, err := s.ReadEEPROM(ctx, ch, bar.Pages(b, goprobe.EEPROMPageSize))
		if err != nil {
			return err
		}
		if len(args) == 2 {
			if err := os.WriteFile(args[1], data, 0644); err != nil {
				return err
			}
			logger.Info().Str("file", args[1]).Int("bytes", len(data)).Msg("eeprom saved")
		} else {
			fmt.Print(hex.Dump(data))
		}
		fmt.Println(since(start))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eepromCmd)
}
