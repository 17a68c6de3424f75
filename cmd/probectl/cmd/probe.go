package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/pmkprobes/goprobe"
	"github.com/spf13/cobra"
)

func init() {
	resetCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	rootCmd.AddCommand(scanCmd, identifyCmd, readCmd, writeCmd, resetCmd, execCmd, versionCmd)
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "identify the probes on every channel",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := connect(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		start := time.Now()
		results, err := s.Scan(cmd.Context())
		if err != nil {
			return err
		}
		for _, r := range results {
			printScan(r)
		}
		fmt.Println(since(start))
		return nil
	},
}

func printScan(r goprobe.ScanResult) {
	switch {
	case r.Err != nil:
		fmt.Printf("CH%d: %s\n", r.Channel, color.RedString(r.Err.Error()))
	case r.Identity == nil:
		fmt.Printf("CH%d: %s\n", r.Channel, color.New(color.Faint).Sprint("empty"))
	default:
		fmt.Printf("CH%d: %s\n", r.Channel, color.GreenString(r.Identity.String()))
	}
}

var identifyCmd = &cobra.Command{
	Use:   "identify <channel>",
	Short: "print the identity of the probe on a channel, 0 for the supply itself",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := connect(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		ctx := cmd.Context()
		var id *goprobe.ProbeIdentity
		if args[0] == "0" {
			id, err = s.IdentifySupply(ctx)
		} else {
			_, id, err = identifiedChannel(ctx, s, args[0])
		}
		if err != nil {
			return err
		}
		printIdentity(id)
		return nil
	},
}

func printIdentity(id *goprobe.ProbeIdentity) {
	key := color.New(color.FgCyan).SprintFunc()
	row := func(k, v string) {
		if v != "" {
			fmt.Printf("%-22s %s\n", key(k), v)
		}
	}
	row("model", id.ModelName)
	row("uuid", id.UUID)
	row("serial number", id.SerialNumber)
	row("manufacturer", id.Manufacturer)
	row("description", id.Description)
	if !id.ProductionDate.IsZero() {
		row("production date", id.ProductionDate.Format("2006-01-02"))
	}
	if !id.CalibrationDueDate.IsZero() {
		due := id.CalibrationDueDate.Format("2006-01-02")
		if id.CalibrationDueDate.Before(time.Now()) {
			due = color.RedString(due + " (overdue)")
		}
		row("calibration due", due)
	}
	row("calibration instance", id.CalibrationInstance)
	row("hardware revision", id.HardwareRevision)
	row("software revision", id.SoftwareRevision)
	if id.PropagationDelay != 0 {
		row("propagation delay", strconv.FormatFloat(float64(id.PropagationDelay), 'g', -1, 32))
	}
}

var readCmd = &cobra.Command{
	Use:   "read <channel> <register>...",
	Short: "read registers from a probe",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := connect(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		ctx := cmd.Context()
		ch, id, err := identifiedChannel(ctx, s, args[0])
		if err != nil {
			return err
		}
		d, _ := goprobe.DescriptorFor(id.Model)
		for _, name := range args[1:] {
			reg, err := parseRegister(name)
			if err != nil {
				return err
			}
			v, err := s.ReadRegister(ctx, ch, reg)
			if err != nil {
				return err
			}
			r, _ := d.Register(reg)
			fmt.Printf("%s: %s\n", reg, r.Format(v))
		}
		return nil
	},
}

var writeCmd = &cobra.Command{
	Use:   "write <channel> <register> <value|label>",
	Short: "write a register of a probe",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := connect(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		ctx := cmd.Context()
		ch, _, err := identifiedChannel(ctx, s, args[0])
		if err != nil {
			return err
		}
		reg, err := parseRegister(args[1])
		if err != nil {
			return err
		}
		if err := writeValue(ctx, s, ch, reg, args[2]); err != nil {
			return err
		}
		logger.Info().Int("channel", int(ch)).Str("register", reg.String()).Str("value", args[2]).Msg("written")
		return nil
	},
}

// writeValue writes a number, or a label when the text does not parse as one.
func writeValue(ctx context.Context, s *goprobe.Supply, ch goprobe.Channel, reg goprobe.RegisterID, text string) error {
	if v, err := strconv.ParseFloat(text, 64); err == nil {
		return s.WriteRegister(ctx, ch, reg, v)
	}
	return s.WriteLabel(ctx, ch, reg, text)
}

var resetCmd = &cobra.Command{
	Use:   "reset <channel>",
	Short: "restore the probe defaults",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ch, err := parseChannel(args[0])
		if err != nil {
			return err
		}
		if yes, _ := cmd.Flags().GetBool("yes"); !yes && !yesNo(fmt.Sprintf("Reset probe on CH%d", ch)) {
			return nil
		}
		s, _, err := connect(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		return s.Reset(cmd.Context(), ch)
	},
}

var execCmd = &cobra.Command{
	Use:   "exec <channel> <action>",
	Short: "run a probe action such as auto_zero or clear_overload_counters",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, ok := goprobe.ActionFromName(args[1])
		if !ok {
			return fmt.Errorf("unknown action %q", args[1])
		}
		s, _, err := connect(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		ctx := cmd.Context()
		ch, _, err := identifiedChannel(ctx, s, args[0])
		if err != nil {
			return err
		}
		return s.Execute(ctx, ch, a)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the supply firmware version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := connect(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		v, err := s.Version(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s firmware %s\n", s.Model(), v)
		return nil
	},
}

func parseRegister(name string) (goprobe.RegisterID, error) {
	reg, ok := goprobe.RegisterFromName(name)
	if !ok {
		return 0, fmt.Errorf("unknown register %q", strings.ToLower(name))
	}
	return reg, nil
}
