package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/pmkprobes/goprobe"
	"github.com/spf13/cobra"
)

func init() {
	listCmd.Flags().Duration("window", goprobe.DefaultDiscovery, "how long to collect lan replies")
	listCmd.Flags().Bool("no-lan", false, "skip lan discovery")
	listCmd.Flags().Bool("no-usb", false, "skip usb discovery")
	rootCmd.AddCommand(listCmd, portsCmd, transportsCmd, modelsCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "discover supplies on usb and the local network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		window, _ := flags.GetDuration("window")
		noLAN, _ := flags.GetBool("no-lan")
		noUSB, _ := flags.GetBool("no-usb")
		found, err := goprobe.Discover(cmd.Context(), goprobe.DiscoveryOptions{
			Window:  window,
			SkipLAN: noLAN,
			SkipUSB: noUSB,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		if len(found) == 0 {
			fmt.Println("no supplies found")
			return nil
		}
		for _, f := range found {
			fmt.Println(f.String())
		}
		return nil
	},
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "list serial ports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := goprobe.ListPorts()
		if err != nil {
			return err
		}
		supply := color.New(color.FgGreen).SprintFunc()
		for _, p := range ports {
			line := p.String()
			if p.IsSupply() {
				line = supply(line)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var transportsCmd = &cobra.Command{
	Use:   "transports",
	Short: "list available transports",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, t := range goprobe.ListTransports() {
			fmt.Println(t.String())
		}
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "list known probe models and their registers",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		title := color.New(color.FgCyan, color.Bold).SprintFunc()
		dim := color.New(color.Faint).SprintFunc()
		for _, m := range goprobe.ListModels() {
			d, _ := goprobe.DescriptorFor(m)
			lo, hi := d.InputVoltageRange()
			fmt.Printf("%s %s %s\n", title(m.String()), dim(m.UUID()), dim(fmt.Sprintf("%g..%g V", lo, hi)))
			for _, r := range d.Registers() {
				fmt.Printf("  %-28s %s %s\n", r.Name(), r.Access, describeRegister(r))
			}
			for _, a := range d.Actions() {
				fmt.Printf("  %-28s %s\n", a.String(), dim("action"))
			}
		}
	},
}

func describeRegister(r goprobe.Register) string {
	if r.IsEnum() {
		labels := make([]string, len(r.Enum))
		for i, e := range r.Enum {
			labels[i] = e.Label
		}
		return fmt.Sprintf("%v", labels)
	}
	return fmt.Sprintf("%g..%g %s", r.Min, r.Max, r.Unit)
}

func since(start time.Time) string {
	return color.New(color.Faint).Sprint("took ", time.Since(start).Round(time.Millisecond).String())
}
