package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/pmkprobes/goprobe"
	"github.com/pmkprobes/goprobe/pkg/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "probectl",
	Short:        "PMK probe supply tool",
	Long:         `Identify, configure and inspect active probes on PS02/PS03 supplies over USB or LAN`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		debug, _ := flags.GetBool(flagDebug)
		trace, _ := flags.GetBool(flagTrace)
		level := cfg.Level()
		if debug || trace {
			level = goprobe.LevelFor(debug, trace)
		}
		logger = goprobe.NewLogger(os.Stderr, level)
		return nil
	},
}

var logger = zerolog.Nop()

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

const (
	flagConfig    = "config"
	flagTransport = "transport"
	flagPort      = "port"
	flagBaudrate  = "baudrate"
	flagAddress   = "address"
	flagSupply    = "supply"
	flagTimeout   = "timeout"
	flagAttempts  = "attempts"
	flagDebug     = "debug"
	flagTrace     = "trace"
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP(flagConfig, "c", "", "config file (.toml or .yaml)")
	pf.StringP(flagTransport, "t", goprobe.TransportUSB, "transport to use: usb, lan or sim")
	pf.StringP(flagPort, "p", "*", "com-port, * = select from detected supplies")
	pf.IntP(flagBaudrate, "b", goprobe.DefaultBaudrate, "baudrate")
	pf.StringP(flagAddress, "a", "", "supply address for the lan transport")
	pf.StringP(flagSupply, "s", "PS03", "supply model: PS02 or PS03")
	pf.Duration(flagTimeout, goprobe.DefaultTimeout, "receive timeout per attempt")
	pf.Int(flagAttempts, goprobe.DefaultAttempts, "attempts per exchange")
	pf.BoolP(flagDebug, "d", false, "debug mode")
	pf.Bool(flagTrace, false, "log every frame")
}

// loadConfig reads the config file, if any, and applies the flags the user
// set on top of it.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	cfg := config.Default()
	if path, _ := flags.GetString(flagConfig); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}
	if flags.Changed(flagTransport) {
		cfg.Transport, _ = flags.GetString(flagTransport)
	}
	if flags.Changed(flagPort) {
		cfg.Port, _ = flags.GetString(flagPort)
	}
	if flags.Changed(flagBaudrate) {
		cfg.Baudrate, _ = flags.GetInt(flagBaudrate)
	}
	if flags.Changed(flagAddress) {
		cfg.Address, _ = flags.GetString(flagAddress)
	}
	if flags.Changed(flagSupply) {
		cfg.Supply, _ = flags.GetString(flagSupply)
	}
	if flags.Changed(flagTimeout) {
		d, _ := flags.GetDuration(flagTimeout)
		cfg.TimeoutMs = int(d / time.Millisecond)
	}
	if flags.Changed(flagAttempts) {
		cfg.Attempts, _ = flags.GetInt(flagAttempts)
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// connect opens the configured supply.
func connect(cmd *cobra.Command) (*goprobe.Supply, config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, cfg, err
	}
	if cfg.Transport == goprobe.TransportUSB && cfg.Port == "*" {
		port, err := selectPort(cmd.Context())
		if err != nil {
			return nil, cfg, err
		}
		cfg.Port = port
	}
	t, err := goprobe.NewTransport(cfg.Transport, cfg.TransportConfig())
	if err != nil {
		return nil, cfg, err
	}
	s, err := goprobe.New(cmd.Context(), t, cfg.SupplyConfig(logger))
	if err != nil {
		return nil, cfg, err
	}
	return s, cfg, nil
}

func selectPort(ctx context.Context) (string, error) {
	found, err := goprobe.DiscoverUSB(ctx, goprobe.DiscoveryOptions{Logger: logger})
	if err != nil {
		return "", err
	}
	switch len(found) {
	case 0:
		return "", errors.New("no supply found on usb, use --port")
	case 1:
		return found[0].Port, nil
	}
	items := make([]string, len(found))
	for i, f := range found {
		items[i] = f.String()
	}
	prompt := promptui.Select{
		Label: "Select supply",
		Items: items,
	}
	i, _, err := prompt.Run()
	if err != nil {
		return "", fmt.Errorf("prompt failed %v", err)
	}
	return found[i].Port, nil
}

func parseChannel(s string) (goprobe.Channel, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 3 {
		return 0, fmt.Errorf("invalid channel %q", s)
	}
	return goprobe.Channel(n), nil
}

// identifiedChannel parses the channel argument and identifies its probe so
// capability checks can run.
func identifiedChannel(ctx context.Context, s *goprobe.Supply, arg string) (goprobe.Channel, *goprobe.ProbeIdentity, error) {
	ch, err := parseChannel(arg)
	if err != nil {
		return 0, nil, err
	}
	id, err := s.Identify(ctx, ch)
	if err != nil {
		return 0, nil, err
	}
	return ch, id, nil
}

func yesNo(label string) bool {
	prompt := promptui.Select{
		Label:    label + " [Yes/No]",
		HideHelp: true,
		Items:    []string{"Yes", "No"},
	}
	_, result, err := prompt.Run()
	if err != nil {
		return false
	}
	return result == "Yes"
}
