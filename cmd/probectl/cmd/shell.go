package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/abiosoft/ishell"
	"github.com/pmkprobes/goprobe"
	"github.com/spf13/cobra"
)

const supplyKey = "$supply"

var shellCmd = &cobra.Command{
	Use:   "shell [command args...]",
	Short: "interactive session on one supply connection",
	Long:  `Opens the supply once and keeps the probe registry alive between commands. With arguments, runs a single shell command and exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := connect(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		sh := newShell(cmd.Context(), s)
		if len(args) > 0 {
			return sh.Process(args...)
		}
		sh.Printf("connected to %s, type help for commands\n", s.Model())
		sh.Run()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

type shellSession struct {
	ctx    context.Context
	supply *goprobe.Supply
}

func newShell(ctx context.Context, s *goprobe.Supply) *ishell.Shell {
	sh := ishell.New()
	sh.Set(supplyKey, &shellSession{ctx: ctx, supply: s})
	sh.SetPrompt(fmt.Sprintf("%s > ", s.Model()))
	for _, c := range shellCommands {
		sh.AddCmd(c)
	}
	return sh
}

func session(c *ishell.Context) *shellSession {
	return c.Get(supplyKey).(*shellSession)
}

// channelArg wraps a command whose first argument is a channel.
func channelArg(n int, fn func(c *ishell.Context, sess *shellSession, ch goprobe.Channel)) func(c *ishell.Context) {
	return func(c *ishell.Context) {
		if len(c.Args) < n {
			c.Err(fmt.Errorf("expected %d arguments", n))
			return
		}
		ch, err := parseChannel(c.Args[0])
		if err != nil {
			c.Err(err)
			return
		}
		fn(c, session(c), ch)
	}
}

var shellCommands = []*ishell.Cmd{
	{
		Name: "scan",
		Help: "identify every channel",
		Func: func(c *ishell.Context) {
			sess := session(c)
			results, err := sess.supply.Scan(sess.ctx)
			if err != nil {
				c.Err(err)
				return
			}
			for _, r := range results {
				printScan(r)
			}
		},
	},
	{
		Name: "identify",
		Help: "identify <channel>",
		Func: channelArg(1, func(c *ishell.Context, sess *shellSession, ch goprobe.Channel) {
			id, err := sess.supply.Identify(sess.ctx, ch)
			if err != nil {
				c.Err(err)
				return
			}
			printIdentity(id)
		}),
	},
	{
		Name: "read",
		Help: "read <channel> <register>",
		Func: channelArg(2, func(c *ishell.Context, sess *shellSession, ch goprobe.Channel) {
			reg, err := parseRegister(c.Args[1])
			if err != nil {
				c.Err(err)
				return
			}
			v, err := sess.supply.ReadRegister(sess.ctx, ch, reg)
			if err != nil {
				c.Err(err)
				return
			}
			c.Println(formatCached(sess, ch, reg, v))
		}),
	},
	{
		Name: "write",
		Help: "write <channel> <register> [value|label], prompts for a label when omitted",
		Func: channelArg(2, func(c *ishell.Context, sess *shellSession, ch goprobe.Channel) {
			reg, err := parseRegister(c.Args[1])
			if err != nil {
				c.Err(err)
				return
			}
			if len(c.Args) > 2 {
				report(c, writeValue(sess.ctx, sess.supply, ch, reg, c.Args[2]))
				return
			}
			r, err := enumRegister(sess, ch, reg)
			if err != nil {
				c.Err(err)
				return
			}
			labels := make([]string, len(r.Enum))
			for i, e := range r.Enum {
				labels[i] = e.Label
			}
			choice := c.MultiChoice(labels, reg.String())
			if choice < 0 {
				return
			}
			report(c, sess.supply.WriteLabel(sess.ctx, ch, reg, labels[choice]))
		}),
	},
	{
		Name: "exec",
		Help: "exec <channel> <action>",
		Func: channelArg(2, func(c *ishell.Context, sess *shellSession, ch goprobe.Channel) {
			a, ok := goprobe.ActionFromName(c.Args[1])
			if !ok {
				c.Err(fmt.Errorf("unknown action %q", c.Args[1]))
				return
			}
			report(c, sess.supply.Execute(sess.ctx, ch, a))
		}),
	},
	{
		Name: "reset",
		Help: "reset <channel>",
		Func: channelArg(1, func(c *ishell.Context, sess *shellSession, ch goprobe.Channel) {
			report(c, sess.supply.Reset(sess.ctx, ch))
		}),
	},
	{
		Name: "state",
		Help: "state <channel>, print what is cached without touching the link",
		Func: channelArg(1, func(c *ishell.Context, sess *shellSession, ch goprobe.Channel) {
			st, err := sess.supply.State(ch)
			if err != nil {
				c.Err(err)
				return
			}
			if !st.Connected() {
				c.Println("no probe")
				return
			}
			c.Printf("%s, last seen %s\n", st.Identity, st.LastSeen.Format("15:04:05.000"))
			for reg, v := range st.Registers {
				c.Println(" ", formatCached(sess, ch, reg, v))
			}
		}),
	},
	{
		Name: "forget",
		Help: "forget <channel>",
		Func: channelArg(1, func(c *ishell.Context, sess *shellSession, ch goprobe.Channel) {
			sess.supply.Forget(ch)
		}),
	},
	{
		Name: "stats",
		Help: "link statistics",
		Func: func(c *ishell.Context) {
			c.Println(session(c).supply.Stats().String())
		},
	},
}

func report(c *ishell.Context, err error) {
	if err != nil {
		c.Err(err)
		return
	}
	c.Println("OK")
}

func enumRegister(sess *shellSession, ch goprobe.Channel, reg goprobe.RegisterID) (goprobe.Register, error) {
	st, err := sess.supply.State(ch)
	if err != nil {
		return goprobe.Register{}, err
	}
	if st.Descriptor == nil {
		return goprobe.Register{}, goprobe.ErrProbeNotDetected
	}
	r, ok := st.Descriptor.Register(reg)
	if !ok || !r.IsEnum() {
		return goprobe.Register{}, errors.New("register takes a value, give it as an argument")
	}
	return r, nil
}

func formatCached(sess *shellSession, ch goprobe.Channel, reg goprobe.RegisterID, v float64) string {
	st, err := sess.supply.State(ch)
	if err == nil && st.Descriptor != nil {
		if r, ok := st.Descriptor.Register(reg); ok {
			return fmt.Sprintf("%s: %s", reg, r.Format(v))
		}
	}
	return fmt.Sprintf("%s: %g", reg, v)
}
