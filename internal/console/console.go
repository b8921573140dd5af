// Package console provides the interactive command line of cec-bridge.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/banshee-data/hdmi-cec/internal/action"
	"github.com/banshee-data/hdmi-cec/internal/arbitration"
	"github.com/banshee-data/hdmi-cec/internal/cec"
	"github.com/banshee-data/hdmi-cec/internal/dispatch"
)

// Controller is the part of the bridge the console drives.
type Controller interface {
	Execute(ctx context.Context, a action.SendAction) (arbitration.Report, error)
	RunAction(ctx context.Context, name string) (arbitration.Report, error)
	ActionNames() []string
	Addresses() []cec.LogicalAddress
	Primary() (cec.LogicalAddress, bool)
	SetPrimary(a cec.LogicalAddress) error
	Listeners() []dispatch.Registration
}

// Config configures the readline instance. Nil streams use the terminal.
type Config struct {
	Prompt string
	Stdin  io.ReadCloser
	Stdout io.Writer
}

// Console is a readline loop over a Controller.
type Console struct {
	ctl Controller
	rl  *readline.Instance
	out io.Writer
}

// New creates a console. Close it, or let Run return, to restore the
// terminal.
func New(ctl Controller, cfg Config) (*Console, error) {
	if cfg.Prompt == "" {
		cfg.Prompt = "cec> "
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          cfg.Prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdin:           cfg.Stdin,
		Stdout:          cfg.Stdout,
		AutoComplete:    completer(ctl),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{ctl: ctl, rl: rl, out: rl.Stdout()}, nil
}

func completer(ctl Controller) readline.AutoCompleter {
	actions := func(string) []string { return ctl.ActionNames() }
	return readline.NewPrefixCompleter(
		readline.PcItem("send"),
		readline.PcItem("tx"),
		readline.PcItem("action", readline.PcItemDynamic(actions)),
		readline.PcItem("addresses"),
		readline.PcItem("primary"),
		readline.PcItem("listeners"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

// Stdout returns a writer that coordinates with the prompt. Point the
// logger at it while the console runs.
func (c *Console) Stdout() io.Writer { return c.rl.Stdout() }

// Close restores the terminal.
func (c *Console) Close() error { return c.rl.Close() }

// Run reads commands until quit, EOF or ctx is done. cancel is called when
// the user quits.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	c.printHelp()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
		if c.Execute(ctx, line) {
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
	}
}

// Execute runs one command line and reports whether the user asked to quit.
func (c *Console) Execute(ctx context.Context, line string) (quit bool) {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}
	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "send", "s":
		c.cmdSend(ctx, args)
	case "tx":
		c.cmdTx(ctx, args)
	case "action", "a":
		c.cmdAction(ctx, args)
	case "addresses", "addr":
		c.cmdAddresses()
	case "primary":
		c.cmdPrimary(args)
	case "listeners", "l":
		c.cmdListeners()
	case "quit", "exit", "q":
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
CEC Bridge Commands:
  Sending:
    send <dst> <hex>   - Send data from the primary address, e.g. send 0 36
    tx <frame>         - Send a full frame including header, e.g. tx 45:01:02:03
    action <name>      - Run a configured action

  Inspection:
    addresses          - Show claimed logical addresses
    primary <addr>     - Change the default source address
    listeners          - Show the listener tree

  General:
    help               - Show this help
    quit               - Exit`)
}

func (c *Console) cmdSend(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(c.out, "Usage: send <dst> <hex>")
		return
	}
	dst, err := strconv.ParseInt(args[0], 0, 64)
	if err != nil {
		fmt.Fprintf(c.out, "Invalid destination %q\n", args[0])
		return
	}
	data, err := cec.ParseHex(strings.Join(args[1:], " "))
	if err != nil {
		fmt.Fprintf(c.out, "Invalid data: %v\n", err)
		return
	}
	c.report(c.ctl.Execute(ctx, action.SendAction{
		Name:        "console",
		Destination: action.Static[int]{V: int(dst)},
		Data:        action.StaticBytes(data...),
	}))
}

func (c *Console) cmdTx(ctx context.Context, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(c.out, "Usage: tx <frame>")
		return
	}
	raw, err := cec.ParseHex(strings.Join(args, " "))
	if err != nil || len(raw) < 2 {
		fmt.Fprintln(c.out, "Invalid frame: want a header byte and at least one data byte")
		return
	}
	c.report(c.ctl.Execute(ctx, action.SendAction{
		Name:        "console",
		Source:      action.Static[int]{V: int(raw[0] >> 4)},
		Destination: action.Static[int]{V: int(raw[0] & 0x0F)},
		Data:        action.StaticBytes(raw[1:]...),
	}))
}

func (c *Console) cmdAction(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintf(c.out, "Usage: action <name> (available: %s)\n", strings.Join(c.ctl.ActionNames(), ", "))
		return
	}
	c.report(c.ctl.RunAction(ctx, args[0]))
}

func (c *Console) report(r arbitration.Report, err error) {
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	result := "acked"
	if r.Broadcast {
		result = "broadcast"
	}
	fmt.Fprintf(c.out, "OK: %s after %d attempt(s) in %s\n", result, r.Attempts, r.Duration)
}

func (c *Console) cmdAddresses() {
	addrs := c.ctl.Addresses()
	if len(addrs) == 0 {
		fmt.Fprintln(c.out, "No addresses claimed")
		return
	}
	primary, _ := c.ctl.Primary()
	for _, a := range addrs {
		marker := " "
		if a == primary {
			marker = "*"
		}
		fmt.Fprintf(c.out, "%s %2d %s\n", marker, a, a)
	}
}

func (c *Console) cmdPrimary(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: primary <addr>")
		return
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(c.out, "Invalid address %q\n", args[0])
		return
	}
	a, err := cec.ParseLogicalAddress(n)
	if err == nil {
		err = c.ctl.SetPrimary(a)
	}
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Primary address is now %d (%s)\n", a, a)
}

func (c *Console) cmdListeners() {
	regs := c.ctl.Listeners()
	if len(regs) == 0 {
		fmt.Fprintln(c.out, "No listeners registered")
		return
	}
	for _, r := range regs {
		kind := "group"
		if r.HasListener {
			kind = "listener"
		}
		fmt.Fprintf(c.out, "%s#%d %s [%s]\n", strings.Repeat("  ", r.Depth), r.Handle, r.Filter, kind)
	}
}
