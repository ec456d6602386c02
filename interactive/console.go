// Package interactive provides the register console of clink-manager.
package interactive

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/chzyer/readline"

	"github.com/linht/clink-manager/clink"
	"github.com/linht/clink-manager/engine"
)

// Console handles interactive mode.
type Console struct {
	eng *engine.Engine
	top *clink.Top
	out io.Writer
	rl  *readline.Instance

	// Background polling
	pollCancel context.CancelFunc
	pollDone   chan struct{}
	watchID    string
}

// New creates a console reading from the terminal.
func New(eng *engine.Engine, top *clink.Top) (*Console, error) {
	paths := func(string) []string { return eng.Paths() }

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "clink> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("tree"),
			readline.PcItem("read", readline.PcItemDynamic(paths)),
			readline.PcItem("write", readline.PcItemDynamic(paths)),
			readline.PcItem("exec", readline.PcItemDynamic(paths)),
			readline.PcItem("reset",
				readline.PcItem("hard"),
				readline.PcItem("soft"),
				readline.PcItem("count"),
			),
			readline.PcItem("poll",
				readline.PcItem("start"),
				readline.PcItem("stop"),
				readline.PcItem("once"),
			),
			readline.PcItem("cache"),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	c := newConsole(eng, top, rl.Stdout())
	c.rl = rl
	return c, nil
}

func newConsole(eng *engine.Engine, top *clink.Top, out io.Writer) *Console {
	return &Console{eng: eng, top: top, out: out}
}

// Stdout returns a writer that coordinates with the prompt. Use it for log
// output.
func (c *Console) Stdout() io.Writer {
	return c.out
}

// Run starts the interactive command loop. cancel is called when the user
// exits.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()
	defer c.stopPoll()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}

		if !c.Execute(line) {
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
	}
}

// Execute runs one command line. It returns false when the console should
// exit.
func (c *Console) Execute(line string) bool {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return true
	}

	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "tree", "t":
		c.cmdTree(args)
	case "read", "r":
		c.cmdRead(args)
	case "write", "w":
		c.cmdWrite(args)
	case "exec", "x":
		c.cmdExec(args)
	case "reset":
		c.cmdReset(args)
	case "poll":
		c.cmdPoll(args)
	case "cache":
		c.cmdCache()
	case "quit", "exit", "q":
		c.stopPoll()
		return false
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
Clink Commands:
  Registers:
    tree [prefix]        - List fields with address and mode
    read <path>|all      - Read a field (or every readable field)
    write <path> <value> - Write a field (decimal, 0x hex, true/false)
    exec <path>          - Run a command field
    cache                - Show the last value seen for each field

  Module:
    reset hard|soft|count - Pulse the counter reset
    poll start|stop|once  - Control background polling of status fields

  General:
    help               - Show this help
    exit               - Leave the console

  Path Format:
    Ch[0].Running, Pll[1].ClkOut0HighTime, ChanCount`)
}

func (c *Console) cmdTree(args []string) {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, entry := range c.eng.Entries() {
		if !strings.HasPrefix(entry.Path, prefix) {
			continue
		}
		f := entry.Field
		bits := fmt.Sprintf("[%d]", f.BitOffset)
		if f.BitSize > 1 {
			bits = fmt.Sprintf("[%d:%d]", f.BitOffset+f.BitSize-1, f.BitOffset)
		}
		fmt.Fprintf(tw, "0x%08X\t%s\t%s\t%s\t%s\n", entry.Addr, bits, f.Mode, entry.Path, f.Description)
	}
	tw.Flush()
}

func (c *Console) printValue(v engine.Value) {
	if v.Units != "" {
		fmt.Fprintf(c.out, "%s = %s %s\n", v.Path, v.Display, v.Units)
		return
	}
	fmt.Fprintf(c.out, "%s = %s\n", v.Path, v.Display)
}

func (c *Console) cmdRead(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.out, "Usage: read <path>|all")
		fmt.Fprintln(c.out, "  Example: read Ch[0].FrameCount")
		return
	}

	if args[0] == "all" {
		values, err := c.eng.ReadAll()
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			return
		}
		for _, v := range values {
			c.printValue(v)
		}
		return
	}

	v, err := c.eng.Read(args[0])
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	c.printValue(v)
}

// parseValue accepts decimal, 0x hex, 0b binary and true/false
func parseValue(s string) (uint32, error) {
	switch strings.ToLower(s) {
	case "true":
		return 1, nil
	case "false":
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	return uint32(v), nil
}

func (c *Console) cmdWrite(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(c.out, "Usage: write <path> <value>")
		fmt.Fprintln(c.out, "  Example: write Ch[0].BaudRate 57600")
		return
	}

	value, err := parseValue(args[1])
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}

	if err := c.eng.Write(args[0], value); err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "OK: %s <- %d\n", args[0], value)
}

func (c *Console) cmdExec(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.out, "Usage: exec <path>")
		return
	}

	if err := c.eng.Exec(args[0]); err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "OK: %s executed\n", args[0])
}

func (c *Console) cmdReset(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.out, "Usage: reset hard|soft|count")
		return
	}

	if err := c.top.Reset(args[0]); err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "OK: %s reset\n", args[0])
}

func (c *Console) cmdPoll(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.out, "Usage: poll start|stop|once")
		return
	}

	switch args[0] {
	case "start":
		if c.pollCancel != nil {
			fmt.Fprintln(c.out, "Polling already running")
			return
		}
		fmt.Fprintln(c.out, "Polling started")
		ctx, cancel := context.WithCancel(context.Background())
		c.pollCancel = cancel
		c.pollDone = make(chan struct{})
		c.watchID = c.eng.Subscribe(c.printValue)
		go func() {
			defer close(c.pollDone)
			c.eng.Poll(ctx)
		}()

	case "stop":
		if c.pollCancel == nil {
			fmt.Fprintln(c.out, "Polling not running")
			return
		}
		c.stopPoll()
		fmt.Fprintln(c.out, "Polling stopped")

	case "once":
		for _, entry := range c.eng.Entries() {
			f := entry.Field
			if f.PollInterval <= 0 || !f.Readable() {
				continue
			}
			v, err := c.eng.Read(entry.Path)
			if err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
				continue
			}
			c.printValue(v)
		}

	default:
		fmt.Fprintf(c.out, "Unknown poll action: %s\n", args[0])
	}
}

func (c *Console) stopPoll() {
	if c.pollCancel == nil {
		return
	}
	c.pollCancel()
	<-c.pollDone
	c.eng.Unsubscribe(c.watchID)
	c.pollCancel = nil
	c.watchID = ""
}

func (c *Console) cmdCache() {
	values := c.eng.CachedAll()
	if len(values) == 0 {
		fmt.Fprintln(c.out, "Cache is empty")
		return
	}
	for _, v := range values {
		c.printValue(v)
	}
}
