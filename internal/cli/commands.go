// Package cli implements the interactive console of the netchan binary.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/energizer-project/netchan/internal/api"
	"github.com/energizer-project/netchan/internal/events"
	"github.com/energizer-project/netchan/internal/network"
	"github.com/energizer-project/netchan/internal/util"
)

// CLI reads commands from in and writes results to out.
type CLI struct {
	eventBus  *events.EventBus
	endpoints network.EndpointSource

	// Sessions is optional; nil disables the sessions command.
	Sessions api.SessionSource

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console bound to stdin and stdout.
func NewCLI(eventBus *events.EventBus, endpoints network.EndpointSource) *CLI {
	return &CLI{
		eventBus:  eventBus,
		endpoints: endpoints,
		in:        os.Stdin,
		out:       os.Stdout,
	}
}

// Start reads lines until EOF or ctx is cancelled. A line arriving after
// cancellation is discarded.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nnetchan console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "netchan> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := c.Execute(ctx, line); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// Execute runs a single command line.
func (c *CLI) Execute(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		return c.printStatus(args)
	case "cmd", "command":
		return c.cmdSend(args)
	case "sideband", "sb":
		return c.cmdSideband(args)
	case "sessions":
		return c.printSessions(args)
	case "events":
		c.printEvents()
	case "host":
		c.printHost()
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
  status [id]            Show all channels or one channel in detail
  cmd <id> <text>        Queue a reliable command on a channel
  sideband <id> <text>   Queue a sideband payload for the next packet
  sessions [n]           Show the n most recent journal sessions
  events                 Show event counts since startup
  host                   Show host information
  quit                   Shut down
  help                   Show this help message`)
}

func (c *CLI) printStatus(args []string) error {
	if len(args) > 0 {
		ep, ok := c.endpoints.Endpoint(args[0])
		if !ok {
			return fmt.Errorf("channel not found: %s", args[0])
		}
		c.printDetail(ep.Status())
		return nil
	}

	tw := c.table("Channel", "Role", "Up", "Session", "Rel Seq/Ack", "Cmd Seq", "Sideband", "In/Out", "Dropped", "Idle")
	for _, ep := range c.endpoints.Endpoints() {
		st := ep.Status()
		tw.Append([]string{
			st.ID,
			st.Role,
			yesNo(st.Connected),
			fmt.Sprintf("%08x", st.SessionID),
			fmt.Sprintf("%d/%d", st.ReliableSequence, st.ReliableAcknowledge),
			strconv.FormatUint(uint64(st.CommandSequence), 10),
			st.Sideband.String(),
			fmt.Sprintf("%d/%d", st.Transport.PacketsIn, st.Transport.PacketsOut),
			strconv.FormatUint(uint64(st.Transport.Dropped), 10),
			idle(st.LastActivity),
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) printDetail(st network.ChannelStatus) {
	fmt.Fprintf(c.out, "\n  Channel:        %s\n", st.ID)
	fmt.Fprintf(c.out, "  Role:           %s\n", st.Role)
	fmt.Fprintf(c.out, "  Remote:         %s\n", st.Remote)
	fmt.Fprintf(c.out, "  Connected:      %v\n", st.Connected)
	fmt.Fprintf(c.out, "  Connected at:   %s\n", st.ConnectedAt.Format(time.RFC3339))
	fmt.Fprintf(c.out, "  Challenge:      %08x\n", st.Challenge)
	fmt.Fprintf(c.out, "  Session:        %08x\n", st.SessionID)
	fmt.Fprintf(c.out, "  QPort:          %d\n", st.QPort)
	fmt.Fprintf(c.out, "  Reliable:       seq %d, ack %d\n", st.ReliableSequence, st.ReliableAcknowledge)
	fmt.Fprintf(c.out, "  Peer commands:  %d\n", st.CommandSequence)
	fmt.Fprintf(c.out, "  Sideband:       %s (%d overflows)\n", st.Sideband, st.SidebandOverflows)
	fmt.Fprintf(c.out, "  Sequence:       out %d, in %d\n", st.Transport.OutgoingSequence, st.Transport.IncomingSequence)
	fmt.Fprintf(c.out, "  Packets:        in %d, out %d, dropped %d, rejected %d\n",
		st.Transport.PacketsIn, st.Transport.PacketsOut, st.Transport.Dropped, st.Transport.Rejected)
	fmt.Fprintf(c.out, "  Bytes:          in %d, out %d\n\n", st.Transport.BytesIn, st.Transport.BytesOut)
}

func (c *CLI) cmdSend(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: cmd <id> <text>")
	}
	ep, ok := c.endpoints.Endpoint(args[0])
	if !ok {
		return fmt.Errorf("channel not found: %s", args[0])
	}

	text := strings.Join(args[1:], " ")
	if err := ep.SendCommand(text); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Command queued on %s: %s\n", ep.ID(), text)
	return nil
}

func (c *CLI) cmdSideband(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: sideband <id> <text>")
	}
	ep, ok := c.endpoints.Endpoint(args[0])
	if !ok {
		return fmt.Errorf("channel not found: %s", args[0])
	}

	data := []byte(strings.Join(args[1:], " "))
	if err := ep.QueueSideband(data); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Sideband queued on %s: %d bytes\n", ep.ID(), len(data))
	return nil
}

func (c *CLI) printSessions(args []string) error {
	if c.Sessions == nil {
		return fmt.Errorf("session journal is disabled")
	}

	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}

	sessions, err := c.Sessions.Recent(limit)
	if err != nil {
		return err
	}

	tw := c.table("#", "Channel", "Role", "Session", "Connected", "Duration", "Reason", "Cmds", "Drops", "Overflows", "Desyncs")
	for _, s := range sessions {
		duration := "-"
		if s.DisconnectedAt != nil {
			duration = s.DisconnectedAt.Sub(s.ConnectedAt).Round(time.Second).String()
		}
		tw.Append([]string{
			strconv.FormatInt(s.ID, 10),
			s.ChannelID,
			s.Role,
			fmt.Sprintf("%08x", s.SessionID),
			s.ConnectedAt.Local().Format("01-02 15:04:05"),
			duration,
			s.Reason,
			strconv.FormatInt(s.Commands, 10),
			strconv.FormatInt(s.PacketsDropped, 10),
			strconv.FormatInt(s.SidebandOverflows, 10),
			strconv.FormatInt(s.Desyncs, 10),
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) printEvents() {
	counts := c.eventBus.Counts()
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, string(t))
	}
	sort.Strings(types)

	tw := c.table("Event", "Count")
	for _, t := range types {
		tw.Append([]string{t, strconv.FormatUint(counts[events.EventType(t)], 10)})
	}
	tw.Render()
}

func (c *CLI) printHost() {
	info := util.GetHostInfo()
	fmt.Fprintf(c.out, "\n  Hostname:   %s\n", info.Hostname)
	fmt.Fprintf(c.out, "  OS:         %s (%s)\n", info.OS, info.Architecture)
	fmt.Fprintf(c.out, "  CPU:        %s, %d cores\n", info.CPUModel, info.CPUCores)
	fmt.Fprintf(c.out, "  Memory:     %d MB\n", info.TotalMemory)
	fmt.Fprintf(c.out, "  Process:    %d MB RSS, %.1f%% CPU, %d goroutines\n\n",
		info.ProcessRSS, info.ProcessCPU, info.Goroutines)
}

func (c *CLI) table(header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func idle(last time.Time) string {
	if last.IsZero() {
		return "-"
	}
	return time.Since(last).Round(100 * time.Millisecond).String()
}
