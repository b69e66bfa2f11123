// Package shell is the operator's line interface. It only reads state and
// submits commands; every table write still goes through the writeback
// queue.
package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/claby2/ebpfcca/kernel"
	"github.com/claby2/ebpfcca/model"
	"github.com/claby2/ebpfcca/registry"
)

const prompt = ">> "

const usage = `commands:
  list [connections]         kernel table entries with their socket ids
  set-cwnd <sid> <bytes>     queue a congestion window for a flow
  set-rate <sid> <bytes/s>   queue a pacing rate for a flow
  help
  exit
`

type Submitter interface {
	Submit(cmd model.ControlCommand) error
}

type Shell struct {
	reg   *registry.Registry
	table kernel.Table
	queue Submitter

	out    io.Writer
	errOut io.Writer
}

func New(reg *registry.Registry, table kernel.Table, queue Submitter, out, errOut io.Writer) *Shell {
	return &Shell{reg: reg, table: table, queue: queue, out: out, errOut: errOut}
}

// Run reads commands from in until exit, EOF or ctx is done. Bad input is
// reported and the loop goes on.
func (s *Shell) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		fmt.Fprint(s.out, prompt)
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(s.out)
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			if s.Exec(line) {
				return nil
			}
		}
	}
}

// Exec runs one command line and reports whether the shell should exit.
func (s *Shell) Exec(line string) bool {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return false
	}
	var err error
	switch tokens[0] {
	case "exit", "quit":
		return true
	case "help":
		fmt.Fprint(s.out, usage)
	case "list":
		if len(tokens) > 2 || (len(tokens) == 2 && tokens[1] != "connections") {
			err = fmt.Errorf("usage: list [connections]")
			break
		}
		err = s.list()
	case "set-cwnd":
		err = s.set(tokens[0], model.CommandSetCwnd, tokens[1:])
	case "set-rate":
		err = s.set(tokens[0], model.CommandSetRate, tokens[1:])
	default:
		err = fmt.Errorf("invalid command %q, try help", tokens[0])
	}
	if err != nil {
		fmt.Fprintf(s.errOut, "Error: %v\n", err)
	}
	return false
}

func (s *Shell) list() error {
	entries, err := s.table.Entries()
	if err != nil {
		return err
	}
	conns := make(map[model.FlowID]model.Connection)
	for _, conn := range s.reg.Connections() {
		conns[conn.ID] = conn
	}
	for _, e := range entries {
		conn, ok := conns[e.ID]
		if !ok {
			fmt.Fprintf(s.out, "%v (sid: none): cwnd=%d pacing_rate=%d\n",
				e.ID, e.Record.Cwnd, e.Record.PacingRate)
			continue
		}
		fmt.Fprintf(s.out, "%v (sid: %d): cwnd=%d pacing_rate=%d %v signals=%d\n",
			e.ID, conn.SID(), e.Record.Cwnd, e.Record.PacingRate, conn.Tuple.String(), conn.Signals)
	}
	return nil
}

func (s *Shell) set(name string, kind model.CommandKind, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: %v <sid> <value>", name)
	}
	sid, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("bad sid %q", args[0])
	}
	value, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("bad value %q", args[1])
	}
	conn, ok := s.reg.LookupBySID(uint32(sid))
	if !ok {
		return fmt.Errorf("no flow with sid %d", sid)
	}
	cmd := model.ControlCommand{Kind: kind, ID: conn.ID, Tag: conn.Tag, Value: uint32(value)}
	if err = s.queue.Submit(cmd); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "queued %v\n", cmd)
	return nil
}
