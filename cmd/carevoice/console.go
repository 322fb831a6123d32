package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/carevoice/internal/session"
	"github.com/MrWong99/carevoice/pkg/provider/live"
)

// consoleStopTimeout bounds /stop.
const consoleStopTimeout = 5 * time.Second

// controller is the part of [session.Manager] the console drives.
type controller interface {
	Toggle(ctx context.Context) error
	Stop(ctx context.Context) error
	Snapshot() session.Snapshot
	DismissError()
}

// console reads slash commands from a terminal and prints session updates.
type console struct {
	mu  sync.Mutex
	out io.Writer
	ctl controller
}

func newConsole(out io.Writer) *console {
	return &console{out: out}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// observe prints transcript fragments and state changes as they arrive.
func (c *console) observe(u session.Update) {
	switch u.Kind {
	case session.UpdateState:
		c.printf("[%s]\n", u.State.Status())
	case session.UpdateTranscript:
		who := "assistant"
		if u.Source == live.SourceInput {
			who = "you"
		}
		c.printf("%s: %s\n", who, u.Text)
	case session.UpdateError:
		c.printf("error: %s\n", session.UserMessage(u.Err))
	}
}

// run processes commands from in until EOF, /quit or ctx is done.
func (c *console) run(ctx context.Context, in io.Reader) error {
	c.printf("Commands: /toggle, /stop, /status, /dismiss, /quit\n")

	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			return nil
		case line = <-lines:
		}
		if line == "" {
			continue
		}

		switch line {
		case "/quit", "/exit":
			c.printf("bye\n")
			return nil
		case "/toggle":
			if err := c.ctl.Toggle(ctx); err != nil {
				c.printf("error: %s\n", session.UserMessage(err))
			}
		case "/stop":
			sctx, cancel := context.WithTimeout(ctx, consoleStopTimeout)
			err := c.ctl.Stop(sctx)
			cancel()
			if err != nil {
				c.printf("stop: %v\n", err)
			}
		case "/status":
			c.printStatus(c.ctl.Snapshot())
		case "/dismiss":
			c.ctl.DismissError()
		default:
			c.printf("unknown command %q\n", line)
		}
	}
}

func (c *console) printStatus(s session.Snapshot) {
	var b strings.Builder
	fmt.Fprintf(&b, "status: %s", s.Status)
	if s.SessionID != "" {
		fmt.Fprintf(&b, " (session %s)", s.SessionID)
	}
	b.WriteByte('\n')
	if s.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", s.Error)
	}
	if s.UserTranscript != "" {
		fmt.Fprintf(&b, "you: %s\n", s.UserTranscript)
	}
	if s.Transcript != "" {
		fmt.Fprintf(&b, "assistant: %s\n", s.Transcript)
	}
	c.printf("%s", b.String())
}
