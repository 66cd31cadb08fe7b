package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/srg/fleetctl/internal/fleet/runtime"
)

// REPL reads one command per line from stdin and dispatches it through
// commandTable, mirroring original_source/src/CommandPrompt.cpp's
// read-eval-print loop. No readline-equivalent library exists in the
// retrieved dependency pack (the original uses GNU readline), so line
// reading falls back to bufio.Scanner — ambient I/O glue, not a domain
// concern the corpus shows a library for.
type REPL struct {
	s *session
	r *bufio.Scanner
}

func NewREPL(rt *runtime.Runtime, stdin io.Reader, stdout, stderr io.Writer) *REPL {
	return &REPL{
		s: &session{rt: rt, selection: NewSelection(), stdout: stdout, stderr: stderr},
		r: bufio.NewScanner(stdin),
	}
}

// Run reads commands until stdin closes or ctx is cancelled. Each
// command's error, if any, is reported on stderr and the loop
// continues — a bad command doesn't end the session (spec.md §6).
func (repl *REPL) Run(ctx context.Context) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		for repl.r.Scan() {
			lines <- repl.r.Text()
		}
	}()

	for {
		if !repl.s.rt.Background() {
			fmt.Fprintf(repl.s.stdout, "%s> ", repl.s.selection.Describe(repl.s.rt.Registry))
		}
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if repl.dispatch(ctx, line) {
				return
			}
		}
	}
}

// dispatch runs one line and reports whether the REPL should exit.
func (repl *REPL) dispatch(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	name, args := fields[0], fields[1:]

	if name == "exit" || name == "quit" {
		return true
	}

	fn, ok := commandTable[name]
	if !ok {
		fmt.Fprintf(repl.s.stderr, "fleetctl: unknown command %q\n", name)
		return false
	}
	if err := fn(ctx, repl.s, args); err != nil {
		fmt.Fprintf(repl.s.stderr, "fleetctl: %s\n", err)
	}
	return false
}
