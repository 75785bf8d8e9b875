package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// terminalDecider resolves enrollment requests by prompting on the
// terminal. The auth gate serializes requests per conversation, but
// different conversations can arrive concurrently, so prompts take a
// mutex to keep question and answer paired on the shared terminal.
type terminalDecider struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func newTerminalDecider(in io.Reader, out io.Writer) *terminalDecider {
	return &terminalDecider{
		in:  bufio.NewReader(in),
		out: out,
	}
}

// Decide prompts for an allow/deny answer and, when allowed, an
// optional model override. The stdin read cannot be interrupted, so a
// cancelled ctx abandons the prompt; the answer for the next prompt
// may then consume the stale line, which is acceptable for an
// interactive session.
func (d *terminalDecider) Decide(ctx context.Context, conversationID string) (bool, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	type answer struct {
		approved bool
		model    string
		err      error
	}
	result := make(chan answer, 1)

	go func() {
		fmt.Fprintf(d.out, "\nUnknown conversation %s wants to chat. Allow? [y/N] ", conversationID)
		line, err := d.in.ReadString('\n')
		if err != nil {
			result <- answer{err: fmt.Errorf("read enrollment answer: %w", err)}
			return
		}
		approved := strings.EqualFold(strings.TrimSpace(line), "y")
		if !approved {
			result <- answer{approved: false}
			return
		}

		fmt.Fprintf(d.out, "Model for this conversation (empty for default): ")
		line, err = d.in.ReadString('\n')
		if err != nil {
			result <- answer{err: fmt.Errorf("read model answer: %w", err)}
			return
		}
		result <- answer{approved: true, model: strings.TrimSpace(line)}
	}()

	select {
	case <-ctx.Done():
		return false, "", ctx.Err()
	case a := <-result:
		return a.approved, a.model, a.err
	}
}
