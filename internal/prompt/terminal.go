package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

type line struct {
	text string
	err  error
}

// Terminal asks questions on a line-oriented stream, typically stdin/stdout.
// Questions are serialized so concurrent escalations do not interleave.
type Terminal struct {
	out   io.Writer
	lines chan line

	mu sync.Mutex
}

// NewTerminal starts a reader goroutine on in. It exits when in reaches EOF.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	t := &Terminal{out: out, lines: make(chan line)}
	go t.read(in)
	return t
}

func (t *Terminal) read(in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		t.lines <- line{text: scanner.Text()}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	// Keep reporting the terminal error to every later question.
	for {
		t.lines <- line{err: err}
	}
}

// Ask prints the question and reads two yes/no answers: proceed, then remember.
// Anything other than y or yes counts as no.
func (t *Terminal) Ask(ctx context.Context, q Question) (Answer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := fmt.Fprintf(t.out, "\n%s\n%s [y/N]: ", q.Title, q.Message); err != nil {
		return Answer{}, fmt.Errorf("prompt: write: %w", err)
	}
	proceed, err := t.readYes(ctx)
	if err != nil {
		return Answer{}, err
	}
	if _, err := fmt.Fprintf(t.out, "Remember this choice for %s? [y/N]: ", q.Host); err != nil {
		return Answer{}, fmt.Errorf("prompt: write: %w", err)
	}
	remember, err := t.readYes(ctx)
	if err != nil {
		return Answer{}, err
	}
	return Answer{Proceed: proceed, Remember: remember}, nil
}

func (t *Terminal) readYes(ctx context.Context) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case l := <-t.lines:
		if l.err != nil {
			if errors.Is(l.err, io.EOF) {
				return false, errors.New("prompt: input closed")
			}
			return false, fmt.Errorf("prompt: read: %w", l.err)
		}
		switch strings.ToLower(strings.TrimSpace(l.text)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}
