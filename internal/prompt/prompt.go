// Package prompt escalates a vulnerable host to a user decision.
package prompt

import (
	"context"
	"fmt"

	"github.com/l0p7/hostgate/internal/templates"
)

const (
	DefaultTitle   = "Possible vulnerable host"
	DefaultMessage = "{{ .Host }} failed the reputation check. Continue anyway?"
)

// Question describes the request being escalated. Title and Message are filled
// by a Formatter before the question reaches a Prompter.
type Question struct {
	Host    string
	URL     string
	Title   string
	Message string
}

// Answer is the user's decision. Remember asks the gate to cache the decision
// for the host for the rest of the process lifetime.
type Answer struct {
	Proceed  bool
	Remember bool
}

// Prompter asks the user whether to proceed to a host the reputation service
// flagged. Implementations may block until the user answers.
type Prompter interface {
	Ask(ctx context.Context, q Question) (Answer, error)
}

// PrompterFunc adapts a function into a Prompter.
type PrompterFunc func(ctx context.Context, q Question) (Answer, error)

func (fn PrompterFunc) Ask(ctx context.Context, q Question) (Answer, error) {
	return fn(ctx, q)
}

// Static answers every question the same way. It backs unattended deployments.
type Static struct {
	Answer Answer
}

func (s Static) Ask(context.Context, Question) (Answer, error) {
	return s.Answer, nil
}

// Formatter renders the configured title and message templates for a question.
type Formatter struct {
	title   *templates.Template
	message *templates.Template
}

// NewFormatter compiles the title and message templates. Empty sources fall
// back to the defaults.
func NewFormatter(title, message string) (*Formatter, error) {
	renderer := templates.NewRenderer()
	if title == "" {
		title = DefaultTitle
	}
	if message == "" {
		message = DefaultMessage
	}
	titleTmpl, err := renderer.CompileInline("prompt-title", title)
	if err != nil {
		return nil, fmt.Errorf("prompt: title: %w", err)
	}
	messageTmpl, err := renderer.CompileInline("prompt-message", message)
	if err != nil {
		return nil, fmt.Errorf("prompt: message: %w", err)
	}
	return &Formatter{title: titleTmpl, message: messageTmpl}, nil
}

// Format returns q with Title and Message rendered.
func (f *Formatter) Format(q Question) (Question, error) {
	title, err := f.title.Render(q)
	if err != nil {
		return q, fmt.Errorf("prompt: render title: %w", err)
	}
	message, err := f.message.Render(q)
	if err != nil {
		return q, fmt.Errorf("prompt: render message: %w", err)
	}
	q.Title = title
	q.Message = message
	return q, nil
}
