// Package prompter asks the user questions on a terminal
package prompter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Prompter asks the user to make decisions
type Prompter interface {
	// PromptChoice synchronously prompts user to choose an option from a list. The first choice is the default
	PromptChoice(ctx context.Context, message string, choices []string) (int, error)
	// PromptText synchronously prompts a user to enter some text. An empty answer returns defaultText
	PromptText(ctx context.Context, message, defaultText string) (string, error)
}

type line struct {
	text string
	err  error
}

type terminal struct {
	lines chan line
	out   io.Writer
}

// New creates a Prompter that writes questions to out and reads one answer per line from in
func New(in io.Reader, out io.Writer) Prompter {
	lines := make(chan line)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- line{text: strings.TrimSpace(scanner.Text())}
		}
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		for {
			lines <- line{err: err}
		}
	}()
	return &terminal{lines: lines, out: out}
}

func (t *terminal) readLine(ctx context.Context) (string, error) {
	select {
	case l := <-t.lines:
		return l.text, l.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (t *terminal) PromptChoice(ctx context.Context, message string, choices []string) (int, error) {
	if len(choices) == 0 {
		return 0, errors.New("No choices to prompt for")
	}
	for {
		fmt.Fprintln(t.out, message)
		for i, choice := range choices {
			fmt.Fprintf(t.out, "  %d) %s\n", i+1, choice)
		}
		fmt.Fprint(t.out, "Choice [1]: ")
		answer, err := t.readLine(ctx)
		if err != nil {
			return 0, err
		}
		if answer == "" {
			return 0, nil
		}
		choice, err := strconv.Atoi(answer)
		if err == nil && choice >= 1 && choice <= len(choices) {
			return choice - 1, nil
		}
		fmt.Fprintf(t.out, "Invalid choice #: %s\n", answer)
	}
}

func (t *terminal) PromptText(ctx context.Context, message, defaultText string) (string, error) {
	if defaultText != "" {
		fmt.Fprintf(t.out, "%s [%s]: ", message, defaultText)
	} else {
		fmt.Fprintf(t.out, "%s: ", message)
	}
	answer, err := t.readLine(ctx)
	if err != nil {
		return "", err
	}
	if answer == "" {
		return defaultText, nil
	}
	return answer, nil
}
