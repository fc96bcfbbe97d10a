// Package picker lets an operator choose one repository from a list in the
// terminal: fzf when attached to a terminal, a numbered prompt otherwise.
package picker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	// ErrNoOptions is returned when there is nothing to choose from
	ErrNoOptions = errors.New("no options available")
	// ErrCancelled is returned when the operator aborts the selection
	ErrCancelled = errors.New("selection cancelled")
)

// Option is one selectable entry
type Option struct {
	Value       string
	Description string
}

// Picker chooses one option and returns its Value
type Picker interface {
	Pick(prompt string, options []Option) (string, error)
}

// PromptPicker reads a filter or a number from a line-oriented reader
type PromptPicker struct {
	in  *bufio.Reader
	out io.Writer
}

// NewPrompt creates a PromptPicker reading from in and writing to out
func NewPrompt(in io.Reader, out io.Writer) *PromptPicker {
	return &PromptPicker{in: bufio.NewReader(in), out: out}
}

func (p *PromptPicker) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		if err == io.EOF {
			return "", ErrCancelled
		}
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (p *PromptPicker) list(options []Option) {
	for i, option := range options {
		fmt.Fprintf(p.out, "%d. %s", i+1, option.Value)
		if option.Description != "" {
			fmt.Fprintf(p.out, " - %s", option.Description)
		}
		fmt.Fprintln(p.out)
	}
}

// Pick shows the numbered options. A number selects; any other input filters
// the list, and a filter matching exactly one option selects it.
func (p *PromptPicker) Pick(prompt string, options []Option) (string, error) {
	if len(options) == 0 {
		return "", ErrNoOptions
	}

	candidates := options
	for {
		fmt.Fprintln(p.out, prompt)
		fmt.Fprintln(p.out, strings.Repeat("-", len(prompt)))
		p.list(candidates)
		fmt.Fprintf(p.out, "\nFilter or select (1-%d): ", len(candidates))

		input, err := p.readLine()
		if err != nil {
			return "", err
		}
		if input == "" {
			candidates = options
			continue
		}

		if n, err := strconv.Atoi(input); err == nil {
			if n >= 1 && n <= len(candidates) {
				return candidates[n-1].Value, nil
			}
			fmt.Fprintf(p.out, "Selection %d is out of range (1-%d)\n\n", n, len(candidates))
			continue
		}

		filtered := Filter(options, input)
		switch len(filtered) {
		case 0:
			fmt.Fprintf(p.out, "No options match filter: %s\n\n", input)
		case 1:
			fmt.Fprintf(p.out, "Auto-selecting: %s\n", filtered[0].Value)
			return filtered[0].Value, nil
		default:
			candidates = filtered
			fmt.Fprintln(p.out)
		}
	}
}

// Filter keeps the options whose value or description contains filter,
// ignoring case
func Filter(options []Option, filter string) []Option {
	filter = strings.ToLower(filter)
	var filtered []Option
	for _, option := range options {
		if strings.Contains(strings.ToLower(option.Value), filter) ||
			strings.Contains(strings.ToLower(option.Description), filter) {
			filtered = append(filtered, option)
		}
	}
	return filtered
}
