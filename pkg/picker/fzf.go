package picker

import (
	"fmt"
	"strings"

	fzf "github.com/junegunn/fzf/src"
)

// separator joins value and description on an fzf line
const separator = "  │  "

// FzfRunner defines the interface for running fzf
type FzfRunner interface {
	Run(opts *fzf.Options) (int, error)
}

// DefaultFzfRunner runs the embedded fzf library
type DefaultFzfRunner struct{}

// Run executes fzf with the given options
func (DefaultFzfRunner) Run(opts *fzf.Options) (int, error) {
	return fzf.Run(opts)
}

// FzfPicker picks with fzf and falls back to another picker when fzf cannot
// start
type FzfPicker struct {
	runner   FzfRunner
	fallback Picker
}

// NewFzf creates an FzfPicker using the embedded fzf
func NewFzf(fallback Picker) *FzfPicker {
	return NewFzfWithRunner(DefaultFzfRunner{}, fallback)
}

// NewFzfWithRunner creates an FzfPicker with a custom runner
func NewFzfWithRunner(runner FzfRunner, fallback Picker) *FzfPicker {
	return &FzfPicker{runner: runner, fallback: fallback}
}

func displayLine(option Option) string {
	if option.Description == "" {
		return option.Value
	}
	return option.Value + separator + option.Description
}

// Pick runs fzf over options
func (f *FzfPicker) Pick(prompt string, options []Option) (string, error) {
	if len(options) == 0 {
		return "", ErrNoOptions
	}

	opts, err := fzf.ParseOptions(true, []string{
		"--prompt=" + prompt + " ",
		"--height=40%",
		"--layout=reverse",
		"--no-multi",
		"--cycle",
		"--algo=v2",
		"--tiebreak=length",
		"--no-mouse",
		"--border=none",
	})
	if err != nil {
		return "", fmt.Errorf("failed to parse fzf options: %w", err)
	}

	// Both channels are buffered so neither side can block once fzf exits
	input := make(chan string, len(options))
	for _, option := range options {
		input <- displayLine(option)
	}
	close(input)
	output := make(chan string, len(options))
	opts.Input = input
	opts.Output = output

	code, err := f.runner.Run(opts)
	if err != nil {
		if f.fallback == nil {
			return "", fmt.Errorf("fzf failed: %w", err)
		}
		return f.fallback.Pick(prompt, options)
	}

	switch code {
	case fzf.ExitOk:
	case fzf.ExitInterrupt, fzf.ExitNoMatch:
		return "", ErrCancelled
	default:
		return "", fmt.Errorf("fzf exited with code %d", code)
	}

	var selected string
	select {
	case selected = <-output:
	default:
	}
	selected = strings.TrimSpace(selected)
	if selected == "" {
		return "", ErrCancelled
	}

	value, _, _ := strings.Cut(selected, separator)
	value = strings.TrimSpace(value)
	for _, option := range options {
		if option.Value == value {
			return option.Value, nil
		}
	}
	return "", fmt.Errorf("fzf returned an unknown entry %q", value)
}
