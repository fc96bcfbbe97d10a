package picker

import (
	"os"

	"golang.org/x/term"
)

// IsInteractive reports whether both stdin and stdout are terminals that can
// host fzf
func IsInteractive() bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) || !term.IsTerminal(int(os.Stdout.Fd())) {
		return false
	}
	termType := os.Getenv("TERM")
	return termType != "" && termType != "dumb"
}

// New returns fzf on an interactive terminal and the numbered prompt
// otherwise
func New() Picker {
	prompt := NewPrompt(os.Stdin, os.Stdout)
	if !IsInteractive() {
		return prompt
	}
	return NewFzf(prompt)
}
