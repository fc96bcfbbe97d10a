package picker

import (
	"errors"
	"testing"

	fzf "github.com/junegunn/fzf/src"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockFzfRunner records what fzf would have shown and answers with Choose
type MockFzfRunner struct {
	Choose   func(lines []string) string
	Code     int
	Err      error
	Lines    []string
	Prompt   string
	Calls    int
}

func (m *MockFzfRunner) Run(opts *fzf.Options) (int, error) {
	m.Calls++
	m.Lines = nil
	for line := range opts.Input {
		m.Lines = append(m.Lines, line)
	}
	if m.Err != nil {
		return fzf.ExitError, m.Err
	}
	if m.Choose != nil {
		if chosen := m.Choose(m.Lines); chosen != "" {
			opts.Output <- chosen
		}
	}
	return m.Code, nil
}

type stubPicker struct {
	value string
	calls int
}

func (s *stubPicker) Pick(string, []Option) (string, error) {
	s.calls++
	return s.value, nil
}

func TestFzfPickReturnsValue(t *testing.T) {
	runner := &MockFzfRunner{Choose: func(lines []string) string { return lines[2] }}
	value, err := NewFzfWithRunner(runner, nil).Pick("repo>", repoOptions)
	require.NoError(t, err)
	assert.Equal(t, "acme-corp/service", value)
	assert.Equal(t, []string{
		"alice/one  │  onboarded",
		"alice/two",
		"acme-corp/service  │  organization",
	}, runner.Lines)
}

func TestFzfPickCancelled(t *testing.T) {
	for _, code := range []int{fzf.ExitInterrupt, fzf.ExitNoMatch} {
		runner := &MockFzfRunner{Code: code}
		_, err := NewFzfWithRunner(runner, nil).Pick("repo>", repoOptions)
		assert.ErrorIs(t, err, ErrCancelled)
	}

	runner := &MockFzfRunner{Code: fzf.ExitOk}
	_, err := NewFzfWithRunner(runner, nil).Pick("repo>", repoOptions)
	assert.ErrorIs(t, err, ErrCancelled, "no output means nothing was chosen")
}

func TestFzfPickFallsBack(t *testing.T) {
	fallback := &stubPicker{value: "alice/two"}
	runner := &MockFzfRunner{Err: errors.New("no tty")}

	value, err := NewFzfWithRunner(runner, fallback).Pick("repo>", repoOptions)
	require.NoError(t, err)
	assert.Equal(t, "alice/two", value)
	assert.Equal(t, 1, fallback.calls)

	_, err = NewFzfWithRunner(runner, nil).Pick("repo>", repoOptions)
	assert.Error(t, err)
}

func TestFzfPickRejectsUnknownEntry(t *testing.T) {
	runner := &MockFzfRunner{Choose: func([]string) string { return "mallory/evil" }}
	_, err := NewFzfWithRunner(runner, nil).Pick("repo>", repoOptions)
	assert.Error(t, err)
}

func TestFzfPickNoOptions(t *testing.T) {
	runner := &MockFzfRunner{}
	_, err := NewFzfWithRunner(runner, nil).Pick("repo>", nil)
	assert.ErrorIs(t, err, ErrNoOptions)
	assert.Zero(t, runner.Calls)
}
