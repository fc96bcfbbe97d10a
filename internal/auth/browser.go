package auth

import (
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
)

// ErrBrowserDisabled is returned by the opener used with --no-browser
var ErrBrowserDisabled = errors.New("browser disabled")

// BrowserOpener opens the device verification page
type BrowserOpener interface {
	Open(url string) error
}

// BrowserOpenerFunc adapts a function to BrowserOpener
type BrowserOpenerFunc func(url string) error

// Open calls f
func (f BrowserOpenerFunc) Open(url string) error {
	return f(url)
}

// NoBrowser never opens anything; the verification URL is only printed
var NoBrowser BrowserOpener = BrowserOpenerFunc(func(string) error {
	return ErrBrowserDisabled
})

// DefaultBrowserOpener launches the platform's URL handler
type DefaultBrowserOpener struct {
	goos    string
	command func(name string, args ...string) *exec.Cmd
}

// NewBrowserOpener creates a new browser opener instance
func NewBrowserOpener() *DefaultBrowserOpener {
	return &DefaultBrowserOpener{goos: runtime.GOOS, command: exec.Command}
}

// launcher returns the program and arguments that open target
func (b *DefaultBrowserOpener) launcher(target string) (string, []string, error) {
	switch b.goos {
	case "darwin":
		return "open", []string{target}, nil
	case "linux", "freebsd", "openbsd":
		return "xdg-open", []string{target}, nil
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", target}, nil
	default:
		return "", nil, fmt.Errorf("unsupported platform: %s", b.goos)
	}
}

// Open opens target, which must be an http or https URL
func (b *DefaultBrowserOpener) Open(target string) error {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("refusing to open %q: not a web URL", target)
	}

	name, args, err := b.launcher(target)
	if err != nil {
		return err
	}
	if err := b.command(name, args...).Start(); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	return nil
}
