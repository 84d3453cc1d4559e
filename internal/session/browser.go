package session

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
)

// BrowserOpener shows the authorization URL to the user.
type BrowserOpener interface {
	Open(ctx context.Context, url string) error
}

// BrowserFunc adapts a function to BrowserOpener.
type BrowserFunc func(ctx context.Context, url string) error

// Open calls f.
func (f BrowserFunc) Open(ctx context.Context, url string) error {
	return f(ctx, url)
}

// OpenBrowser opens url in the system browser. On macOS Safari is forced,
// since "open" hands the URL to Chrome without raising a window when Chrome
// is the default browser.
func OpenBrowser(_ context.Context, url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "linux", "freebsd", "openbsd", "netbsd":
		cmd = exec.Command("xdg-open", url)
	case "darwin":
		cmd = exec.Command("open", "-a", "Safari", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	// The browser keeps running; only the launcher is started.
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	go func() { _ = cmd.Wait() }()

	return nil
}
