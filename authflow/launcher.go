package authflow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
)

const (
	// DefaultDialogBaseURL is the web authorization surface.
	DefaultDialogBaseURL = "https://dialog.hoomi.co/"
	// DefaultNativeBaseURL is handled by the Hoomi app when it is installed.
	DefaultNativeBaseURL = "hoomi://hoomi/"
)

//go:generate mockgen -source=$GOFILE -destination=mock/mock_$GOFILE -package=mock_$GOPACKAGE

// Launcher opens an authorization URL on some authorization surface.
//
// Flows try launchers in order and use the first one that is Available, so
// list the preferred (native) surface first.
type Launcher interface {
	// BaseURL is the root the authorization URL is built on for this surface.
	BaseURL() string
	// Available is a capability probe; it must not open anything.
	Available(ctx context.Context) bool
	Launch(ctx context.Context, authURL string) error
}

// CommandLauncher opens URLs with an external program.
type CommandLauncher struct {
	Base string
	// Command and Args are run with the URL appended.
	Command string
	Args    []string
	// Probe, when set, must exit zero with non-empty output for the launcher to be
	// available. Otherwise availability only requires Command on PATH.
	Probe []string
}

var _ Launcher = (*CommandLauncher)(nil)

// SystemBrowser opens the web authorization surface in the default browser.
func SystemBrowser(base string) *CommandLauncher {
	if base == "" {
		base = DefaultDialogBaseURL
	}
	l := &CommandLauncher{Base: base}
	switch runtime.GOOS {
	case "darwin":
		l.Command = "open"
	case "windows":
		l.Command, l.Args = "rundll32", []string{"url.dll,FileProtocolHandler"}
	default:
		l.Command = "xdg-open"
	}
	return l
}

// NativeApp opens the native Hoomi app through its URL scheme. It is only
// available where a handler for the scheme is registered.
func NativeApp(base string) *CommandLauncher {
	if base == "" {
		base = DefaultNativeBaseURL
	}
	scheme, _, _ := strings.Cut(base, ":")

	l := SystemBrowser(base)
	switch runtime.GOOS {
	case "linux", "freebsd", "openbsd", "netbsd":
		l.Probe = []string{"xdg-mime", "query", "default", "x-scheme-handler/" + scheme}
	default:
		// No cheap, side-effect free probe; never claim availability.
		l.Probe = []string{"false"}
	}
	return l
}

func (l *CommandLauncher) BaseURL() string {
	return l.Base
}

func (l *CommandLauncher) Available(ctx context.Context) bool {
	if len(l.Probe) == 0 {
		_, err := exec.LookPath(l.Command)
		return err == nil
	}
	out, err := exec.CommandContext(ctx, l.Probe[0], l.Probe[1:]...).Output()
	return err == nil && len(bytes.TrimSpace(out)) > 0
}

// Launch starts the command and returns without waiting for it; the opened
// surface outlives ctx.
func (l *CommandLauncher) Launch(_ context.Context, authURL string) error {
	args := append(append([]string(nil), l.Args...), authURL)
	cmd := exec.Command(l.Command, args...) //nolint:gosec
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch %s: %w", l.Command, err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// PrintLauncher writes the URL for the user to open by hand. It is always
// available, which makes it a good last entry in a launcher list.
type PrintLauncher struct {
	Base string
	W    io.Writer
}

var _ Launcher = (*PrintLauncher)(nil)

func (l *PrintLauncher) BaseURL() string {
	if l.Base == "" {
		return DefaultDialogBaseURL
	}
	return l.Base
}

func (l *PrintLauncher) Available(context.Context) bool { return l.W != nil }

func (l *PrintLauncher) Launch(_ context.Context, authURL string) error {
	_, err := fmt.Fprintf(l.W, "Open the following URL to log in with Hoomi:\n\n  %s\n\n", authURL)
	return err
}
