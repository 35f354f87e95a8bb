package main

import (
	"io"
	"sync"

	"github.com/fatih/color"

	"archrender/credits"
)

var (
	statusColor  = color.New(color.FgCyan)
	successColor = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
)

// consoleNotifier prints orchestrator signals to a terminal. Progress arrives
// from fan-out goroutines, so every write holds mu.
type consoleNotifier struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsoleNotifier(out io.Writer) *consoleNotifier {
	return &consoleNotifier{out: out}
}

func (n *consoleNotifier) SetLoading(tool credits.Tool, loading bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if loading {
		statusColor.Fprintf(n.out, "[%s] started\n", tool)
		return
	}
	statusColor.Fprintf(n.out, "[%s] finished\n", tool)
}

func (n *consoleNotifier) Progress(tool credits.Tool, status string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	statusColor.Fprintf(n.out, "[%s] %s\n", tool, status)
}

func (n *consoleNotifier) InsufficientCredits(tool credits.Tool, required, balance int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	warnColor.Fprintf(n.out, "[%s] not enough credits: need %d, have %d\n", tool, required, balance)
}

func (n *consoleNotifier) SafetyWarning(tool credits.Tool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	warnColor.Fprintf(n.out, "[%s] the request was blocked by the safety filter; credits were refunded\n", tool)
}

func (n *consoleNotifier) Failure(tool credits.Tool, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	errorColor.Fprintf(n.out, "[%s] failed: %s\n", tool, message)
}

func (n *consoleNotifier) success(format string, args ...any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	successColor.Fprintf(n.out, format, args...)
}
