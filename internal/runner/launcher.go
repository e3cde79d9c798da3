package runner

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/atotto/clipboard"
	"mvdan.cc/sh/v3/syntax"

	"github.com/dohr-michael/taskdeck/internal/runs"
)

const commandPlaceholder = "{command}"

// LaunchRequest is an interactive session to open.
type LaunchRequest struct {
	RunID      string
	CLIType    runs.CLIType
	Binary     string
	Prompt     string
	ProjectDir string
}

// Launcher hands a run to an interactive terminal session.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) error
}

// TerminalLauncher copies the prompt to the clipboard and opens a terminal
// window running the backend in the project directory.
type TerminalLauncher struct {
	// Command is the terminal invocation; "{command}" in any element is
	// replaced by the shell command. Empty selects the platform default.
	Command []string

	copy  func(string) error
	start func(name string, args ...string) error
}

// NewTerminalLauncher returns a launcher using command, or the platform
// default terminal when command is empty.
func NewTerminalLauncher(command []string) *TerminalLauncher {
	return &TerminalLauncher{
		Command: command,
		copy:    clipboard.WriteAll,
		start:   startDetached,
	}
}

func (l *TerminalLauncher) Launch(ctx context.Context, req LaunchRequest) error {
	if err := l.copy(req.Prompt); err != nil {
		return fmt.Errorf("copy prompt to clipboard: %w", err)
	}

	shellCmd, err := ShellCommand(req.ProjectDir, req.Binary)
	if err != nil {
		return err
	}
	argv, err := l.argv(shellCmd)
	if err != nil {
		return err
	}
	if err := l.start(argv[0], argv[1:]...); err != nil {
		return fmt.Errorf("open terminal: %w", err)
	}
	return nil
}

func (l *TerminalLauncher) argv(shellCmd string) ([]string, error) {
	tmpl := l.Command
	if len(tmpl) == 0 {
		tmpl = defaultTerminal(runtime.GOOS)
	}
	if len(tmpl) == 0 {
		return nil, fmt.Errorf("no terminal command configured for %s", runtime.GOOS)
	}
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		out[i] = strings.ReplaceAll(a, commandPlaceholder, shellCmd)
	}
	return out, nil
}

// ShellCommand builds the bash command line that enters dir and runs binary.
func ShellCommand(dir, binary string) (string, error) {
	qdir, err := syntax.Quote(dir, syntax.LangBash)
	if err != nil {
		return "", fmt.Errorf("quote project dir: %w", err)
	}
	qbin, err := syntax.Quote(binary, syntax.LangBash)
	if err != nil {
		return "", fmt.Errorf("quote binary: %w", err)
	}
	return "cd " + qdir + " && " + qbin, nil
}

func defaultTerminal(goos string) []string {
	switch goos {
	case "darwin":
		return []string{"osascript",
			"-e", `on run argv`,
			"-e", `tell application "Terminal" to do script (item 1 of argv)`,
			"-e", `tell application "Terminal" to activate`,
			"-e", `end run`,
			commandPlaceholder,
		}
	case "linux":
		return []string{"x-terminal-emulator", "-e", "bash", "-lc", commandPlaceholder}
	}
	return nil
}

// startDetached starts the terminal in its own process group so it outlives
// the request that launched it.
func startDetached(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	configureProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait()
	return nil
}
