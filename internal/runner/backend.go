package runner

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/dohr-michael/taskdeck/internal/runs"
)

const promptPlaceholder = "{prompt}"

// Backend describes how to invoke one assistant CLI.
type Backend struct {
	Binary string
	Args   []string // "{prompt}" is replaced by the run prompt
}

// DefaultBackends returns the stock invocation of every supported CLI.
func DefaultBackends() map[runs.CLIType]Backend {
	return map[runs.CLIType]Backend{
		runs.CLIClaude: {Binary: "claude", Args: []string{"-p", promptPlaceholder, "--dangerously-skip-permissions"}},
		runs.CLICodex:  {Binary: "codex", Args: []string{"exec", "--full-auto", promptPlaceholder}},
		runs.CLIGemini: {Binary: "gemini", Args: []string{"-p", promptPlaceholder, "--yolo"}},
	}
}

// MergeBackends overlays overrides onto the defaults. An override without
// Args keeps the default arguments.
func MergeBackends(overrides map[runs.CLIType]Backend) map[runs.CLIType]Backend {
	out := DefaultBackends()
	for t, o := range overrides {
		b := out[t]
		if o.Binary != "" {
			b.Binary = o.Binary
		}
		if len(o.Args) > 0 {
			b.Args = o.Args
		}
		out[t] = b
	}
	return out
}

// BuildArgs returns the argument list for prompt.
func (b Backend) BuildArgs(prompt string) []string {
	args := make([]string, len(b.Args))
	for i, a := range b.Args {
		args[i] = strings.ReplaceAll(a, promptPlaceholder, prompt)
	}
	return args
}

// Resolve returns the absolute path of the backend binary.
func (b Backend) Resolve() (string, error) {
	if b.Binary == "" {
		return "", fmt.Errorf("no binary configured")
	}
	path, err := exec.LookPath(b.Binary)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", b.Binary, err)
	}
	return path, nil
}
