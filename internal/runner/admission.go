package runner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dohr-michael/taskdeck/internal/runs"
)

// Reason identifies the constraint a rejected StartRun violated.
type Reason string

const (
	ReasonPromptRequired         Reason = "prompt_required"
	ReasonUnsupportedCLI         Reason = "unsupported_cli_type"
	ReasonInvalidDir             Reason = "invalid_project_dir"
	ReasonDirNotAllowed          Reason = "project_dir_not_allowed"
	ReasonCapacity               Reason = "capacity_reached"
	ReasonTaskBusy               Reason = "task_busy"
	ReasonInteractiveUnavailable Reason = "interactive_unavailable"
)

// ValidationError is a caller-correctable rejection. Message is suitable for display.
type ValidationError struct {
	Reason  Reason
	Message string
	Err     error
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return e.Err }

// Conflict reports whether the rejection comes from current state rather than
// from the request itself.
func (e *ValidationError) Conflict() bool {
	return e.Reason == ReasonCapacity || e.Reason == ReasonTaskBusy
}

func invalid(reason Reason, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StartOptions are the caller-supplied parameters of a run.
type StartOptions struct {
	CLIType     runs.CLIType `json:"cli_type"`
	Prompt      string       `json:"prompt"`
	ProjectDir  string       `json:"project_dir,omitempty"`
	Interactive bool         `json:"interactive,omitempty"`
}

// Limits are the externally configured admission bounds.
type Limits struct {
	MaxConcurrent int
	AllowedDirs   []string
}

// ValidateProjectDir resolves dir through every symlink and checks that the
// physical path is an existing directory under one of allowed. Entries of
// allowed are directory prefixes or doublestar patterns. It returns the
// resolved path.
func ValidateProjectDir(dir string, allowed []string) (string, error) {
	if !filepath.IsAbs(dir) {
		return "", invalid(ReasonInvalidDir, "project_dir must be an absolute path: %s", dir)
	}

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", invalid(ReasonInvalidDir, "project_dir does not exist: %s", dir)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", invalid(ReasonInvalidDir, "project_dir is not accessible: %s", dir)
	}
	if !info.IsDir() {
		return "", invalid(ReasonInvalidDir, "project_dir is not a directory: %s", dir)
	}

	for _, entry := range allowed {
		if allowedBy(resolved, entry) {
			return resolved, nil
		}
	}
	return "", invalid(ReasonDirNotAllowed, "project_dir is not under an allowed directory: %s", dir)
}

func allowedBy(resolved, entry string) bool {
	entry = filepath.Clean(entry)
	if isPattern(entry) {
		// A matching ancestor allows the whole subtree.
		for p := resolved; ; p = filepath.Dir(p) {
			if ok, _ := doublestar.Match(entry, p); ok {
				return true
			}
			if p == filepath.Dir(p) {
				return false
			}
		}
	}

	root := entry
	if r, err := filepath.EvalSymlinks(entry); err == nil {
		root = r
	}
	return within(resolved, root)
}

func isPattern(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
