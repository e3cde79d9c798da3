package runs

import (
	"slices"
	"strings"
	"testing"
)

func TestStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusLaunched, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusLaunched, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusLaunched, StatusCompleted, true},
		{StatusRunning, StatusPending, false},
		{StatusCancelled, StatusCompleted, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusRunning, false},
		{StatusLaunched, StatusRunning, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminalStatusesHaveNoEdges(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if len(transitions[s]) != 0 {
			t.Errorf("terminal status %s has outgoing edges", s)
		}
	}
}

func TestSources(t *testing.T) {
	got := Sources(StatusCancelled)
	want := []Status{StatusLaunched, StatusPending, StatusRunning}
	if !slices.Equal(got, want) {
		t.Errorf("Sources(cancelled) = %v, want %v", got, want)
	}

	got = Sources(StatusCompleted)
	want = []Status{StatusLaunched, StatusRunning}
	if !slices.Equal(got, want) {
		t.Errorf("Sources(completed) = %v, want %v", got, want)
	}
}

func TestCLITypeValid(t *testing.T) {
	for _, c := range CLITypes {
		if !c.Valid() {
			t.Errorf("%s should be valid", c)
		}
	}
	if CLIType("vim").Valid() {
		t.Error("vim should not be valid")
	}
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	if a == b {
		t.Fatal("expected unique ids")
	}
	if !strings.HasPrefix(a, "run_") {
		t.Errorf("expected run_ prefix, got %s", a)
	}
	if strings.Contains(a, "-") {
		t.Errorf("expected no dashes, got %s", a)
	}
}
