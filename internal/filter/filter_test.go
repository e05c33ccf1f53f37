package filter

import (
	"testing"

	"github.com/tripwire/sysbridge/internal/syscallrec"
)

func TestEvaluateFirstMatchWins(t *testing.T) {
	table := Table{
		Rules: []Rule{
			{Name: "block-exec", SyscallName: "execve", Decision: syscallrec.Kill},
			{Name: "forward-write", SyscallName: "write", Decision: syscallrec.ForwardEntry},
		},
		Default: syscallrec.Continue,
	}

	s := &syscallrec.Syscall{Name: "execve"}
	if got := table.Evaluate(s); got != syscallrec.Kill {
		t.Fatalf("Evaluate(execve) = %v, want kill", got)
	}
	if s.Decision != nil {
		t.Fatalf("Evaluate must not mutate s.Decision, got %v", s.Decision)
	}

	s2 := &syscallrec.Syscall{Name: "getpid"}
	if got := table.Evaluate(s2); got != syscallrec.Continue {
		t.Fatalf("Evaluate(getpid) = %v, want default continue", got)
	}
}

func TestEvaluateWithPredicate(t *testing.T) {
	table := Table{
		Rules: []Rule{
			{
				Name:        "block-stdin-write",
				SyscallName: "write",
				Match:       ScalarArgEquals(0, 0),
				Decision:    syscallrec.NoExec,
			},
		},
		Default: syscallrec.Continue,
	}

	match := &syscallrec.Syscall{Name: "write", Args: [syscallrec.MaxArgs]*syscallrec.ArgValue{
		0: {Kind: syscallrec.KindFd, Scalar: 0},
	}}
	if got := table.Evaluate(match); got != syscallrec.NoExec {
		t.Fatalf("Evaluate(write fd=0) = %v, want no_exec", got)
	}

	noMatch := &syscallrec.Syscall{Name: "write", Args: [syscallrec.MaxArgs]*syscallrec.ArgValue{
		0: {Kind: syscallrec.KindFd, Scalar: 1},
	}}
	if got := table.Evaluate(noMatch); got != syscallrec.Continue {
		t.Fatalf("Evaluate(write fd=1) = %v, want default", got)
	}
}

func TestNullBufferHasPrefix(t *testing.T) {
	pred := NullBufferHasPrefix(0, "/etc/")
	s := &syscallrec.Syscall{Args: [syscallrec.MaxArgs]*syscallrec.ArgValue{
		0: {Kind: syscallrec.KindNullBuffer, Content: []byte("/etc/passwd")},
	}}
	if !pred(s) {
		t.Fatal("expected prefix match")
	}
	s.Args[0].Content = []byte("/home/user")
	if pred(s) {
		t.Fatal("expected prefix mismatch")
	}
}

func TestValidateRejectsUnknownDecision(t *testing.T) {
	table := Table{Default: syscallrec.Decision("bogus")}
	if err := table.Validate(); err == nil {
		t.Fatal("expected error for unknown default decision")
	}

	table2 := Table{
		Rules:   []Rule{{Name: "r", Decision: syscallrec.Decision("bogus")}},
		Default: syscallrec.Continue,
	}
	if err := table2.Validate(); err == nil {
		t.Fatal("expected error for unknown rule decision")
	}
}

func TestValidateRequiresDefault(t *testing.T) {
	var table Table
	if err := table.Validate(); err == nil {
		t.Fatal("expected error for missing default")
	}
}
