// Package filter evaluates the rule table that decides what a tracer does
// with each observed syscall: forward it to the executor, log it locally,
// suppress it, or kill the tracee outright.
package filter

import (
	"fmt"

	"github.com/tripwire/sysbridge/internal/syscallrec"
)

// Predicate inspects a decoded syscall's entry-time arguments and reports
// whether a rule matches. Implementations must not block or mutate s.
type Predicate func(s *syscallrec.Syscall) bool

// Rule is one row of the filter table: the first rule whose SyscallName
// matches (empty means "any syscall") and whose Match predicate (nil means
// "always") returns true wins.
type Rule struct {
	Name        string
	SyscallName string
	Match       Predicate
	Decision    syscallrec.Decision
}

// Table is an ordered list of rules evaluated top to bottom, with a
// Default decision applied when nothing matches.
type Table struct {
	Rules   []Rule
	Default syscallrec.Decision
}

// Validate checks that every rule names a known decision and the default
// is set.
func (t Table) Validate() error {
	if t.Default == "" {
		return fmt.Errorf("filter: table has no default decision")
	}
	if !validDecision(t.Default) {
		return fmt.Errorf("filter: unknown default decision %q", t.Default)
	}
	for i, r := range t.Rules {
		if !validDecision(r.Decision) {
			return fmt.Errorf("filter: rule %d (%s) has unknown decision %q", i, r.Name, r.Decision)
		}
	}
	return nil
}

func validDecision(d syscallrec.Decision) bool {
	switch d {
	case syscallrec.Continue, syscallrec.ForwardEntry, syscallrec.ForwardExit,
		syscallrec.InspectExit, syscallrec.LogLocal, syscallrec.NoExec, syscallrec.Kill:
		return true
	}
	return false
}

// Evaluate returns the decision for s: the first matching rule's
// Decision, or t.Default if none match. It reads s but never mutates it;
// callers that need the decision recorded onto s.Decision do that
// themselves.
func (t Table) Evaluate(s *syscallrec.Syscall) syscallrec.Decision {
	for _, r := range t.Rules {
		if r.SyscallName != "" && r.SyscallName != s.Name {
			continue
		}
		if r.Match != nil && !r.Match(s) {
			continue
		}
		return r.Decision
	}
	return t.Default
}

// ScalarArgEquals builds a Predicate matching when argument index idx is a
// scalar-kind ArgValue equal to want.
func ScalarArgEquals(idx int, want uint64) Predicate {
	return func(s *syscallrec.Syscall) bool {
		if idx < 0 || idx >= len(s.Args) || s.Args[idx] == nil {
			return false
		}
		return s.Args[idx].Scalar == want
	}
}

// NullBufferHasPrefix builds a Predicate matching when argument index idx
// is a decoded NUL-terminated string beginning with prefix, e.g. matching
// open() calls under a particular directory.
func NullBufferHasPrefix(idx int, prefix string) Predicate {
	return func(s *syscallrec.Syscall) bool {
		if idx < 0 || idx >= len(s.Args) || s.Args[idx] == nil {
			return false
		}
		c := s.Args[idx].Content
		if len(c) < len(prefix) {
			return false
		}
		return string(c[:len(prefix)]) == prefix
	}
}
