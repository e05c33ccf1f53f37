// Package syscallrec defines the wire-level representation of a single
// traced syscall: its raw register contents, its decoded argument values,
// and the filter decision attached to it. Values in this package are plain
// data — decoding, filtering, and dispatch live in sibling packages.
package syscallrec

import "fmt"

// MaxArgs is the number of register-argument slots a syscall carries on
// every architecture this package supports.
const MaxArgs = 7

// RawSyscall is the unprocessed register state observed at a syscall entry
// or exit stop.
type RawSyscall struct {
	No     uint64
	Args   [MaxArgs]uint64
	Retval uint64
	Errno  uint64
}

// Direction records whether the kernel reads, writes, or both at a
// pointer-valued argument. It governs whether the decoder runs at entry,
// exit, or both.
type Direction string

const (
	In    Direction = "in"
	Out   Direction = "out"
	InOut Direction = "inout"
)

// ReadsAtEntry reports whether a value with this direction must be decoded
// while processing the entry stop.
func (d Direction) ReadsAtEntry() bool { return d == In || d == InOut }

// ReadsAtExit reports whether a value with this direction must be decoded
// while processing the exit stop.
func (d Direction) ReadsAtExit() bool { return d == Out || d == InOut }

// Kind tags the variant held by an ArgValue.
type Kind string

const (
	KindInteger    Kind = "integer"
	KindFd         Kind = "fd"
	KindSize       Kind = "size"
	KindOffset     Kind = "offset"
	KindFlag       Kind = "flag"
	KindProtection Kind = "protection"
	KindSignal     Kind = "signal"
	KindAddress    Kind = "address"
	KindBuffer     Kind = "buffer"
	KindNullBuffer Kind = "nullbuffer"
	KindArray      Kind = "array"
	KindStruct     Kind = "struct"
)

// ArgValue is a tagged value decoded from one positional syscall argument.
// Only the fields relevant to Kind are meaningful; the rest are zero.
//
// Scalar kinds (Integer, Fd, Size, Offset, Flag, Protection, Signal) use
// only Scalar. Pointer-bearing kinds use Address/Size/Direction/Content
// as documented per kind below.
type ArgValue struct {
	Kind Kind

	// Scalar holds the value for scalar kinds. For Offset and Signal the
	// caller is expected to reinterpret the bit pattern (int64, uint8).
	Scalar uint64

	// Address is the raw tracee pointer for Address, Buffer, NullBuffer,
	// Array, and Struct.
	Address uint64

	// Direction applies to Address, Buffer, NullBuffer, Array, and Struct.
	Direction Direction

	// Size is the declared or dependent byte length for Buffer and Struct,
	// and the per-element size for Array.
	Size uint64

	// ElementCount is the number of elements for Array.
	ElementCount uint64

	// Name is the declared type name for Struct ("stat", "timespec", ...).
	Name string

	// Content holds the bytes read from tracee memory for Buffer,
	// NullBuffer, Array, and Struct. Empty when decoding failed or the
	// value has not yet been dereferenced (e.g. an Out-only buffer before
	// the exit stop).
	Content []byte

	// Truncated is set when Content was capped below the value's true
	// size, either by a decoder ceiling or a decode failure.
	Truncated bool
}

// Syscall is a single entry/exit pair of a traced call, along with its
// decoded arguments and the decision the filter attached to it.
type Syscall struct {
	Raw  RawSyscall
	Name string

	// Args holds one decoded value per schema position; positions beyond
	// the schema length, or whose decode has not yet run, are nil.
	Args [MaxArgs]*ArgValue

	EntryDecoded bool
	ExitDecoded  bool

	Decision *Decision
}

// Decision is the filter's verdict for one call.
type Decision string

const (
	Continue     Decision = "continue"
	ForwardEntry Decision = "forward_entry"
	ForwardExit  Decision = "forward_exit"
	InspectExit  Decision = "inspect_exit"
	LogLocal     Decision = "log_local"
	NoExec       Decision = "no_exec"
	Kill         Decision = "kill"
)

// Validate checks that ExitDecoded implies EntryDecoded. It does not check
// Name: an entry-decoded call whose number the architecture descriptor
// does not know keeps an empty Name by design, and this package has no
// descriptor to tell the two cases apart.
func (s *Syscall) Validate() error {
	if s.ExitDecoded && !s.EntryDecoded {
		return fmt.Errorf("syscallrec: exit_decoded without entry_decoded for syscall no=%d", s.Raw.No)
	}
	return nil
}

// errnoThreshold is ulong(-4096): Linux syscall return values in
// [-4096, -1] (as unsigned two's complement) encode -errno.
const errnoThreshold = ^uint64(0) - 4095

// SplitReturn interprets raw as an x86-64-convention return value, yielding
// a (retval, errno) pair where at most one is non-zero.
func SplitReturn(raw uint64) (retval uint64, errno uint64) {
	if raw >= errnoThreshold {
		return 0, ^raw + 1
	}
	return raw, 0
}
