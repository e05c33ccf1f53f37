// Package arch provides the architecture descriptor: the syscall
// number↔name table, per-syscall argument schema, and the ABI-specific
// mapping between register files and RawSyscall. A Descriptor is immutable
// after construction and safe to share across all tracee workers.
package arch

import "github.com/tripwire/sysbridge/internal/syscallrec"

// ArgKind describes the positional shape of one syscall argument. It
// mirrors syscallrec.Kind for the scalar and fixed-size pointer variants,
// and adds the two dependent forms whose size/length comes from a sibling
// argument rather than being fixed.
type ArgKind struct {
	Kind syscallrec.Kind

	// Direction applies to pointer-bearing kinds; zero value for scalars.
	Direction syscallrec.Direction

	// Name is the declared struct type name, used only when Kind is
	// syscallrec.KindStruct.
	Name string

	// FixedSize is the declared byte size for syscallrec.KindStruct and
	// syscallrec.KindBuffer when the size is not dependent on another
	// argument (0 means "use SizeArg"/"unknown").
	FixedSize uint64

	// SizeArgIndex, when DependentSize is true, names the argument index
	// whose scalar value is the byte count for a BufferOf schema entry.
	DependentSize bool
	SizeArgIndex  int

	// DependentArray, when true, makes this schema entry an ArrayOf: the
	// element count comes from CountArgIndex and ElementSize is the
	// per-element byte size.
	DependentArray bool
	CountArgIndex  int
	ElementSize    uint64
}

// Buffer returns a fixed-size KindBuffer schema entry.
func Buffer(dir syscallrec.Direction, size uint64) ArgKind {
	return ArgKind{Kind: syscallrec.KindBuffer, Direction: dir, FixedSize: size}
}

// BufferOf returns a dependent-size KindBuffer schema entry whose length is
// the scalar value of argument sizeArgIndex at decode time.
func BufferOf(dir syscallrec.Direction, sizeArgIndex int) ArgKind {
	return ArgKind{Kind: syscallrec.KindBuffer, Direction: dir, DependentSize: true, SizeArgIndex: sizeArgIndex}
}

// ArrayOf returns a dependent-length KindArray schema entry whose element
// count is the scalar value of argument countArgIndex.
func ArrayOf(dir syscallrec.Direction, countArgIndex int, elementSize uint64) ArgKind {
	return ArgKind{Kind: syscallrec.KindArray, Direction: dir, DependentArray: true, CountArgIndex: countArgIndex, ElementSize: elementSize}
}

// NullBuf returns a NUL-terminated-string schema entry.
func NullBuf(dir syscallrec.Direction) ArgKind {
	return ArgKind{Kind: syscallrec.KindNullBuffer, Direction: dir}
}

// Struct returns a fixed-size opaque-record schema entry.
func Struct(dir syscallrec.Direction, name string, size uint64) ArgKind {
	return ArgKind{Kind: syscallrec.KindStruct, Direction: dir, Name: name, FixedSize: size}
}

// Scalar returns a plain scalar schema entry (Integer, Fd, Size, Offset,
// Flag, Protection, or Signal).
func Scalar(kind syscallrec.Kind) ArgKind {
	return ArgKind{Kind: kind}
}

// SyscallDef is one row of the architecture's syscall table.
type SyscallDef struct {
	No     uint64
	Name   string
	Schema []ArgKind
}

// Descriptor exposes the syscall table and ABI conventions for one target
// architecture. Implementations are process-wide, immutable after
// construction, and safe for concurrent use by every tracee worker.
type Descriptor interface {
	// SyscallName returns the name for no, and false if no is unknown.
	SyscallName(no uint64) (string, bool)

	// SyscallNo returns the number for name, and false if name is unknown.
	SyscallNo(name string) (uint64, bool)

	// ArgumentSchema returns the positional argument kinds for no. The
	// returned slice has length <= syscallrec.MaxArgs and must not be
	// mutated by callers. Returns nil if no is unknown.
	ArgumentSchema(no uint64) []ArgKind

	// RegisterToRaw extracts a RawSyscall from a register snapshot per this
	// architecture's calling convention.
	RegisterToRaw(regs RegisterFile) syscallrec.RawSyscall

	// RawToRegister applies raw onto regs per this architecture's calling
	// convention, returning the updated register file.
	RawToRegister(raw syscallrec.RawSyscall, regs RegisterFile) RegisterFile

	// WordSize is the native word size in bytes used for memory-write
	// alignment (see spec Open Question 1: writes must be word-sized per
	// the descriptor, not hardcoded to 4 bytes).
	WordSize() int
}

// RegisterFile is an architecture-neutral bag of register values. Backends
// populate it from the OS-specific register struct; descriptors interpret
// named fields relevant to their own ABI.
type RegisterFile struct {
	// Generic holds every register this architecture cares about, keyed by
	// its ABI name ("rax", "rdi", "orig_rax", ...). Backends and
	// descriptors agree on key names out of band; this package never
	// inspects the map itself.
	Generic map[string]uint64
}

// Get returns the named register, or 0 if unset.
func (r RegisterFile) Get(name string) uint64 {
	if r.Generic == nil {
		return 0
	}
	return r.Generic[name]
}

// Set returns a copy of r with name set to value.
func (r RegisterFile) Set(name string, value uint64) RegisterFile {
	out := RegisterFile{Generic: make(map[string]uint64, len(r.Generic)+1)}
	for k, v := range r.Generic {
		out.Generic[k] = v
	}
	out.Generic[name] = value
	return out
}
