package arch

import "github.com/tripwire/sysbridge/internal/syscallrec"

// x86_64 registers used by RegisterFile, named exactly as the kernel's
// struct user_regs_struct fields so that a backend's register snapshot can
// be copied in verbatim.
const (
	regOrigRax = "orig_rax"
	regRax     = "rax"
	regRdi     = "rdi"
	regRsi     = "rsi"
	regRdx     = "rdx"
	regR10     = "r10"
	regR8      = "r8"
	regR9      = "r9"
)

// invalidSyscallNo is written into orig_rax to suppress kernel execution of
// the pending call (spec §4.5 "Suppression mechanism"): the kernel rejects
// it with ENOSYS without running the real syscall.
const invalidSyscallNo = ^uint64(0) // -1 as uint64

// X8664 is the architecture descriptor for Linux/x86-64. It is built once
// at package init from a static, declarative table (per DESIGN NOTES §9:
// "the huge match is a data table in disguise") and is immutable
// thereafter.
var X8664 Descriptor = &x8664{
	byNo:   buildByNo(),
	byName: buildByName(),
}

type x8664 struct {
	byNo   map[uint64]SyscallDef
	byName map[string]uint64
}

func (a *x8664) SyscallName(no uint64) (string, bool) {
	d, ok := a.byNo[no]
	if !ok {
		return "", false
	}
	return d.Name, true
}

func (a *x8664) SyscallNo(name string) (uint64, bool) {
	no, ok := a.byName[name]
	return no, ok
}

func (a *x8664) ArgumentSchema(no uint64) []ArgKind {
	d, ok := a.byNo[no]
	if !ok {
		return nil
	}
	return d.Schema
}

func (a *x8664) WordSize() int { return 8 }

// RegisterToRaw implements spec §4.2's x86-64 convention: syscall number in
// orig_rax; arguments in rdi, rsi, rdx, r10, r8, r9; return value in rax; a
// negative rax in [-4096,-1] encodes errno.
func (a *x8664) RegisterToRaw(regs RegisterFile) syscallrec.RawSyscall {
	var raw syscallrec.RawSyscall
	raw.No = regs.Get(regOrigRax)
	raw.Args[0] = regs.Get(regRdi)
	raw.Args[1] = regs.Get(regRsi)
	raw.Args[2] = regs.Get(regRdx)
	raw.Args[3] = regs.Get(regR10)
	raw.Args[4] = regs.Get(regR8)
	raw.Args[5] = regs.Get(regR9)
	raw.Retval, raw.Errno = syscallrec.SplitReturn(regs.Get(regRax))
	return raw
}

// RawToRegister is the inverse mapping used when the tracer overwrites a
// tracee's registers: it restores the argument registers, rewrites
// orig_rax (e.g. to invalidSyscallNo for suppression, or back to raw.No),
// and encodes raw.Retval/raw.Errno into rax.
func (a *x8664) RawToRegister(raw syscallrec.RawSyscall, regs RegisterFile) RegisterFile {
	regs = regs.Set(regOrigRax, raw.No)
	regs = regs.Set(regRdi, raw.Args[0])
	regs = regs.Set(regRsi, raw.Args[1])
	regs = regs.Set(regRdx, raw.Args[2])
	regs = regs.Set(regR10, raw.Args[3])
	regs = regs.Set(regR8, raw.Args[4])
	regs = regs.Set(regR9, raw.Args[5])

	if raw.Errno != 0 {
		regs = regs.Set(regRax, ^raw.Errno+1)
	} else {
		regs = regs.Set(regRax, raw.Retval)
	}
	return regs
}

// SuppressEntry returns a copy of regs with orig_rax rewritten to an
// invalid syscall number, per spec §4.5: NoExec and the suppressed half of
// ForwardEntry both resume the tracee this way so the kernel returns
// ENOSYS without running the real call.
func SuppressEntry(regs RegisterFile) RegisterFile {
	return regs.Set(regOrigRax, invalidSyscallNo)
}

func buildByNo() map[uint64]SyscallDef {
	m := make(map[uint64]SyscallDef, len(syscallTable))
	for _, d := range syscallTable {
		m[d.No] = d
	}
	return m
}

func buildByName() map[string]uint64 {
	m := make(map[string]uint64, len(syscallTable))
	for _, d := range syscallTable {
		m[d.Name] = d.No
	}
	return m
}

// syscallTable is the x86-64 syscall table subset this descriptor knows
// about, keyed by kernel syscall number; rows are not strictly sorted by
// that number, and lookups go through buildByNo. Argument schemas follow the Linux
// x86-64 calling convention documented in arch/x86/entry/syscalls/syscall_64.tbl.
var syscallTable = []SyscallDef{
	{No: 0, Name: "read", Schema: []ArgKind{
		Scalar(syscallrec.KindFd), BufferOf(syscallrec.Out, 2), Scalar(syscallrec.KindSize),
	}},
	{No: 1, Name: "write", Schema: []ArgKind{
		Scalar(syscallrec.KindFd), BufferOf(syscallrec.In, 2), Scalar(syscallrec.KindSize),
	}},
	{No: 2, Name: "open", Schema: []ArgKind{
		NullBuf(syscallrec.In), Scalar(syscallrec.KindFlag), Scalar(syscallrec.KindInteger),
	}},
	{No: 3, Name: "close", Schema: []ArgKind{Scalar(syscallrec.KindFd)}},
	{No: 4, Name: "stat", Schema: []ArgKind{
		NullBuf(syscallrec.In), Struct(syscallrec.Out, "stat", 144),
	}},
	{No: 5, Name: "fstat", Schema: []ArgKind{
		Scalar(syscallrec.KindFd), Struct(syscallrec.Out, "stat", 144),
	}},
	{No: 8, Name: "lseek", Schema: []ArgKind{
		Scalar(syscallrec.KindFd), Scalar(syscallrec.KindOffset), Scalar(syscallrec.KindInteger),
	}},
	{No: 9, Name: "mmap", Schema: []ArgKind{
		Scalar(syscallrec.KindAddress), Scalar(syscallrec.KindSize), Scalar(syscallrec.KindProtection),
		Scalar(syscallrec.KindFlag), Scalar(syscallrec.KindFd), Scalar(syscallrec.KindOffset),
	}},
	{No: 10, Name: "mprotect", Schema: []ArgKind{
		Scalar(syscallrec.KindAddress), Scalar(syscallrec.KindSize), Scalar(syscallrec.KindProtection),
	}},
	{No: 11, Name: "munmap", Schema: []ArgKind{
		Scalar(syscallrec.KindAddress), Scalar(syscallrec.KindSize),
	}},
	{No: 12, Name: "brk", Schema: []ArgKind{Scalar(syscallrec.KindAddress)}},
	{No: 13, Name: "rt_sigaction", Schema: []ArgKind{
		Scalar(syscallrec.KindSignal), Struct(syscallrec.In, "sigaction", 24), Struct(syscallrec.Out, "sigaction", 24),
	}},
	{No: 16, Name: "ioctl", Schema: []ArgKind{
		Scalar(syscallrec.KindFd), Scalar(syscallrec.KindInteger), Scalar(syscallrec.KindAddress),
	}},
	{No: 17, Name: "pread64", Schema: []ArgKind{
		Scalar(syscallrec.KindFd), BufferOf(syscallrec.Out, 2), Scalar(syscallrec.KindSize), Scalar(syscallrec.KindOffset),
	}},
	{No: 19, Name: "readv", Schema: []ArgKind{
		Scalar(syscallrec.KindFd), ArrayOf(syscallrec.Out, 2, 16), Scalar(syscallrec.KindInteger),
	}},
	{No: 20, Name: "writev", Schema: []ArgKind{
		Scalar(syscallrec.KindFd), ArrayOf(syscallrec.In, 2, 16), Scalar(syscallrec.KindInteger),
	}},
	{No: 21, Name: "access", Schema: []ArgKind{
		NullBuf(syscallrec.In), Scalar(syscallrec.KindInteger),
	}},
	{No: 22, Name: "pipe", Schema: []ArgKind{
		Buffer(syscallrec.Out, 8),
	}},
	{No: 32, Name: "dup", Schema: []ArgKind{Scalar(syscallrec.KindFd)}},
	{No: 33, Name: "dup2", Schema: []ArgKind{Scalar(syscallrec.KindFd), Scalar(syscallrec.KindFd)}},
	{No: 35, Name: "nanosleep", Schema: []ArgKind{
		Struct(syscallrec.In, "timespec", 16), Struct(syscallrec.Out, "timespec", 16),
	}},
	{No: 39, Name: "getpid", Schema: nil},
	{No: 41, Name: "socket", Schema: []ArgKind{
		Scalar(syscallrec.KindInteger), Scalar(syscallrec.KindInteger), Scalar(syscallrec.KindInteger),
	}},
	{No: 42, Name: "connect", Schema: []ArgKind{
		Scalar(syscallrec.KindFd), BufferOf(syscallrec.In, 2), Scalar(syscallrec.KindSize),
	}},
	{No: 43, Name: "accept", Schema: []ArgKind{
		Scalar(syscallrec.KindFd), BufferOf(syscallrec.Out, 2), Scalar(syscallrec.KindSize),
	}},
	{No: 44, Name: "sendto", Schema: []ArgKind{
		Scalar(syscallrec.KindFd), BufferOf(syscallrec.In, 2), Scalar(syscallrec.KindSize),
		Scalar(syscallrec.KindFlag), BufferOf(syscallrec.In, 5), Scalar(syscallrec.KindSize),
	}},
	{No: 45, Name: "recvfrom", Schema: []ArgKind{
		Scalar(syscallrec.KindFd), BufferOf(syscallrec.Out, 2), Scalar(syscallrec.KindSize),
		Scalar(syscallrec.KindFlag), BufferOf(syscallrec.Out, 5), Scalar(syscallrec.KindSize),
	}},
	{No: 49, Name: "bind", Schema: []ArgKind{
		Scalar(syscallrec.KindFd), BufferOf(syscallrec.In, 2), Scalar(syscallrec.KindSize),
	}},
	{No: 50, Name: "listen", Schema: []ArgKind{
		Scalar(syscallrec.KindFd), Scalar(syscallrec.KindInteger),
	}},
	{No: 53, Name: "socketpair", Schema: []ArgKind{
		Scalar(syscallrec.KindInteger), Scalar(syscallrec.KindInteger), Scalar(syscallrec.KindInteger), Buffer(syscallrec.Out, 8),
	}},
	{No: 54, Name: "setsockopt", Schema: []ArgKind{
		Scalar(syscallrec.KindFd), Scalar(syscallrec.KindInteger), Scalar(syscallrec.KindInteger),
		BufferOf(syscallrec.In, 4), Scalar(syscallrec.KindSize),
	}},
	{No: 55, Name: "getsockopt", Schema: []ArgKind{
		Scalar(syscallrec.KindFd), Scalar(syscallrec.KindInteger), Scalar(syscallrec.KindInteger),
		BufferOf(syscallrec.Out, 4), Scalar(syscallrec.KindSize),
	}},
	{No: 56, Name: "clone", Schema: []ArgKind{
		Scalar(syscallrec.KindFlag), Scalar(syscallrec.KindAddress), Scalar(syscallrec.KindAddress),
		Scalar(syscallrec.KindAddress), Scalar(syscallrec.KindAddress),
	}},
	{No: 57, Name: "fork", Schema: nil},
	{No: 59, Name: "execve", Schema: []ArgKind{
		NullBuf(syscallrec.In), ArrayOf(syscallrec.In, -1, 8), ArrayOf(syscallrec.In, -1, 8),
	}},
	{No: 60, Name: "exit", Schema: []ArgKind{Scalar(syscallrec.KindInteger)}},
	{No: 61, Name: "wait4", Schema: []ArgKind{
		Scalar(syscallrec.KindInteger), Buffer(syscallrec.Out, 4), Scalar(syscallrec.KindFlag), Scalar(syscallrec.KindAddress),
	}},
	{No: 62, Name: "kill", Schema: []ArgKind{
		Scalar(syscallrec.KindInteger), Scalar(syscallrec.KindSignal),
	}},
	{No: 63, Name: "uname", Schema: []ArgKind{
		Struct(syscallrec.Out, "utsname", 390),
	}},
	{No: 72, Name: "fcntl", Schema: []ArgKind{
		Scalar(syscallrec.KindFd), Scalar(syscallrec.KindInteger), Scalar(syscallrec.KindInteger),
	}},
	{No: 79, Name: "getcwd", Schema: []ArgKind{
		BufferOf(syscallrec.Out, 1), Scalar(syscallrec.KindSize),
	}},
	{No: 80, Name: "chdir", Schema: []ArgKind{NullBuf(syscallrec.In)}},
	{No: 82, Name: "rename", Schema: []ArgKind{
		NullBuf(syscallrec.In), NullBuf(syscallrec.In),
	}},
	{No: 83, Name: "mkdir", Schema: []ArgKind{
		NullBuf(syscallrec.In), Scalar(syscallrec.KindInteger),
	}},
	{No: 84, Name: "rmdir", Schema: []ArgKind{NullBuf(syscallrec.In)}},
	{No: 87, Name: "unlink", Schema: []ArgKind{NullBuf(syscallrec.In)}},
	{No: 89, Name: "readlink", Schema: []ArgKind{
		NullBuf(syscallrec.In), BufferOf(syscallrec.Out, 2), Scalar(syscallrec.KindSize),
	}},
	{No: 90, Name: "chmod", Schema: []ArgKind{
		NullBuf(syscallrec.In), Scalar(syscallrec.KindInteger),
	}},
	{No: 92, Name: "chown", Schema: []ArgKind{
		NullBuf(syscallrec.In), Scalar(syscallrec.KindInteger), Scalar(syscallrec.KindInteger),
	}},
	{No: 96, Name: "gettimeofday", Schema: []ArgKind{
		Struct(syscallrec.Out, "timeval", 16), Struct(syscallrec.Out, "timezone", 8),
	}},
	{No: 102, Name: "getuid", Schema: nil},
	{No: 104, Name: "getgid", Schema: nil},
	{No: 107, Name: "geteuid", Schema: nil},
	{No: 108, Name: "getegid", Schema: nil},
	{No: 158, Name: "arch_prctl", Schema: []ArgKind{
		Scalar(syscallrec.KindInteger), Scalar(syscallrec.KindAddress),
	}},
	{No: 202, Name: "futex", Schema: []ArgKind{
		Scalar(syscallrec.KindAddress), Scalar(syscallrec.KindInteger), Scalar(syscallrec.KindInteger),
		Scalar(syscallrec.KindAddress), Scalar(syscallrec.KindAddress), Scalar(syscallrec.KindInteger),
	}},
	{No: 213, Name: "epoll_create", Schema: []ArgKind{Scalar(syscallrec.KindInteger)}},
	{No: 221, Name: "fadvise64", Schema: []ArgKind{
		Scalar(syscallrec.KindFd), Scalar(syscallrec.KindOffset), Scalar(syscallrec.KindSize), Scalar(syscallrec.KindInteger),
	}},
	{No: 228, Name: "clock_gettime", Schema: []ArgKind{
		Scalar(syscallrec.KindInteger), Struct(syscallrec.Out, "timespec", 16),
	}},
	{No: 230, Name: "clock_nanosleep", Schema: []ArgKind{
		Scalar(syscallrec.KindInteger), Scalar(syscallrec.KindFlag),
		Struct(syscallrec.In, "timespec", 16), Struct(syscallrec.Out, "timespec", 16),
	}},
	{No: 231, Name: "exit_group", Schema: []ArgKind{Scalar(syscallrec.KindInteger)}},
	{No: 232, Name: "epoll_wait", Schema: []ArgKind{
		Scalar(syscallrec.KindFd), ArrayOf(syscallrec.Out, 2, 12), Scalar(syscallrec.KindInteger), Scalar(syscallrec.KindInteger),
	}},
	{No: 233, Name: "epoll_ctl", Schema: []ArgKind{
		Scalar(syscallrec.KindFd), Scalar(syscallrec.KindInteger), Scalar(syscallrec.KindFd), Struct(syscallrec.In, "epoll_event", 12),
	}},
	{No: 257, Name: "openat", Schema: []ArgKind{
		Scalar(syscallrec.KindFd), NullBuf(syscallrec.In), Scalar(syscallrec.KindFlag), Scalar(syscallrec.KindInteger),
	}},
	{No: 262, Name: "newfstatat", Schema: []ArgKind{
		Scalar(syscallrec.KindFd), NullBuf(syscallrec.In), Struct(syscallrec.Out, "stat", 144), Scalar(syscallrec.KindFlag),
	}},
	{No: 270, Name: "pselect6", Schema: nil},
	{No: 273, Name: "set_robust_list", Schema: []ArgKind{
		Scalar(syscallrec.KindAddress), Scalar(syscallrec.KindSize),
	}},
	{No: 217, Name: "getdents64", Schema: []ArgKind{
		Scalar(syscallrec.KindFd), BufferOf(syscallrec.Out, 2), Scalar(syscallrec.KindSize),
	}},
	{No: 218, Name: "set_tid_address", Schema: []ArgKind{Scalar(syscallrec.KindAddress)}},
	{No: 257 + 1, Name: "mkdirat", Schema: []ArgKind{
		Scalar(syscallrec.KindFd), NullBuf(syscallrec.In), Scalar(syscallrec.KindInteger),
	}},
	{No: 293, Name: "pipe2", Schema: []ArgKind{
		Buffer(syscallrec.Out, 8), Scalar(syscallrec.KindFlag),
	}},
	{No: 302, Name: "prlimit64", Schema: []ArgKind{
		Scalar(syscallrec.KindInteger), Scalar(syscallrec.KindInteger),
		Struct(syscallrec.In, "rlimit64", 16), Struct(syscallrec.Out, "rlimit64", 16),
	}},
	{No: 318, Name: "getrandom", Schema: []ArgKind{
		BufferOf(syscallrec.Out, 1), Scalar(syscallrec.KindSize), Scalar(syscallrec.KindFlag),
	}},
	{No: 332, Name: "statx", Schema: []ArgKind{
		Scalar(syscallrec.KindFd), NullBuf(syscallrec.In), Scalar(syscallrec.KindFlag),
		Scalar(syscallrec.KindInteger), Struct(syscallrec.Out, "statx", 256),
	}},
}
