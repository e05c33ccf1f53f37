package arch

import (
	"testing"

	"github.com/tripwire/sysbridge/internal/syscallrec"
)

func TestX8664SyscallLookup(t *testing.T) {
	name, ok := X8664.SyscallName(0)
	if !ok || name != "read" {
		t.Fatalf("SyscallName(0) = %q, %v; want read, true", name, ok)
	}
	no, ok := X8664.SyscallNo("openat")
	if !ok || no != 257 {
		t.Fatalf("SyscallNo(openat) = %d, %v; want 257, true", no, ok)
	}
	if _, ok := X8664.SyscallName(999999); ok {
		t.Fatal("SyscallName(999999) should be unknown")
	}
}

func TestX8664ArgumentSchema(t *testing.T) {
	schema := X8664.ArgumentSchema(1) // write
	if len(schema) != 3 {
		t.Fatalf("write schema length = %d, want 3", len(schema))
	}
	if schema[0].Kind != syscallrec.KindFd {
		t.Errorf("write arg0 kind = %v, want fd", schema[0].Kind)
	}
	if schema[1].Kind != syscallrec.KindBuffer || !schema[1].DependentSize || schema[1].SizeArgIndex != 2 {
		t.Errorf("write arg1 = %+v, want dependent buffer sized by arg2", schema[1])
	}

	if X8664.ArgumentSchema(424242) != nil {
		t.Error("unknown syscall should have nil schema")
	}
}

func TestX8664WordSize(t *testing.T) {
	if X8664.WordSize() != 8 {
		t.Fatalf("WordSize() = %d, want 8", X8664.WordSize())
	}
}

func TestX8664RegisterRoundTrip(t *testing.T) {
	regs := RegisterFile{}.
		Set(regOrigRax, 1).
		Set(regRdi, 3).
		Set(regRsi, 0x7fff0000).
		Set(regRdx, 12).
		Set(regR10, 0).
		Set(regR8, 0).
		Set(regR9, 0).
		Set(regRax, ^uint64(9)+1) // -9 == EBADF

	raw := X8664.RegisterToRaw(regs)
	if raw.No != 1 || raw.Args[0] != 3 || raw.Args[1] != 0x7fff0000 || raw.Args[2] != 12 {
		t.Fatalf("RegisterToRaw mismatch: %+v", raw)
	}
	if raw.Retval != 0 || raw.Errno != 9 {
		t.Fatalf("RegisterToRaw retval/errno = %d/%d, want 0/9", raw.Retval, raw.Errno)
	}

	back := X8664.RawToRegister(raw, RegisterFile{})
	if back.Get(regOrigRax) != 1 || back.Get(regRdi) != 3 {
		t.Fatalf("RawToRegister did not restore args: %+v", back)
	}
	if back.Get(regRax) != regs.Get(regRax) {
		t.Errorf("RawToRegister rax = %#x, want %#x", back.Get(regRax), regs.Get(regRax))
	}
}

func TestSuppressEntry(t *testing.T) {
	regs := RegisterFile{}.Set(regOrigRax, 59) // execve
	suppressed := SuppressEntry(regs)
	if suppressed.Get(regOrigRax) != invalidSyscallNo {
		t.Fatalf("SuppressEntry orig_rax = %#x, want %#x", suppressed.Get(regOrigRax), invalidSyscallNo)
	}
	if regs.Get(regOrigRax) != 59 {
		t.Fatal("SuppressEntry must not mutate its input")
	}
}
