package decoder

import (
	"testing"

	"github.com/tripwire/sysbridge/internal/arch"
	"github.com/tripwire/sysbridge/internal/backend"
	"github.com/tripwire/sysbridge/internal/syscallrec"
)

func TestDecodeEntryNullBuffer(t *testing.T) {
	be := backend.NewFakeBackend(1, map[uint64][]byte{
		0x1000: []byte("/etc/passwd\x00"),
	})
	d := New(arch.X8664, be)

	s := &syscallrec.Syscall{Raw: syscallrec.RawSyscall{No: 2, Args: [syscallrec.MaxArgs]uint64{0x1000, 0, 0}}}
	d.DecodeEntry(s)

	if s.Name != "open" {
		t.Fatalf("Name = %q, want open", s.Name)
	}
	if s.Args[0] == nil || string(s.Args[0].Content) != "/etc/passwd" {
		t.Fatalf("Args[0] = %+v, want content /etc/passwd", s.Args[0])
	}
	if s.Args[0].Truncated {
		t.Error("unexpected truncation on a short string")
	}
}

func TestDecodeEntryUnknownSyscall(t *testing.T) {
	be := backend.NewFakeBackend(1, nil)
	d := New(arch.X8664, be)
	s := &syscallrec.Syscall{Raw: syscallrec.RawSyscall{No: 999999}}
	d.DecodeEntry(s)
	if s.Name != "" {
		t.Errorf("Name = %q, want empty for unknown syscall", s.Name)
	}
	if !s.EntryDecoded {
		t.Error("EntryDecoded should still be set for an unknown syscall")
	}
	for i, a := range s.Args {
		if a != nil {
			t.Errorf("Args[%d] = %+v, want nil for unknown syscall", i, a)
		}
	}
}

func TestDecodeExitWriteBuffer(t *testing.T) {
	be := backend.NewFakeBackend(1, map[uint64][]byte{
		0x2000: []byte("payload-bytes"),
	})
	d := New(arch.X8664, be)
	// write(fd=3, buf=0x2000, count=13)
	s := &syscallrec.Syscall{Raw: syscallrec.RawSyscall{No: 1, Args: [syscallrec.MaxArgs]uint64{3, 0x2000, 13}}}
	d.DecodeEntry(s)
	d.DecodeExit(s)

	if s.Args[1] == nil || string(s.Args[1].Content) != "payload-bytes" {
		t.Fatalf("Args[1] = %+v, want payload-bytes", s.Args[1])
	}
}

func TestDecodeOutOnlyBufferDeferredUntilExit(t *testing.T) {
	be := backend.NewFakeBackend(1, map[uint64][]byte{
		0x3000: []byte("filled-at-exit"),
	})
	d := New(arch.X8664, be)
	// read(fd=3, buf=0x3000, count=14): Out direction, should not be
	// dereferenced at entry.
	s := &syscallrec.Syscall{Raw: syscallrec.RawSyscall{No: 0, Args: [syscallrec.MaxArgs]uint64{3, 0x3000, 14}}}
	d.DecodeEntry(s)
	if s.Args[1] == nil || len(s.Args[1].Content) != 0 {
		t.Fatalf("Args[1] at entry = %+v, want empty content", s.Args[1])
	}
	if s.Args[1].Address != 0x3000 {
		t.Errorf("Args[1].Address = %#x, want 0x3000", s.Args[1].Address)
	}

	d.DecodeExit(s)
	if string(s.Args[1].Content) != "filled-at-exit" {
		t.Fatalf("Args[1] at exit = %+v, want filled-at-exit", s.Args[1])
	}
}

func TestDecodeNullBufferTruncatesAtLimit(t *testing.T) {
	be := backend.NewFakeBackend(1, map[uint64][]byte{
		0x4000: make([]byte, 8192), // no NUL anywhere, all zero bytes overwritten below
	})
	// Overwrite with a long run of 'a' and no NUL terminator within the
	// default 4 KiB string cap.
	long := make([]byte, 8192)
	for i := range long {
		long[i] = 'a'
	}
	be.WriteMemory(0x4000, long)

	d := New(arch.X8664, be)
	s := &syscallrec.Syscall{Raw: syscallrec.RawSyscall{No: 2, Args: [syscallrec.MaxArgs]uint64{0x4000}}}
	d.DecodeEntry(s)

	if !s.Args[0].Truncated {
		t.Error("expected truncation past MaxString")
	}
	if len(s.Args[0].Content) != DefaultLimits.MaxString {
		t.Errorf("Content length = %d, want %d", len(s.Args[0].Content), DefaultLimits.MaxString)
	}
}

func TestDecodeNullAddressSkipsRead(t *testing.T) {
	be := backend.NewFakeBackend(1, nil)
	d := New(arch.X8664, be)
	s := &syscallrec.Syscall{Raw: syscallrec.RawSyscall{No: 80, Args: [syscallrec.MaxArgs]uint64{0}}}
	d.DecodeEntry(s)
	if s.Args[0].Address != 0 || s.Args[0].Content != nil {
		t.Fatalf("NULL pointer arg should decode to empty content, got %+v", s.Args[0])
	}
}

func TestDecodeBadAddressIsTruncatedNotFatal(t *testing.T) {
	be := backend.NewFakeBackend(1, nil) // nothing mapped
	d := New(arch.X8664, be)
	s := &syscallrec.Syscall{Raw: syscallrec.RawSyscall{No: 1, Args: [syscallrec.MaxArgs]uint64{3, 0xdeadbeef, 16}}}
	d.DecodeEntry(s)
	if s.Args[1] == nil {
		t.Fatal("expected a non-nil ArgValue even on decode failure")
	}
	if !s.Args[1].Truncated {
		t.Error("expected Truncated true for an unreadable address")
	}
}
