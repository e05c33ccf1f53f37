// Package decoder turns a RawSyscall plus its architecture schema into
// decoded ArgValues, dereferencing tracee memory through a backend.Backend.
// Decoding never aborts or mutates the call underway: a failed
// dereference is recorded as a truncated, empty ArgValue rather than
// propagated as a fatal error (spec §4.3 "never-abort-the-call").
package decoder

import (
	"os"

	"github.com/tripwire/sysbridge/internal/arch"
	"github.com/tripwire/sysbridge/internal/backend"
	"github.com/tripwire/sysbridge/internal/syscallrec"
)

// Limits bounds how much tracee memory the decoder will copy out per
// argument, to keep a single pathological call from ballooning memory or
// the datagram it eventually rides in.
type Limits struct {
	// MaxString caps a NUL-terminated string read, matching the datagram
	// budget described in spec §4.7.
	MaxString int
	// MaxBuffer caps a dependent- or fixed-size buffer/array/struct read.
	MaxBuffer int
}

// DefaultLimits caps each read at 4 KiB per string and 16 KiB per
// buffer/array/struct; other values are set through WithLimits. A syscall
// with two dependent-size buffer arguments
// (sendto/recvfrom's data and optional sockaddr, say) base64-encodes to
// well under dataplane.MaxDatagramSize, so the decoder's own Truncated
// flag is what actually enforces the datagram budget, not a send-time
// failure.
var DefaultLimits = Limits{
	MaxString: 4096,
	MaxBuffer: 16 * 1024,
}

// Decoder decodes syscall arguments for one architecture against one
// backend. It holds no per-call state and is safe to reuse across an
// entire tracee's lifetime.
type Decoder struct {
	desc   arch.Descriptor
	be     backend.Backend
	limits Limits
}

// New returns a Decoder bound to desc and be, using DefaultLimits.
func New(desc arch.Descriptor, be backend.Backend) *Decoder {
	return &Decoder{desc: desc, be: be, limits: DefaultLimits}
}

// WithLimits returns a copy of d using limits instead of DefaultLimits.
func (d *Decoder) WithLimits(limits Limits) *Decoder {
	return &Decoder{desc: d.desc, be: d.be, limits: limits}
}

// DecodeEntry resolves s.Name from the architecture table and decodes
// every In/InOut argument, populating s.Args and setting s.EntryDecoded.
// Syscall numbers the descriptor does not recognize leave Name empty and
// every Args slot nil; EntryDecoded is still set so the state machine can
// advance.
func (d *Decoder) DecodeEntry(s *syscallrec.Syscall) {
	name, ok := d.desc.SyscallName(s.Raw.No)
	if ok {
		s.Name = name
	}
	schema := d.desc.ArgumentSchema(s.Raw.No)
	for i, ak := range schema {
		if i >= syscallrec.MaxArgs {
			break
		}
		if !ak.Direction.ReadsAtEntry() && !isScalarKind(ak.Kind) {
			// Out-only pointer args are not dereferenced until exit; still
			// record their address so callers can see where the syscall
			// will write.
			s.Args[i] = d.addressOnly(ak, s.Raw.Args[i])
			continue
		}
		s.Args[i] = d.decodeOne(ak, s.Raw, i)
	}
	s.EntryDecoded = true
}

// DecodeExit completes Out/InOut argument decoding once the syscall has
// returned, using s.Raw.Args (addresses do not change between entry and
// exit) together with a possibly-now-available dependent size (e.g.
// getcwd's return value is itself the buffer length on some variants,
// but the common case keys off a sibling argument, which is already
// final at entry). It leaves already-decoded In-only arguments untouched.
func (d *Decoder) DecodeExit(s *syscallrec.Syscall) {
	if !s.EntryDecoded {
		d.DecodeEntry(s)
	}
	schema := d.desc.ArgumentSchema(s.Raw.No)
	for i, ak := range schema {
		if i >= syscallrec.MaxArgs {
			break
		}
		if !ak.Direction.ReadsAtExit() {
			continue
		}
		s.Args[i] = d.decodeOne(ak, s.Raw, i)
	}
	s.ExitDecoded = true
}

func isScalarKind(k syscallrec.Kind) bool {
	switch k {
	case syscallrec.KindInteger, syscallrec.KindFd, syscallrec.KindSize, syscallrec.KindOffset,
		syscallrec.KindFlag, syscallrec.KindProtection, syscallrec.KindSignal:
		return true
	}
	return false
}

func (d *Decoder) addressOnly(ak arch.ArgKind, raw uint64) *syscallrec.ArgValue {
	return &syscallrec.ArgValue{Kind: ak.Kind, Address: raw, Direction: ak.Direction}
}

func (d *Decoder) decodeOne(ak arch.ArgKind, raw syscallrec.RawSyscall, idx int) *syscallrec.ArgValue {
	val := raw.Args[idx]
	if isScalarKind(ak.Kind) {
		return &syscallrec.ArgValue{Kind: ak.Kind, Scalar: val}
	}
	switch ak.Kind {
	case syscallrec.KindAddress:
		return &syscallrec.ArgValue{Kind: ak.Kind, Address: val, Direction: ak.Direction}
	case syscallrec.KindNullBuffer:
		return d.decodeNullBuffer(val, ak.Direction)
	case syscallrec.KindBuffer:
		size := ak.FixedSize
		approx := false
		if ak.DependentSize {
			size, approx = sizeFromSibling(raw, ak.SizeArgIndex)
		}
		return d.decodeBuffer(val, size, ak.Direction, approx)
	case syscallrec.KindArray:
		count, approx := sizeFromSibling(raw, ak.CountArgIndex)
		return d.decodeArray(val, count, ak.ElementSize, ak.Direction, approx)
	case syscallrec.KindStruct:
		return d.decodeStruct(val, ak.Name, ak.FixedSize, ak.Direction)
	default:
		return &syscallrec.ArgValue{Kind: ak.Kind}
	}
}

// ceilingCount is the element/byte count substituted when a schema entry
// cannot express its real size at decode time, e.g. execve's NUL-terminated
// argv/envp pointer arrays, whose true length requires walking tracee
// memory rather than reading a sibling register. Reading up to this many
// entries and flagging the result truncated beats recording an empty,
// unflagged array.
const ceilingCount = 64

// sizeFromSibling reads a dependent size/count from another positional
// argument, returning the approximate flag the caller must OR into
// Truncated. idx < 0 is the schema's "no sibling carries this length"
// convention; it returns ceilingCount with approx=true rather than 0.
func sizeFromSibling(raw syscallrec.RawSyscall, idx int) (size uint64, approx bool) {
	if idx < 0 {
		return ceilingCount, true
	}
	if idx >= syscallrec.MaxArgs {
		return 0, false
	}
	return raw.Args[idx], false
}

// decodeNullBuffer reads a NUL-terminated string in page-sized chunks,
// grounded on the page-chunked read-then-scan-for-NUL discipline: read one
// page-sized chunk starting at addr (chunks are not aligned to page
// boundaries), look for a terminator, and read the next chunk if none was
// found, up to MaxString bytes total.
func (d *Decoder) decodeNullBuffer(addr uint64, dir syscallrec.Direction) *syscallrec.ArgValue {
	av := &syscallrec.ArgValue{Kind: syscallrec.KindNullBuffer, Address: addr, Direction: dir}
	if addr == 0 {
		return av
	}
	pageSize := uint64(os.Getpagesize())
	if pageSize == 0 {
		pageSize = 4096
	}
	max := uint64(d.limits.MaxString)
	var content []byte
	for uint64(len(content)) < max {
		chunkSize := pageSize
		remaining := max - uint64(len(content))
		if chunkSize > remaining {
			chunkSize = remaining
		}
		chunk, err := d.be.ReadMemory(addr+uint64(len(content)), chunkSize)
		if len(chunk) == 0 && err != nil {
			av.Truncated = true
			av.Content = content
			return av
		}
		if n := indexByte(chunk, 0); n >= 0 {
			content = append(content, chunk[:n]...)
			av.Content = content
			av.Size = uint64(len(content))
			return av
		}
		content = append(content, chunk...)
		if err != nil {
			break
		}
	}
	av.Content = content
	av.Size = uint64(len(content))
	av.Truncated = true
	return av
}

func (d *Decoder) decodeBuffer(addr, size uint64, dir syscallrec.Direction, approx bool) *syscallrec.ArgValue {
	av := &syscallrec.ArgValue{Kind: syscallrec.KindBuffer, Address: addr, Size: size, Direction: dir, Truncated: approx}
	if addr == 0 || size == 0 {
		return av
	}
	readSize := size
	truncated := approx
	if readSize > uint64(d.limits.MaxBuffer) {
		readSize = uint64(d.limits.MaxBuffer)
		truncated = true
	}
	content, err := d.be.ReadMemory(addr, readSize)
	if err != nil {
		truncated = true
	}
	av.Content = content
	av.Truncated = truncated
	return av
}

func (d *Decoder) decodeArray(addr, count, elemSize uint64, dir syscallrec.Direction, approx bool) *syscallrec.ArgValue {
	av := &syscallrec.ArgValue{Kind: syscallrec.KindArray, Address: addr, ElementCount: count, Size: elemSize, Direction: dir, Truncated: approx}
	if addr == 0 || count == 0 || elemSize == 0 {
		return av
	}
	total := count * elemSize
	readSize := total
	truncated := approx
	if readSize > uint64(d.limits.MaxBuffer) {
		readSize = uint64(d.limits.MaxBuffer)
		truncated = true
	}
	content, err := d.be.ReadMemory(addr, readSize)
	if err != nil {
		truncated = true
	}
	av.Content = content
	av.Truncated = truncated
	return av
}

func (d *Decoder) decodeStruct(addr uint64, name string, size uint64, dir syscallrec.Direction) *syscallrec.ArgValue {
	av := &syscallrec.ArgValue{Kind: syscallrec.KindStruct, Address: addr, Name: name, Size: size, Direction: dir}
	if addr == 0 || size == 0 {
		return av
	}
	readSize := size
	truncated := false
	if readSize > uint64(d.limits.MaxBuffer) {
		readSize = uint64(d.limits.MaxBuffer)
		truncated = true
	}
	content, err := d.be.ReadMemory(addr, readSize)
	if err != nil {
		truncated = true
	}
	av.Content = content
	av.Truncated = truncated
	return av
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}
