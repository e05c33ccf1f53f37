package syscallrec

import (
	"encoding/json"
	"fmt"
)

// wireSyscall mirrors Syscall for JSON purposes. Args is encoded as a
// fixed-length array of nullable wireArg objects so that unset positions
// round-trip as JSON null, matching the Args [7]*ArgValue shape.
type wireSyscall struct {
	Raw          RawSyscall `json:"raw"`
	Name         string     `json:"name"`
	Args         [MaxArgs]*wireArg
	EntryDecoded bool      `json:"entry_decoded"`
	ExitDecoded  bool      `json:"exit_decoded"`
	Decision     *Decision `json:"decision,omitempty"`
}

// wireArg is the externally tagged on-wire form of ArgValue:
// {"type":"buffer","value":{...}}.
type wireArg struct {
	Type  Kind            `json:"type"`
	Value json.RawMessage `json:"value"`
}

// scalarValue is the wire shape for every scalar Kind.
type scalarValue struct {
	Value uint64 `json:"value"`
}

// addressValue is the wire shape for KindAddress.
type addressValue struct {
	Address   uint64    `json:"address"`
	Direction Direction `json:"direction"`
}

// bufferValue is the wire shape for KindBuffer and KindNullBuffer.
type bufferValue struct {
	Address   uint64    `json:"address"`
	Size      uint64    `json:"size"`
	Direction Direction `json:"direction"`
	Content   []byte    `json:"content"`
	Truncated bool      `json:"truncated"`
}

// arrayValue is the wire shape for KindArray.
type arrayValue struct {
	Address      uint64    `json:"address"`
	ElementCount uint64    `json:"element_count"`
	ElementSize  uint64    `json:"element_size"`
	Direction    Direction `json:"direction"`
	Content      []byte    `json:"content"`
	Truncated    bool      `json:"truncated"`
}

// structValue is the wire shape for KindStruct.
type structValue struct {
	Address   uint64    `json:"address"`
	Name      string    `json:"name"`
	Size      uint64    `json:"size"`
	Direction Direction `json:"direction"`
	Content   []byte    `json:"content"`
	Truncated bool      `json:"truncated"`
}

// MarshalJSON encodes s using the externally tagged variant form described
// in spec §6: {"type":"buffer","value":{"address":...,"size":...,...}}.
func (s Syscall) MarshalJSON() ([]byte, error) {
	w := wireSyscall{
		Raw:          s.Raw,
		Name:         s.Name,
		EntryDecoded: s.EntryDecoded,
		ExitDecoded:  s.ExitDecoded,
		Decision:     s.Decision,
	}
	for i, a := range s.Args {
		if a == nil {
			continue
		}
		wa, err := marshalArg(a)
		if err != nil {
			return nil, fmt.Errorf("syscallrec: marshal arg[%d]: %w", i, err)
		}
		w.Args[i] = wa
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the externally tagged wire form back into s.
func (s *Syscall) UnmarshalJSON(data []byte) error {
	var w wireSyscall
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = Syscall{
		Raw:          w.Raw,
		Name:         w.Name,
		EntryDecoded: w.EntryDecoded,
		ExitDecoded:  w.ExitDecoded,
		Decision:     w.Decision,
	}
	for i, wa := range w.Args {
		if wa == nil {
			continue
		}
		av, err := unmarshalArg(wa)
		if err != nil {
			return fmt.Errorf("syscallrec: unmarshal arg[%d]: %w", i, err)
		}
		s.Args[i] = av
	}
	return nil
}

func marshalArg(a *ArgValue) (*wireArg, error) {
	var (
		v   any
		err error
	)
	switch a.Kind {
	case KindInteger, KindFd, KindSize, KindOffset, KindFlag, KindProtection, KindSignal:
		v = scalarValue{Value: a.Scalar}
	case KindAddress:
		v = addressValue{Address: a.Address, Direction: a.Direction}
	case KindBuffer, KindNullBuffer:
		v = bufferValue{Address: a.Address, Size: a.Size, Direction: a.Direction, Content: a.Content, Truncated: a.Truncated}
	case KindArray:
		v = arrayValue{Address: a.Address, ElementCount: a.ElementCount, ElementSize: a.Size, Direction: a.Direction, Content: a.Content, Truncated: a.Truncated}
	case KindStruct:
		v = structValue{Address: a.Address, Name: a.Name, Size: a.Size, Direction: a.Direction, Content: a.Content, Truncated: a.Truncated}
	default:
		return nil, fmt.Errorf("unknown arg kind %q", a.Kind)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &wireArg{Type: a.Kind, Value: raw}, nil
}

func unmarshalArg(wa *wireArg) (*ArgValue, error) {
	av := &ArgValue{Kind: wa.Type}
	switch wa.Type {
	case KindInteger, KindFd, KindSize, KindOffset, KindFlag, KindProtection, KindSignal:
		var v scalarValue
		if err := json.Unmarshal(wa.Value, &v); err != nil {
			return nil, err
		}
		av.Scalar = v.Value
	case KindAddress:
		var v addressValue
		if err := json.Unmarshal(wa.Value, &v); err != nil {
			return nil, err
		}
		av.Address, av.Direction = v.Address, v.Direction
	case KindBuffer, KindNullBuffer:
		var v bufferValue
		if err := json.Unmarshal(wa.Value, &v); err != nil {
			return nil, err
		}
		av.Address, av.Size, av.Direction, av.Content, av.Truncated = v.Address, v.Size, v.Direction, v.Content, v.Truncated
	case KindArray:
		var v arrayValue
		if err := json.Unmarshal(wa.Value, &v); err != nil {
			return nil, err
		}
		av.Address, av.ElementCount, av.Size, av.Direction, av.Content, av.Truncated = v.Address, v.ElementCount, v.ElementSize, v.Direction, v.Content, v.Truncated
	case KindStruct:
		var v structValue
		if err := json.Unmarshal(wa.Value, &v); err != nil {
			return nil, err
		}
		av.Address, av.Name, av.Size, av.Direction, av.Content, av.Truncated = v.Address, v.Name, v.Size, v.Direction, v.Content, v.Truncated
	default:
		return nil, fmt.Errorf("unknown arg kind %q", wa.Type)
	}
	return av, nil
}
