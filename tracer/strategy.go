package tracer

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chazu/dynslice/store"
	"github.com/chazu/dynslice/varcodec"
)

// ---------------------------------------------------------------------------
// Strategy and element kind
// ---------------------------------------------------------------------------

// Strategy selects how a sequence stores its values.
type Strategy uint8

const (
	// StrategyUncompressed appends VarCodec values straight to a channel.
	StrategyUncompressed Strategy = iota + 1
	// StrategyCompressed appends VarCodec values through a deflate stream.
	StrategyCompressed
	// StrategySwitching buffers small sequences in memory and stores every
	// sequence newest value first once finished.
	StrategySwitching
)

// DefaultStrategy is used when Options leaves the strategy unset.
const DefaultStrategy = StrategySwitching

var strategyNames = map[Strategy]string{
	StrategyUncompressed: "uncompressed",
	StrategyCompressed:   "compressed",
	StrategySwitching:    "switching",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Strategy(%d)", uint8(s))
}

// Valid reports whether s is one of the known strategies.
func (s Strategy) Valid() bool {
	_, ok := strategyNames[s]
	return ok
}

// ParseStrategy parses a strategy name as written in configuration files.
func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("tracer: unknown strategy %q", name)
}

// ElementKind is the width of the values in a sequence.
type ElementKind uint8

const (
	KindInt  ElementKind = 1 // 32-bit values
	KindLong ElementKind = 2 // 64-bit values
)

func (k ElementKind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindLong:
		return "long"
	}
	return fmt.Sprintf("ElementKind(%d)", uint8(k))
}

// fixedWidth is the spill width of one value of kind k.
func (k ElementKind) fixedWidth() int {
	if k == KindInt {
		return 4
	}
	return 8
}

// ---------------------------------------------------------------------------
// Descriptor
// ---------------------------------------------------------------------------

// ErrBadDescriptor reports an unknown strategy or kind tag while reading a
// sequence descriptor.
var ErrBadDescriptor = errors.New("tracer: bad sequence descriptor")

// Descriptor is the persisted form of a finished sequence.
type Descriptor struct {
	Strategy Strategy
	Kind     ElementKind
	Channel  store.ChannelID
	// Deflated is only meaningful for StrategySwitching.
	Deflated bool
}

// AppendTo appends the encoded descriptor: a tag byte strategy<<4|kind, the
// channel id, and for switching sequences a raw/deflate flag byte.
func (d Descriptor) AppendTo(dst []byte) []byte {
	dst = append(dst, byte(d.Strategy)<<4|byte(d.Kind))
	dst = varcodec.AppendInt(dst, int32(d.Channel))
	if d.Strategy == StrategySwitching {
		var flag byte
		if d.Deflated {
			flag = 1
		}
		dst = append(dst, flag)
	}
	return dst
}

// ReadDescriptor decodes a descriptor written by AppendTo.
func ReadDescriptor(r io.ByteReader) (Descriptor, error) {
	var d Descriptor
	tag, err := r.ReadByte()
	if err != nil {
		return d, err
	}
	d.Strategy = Strategy(tag >> 4)
	d.Kind = ElementKind(tag & 0x0f)
	if !d.Strategy.Valid() || (d.Kind != KindInt && d.Kind != KindLong) {
		return d, fmt.Errorf("%w: tag 0x%02x", ErrBadDescriptor, tag)
	}
	ch, err := varcodec.ReadInt(r)
	if err != nil {
		return d, err
	}
	d.Channel = store.ChannelID(uint32(ch))
	if d.Strategy == StrategySwitching {
		flag, err := r.ReadByte()
		if err != nil {
			return d, err
		}
		if flag > 1 {
			return d, fmt.Errorf("%w: compression flag %d", ErrBadDescriptor, flag)
		}
		d.Deflated = flag == 1
	}
	return d, nil
}
