// Package codec turns arbitrary application payloads into compact,
// self-describing byte frames and back, preserving the exact runtime type and
// the sharing structure of pointers, slices and maps. Two slices over one
// backing array, or a pointer into a field of another encoded value, decode
// the same way. Unexported fields must be zero unless the type marshals
// itself with encoding.BinaryMarshaler.
//
// Frame layout:
//
//	[Format:1][Compressor:1][Checksum:8][Compressed msgpack graph:N]
//
// The checksum is xxhash64 of the uncompressed graph.
package codec

import (
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/cespare/xxhash/v2"
	msgpack "github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/mirkobrombin/go-foundation/pkg/options"
)

const (
	formatV1    byte = 1
	frameHeader      = 1 + 1 + 8
)

// Codec encodes payloads whose dynamic types are registered in its Registry.
// It is safe for concurrent use.
type Codec struct {
	reg        *Registry
	compressor Compressor
	handle     *msgpack.MsgpackHandle
}

// Option configures a Codec.
type Option = options.Option[Codec]

// WithCompressor selects the compressor used when encoding. Decoding always
// honours the compressor recorded in the frame.
func WithCompressor(c Compressor) Option {
	return func(cd *Codec) {
		cd.compressor = c
	}
}

// New returns a Codec over reg. A nil reg gets a fresh NewRegistry.
func New(reg *Registry, opts ...Option) *Codec {
	if reg == nil {
		reg = NewRegistry()
	}
	c := &Codec{
		reg:        reg,
		compressor: Zstd(),
		handle:     &msgpack.MsgpackHandle{},
	}
	options.Apply(c, opts...)
	return c
}

func (c *Codec) Registry() *Registry {
	return c.reg
}

// Encode serializes v and returns the registered name of its dynamic type.
// A nil v encodes to an empty name and no bytes.
func (c *Codec) Encode(v any) (string, []byte, error) {
	if v == nil {
		return "", nil, nil
	}

	rv := reflect.ValueOf(v)
	name, ok := c.reg.Name(rv.Type())
	if !ok {
		return "", nil, &Error{Op: "encode", TypeName: rv.Type().String(), Err: ErrUnknownType}
	}

	g, err := encodeGraph(c.reg, rv)
	if err != nil {
		return "", nil, &Error{Op: "encode", TypeName: name, Err: err}
	}

	var plain []byte
	if err := msgpack.NewEncoderBytes(&plain, c.handle).Encode(g); err != nil {
		return "", nil, &Error{Op: "encode", TypeName: name, Err: err}
	}

	compressed := c.compressor.Compress(plain)
	frame := make([]byte, frameHeader, frameHeader+len(compressed))
	frame[0] = formatV1
	frame[1] = c.compressor.ID()
	binary.BigEndian.PutUint64(frame[2:], xxhash.Sum64(plain))
	frame = append(frame, compressed...)
	return name, frame, nil
}

// EncodeAs is Encode with the declared type spelled out at the call site.
// The stored name is still the dynamic type of v.
func EncodeAs[T any](c *Codec, v T) (string, []byte, error) {
	return c.Encode(any(v))
}

// Decode rebuilds a value of the type registered under name.
func (c *Codec) Decode(name string, data []byte) (any, error) {
	if name == "" && len(data) == 0 {
		return nil, nil
	}

	t, ok := c.reg.Type(name)
	if !ok {
		return nil, &Error{Op: "decode", TypeName: name, Err: ErrUnknownType}
	}

	plain, err := c.unframe(data)
	if err != nil {
		return nil, &Error{Op: "decode", TypeName: name, Err: err}
	}

	var g graph
	if err := msgpack.NewDecoderBytes(plain, c.handle).Decode(&g); err != nil {
		return nil, &Error{Op: "decode", TypeName: name, Err: fmt.Errorf("%w: %v", ErrCorrupt, err)}
	}

	v, err := decodeGraph(c.reg, &g, t)
	if err != nil {
		return nil, &Error{Op: "decode", TypeName: name, Err: err}
	}
	return v.Interface(), nil
}

// DecodeAs decodes and checks the result against the declared type T, which
// may be an interface the stored type implements.
func DecodeAs[T any](c *Codec, name string, data []byte) (T, error) {
	var zero T
	v, err := c.Decode(name, data)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	out, ok := v.(T)
	if !ok {
		return zero, &Error{
			Op:       "decode",
			TypeName: name,
			Err:      fmt.Errorf("%w: %T is not %s", ErrTypeMismatch, v, reflect.TypeFor[T]()),
		}
	}
	return out, nil
}

func (c *Codec) unframe(data []byte) ([]byte, error) {
	if len(data) < frameHeader {
		return nil, fmt.Errorf("%w: short frame (%d bytes)", ErrCorrupt, len(data))
	}
	if data[0] != formatV1 {
		return nil, fmt.Errorf("%w: unknown format %d", ErrCorrupt, data[0])
	}
	comp, err := compressorByID(data[1])
	if err != nil {
		return nil, err
	}
	plain, err := comp.Decompress(data[frameHeader:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if xxhash.Sum64(plain) != binary.BigEndian.Uint64(data[2:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	return plain, nil
}
