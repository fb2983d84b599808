// Package codec converts typed keys and values to the bytes stored by kvs.
package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	pkgerrors "vecagent/pkg/errors"
)

// Codec encodes and decodes values of type T.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// Msgpack encodes arbitrary values with msgpack.
type Msgpack[T any] struct{}

func (Msgpack[T]) Encode(v T) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: msgpack encode: %v", pkgerrors.ErrCodec, err)
	}
	return b, nil
}

func (Msgpack[T]) Decode(data []byte) (T, error) {
	var v T
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: msgpack decode: %v", pkgerrors.ErrCodec, err)
	}
	return v, nil
}

// JSON encodes values with encoding/json.
type JSON[T any] struct{}

func (JSON[T]) Encode(v T) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: json encode: %v", pkgerrors.ErrCodec, err)
	}
	return b, nil
}

func (JSON[T]) Decode(data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: json decode: %v", pkgerrors.ErrCodec, err)
	}
	return v, nil
}

// String stores strings as their raw bytes so keys sort lexicographically.
type String struct{}

func (String) Encode(v string) ([]byte, error) {
	return []byte(v), nil
}

func (String) Decode(data []byte) (string, error) {
	return string(data), nil
}

// Uint32 stores uint32 values as 4 big-endian bytes.
type Uint32 struct{}

func (Uint32) Encode(v uint32) ([]byte, error) {
	return binary.BigEndian.AppendUint32(nil, v), nil
}

func (Uint32) Decode(data []byte) (uint32, error) {
	if len(data) != 4 {
		return 0, fmt.Errorf("%w: uint32 needs 4 bytes, got %d", pkgerrors.ErrCodec, len(data))
	}
	return binary.BigEndian.Uint32(data), nil
}
