package store

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// EncodeVector serializes a vector as a little-endian int32 length followed
// by little-endian float32 components.
func EncodeVector(v []float32) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 4+4*len(v)))
	if err := binary.Write(buf, binary.LittleEndian, int32(len(v))); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b) < 4 {
		return nil, errors.New("vector blob too short")
	}
	r := bytes.NewReader(b)
	var n int32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n < 0 || int(n)*4 != len(b)-4 {
		return nil, errors.Errorf("vector blob length %d does not match header %d", len(b)-4, n)
	}
	v := make([]float32, n)
	if err := binary.Read(r, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return v, nil
}
