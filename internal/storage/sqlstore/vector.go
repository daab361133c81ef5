package sqlstore

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeBlob packs an embedding as little-endian float32 values.
func EncodeBlob(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// DecodeBlob is the inverse of EncodeBlob.
func DecodeBlob(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("embedding blob has odd length %d", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v, nil
}

// BlobVector scans an embedding stored by EncodeBlob.
type BlobVector struct {
	v []float32
}

// Scan implements sql.Scanner.
func (b *BlobVector) Scan(src any) error {
	switch x := src.(type) {
	case nil:
		b.v = nil
		return nil
	case []byte:
		v, err := DecodeBlob(x)
		if err != nil {
			return err
		}
		b.v = v
		return nil
	case string:
		v, err := DecodeBlob([]byte(x))
		if err != nil {
			return err
		}
		b.v = v
		return nil
	}
	return fmt.Errorf("cannot scan %T into embedding", src)
}

// Slice returns the decoded embedding.
func (b *BlobVector) Slice() []float32 {
	return b.v
}
