package backup

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FormatVersion prefixes every binary file written by the node. Bump it
// when a field is added; readers reject versions they do not know.
const FormatVersion uint32 = 1

const maxFieldLen = 1 << 20

var (
	ErrUnsupportedVersion = errors.New("unsupported file format version")
	ErrTruncated          = errors.New("truncated record")
	ErrTrailingData       = errors.New("trailing data after record")
)

// Encoder writes a version-prefixed record of length-prefixed fields.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	e := &Encoder{}
	e.buf = binary.BigEndian.AppendUint32(e.buf, FormatVersion)
	return e
}

func (e *Encoder) PutBytes(b []byte) *Encoder {
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(len(b)))
	e.buf = append(e.buf, b...)
	return e
}

func (e *Encoder) PutString(s string) *Encoder {
	return e.PutBytes([]byte(s))
}

func (e *Encoder) PutUint32(v uint32) *Encoder {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
	return e
}

func (e *Encoder) PutUint64(v uint64) *Encoder {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
	return e
}

// PutList writes a count followed by each element.
func (e *Encoder) PutList(items [][]byte) *Encoder {
	e.PutUint32(uint32(len(items)))
	for _, it := range items {
		e.PutBytes(it)
	}
	return e
}

// Bytes returns the encoded record. The encoder must not be used after.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Decoder reads records produced by Encoder. The first error sticks and
// is returned by Err and Finish.
type Decoder struct {
	data []byte
	off  int
	err  error
}

func NewDecoder(data []byte) *Decoder {
	d := &Decoder{data: data}
	v := d.Uint32()
	if d.err == nil && v != FormatVersion {
		d.err = fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	return d
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.off+n > len(d.data) {
		d.err = ErrTruncated
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) Uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *Decoder) Uint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// Bytes returns a copy of the next length-prefixed field.
func (d *Decoder) Bytes() []byte {
	n := d.Uint32()
	if d.err != nil {
		return nil
	}
	if n > maxFieldLen {
		d.err = fmt.Errorf("field length %d exceeds limit", n)
		return nil
	}
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (d *Decoder) String() string {
	return string(d.Bytes())
}

func (d *Decoder) List() [][]byte {
	n := d.Uint32()
	if d.err != nil {
		return nil
	}
	if n > 1024 {
		d.err = fmt.Errorf("list length %d exceeds limit", n)
		return nil
	}
	out := make([][]byte, 0, n)
	for i := uint32(0); i < n && d.err == nil; i++ {
		out = append(out, d.Bytes())
	}
	return out
}

func (d *Decoder) Err() error {
	return d.err
}

// Finish returns the sticky error, or ErrTrailingData if bytes remain.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if d.off != len(d.data) {
		return ErrTrailingData
	}
	return nil
}
