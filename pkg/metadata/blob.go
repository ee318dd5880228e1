package metadata

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrInvalidCompressedInteger is returned for a compressed integer with an
	// invalid lead byte or a value outside the encodable range.
	ErrInvalidCompressedInteger = errors.New("metadata: invalid compressed integer")

	// ErrUnexpectedEnd is returned when a blob ends in the middle of a value.
	ErrUnexpectedEnd = errors.New("metadata: unexpected end of blob")
)

// Largest values representable by compressed integers (ECMA-335 II.23.2).
const (
	MaxCompressedUint = 0x1FFFFFFF
	MinCompressedInt  = -(1 << 28)
	MaxCompressedInt  = 1<<28 - 1
)

// BlobReader reads little-endian and compressed values from a byte slice.
type BlobReader struct {
	data []byte
	pos  int
}

// NewBlobReader creates a reader over b.
func NewBlobReader(b []byte) *BlobReader {
	return &BlobReader{data: b}
}

// Offset returns the current position.
func (r *BlobReader) Offset() int {
	return r.pos
}

// Remaining returns the number of unread bytes.
func (r *BlobReader) Remaining() int {
	return len(r.data) - r.pos
}

// ReadByte reads a single byte.
func (r *BlobReader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, ErrUnexpectedEnd
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// ReadBytes reads exactly n bytes. The result aliases the underlying slice.
func (r *BlobReader) ReadBytes(n int) ([]byte, error) {
	if n < 0 || n > r.Remaining() {
		return nil, ErrUnexpectedEnd
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadUint16 reads a little-endian uint16.
func (r *BlobReader) ReadUint16() (uint16, error) {
	b, err := r.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadUint32 reads a little-endian uint32.
func (r *BlobReader) ReadUint32() (uint32, error) {
	b, err := r.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadInt32 reads a little-endian int32.
func (r *BlobReader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

// ReadUint64 reads a little-endian uint64.
func (r *BlobReader) ReadUint64() (uint64, error) {
	b, err := r.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadCompressedUint reads an ECMA-335 compressed unsigned integer.
func (r *BlobReader) ReadCompressedUint() (uint32, error) {
	v, _, err := r.readCompressed()
	return v, err
}

func (r *BlobReader) readCompressed() (uint32, int, error) {
	b0, err := r.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	switch {
	case b0&0x80 == 0:
		return uint32(b0), 1, nil
	case b0&0xC0 == 0x80:
		b1, err := r.ReadByte()
		if err != nil {
			return 0, 0, err
		}
		return uint32(b0&0x3F)<<8 | uint32(b1), 2, nil
	case b0&0xE0 == 0xC0:
		rest, err := r.ReadBytes(3)
		if err != nil {
			return 0, 0, err
		}
		return uint32(b0&0x1F)<<24 | uint32(rest[0])<<16 | uint32(rest[1])<<8 | uint32(rest[2]), 4, nil
	default:
		return 0, 0, ErrInvalidCompressedInteger
	}
}

// ReadCompressedInt reads an ECMA-335 compressed signed integer.
func (r *BlobReader) ReadCompressedInt() (int32, error) {
	raw, size, err := r.readCompressed()
	if err != nil {
		return 0, err
	}
	negative := raw&1 != 0
	v := int32(raw >> 1)
	if negative {
		switch size {
		case 1:
			v |= ^int32(0x3F)
		case 2:
			v |= ^int32(0x1FFF)
		default:
			v |= ^int32(0x0FFFFFFF)
		}
	}
	return v, nil
}

// ReadUTF8Terminated reads a NUL-terminated UTF-8 string.
func (r *BlobReader) ReadUTF8Terminated() (string, error) {
	idx := bytes.IndexByte(r.data[r.pos:], 0)
	if idx < 0 {
		return "", ErrUnexpectedEnd
	}
	s := string(r.data[r.pos : r.pos+idx])
	r.pos += idx + 1
	return s, nil
}

// BlobWriter accumulates little-endian and compressed values.
// The first encoding error is sticky and reported by Err.
type BlobWriter struct {
	buf bytes.Buffer
	err error
}

// NewBlobWriter creates an empty writer.
func NewBlobWriter() *BlobWriter {
	return &BlobWriter{}
}

// Bytes returns the written bytes.
func (w *BlobWriter) Bytes() []byte {
	return w.buf.Bytes()
}

// Len returns the number of bytes written.
func (w *BlobWriter) Len() int {
	return w.buf.Len()
}

// Err returns the first encoding error, if any.
func (w *BlobWriter) Err() error {
	return w.err
}

// Byte writes a single byte.
func (w *BlobWriter) Byte(b byte) {
	w.buf.WriteByte(b)
}

// Write appends p. It never fails.
func (w *BlobWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

// Uint16 writes a little-endian uint16.
func (w *BlobWriter) Uint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

// Uint32 writes a little-endian uint32.
func (w *BlobWriter) Uint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

// Uint64 writes a little-endian uint64.
func (w *BlobWriter) Uint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

// CompressedUint writes an ECMA-335 compressed unsigned integer.
func (w *BlobWriter) CompressedUint(v uint32) {
	switch {
	case v <= 0x7F:
		w.buf.WriteByte(byte(v))
	case v <= 0x3FFF:
		w.buf.Write([]byte{byte(v>>8) | 0x80, byte(v)})
	case v <= MaxCompressedUint:
		w.buf.Write([]byte{byte(v>>24) | 0xC0, byte(v >> 16), byte(v >> 8), byte(v)})
	default:
		w.fail(fmt.Errorf("%w: %d", ErrInvalidCompressedInteger, v))
	}
}

// CompressedInt writes an ECMA-335 compressed signed integer.
func (w *BlobWriter) CompressedInt(v int32) {
	sign := uint32(v>>31) & 1
	switch {
	case v >= -(1<<6) && v < 1<<6:
		w.buf.WriteByte(byte((uint32(v)&0x3F)<<1 | sign))
	case v >= -(1<<13) && v < 1<<13:
		n := (uint32(v)&0x1FFF)<<1 | sign
		w.buf.Write([]byte{byte(n>>8) | 0x80, byte(n)})
	case v >= MinCompressedInt && v <= MaxCompressedInt:
		n := (uint32(v)&0x0FFFFFFF)<<1 | sign
		w.buf.Write([]byte{byte(n>>24) | 0xC0, byte(n >> 16), byte(n >> 8), byte(n)})
	default:
		w.fail(fmt.Errorf("%w: %d", ErrInvalidCompressedInteger, v))
	}
}

// UTF8Terminated writes s followed by a NUL byte.
func (w *BlobWriter) UTF8Terminated(s string) {
	w.buf.WriteString(s)
	w.buf.WriteByte(0)
}

// WriteTo implements io.WriterTo.
func (w *BlobWriter) WriteTo(dst io.Writer) (int64, error) {
	if w.err != nil {
		return 0, w.err
	}
	n, err := dst.Write(w.buf.Bytes())
	return int64(n), err
}

func (w *BlobWriter) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}
