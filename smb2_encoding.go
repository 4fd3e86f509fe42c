package smbdfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"

	"github.com/google/uuid"
)

// SMB2 uses little-endian byte order for all multi-byte values
var le = binary.LittleEndian

// errShortBuffer is recorded by ByteReader when a read runs past the data.
var errShortBuffer = errors.New("short buffer")

// EncodeStringToUTF16LE encodes a Go string to UTF-16LE bytes (SMB wire format)
func EncodeStringToUTF16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		le.PutUint16(buf[i*2:], u)
	}
	return buf
}

// DecodeUTF16LEToString decodes UTF-16LE bytes to a Go string, stopping at
// the first NUL code unit.
func DecodeUTF16LEToString(data []byte) string {
	if len(data)%2 != 0 {
		data = data[:len(data)-1]
	}
	units := make([]uint16, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		u := le.Uint16(data[i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

// utf16Len returns the length in UTF-16 code units of s.
func utf16Len(s string) int {
	return len(utf16.Encode([]rune(s)))
}

// ByteReader reads little-endian wire structures. The first out-of-bounds
// access is recorded and every later read returns zero values, so callers
// check Err once after decoding a structure.
type ByteReader struct {
	data []byte
	pos  int
	err  error
}

// NewByteReader creates a new ByteReader
func NewByteReader(data []byte) *ByteReader {
	return &ByteReader{data: data}
}

// Err returns the first decoding error, if any.
func (r *ByteReader) Err() error {
	return r.err
}

// Len returns the total length of the underlying buffer.
func (r *ByteReader) Len() int {
	return len(r.data)
}

// Skip advances the position by n bytes
func (r *ByteReader) Skip(n int) {
	r.need(n)
	r.pos += n
}

// Seek sets the position
func (r *ByteReader) Seek(pos int) {
	if pos < 0 || pos > len(r.data) {
		r.fail(pos, 0)
		return
	}
	r.pos = pos
}

// Position returns the current position
func (r *ByteReader) Position() int {
	return r.pos
}

func (r *ByteReader) fail(pos, n int) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", errShortBuffer, n, pos, len(r.data))
	}
}

func (r *ByteReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.fail(r.pos, n)
		return false
	}
	return true
}

// ReadBytes reads n bytes and advances position
func (r *ByteReader) ReadBytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

// ReadUint16 reads a little-endian uint16
func (r *ByteReader) ReadUint16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := le.Uint16(r.data[r.pos:])
	r.pos += 2
	return v
}

// ReadUint32 reads a little-endian uint32
func (r *ByteReader) ReadUint32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := le.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

// ReadUint64 reads a little-endian uint64
func (r *ByteReader) ReadUint64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := le.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}

// ReadGUID reads a 16-byte GUID
func (r *ByteReader) ReadGUID() [16]byte {
	var guid [16]byte
	copy(guid[:], r.ReadBytes(16))
	return guid
}

// ReadUTF16StringZ reads a NUL-terminated UTF-16LE string.
func (r *ByteReader) ReadUTF16StringZ() string {
	start := r.pos
	for r.need(2) {
		u := le.Uint16(r.data[r.pos:])
		r.pos += 2
		if u == 0 {
			return DecodeUTF16LEToString(r.data[start : r.pos-2])
		}
	}
	return ""
}

// UTF16StringAt decodes a NUL-terminated UTF-16LE string starting at an
// absolute offset without moving the read position.
func (r *ByteReader) UTF16StringAt(off int) string {
	if r.err != nil {
		return ""
	}
	if off < 0 || off >= len(r.data) {
		r.fail(off, 2)
		return ""
	}
	saved := r.pos
	r.pos = off
	s := r.ReadUTF16StringZ()
	r.pos = saved
	return s
}

// ByteWriter provides convenient methods for writing binary data
type ByteWriter struct {
	data []byte
}

// NewByteWriter creates a new ByteWriter with initial capacity
func NewByteWriter(capacity int) *ByteWriter {
	return &ByteWriter{data: make([]byte, 0, capacity)}
}

// Bytes returns the written bytes
func (w *ByteWriter) Bytes() []byte {
	return w.data
}

// Len returns the number of written bytes
func (w *ByteWriter) Len() int {
	return len(w.data)
}

// WriteBytes appends raw bytes
func (w *ByteWriter) WriteBytes(b []byte) {
	w.data = append(w.data, b...)
}

// WriteUint16 appends a little-endian uint16
func (w *ByteWriter) WriteUint16(v uint16) {
	w.data = le.AppendUint16(w.data, v)
}

// WriteUint32 appends a little-endian uint32
func (w *ByteWriter) WriteUint32(v uint32) {
	w.data = le.AppendUint32(w.data, v)
}

// WriteUint64 appends a little-endian uint64
func (w *ByteWriter) WriteUint64(v uint64) {
	w.data = le.AppendUint64(w.data, v)
}

// WriteGUID appends a 16-byte GUID
func (w *ByteWriter) WriteGUID(guid [16]byte) {
	w.data = append(w.data, guid[:]...)
}

// WriteUTF16String appends a UTF-16LE encoded string without terminator
func (w *ByteWriter) WriteUTF16String(s string) {
	w.WriteBytes(EncodeStringToUTF16LE(s))
}

// WriteUTF16StringZ appends a UTF-16LE encoded string and a NUL terminator
func (w *ByteWriter) WriteUTF16StringZ(s string) {
	w.WriteUTF16String(s)
	w.WriteUint16(0)
}

// WriteZeros appends n zero bytes
func (w *ByteWriter) WriteZeros(n int) {
	w.data = append(w.data, make([]byte, n)...)
}

// SetUint16At writes a uint16 at a specific position (for backpatching)
func (w *ByteWriter) SetUint16At(pos int, v uint16) {
	if pos+2 <= len(w.data) {
		le.PutUint16(w.data[pos:], v)
	}
}

// NewGUID returns a random GUID in the mixed-endian layout used on the wire.
func NewGUID() [16]byte {
	return guidFromUUID(uuid.New())
}

func guidFromUUID(u uuid.UUID) [16]byte {
	var g [16]byte
	le.PutUint32(g[0:], binary.BigEndian.Uint32(u[0:4]))
	le.PutUint16(g[4:], binary.BigEndian.Uint16(u[4:6]))
	le.PutUint16(g[6:], binary.BigEndian.Uint16(u[6:8]))
	copy(g[8:], u[8:])
	return g
}
