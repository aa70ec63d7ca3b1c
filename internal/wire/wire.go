// Package wire implements the binary encoding used on indexd's internal
// transport: unsigned varints, zigzag-encoded signed varints and
// length-prefixed strings, with the negotiated peer protocol version
// available to codecs that need to gate fields on it.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"gitlab.com/gitlab-org/indexd/internal/version"
)

// Writer encodes values into an in-memory frame. Writes cannot fail; the
// assembled frame is read with Bytes.
type Writer struct {
	buf     bytes.Buffer
	version version.Protocol
	scratch [binary.MaxVarintLen64]byte
}

// NewWriter creates a writer for a peer speaking the given protocol
// version.
func NewWriter(v version.Protocol) *Writer {
	return &Writer{version: v}
}

// Version returns the negotiated peer protocol version.
func (w *Writer) Version() version.Protocol { return w.version }

// Bytes returns the assembled frame.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// WriteUint64 writes an unsigned varint.
func (w *Writer) WriteUint64(v uint64) {
	n := binary.PutUvarint(w.scratch[:], v)
	w.buf.Write(w.scratch[:n])
}

// WriteInt64 writes a zigzag-encoded signed varint.
func (w *Writer) WriteInt64(v int64) {
	n := binary.PutVarint(w.scratch[:], v)
	w.buf.Write(w.scratch[:n])
}

// WriteBool writes a single byte.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

// WriteString writes a length-prefixed UTF-8 string.
func (w *Writer) WriteString(s string) {
	w.WriteUint64(uint64(len(s)))
	w.buf.WriteString(s)
}

// WriteBytes writes a length-prefixed byte slice.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteUint64(uint64(len(b)))
	w.buf.Write(b)
}

// maxFieldLen bounds length prefixes so a corrupt frame cannot make the
// reader allocate unbounded memory.
const maxFieldLen = 1 << 30

// Reader decodes a frame produced by Writer.
type Reader struct {
	r       *bytes.Reader
	version version.Protocol
}

// NewReader creates a reader over a frame received from a peer speaking the
// given protocol version.
func NewReader(data []byte, v version.Protocol) *Reader {
	return &Reader{r: bytes.NewReader(data), version: v}
}

// Version returns the negotiated peer protocol version.
func (r *Reader) Version() version.Protocol { return r.version }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return r.r.Len() }

// ReadUint64 reads an unsigned varint.
func (r *Reader) ReadUint64() (uint64, error) {
	v, err := binary.ReadUvarint(r.r)
	if err != nil {
		return 0, fmt.Errorf("read uvarint: %w", err)
	}
	return v, nil
}

// ReadInt64 reads a zigzag-encoded signed varint.
func (r *Reader) ReadInt64() (int64, error) {
	v, err := binary.ReadVarint(r.r)
	if err != nil {
		return 0, fmt.Errorf("read varint: %w", err)
	}
	return v, nil
}

// ReadBool reads a single byte.
func (r *Reader) ReadBool() (bool, error) {
	b, err := r.r.ReadByte()
	if err != nil {
		return false, fmt.Errorf("read bool: %w", err)
	}
	return b != 0, nil
}

// ReadString reads a length-prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBytes reads a length-prefixed byte slice.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	if n > maxFieldLen {
		return nil, fmt.Errorf("field length %d exceeds limit", n)
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return nil, fmt.Errorf("read %d bytes: %w", n, err)
	}
	return b, nil
}
