/*
Copyright 2024 The Vitess Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package mysql

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// This file contains the primitive value encodings of the wire protocol:
// fixed-width little-endian integers, length-encoded integers and strings,
// and the null-terminated/fixed/EOF-terminated string forms. All of it is
// built around an explicit read/write cursor rather than io.Reader, the way
// go/mysql/encoding.go's free functions operate on (data []byte, pos int) —
// adapted here into a writer/reader pair of small structs so callers don't
// thread pos by hand through every packet builder.

// lenEncIntNull is the single byte that denotes a NULL value inside a
// length-encoded row context (never a valid length-encoded integer value).
const lenEncIntNull = 0xfb

// builder accumulates a packet payload. It grows as needed; Bytes returns
// the accumulated buffer.
type builder struct {
	buf []byte
}

func newBuilder(sizeHint int) *builder {
	return &builder{buf: make([]byte, 0, sizeHint)}
}

func (b *builder) Bytes() []byte { return b.buf }

func (b *builder) writeByte(v byte) {
	b.buf = append(b.buf, v)
}

func (b *builder) writeBytes(v []byte) {
	b.buf = append(b.buf, v...)
}

func (b *builder) writeZeroes(n int) {
	for i := 0; i < n; i++ {
		b.buf = append(b.buf, 0)
	}
}

func (b *builder) writeUint16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

// writeUint24 writes the 3-byte little-endian integer used by the packet
// header's payload-length field.
func (b *builder) writeUint24(v uint32) {
	b.buf = append(b.buf, byte(v), byte(v>>8), byte(v>>16))
}

func (b *builder) writeUint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

// writeUint48 writes the 6-byte little-endian integer form spec.md §4.2
// names alongside the 1/2/3/4/8-byte fixed integers.
func (b *builder) writeUint48(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:6]...)
}

func (b *builder) writeUint64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

// writeLenEncInt writes the variable-width length-encoded integer
// encoding, always using the shortest legal form for the value.
func (b *builder) writeLenEncInt(v uint64) {
	switch {
	case v < 251:
		b.writeByte(byte(v))
	case v <= 0xffff:
		b.writeByte(0xfc)
		b.writeUint16(uint16(v))
	case v <= 0xffffff:
		b.writeByte(0xfd)
		b.writeUint24(uint32(v))
	default:
		b.writeByte(0xfe)
		b.writeUint64(v)
	}
}

// writeLenEncString writes a length-encoded string: its byte length as a
// length-encoded integer, followed by the raw bytes.
func (b *builder) writeLenEncString(s []byte) {
	b.writeLenEncInt(uint64(len(s)))
	b.writeBytes(s)
}

// writeNullString writes a NUL-terminated string.
func (b *builder) writeNullString(s []byte) {
	b.writeBytes(s)
	b.writeByte(0)
}

// writeFixedString writes s as n raw bytes, truncating or zero-padding as
// needed — used for the handshake's fixed-width nonce fields.
func (b *builder) writeFixedString(n int, s []byte) {
	if len(s) >= n {
		b.writeBytes(s[:n])
		return
	}
	b.writeBytes(s)
	b.writeZeroes(n - len(s))
}

// reader is a read cursor over a decoded packet payload.
type reader struct {
	buf []byte
	pos int
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) readByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, errShortPacket
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) readBytes(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, errShortPacket
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

func (r *reader) readUint16() (uint16, error) {
	b, err := r.readBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) readUint24() (uint32, error) {
	b, err := r.readBytes(3)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16, nil
}

func (r *reader) readUint32() (uint32, error) {
	b, err := r.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) readUint64() (uint64, error) {
	b, err := r.readBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) readLenEncInt() (uint64, error) {
	first, err := r.readByte()
	if err != nil {
		return 0, err
	}
	switch first {
	case 0xfc:
		v, err := r.readUint16()
		return uint64(v), err
	case 0xfd:
		v, err := r.readUint24()
		return uint64(v), err
	case 0xfe:
		return r.readUint64()
	default:
		return uint64(first), nil
	}
}

func (r *reader) readNullString() ([]byte, error) {
	idx := bytes.IndexByte(r.buf[r.pos:], 0)
	if idx < 0 {
		return nil, errShortPacket
	}
	v := r.buf[r.pos : r.pos+idx]
	r.pos += idx + 1
	return v, nil
}

func (r *reader) readLenEncString() ([]byte, error) {
	n, err := r.readLenEncInt()
	if err != nil {
		return nil, err
	}
	return r.readBytes(int(n))
}

func (r *reader) readRestOfPacket() []byte {
	v := r.buf[r.pos:]
	r.pos = len(r.buf)
	return v
}

var errShortPacket = &ProtocolError{Message: "short packet: ran out of bytes while decoding"}

// lenEncIntSize returns the encoded width, in bytes, of the length-encoded
// integer form of v.
func lenEncIntSize(v uint64) int {
	switch {
	case v < 251:
		return 1
	case v <= 0xffff:
		return 3
	case v <= 0xffffff:
		return 4
	default:
		return 9
	}
}

func float32FromBits(v uint32) float32 { return math.Float32frombits(v) }
func float64FromBits(v uint64) float64 { return math.Float64frombits(v) }

// formatTextValue renders val using MySQL's canonical textual
// representation, used for COM_QUERY's text result rows. Booleans render
// as 0/1, matching the teacher corpus's _text_encode_tiny convention.
func formatTextValue(val any) ([]byte, error) {
	switch v := val.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case bool:
		if v {
			return []byte("1"), nil
		}
		return []byte("0"), nil
	case fmt.Stringer:
		return []byte(v.String()), nil
	default:
		return []byte(fmt.Sprint(v)), nil
	}
}
