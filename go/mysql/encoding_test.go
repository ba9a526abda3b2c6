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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLenEncIntRoundTrip(t *testing.T) {
	testcases := []struct {
		value    uint64
		wantSize int
	}{
		{0, 1},
		{250, 1},
		{251, 3},
		{0xffff, 3},
		{0x10000, 4},
		{0xffffff, 4},
		{0x1000000, 9},
		{0xffffffffffffffff, 9},
	}
	for _, tc := range testcases {
		b := newBuilder(16)
		b.writeLenEncInt(tc.value)
		assert.Equal(t, tc.wantSize, len(b.Bytes()), "value %d", tc.value)
		assert.Equal(t, tc.wantSize, lenEncIntSize(tc.value), "value %d", tc.value)

		r := newReader(b.Bytes())
		got, err := r.readLenEncInt()
		require.NoError(t, err)
		assert.Equal(t, tc.value, got)
		assert.Equal(t, 0, r.remaining())
	}
}

func TestLenEncStringRoundTrip(t *testing.T) {
	testcases := []string{"", "a", "hello world", string(make([]byte, 300))}
	for _, s := range testcases {
		b := newBuilder(16)
		b.writeLenEncString([]byte(s))

		r := newReader(b.Bytes())
		got, err := r.readLenEncString()
		require.NoError(t, err)
		assert.Equal(t, s, string(got))
	}
}

func TestNullStringRoundTrip(t *testing.T) {
	b := newBuilder(16)
	b.writeNullString([]byte("root"))
	b.writeByte(0xAA) // sentinel following byte

	r := newReader(b.Bytes())
	got, err := r.readNullString()
	require.NoError(t, err)
	assert.Equal(t, "root", string(got))

	next, err := r.readByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0xAA), next)
}

func TestFixedWidthIntegers(t *testing.T) {
	b := newBuilder(32)
	b.writeUint16(0x1234)
	b.writeUint24(0x010203)
	b.writeUint32(0xaabbccdd)
	b.writeUint48(0x0102030405)
	b.writeUint64(0x0102030405060708)

	r := newReader(b.Bytes())
	u16, err := r.readUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), u16)

	u24, err := r.readUint24()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x010203), u24)

	u32, err := r.readUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xaabbccdd), u32)

	// writeUint48 always emits 6 bytes; read them back as raw bytes since
	// there is no readUint48 in this protocol (no field needs one).
	six, err := r.readBytes(6)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x04, 0x03, 0x02, 0x01, 0x00}, six)

	u64, err := r.readUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), u64)
}

func TestReadShortPacket(t *testing.T) {
	r := newReader([]byte{1, 2})
	_, err := r.readBytes(3)
	assert.Equal(t, errShortPacket, err)

	r2 := newReader(nil)
	_, err = r2.readByte()
	assert.Equal(t, errShortPacket, err)
}

func TestFixedStringPadsAndTruncates(t *testing.T) {
	b := newBuilder(8)
	b.writeFixedString(4, []byte("ab"))
	assert.Equal(t, []byte{'a', 'b', 0, 0}, b.Bytes())

	b2 := newBuilder(8)
	b2.writeFixedString(2, []byte("abcd"))
	assert.Equal(t, []byte{'a', 'b'}, b2.Bytes())
}

func TestFormatTextValue(t *testing.T) {
	testcases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"abc", "abc"},
		{true, "1"},
		{false, "0"},
		{42, "42"},
		{int64(7), "7"},
	}
	for _, tc := range testcases {
		got, err := formatTextValue(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, string(got))
	}
}

func TestFloatBitsRoundTrip(t *testing.T) {
	f32 := float32(3.25)
	assert.Equal(t, f32, float32FromBits(uint32(0x40500000)))

	f64 := float64FromBits(0x400A000000000000)
	assert.InDelta(t, 3.25, f64, 0.0001)
}
