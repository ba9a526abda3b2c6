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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteOKPacketLegacyShape(t *testing.T) {
	caps := CapProtocol41
	pkt := writeOKPacket(caps, StatusAutocommit, false, 3, 17, 0, nil)

	r := newReader(pkt)
	tag, err := r.readByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), tag)

	affected, err := r.readLenEncInt()
	require.NoError(t, err)
	assert.EqualValues(t, 3, affected)

	lastInsert, err := r.readLenEncInt()
	require.NoError(t, err)
	assert.EqualValues(t, 17, lastInsert)

	status, err := r.readUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(StatusAutocommit), status)
}

func TestWriteOKPacketAsEOFUsesEOFTag(t *testing.T) {
	pkt := writeOKPacket(CapProtocol41|CapDeprecateEOF, StatusAutocommit, true, 0, 0, 0, nil)
	r := newReader(pkt)
	tag, err := r.readByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0xfe), tag)
}

// TestOKPacketSessionTrackOrder pins the Open Question decision recorded in
// SPEC_FULL.md §12: the info string precedes the session-state-changes
// block, in that order, whenever CLIENT_SESSION_TRACK is negotiated.
func TestOKPacketSessionTrackOrder(t *testing.T) {
	caps := CapProtocol41 | CapSessionTrack
	stateChanges := []byte("some-state-change-payload")
	pkt := writeOKPacket(caps, StatusAutocommit, false, 0, 0, 0, stateChanges)

	r := newReader(pkt)
	_, err := r.readByte() // tag
	require.NoError(t, err)
	_, err = r.readLenEncInt() // affected rows
	require.NoError(t, err)
	_, err = r.readLenEncInt() // last insert id
	require.NoError(t, err)
	_, err = r.readUint16() // status flags
	require.NoError(t, err)
	_, err = r.readUint16() // warnings
	require.NoError(t, err)

	info, err := r.readLenEncString()
	require.NoError(t, err)
	assert.Empty(t, info, "info string must come first, even when empty")

	gotStateChanges, err := r.readLenEncString()
	require.NoError(t, err)
	assert.Equal(t, stateChanges, gotStateChanges)
	assert.Equal(t, 0, r.remaining())
}

func TestWriteEOFPacket(t *testing.T) {
	pkt := writeEOFPacket(CapProtocol41, StatusAutocommit, 2)
	r := newReader(pkt)
	tag, err := r.readByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0xfe), tag)

	warnings, err := r.readUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), warnings)

	status, err := r.readUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(StatusAutocommit), status)
}

func TestWriteErrPacket(t *testing.T) {
	pkt := writeErrPacket(CapProtocol41, ERAccessDeniedError, SSAccessDeniedError, "Access denied")
	r := newReader(pkt)
	tag, err := r.readByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0xff), tag)

	code, err := r.readUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(ERAccessDeniedError), code)

	marker, err := r.readByte()
	require.NoError(t, err)
	assert.Equal(t, byte('#'), marker)

	state, err := r.readBytes(5)
	require.NoError(t, err)
	assert.Equal(t, "28000", string(state))

	msg := r.readRestOfPacket()
	assert.Equal(t, "Access denied", string(msg))
}

func TestNullBitmapOffsets(t *testing.T) {
	// offset 2: a binary result row's bitmap leaves the low two bits clear.
	bm := newNullBitmap(3, 2)
	bm.flip(0)
	assert.True(t, bm.isSet(0))
	assert.False(t, bm.isSet(1))
	assert.Equal(t, byte(1<<2), bm.bits[0])

	// offset 0: a parameter bitmap uses the low bit directly.
	pbm := newNullBitmap(3, 0)
	pbm.flip(0)
	assert.Equal(t, byte(1), pbm.bits[0])
}

func TestWriteTextRowNullAndValues(t *testing.T) {
	columns := []*ColumnDefinition{
		{Name: "a", Type: ColumnTypeLong},
		{Name: "b", Type: ColumnTypeVarString},
	}
	row := Row{int32(42), nil}
	payload, err := writeTextRow(row, columns)
	require.NoError(t, err)

	r := newReader(payload)
	val, err := r.readLenEncString()
	require.NoError(t, err)
	assert.Equal(t, "42", string(val))

	nullTag, err := r.readByte()
	require.NoError(t, err)
	assert.Equal(t, byte(lenEncIntNull), nullTag)
}

func TestWriteBinaryRowEncodesNullBitmapAndValues(t *testing.T) {
	columns := []*ColumnDefinition{
		{Name: "a", Type: ColumnTypeLong},
		{Name: "b", Type: ColumnTypeVarString},
	}
	row := Row{int32(7), nil}
	payload, err := writeBinaryRow(row, columns)
	require.NoError(t, err)

	assert.Equal(t, byte(0x00), payload[0])
	numBitmapBytes := (len(columns) + 7 + 2) / 8
	bitmap := payload[1 : 1+numBitmapBytes]
	nb := &nullBitmap{bits: bitmap, offset: 2}
	assert.False(t, nb.isSet(0))
	assert.True(t, nb.isSet(1))

	rest := payload[1+numBitmapBytes:]
	r := newReader(rest)
	v, err := r.readUint32()
	require.NoError(t, err)
	assert.EqualValues(t, 7, v)
	assert.Equal(t, 0, r.remaining())
}

func TestDefaultBinaryEncodeFloatDouble(t *testing.T) {
	b := newBuilder(16)
	require.NoError(t, defaultBinaryEncode(b, ColumnTypeFloat, float32(1.5)))
	assert.Len(t, b.Bytes(), 4)

	b2 := newBuilder(16)
	require.NoError(t, defaultBinaryEncode(b2, ColumnTypeDouble, 1.5))
	assert.Len(t, b2.Bytes(), 8)
}

func TestDefaultBinaryEncodeDate(t *testing.T) {
	for _, typ := range []ColumnType{ColumnTypeDate, ColumnTypeDateTime, ColumnTypeTimestamp} {
		b := newBuilder(16)
		dt := time.Date(2024, time.March, 5, 13, 45, 9, 250000000, time.UTC)
		require.NoError(t, defaultBinaryEncode(b, typ, dt))

		r := newReader(b.Bytes())
		length, err := r.readByte()
		require.NoError(t, err)
		assert.Equal(t, byte(11), length)

		year, err := r.readUint16()
		require.NoError(t, err)
		assert.EqualValues(t, 2024, year)

		rest := r.readRestOfPacket()
		assert.Equal(t, []byte{3, 5, 13, 45, 9}, rest[:5])
		assert.EqualValues(t, 250000, int(rest[5])|int(rest[6])<<8|int(rest[7])<<16|int(rest[8])<<24)
	}

	b := newBuilder(16)
	require.NoError(t, defaultBinaryEncode(b, ColumnTypeDate, time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, byte(4), b.Bytes()[0])

	bZero := newBuilder(16)
	require.NoError(t, defaultBinaryEncode(bZero, ColumnTypeDate, time.Time{}))
	assert.Equal(t, []byte{0}, bZero.Bytes())
}

func TestDefaultBinaryEncodeTime(t *testing.T) {
	b := newBuilder(16)
	d := -(25*time.Hour + 3*time.Minute + 4*time.Second + 500*time.Microsecond)
	require.NoError(t, defaultBinaryEncode(b, ColumnTypeTime, d))

	r := newReader(b.Bytes())
	length, err := r.readByte()
	require.NoError(t, err)
	assert.Equal(t, byte(12), length)

	isNegative, err := r.readByte()
	require.NoError(t, err)
	assert.Equal(t, byte(1), isNegative)

	days, err := r.readUint32()
	require.NoError(t, err)
	assert.EqualValues(t, 1, days)

	rest := r.readRestOfPacket()
	assert.Equal(t, []byte{1, 3, 4}, rest[:3])

	bZero := newBuilder(16)
	require.NoError(t, defaultBinaryEncode(bZero, ColumnTypeTime, time.Duration(0)))
	assert.Equal(t, []byte{0}, bZero.Bytes())
}
