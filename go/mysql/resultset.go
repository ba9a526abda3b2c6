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
	"fmt"
	"math"
	"strconv"
	"time"
)

// This file builds the packets that terminate or carry a result set: the
// OK/EOF/ERR status packets, the column-count and column-definition
// packets, and the text and binary row encodings (including the NULL
// bitmap the binary protocol uses in place of per-value NULL markers).
// Grounded throughout on mysql_mimic's packets.py (make_ok/make_eof/
// make_error/make_column_definition_41/make_text_resultset_row/
// make_binary_resultrow) and results.py's NullBitmap and per-type encoder
// tables.

// StatusFlag is a server status bit reported in OK/EOF packets: whether a
// transaction is open, autocommit is on, more results follow, and so on.
type StatusFlag uint16

const (
	StatusInTrans           StatusFlag = 0x0001
	StatusAutocommit        StatusFlag = 0x0002
	StatusMoreResultsExists StatusFlag = 0x0008
	StatusCursorExists      StatusFlag = 0x0040
	StatusLastRowSent       StatusFlag = 0x0080
	StatusDBDropped         StatusFlag = 0x0100
)

// writeOKPacket builds an OK packet. When asEOF is true the status tag is
// 0xFE instead of 0x00 — used when CLIENT_DEPRECATE_EOF lets an OK packet
// stand in for the legacy EOF packet at the end of a resultset, per
// spec.md §4.3's note that OK and EOF are conditionally interchangeable.
func writeOKPacket(caps Capability, status StatusFlag, asEOF bool, affectedRows, lastInsertID uint64, warnings uint16, sessionStateChanges []byte) []byte {
	b := newBuilder(32)
	if asEOF {
		b.writeByte(0xfe)
	} else {
		b.writeByte(0x00)
	}
	b.writeLenEncInt(affectedRows)
	b.writeLenEncInt(lastInsertID)

	if caps.Has(CapProtocol41) {
		flags := status
		if caps.Has(CapSessionTrack) && len(sessionStateChanges) > 0 {
			flags |= 1 << 14 // SERVER_SESSION_STATE_CHANGED
		}
		b.writeUint16(uint16(flags))
		b.writeUint16(warnings)
	} else if caps.Has(CapTransactions) {
		b.writeUint16(uint16(status))
	}

	if caps.Has(CapSessionTrack) {
		// info string, then the session-state-changes block. This module
		// keeps the info string empty and appends the state-changes block
		// only when non-empty, matching the Open Question decision
		// recorded in SPEC_FULL.md: info before state changes, always in
		// that order regardless of DEPRECATE_EOF.
		b.writeLenEncString(nil)
		if len(sessionStateChanges) > 0 {
			b.writeLenEncString(sessionStateChanges)
		}
	}

	return b.Bytes()
}

// writeEOFPacket builds a legacy EOF packet, used only when
// CLIENT_DEPRECATE_EOF was not negotiated.
func writeEOFPacket(caps Capability, status StatusFlag, warnings uint16) []byte {
	b := newBuilder(8)
	b.writeByte(0xfe)
	if caps.Has(CapProtocol41) {
		b.writeUint16(warnings)
		b.writeUint16(uint16(status))
	}
	return b.Bytes()
}

// writeErrPacket builds an ERR packet from a normalized (code, state,
// message) triple, as produced by toWireError.
func writeErrPacket(caps Capability, code ErrorCode, state SQLState, message string) []byte {
	b := newBuilder(16 + len(message))
	b.writeByte(0xff)
	b.writeUint16(uint16(code))
	if caps.Has(CapProtocol41) {
		b.writeByte('#')
		b.writeFixedString(5, []byte(state))
	}
	b.writeBytes([]byte(message))
	return b.Bytes()
}

// resultsetMetadataFull is the only metadata mode this package implements
// for CLIENT_OPTIONAL_RESULTSET_METADATA: every column count packet is
// followed by full column-definition packets.
const resultsetMetadataFull = 0x01

// writeColumnCountPacket builds the packet announcing how many columns
// follow in a result set.
func writeColumnCountPacket(caps Capability, numColumns int) []byte {
	b := newBuilder(4)
	if caps.Has(CapOptionalResultsetMetadata) {
		b.writeByte(resultsetMetadataFull)
	}
	b.writeLenEncInt(uint64(numColumns))
	return b.Bytes()
}

// writeColumnDefinitionPacket builds a COLUMN_DEFINITION packet for the
// given column. schema/table are left blank — this module has no catalog
// of its own — matching make_column_definition_41's defaulting.
func writeColumnDefinitionPacket(col *ColumnDefinition, columnLength uint32) []byte {
	b := newBuilder(32 + len(col.Name))
	b.writeLenEncString([]byte("def"))
	b.writeLenEncString(nil) // schema
	b.writeLenEncString(nil) // table
	b.writeLenEncString(nil) // org_table
	b.writeLenEncString([]byte(col.Name))
	b.writeLenEncString([]byte(col.Name)) // org_name
	b.writeLenEncInt(0x0c)
	b.writeUint16(uint16(col.Collation))
	b.writeUint32(columnLength)
	b.writeByte(byte(col.Type))
	b.writeUint16(uint16(col.Flags))
	b.writeByte(col.Decimals)
	b.writeUint16(0) // filler
	return b.Bytes()
}

// writeTextRow builds one COM_QUERY text-protocol result row: each value
// is either the single byte 0xFB (NULL) or a length-encoded string of its
// textual rendering.
func writeTextRow(row Row, columns []*ColumnDefinition) ([]byte, error) {
	b := newBuilder(32)
	for i, col := range columns {
		var val any
		if i < len(row) {
			val = row[i]
		}
		if val == nil {
			b.writeByte(lenEncIntNull)
			continue
		}
		text, err := col.textEncode(val)
		if err != nil {
			return nil, err
		}
		b.writeLenEncString(text)
	}
	return b.Bytes(), nil
}

// nullBitmap is the packed one-bit-per-column NULL marker used by the
// binary row format, grounded on results.py's NullBitmap. offset shifts
// where bit 0 falls within the first byte: COM_STMT_EXECUTE's parameter
// bitmap uses offset 0, while a binary result row's bitmap uses offset 2
// to leave room for the packet's own status byte's low bits (historically
// reserved, per the protocol docs).
type nullBitmap struct {
	bits   []byte
	offset int
}

func newNullBitmap(numBits, offset int) *nullBitmap {
	return &nullBitmap{bits: make([]byte, (numBits+7+offset)/8), offset: offset}
}

func (nb *nullBitmap) flip(i int) {
	pos := i + nb.offset
	nb.bits[pos/8] |= 1 << (pos % 8)
}

func (nb *nullBitmap) isSet(i int) bool {
	pos := i + nb.offset
	return nb.bits[pos/8]&(1<<(pos%8)) != 0
}

// writeBinaryRow builds one binary-protocol result row for
// COM_STMT_EXECUTE, per packets.py's make_binary_resultrow.
func writeBinaryRow(row Row, columns []*ColumnDefinition) ([]byte, error) {
	bitmap := newNullBitmap(len(columns), 2)
	values := newBuilder(32)

	for i, col := range columns {
		var val any
		if i < len(row) {
			val = row[i]
		}
		if val == nil {
			bitmap.flip(i)
			continue
		}
		if err := col.binaryEncode(values, val); err != nil {
			return nil, err
		}
	}

	b := newBuilder(1 + len(bitmap.bits) + len(values.Bytes()))
	b.writeByte(0x00)
	b.writeBytes(bitmap.bits)
	b.writeBytes(values.Bytes())
	return b.Bytes(), nil
}

// defaultBinaryEncode renders val into the binary row format according to
// typ, covering the numeric, string, and blob families. Grounded on
// results.py's _BINARY_ENCODERS table.
func defaultBinaryEncode(b *builder, typ ColumnType, val any) error {
	switch typ {
	case ColumnTypeTiny:
		v, err := toInt64(val)
		if err != nil {
			return err
		}
		b.writeByte(byte(v))
	case ColumnTypeShort, ColumnTypeYear:
		v, err := toInt64(val)
		if err != nil {
			return err
		}
		b.writeUint16(uint16(v))
	case ColumnTypeLong, ColumnTypeInt24:
		v, err := toInt64(val)
		if err != nil {
			return err
		}
		b.writeUint32(uint32(v))
	case ColumnTypeLongLong:
		v, err := toInt64(val)
		if err != nil {
			return err
		}
		b.writeUint64(uint64(v))
	case ColumnTypeFloat:
		v, err := toFloat64(val)
		if err != nil {
			return err
		}
		b.writeUint32(math.Float32bits(float32(v)))
	case ColumnTypeDouble:
		v, err := toFloat64(val)
		if err != nil {
			return err
		}
		b.writeUint64(math.Float64bits(v))
	case ColumnTypeDate, ColumnTypeDateTime, ColumnTypeTimestamp:
		t, err := toTime(val)
		if err != nil {
			return err
		}
		writeBinaryDate(b, t)
	case ColumnTypeTime:
		d, err := toDuration(val)
		if err != nil {
			return err
		}
		writeBinaryDuration(b, d)
	default:
		text, err := formatTextValue(val)
		if err != nil {
			return err
		}
		b.writeLenEncString(text)
	}
	return nil
}

// writeBinaryDate renders t using the length-prefixed DATE/DATETIME/
// TIMESTAMP struct: length 0 for the zero time, 4 when there's no
// time-of-day component, 7 when there's no fractional seconds, 11
// otherwise. Grounded on results.py's _binary_encode_date.
func writeBinaryDate(b *builder, t time.Time) {
	if t.IsZero() {
		b.writeByte(0)
		return
	}
	year, month, day := t.Date()
	hour, minute, second := t.Clock()
	nsec := t.Nanosecond()

	if nsec == 0 {
		if hour == 0 && minute == 0 && second == 0 {
			b.writeByte(4)
			b.writeUint16(uint16(year))
			b.writeByte(byte(month))
			b.writeByte(byte(day))
			return
		}
		b.writeByte(7)
		b.writeUint16(uint16(year))
		b.writeByte(byte(month))
		b.writeByte(byte(day))
		b.writeByte(byte(hour))
		b.writeByte(byte(minute))
		b.writeByte(byte(second))
		return
	}
	b.writeByte(11)
	b.writeUint16(uint16(year))
	b.writeByte(byte(month))
	b.writeByte(byte(day))
	b.writeByte(byte(hour))
	b.writeByte(byte(minute))
	b.writeByte(byte(second))
	b.writeUint32(uint32(nsec / 1000))
}

// writeBinaryDuration renders d using the length-prefixed TIME struct:
// length 0 for zero, 8 when there's no fractional seconds, 12 otherwise.
// Grounded on results.py's _binary_encode_timedelta.
func writeBinaryDuration(b *builder, d time.Duration) {
	if d == 0 {
		b.writeByte(0)
		return
	}
	isNegative := d < 0
	if isNegative {
		d = -d
	}
	days := int64(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	hours := int64(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	minutes := int64(d / time.Minute)
	d -= time.Duration(minutes) * time.Minute
	seconds := int64(d / time.Second)
	d -= time.Duration(seconds) * time.Second
	microseconds := int64(d / time.Microsecond)

	if microseconds == 0 {
		b.writeByte(8)
		b.writeByte(boolByte(isNegative))
		b.writeUint32(uint32(days))
		b.writeByte(byte(hours))
		b.writeByte(byte(minutes))
		b.writeByte(byte(seconds))
		return
	}
	b.writeByte(12)
	b.writeByte(boolByte(isNegative))
	b.writeUint32(uint32(days))
	b.writeByte(byte(hours))
	b.writeByte(byte(minutes))
	b.writeByte(byte(seconds))
	b.writeUint32(uint32(microseconds))
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// toTime coerces val into a time.Time for the DATE/DATETIME/TIMESTAMP
// binary encoders. Sessions are expected to hand back time.Time directly;
// a Unix timestamp is accepted too, mirroring _binary_encode_date's
// int/float branch.
func toTime(val any) (time.Time, error) {
	switch v := val.(type) {
	case time.Time:
		return v, nil
	case int64:
		return time.Unix(v, 0), nil
	case int:
		return time.Unix(int64(v), 0), nil
	default:
		return time.Time{}, &ProtocolError{Message: fmt.Sprintf("cannot encode %T as date/time", val)}
	}
}

// toDuration coerces val into a time.Duration for the TIME binary
// encoder.
func toDuration(val any) (time.Duration, error) {
	switch v := val.(type) {
	case time.Duration:
		return v, nil
	default:
		return 0, &ProtocolError{Message: fmt.Sprintf("cannot encode %T as time", val)}
	}
}

func toInt64(val any) (int64, error) {
	switch v := val.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, &ProtocolError{Message: fmt.Sprintf("cannot encode %q as integer", v)}
		}
		return n, nil
	default:
		return 0, &ProtocolError{Message: fmt.Sprintf("cannot encode %T as integer", val)}
	}
}

func toFloat64(val any) (float64, error) {
	switch v := val.(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, &ProtocolError{Message: fmt.Sprintf("cannot encode %T as float", val)}
	}
}
