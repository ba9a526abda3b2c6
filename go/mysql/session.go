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

import "context"

// ColumnType is a MySQL column type code, as carried in the binary
// column-definition packet and used to select a row encoder. Values match
// the published wire protocol and mysql_mimic's types.py ColumnType enum.
type ColumnType byte

const (
	ColumnTypeDecimal   ColumnType = 0
	ColumnTypeTiny      ColumnType = 1
	ColumnTypeShort     ColumnType = 2
	ColumnTypeLong      ColumnType = 3
	ColumnTypeFloat     ColumnType = 4
	ColumnTypeDouble    ColumnType = 5
	ColumnTypeNull      ColumnType = 6
	ColumnTypeTimestamp ColumnType = 7
	ColumnTypeLongLong  ColumnType = 8
	ColumnTypeInt24     ColumnType = 9
	ColumnTypeDate      ColumnType = 10
	ColumnTypeTime      ColumnType = 11
	ColumnTypeDateTime  ColumnType = 12
	ColumnTypeYear      ColumnType = 13
	ColumnTypeVarchar   ColumnType = 15
	ColumnTypeBit       ColumnType = 16
	ColumnTypeJSON      ColumnType = 245
	ColumnTypeNewDecimal ColumnType = 246
	ColumnTypeEnum      ColumnType = 247
	ColumnTypeSet       ColumnType = 248
	ColumnTypeTinyBlob  ColumnType = 249
	ColumnTypeMediumBlob ColumnType = 250
	ColumnTypeLongBlob  ColumnType = 251
	ColumnTypeBlob      ColumnType = 252
	ColumnTypeVarString ColumnType = 253
	ColumnTypeString    ColumnType = 254
	ColumnTypeGeometry  ColumnType = 255
)

// ColumnFlag holds the bit flags carried alongside a column's type in its
// definition packet (NOT_NULL, PRI_KEY, UNSIGNED, ...), matching
// mysql_mimic's types.py ColumnDefinition IntFlag.
type ColumnFlag uint16

const (
	ColumnFlagNotNull ColumnFlag = 1 << iota
	ColumnFlagPriKey
	ColumnFlagUniqueKey
	ColumnFlagMultipleKey
	ColumnFlagBlob
	ColumnFlagUnsigned
	ColumnFlagZerofill
	ColumnFlagBinary
	ColumnFlagEnum
	ColumnFlagAutoIncrement
	ColumnFlagTimestamp
	ColumnFlagSet
)

// ColumnDefinition describes one column of a result set: its name, type,
// and how to render a Go value into the text and binary row encodings.
// Grounded on results.py's ResultColumn, with Text/BinaryEncode defaulted
// from the column's Type the way ResultColumn falls back to
// _TEXT_ENCODERS/_BINARY_ENCODERS.
type ColumnDefinition struct {
	Name      string
	Type      ColumnType
	Collation CollationID
	Flags     ColumnFlag
	Decimals  byte

	// TextEncode and BinaryEncode override the default rendering for
	// Type when set. Most callers leave these nil.
	TextEncode   func(val any) ([]byte, error)
	BinaryEncode func(b *builder, val any) error
}

func (c *ColumnDefinition) textEncode(val any) ([]byte, error) {
	if c.TextEncode != nil {
		return c.TextEncode(val)
	}
	return formatTextValue(val)
}

func (c *ColumnDefinition) binaryEncode(b *builder, val any) error {
	if c.BinaryEncode != nil {
		return c.BinaryEncode(b, val)
	}
	return defaultBinaryEncode(b, c.Type, val)
}

// ResultSet is a query or statement-execution result: its rows and their
// column shape. A ResultSet with no columns and no rows is a statement
// that produced no result set (the OK-packet path), matching
// results.py's ResultSet.__bool__.
type ResultSet struct {
	Columns      []*ColumnDefinition
	Rows         []Row
	RowsAffected uint64
	LastInsertID uint64
	Warnings     uint16
}

// Row is a single result row: one value per column, in column order. A
// nil element denotes SQL NULL.
type Row []any

// HasColumns reports whether the result carries a column/row result set,
// as opposed to a bare status (OK packet).
func (rs *ResultSet) HasColumns() bool {
	return rs != nil && len(rs.Columns) > 0
}

// Session is the per-connection callback surface a caller injects to
// actually answer queries and manage prepared statements. This package
// owns none of SQL parsing or execution — spec.md's Non-goals exclude
// both — so every command that needs a real answer is routed through
// this interface, exactly as SPEC_FULL.md's External Interfaces section
// names it.
type Session interface {
	// Init is called once, immediately after authentication succeeds and
	// before the command loop starts.
	Init(ctx context.Context, conn *Conn) error

	// Query answers a COM_QUERY. attrs holds the query-attributes
	// block when CLIENT_QUERY_ATTRIBUTES was negotiated; nil otherwise.
	Query(ctx context.Context, sql string, attrs map[string]string) (*ResultSet, error)

	// Prepare answers COM_STMT_PREPARE: it validates sql and reports how
	// many placeholders it contains and what columns (if any) executing
	// it will return. The connection's prepared-statement registry owns
	// id assignment; Prepare never sees or chooses a statement id.
	Prepare(ctx context.Context, sql string) (numParams int, columns []*ColumnDefinition, err error)

	// Execute answers COM_STMT_EXECUTE for a previously prepared
	// statement, identified by the id the registry assigned at Prepare
	// time. params are decoded according to the types the client
	// declared in the EXECUTE packet.
	Execute(ctx context.Context, stmtID uint32, params []any, attrs map[string]string) (*ResultSet, error)

	// Schema reports the column types of every table visible to the
	// session's current database, keyed by table name and then column
	// name. It answers COM_FIELD_LIST without this package needing a real
	// catalog of its own; no other command in this package calls it.
	Schema(ctx context.Context) (map[string]map[string]ColumnType, error)

	// Use answers COM_INIT_DB / the USE statement: switch the session's
	// default schema.
	Use(ctx context.Context, schema string) error

	// Reset answers COM_RESET_CONNECTION: drop all session state (open
	// cursors, prepared statements, transaction state) while keeping the
	// authenticated identity and negotiated capabilities. It is also called
	// after a successful COM_CHANGE_USER.
	Reset(ctx context.Context) error

	// Close releases any resources held by the session. Called once, when
	// the connection terminates for any reason.
	Close(ctx context.Context) error
}
