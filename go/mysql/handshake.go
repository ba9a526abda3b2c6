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

// This file builds and parses the handshake-phase packets: the protocol-10
// greeting, the client's HandshakeResponse41, AuthSwitchRequest and
// AuthMoreData, and the shared connect-attrs / query-attrs block parser
// those and COM_QUERY/COM_STMT_EXECUTE all reuse. Grounded on
// mysql_mimic's packets.py: make_handshake_v10, parse_handshake_response_41,
// make_auth_switch_request, make_auth_more_data, _read_connect_attrs, and
// _read_params.

// handshakeResponse is the decoded HandshakeResponse41 packet.
type handshakeResponse struct {
	Capabilities  Capability
	MaxPacketSize uint32
	Collation     CollationID
	Username      string
	AuthResponse  []byte
	Database      string
	ClientPlugin  string
	ConnectAttrs  map[string]string
}

// writeHandshakeV10 builds the initial server greeting. authData is the
// default plugin's challenge, normally a 20-byte nonce, with or without a
// trailing NUL. The first 8 bytes are followed by a 0 filler; part 2 is
// written as at least 12 bytes with any trailing NUL dropped, followed by
// exactly one NUL terminator and then the plugin name.
func writeHandshakeV10(connectionID uint32, serverVersion string, authData []byte, collation CollationID, status StatusFlag, authPluginName string) []byte {
	caps := serverCapabilities

	b := newBuilder(64 + len(serverVersion) + len(authData))
	b.writeByte(10)
	b.writeNullString([]byte(serverVersion))
	b.writeUint32(connectionID)
	b.writeFixedString(8, authData)
	b.writeByte(0) // filler, historically the first byte of auth-plugin-data part 2 overlaps here in some docs; vitess and mysqld both emit a literal 0
	b.writeUint16(uint16(caps & 0xffff))
	b.writeByte(byte(collation))
	b.writeUint16(uint16(status))
	b.writeUint16(uint16(caps >> 16))

	var rest []byte
	if caps.Has(CapPluginAuth) {
		rest = authData
		if len(rest) < 8 {
			rest = append(rest, make([]byte, 8-len(rest))...)
		}
		b.writeByte(byte(len(rest)))
	} else {
		b.writeByte(0)
	}
	b.writeZeroes(10) // reserved

	if caps.Has(CapPluginAuth) {
		tail := trimTrailingZero(rest[8:])
		width := len(tail)
		if width < 12 {
			width = 12
		}
		b.writeFixedString(width, tail)
		b.writeByte(0)
		b.writeNullString([]byte(authPluginName))
	}

	return b.Bytes()
}

// parseHandshakeResponse41 decodes a HandshakeResponse41 payload against
// the server's advertised capability set, returning the intersection the
// connection will use for the rest of its life.
func parseHandshakeResponse41(serverCaps Capability, data []byte) (*handshakeResponse, error) {
	r := newReader(data)

	rawCaps, err := r.readUint32()
	if err != nil {
		return nil, &ProtocolError{Message: "truncated handshake response: capabilities"}
	}
	caps := negotiate(serverCaps, Capability(rawCaps))

	maxPacketSize, err := r.readUint32()
	if err != nil {
		return nil, &ProtocolError{Message: "truncated handshake response: max packet size"}
	}
	collationByte, err := r.readByte()
	if err != nil {
		return nil, &ProtocolError{Message: "truncated handshake response: collation"}
	}
	if _, err := r.readBytes(23); err != nil {
		return nil, &ProtocolError{Message: "truncated handshake response: reserved bytes"}
	}
	username, err := r.readNullString()
	if err != nil {
		return nil, &ProtocolError{Message: "truncated handshake response: username"}
	}

	var authResponse []byte
	switch {
	case caps.Has(CapPluginAuthLenencClientData):
		authResponse, err = r.readLenEncString()
	case caps.Has(CapSecureConnection):
		var l byte
		l, err = r.readByte()
		if err == nil {
			authResponse, err = r.readBytes(int(l))
		}
	default:
		authResponse, err = r.readNullString()
	}
	if err != nil {
		return nil, &ProtocolError{Message: "truncated handshake response: auth response"}
	}

	resp := &handshakeResponse{
		Capabilities:  caps,
		MaxPacketSize: maxPacketSize,
		Collation:     CollationID(collationByte),
		Username:      string(username),
		AuthResponse:  append([]byte{}, authResponse...),
	}

	if caps.Has(CapConnectWithDB) {
		db, err := r.readNullString()
		if err != nil {
			return nil, &ProtocolError{Message: "truncated handshake response: database"}
		}
		resp.Database = string(db)
	}

	if caps.Has(CapPluginAuth) {
		plugin, err := r.readNullString()
		if err != nil {
			return nil, &ProtocolError{Message: "truncated handshake response: client plugin"}
		}
		resp.ClientPlugin = string(plugin)
	}

	if caps.Has(CapConnectAttrs) {
		attrs, err := readConnectAttrs(r)
		if err != nil {
			return nil, err
		}
		resp.ConnectAttrs = attrs
	}

	return resp, nil
}

// readConnectAttrs decodes the length-prefixed key/value block sent by
// CLIENT_CONNECT_ATTRS, per _read_connect_attrs.
func readConnectAttrs(r *reader) (map[string]string, error) {
	totalLen, err := r.readLenEncInt()
	if err != nil {
		return nil, &ProtocolError{Message: "truncated connect attrs: length"}
	}
	attrs := make(map[string]string)
	remaining := int64(totalLen)
	for remaining > 0 {
		startPos := r.pos
		key, err := r.readLenEncString()
		if err != nil {
			return nil, &ProtocolError{Message: "truncated connect attrs: key"}
		}
		val, err := r.readLenEncString()
		if err != nil {
			return nil, &ProtocolError{Message: "truncated connect attrs: value"}
		}
		attrs[string(key)] = string(val)
		remaining -= int64(r.pos - startPos)
	}
	return attrs, nil
}

// changeUserRequest is the decoded COM_CHANGE_USER payload.
type changeUserRequest struct {
	Username     string
	AuthResponse []byte
	Database     string
	Collation    CollationID
	ClientPlugin string
	ConnectAttrs map[string]string
}

// parseComChangeUser decodes a COM_CHANGE_USER command body, per
// parse_com_change_user. The auth-response is a single-byte length
// prefix when CLIENT_SECURE_CONNECTION was negotiated, and the legacy
// NUL-terminated form otherwise, mirroring parseHandshakeResponse41's
// own branch on the same bit.
func parseComChangeUser(caps Capability, data []byte) (*changeUserRequest, error) {
	r := newReader(data)

	username, err := r.readNullString()
	if err != nil {
		return nil, &ProtocolError{Message: "truncated change-user: username"}
	}

	var authResponse []byte
	if caps.Has(CapSecureConnection) {
		l, lerr := r.readByte()
		if lerr != nil {
			return nil, &ProtocolError{Message: "truncated change-user: auth response length"}
		}
		authResponse, err = r.readBytes(int(l))
	} else {
		authResponse, err = r.readNullString()
	}
	if err != nil {
		return nil, &ProtocolError{Message: "truncated change-user: auth response"}
	}

	database, err := r.readNullString()
	if err != nil {
		return nil, &ProtocolError{Message: "truncated change-user: database"}
	}

	cu := &changeUserRequest{
		Username:     string(username),
		AuthResponse: append([]byte{}, authResponse...),
		Database:     string(database),
	}

	if r.remaining() > 0 {
		if caps.Has(CapProtocol41) {
			coll, err := r.readUint16()
			if err != nil {
				return nil, &ProtocolError{Message: "truncated change-user: collation"}
			}
			cu.Collation = CollationID(coll)
		}
		if caps.Has(CapPluginAuth) {
			plugin, err := r.readNullString()
			if err != nil {
				return nil, &ProtocolError{Message: "truncated change-user: client plugin"}
			}
			cu.ClientPlugin = string(plugin)
		}
		if caps.Has(CapConnectAttrs) && r.remaining() > 0 {
			attrs, err := readConnectAttrs(r)
			if err != nil {
				return nil, err
			}
			cu.ConnectAttrs = attrs
		}
	}

	return cu, nil
}

// writeAuthSwitchRequest builds the packet that asks the client to restart
// authentication using a different plugin.
func writeAuthSwitchRequest(pluginName string, pluginData []byte) []byte {
	b := newBuilder(16 + len(pluginName) + len(pluginData))
	b.writeByte(0xfe)
	b.writeNullString([]byte(pluginName))
	b.writeBytes(pluginData)
	return b.Bytes()
}

// writeAuthMoreData builds the packet carrying a subsequent-round
// challenge for the plugin already in use.
func writeAuthMoreData(data []byte) []byte {
	b := newBuilder(1 + len(data))
	b.writeByte(0x01)
	b.writeBytes(data)
	return b.Bytes()
}

// namedParam is one decoded query-attribute or statement parameter: Name
// is empty for a plain statement parameter (only query attributes carry
// names on the wire).
type namedParam struct {
	Name  string
	Value any
}

// readParams decodes the shared parameter/query-attribute block used by
// both COM_QUERY (when CLIENT_QUERY_ATTRIBUTES is negotiated) and
// COM_STMT_EXECUTE, per _read_params. longDataBuffers supplies values
// already staged via COM_STMT_SEND_LONG_DATA, keyed by parameter index;
// pass nil when not applicable (COM_QUERY attributes never use long data).
func readParams(caps Capability, r *reader, count int, longDataBuffers map[int][]byte) ([]namedParam, error) {
	if count == 0 {
		return nil, nil
	}

	bitmap, err := readParamNullBitmap(r, count)
	if err != nil {
		return nil, err
	}
	newParamsBound, err := r.readByte()
	if err != nil {
		return nil, &ProtocolError{Message: "truncated params: new-params-bound flag"}
	}
	if newParamsBound == 0 {
		return nil, &UnsupportedError{Code: ERNotSupportedYet, Message: "client did not set the new-params-bound flag"}
	}

	type paramType struct {
		name     string
		typ      ColumnType
		unsigned bool
	}
	types := make([]paramType, count)
	for i := 0; i < count; i++ {
		rawType, err := r.readByte()
		if err != nil {
			return nil, &ProtocolError{Message: "truncated params: type"}
		}
		flagsByte, err := r.readByte()
		if err != nil {
			return nil, &ProtocolError{Message: "truncated params: unsigned flag"}
		}
		var name string
		if caps.Has(CapQueryAttributes) {
			nameBytes, err := r.readLenEncString()
			if err != nil {
				return nil, &ProtocolError{Message: "truncated params: name"}
			}
			name = string(nameBytes)
		}
		types[i] = paramType{name: name, typ: ColumnType(rawType), unsigned: flagsByte&0x80 != 0}
	}

	params := make([]namedParam, count)
	for i, pt := range types {
		if bitmap.isSet(i) {
			params[i] = namedParam{Name: pt.name, Value: nil}
			continue
		}
		if buf, ok := longDataBuffers[i]; ok {
			params[i] = namedParam{Name: pt.name, Value: string(buf)}
			continue
		}
		val, err := readParamValue(r, pt.typ, pt.unsigned)
		if err != nil {
			return nil, err
		}
		params[i] = namedParam{Name: pt.name, Value: val}
	}
	return params, nil
}

// readParamNullBitmap reads the leading NULL bitmap of a parameter block,
// at bitmap offset 0 (unlike a binary result row's offset 2).
func readParamNullBitmap(r *reader, count int) (*nullBitmap, error) {
	numBytes := (count + 7) / 8
	raw, err := r.readBytes(numBytes)
	if err != nil {
		return nil, &ProtocolError{Message: "truncated params: null bitmap"}
	}
	bitmap := &nullBitmap{bits: make([]byte, numBytes), offset: 0}
	copy(bitmap.bits, raw)
	return bitmap, nil
}

// readParamValue decodes one bound parameter's value according to its
// declared wire type, per _read_param_value.
func readParamValue(r *reader, typ ColumnType, unsigned bool) (any, error) {
	switch typ {
	case ColumnTypeVarchar, ColumnTypeVarString, ColumnTypeString,
		ColumnTypeBlob, ColumnTypeTinyBlob, ColumnTypeMediumBlob, ColumnTypeLongBlob:
		v, err := r.readLenEncString()
		if err != nil {
			return nil, &ProtocolError{Message: "truncated param value: string"}
		}
		return string(v), nil
	case ColumnTypeTiny:
		v, err := r.readByte()
		if err != nil {
			return nil, &ProtocolError{Message: "truncated param value: tiny"}
		}
		if unsigned {
			return uint8(v), nil
		}
		return int8(v), nil
	case ColumnTypeShort, ColumnTypeYear:
		v, err := r.readUint16()
		if err != nil {
			return nil, &ProtocolError{Message: "truncated param value: short"}
		}
		if unsigned {
			return v, nil
		}
		return int16(v), nil
	case ColumnTypeLong, ColumnTypeInt24:
		v, err := r.readUint32()
		if err != nil {
			return nil, &ProtocolError{Message: "truncated param value: long"}
		}
		if unsigned {
			return v, nil
		}
		return int32(v), nil
	case ColumnTypeLongLong:
		v, err := r.readUint64()
		if err != nil {
			return nil, &ProtocolError{Message: "truncated param value: longlong"}
		}
		if unsigned {
			return v, nil
		}
		return int64(v), nil
	case ColumnTypeFloat:
		v, err := r.readUint32()
		if err != nil {
			return nil, &ProtocolError{Message: "truncated param value: float"}
		}
		return float32FromBits(v), nil
	case ColumnTypeDouble:
		v, err := r.readUint64()
		if err != nil {
			return nil, &ProtocolError{Message: "truncated param value: double"}
		}
		return float64FromBits(v), nil
	case ColumnTypeNull:
		return nil, nil
	default:
		return nil, &UnsupportedError{Code: ERNotSupportedYet, Message: "unsupported parameter type"}
	}
}
