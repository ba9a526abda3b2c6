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

// Capability is the client/server capability bitfield exchanged during the
// handshake. Bit positions match mysql_mimic's Capabilities IntFlag
// (types.py) and the published MySQL protocol documentation.
type Capability uint32

const (
	CapLongPassword Capability = 1 << iota
	CapFoundRows
	CapLongFlag
	CapConnectWithDB
	CapNoSchema
	CapCompress
	CapODBC
	CapLocalFiles
	CapIgnoreSpace
	CapProtocol41
	CapInteractive
	CapSSL
	CapIgnoreSigpipe
	CapTransactions
	capReserved
	CapSecureConnection
	CapMultiStatements
	CapMultiResults
	CapPSMultiResults
	CapPluginAuth
	CapConnectAttrs
	CapPluginAuthLenencClientData
	CapCanHandleExpiredPasswords
	CapSessionTrack
	CapDeprecateEOF
	CapOptionalResultsetMetadata
	CapZstdCompressionAlgorithm
	CapQueryAttributes
)

// serverCapabilities is the fixed set this package advertises in the
// initial handshake greeting, per SPEC_FULL.md §6.3's named minimum: long
// password, found rows, long flag, connect-with-db, protocol-41,
// transactions, secure connection, plugin-auth,
// plugin-auth-lenenc-client-data, connect-attrs, session-track,
// deprecate-eof, query-attributes, plus optional-resultset-metadata.
//
// CapMultiStatements/CapMultiResults/CapPSMultiResults are deliberately
// not advertised: this package dispatches one SQL statement per
// COM_QUERY and never emits SERVER_MORE_RESULTS_EXISTS, so there is no
// chained-result-set behavior for a client to opt into.
const serverCapabilities = CapLongPassword |
	CapFoundRows |
	CapLongFlag |
	CapConnectWithDB |
	CapProtocol41 |
	CapTransactions |
	CapSecureConnection |
	CapPluginAuth |
	CapPluginAuthLenencClientData |
	CapConnectAttrs |
	CapSessionTrack |
	CapDeprecateEOF |
	CapOptionalResultsetMetadata |
	CapQueryAttributes

// Has reports whether every bit set in want is also set in c.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// negotiate computes the session's effective capability set: the bitwise
// AND of what the server advertises and what the client requested, per
// spec.md §4.3 ("The negotiated set is the bitwise AND of server
// advertised and client-reported capabilities").
func negotiate(server, client Capability) Capability {
	return server & client
}
