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

// This file is the character set / collation registry referenced during
// handshake negotiation and by SHOW-style admin queries a Session may
// serve. It mirrors go/mysql/collations/collation.go's map[name]/map[id]
// registry shape, but carries the id set mysql_mimic's charset.py
// actually exercises rather than the full upstream catalog — this module
// has no collation-aware string comparison to perform, so only the
// identifiers and their names/defaults need to survive the wire.

// CollationID identifies a charset/collation pair by its protocol-level
// numeric id.
type CollationID uint16

// Well-known collation ids, matching mysql_mimic's charset.py Collation
// enum values.
const (
	CollationUTF8GeneralCI     CollationID = 33
	CollationUTF8Mb4GeneralCI  CollationID = 45
	CollationUTF8Mb4Bin        CollationID = 46
	CollationBinary            CollationID = 63
	CollationUTF8Bin           CollationID = 83
	CollationUTF8Mb4UnicodeCI  CollationID = 224
)

// DefaultCollation is the collation advertised in the handshake greeting
// and assumed for the connection until a client issues SET NAMES / SET
// CHARACTER SET, matching mysql_mimic's default of utf8mb4_general_ci.
const DefaultCollation = CollationUTF8Mb4GeneralCI

type collationInfo struct {
	name    string
	charset string
}

var collationsByID = map[CollationID]collationInfo{
	CollationUTF8GeneralCI:    {name: "utf8_general_ci", charset: "utf8"},
	CollationUTF8Mb4GeneralCI: {name: "utf8mb4_general_ci", charset: "utf8mb4"},
	CollationUTF8Mb4Bin:       {name: "utf8mb4_bin", charset: "utf8mb4"},
	CollationBinary:           {name: "binary", charset: "binary"},
	CollationUTF8Bin:          {name: "utf8_bin", charset: "utf8"},
	CollationUTF8Mb4UnicodeCI: {name: "utf8mb4_unicode_ci", charset: "utf8mb4"},
}

var collationsByName = func() map[string]CollationID {
	m := make(map[string]CollationID, len(collationsByID))
	for id, info := range collationsByID {
		if _, dup := m[info.name]; dup {
			panic("mysql: duplicate collation name " + info.name)
		}
		m[info.name] = id
	}
	return m
}()

// CollationName returns the collation's canonical name, or "" if id is not
// registered.
func CollationName(id CollationID) string {
	return collationsByID[id].name
}

// CharsetName returns the charset name a collation belongs to, or "" if id
// is not registered.
func CharsetName(id CollationID) string {
	return collationsByID[id].charset
}

// CollationByName looks up a collation id by its canonical name.
func CollationByName(name string) (CollationID, bool) {
	id, ok := collationsByName[name]
	return id, ok
}

// IsKnownCollation reports whether id is in the registry. The handshake
// accepts unknown ids from the client (the server does not refuse a
// connection over an unrecognized collation byte) but admin query
// responses only enumerate known ones.
func IsKnownCollation(id CollationID) bool {
	_, ok := collationsByID[id]
	return ok
}
