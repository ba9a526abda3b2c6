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
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nativePasswordScramble reproduces the client side of the
// mysql_native_password exchange, for tests to construct a valid response
// against an arbitrary nonce.
func nativePasswordScramble(password string, nonce []byte) []byte {
	if password == "" {
		return nil
	}
	sha1Password := sha1.Sum([]byte(password))
	sha1SHA1Password := sha1.Sum(sha1Password[:])

	h := sha1.New()
	h.Write(nonce)
	h.Write(sha1SHA1Password[:])
	sha1WithNonce := h.Sum(nil)

	return xorBytes(sha1Password[:], sha1WithNonce)
}

func TestNativePasswordVerifyLaw(t *testing.T) {
	testcases := []struct {
		name     string
		password string
	}{
		{"empty password", ""},
		{"short password", "hunter2"},
		{"long password", "a very long passphrase with spaces and 42 numbers"},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			plugin := &nativePasswordAuthPlugin{}
			start, err := plugin.Step(nil)
			require.NoError(t, err)
			require.Equal(t, DecisionContinue, start.Kind)
			nonce := trimTrailingZero(start.Challenge)

			scramble := nativePasswordScramble(tc.password, nonce)
			user := &User{Name: "root", AuthString: NativePasswordAuthString(tc.password)}

			decision, err := plugin.Step(&AuthInfo{Username: "root", Data: scramble, User: user})
			require.NoError(t, err)
			assert.Equal(t, DecisionAccept, decision.Kind)
			assert.Equal(t, "root", decision.Identity)
		})
	}
}

func TestNativePasswordRejectsWrongPassword(t *testing.T) {
	plugin := &nativePasswordAuthPlugin{}
	start, err := plugin.Step(nil)
	require.NoError(t, err)
	nonce := trimTrailingZero(start.Challenge)

	scramble := nativePasswordScramble("wrong-password", nonce)
	user := &User{Name: "root", AuthString: NativePasswordAuthString("correct-password")}

	decision, err := plugin.Step(&AuthInfo{Username: "root", Data: scramble, User: user})
	require.NoError(t, err)
	assert.Equal(t, DecisionReject, decision.Kind)
}

func TestNativePasswordEmptyPasswordQuickAccept(t *testing.T) {
	plugin := &nativePasswordAuthPlugin{}
	_, err := plugin.Step(nil)
	require.NoError(t, err)

	user := &User{Name: "anon", AuthString: ""}
	decision, err := plugin.Step(&AuthInfo{Username: "anon", Data: nil, User: user})
	require.NoError(t, err)
	assert.Equal(t, DecisionAccept, decision.Kind)
}

func TestNativePasswordReusesHandshakeNonce(t *testing.T) {
	plugin := &nativePasswordAuthPlugin{}
	start, err := plugin.Step(nil)
	require.NoError(t, err)
	handshakeNonce := trimTrailingZero(start.Challenge)

	scramble := nativePasswordScramble("s3cret", handshakeNonce)
	user := &User{Name: "root", AuthString: NativePasswordAuthString("s3cret")}

	// Simulate COM_CHANGE_USER: a fresh plugin instance with its own empty
	// nonce field, but the client answered against the original handshake
	// nonce without ever receiving an AuthSwitchRequest.
	changeUserPlugin := &nativePasswordAuthPlugin{}
	decision, err := changeUserPlugin.Step(&AuthInfo{
		Username:            "root",
		Data:                scramble,
		User:                user,
		HandshakePluginName: changeUserPlugin.Name(),
		HandshakeAuthData:   start.Challenge,
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionAccept, decision.Kind)
}

func TestClearPasswordAcceptsViaCheckFunc(t *testing.T) {
	plugin := NewClearPasswordAuthPlugin(func(username, password string) (string, bool) {
		if password == "letmein" {
			return username, true
		}
		return "", false
	})

	_, err := plugin.Step(nil)
	require.NoError(t, err)

	decision, err := plugin.Step(&AuthInfo{Username: "alice", Data: append([]byte("letmein"), 0)})
	require.NoError(t, err)
	assert.Equal(t, DecisionAccept, decision.Kind)
	assert.Equal(t, "alice", decision.Identity)

	decision, err = plugin.Step(&AuthInfo{Username: "alice", Data: append([]byte("wrong"), 0)})
	require.NoError(t, err)
	assert.Equal(t, DecisionReject, decision.Kind)
}

func TestNoLoginAlwaysRejects(t *testing.T) {
	plugin := NewNoLoginAuthPlugin()
	_, err := plugin.Step(nil)
	require.NoError(t, err)

	decision, err := plugin.Step(&AuthInfo{Username: "root"})
	require.NoError(t, err)
	assert.Equal(t, DecisionReject, decision.Kind)
}

func TestHexEncodeDecodeRoundTrip(t *testing.T) {
	in := []byte{0x00, 0x01, 0xAB, 0xFF, 0x42}
	encoded := hexEncode(in)
	decoded, err := hexDecode(encoded)
	require.NoError(t, err)
	assert.Equal(t, in, decoded)
}

func TestHexDecodeRejectsOddLength(t *testing.T) {
	_, err := hexDecode("abc")
	assert.Error(t, err)
}
