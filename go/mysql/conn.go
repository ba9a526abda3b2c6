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
	"context"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/golang/glog"
)

// This file is the connection state machine: the handshake/authentication
// phase and the bookkeeping the command loop (command.go) relies on.
// Grounded step-for-step on mysql_mimic's connection.py Connection class —
// connection_phase, authenticate and handle_change_user map directly onto
// Go methods of the same shape, with the AsyncGenerator-based AuthState
// replaced by repeated AuthPlugin.Step calls per the Decision tagged
// union in auth.go.

var nextConnectionID uint32

// defaultServerVersion is reported in the handshake greeting's
// server-version field. Overridable per Server via Server.Version.
const defaultServerVersion = "8.0.34-mysqlwire"

// Conn is one client connection's full protocol state: negotiated
// capabilities, authenticated identity, current database, prepared
// statements, and status flags. Exported so a Session implementation can
// inspect it (Init receives *Conn), matching spec.md's note that
// Connection state is visible to the injected callbacks.
type Conn struct {
	pc *packetConn

	netConn net.Conn

	id           uint32
	remoteAddr   string
	identity     IdentityProvider
	session      Session
	serverCaps   Capability
	serverVer    string
	gssStepper   GSSStepper
	metrics      *serverMetrics

	Capabilities Capability
	Collation    CollationID
	Username     string
	Database     string
	ConnectAttrs map[string]string
	ClientPlugin string

	maxPacketSize uint32
	statusFlags   StatusFlag

	handshakeAuthData   []byte
	handshakeAuthPlugin string

	stmts *stmtRegistry

	closed bool
}

// newConn wires a raw byte-stream transport into a protocol-level
// connection. The transport itself — how it was accepted, TLS, unix
// sockets — is entirely the caller's concern; this package only ever sees
// an io.Reader/io.Writer pair, per spec.md's explicit exclusion of
// transport bootstrap.
func newConn(rw io.ReadWriter, netConn net.Conn, identity IdentityProvider, session Session, serverVer string, gss GSSStepper, metrics *serverMetrics) *Conn {
	id := atomic.AddUint32(&nextConnectionID, 1)
	addr := ""
	if netConn != nil {
		addr = netConn.RemoteAddr().String()
	}
	if serverVer == "" {
		serverVer = defaultServerVersion
	}
	return &Conn{
		pc:          newPacketConn(rw, rw),
		netConn:     netConn,
		id:          id,
		remoteAddr:  addr,
		identity:    identity,
		session:     session,
		serverCaps:  serverCapabilities,
		serverVer:   serverVer,
		gssStepper:  gss,
		metrics:     metrics,
		Collation:   DefaultCollation,
		statusFlags: StatusAutocommit,
		stmts:       newStmtRegistry(),
	}
}

// ID returns the connection's unique, per-process, monotonically
// increasing identifier.
func (c *Conn) ID() uint32 { return c.id }

// RemoteAddr returns the peer address, if known.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

func (c *Conn) deprecateEOF() bool { return c.Capabilities.Has(CapDeprecateEOF) }

// writeOK sends a status-OK response as a legacy (0x00-tagged) OK packet,
// matching connection.py's self.ok(). The EOF-position form is
// writeResultTerminator's job.
func (c *Conn) writeOK(affectedRows, lastInsertID uint64, warnings uint16) error {
	pkt := writeOKPacket(c.Capabilities, c.statusFlags, false, affectedRows, lastInsertID, warnings, nil)
	return c.writeAndFlush(pkt)
}

// writeResultTerminator sends either an OK (if DEPRECATE_EOF) or a legacy
// EOF packet at the end of a result set, matching ok_or_eof.
func (c *Conn) writeResultTerminator(affectedRows uint64, warnings uint16, extraStatus StatusFlag) error {
	status := c.statusFlags | extraStatus
	if c.deprecateEOF() {
		return c.writeAndFlush(writeOKPacket(c.Capabilities, status, true, affectedRows, 0, warnings, nil))
	}
	return c.writeAndFlush(writeEOFPacket(c.Capabilities, status, warnings))
}

func (c *Conn) writeErr(err error) error {
	code, state, msg := toWireError(err)
	return c.writeAndFlush(writeErrPacket(c.Capabilities, code, state, msg))
}

func (c *Conn) writeAndFlush(payload []byte) error {
	if err := c.pc.writePacket(payload); err != nil {
		return err
	}
	return c.pc.flush()
}

// serve drives one connection end-to-end: handshake, authentication,
// Session.Init, then the command loop, until the client disconnects or a
// fatal protocol/auth error occurs. Matches connection.py's _start.
func (c *Conn) serve(ctx context.Context) {
	defer c.closeQuietly(ctx)

	if err := c.connectionPhase(ctx); err != nil {
		glog.V(1).Infof("mysql: connection %d handshake failed: %v", c.id, err)
		return
	}

	if err := c.session.Init(ctx, c); err != nil {
		glog.Errorf("mysql: connection %d session init failed: %v", c.id, err)
		_ = c.writeErr(&InternalError{Cause: err})
		return
	}

	c.commandLoop(ctx)
}

func (c *Conn) closeQuietly(ctx context.Context) {
	if c.closed {
		return
	}
	c.closed = true
	if c.session != nil {
		if err := c.session.Close(ctx); err != nil {
			glog.V(1).Infof("mysql: connection %d session close error: %v", c.id, err)
		}
	}
	if c.netConn != nil {
		_ = c.netConn.Close()
	}
	if c.metrics != nil {
		c.metrics.connectionsClosed.Inc()
	}
}

// connectionPhase runs the handshake and authentication exchange, per
// connection.py's connection_phase.
func (c *Conn) connectionPhase(ctx context.Context) error {
	defaultPlugin := c.identity.DefaultPlugin()
	firstDecision, err := defaultPlugin.Step(nil)
	if err != nil {
		return err
	}
	if firstDecision.Kind != DecisionContinue {
		return &ProtocolError{Message: "default auth plugin did not yield an initial challenge"}
	}
	c.handshakeAuthData = firstDecision.Challenge
	c.handshakeAuthPlugin = defaultPlugin.Name()

	greeting := writeHandshakeV10(c.id, c.serverVer, c.handshakeAuthData, c.Collation, c.statusFlags, defaultPlugin.Name())
	if err := c.writeAndFlush(greeting); err != nil {
		return err
	}

	respData, err := c.pc.readPacket()
	if err != nil {
		return err
	}
	resp, err := parseHandshakeResponse41(c.serverCaps, respData)
	if err != nil {
		return err
	}

	c.Capabilities = resp.Capabilities
	c.maxPacketSize = resp.MaxPacketSize
	c.Collation = resp.Collation
	c.Database = resp.Database
	c.ClientPlugin = resp.ClientPlugin
	c.ConnectAttrs = resp.ConnectAttrs

	if err := c.authenticate(ctx, resp.Username, resp.AuthResponse, resp.ClientPlugin, resp.ConnectAttrs, defaultPlugin, firstDecision); err != nil {
		if _, ok := err.(*ProtocolError); !ok {
			_ = c.writeErr(err)
		}
		return err
	}

	c.pc.resetSequence()
	return nil
}

// authenticate drives the plugin challenge/response loop for a single
// authentication attempt (initial handshake or COM_CHANGE_USER), per
// connection.py's authenticate. optimisticPlugin/optimisticDecision are
// set only on the very first call of a connection's life, when the
// handshake's own greeting already started a plugin exchange
// optimistically.
func (c *Conn) authenticate(ctx context.Context, username string, authResponse []byte, clientPluginName string, connectAttrs map[string]string, optimisticPlugin AuthPlugin, optimisticDecision Decision) error {
	user, err := c.identity.GetUser(ctx, username)
	if err != nil {
		return &InternalError{Cause: err}
	}
	if user == nil {
		return NewSQLError(ERUserDoesNotExist, "", "user %s does not exist", username)
	}

	userPlugin := c.identity.Plugin(user.AuthPlugin)
	if userPlugin == nil {
		userPlugin = c.identity.DefaultPlugin()
	}

	info := &AuthInfo{
		Username:            username,
		Data:                authResponse,
		User:                user,
		ConnectAttrs:        connectAttrs,
		ClientPluginName:    clientPluginName,
		HandshakeAuthData:   c.handshakeAuthData,
		HandshakePluginName: c.handshakeAuthPlugin,
	}

	var (
		decision Decision
		active   AuthPlugin
	)

	switch {
	case optimisticPlugin != nil &&
		(optimisticPlugin.ClientPluginName() == "" || optimisticPlugin.ClientPluginName() == clientPluginName) &&
		optimisticPlugin.Name() == userPlugin.Name():
		active = optimisticPlugin
		decision, err = active.Step(info)
	case userPlugin.ClientPluginName() == "" || userPlugin.ClientPluginName() == clientPluginName:
		active = userPlugin
		decision, err = active.Step(info)
	default:
		active = userPlugin
		decision, err = active.Step(nil)
		if err == nil && decision.Kind == DecisionContinue && active.ClientPluginName() != "" {
			if err := c.writeAndFlush(writeAuthSwitchRequest(active.ClientPluginName(), decision.Challenge)); err != nil {
				return err
			}
			reply, rerr := c.pc.readPacket()
			if rerr != nil {
				return rerr
			}
			info.Data = reply
			decision, err = active.Step(info)
		}
	}
	if err != nil {
		return &InternalError{Cause: err}
	}

	for decision.Kind == DecisionContinue {
		if err := c.writeAndFlush(writeAuthMoreData(decision.Challenge)); err != nil {
			return err
		}
		reply, err := c.pc.readPacket()
		if err != nil {
			return err
		}
		info.Data = reply
		decision, err = active.Step(info)
		if err != nil {
			return &InternalError{Cause: err}
		}
	}

	if decision.Kind == DecisionReject {
		reason := decision.Reason
		if reason == "" {
			reason = fmt.Sprintf("Access denied for user %s", user.Name)
		}
		glog.V(1).Infof("mysql: access denied for user %q via plugin %q: %s", user.Name, active.Name(), reason)
		return &AuthError{Message: reason}
	}

	c.Username = decision.Identity
	return c.writeOK(0, 0, 0)
}

// handleChangeUser restarts authentication mid-session, per
// connection.py's handle_change_user.
func (c *Conn) handleChangeUser(ctx context.Context, data []byte) error {
	cu, err := parseComChangeUser(c.Capabilities, data)
	if err != nil {
		return err
	}

	c.Database = cu.Database
	if cu.Collation != 0 {
		c.Collation = cu.Collation
	}
	if len(cu.ConnectAttrs) > 0 {
		c.ConnectAttrs = cu.ConnectAttrs
	}

	if err := c.authenticate(ctx, cu.Username, cu.AuthResponse, cu.ClientPlugin, cu.ConnectAttrs, nil, Decision{}); err != nil {
		_ = c.writeErr(err)
		return quitError{}
	}

	return c.session.Reset(ctx)
}
