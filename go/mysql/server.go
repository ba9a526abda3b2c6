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
	"net"
	"sync"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
)

// This file is the connection-accept loop: Server wraps a net.Listener
// (or any net.Conn source an embedder hands it) and spins up a *Conn per
// accepted connection. It is deliberately thin — spec.md excludes
// transport bootstrap from this package's scope, so Server exists only
// to turn "accepted connections" into "running protocol state machines",
// grounded on mysql_mimic's MysqlServer._client_connected_cb /
// serve_forever and on the atomic per-process connection counter idiom
// from go-mysql's Conn (NewConn / atomic.AddUint32).

// SessionFactory constructs a new Session for each accepted connection.
type SessionFactory func(ctx context.Context) (Session, error)

// Server accepts MySQL protocol connections and drives each one through
// the handshake, authentication, and command loop defined in this
// package. It owns none of SQL execution, auth verification, or network
// bootstrap — those are all supplied by the caller.
type Server struct {
	// SessionFactory builds the per-connection Session. Required.
	SessionFactory SessionFactory

	// Identity resolves usernames and exposes authentication plugins.
	// Defaults to NewSimpleIdentityProvider() if nil.
	Identity IdentityProvider

	// Version is reported in the handshake greeting. Defaults to
	// defaultServerVersion if empty.
	Version string

	// GSSStepper, if set, is stored on each connection. Nothing in this
	// package reads it: a Kerberos plugin uses the stepper passed to
	// NewKerberosAuthPlugin.
	GSSStepper GSSStepper

	// Metrics, if non-nil, receives prometheus counters for
	// connection and command activity. A nil Metrics means metrics are
	// simply not recorded — every call site nil-checks before use, so
	// wiring Prometheus is opt-in.
	Metrics *Metrics

	mu      sync.Mutex
	conns   map[uint32]*Conn
	closing bool
}

// Metrics is the set of prometheus collectors this package can report.
// Grounded on SPEC_FULL.md's Domain Stack section naming
// github.com/prometheus/client_golang as this module's optional metrics
// library. Register with prometheus.MustRegister or a custom Registerer
// before passing to Server.
type Metrics struct {
	ConnectionsOpened prometheus.Counter
	ConnectionsClosed prometheus.Counter
	CommandsHandled   *prometheus.CounterVec
}

// NewMetrics builds a Metrics with freshly constructed collectors, ready
// to register with a prometheus.Registerer.
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mysqlwire_connections_opened_total",
			Help: "Total number of accepted MySQL protocol connections.",
		}),
		ConnectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mysqlwire_connections_closed_total",
			Help: "Total number of closed MySQL protocol connections.",
		}),
		CommandsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mysqlwire_commands_handled_total",
			Help: "Total number of dispatched command opcodes, labeled by opcode name.",
		}, []string{"opcode"}),
	}
}

// Collectors returns every collector in m, for bulk registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.ConnectionsOpened, m.ConnectionsClosed, m.CommandsHandled}
}

// serverMetrics adapts a possibly-nil *Metrics into a always-safe-to-call
// internal struct, so command.go/conn.go never need a nil check of their
// own.
type serverMetrics struct {
	connectionsOpened prometheus.Counter
	connectionsClosed prometheus.Counter
	commandsHandled   *prometheus.CounterVec
}

func newServerMetrics(m *Metrics) *serverMetrics {
	if m == nil {
		return &serverMetrics{connectionsOpened: noopCounter{}, connectionsClosed: noopCounter{}}
	}
	return &serverMetrics{
		connectionsOpened: m.ConnectionsOpened,
		connectionsClosed: m.ConnectionsClosed,
		commandsHandled:   m.CommandsHandled,
	}
}

// observeCommand increments the commands-handled counter for op, if a
// CounterVec was wired in.
func (sm *serverMetrics) observeCommand(op comOpcode) {
	if sm == nil || sm.commandsHandled == nil {
		return
	}
	sm.commandsHandled.WithLabelValues(opcodeName(op)).Inc()
}

// noopCounter satisfies prometheus.Counter without needing a registered
// metric, used when the caller opts out of metrics entirely.
type noopCounter struct{ prometheus.Counter }

func (noopCounter) Inc() {}

// Serve accepts connections from l until it returns an error (typically
// because l was closed), handling each one in its own goroutine. It
// blocks until the listener closes; callers that want to stop earlier
// should close l themselves, mirroring how Go's net/http.Server.Serve
// behaves and matching mysql_mimic's serve_forever being driven by
// whatever event loop the caller runs.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	identity := s.Identity
	if identity == nil {
		identity = NewSimpleIdentityProvider()
	}
	metrics := newServerMetrics(s.Metrics)

	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go s.handle(ctx, conn, identity, metrics)
	}
}

// HandleConn drives a single already-accepted net.Conn through the full
// protocol lifecycle. Exposed directly so embedders with their own accept
// loop (e.g. one that also serves non-MySQL protocols on the same port)
// don't have to go through Serve.
func (s *Server) HandleConn(ctx context.Context, conn net.Conn) {
	identity := s.Identity
	if identity == nil {
		identity = NewSimpleIdentityProvider()
	}
	s.handle(ctx, conn, identity, newServerMetrics(s.Metrics))
}

func (s *Server) handle(ctx context.Context, netConn net.Conn, identity IdentityProvider, metrics *serverMetrics) {
	metrics.connectionsOpened.Inc()

	session, err := s.SessionFactory(ctx)
	if err != nil {
		glog.Errorf("mysql: session factory failed for %s: %v", netConn.RemoteAddr(), err)
		_ = netConn.Close()
		return
	}

	c := newConn(netConn, netConn, identity, session, s.Version, s.GSSStepper, metrics)

	s.track(c)
	defer s.untrack(c)

	c.serve(ctx)
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		s.conns = make(map[uint32]*Conn)
	}
	s.conns[c.id] = c
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.id)
}

// Kill closes the connection with the given id, if one is currently
// being served. It returns false if no such connection exists.
func (s *Server) Kill(id uint32) bool {
	s.mu.Lock()
	c, ok := s.conns[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	c.closeQuietly(context.Background())
	return true
}

// ConnectionCount returns the number of connections currently being
// served.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
