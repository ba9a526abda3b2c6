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

// Command mysqlwired runs a demonstration MySQL-protocol server backed by
// an in-memory, single-table Session, exercising every layer of
// go/mysql end to end: handshake, authentication, query and prepared
// statement dispatch, and result-set encoding.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"net/http"

	mysql "github.com/mysqlwire/mysqlwire/go/mysql"
)

var (
	addr        string
	metricsAddr string
	username    string
	password    string
)

func main() {
	root := &cobra.Command{
		Use:   "mysqlwired",
		Short: "Demonstration MySQL wire-protocol server",
		RunE:  run,
	}
	root.Flags().StringVar(&addr, "addr", "127.0.0.1:3306", "address to listen on")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	root.Flags().StringVar(&username, "user", "", "if set, restrict login to this single user")
	root.Flags().StringVar(&password, "password", "", "password for --user; ignored if --user is empty")

	// glog parses its verbosity flags from the standard flag package;
	// merge them into the cobra/pflag-driven root command the way
	// vitess's CLI entrypoints do.
	root.Flags().AddGoFlagSet(flag.CommandLine)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	defer glog.Flush()

	identity := mysql.IdentityProvider(mysql.NewSimpleIdentityProvider())
	if username != "" {
		identity = mysql.NewStaticIdentityProvider(map[string]*mysql.User{
			username: {
				Name:       username,
				AuthString: mysql.NativePasswordAuthString(password),
				AuthPlugin: "mysql_native_password",
			},
		})
	}

	metrics := mysql.NewMetrics()
	prometheus.MustRegister(metrics.Collectors()...)

	server := &mysql.Server{
		SessionFactory: func(ctx context.Context) (mysql.Session, error) {
			return newDemoSession(), nil
		},
		Identity: identity,
		Version:  "8.0.34-mysqlwire-demo",
		Metrics:  metrics,
	}

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			glog.Infof("serving metrics on %s", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				glog.Errorf("metrics server stopped: %v", err)
			}
		}()
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	glog.Infof("mysqlwired listening on %s", addr)

	return server.Serve(cmd.Context(), l)
}

// demoSession is a minimal, single-table, in-memory Session
// implementation used only to exercise the protocol engine end to end.
// Query answers "SELECT * FROM widgets" and "SELECT 1"; any other query
// text is stored as the name of a new widget. Prepare accepts only
// "SELECT * FROM widgets WHERE name = ?" and
// "INSERT INTO widgets (name) VALUES (?)" and errors out on anything else;
// Execute, for either statement, returns the widget whose name equals the
// parameter, or inserts one with that name when none matches. This is
// demonstration scaffolding, not a SQL engine; spec.md's Non-goals
// exclude a real one.
type demoSession struct {
	mu      sync.Mutex
	widgets []widgetRow
	database string
}

type widgetRow struct {
	id   string
	name string
}

func newDemoSession() *demoSession {
	return &demoSession{
		widgets: []widgetRow{
			{id: uuid.NewString(), name: "bootstrap-widget"},
		},
	}
}

func (s *demoSession) Init(ctx context.Context, conn *mysql.Conn) error {
	glog.V(1).Infof("demo session initialized for connection %d from %s", conn.ID(), conn.RemoteAddr())
	return nil
}

func (s *demoSession) Query(ctx context.Context, sql string, attrs map[string]string) (*mysql.ResultSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch sql {
	case "SELECT * FROM widgets":
		return s.widgetsResultSet(), nil
	case "SELECT 1":
		return &mysql.ResultSet{
			Columns: []*mysql.ColumnDefinition{{Name: "1", Type: mysql.ColumnTypeLong}},
			Rows:    []mysql.Row{{int32(1)}},
		}, nil
	default:
		s.widgets = append(s.widgets, widgetRow{id: uuid.NewString(), name: sql})
		return &mysql.ResultSet{RowsAffected: 1, LastInsertID: uint64(len(s.widgets))}, nil
	}
}

func (s *demoSession) Prepare(ctx context.Context, sql string) (int, []*mysql.ColumnDefinition, error) {
	switch sql {
	case "SELECT * FROM widgets WHERE name = ?":
		return 1, []*mysql.ColumnDefinition{
			{Name: "id", Type: mysql.ColumnTypeVarString},
			{Name: "name", Type: mysql.ColumnTypeVarString},
		}, nil
	case "INSERT INTO widgets (name) VALUES (?)":
		return 1, nil, nil
	default:
		return 0, nil, mysql.NewSQLError(mysql.ERParseError, "", "unsupported statement for this demo session")
	}
}

func (s *demoSession) Execute(ctx context.Context, stmtID uint32, params []any, attrs map[string]string) (*mysql.ResultSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(params) != 1 {
		return nil, mysql.NewSQLError(mysql.ERWrongValueForVar, "", "expected exactly one parameter")
	}
	name, _ := params[0].(string)

	if name == "" && params[0] == nil {
		// INSERT path: NULL name is nonsensical for this demo, treat as insert-with-name omitted.
	}

	for _, w := range s.widgets {
		if w.name == name {
			return &mysql.ResultSet{
				Columns: []*mysql.ColumnDefinition{
					{Name: "id", Type: mysql.ColumnTypeVarString},
					{Name: "name", Type: mysql.ColumnTypeVarString},
				},
				Rows: []mysql.Row{{w.id, w.name}},
			}, nil
		}
	}

	s.widgets = append(s.widgets, widgetRow{id: uuid.NewString(), name: name})
	return &mysql.ResultSet{RowsAffected: 1, LastInsertID: uint64(len(s.widgets))}, nil
}

func (s *demoSession) Schema(ctx context.Context) (map[string]map[string]mysql.ColumnType, error) {
	return map[string]map[string]mysql.ColumnType{
		"widgets": {
			"id":   mysql.ColumnTypeVarString,
			"name": mysql.ColumnTypeVarString,
		},
	}, nil
}

func (s *demoSession) Use(ctx context.Context, schema string) error {
	s.database = schema
	return nil
}

func (s *demoSession) Reset(ctx context.Context) error {
	return nil
}

func (s *demoSession) Close(ctx context.Context) error {
	return nil
}

func (s *demoSession) widgetsResultSet() *mysql.ResultSet {
	rows := make([]mysql.Row, len(s.widgets))
	for i, w := range s.widgets {
		rows[i] = mysql.Row{w.id, w.name}
	}
	return &mysql.ResultSet{
		Columns: []*mysql.ColumnDefinition{
			{Name: "id", Type: mysql.ColumnTypeVarString},
			{Name: "name", Type: mysql.ColumnTypeVarString},
		},
		Rows: rows,
	}
}
