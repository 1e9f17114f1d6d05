package sqlconsole

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/jackc/pgproto3/v2"

	"github.com/adrianmcphee/polybase"
)

// textOID is the PostgreSQL text type; every column is sent as text.
const textOID = 25

// Server speaks the PostgreSQL simple-query protocol. There is no
// authentication and TLS is declined.
type Server struct {
	executor *Executor
	logger   polybase.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer returns a server running statements through executor.
func NewServer(executor *Executor, logger polybase.Logger) *Server {
	if logger == nil {
		logger = &polybase.NoOpLogger{}
	}
	return &Server{executor: executor, logger: logger, conns: map[net.Conn]struct{}{}}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes the listener
// and every open connection and waits for their handlers to return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("SQL console listening", "addr", ln.Addr().String())

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = ln.Close()
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return err
			}
			s.logger.Warn("Accept failed", "error", err)
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				_ = conn.Close()
			}()
			if err := s.handle(ctx, conn); err != nil && !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Debug("Connection ended", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) error {
	backend := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)
	if err := s.startup(conn, backend); err != nil {
		return err
	}
	for {
		msg, err := backend.Receive()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *pgproto3.Query:
			if err := s.query(ctx, backend, m.String); err != nil {
				return err
			}
		case *pgproto3.Terminate:
			return nil
		case *pgproto3.Sync:
			if err := backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'}); err != nil {
				return err
			}
		case *pgproto3.Parse, *pgproto3.Bind, *pgproto3.Describe, *pgproto3.Execute:
			// Extended protocol: report once per message, the client follows with Sync.
			if err := backend.Send(&pgproto3.ErrorResponse{
				Severity: "ERROR",
				Code:     "0A000",
				Message:  "extended query protocol is not supported; use simple queries",
			}); err != nil {
				return err
			}
		default:
			s.logger.Debug("Ignoring message", "type", fmt.Sprintf("%T", msg))
		}
	}
}

// startup declines TLS and accepts any startup message without a password.
func (s *Server) startup(conn net.Conn, backend *pgproto3.Backend) error {
	for {
		msg, err := backend.ReceiveStartupMessage()
		if err != nil {
			return fmt.Errorf("receive startup message: %w", err)
		}
		switch m := msg.(type) {
		case *pgproto3.SSLRequest:
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return err
			}
		case *pgproto3.StartupMessage:
			s.logger.Debug("Client connected", "user", m.Parameters["user"], "database", m.Parameters["database"])
			for _, out := range []pgproto3.BackendMessage{
				&pgproto3.AuthenticationOk{},
				&pgproto3.ParameterStatus{Name: "server_version", Value: "15.0 (polybase)"},
				&pgproto3.ParameterStatus{Name: "server_encoding", Value: "UTF8"},
				&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"},
				&pgproto3.ParameterStatus{Name: "DateStyle", Value: "ISO, MDY"},
				&pgproto3.ParameterStatus{Name: "TimeZone", Value: "UTC"},
				&pgproto3.ParameterStatus{Name: "integer_datetimes", Value: "on"},
				&pgproto3.ParameterStatus{Name: "standard_conforming_strings", Value: "on"},
				&pgproto3.BackendKeyData{ProcessID: 1, SecretKey: 1},
				&pgproto3.ReadyForQuery{TxStatus: 'I'},
			} {
				if err := backend.Send(out); err != nil {
					return err
				}
			}
			return nil
		case *pgproto3.CancelRequest:
			return io.EOF
		default:
			return fmt.Errorf("unexpected startup message %T", msg)
		}
	}
}

func (s *Server) query(ctx context.Context, backend *pgproto3.Backend, sql string) error {
	s.logger.Debug("Query", "sql", sql)
	for _, msg := range s.respond(ctx, sql) {
		if err := backend.Send(msg); err != nil {
			return err
		}
	}
	return backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
}

// respond executes sql and builds the reply, without the trailing ReadyForQuery.
func (s *Server) respond(ctx context.Context, sql string) []pgproto3.BackendMessage {
	res, err := s.executor.Execute(ctx, sql)
	if err != nil {
		return []pgproto3.BackendMessage{&pgproto3.ErrorResponse{
			Severity: "ERROR",
			Code:     sqlState(err),
			Message:  err.Error(),
		}}
	}
	if res.Tag == "" {
		return []pgproto3.BackendMessage{&pgproto3.EmptyQueryResponse{}}
	}
	var out []pgproto3.BackendMessage
	if len(res.Columns) > 0 {
		fields := make([]pgproto3.FieldDescription, len(res.Columns))
		for i, c := range res.Columns {
			fields[i] = pgproto3.FieldDescription{
				Name:         []byte(c),
				DataTypeOID:  textOID,
				DataTypeSize: -1,
				TypeModifier: -1,
			}
		}
		out = append(out, &pgproto3.RowDescription{Fields: fields})
		for _, row := range res.Rows {
			values := make([][]byte, len(row))
			for i, v := range row {
				values[i] = []byte(v)
			}
			out = append(out, &pgproto3.DataRow{Values: values})
		}
	}
	return append(out, &pgproto3.CommandComplete{CommandTag: []byte(res.Tag)})
}

// sqlState maps errors onto PostgreSQL SQLSTATE codes.
func sqlState(err error) string {
	switch {
	case errors.Is(err, polybase.ErrAlreadyExists):
		return "23505" // unique_violation
	case errors.Is(err, polybase.ErrInvalidData):
		return "42601" // syntax_error
	case errors.Is(err, polybase.ErrUnsupported):
		return "0A000" // feature_not_supported
	case errors.Is(err, polybase.ErrNotFound):
		return "42P01" // undefined_table
	case polybase.IsRetryable(err):
		return "08006" // connection_failure
	}
	return "XX000"
}
