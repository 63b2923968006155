package nats

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"sqlite-cdc/internal/metrics"
)

// Executor runs write statements. *hook.Conn implements it.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Command is the JSON body of a request on the command subject.
type Command struct {
	SQL  string        `json:"sql"`
	Args []interface{} `json:"args,omitempty"`
}

// Reply is the JSON body of a command response.
type Reply struct {
	RowsAffected int64  `json:"rows_affected"`
	LastInsertID int64  `json:"last_insert_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// CommandServer executes SQL received on a NATS subject, so that every
// write goes through the connection whose changes are captured.
type CommandServer struct {
	exec    Executor
	timeout time.Duration
	logger  *logrus.Logger
	sub     *nats.Subscription
}

// NewCommandServer returns a CommandServer executing through exec, bounding
// each statement by timeout (zero for none).
func NewCommandServer(exec Executor, timeout time.Duration, logger *logrus.Logger) *CommandServer {
	return &CommandServer{exec: exec, timeout: timeout, logger: logger}
}

// Subscribe starts serving subject on conn.
func (s *CommandServer) Subscribe(conn *nats.Conn, subject string) error {
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		reply := s.Handle(msg.Data)
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			s.logger.Errorf("Failed to marshal command reply: %v", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			s.logger.Warnf("Failed to respond to command: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	s.sub = sub
	s.logger.Infof("Serving SQL commands on %s", subject)
	return nil
}

// Handle executes one encoded Command.
func (s *CommandServer) Handle(data []byte) Reply {
	var cmd Command
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&cmd); err != nil {
		metrics.CommandsTotal.WithLabelValues(metrics.Fail).Inc()
		return Reply{Error: fmt.Sprintf("invalid command: %v", err)}
	}
	if cmd.SQL == "" {
		metrics.CommandsTotal.WithLabelValues(metrics.Fail).Inc()
		return Reply{Error: "invalid command: sql is required"}
	}

	for i, arg := range cmd.Args {
		cmd.Args[i] = bindArg(arg)
	}

	ctx, cancel := context.Background(), context.CancelFunc(func() {})
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	defer cancel()

	res, err := s.exec.ExecContext(ctx, cmd.SQL, cmd.Args...)
	if err != nil {
		metrics.CommandsTotal.WithLabelValues(metrics.Fail).Inc()
		s.logger.Warnf("Command failed: %v", err)
		return Reply{Error: err.Error()}
	}

	var reply Reply
	reply.RowsAffected, _ = res.RowsAffected()
	reply.LastInsertID, _ = res.LastInsertId()
	metrics.CommandsTotal.WithLabelValues(metrics.Ok).Inc()
	s.logger.Debugf("Executed command (%d rows affected)", reply.RowsAffected)
	return reply
}

// Close stops serving commands.
func (s *CommandServer) Close() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// bindArg binds JSON integers as INTEGER rather than REAL.
func bindArg(arg interface{}) interface{} {
	n, ok := arg.(json.Number)
	if !ok {
		return arg
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	f, _ := n.Float64()
	return f
}
