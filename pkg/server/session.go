package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/trusch/testforeman/pkg/protocol"
	"github.com/trusch/testforeman/pkg/table"
)

// ErrShutdown ends a session that received the shutdown command.
var ErrShutdown = errors.New("shutdown requested")

// Session turns the byte stream of one connection into requests against the
// shared table and writes the replies back.
type Session struct {
	node     string
	table    *table.Table
	out      *protocol.Writer
	shutdown func()
	metrics  *Metrics
	buffer   []byte
}

func NewSession(node string, tbl *table.Table, out io.Writer, shutdown func(), metrics *Metrics) *Session {
	return &Session{
		node:     node,
		table:    tbl,
		out:      protocol.NewWriter(out),
		shutdown: shutdown,
		metrics:  metrics,
	}
}

// Feed handles every complete line in chunk plus whatever was buffered
// before. A trailing partial line is kept for the next call. Any returned
// error means the connection should be closed.
func (s *Session) Feed(ctx context.Context, chunk []byte) error {
	s.buffer = append(s.buffer, chunk...)
	for {
		i := bytes.IndexByte(s.buffer, '\n')
		if i < 0 {
			return nil
		}
		line := string(s.buffer[:i])
		s.buffer = s.buffer[i+1:]
		if err := s.dispatch(ctx, line); err != nil {
			return err
		}
	}
}

// Pending returns the bytes of the incomplete line received so far.
func (s *Session) Pending() []byte {
	return s.buffer
}

func (s *Session) dispatch(ctx context.Context, line string) error {
	log.Debug().Str("node", s.node).Str("request", line).Msg("received request")

	req, err := protocol.Parse(line)
	if err != nil {
		s.metrics.protocolErrors.Inc()
		log.Error().
			Str("node", s.node).
			Str("request", line).
			Err(err).
			Msg("invalid request")
		return err
	}
	s.metrics.requests.WithLabelValues(req.Command()).Inc()

	switch r := req.(type) {
	case protocol.Take:
		err = s.take(ctx, r)
	case protocol.List:
		var list []table.NodeItems
		list, err = s.table.List(ctx, r.ItemPattern, r.NodePattern)
		if err == nil {
			err = s.out.WriteList(list)
		}
	case protocol.Nodes:
		var nodes []table.NodeCount
		nodes, err = s.table.ListNodes(ctx)
		if err == nil {
			err = s.out.WriteNodes(nodes)
		}
	case protocol.Clear:
		var n int
		n, err = s.table.Clear(ctx, r.ItemPattern)
		if err == nil {
			log.Info().Str("node", s.node).Str("pattern", r.ItemPattern).Int("removed", n).Msg("cleared items")
			err = s.out.WriteCount(n)
		}
	case protocol.RemoveNode:
		var ok bool
		ok, err = s.table.RemoveNode(ctx, r.Node)
		if err == nil {
			log.Info().Str("node", s.node).Str("target", r.Node).Bool("removed", ok).Msg("removed node")
			err = s.out.WriteBool(ok)
		}
	case protocol.Help:
		err = s.out.WriteHelp()
	case protocol.Shutdown:
		log.Info().Str("node", s.node).Msg("received shutdown command")
		s.shutdown()
		return ErrShutdown
	default:
		return fmt.Errorf("%w: %T", protocol.ErrUnknownCommand, req)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", req.Command(), err)
	}
	return s.out.Flush()
}

func (s *Session) take(ctx context.Context, r protocol.Take) error {
	granted, err := s.table.Claim(ctx, s.node, r.Item)
	if err != nil {
		return err
	}
	s.metrics.observeClaim(granted)
	ev := log.Info().Str("node", s.node).Str("item", r.Item).Bool("granted", granted)
	if granted {
		ev.Msg("item taken")
	} else {
		ev.Msg("item already taken")
	}
	return s.out.WriteTake(r.Item, granted)
}

func isProtocolError(err error) bool {
	return errors.Is(err, protocol.ErrEmptyRequest) ||
		errors.Is(err, protocol.ErrUnknownCommand) ||
		errors.Is(err, protocol.ErrWrongArguments) ||
		errors.Is(err, protocol.ErrBadShutdownPhrase) ||
		errors.Is(err, protocol.ErrInvalidEncoding)
}
