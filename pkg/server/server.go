package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/trusch/testforeman/pkg/config"
	"github.com/trusch/testforeman/pkg/storage"
	"github.com/trusch/testforeman/pkg/table"
	"go.uber.org/multierr"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

const (
	readChunkSize = 1024

	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

var (
	ErrUnknownStorageType = errors.New("unknown storage type configured")
	ErrNotBound           = errors.New("server is not bound")
)

// Server accepts foreman clients and hands each connection to a session.
// All sessions share the server's table.
type Server struct {
	cfg     config.ServerConfig
	store   storage.Storage
	table   *table.Table
	metrics *Metrics

	mutex           sync.Mutex
	listener        net.Listener
	metricsListener net.Listener
	conns           map[net.Conn]struct{}
	sessions sync.WaitGroup

	done         chan struct{}
	shutdownOnce sync.Once
}

func New(ctx context.Context, cfg config.ServerConfig) (*Server, error) {
	var store storage.Storage
	var err error
	switch cfg.Storage.Type {
	case config.StorageTypeMemory, "":
		store = storage.NewMemoryStorage()
	case config.StorageTypeFile:
		store, err = storage.NewFileStorage(cfg.Storage)
	case config.StorageTypeEtcd:
		store, err = storage.NewEtcdStorage(ctx, cfg.Storage)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownStorageType, cfg.Storage.Type)
	}
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:     cfg,
		store:   store,
		table:   table.New(store),
		metrics: NewMetrics(),
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Table exposes the ownership table, e.g. for a final summary.
func (s *Server) Table() *table.Table {
	return s.table
}

// Listen binds the configured address and serves until the shutdown command
// is received or ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	if _, err := s.Bind(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Bind opens the listening socket, and the metrics socket if one is
// configured, and returns the address clients connect to.
func (s *Server) Bind(ctx context.Context) (net.Addr, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddress())
	if err != nil {
		return nil, err
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	var metricsLn net.Listener
	if s.cfg.MetricsListenAddress != "" {
		metricsLn, err = lc.Listen(ctx, "tcp", s.cfg.MetricsListenAddress)
		if err != nil {
			return nil, multierr.Append(err, ln.Close())
		}
	}
	s.mutex.Lock()
	s.listener = ln
	s.metricsListener = metricsLn
	s.mutex.Unlock()
	log.Info().
		Str("address", ln.Addr().String()).
		Int("maxConnections", s.cfg.MaxConnections).
		Msg("listening")
	return ln.Addr(), nil
}

// MetricsAddr is the address of the metrics endpoint, or nil if it is
// disabled or not bound yet.
func (s *Server) MetricsAddr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.metricsListener == nil {
		return nil
	}
	return s.metricsListener.Addr()
}

// Serve runs the accept loop on the socket opened by Bind. It returns nil
// after a regular shutdown.
func (s *Server) Serve(ctx context.Context) error {
	s.mutex.Lock()
	ln, metricsLn := s.listener, s.metricsListener
	s.mutex.Unlock()
	if ln == nil {
		return ErrNotBound
	}

	g, gctx := errgroup.WithContext(ctx)

	var metricsSrv *http.Server
	if metricsLn != nil {
		metricsSrv = &http.Server{Handler: s.metrics.Router()}
		g.Go(func() error {
			log.Info().Str("address", metricsLn.Addr().String()).Msg("serving metrics")
			err := metricsSrv.Serve(metricsLn)
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
	}

	var lost <-chan struct{}
	if exp, ok := s.store.(storage.Expirer); ok {
		lost = exp.Expired()
	}

	g.Go(func() error {
		var err error
		select {
		case <-gctx.Done():
		case <-s.done:
		case <-lost:
			log.Error().Msg("storage backend lost its ownership data, stopping")
			err = storage.ErrExpired
		}
		s.Shutdown()
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("failed to shutdown the metrics server")
			}
		}
		return err
	})

	g.Go(func() error {
		return s.acceptLoop(gctx, ln)
	})

	err := g.Wait()
	s.sessions.Wait()
	log.Info().Msg("server stopped")
	return err
}

// acceptLoop hands every accepted connection to its own session. Accept
// errors other than a closed listener (e.g. EMFILE) are retried with a
// capped exponential delay, so open sessions keep being served.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	b := newAcceptBackoff()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isShutdown() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			delay := b.NextBackOff()
			log.Error().Err(err).Dur("retryIn", delay).Msg("failed to accept connection")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			case <-s.done:
			}
			continue
		}
		b.Reset()
		s.sessions.Add(1)
		go s.handle(ctx, conn)
	}
}

func newAcceptBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0
	b.InitialInterval = minAcceptDelay
	b.Multiplier = 2
	b.MaxInterval = maxAcceptDelay
	// retry for as long as the server runs
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Shutdown stops accepting and closes every open connection. It is safe to
// call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.done)
		s.mutex.Lock()
		defer s.mutex.Unlock()
		var err error
		if s.listener != nil {
			err = multierr.Append(err, s.listener.Close())
		}
		for conn := range s.conns {
			err = multierr.Append(err, conn.Close())
		}
		log.Info().Int("connections", len(s.conns)).Msg("shutting down")
		if err != nil {
			log.Debug().Err(err).Msg("errors while closing sockets")
		}
	})
}

func (s *Server) isShutdown() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close releases the storage backend. Call it after Serve returned.
func (s *Server) Close() error {
	s.mutex.Lock()
	if s.metricsListener != nil {
		// already closed by the metrics server if Serve ran
		_ = s.metricsListener.Close()
	}
	s.mutex.Unlock()
	return s.store.Close()
}

func (s *Server) track(conn net.Conn) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.isShutdown() {
		return false
	}
	s.conns[conn] = struct{}{}
	s.metrics.connections.Inc()
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.conns[conn]; ok {
		delete(s.conns, conn)
		s.metrics.connections.Dec()
	}
	conn.Close()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer s.sessions.Done()
	node := conn.RemoteAddr().String()
	if !s.track(conn) {
		conn.Close()
		return
	}
	defer s.untrack(conn)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("node", node).Interface("panic", r).Msg("session crashed")
		}
	}()

	log.Info().Str("node", node).Msg("incoming connection")
	sess := NewSession(node, s.table, conn, s.Shutdown, s.metrics)
	buf := make([]byte, readChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if feedErr := sess.Feed(ctx, buf[:n]); feedErr != nil {
				s.logSessionEnd(node, feedErr)
				return
			}
		}
		if err != nil {
			if err == io.EOF || s.isShutdown() {
				log.Debug().Str("node", node).Msg("connection closed")
			} else {
				log.Error().Str("node", node).Err(err).Msg("connection failed")
			}
			return
		}
	}
}

func (s *Server) logSessionEnd(node string, err error) {
	switch {
	case errors.Is(err, ErrShutdown):
		log.Debug().Str("node", node).Msg("session ended by shutdown command")
	case isProtocolError(err):
		log.Info().Str("node", node).Msg("closing connection after invalid request")
	default:
		log.Error().Str("node", node).Err(err).Msg("closing connection after failed request")
	}
}
