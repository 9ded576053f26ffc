// Package server exposes a storage backend over TCP.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"minikv/config"
	"minikv/internal/protocol"
	"minikv/storage"
)

// Backend is what the server needs from an engine.
type Backend interface {
	storage.Storage
	Compact() error
}

type Server struct {
	logger  log.Logger
	opts    config.ServerOptions
	metrics *Metrics

	backend Backend
	store   *storage.Synchronized

	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

type Metrics struct {
	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{}

	m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "requests_total",
		Help: "Total number of requests served.",
	}, []string{"op", "status"})

	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "request_duration_seconds",
		Help:    "Time spent serving requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	m.connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "connections_active",
		Help: "Number of open client connections.",
	})

	m.connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "connections_total",
		Help: "Total number of accepted connections.",
	})

	registerer.MustRegister(m.requests, m.requestDuration, m.connectionsActive, m.connectionsTotal)

	return m
}

// New serves b. All access goes through one storage.Synchronized, so b
// itself does not need to be safe for concurrent use.
func New(logger log.Logger, registerer prometheus.Registerer, b Backend, opts config.ServerOptions) *Server {
	return &Server{
		logger:  logger,
		opts:    opts,
		metrics: NewMetrics(prometheus.WrapRegistererWithPrefix("server_", registerer)),
		backend: b,
		store:   storage.NewSynchronized(b),
		conns:   make(map[net.Conn]struct{}),
	}
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.opts.Addr)
	}

	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes the
// open connections and waits for their handlers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	level.Info(s.logger).Log("msg", "listening", "addr", ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	defer func() {
		s.closeConns()
		s.wg.Wait()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				return err
			}

			level.Warn(s.logger).Log("msg", "accept failed", "err", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.handle(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if add {
		s.conns[conn] = struct{}{}
		s.metrics.connectionsActive.Inc()
		s.metrics.connectionsTotal.Inc()
		return
	}

	delete(s.conns, conn)
	s.metrics.connectionsActive.Dec()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.conns {
		conn.Close()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	logger := log.With(s.logger, "session", uuid.NewString(), "remote", conn.RemoteAddr())
	level.Debug(logger).Log("msg", "connection opened")

	for {
		if s.opts.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		}

		req, err := protocol.ReadRequest(conn)
		if err != nil {
			var nerr net.Error
			switch {
			case err == io.EOF || errors.Is(err, net.ErrClosed):
				level.Debug(logger).Log("msg", "connection closed")
			case errors.As(err, &nerr) && nerr.Timeout():
				level.Debug(logger).Log("msg", "connection idle, closing")
			default:
				level.Warn(logger).Log("msg", "bad request, closing connection", "err", err)
			}
			return
		}

		start := time.Now()
		resp := s.dispatch(req)
		s.metrics.requests.WithLabelValues(req.Op.String(), resp.Status.String()).Inc()
		s.metrics.requestDuration.WithLabelValues(req.Op.String()).Observe(time.Since(start).Seconds())

		if resp.Status == protocol.StatusError {
			level.Warn(logger).Log("msg", "request failed", "op", req.Op, "key", req.Key, "err", resp.Message)
		} else {
			level.Debug(logger).Log("msg", "request served", "op", req.Op, "key", req.Key, "status", resp.Status)
		}

		if s.opts.IdleTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(s.opts.IdleTimeout))
		}

		if err := protocol.WriteResponse(conn, resp, s.opts.CompressionThreshold); err != nil {
			level.Warn(logger).Log("msg", "write response", "err", err)
			return
		}
	}
}

func (s *Server) dispatch(req protocol.Request) protocol.Response {
	switch req.Op {
	case protocol.OpGet:
		value, found, err := s.store.Get(req.Key)
		if err != nil {
			return failed(err)
		}
		if !found {
			return protocol.Response{Status: protocol.StatusNotFound}
		}
		return protocol.Response{Status: protocol.StatusOK, Value: value}

	case protocol.OpSet:
		if err := s.store.Insert(req.Key, req.Value); err != nil {
			return failed(err)
		}
		return protocol.Response{Status: protocol.StatusOK}

	case protocol.OpRemove:
		err := s.store.Remove(req.Key)
		if errors.Is(err, storage.ErrKeyNotFound) {
			return protocol.Response{Status: protocol.StatusNotFound}
		}
		if err != nil {
			return failed(err)
		}
		return protocol.Response{Status: protocol.StatusOK}

	case protocol.OpCompact:
		if err := s.store.Exclusive(s.backend.Compact); err != nil {
			return failed(err)
		}
		return protocol.Response{Status: protocol.StatusOK}

	default:
		return protocol.Response{Status: protocol.StatusError, Message: fmt.Sprintf("unknown op %d", req.Op)}
	}
}

func failed(err error) protocol.Response {
	return protocol.Response{Status: protocol.StatusError, Message: err.Error()}
}
