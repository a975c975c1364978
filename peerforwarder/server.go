package peerforwarder

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/metric"
	"github.com/c360/eventpipe/natsclient"
	"github.com/c360/eventpipe/pkg/worker"
)

// maxRequestBytes caps a forwarded batch body
const maxRequestBytes = 64 << 20

// BufferLookup finds the receive buffer of a pipeline plugin
type BufferLookup interface {
	ReceiveBuffer(pipeline, plugin string) (*ReceiveBuffer, bool)
}

type forwardJob struct {
	ctx     context.Context
	payload []byte
	done    chan error
}

// Server accepts batches from peers and writes them into the matching
// receive buffer. Requests are handled on a worker pool sized by
// server_thread_count; when max_pending_requests are already waiting new
// requests are refused as busy.
type Server struct {
	cfg       Config
	buffers   BufferLookup
	codec     Codec
	tlsConfig *tls.Config
	nc        *natsclient.Client
	self      string
	logger    *slog.Logger
	metrics   *metric.Metrics

	pool *worker.Pool[*forwardJob]

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a server. tlsConfig is only used by the HTTP
// transport; nc is only used by the NATS transport.
func NewServer(cfg Config, buffers BufferLookup, codec Codec, tlsConfig *tls.Config, nc *natsclient.Client,
	self string, logger *slog.Logger, metrics *metric.Metrics, registry *metric.MetricsRegistry) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		buffers:   buffers,
		codec:     codec,
		tlsConfig: tlsConfig,
		nc:        nc,
		self:      self,
		logger:    logger.With("component", "peer_forwarder_server"),
		metrics:   metrics,
	}

	opts := []worker.Option[*forwardJob]{worker.WithLogger[*forwardJob](s.logger)}
	if registry != nil {
		opts = append(opts, worker.WithMetricsRegistry[*forwardJob](registry, "peer_forwarder_server"))
	}
	s.pool = worker.NewPool(cfg.ServerThreadCount, cfg.MaxPendingRequests, s.process, opts...)
	return s
}

func (s *Server) process(_ context.Context, job *forwardJob) error {
	err := s.handle(job.ctx, job.payload)
	job.done <- err
	return err
}

// handle decodes a batch and writes it to its receive buffer
func (s *Server) handle(ctx context.Context, payload []byte) error {
	req, err := s.codec.Decode(payload)
	if err != nil {
		return err
	}
	buf, ok := s.buffers.ReceiveBuffer(req.DestinationPipeline, req.DestinationPlugin)
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("%w: no receive buffer for %s/%s", errors.ErrPipelineMissing,
				req.DestinationPipeline, req.DestinationPlugin),
			"Server", "handle", "receive buffer lookup")
	}
	records := req.Records()
	if len(records) == 0 {
		return nil
	}
	return buf.WriteAll(ctx, records, s.cfg.RequestTimeout)
}

// submit runs payload on the pool and waits for the result
func (s *Server) submit(ctx context.Context, payload []byte) error {
	job := &forwardJob{ctx: ctx, payload: payload, done: make(chan error, 1)}
	if err := s.pool.Submit(job); err != nil {
		return err
	}
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Server", "submit", "wait for handler")
	}
}

// statusFor maps a handling error to an HTTP status
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case stderrors.Is(err, errors.ErrQueueFull):
		return http.StatusTooManyRequests
	case stderrors.Is(err, worker.ErrPoolStopped), stderrors.Is(err, worker.ErrPoolNotStarted),
		stderrors.Is(err, errors.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case stderrors.Is(err, errors.ErrPipelineMissing):
		return http.StatusNotFound
	case stderrors.Is(err, errors.ErrSizeOverflow):
		return http.StatusRequestEntityTooLarge
	case stderrors.Is(err, errors.ErrBufferTimeout):
		return http.StatusRequestTimeout
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ServeHTTP handles POST /event/forward
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, span := startReceiveSpan(extractTraceHeaders(r.Context(), r.Header), TransportHTTP)
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		err = errors.WrapInvalid(err, "Server", "ServeHTTP", "read body")
	} else {
		err = s.submit(ctx, payload)
	}
	endSpan(span, err)

	status := statusFor(err)
	s.metrics.RecordRequestReceived(strconv.Itoa(status))
	if err != nil {
		if status >= http.StatusInternalServerError {
			s.logger.Warn("Forward request failed", "status", status, "error", err)
		} else {
			s.logger.Debug("Forward request rejected", "status", status, "error", err)
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleNATS(ctx context.Context, payload []byte) ([]byte, error) {
	ctx, span := startReceiveSpan(ctx, TransportNATS)
	err := s.submit(ctx, payload)
	endSpan(span, err)

	status := statusFor(err)
	s.metrics.RecordRequestReceived(strconv.Itoa(status))
	if err != nil {
		if stderrors.Is(err, errors.ErrQueueFull) {
			return nil, fmt.Errorf("busy: %w", err)
		}
		return nil, err
	}
	return []byte("ok"), nil
}

// Start begins accepting requests on the configured transport
func (s *Server) Start(ctx context.Context) error {
	if err := s.pool.Start(ctx); err != nil {
		return errors.WrapFatal(err, "Server", "Start", "start worker pool")
	}

	if s.cfg.Transport == TransportNATS {
		if s.nc == nil {
			return errors.WrapInvalid(
				fmt.Errorf("%w: nats transport needs a NATS connection", errors.ErrMissingConfig),
				"Server", "Start", "client validation")
		}
		subject := PeerSubject(s.self)
		if err := s.nc.QueueSubscribeReply(ctx, subject, subject, s.handleNATS); err != nil {
			return errors.Wrap(err, "Server", "Start", "subscribe "+subject)
		}
		s.logger.Info("Peer forwarder server listening", "transport", TransportNATS, "subject", subject)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "start HTTP server")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on port %d", s.cfg.Port))
	}
	ln = newLimitListener(ln, s.cfg.MaxConnectionCount)
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	mux := http.NewServeMux()
	mux.Handle(ForwardPath, s)
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func(srv *http.Server, l net.Listener) {
		if err := srv.Serve(l); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Peer forwarder server stopped", "error", err)
		}
	}(s.httpServer, ln)

	s.logger.Info("Peer forwarder server listening", "transport", TransportHTTP,
		"address", ln.Addr().String(), "tls", s.tlsConfig != nil)
	return nil
}

// Addr returns the listening address of the HTTP transport
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops accepting requests and waits for running handlers
func (s *Server) Stop(ctx context.Context) error {
	var errs []error

	s.mu.Lock()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, errors.WrapTransient(err, "Server", "Stop", "shutdown HTTP server"))
		}
		s.httpServer = nil
		s.listener = nil
	}
	s.mu.Unlock()

	timeout := s.cfg.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := s.pool.Stop(timeout); err != nil && !stderrors.Is(err, worker.ErrPoolNotStarted) {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

// limitListener caps concurrently open connections
type limitListener struct {
	net.Listener
	sem *semaphore.Weighted
}

func newLimitListener(l net.Listener, n int) net.Listener {
	if n <= 0 {
		return l
	}
	return &limitListener{Listener: l, sem: semaphore.NewWeighted(int64(n))}
}

func (l *limitListener) Accept() (net.Conn, error) {
	if err := l.sem.Acquire(context.Background(), 1); err != nil {
		return nil, err
	}
	c, err := l.Listener.Accept()
	if err != nil {
		l.sem.Release(1)
		return nil, err
	}
	return &limitConn{Conn: c, release: func() { l.sem.Release(1) }}, nil
}

type limitConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (c *limitConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}
