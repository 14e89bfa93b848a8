package ss2022

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Metrics is the subset of observability hooks the relay engine calls
// into; internal/metrics.Metrics implements it. Kept as an interface here
// so ss2022 never imports the Prometheus client directly (spec.md §1 keeps
// the protocol core independent of its external collaborators).
type Metrics interface {
	SessionStarted()
	SessionClosed(reason string)
	BytesRelayed(direction string, n int)
	ReplayRejected()
}

type noopMetrics struct{}

func (noopMetrics) SessionStarted()                 {}
func (noopMetrics) SessionClosed(reason string)      {}
func (noopMetrics) BytesRelayed(direction string, n int) {}
func (noopMetrics) ReplayRejected()                  {}

// Option configures a Server beyond its required suite/psk.
type Option func(*Server)

// WithLogger attaches a structured logger; the zero value discards logs.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches a Metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithDialer overrides the default *net.Dialer used to reach targets.
func WithDialer(d Dialer) Option {
	return func(s *Server) { s.dialer = d }
}

// WithReplayWindow overrides the default 60s salt cache window.
func WithReplayWindow(d time.Duration) Option {
	return func(s *Server) { s.replayWindow = d }
}

// WithTimestampSkew overrides the default 30s freshness tolerance.
func WithTimestampSkew(d time.Duration) Option {
	return func(s *Server) { s.timestampSkew = d }
}

// WithClock overrides time.Now; for tests.
func WithClock(c Clock) Option {
	return func(s *Server) { s.clock = c }
}

// Server owns the shared ServerState (spec.md §3: PSK + SaltCache) and
// drives the accept loop. The configuration fields are set once at
// construction and read-only thereafter; listener and cancel are set by
// Start/Serve under mu; saltCache is the only state shared across session
// goroutines, and it is internally synchronized.
type Server struct {
	suite *CipherSuite
	psk   []byte

	saltCache     *SaltCache
	replayWindow  time.Duration
	timestampSkew time.Duration
	clock         Clock

	dialer  Dialer
	logger  *slog.Logger
	metrics Metrics

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer constructs a Server for method/psk, applying opts.
func NewServer(method Method, psk []byte, opts ...Option) (*Server, error) {
	suite, err := SuiteByMethod(method)
	if err != nil {
		return nil, err
	}
	if len(psk) != suite.KeyLength {
		return nil, &Error{Kind: KindProtocol, Op: "validate psk length"}
	}

	s := &Server{
		suite:         suite,
		psk:           psk,
		replayWindow:  DefaultReplayWindow,
		timestampSkew: 30 * time.Second,
		dialer:        &net.Dialer{Timeout: 10 * time.Second},
		logger:        slog.New(slog.NewTextHandler(nopWriter{}, nil)),
		metrics:       noopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.saltCache = NewSaltCache(s.replayWindow)
	return s, nil
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// Start spawns the acceptor as a background goroutine and returns
// immediately (spec.md §6 "start(port, psk) -> handle").
func (s *Server) Start(ctx context.Context, ln net.Listener) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()

	go s.acceptLoop(ctx, ln)
}

// Serve runs the accept loop on the calling goroutine until ln errors or is
// closed (spec.md §6 "start_blocking(port, psk)"). Cancelling ctx does not
// by itself interrupt a blocked Accept; Close cancels ctx and closes ln, and
// Serve then returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()

	return s.acceptLoop(ctx, ln)
}

// Close stops accepting new connections, cancels all in-flight sessions,
// and waits for their goroutines to exit (spec.md §6 "stop(handle)").
func (s *Server) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	ln := s.listener
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.logger.Error("accept failed", "err", err)
				return err
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	sessionID := uuid.NewString()
	remoteAddr := conn.RemoteAddr().String()
	logger := s.logger.With("session_id", sessionID, "remote_addr", remoteAddr)

	s.metrics.SessionStarted()
	start := time.Now()

	relay := NewRelay(s.suite, s.psk, s.saltCache, s.dialer, s.clock, s.timestampSkew, s.metrics)
	err := relay.Serve(ctx, conn)

	reason := "ok"
	if sessErr, ok := err.(*Error); ok {
		switch sessErr.Kind {
		case KindClientClosed:
			reason = "client_disconnected"
		case KindRemoteClosed:
			reason = "remote_disconnected"
		case KindAuthFailed:
			reason = "auth_failed"
		case KindDialFailed:
			reason = "dial_failed"
		default:
			reason = "protocol_error"
		}
		if errIsDuplicateSalt(sessErr) {
			s.metrics.ReplayRejected()
		}
	} else if err != nil {
		reason = "error"
	}
	s.metrics.SessionClosed(reason)

	logger.Debug("session closed", "reason", reason, "duration", time.Since(start), "err", err)
}

func errIsDuplicateSalt(err *Error) bool {
	return err.Err == ErrDuplicateSalt
}
