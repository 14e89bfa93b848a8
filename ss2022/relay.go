package ss2022

import (
	"context"
	"io"
	"net"
	"time"
)

// clientReadSize is the read quantum off the client socket (spec.md §4.5
// step 2: "receive up to 32 KiB").
const clientReadSize = 32 * 1024

// remoteReadSize is the read quantum off the dialed remote socket
// (spec.md §4.5 step 3).
const remoteReadSize = 32 * 1024

// Dialer resolves and connects to a proxy target. *net.Dialer satisfies
// this directly; Go's own dialer already tries a domain's resolved
// addresses in order and returns the first successful connection, which is
// spec.md §4.4 step 4's DOMAIN resolution behavior.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// responseWriter seals the server→client stream: a combined salt+header+
// first-chunk frame, then length-prefixed chunk frames, with one
// unbroken nonce sequence across every sealed record (spec.md §4.5
// invariant).
type responseWriter struct {
	suite       *CipherSuite
	psk         []byte
	requestSalt []byte
	clock       Clock

	conn      net.Conn
	sent      bool
	encryptor *Encryptor
}

func newResponseWriter(suite *CipherSuite, psk, requestSalt []byte, clock Clock, conn net.Conn) *responseWriter {
	if clock == nil {
		clock = time.Now
	}
	return &responseWriter{
		suite:       suite,
		psk:         psk,
		requestSalt: requestSalt,
		clock:       clock,
		conn:        conn,
	}
}

// forward implements spec.md §4.5 "forward_to_client": it chunks plaintext
// larger than MaxFrameLength into multiple frames (spec.md §9's fix for
// the source's TooLong rejection) instead of refusing them.
func (w *responseWriter) forward(plaintext []byte) error {
	for len(plaintext) > 0 {
		chunk := plaintext
		if len(chunk) > MaxFrameLength {
			chunk = chunk[:MaxFrameLength]
		}
		if err := w.forwardChunk(chunk); err != nil {
			return err
		}
		plaintext = plaintext[len(chunk):]
	}
	return nil
}

func (w *responseWriter) forwardChunk(plaintext []byte) error {
	var out []byte

	if !w.sent {
		salt, err := w.suite.RandomSalt()
		if err != nil {
			return newErr(KindProtocol, "generate response salt", err)
		}
		subkey, err := w.suite.DeriveSubkey(w.psk, salt)
		if err != nil {
			return newErr(KindProtocol, "derive response subkey", err)
		}
		enc, err := NewEncryptor(w.suite, subkey)
		if err != nil {
			return newErr(KindProtocol, "init response encryptor", err)
		}
		w.encryptor = enc

		header := FixedResponseHeader{
			Timestamp:   uint64(w.clock().Unix()),
			RequestSalt: w.requestSalt,
			Length:      uint16(len(plaintext)),
		}
		out = append(out, salt...)
		out = w.encryptor.Seal(out, EncodeFixedResponseHeader(header))
		out = w.encryptor.Seal(out, plaintext)
		w.sent = true
	} else {
		out = w.encryptor.Seal(out, EncodeLengthPrefix(uint16(len(plaintext))))
		out = w.encryptor.Seal(out, plaintext)
	}

	if err := writeFull(w.conn, out); err != nil {
		return newErr(KindRemoteClosed, "write response frame", err)
	}
	return nil
}

func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrClientDisconnected
		}
		p = p[n:]
	}
	return nil
}

// Relay drives one accepted client connection: decoding the request
// stream, dialing the target, and pumping bytes in both directions
// (spec.md §4.5).
type Relay struct {
	suite         *CipherSuite
	psk           []byte
	saltCache     *SaltCache
	dialer        Dialer
	clock         Clock
	timestampSkew time.Duration
	metrics       Metrics
}

// NewRelay constructs a Relay for one Service.
func NewRelay(suite *CipherSuite, psk []byte, saltCache *SaltCache, dialer Dialer, clock Clock, timestampSkew time.Duration, metrics Metrics) *Relay {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Relay{
		suite:         suite,
		psk:           psk,
		saltCache:     saltCache,
		dialer:        dialer,
		clock:         clock,
		timestampSkew: timestampSkew,
		metrics:       metrics,
	}
}

// Serve runs one client session to completion. It always closes client on
// return; on a protocol violation, auth failure, or dial failure it closes
// client abortively (RST via SO_LINGER(0)); on a graceful peer close it
// closes client gracefully. The remote connection, once dialed, is always
// closed with the session.
func (r *Relay) Serve(ctx context.Context, client net.Conn) error {
	defer client.Close()

	sess := NewSession(r.suite, r.psk, r.saltCache, r.clock, r.timestampSkew)

	var remote net.Conn
	defer func() {
		if remote != nil {
			remote.Close()
		}
	}()

	var respWriter *responseWriter

	// Unblocks the handshake read below when ctx is cancelled.
	defer context.AfterFunc(ctx, func() { _ = client.Close() })()

	readBuf := make([]byte, clientReadSize)
	for remote == nil {
		n, err := client.Read(readBuf)
		if n == 0 && err != nil {
			closeGraceful(client)
			return newErr(KindClientClosed, "read client", err)
		}
		sess.Feed(readBuf[:n])

		for {
			ev, stepErr := sess.Step()
			if stepErr == ErrNeedMoreData {
				break
			}
			if stepErr != nil {
				abortSession(client, stepErr)
				return stepErr
			}
			switch e := ev.(type) {
			case ConnectEvent:
				dialed, dialErr := r.dialer.DialContext(ctx, "tcp", e.Destination.String())
				if dialErr != nil {
					err := newErr(KindDialFailed, "dial target", ErrCantConnectToRemote)
					abortSession(client, err)
					return err
				}
				remote = dialed
				respWriter = newResponseWriter(r.suite, r.psk, sess.RequestSalt(), r.clock, client)
				if len(e.InitialPayload) > 0 {
					if werr := writeFull(remote, e.InitialPayload); werr != nil {
						err := newErr(KindRemoteClosed, "forward initial payload", ErrRemoteDisconnected)
						abortSession(client, err)
						return err
					}
					r.metrics.BytesRelayed("client_to_remote", len(e.InitialPayload))
				}
			case PayloadEvent:
				// Only reachable post-connect; the state machine
				// never emits payload events before a ConnectEvent.
				if werr := writeFull(remote, e.Data); werr != nil {
					err := newErr(KindRemoteClosed, "forward payload", ErrRemoteDisconnected)
					abortSession(client, err)
					return err
				}
			}
		}

		if err != nil {
			closeGraceful(client)
			return newErr(KindClientClosed, "read client", ErrClientDisconnected)
		}
	}

	return r.pump(ctx, client, remote, sess, respWriter)
}

// pump runs the steady-state relay once the target is dialed: one
// goroutine decodes further client frames and forwards plaintext to
// remote, another reads remote and frames it to client. The first
// direction to fail tears the whole session down (spec.md §4.5 "Teardown").
func (r *Relay) pump(ctx context.Context, client net.Conn, remote net.Conn, sess *Session, resp *responseWriter) error {
	errCh := make(chan error, 2)

	go func() {
		<-ctx.Done()
		client.Close()
		remote.Close()
	}()

	go func() {
		errCh <- r.pumpClientToRemote(client, remote, sess)
	}()

	go func() {
		errCh <- r.pumpRemoteToClient(remote, resp)
	}()

	// The first direction to fail tears the session down; the other
	// pump's goroutine observes the resulting closed sockets and exits
	// on its own, discarding its error into the buffered channel.
	err := <-errCh

	if sessErr, ok := err.(*Error); ok && sessErr.Abortive() {
		closeAbortive(client)
	} else {
		closeGraceful(client)
	}
	return err
}

func (r *Relay) pumpClientToRemote(client net.Conn, remote net.Conn, sess *Session) error {
	readBuf := make([]byte, clientReadSize)
	for {
		n, err := client.Read(readBuf)
		if n == 0 && err != nil {
			return newErr(KindClientClosed, "read client", ErrClientDisconnected)
		}
		sess.Feed(readBuf[:n])

		for {
			ev, stepErr := sess.Step()
			if stepErr == ErrNeedMoreData {
				break
			}
			if stepErr != nil {
				return stepErr
			}
			if payload, ok := ev.(PayloadEvent); ok {
				if werr := writeFull(remote, payload.Data); werr != nil {
					return newErr(KindRemoteClosed, "forward payload", ErrRemoteDisconnected)
				}
				r.metrics.BytesRelayed("client_to_remote", len(payload.Data))
			}
		}

		if err != nil {
			return newErr(KindClientClosed, "read client", ErrClientDisconnected)
		}
	}
}

func (r *Relay) pumpRemoteToClient(remote net.Conn, resp *responseWriter) error {
	readBuf := make([]byte, remoteReadSize)
	for {
		n, err := remote.Read(readBuf)
		if n == 0 && err != nil {
			return newErr(KindRemoteClosed, "read remote", ErrRemoteDisconnected)
		}
		if n > 0 {
			if werr := resp.forward(readBuf[:n]); werr != nil {
				return werr
			}
			r.metrics.BytesRelayed("remote_to_client", n)
		}
		if err != nil {
			return newErr(KindRemoteClosed, "read remote", ErrRemoteDisconnected)
		}
	}
}

// closeAbortive closes conn with SO_LINGER(1,0) so the peer observes a
// TCP RST (spec.md §4.5 "Teardown", §6).
func closeAbortive(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetLinger(0)
	}
	_ = conn.Close()
}

// closeGraceful closes conn normally, allowing a clean FIN exchange.
func closeGraceful(conn net.Conn) {
	_ = conn.Close()
}

// abortSession closes client the appropriate way for err's Kind.
func abortSession(client net.Conn, err error) {
	if sessErr, ok := err.(*Error); ok && sessErr.Abortive() {
		closeAbortive(client)
		return
	}
	closeGraceful(client)
}
