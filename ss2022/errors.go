package ss2022

import (
	E "github.com/sagernet/sing/common/exceptions"
)

// Kind classifies a session-ending error so the relay engine can decide
// between a graceful FIN close and an abortive RST close (spec.md §7)
// without string matching.
type Kind int

const (
	// KindProtocol covers malformed or policy-violating requests; the
	// client socket is closed with RST.
	KindProtocol Kind = iota
	// KindAuthFailed covers AEAD authentication failures; RST.
	KindAuthFailed
	// KindDialFailed covers failure to reach the requested target; RST.
	KindDialFailed
	// KindClientClosed covers a graceful client-initiated close; FIN.
	KindClientClosed
	// KindRemoteClosed covers a graceful remote-initiated close; FIN.
	KindRemoteClosed
)

// Error is a session-fatal error tagged with the Kind that determines its
// teardown behavior (spec.md §4.5 "Teardown", §7). Err is built with
// sing/common/exceptions so messages compose the way the teacher's own
// error chain does (E.Cause/E.Extend), while Kind adds the FIN-vs-RST
// classification the teacher has no equivalent of.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return E.Cause(e.Err, e.Op).Error()
	}
	return e.Op
}

func (e *Error) Unwrap() error { return e.Err }

// Abortive reports whether this error requires an RST (SO_LINGER 0) close
// rather than a graceful FIN close.
func (e *Error) Abortive() bool {
	switch e.Kind {
	case KindClientClosed, KindRemoteClosed:
		return false
	default:
		return true
	}
}

func newErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinel causes, wrapped by newErr into a *Error of the matching Kind.
var (
	ErrInitialRequestTooSmall    = E.New("initial request too small")
	ErrUnknownAddressType        = E.New("unknown address type")
	ErrNoInitialPayloadOrPadding = E.New("missing initial payload or padding")
	ErrTimestampTooOld           = E.New("timestamp outside freshness window")
	ErrDuplicateSalt             = E.New("duplicate request salt")
	ErrCantConnectToRemote       = E.New("cannot connect to remote")
	ErrClientDisconnected        = E.New("client disconnected")
	ErrRemoteDisconnected        = E.New("remote disconnected")
	ErrBadHeaderType             = E.New("unexpected header type")
)

// ErrNeedMoreData signals that the decoder's current state is starved of
// input and must wait for more bytes; it is not a protocol error.
var ErrNeedMoreData = E.New("need more data")
