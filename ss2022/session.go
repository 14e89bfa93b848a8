package ss2022

import (
	"time"
)

// Status is one of the four decoder states spec.md §3/§4.4 names. There is
// no terminal status: the decoder loops between StatusWaitForLength and
// StatusWaitForPayload for the life of the session.
type Status int

const (
	StatusWaitForFixed Status = iota
	StatusWaitForVariable
	StatusWaitForLength
	StatusWaitForPayload
)

// recvBuffer is the per-session receive buffer: an ordered byte sequence
// with append (Write) and prefix-drop (Advance) operations, implemented as
// a head-index buffer per spec.md §4.4's own suggested technique.
type recvBuffer struct {
	data []byte
	head int
}

func (b *recvBuffer) Write(p []byte) {
	b.data = append(b.data, p...)
}

func (b *recvBuffer) Len() int {
	return len(b.data) - b.head
}

func (b *recvBuffer) Bytes() []byte {
	return b.data[b.head:]
}

// Advance drops the first n bytes of the buffer, compacting the backing
// array once the consumed prefix grows large relative to what remains.
func (b *recvBuffer) Advance(n int) {
	b.head += n
	if b.head > 0 && (b.head >= len(b.data)/2 || b.head == len(b.data)) {
		remaining := len(b.data) - b.head
		copy(b.data, b.data[b.head:])
		b.data = b.data[:remaining]
		b.head = 0
	}
}

// ConnectEvent is emitted exactly once per session, when the variable
// request header has been decoded and the target is ready to be dialed
// (spec.md §4.4 "wait_for_variable").
type ConnectEvent struct {
	Destination    Destination
	InitialPayload []byte
}

// PayloadEvent carries one decoded payload chunk to be forwarded to the
// remote socket (spec.md §4.4 "wait_for_payload").
type PayloadEvent struct {
	Data []byte
}

// Clock abstracts time.Now for deterministic tests of timestamp freshness
// and salt-cache eviction.
type Clock func() time.Time

// Session is the per-connection protocol decoder (spec.md §3
// "ClientSession", §4.4). It is exclusively owned by one worker goroutine;
// the only state it shares with other sessions is the SaltCache.
type Session struct {
	suite         *CipherSuite
	psk           []byte
	saltCache     *SaltCache
	clock         Clock
	timestampSkew time.Duration

	recv   recvBuffer
	status Status
	length uint16

	requestSalt string
	decryptor   *Decryptor
}

// NewSession constructs a decoder bound to suite/psk, with replay defense
// via saltCache and clock for "now".
func NewSession(suite *CipherSuite, psk []byte, saltCache *SaltCache, clock Clock, timestampSkew time.Duration) *Session {
	if clock == nil {
		clock = time.Now
	}
	if timestampSkew <= 0 {
		timestampSkew = 30 * time.Second
	}
	return &Session{
		suite:         suite,
		psk:           psk,
		saltCache:     saltCache,
		clock:         clock,
		timestampSkew: timestampSkew,
		status:        StatusWaitForFixed,
	}
}

// Feed appends newly read client bytes to the receive buffer.
func (s *Session) Feed(p []byte) {
	s.recv.Write(p)
}

// Step advances the decoder through as many state transitions as the
// buffer admits, stopping at the first one that yields an event. It
// returns ErrNeedMoreData when the current state is starved of input
// (spec.md §4.4's per-state "Preconditions"), any other error is
// session-fatal, and a nil error always comes with a decoded ConnectEvent
// or PayloadEvent. The caller should call Step in a loop until
// ErrNeedMoreData, per spec.md §4.4's closing paragraph.
func (s *Session) Step() (any, error) {
	for {
		var err error
		switch s.status {
		case StatusWaitForFixed:
			err = s.stepWaitForFixed()
		case StatusWaitForVariable:
			return s.stepWaitForVariable()
		case StatusWaitForLength:
			err = s.stepWaitForLength()
		case StatusWaitForPayload:
			return s.stepWaitForPayload()
		default:
			panic("ss2022: unreachable decoder status")
		}
		if err != nil {
			return nil, err
		}
	}
}

func (s *Session) stepWaitForFixed() error {
	need := s.suite.SaltLength + FixedRequestHeaderLen + s.suite.TagLength
	if s.recv.Len() < need {
		return ErrNeedMoreData
	}
	buf := s.recv.Bytes()

	requestSalt := append([]byte(nil), buf[:s.suite.SaltLength]...)

	now := s.clock()
	if !s.saltCache.Admit(requestSalt, now) {
		return newErr(KindProtocol, "check replay salt", ErrDuplicateSalt)
	}

	subkey, err := s.suite.DeriveSubkey(s.psk, requestSalt)
	if err != nil {
		return newErr(KindProtocol, "derive request subkey", err)
	}
	decryptor, err := NewDecryptor(s.suite, subkey)
	if err != nil {
		return newErr(KindProtocol, "init request decryptor", err)
	}

	record := buf[s.suite.SaltLength : s.suite.SaltLength+FixedRequestHeaderLen+s.suite.TagLength]
	plain, err := decryptor.Open(nil, record)
	if err != nil {
		return newErr(KindAuthFailed, "open fixed header", err)
	}

	header, err := DecodeFixedRequestHeader(plain)
	if err != nil {
		return newErr(KindProtocol, "decode fixed header", err)
	}
	if header.Type != HeaderTypeClient {
		return newErr(KindProtocol, "check header type", ErrBadHeaderType)
	}

	requestTime := time.Unix(int64(header.Timestamp), 0)
	if now.After(requestTime.Add(s.timestampSkew)) || requestTime.After(now.Add(s.timestampSkew)) {
		return newErr(KindProtocol, "check timestamp", ErrTimestampTooOld)
	}

	s.decryptor = decryptor
	s.requestSalt = string(requestSalt)
	s.length = header.Length
	s.recv.Advance(need)
	s.status = StatusWaitForVariable
	return nil
}

func (s *Session) stepWaitForVariable() (any, error) {
	need := int(s.length) + s.suite.TagLength
	if s.recv.Len() < need {
		return nil, ErrNeedMoreData
	}
	buf := s.recv.Bytes()

	record := buf[:need]
	plain, err := s.decryptor.Open(nil, record)
	if err != nil {
		return nil, newErr(KindAuthFailed, "open variable header", err)
	}

	vh, err := DecodeVariableRequestHeader(plain)
	if err != nil {
		return nil, newErr(KindProtocol, "decode variable header", err)
	}

	s.recv.Advance(need)
	s.status = StatusWaitForLength
	return ConnectEvent{
		Destination:    vh.Destination,
		InitialPayload: vh.InitialPayload,
	}, nil
}

func (s *Session) stepWaitForLength() error {
	need := 2 + s.suite.TagLength
	if s.recv.Len() < need {
		return ErrNeedMoreData
	}
	buf := s.recv.Bytes()

	record := buf[:need]
	plain, err := s.decryptor.Open(nil, record)
	if err != nil {
		return newErr(KindAuthFailed, "open length frame", err)
	}

	s.length = uint16(plain[0])<<8 | uint16(plain[1])
	s.recv.Advance(need)
	s.status = StatusWaitForPayload
	return nil
}

func (s *Session) stepWaitForPayload() (any, error) {
	need := int(s.length) + s.suite.TagLength
	if s.recv.Len() < need {
		return nil, ErrNeedMoreData
	}
	buf := s.recv.Bytes()

	record := buf[:need]
	plain, err := s.decryptor.Open(nil, record)
	if err != nil {
		return nil, newErr(KindAuthFailed, "open payload chunk", err)
	}

	s.recv.Advance(need)
	s.status = StatusWaitForLength
	return PayloadEvent{Data: plain}, nil
}

// RequestSalt returns the client's salt, used by the relay engine to echo
// it back in the response's FixedResponseHeader (spec.md §4.2).
func (s *Session) RequestSalt() []byte {
	return []byte(s.requestSalt)
}
