package ss2022

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildRequest seals a full client request: salt, fixed header, variable
// header, so tests can feed it straight into a Session.
func buildRequest(t *testing.T, suite *CipherSuite, psk []byte, now time.Time, destBytes []byte, initialPayload []byte) []byte {
	t.Helper()

	salt, err := suite.RandomSalt()
	require.NoError(t, err)
	subkey, err := suite.DeriveSubkey(psk, salt)
	require.NoError(t, err)
	enc, err := NewEncryptor(suite, subkey)
	require.NoError(t, err)

	var variable []byte
	variable = append(variable, destBytes...)
	variable = append(variable, initialPayload...)

	fixed := FixedRequestHeader{
		Type:      HeaderTypeClient,
		Timestamp: uint64(now.Unix()),
		Length:    uint16(len(variable)),
	}

	var out []byte
	out = append(out, salt...)
	out = enc.Seal(out, EncodeFixedRequestHeader(fixed))
	out = enc.Seal(out, variable)
	return out
}

// ipv4Dest builds a VariableRequestHeader's address+port+padding prefix for
// an IPv4 destination with zero padding.
func ipv4Dest(ip [4]byte, port uint16) []byte {
	var buf []byte
	buf = append(buf, AddressTypeIPv4)
	buf = append(buf, ip[:]...)
	buf = append(buf, byte(port>>8), byte(port))
	buf = append(buf, 0, 0) // padding_length = 0
	return buf
}

func newTestSession(t *testing.T, now time.Time) (*Session, *CipherSuite, []byte) {
	t.Helper()
	suite, err := SuiteByMethod(MethodAES128GCM)
	require.NoError(t, err)
	psk := make([]byte, suite.KeyLength)

	clock := func() time.Time { return now }
	sess := NewSession(suite, psk, NewSaltCache(DefaultReplayWindow), clock, 30*time.Second)
	return sess, suite, psk
}

func TestSession_HappyPath(t *testing.T) {
	now := time.Unix(1700000000, 0)
	sess, suite, psk := newTestSession(t, now)

	req := buildRequest(t, suite, psk, now, ipv4Dest([4]byte{127, 0, 0, 1}, 9000), []byte("GET / HTTP/1.0\r\n\r\n"))
	sess.Feed(req)

	ev, err := sess.Step()
	require.NoError(t, err)
	connect, ok := ev.(ConnectEvent)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:9000", connect.Destination.String())
	assert.Equal(t, "GET / HTTP/1.0\r\n\r\n", string(connect.InitialPayload))

	_, err = sess.Step()
	assert.ErrorIs(t, err, ErrNeedMoreData)
}

func TestSession_RejectsDuplicateSalt(t *testing.T) {
	now := time.Unix(1700000000, 0)
	suite, err := SuiteByMethod(MethodAES128GCM)
	require.NoError(t, err)
	psk := make([]byte, suite.KeyLength)
	clock := func() time.Time { return now }
	cache := NewSaltCache(DefaultReplayWindow)

	req := buildRequest(t, suite, psk, now, ipv4Dest([4]byte{127, 0, 0, 1}, 9000), []byte("x"))

	sess1 := NewSession(suite, psk, cache, clock, 30*time.Second)
	sess1.Feed(req)
	_, err = sess1.Step()
	require.NoError(t, err)

	sess2 := NewSession(suite, psk, cache, clock, 30*time.Second)
	sess2.Feed(req)
	_, err = sess2.Step()
	require.Error(t, err)
	sessErr, ok := err.(*Error)
	require.True(t, ok)
	assert.ErrorIs(t, sessErr.Err, ErrDuplicateSalt)
	assert.True(t, sessErr.Abortive())
}

func TestSession_RejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0)
	sess, suite, psk := newTestSession(t, now)

	stale := now.Add(-31 * time.Second)
	req := buildRequest(t, suite, psk, stale, ipv4Dest([4]byte{127, 0, 0, 1}, 9000), []byte("x"))
	sess.Feed(req)

	_, err := sess.Step()
	require.Error(t, err)
	sessErr, ok := err.(*Error)
	require.True(t, ok)
	assert.ErrorIs(t, sessErr.Err, ErrTimestampTooOld)
}

func TestSession_RejectsFutureTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0)
	sess, suite, psk := newTestSession(t, now)

	future := now.Add(31 * time.Second)
	req := buildRequest(t, suite, psk, future, ipv4Dest([4]byte{127, 0, 0, 1}, 9000), []byte("x"))
	sess.Feed(req)

	_, err := sess.Step()
	require.Error(t, err)
	sessErr, ok := err.(*Error)
	require.True(t, ok)
	assert.ErrorIs(t, sessErr.Err, ErrTimestampTooOld)
}

func TestSession_RejectsEmptyPayloadAndPadding(t *testing.T) {
	now := time.Unix(1700000000, 0)
	sess, suite, psk := newTestSession(t, now)

	req := buildRequest(t, suite, psk, now, ipv4Dest([4]byte{127, 0, 0, 1}, 9000), nil)
	sess.Feed(req)

	_, err := sess.Step()
	require.Error(t, err)
	sessErr, ok := err.(*Error)
	require.True(t, ok)
	assert.ErrorIs(t, sessErr.Err, ErrNoInitialPayloadOrPadding)
}

func TestSession_RejectsTamperedCiphertext(t *testing.T) {
	now := time.Unix(1700000000, 0)
	sess, suite, psk := newTestSession(t, now)

	req := buildRequest(t, suite, psk, now, ipv4Dest([4]byte{127, 0, 0, 1}, 9000), []byte("x"))
	req[suite.SaltLength] ^= 0xFF // flip a bit in the fixed header's ciphertext
	sess.Feed(req)

	_, err := sess.Step()
	require.Error(t, err)
	sessErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindAuthFailed, sessErr.Kind)
	assert.True(t, sessErr.Abortive())
}

func TestSession_PayloadChunksAfterConnect(t *testing.T) {
	now := time.Unix(1700000000, 0)
	sess, suite, psk := newTestSession(t, now)

	salt, err := suite.RandomSalt()
	require.NoError(t, err)
	subkey, err := suite.DeriveSubkey(psk, salt)
	require.NoError(t, err)
	enc, err := NewEncryptor(suite, subkey)
	require.NoError(t, err)

	variable := ipv4Dest([4]byte{127, 0, 0, 1}, 9000)
	variable = append(variable, []byte("initial")...)
	fixed := FixedRequestHeader{Type: HeaderTypeClient, Timestamp: uint64(now.Unix()), Length: uint16(len(variable))}

	var stream []byte
	stream = append(stream, salt...)
	stream = enc.Seal(stream, EncodeFixedRequestHeader(fixed))
	stream = enc.Seal(stream, variable)

	chunk := []byte("second chunk")
	stream = enc.Seal(stream, EncodeLengthPrefix(uint16(len(chunk))))
	stream = enc.Seal(stream, chunk)

	sess.Feed(stream)

	ev, err := sess.Step()
	require.NoError(t, err)
	_, ok := ev.(ConnectEvent)
	require.True(t, ok)

	ev, err = sess.Step()
	require.NoError(t, err)
	payload, ok := ev.(PayloadEvent)
	require.True(t, ok)
	assert.Equal(t, chunk, payload.Data)
}
