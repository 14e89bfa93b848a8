package ss2022

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedRequestHeader_RoundTrip(t *testing.T) {
	h := FixedRequestHeader{Type: HeaderTypeClient, Timestamp: 1700000000, Length: 42}
	encoded := EncodeFixedRequestHeader(h)
	assert.Len(t, encoded, FixedRequestHeaderLen)

	decoded, err := DecodeFixedRequestHeader(encoded)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestDecodeFixedRequestHeader_TooSmall(t *testing.T) {
	_, err := DecodeFixedRequestHeader([]byte{0, 1, 2})
	assert.ErrorIs(t, err, ErrInitialRequestTooSmall)
}

func TestVariableRequestHeader_IPv4(t *testing.T) {
	var buf []byte
	buf = append(buf, AddressTypeIPv4)
	ip := netip.MustParseAddr("127.0.0.1")
	buf = append(buf, ip.AsSlice()...)
	buf = append(buf, 0x1F, 0x90) // port 8080
	buf = append(buf, 0, 0)       // padding_length = 0
	buf = append(buf, []byte("GET / HTTP/1.0\r\n\r\n")...)

	vh, err := DecodeVariableRequestHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, AddressTypeIPv4, vh.Destination.AddressType)
	assert.Equal(t, ip, vh.Destination.IP)
	assert.Equal(t, uint16(8080), vh.Destination.Port)
	assert.Equal(t, "GET / HTTP/1.0\r\n\r\n", string(vh.InitialPayload))
	assert.Equal(t, "127.0.0.1:8080", vh.Destination.String())
}

func TestVariableRequestHeader_Domain(t *testing.T) {
	domain := "localhost"
	var buf []byte
	buf = append(buf, AddressTypeDomain)
	buf = append(buf, byte(len(domain)))
	buf = append(buf, []byte(domain)...)
	buf = append(buf, 0, 80)
	buf = append(buf, 0, 4) // padding_length = 4
	buf = append(buf, 0, 0, 0, 0)

	vh, err := DecodeVariableRequestHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, domain, vh.Destination.Domain)
	assert.Equal(t, "localhost:80", vh.Destination.String())
	assert.Empty(t, vh.InitialPayload)
}

func TestVariableRequestHeader_RejectsEmptyPayloadAndPadding(t *testing.T) {
	var buf []byte
	buf = append(buf, AddressTypeIPv4)
	buf = append(buf, 127, 0, 0, 1)
	buf = append(buf, 0, 80)
	buf = append(buf, 0, 0) // padding_length = 0, no payload follows

	_, err := DecodeVariableRequestHeader(buf)
	assert.ErrorIs(t, err, ErrNoInitialPayloadOrPadding)
}

func TestVariableRequestHeader_UnknownAddressType(t *testing.T) {
	_, err := DecodeVariableRequestHeader([]byte{0xFE, 0, 0})
	assert.ErrorIs(t, err, ErrUnknownAddressType)
}

func TestFixedResponseHeader_EncodesRequestSalt(t *testing.T) {
	salt := make([]byte, 32)
	salt[0] = 0xAB
	h := FixedResponseHeader{Timestamp: 1700000000, RequestSalt: salt, Length: 17}

	encoded := EncodeFixedResponseHeader(h)
	assert.Len(t, encoded, FixedResponseHeaderLen(len(salt)))
	assert.Equal(t, HeaderTypeServer, encoded[0])
	assert.Equal(t, salt, encoded[9:9+len(salt)])
}
