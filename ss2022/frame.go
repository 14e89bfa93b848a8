package ss2022

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// Header type bytes (spec.md §4.2).
const (
	HeaderTypeClient byte = 0
	HeaderTypeServer byte = 1
)

// Address type bytes (spec.md §4.2).
const (
	AddressTypeIPv4   byte = 1
	AddressTypeDomain byte = 3
	AddressTypeIPv6   byte = 4
)

// FixedRequestHeaderLen is the plaintext size of FixedRequestHeader
// (spec.md §4.2: type + timestamp + length = 1 + 8 + 2).
const FixedRequestHeaderLen = 1 + 8 + 2

// MaxFrameLength is the largest payload a single length-prefixed AEAD
// record can carry (spec.md §4.5: frames larger than this are split into
// multiple frames rather than rejected).
const MaxFrameLength = 0xFFFF

// FixedRequestHeader is the first, fixed-size plaintext block of a client
// request (spec.md §4.2).
type FixedRequestHeader struct {
	Type      byte
	Timestamp uint64
	Length    uint16
}

// EncodeFixedRequestHeader serializes h as the 11-byte wire representation.
func EncodeFixedRequestHeader(h FixedRequestHeader) []byte {
	buf := make([]byte, FixedRequestHeaderLen)
	buf[0] = h.Type
	binary.BigEndian.PutUint64(buf[1:9], h.Timestamp)
	binary.BigEndian.PutUint16(buf[9:11], h.Length)
	return buf
}

// DecodeFixedRequestHeader parses the 11-byte plaintext fixed header.
func DecodeFixedRequestHeader(data []byte) (FixedRequestHeader, error) {
	if len(data) < FixedRequestHeaderLen {
		return FixedRequestHeader{}, ErrInitialRequestTooSmall
	}
	return FixedRequestHeader{
		Type:      data[0],
		Timestamp: binary.BigEndian.Uint64(data[1:9]),
		Length:    binary.BigEndian.Uint16(data[9:11]),
	}, nil
}

// Destination is the proxy target carried in VariableRequestHeader.
type Destination struct {
	AddressType byte
	IP          netip.Addr
	Domain      string
	Port        uint16
}

// String renders the destination as a dial-able host:port.
func (d Destination) String() string {
	host := d.Domain
	if d.AddressType != AddressTypeDomain {
		host = d.IP.String()
	}
	return net.JoinHostPort(host, fmt.Sprint(d.Port))
}

// VariableRequestHeader is the variable-length second block of a client
// request (spec.md §4.2).
type VariableRequestHeader struct {
	Destination    Destination
	PaddingLength  uint16
	InitialPayload []byte
}

// DecodeVariableRequestHeader parses a decoded variable-header block.
// It enforces the padding-or-payload invariant (spec.md §4.2).
func DecodeVariableRequestHeader(data []byte) (*VariableRequestHeader, error) {
	if len(data) < 1 {
		return nil, ErrUnknownAddressType
	}
	addrType := data[0]
	off := 1

	var dest Destination
	dest.AddressType = addrType
	switch addrType {
	case AddressTypeIPv4:
		if len(data) < off+4 {
			return nil, ErrUnknownAddressType
		}
		addr, ok := netip.AddrFromSlice(data[off : off+4])
		if !ok {
			return nil, ErrUnknownAddressType
		}
		dest.IP = addr
		off += 4
	case AddressTypeIPv6:
		if len(data) < off+16 {
			return nil, ErrUnknownAddressType
		}
		addr, ok := netip.AddrFromSlice(data[off : off+16])
		if !ok {
			return nil, ErrUnknownAddressType
		}
		dest.IP = addr
		off += 16
	case AddressTypeDomain:
		if len(data) < off+1 {
			return nil, ErrUnknownAddressType
		}
		n := int(data[off])
		off++
		if len(data) < off+n {
			return nil, ErrUnknownAddressType
		}
		dest.Domain = string(data[off : off+n])
		off += n
	default:
		return nil, ErrUnknownAddressType
	}

	if len(data) < off+2 {
		return nil, ErrUnknownAddressType
	}
	dest.Port = binary.BigEndian.Uint16(data[off : off+2])
	off += 2

	if len(data) < off+2 {
		return nil, ErrUnknownAddressType
	}
	paddingLength := binary.BigEndian.Uint16(data[off : off+2])
	off += 2

	if len(data) < off+int(paddingLength) {
		return nil, ErrNoInitialPayloadOrPadding
	}
	off += int(paddingLength)

	initialPayload := data[off:]
	if paddingLength == 0 && len(initialPayload) == 0 {
		return nil, ErrNoInitialPayloadOrPadding
	}

	return &VariableRequestHeader{
		Destination:    dest,
		PaddingLength:  paddingLength,
		InitialPayload: initialPayload,
	}, nil
}

// FixedResponseHeaderLen returns the plaintext size of FixedResponseHeader
// for a given salt length (spec.md §4.2: type + timestamp + request_salt +
// length = 1 + 8 + saltLength + 2).
func FixedResponseHeaderLen(saltLength int) int {
	return 1 + 8 + saltLength + 2
}

// FixedResponseHeader is the first, fixed-size plaintext block of a server
// response (spec.md §4.2).
type FixedResponseHeader struct {
	Timestamp   uint64
	RequestSalt []byte
	Length      uint16
}

// EncodeFixedResponseHeader serializes h.
func EncodeFixedResponseHeader(h FixedResponseHeader) []byte {
	buf := make([]byte, FixedResponseHeaderLen(len(h.RequestSalt)))
	buf[0] = HeaderTypeServer
	binary.BigEndian.PutUint64(buf[1:9], h.Timestamp)
	n := copy(buf[9:], h.RequestSalt)
	binary.BigEndian.PutUint16(buf[9+n:9+n+2], h.Length)
	return buf
}

// EncodeLengthPrefix serializes a chunk length as the 2-byte big-endian
// value sealed as its own AEAD record by subsequent frames in both
// directions (spec.md §4.2 "Subsequent length frames").
func EncodeLengthPrefix(length uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, length)
	return buf
}
