// Package ss2022 implements the server side of the Shadowsocks 2022
// AEAD-protected TCP proxy protocol (SIP022): salted request/response
// framing, per-session AEAD encryption, replay defense, and the relay
// engine that pumps bytes between a client and its dialed target.
package ss2022

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Method names a supported AEAD cipher suite.
type Method string

const (
	MethodAES128GCM        Method = "aead-aes-128-gcm"
	MethodAES256GCM        Method = "aead-aes-256-gcm"
	MethodChaCha20Poly1305 Method = "aead-chacha20-poly1305"
)

// subkeyInfo is the HKDF info parameter mandated by spec.md §4.1.
var subkeyInfo = []byte("ss-subkey")

// CipherSuite parameterizes the protocol over one of the three supported
// AEAD primitives. It never holds key material itself.
type CipherSuite struct {
	Method     Method
	KeyLength  int
	SaltLength int
	TagLength  int

	newAEAD func(key []byte) (cipher.AEAD, error)
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

var suites = map[Method]*CipherSuite{
	MethodAES128GCM: {
		Method:     MethodAES128GCM,
		KeyLength:  16,
		SaltLength: 16,
		TagLength:  16,
		newAEAD:    newAESGCM,
	},
	MethodAES256GCM: {
		Method:     MethodAES256GCM,
		KeyLength:  32,
		SaltLength: 32,
		TagLength:  16,
		newAEAD:    newAESGCM,
	},
	MethodChaCha20Poly1305: {
		Method:     MethodChaCha20Poly1305,
		KeyLength:  32,
		SaltLength: 32,
		TagLength:  16,
		newAEAD:    chacha20poly1305.New,
	},
}

// SuiteByMethod looks up a cipher suite by its configured method name.
func SuiteByMethod(method Method) (*CipherSuite, error) {
	suite, ok := suites[method]
	if !ok {
		return nil, fmt.Errorf("ss2022: unknown method %q", method)
	}
	return suite, nil
}

// RandomSalt returns a cryptographically secure salt of SaltLength bytes.
func (s *CipherSuite) RandomSalt() ([]byte, error) {
	salt := make([]byte, s.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("ss2022: generate salt: %w", err)
	}
	return salt, nil
}

// DeriveSubkey computes HKDF-SHA1(psk, salt, info="ss-subkey") truncated to
// KeyLength bytes, per spec.md §3 and §4.1.
func (s *CipherSuite) DeriveSubkey(psk, salt []byte) ([]byte, error) {
	subkey := make([]byte, s.KeyLength)
	r := hkdf.New(sha1.New, psk, salt, subkeyInfo)
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, fmt.Errorf("ss2022: derive subkey: %w", err)
	}
	return subkey, nil
}

// nonce is the 12-byte AEAD nonce. SIP022 increments it as a little-endian
// byte counter (spec.md §4.1); this resolves the conflicting "big-endian"
// wording in spec.md §3 in favor of the more specific §4.1 statement (see
// SPEC_FULL.md §4).
type nonce [12]byte

func (n *nonce) increment() {
	for i := range n {
		n[i]++
		if n[i] != 0 {
			return
		}
	}
}

// Encryptor seals successive AEAD records under one subkey, advancing the
// nonce after every successful seal. It is never reused across sessions or
// directions.
type Encryptor struct {
	aead  cipher.AEAD
	nonce nonce
}

// NewEncryptor constructs an Encryptor bound to subkey, nonce starting at 0.
func NewEncryptor(suite *CipherSuite, subkey []byte) (*Encryptor, error) {
	aead, err := suite.newAEAD(subkey)
	if err != nil {
		return nil, fmt.Errorf("ss2022: init encryptor: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Seal appends the sealed ciphertext+tag for plaintext to dst and advances
// the nonce. The returned slice aliases dst's backing array when there is
// capacity.
func (e *Encryptor) Seal(dst, plaintext []byte) []byte {
	out := e.aead.Seal(dst, e.nonce[:], plaintext, nil)
	e.nonce.increment()
	return out
}

// Overhead returns the AEAD tag length in bytes.
func (e *Encryptor) Overhead() int {
	return e.aead.Overhead()
}

// Decryptor opens successive AEAD records under one subkey, advancing the
// nonce only when a record authenticates.
type Decryptor struct {
	aead  cipher.AEAD
	nonce nonce
}

// NewDecryptor constructs a Decryptor bound to subkey, nonce starting at 0.
func NewDecryptor(suite *CipherSuite, subkey []byte) (*Decryptor, error) {
	aead, err := suite.newAEAD(subkey)
	if err != nil {
		return nil, fmt.Errorf("ss2022: init decryptor: %w", err)
	}
	return &Decryptor{aead: aead}, nil
}

// ErrAuthFailed is returned by Open when AEAD authentication fails. It is
// always session-fatal (spec.md §7).
var ErrAuthFailed = fmt.Errorf("ss2022: AEAD authentication failed")

// Open authenticates and decrypts record (ciphertext+tag), appending the
// plaintext to dst. The nonce only advances on success, matching spec.md
// §4.1's "increments nonce only on success".
func (d *Decryptor) Open(dst, record []byte) ([]byte, error) {
	out, err := d.aead.Open(dst, d.nonce[:], record, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	d.nonce.increment()
	return out, nil
}

// Overhead returns the AEAD tag length in bytes.
func (d *Decryptor) Overhead() int {
	return d.aead.Overhead()
}
