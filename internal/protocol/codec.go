// Package protocol implements the upstream's hybrid order envelope and the
// slot sign-token decoding.
//
// Order submission is encrypted client-side: the JSON payload is AES-128-ECB
// encrypted under a fresh per-request key, and the key plus a millisecond
// timestamp travel RSA-encrypted in the sid/tim headers.
package protocol

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/VhahahaV/sJAutoSport-sub000/pkg/errors"
)

const sessionKeyLen = 16

const sessionKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Codec holds the upstream's RSA public key.
type Codec struct {
	pub *rsa.PublicKey
}

// NewCodec parses a PEM-encoded RSA public key (PKIX or PKCS#1).
func NewCodec(pemKey string) (*Codec, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, apperrors.NewConfig("protocol.NewCodec", "no PEM block in RSA public key", nil)
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, apperrors.NewConfig("protocol.NewCodec", "PEM key is not RSA", nil)
		}
		return &Codec{pub: rsaPub}, nil
	}
	rsaPub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, apperrors.NewConfig("protocol.NewCodec", "unparseable RSA public key", err)
	}
	return &Codec{pub: rsaPub}, nil
}

// Envelope is one encrypted order request: the base64 ciphertext body plus
// the sid/tim header values.
type Envelope struct {
	Body string // base64(AES-128-ECB(compact JSON))
	Sid  string // base64(RSA(session key))
	Tim  string // base64(RSA(millisecond timestamp))
}

// Seal encrypts payload into a fresh envelope. Every call generates a new
// 16-character [A-Z0-9] session key.
func (c *Codec) Seal(payload any) (Envelope, error) {
	key, err := newSessionKey()
	if err != nil {
		return Envelope{}, err
	}

	plain, err := marshalCompact(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: marshal payload: %w", err)
	}

	ct, err := aesECBEncrypt([]byte(key), plain)
	if err != nil {
		return Envelope{}, err
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sid, err := c.rsaEncrypt([]byte(key))
	if err != nil {
		return Envelope{}, err
	}
	tim, err := c.rsaEncrypt([]byte(ts))
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		Body: base64.StdEncoding.EncodeToString(ct),
		Sid:  sid,
		Tim:  tim,
	}, nil
}

func (c *Codec) rsaEncrypt(plain []byte) (string, error) {
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, c.pub, plain)
	if err != nil {
		return "", fmt.Errorf("protocol: rsa encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

func newSessionKey() (string, error) {
	buf := make([]byte, sessionKeyLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("protocol: session key: %w", err)
	}
	for i, b := range buf {
		buf[i] = sessionKeyAlphabet[int(b)%len(sessionKeyAlphabet)]
	}
	return string(buf), nil
}

// marshalCompact serialises with compact separators and no HTML escaping,
// matching the upstream's expectations byte for byte.
func marshalCompact(payload any) ([]byte, error) {
	var sb strings.Builder
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, err
	}
	// Encoder appends a newline; the upstream wants none.
	return []byte(strings.TrimRight(sb.String(), "\n")), nil
}

// aesECBEncrypt applies AES-ECB with PKCS#7 padding. ECB is what the
// upstream speaks; the key is single-use so the usual ECB caveats are moot.
func aesECBEncrypt(key, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("protocol: aes cipher: %w", err)
	}
	padded := pkcs7Pad(plain, block.BlockSize())
	out := make([]byte, len(padded))
	for off := 0; off < len(padded); off += block.BlockSize() {
		block.Encrypt(out[off:off+block.BlockSize()], padded[off:off+block.BlockSize()])
	}
	return out, nil
}

// aesECBDecrypt reverses aesECBEncrypt; used by tests and sign debugging.
func aesECBDecrypt(key, ct []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ct)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("protocol: ciphertext not block-aligned")
	}
	out := make([]byte, len(ct))
	for off := 0; off < len(ct); off += block.BlockSize() {
		block.Decrypt(out[off:off+block.BlockSize()], ct[off:off+block.BlockSize()])
	}
	return pkcs7Unpad(out, block.BlockSize())
}

func pkcs7Pad(b []byte, size int) []byte {
	pad := size - len(b)%size
	out := make([]byte, len(b)+pad)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, fmt.Errorf("protocol: bad padded length %d", len(b))
	}
	pad := int(b[len(b)-1])
	if pad == 0 || pad > size {
		return nil, fmt.Errorf("protocol: bad padding byte %d", pad)
	}
	for _, p := range b[len(b)-pad:] {
		if int(p) != pad {
			return nil, fmt.Errorf("protocol: inconsistent padding")
		}
	}
	return b[:len(b)-pad], nil
}
