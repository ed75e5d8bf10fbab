// Package go2crypto implements the key exchange primitives of the Go2
// signaling and data channel handshakes.
package go2crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// The robot's key exchange uses AES-256 in ECB mode with PKCS#7 padding, and
// RSA PKCS#1 v1.5 applied to the AES key in keysize-11 chunks.

const pathAlphabet = "ABCDEFGHIJ"

var ErrBadPadding = errors.New("go2crypto: invalid PKCS#7 padding")

// NewAESKey returns a random 32-character hex key, used as raw AES-256 key
// bytes the way the robot's web client does.
func NewAESKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func AESEncrypt(plain []byte, key string) (string, error) {
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return "", err
	}
	bs := block.BlockSize()
	buf := pkcs7Pad(plain, bs)
	for i := 0; i < len(buf); i += bs {
		block.Encrypt(buf[i:i+bs], buf[i:i+bs])
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func AESDecrypt(encoded string, key string) ([]byte, error) {
	buf, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	if len(buf) == 0 || len(buf)%bs != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of %d", len(buf), bs)
	}
	for i := 0; i < len(buf); i += bs {
		block.Decrypt(buf[i:i+bs], buf[i:i+bs])
	}
	return pkcs7Unpad(buf, bs)
}

func pkcs7Pad(b []byte, bs int) []byte {
	n := bs - len(b)%bs
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, bs int) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > bs || n > len(b) {
		return nil, ErrBadPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrBadPadding
		}
	}
	return b[:len(b)-n], nil
}

// RSAEncrypt encrypts data with PKCS#1 v1.5 in as many chunks as needed and
// base64-encodes the concatenated ciphertext.
func RSAEncrypt(data []byte, pub *rsa.PublicKey) (string, error) {
	chunk := pub.Size() - 11
	if chunk <= 0 {
		return "", errors.New("rsa key too small")
	}
	var out []byte
	for len(data) > 0 {
		n := min(chunk, len(data))
		enc, err := rsa.EncryptPKCS1v15(rand.Reader, pub, data[:n])
		if err != nil {
			return "", err
		}
		out = append(out, enc...)
		data = data[n:]
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// ParsePublicKey accepts either a PKIX or a bare PKCS#1 DER key, base64
// encoded.
func ParsePublicKey(encoded string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if key, err := x509.ParsePKIXPublicKey(der); err == nil {
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, not RSA", key)
		}
		return pub, nil
	}
	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return pub, nil
}

// PathSuffix decodes the con_ing path suffix from the last ten characters of
// data1: for each pair of characters, the index of the second one in
// "ABCDEFGHIJ" is one digit.
func PathSuffix(data1 string) (string, error) {
	if len(data1) < 10 {
		return "", fmt.Errorf("data1 too short for path suffix")
	}
	tail := data1[len(data1)-10:]
	var sb strings.Builder
	for i := 0; i+1 < len(tail); i += 2 {
		idx := strings.IndexByte(pathAlphabet, tail[i+1])
		if idx < 0 {
			return "", fmt.Errorf("invalid path suffix character %q", tail[i+1])
		}
		sb.WriteByte(byte('0' + idx))
	}
	return sb.String(), nil
}

// EncodePathSuffix is the inverse of PathSuffix.
func EncodePathSuffix(digits string) (string, error) {
	if len(digits) != 5 {
		return "", fmt.Errorf("path suffix must be 5 digits, got %q", digits)
	}
	var sb strings.Builder
	for i := 0; i < len(digits); i++ {
		d := digits[i]
		if d < '0' || d > '9' {
			return "", fmt.Errorf("path suffix must be digits, got %q", digits)
		}
		sb.WriteByte(pathAlphabet[(i*3)%len(pathAlphabet)])
		sb.WriteByte(pathAlphabet[d-'0'])
	}
	return sb.String(), nil
}

// RSADecrypt reverses RSAEncrypt.
func RSADecrypt(encoded string, priv *rsa.PrivateKey) ([]byte, error) {
	buf, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	size := priv.Size()
	if len(buf)%size != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of %d", len(buf), size)
	}
	var out []byte
	for i := 0; i < len(buf); i += size {
		plain, err := rsa.DecryptPKCS1v15(rand.Reader, priv, buf[i:i+size])
		if err != nil {
			return nil, err
		}
		out = append(out, plain...)
	}
	return out, nil
}

// ValidationResponse answers the data channel validation challenge.
func ValidationResponse(key string) string {
	sum := md5.Sum([]byte("UnitreeGo2_" + key))
	return base64.StdEncoding.EncodeToString(sum[:])
}
