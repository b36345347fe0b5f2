// Package clientcrypto contains client-side primitives for key wrapping and AEAD.
package clientcrypto

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/and161185/robosync/internal/crypto"
)

// Params
const (
	KeyLen  = 32
	SaltLen = 16

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

// DeriveKEK derives a KEK from passphrase and salt using Argon2id.
func DeriveKEK(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, KeyLen)
}

// DeriveKey expands ikm into n bytes via HKDF-SHA256 using info as context.
func DeriveKey(ikm, info []byte, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, nil, info)
	key := make([]byte, n)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext with XChaCha20-Poly1305 and a random nonce: nonce||ct.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	nonce, err := crypto.RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	return sealWithNonce(key, nonce, plaintext, aad)
}

// Open decrypts a nonce||ct blob produced by Seal.
func Open(key, blob, aad []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("blob too short")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ct := blob[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, aad)
}

// SealWithPassphrase encrypts plaintext under an Argon2id KEK: salt||nonce||ct.
func SealWithPassphrase(passphrase, plaintext []byte) ([]byte, error) {
	salt, err := crypto.RandBytes(SaltLen)
	if err != nil {
		return nil, err
	}
	kek := DeriveKEK(passphrase, salt)
	sealed, err := Seal(kek, plaintext, salt)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(salt)+len(sealed))
	out = append(out, salt...)
	return append(out, sealed...), nil
}

// OpenWithPassphrase reverses SealWithPassphrase.
func OpenWithPassphrase(passphrase, blob []byte) ([]byte, error) {
	if len(blob) < SaltLen+chacha20poly1305.NonceSizeX {
		return nil, errors.New("wrapped too short")
	}
	salt := blob[:SaltLen]
	kek := DeriveKEK(passphrase, salt)
	return Open(kek, blob[SaltLen:], salt)
}

func sealWithNonce(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, aad)...)
	return out, nil
}
