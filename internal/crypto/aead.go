// Package crypto: AES-128-GCM, RSA-1024 PKCS#1 v1.5, SHA-256 and session key derivation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"

	"dev.c0redev.rdlink/internal/errs"
)

const (
	// KeySize AEAD key (AES-128).
	KeySize = 16
	// NonceSize AEAD nonce (96 bit).
	NonceSize = 12
	// Overhead GCM tag.
	Overhead = 16
)

// NewAEAD returns AES-128-GCM for key; CipherInit if key is not 16 bytes.
func NewAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errs.New(errs.KindCipherInit, "key size %d, want %d", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.KindCipherInit, err, "aes")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.KindCipherInit, err, "gcm")
	}
	return aead, nil
}

// Encrypt seals plaintext with key/nonce; ad may be nil.
func Encrypt(key, nonce, plaintext, ad []byte) ([]byte, error) {
	aead, err := NewAEAD(key)
	if err != nil {
		return nil, err
	}
	return Seal(aead, nonce, plaintext, ad)
}

// Decrypt opens ciphertext with key/nonce; ad must match the one used to seal.
func Decrypt(key, nonce, ciphertext, ad []byte) ([]byte, error) {
	aead, err := NewAEAD(key)
	if err != nil {
		return nil, err
	}
	return Open(aead, nonce, ciphertext, ad)
}

// Seal like Encrypt on a prepared AEAD.
func Seal(aead cipher.AEAD, nonce, plaintext, ad []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, errs.New(errs.KindCipherInit, "nonce size %d, want %d", len(nonce), NonceSize)
	}
	out := aead.Seal(nil, nonce, plaintext, ad)
	if out == nil {
		return nil, errs.New(errs.KindEncrypt, "seal")
	}
	return out, nil
}

// Open like Decrypt on a prepared AEAD.
func Open(aead cipher.AEAD, nonce, ciphertext, ad []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, errs.New(errs.KindCipherInit, "nonce size %d, want %d", len(nonce), NonceSize)
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, errs.New(errs.KindDecrypt, "ciphertext too short")
	}
	pt, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, errs.Wrap(errs.KindDecrypt, err, "open")
	}
	return pt, nil
}
