package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"

	"dev.c0redev.rdlink/internal/errs"
)

// RSABits identity and relay key size.
const RSABits = 1024

// pkcs1Overhead bytes of PKCS#1 v1.5 padding per block.
const pkcs1Overhead = 11

// GenerateKey RSA-1024 keypair.
func GenerateKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, RSABits)
}

// PublicEncrypt PKCS#1 v1.5; plaintext longer than one block is split into
// k-11 byte blocks, each sealed into a k byte block.
func PublicEncrypt(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	if pub == nil {
		return nil, errs.New(errs.KindEncrypt, "nil public key")
	}
	k := pub.Size()
	chunk := k - pkcs1Overhead
	out := make([]byte, 0, (len(plaintext)/chunk+1)*k)
	for off := 0; off < len(plaintext) || off == 0; off += chunk {
		end := off + chunk
		if end > len(plaintext) {
			end = len(plaintext)
		}
		block, err := rsa.EncryptPKCS1v15(rand.Reader, pub, plaintext[off:end])
		if err != nil {
			return nil, errs.Wrap(errs.KindEncrypt, err, "rsa")
		}
		out = append(out, block...)
		if end == len(plaintext) {
			break
		}
	}
	return out, nil
}

// PrivateDecrypt reverses PublicEncrypt.
func PrivateDecrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	if priv == nil {
		return nil, errs.New(errs.KindDecrypt, "nil private key")
	}
	k := priv.Size()
	if len(ciphertext) == 0 || len(ciphertext)%k != 0 {
		return nil, errs.New(errs.KindDecrypt, "ciphertext length %d not a multiple of %d", len(ciphertext), k)
	}
	out := make([]byte, 0, len(ciphertext))
	for off := 0; off < len(ciphertext); off += k {
		block, err := rsa.DecryptPKCS1v15(nil, priv, ciphertext[off:off+k])
		if err != nil {
			return nil, errs.Wrap(errs.KindDecrypt, err, "rsa")
		}
		out = append(out, block...)
	}
	return out, nil
}

// Sign PKCS#1 v1.5 over SHA-256(msg).
func Sign(priv *rsa.PrivateKey, msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return nil, errs.Wrap(errs.KindEncrypt, err, "sign")
	}
	return sig, nil
}

// Verify checks a Sign signature.
func Verify(pub *rsa.PublicKey, msg, sig []byte) error {
	digest := sha256.Sum256(msg)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return errs.Wrap(errs.KindDecrypt, err, "verify")
	}
	return nil
}

// MarshalPublicKey PKIX DER.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(pub)
}

// ParsePublicKey PKIX DER -> RSA key.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	k, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, errs.Wrap(errs.KindMessage, err, "public key")
	}
	pub, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, errs.New(errs.KindMessage, "public key is not RSA")
	}
	return pub, nil
}

// EncodePrivateKeyPEM PKCS#1 "RSA PRIVATE KEY" block.
func EncodePrivateKeyPEM(priv *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
}

// DecodePrivateKeyPEM reverses EncodePrivateKeyPEM.
func DecodePrivateKeyPEM(b []byte) (*rsa.PrivateKey, error) {
	blk, _ := pem.Decode(b)
	if blk == nil || blk.Type != "RSA PRIVATE KEY" {
		return nil, errs.New(errs.KindInvalidData, "no RSA PRIVATE KEY block")
	}
	priv, err := x509.ParsePKCS1PrivateKey(blk.Bytes)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidData, err, "pkcs1")
	}
	return priv, nil
}

// EncodePublicKeyPEM PKIX "PUBLIC KEY" block.
func EncodePublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := MarshalPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// PublicKeyDERFromPEM accepts a "PUBLIC KEY" block or a private key file and
// returns the PKIX DER public key.
func PublicKeyDERFromPEM(b []byte) ([]byte, error) {
	blk, _ := pem.Decode(b)
	if blk == nil {
		return nil, errs.New(errs.KindInvalidData, "no PEM block")
	}
	switch blk.Type {
	case "PUBLIC KEY":
		if _, err := ParsePublicKey(blk.Bytes); err != nil {
			return nil, err
		}
		return blk.Bytes, nil
	case "RSA PRIVATE KEY":
		priv, err := DecodePrivateKeyPEM(b)
		if err != nil {
			return nil, err
		}
		return MarshalPublicKey(&priv.PublicKey)
	}
	return nil, errs.New(errs.KindInvalidData, "unexpected PEM block %q", blk.Type)
}
