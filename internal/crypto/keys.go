package crypto

import (
	"encoding/binary"
	"io"

	"dev.c0redev.rdlink/internal/errs"
)

// SessionKeys: per-connection key + nonce; never persisted.
type SessionKeys struct {
	Key   [KeySize]byte
	Nonce [NonceSize]byte
}

// NewSessionKeys random key/nonce (relay join, client hello).
func NewSessionKeys(r io.Reader) (SessionKeys, error) {
	var k SessionKeys
	b, err := RandomBytes(r, KeySize+NonceSize)
	if err != nil {
		return k, err
	}
	copy(k.Key[:], b[:KeySize])
	copy(k.Nonce[:], b[KeySize:])
	return k, nil
}

// SessionKeysFrom copies key/nonce slices; CipherInit on wrong sizes.
func SessionKeysFrom(key, nonce []byte) (SessionKeys, error) {
	var k SessionKeys
	if len(key) != KeySize {
		return k, errs.New(errs.KindCipherInit, "key size %d, want %d", len(key), KeySize)
	}
	if len(nonce) != NonceSize {
		return k, errs.New(errs.KindCipherInit, "nonce size %d, want %d", len(nonce), NonceSize)
	}
	copy(k.Key[:], key)
	copy(k.Nonce[:], nonce)
	return k, nil
}

// Seeds: the two 64-bit values one side contributes to the session key.
type Seeds struct {
	Rand1 uint64
	Rand2 uint64
}

// InterleaveSeeds mixes the initiator's random with the relay's so neither
// fully controls the result: rand1 = my<<32 | relay>>32, rand2 = relay<<32 | my>>32.
func InterleaveSeeds(my, relay uint64) Seeds {
	return Seeds{
		Rand1: my<<32 | relay>>32,
		Rand2: relay<<32 | my>>32,
	}
}

// DeriveSessionKeys: key = controlled.Rand1 || control.Rand1, nonce = first 12
// bytes of controlled.Rand2 || control.Rand1 (big endian). Both ends pass the
// seeds by role, so the result is identical on each side.
func DeriveSessionKeys(control, controlled Seeds) SessionKeys {
	var k SessionKeys
	binary.BigEndian.PutUint64(k.Key[:8], controlled.Rand1)
	binary.BigEndian.PutUint64(k.Key[8:], control.Rand1)
	var n [16]byte
	binary.BigEndian.PutUint64(n[:8], controlled.Rand2)
	binary.BigEndian.PutUint64(n[8:], control.Rand1)
	copy(k.Nonce[:], n[:NonceSize])
	return k
}
