package crypto

import (
	"bytes"
	"errors"
	"testing"

	"dev.c0redev.rdlink/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAEADRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, KeySize)
	nonce := bytes.Repeat([]byte{0x07}, NonceSize)
	ct, err := Encrypt(key, nonce, []byte("hello"), []byte("ad"))
	require.NoError(t, err)
	assert.Len(t, ct, 5+Overhead)

	pt, err := Decrypt(key, nonce, ct, []byte("ad"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)

	again, err := Encrypt(key, nonce, []byte("hello"), []byte("ad"))
	require.NoError(t, err)
	assert.Equal(t, ct, again, "deterministic for identical inputs")
}

func TestAEADFailures(t *testing.T) {
	key := make([]byte, KeySize)
	nonce := make([]byte, NonceSize)

	_, err := Encrypt(make([]byte, 32), nonce, nil, nil)
	assert.True(t, errors.Is(err, errs.ErrCipherInit))
	_, err = Encrypt(key, make([]byte, 8), nil, nil)
	assert.True(t, errors.Is(err, errs.ErrCipherInit))

	ct, err := Encrypt(key, nonce, []byte("payload"), nil)
	require.NoError(t, err)
	for i := range ct {
		tampered := append([]byte(nil), ct...)
		tampered[i] ^= 0x01
		_, err := Decrypt(key, nonce, tampered, nil)
		assert.True(t, errors.Is(err, errs.ErrDecrypt), "byte %d", i)
	}

	wrongKey := bytes.Repeat([]byte{1}, KeySize)
	_, err = Decrypt(wrongKey, nonce, ct, nil)
	assert.True(t, errors.Is(err, errs.ErrDecrypt))
	_, err = Decrypt(key, nonce, ct[:4], nil)
	assert.True(t, errors.Is(err, errs.ErrDecrypt))
}

func TestRSAEncryptDecrypt(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)
	assert.Equal(t, RSABits/8, priv.Size())

	for _, n := range []int{0, 1, 117, 118, 300} {
		msg := bytes.Repeat([]byte{byte(n)}, n)
		ct, err := PublicEncrypt(&priv.PublicKey, msg)
		require.NoError(t, err)
		assert.Zero(t, len(ct)%priv.Size())
		pt, err := PrivateDecrypt(priv, ct)
		require.NoError(t, err)
		assert.Equal(t, len(msg), len(pt))
		assert.True(t, bytes.Equal(msg, pt))
	}

	other, err := GenerateKey()
	require.NoError(t, err)
	ct, err := PublicEncrypt(&priv.PublicKey, []byte("secret"))
	require.NoError(t, err)
	_, err = PrivateDecrypt(other, ct)
	assert.True(t, errors.Is(err, errs.ErrDecrypt))
	_, err = PrivateDecrypt(priv, ct[:10])
	assert.True(t, errors.Is(err, errs.ErrDecrypt))
}

func TestSignVerify(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)
	sig, err := Sign(priv, []byte("register"))
	require.NoError(t, err)
	assert.NoError(t, Verify(&priv.PublicKey, []byte("register"), sig))
	assert.Error(t, Verify(&priv.PublicKey, []byte("tampered"), sig))
}

func TestKeyEncoding(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)
	der, err := MarshalPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pub, err := ParsePublicKey(der)
	require.NoError(t, err)
	assert.True(t, pub.Equal(&priv.PublicKey))

	back, err := DecodePrivateKeyPEM(EncodePrivateKeyPEM(priv))
	require.NoError(t, err)
	assert.True(t, back.Equal(priv))

	_, err = DecodePrivateKeyPEM([]byte("junk"))
	assert.True(t, errors.Is(err, errs.ErrInvalidData))
	_, err = ParsePublicKey([]byte("junk"))
	assert.True(t, errors.Is(err, errs.ErrMessage))

	pubPEM, err := EncodePublicKeyPEM(&priv.PublicKey)
	require.NoError(t, err)
	fromPub, err := PublicKeyDERFromPEM(pubPEM)
	require.NoError(t, err)
	assert.Equal(t, der, fromPub)
	fromPriv, err := PublicKeyDERFromPEM(EncodePrivateKeyPEM(priv))
	require.NoError(t, err)
	assert.Equal(t, der, fromPriv)
	_, err = PublicKeyDERFromPEM([]byte("junk"))
	assert.True(t, errors.Is(err, errs.ErrInvalidData))
}

func TestHash(t *testing.T) {
	a := Hash([]byte("ab"), []byte("c"))
	b := Hash([]byte("abc"))
	assert.Equal(t, a, b)
	assert.Len(t, a, HashSize)
}

func TestInterleaveSeeds(t *testing.T) {
	s := InterleaveSeeds(0xAAAAAAAABBBBBBBB, 0x1122334455667788)
	assert.Equal(t, uint64(0xBBBBBBBB11223344), s.Rand1)
	assert.Equal(t, uint64(0x55667788AAAAAAAA), s.Rand2)
}

func TestDeriveSessionKeysSymmetric(t *testing.T) {
	control := InterleaveSeeds(0x0102030405060708, 0x1122334455667788)
	controlled := Seeds{Rand1: 0xA1A2A3A4A5A6A7A8, Rand2: 0xB1B2B3B4B5B6B7B8}

	// each side only knows "mine" and "peer", and maps them by role
	initiatorView := DeriveSessionKeys(control, controlled)
	acceptorView := DeriveSessionKeys(Seeds{Rand1: control.Rand1, Rand2: control.Rand2}, controlled)
	assert.Equal(t, initiatorView, acceptorView)

	assert.Equal(t, []byte{0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6, 0xA7, 0xA8, 0x05, 0x06, 0x07, 0x08, 0x11, 0x22, 0x33, 0x44}, initiatorView.Key[:])
	assert.Equal(t, []byte{0xB1, 0xB2, 0xB3, 0xB4, 0xB5, 0xB6, 0xB7, 0xB8, 0x05, 0x06, 0x07, 0x08}, initiatorView.Nonce[:])
}

func TestSessionKeysFrom(t *testing.T) {
	_, err := SessionKeysFrom(make([]byte, 15), make([]byte, NonceSize))
	assert.True(t, errors.Is(err, errs.ErrCipherInit))
	_, err = SessionKeysFrom(make([]byte, KeySize), make([]byte, 11))
	assert.True(t, errors.Is(err, errs.ErrCipherInit))
	k, err := NewSessionKeys(nil)
	require.NoError(t, err)
	k2, err := SessionKeysFrom(k.Key[:], k.Nonce[:])
	require.NoError(t, err)
	assert.Equal(t, k, k2)
}
