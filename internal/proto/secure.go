package proto

import (
	"bufio"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync"

	"dev.c0redev.rdlink/internal/crypto"
	"dev.c0redev.rdlink/internal/errs"
)

// padSize random bytes appended to every plaintext before sealing.
const padSize = 1

// Direction ids mixed into the per-message nonce.
const (
	dirInitiator byte = 0
	dirAcceptor  byte = 1
)

// Cipher seals/opens frames under session keys. Each direction keeps its own
// sequence; nonce = session nonce ^ (dir in byte 0, seq in bytes 4..11).
type Cipher struct {
	v       Variant
	aead    cipher.AEAD
	base    [crypto.NonceSize]byte
	sendDir byte
	recvDir byte
	sendSeq uint64
	recvSeq uint64
	rand    io.Reader
}

// NewCipher for the given side; the initiator sends with direction 0.
func NewCipher(v Variant, keys crypto.SessionKeys, initiator bool) (*Cipher, error) {
	aead, err := crypto.NewAEAD(keys.Key[:])
	if err != nil {
		return nil, err
	}
	c := &Cipher{v: v, aead: aead, base: keys.Nonce, rand: rand.Reader}
	if initiator {
		c.sendDir, c.recvDir = dirInitiator, dirAcceptor
	} else {
		c.sendDir, c.recvDir = dirAcceptor, dirInitiator
	}
	return c, nil
}

func (c *Cipher) nonce(dir byte, seq uint64) []byte {
	n := c.base
	n[0] ^= dir
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	for i := 0; i < 8; i++ {
		n[crypto.NonceSize-8+i] ^= s[i]
	}
	return n[:]
}

// SealFrame pads, encrypts and frames plaintext. The header is the AEAD
// associated data. Not safe for concurrent use.
func (c *Cipher) SealFrame(plaintext []byte) ([]byte, error) {
	ctLen := uint64(len(plaintext) + padSize + c.aead.Overhead())
	out, err := AppendHeader(make([]byte, 0, 5+ctLen), c.v, ctLen)
	if err != nil {
		return nil, err
	}
	hdr := out
	padded := make([]byte, len(plaintext)+padSize)
	copy(padded, plaintext)
	if _, err := io.ReadFull(c.rand, padded[len(plaintext):]); err != nil {
		return nil, errs.Wrap(errs.KindEncrypt, err, "pad")
	}
	ct, err := crypto.Seal(c.aead, c.nonce(c.sendDir, c.sendSeq), padded, hdr)
	if err != nil {
		return nil, err
	}
	c.sendSeq++
	return append(out, ct...), nil
}

// OpenFrame authenticates and decrypts f, dropping the pad byte.
func (c *Cipher) OpenFrame(f Frame) ([]byte, error) {
	seq := c.recvSeq
	c.recvSeq++
	pt, err := crypto.Open(c.aead, c.nonce(c.recvDir, seq), f.Payload, f.Header)
	if err != nil {
		return nil, err
	}
	if len(pt) < padSize {
		return nil, errs.New(errs.KindDecrypt, "missing pad")
	}
	return pt[:len(pt)-padSize], nil
}

// SecureConn: encrypted, framed message stream (Narrow headers). One writer
// lock, one reader lock; reads and writes may run concurrently.
type SecureConn struct {
	conn      io.ReadWriteCloser
	r         *bufio.Reader
	wmu       sync.Mutex
	rmu       sync.Mutex
	c         *Cipher
	initiator bool
	keys      crypto.SessionKeys
}

// NewSecureConn wraps conn with session keys derived by the handshake.
func NewSecureConn(conn io.ReadWriteCloser, keys crypto.SessionKeys, initiator bool) (*SecureConn, error) {
	c, err := NewCipher(Narrow, keys, initiator)
	if err != nil {
		return nil, err
	}
	return &SecureConn{conn: conn, r: bufio.NewReader(conn), c: c, initiator: initiator, keys: keys}, nil
}

// WriteMessage seals and writes one message.
func (s *SecureConn) WriteMessage(p []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	b, err := s.c.SealFrame(p)
	if err != nil {
		return err
	}
	if _, err := s.conn.Write(b); err != nil {
		return errs.FromIO(err)
	}
	return nil
}

// ReadMessage blocks for one message. Decrypt failures are fatal for the stream.
func (s *SecureConn) ReadMessage() ([]byte, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	f, err := ReadFrame(s.r, Narrow)
	if err != nil {
		return nil, err
	}
	return s.c.OpenFrame(f)
}

// WriteRecord CBOR-encodes rec and writes it.
func (s *SecureConn) WriteRecord(rec interface{}) error {
	b, err := Marshal(rec)
	if err != nil {
		return err
	}
	return s.WriteMessage(b)
}

// ReadRecord reads one message into rec.
func (s *SecureConn) ReadRecord(rec interface{}) error {
	b, err := s.ReadMessage()
	if err != nil {
		return err
	}
	return Unmarshal(b, rec)
}

// Initiator true on the control side.
func (s *SecureConn) Initiator() bool { return s.initiator }

// Keys session key material.
func (s *SecureConn) Keys() crypto.SessionKeys { return s.keys }

// Close closes the transport; pending reads fail with Disconnection.
func (s *SecureConn) Close() error {
	return s.conn.Close()
}
