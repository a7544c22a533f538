package handshake

import (
	"context"
	"crypto/rsa"
	"encoding/binary"
	"io"
	"net"

	"dev.c0redev.rdlink/internal/crypto"
	"dev.c0redev.rdlink/internal/errs"
	"dev.c0redev.rdlink/internal/proto"
	"github.com/sirupsen/logrus"
)

// ChallengeSize length of the ServerHello hash the login is bound to.
const ChallengeSize = 16

type options struct {
	rand io.Reader
}

// Session: authenticated encrypted stream between two peers.
type Session struct {
	*proto.SecureConn
	PeerID  string
	RelayID string
}

// Initiator: the control side. Knows the target's id and public key.
type Initiator struct {
	MyID     string
	PeerID   string
	PeerKey  *rsa.PublicKey
	Prompter PasswordPrompter
	// MaxAttempts local guard; defaults to DefaultMaxLoginAttempts.
	MaxAttempts int
	// Rand source for protocol randoms; crypto/rand when nil.
	Rand io.Reader
}

// Acceptor: the controlled side. Holds the private key the directory published.
type Acceptor struct {
	MyID       string
	PeerID     string
	PrivateKey *rsa.PrivateKey
	Password   string
	// MaxAttempts wrong passwords before Frequently; defaults to DefaultMaxLoginAttempts.
	MaxAttempts int
	Rand        io.Reader
}

func maxAttempts(n int) int {
	if n <= 0 {
		return DefaultMaxLoginAttempts
	}
	return n
}

// Handshake runs Phase B + login over a relay-joined conn. relayRand is what
// JoinRelay returned.
func (in *Initiator) Handshake(conn io.ReadWriteCloser, relayRand uint64) (*proto.SecureConn, error) {
	log := logrus.WithFields(logrus.Fields{"component": "handshake", "role": "initiator", "peer": in.PeerID})
	if in.PeerKey == nil {
		return nil, errs.New(errs.KindPeer, "no public key for %s", in.PeerID)
	}
	my, err := crypto.RandomUint64(in.Rand)
	if err != nil {
		return nil, errs.Wrap(errs.KindPeer, err, "random")
	}
	seeds := crypto.InterleaveSeeds(my, relayRand)
	hk, err := crypto.NewSessionKeys(in.Rand)
	if err != nil {
		return nil, errs.Wrap(errs.KindPeer, err, "hello keys")
	}
	b, err := proto.Marshal(&proto.ClientHello{
		MyID:   in.MyID,
		PeerID: in.PeerID,
		Rand1:  seeds.Rand1,
		Rand2:  seeds.Rand2,
		Key:    hk.Key[:],
		Nonce:  hk.Nonce[:],
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindPeer, err, "client hello")
	}
	ct, err := crypto.PublicEncrypt(in.PeerKey, b)
	if err != nil {
		return nil, errs.Wrap(errs.KindPeer, err, "client hello")
	}
	if err := proto.WriteFrame(conn, proto.Wide, ct); err != nil {
		return nil, errs.Wrap(errs.KindPeer, err, "send client hello")
	}
	f, err := proto.ReadFrame(conn, proto.Wide)
	if err != nil {
		return nil, errs.Wrap(errs.KindPeer, err, "no server hello")
	}
	pt, err := crypto.Decrypt(hk.Key[:], hk.Nonce[:], f.Payload, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindPeer, err, "server hello")
	}
	var sh proto.ServerHello
	if err := proto.Unmarshal(pt, &sh); err != nil {
		return nil, errs.Wrap(errs.KindPeer, err, "server hello")
	}
	if len(sh.Hash) != ChallengeSize {
		return nil, errs.New(errs.KindPeer, "server hello hash size %d", len(sh.Hash))
	}
	keys := crypto.DeriveSessionKeys(seeds, crypto.Seeds{Rand1: sh.Rand1, Rand2: sh.Rand2})
	sc, err := proto.NewSecureConn(conn, keys, true)
	if err != nil {
		return nil, err
	}
	log.Debug("keys derived, logging in")
	if err := runLogin(sc, sh.Hash, in.Prompter, maxAttempts(in.MaxAttempts), &options{rand: in.Rand}); err != nil {
		log.WithError(err).Warn("login failed")
		return nil, err
	}
	log.Info("session established")
	return sc, nil
}

// Handshake answers Phase B + verifies the login over a relay-joined conn.
func (a *Acceptor) Handshake(conn io.ReadWriteCloser) (*proto.SecureConn, error) {
	log := logrus.WithFields(logrus.Fields{"component": "handshake", "role": "acceptor", "peer": a.PeerID})
	if a.PrivateKey == nil {
		return nil, errs.New(errs.KindPeer, "no private key")
	}
	f, err := proto.ReadFrame(conn, proto.Wide)
	if err != nil {
		return nil, errs.Wrap(errs.KindPeer, err, "no client hello")
	}
	pt, err := crypto.PrivateDecrypt(a.PrivateKey, f.Payload)
	if err != nil {
		return nil, errs.Wrap(errs.KindPeer, err, "client hello")
	}
	var ch proto.ClientHello
	if err := proto.Unmarshal(pt, &ch); err != nil {
		return nil, errs.Wrap(errs.KindPeer, err, "client hello")
	}
	if ch.PeerID != a.MyID || (a.PeerID != "" && ch.MyID != a.PeerID) {
		return nil, errs.New(errs.KindPeer, "hello from %q for %q, want %q for %q", ch.MyID, ch.PeerID, a.PeerID, a.MyID)
	}
	hk, err := crypto.SessionKeysFrom(ch.Key, ch.Nonce)
	if err != nil {
		return nil, errs.Wrap(errs.KindPeer, err, "client hello keys")
	}
	r, err := crypto.RandomBytes(a.Rand, 16+ChallengeSize)
	if err != nil {
		return nil, errs.Wrap(errs.KindPeer, err, "random")
	}
	sh := proto.ServerHello{
		Rand1: binary.BigEndian.Uint64(r[0:8]),
		Rand2: binary.BigEndian.Uint64(r[8:16]),
		Hash:  r[16:],
	}
	b, err := proto.Marshal(&sh)
	if err != nil {
		return nil, errs.Wrap(errs.KindPeer, err, "server hello")
	}
	ct, err := crypto.Encrypt(hk.Key[:], hk.Nonce[:], b, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindPeer, err, "server hello")
	}
	if err := proto.WriteFrame(conn, proto.Wide, ct); err != nil {
		return nil, errs.Wrap(errs.KindPeer, err, "send server hello")
	}
	keys := crypto.DeriveSessionKeys(crypto.Seeds{Rand1: ch.Rand1, Rand2: ch.Rand2}, crypto.Seeds{Rand1: sh.Rand1, Rand2: sh.Rand2})
	sc, err := proto.NewSecureConn(conn, keys, false)
	if err != nil {
		return nil, err
	}
	if err := verifyLogin(sc, sh.Hash, a.Password, maxAttempts(a.MaxAttempts)); err != nil {
		log.WithError(err).Warn("login rejected")
		return nil, err
	}
	log.WithField("from", ch.MyID).Info("session established")
	return sc, nil
}

// Connect: dial the relay, join, run the initiator handshake. Cancelling ctx
// closes the transport, which aborts whatever step is blocked.
func Connect(ctx context.Context, relay RelayInfo, in *Initiator) (*Session, error) {
	conn, relayRand, err := DialRelay(ctx, relay, in.Rand)
	if err != nil {
		return nil, err
	}
	sc, err := handshakeUnder(ctx, conn, func() (*proto.SecureConn, error) { return in.Handshake(conn, relayRand) })
	if err != nil {
		return nil, err
	}
	return &Session{SecureConn: sc, PeerID: in.PeerID, RelayID: relay.ID}, nil
}

// Accept: dial the relay, join, answer the initiator's handshake.
func Accept(ctx context.Context, relay RelayInfo, a *Acceptor) (*Session, error) {
	conn, _, err := DialRelay(ctx, relay, a.Rand)
	if err != nil {
		return nil, err
	}
	sc, err := handshakeUnder(ctx, conn, func() (*proto.SecureConn, error) { return a.Handshake(conn) })
	if err != nil {
		return nil, err
	}
	return &Session{SecureConn: sc, PeerID: a.PeerID, RelayID: relay.ID}, nil
}

func handshakeUnder(ctx context.Context, conn net.Conn, fn func() (*proto.SecureConn, error)) (*proto.SecureConn, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	sc, err := fn()
	if !stop() || err != nil {
		conn.Close()
		if err == nil {
			err = errs.Wrap(errs.KindDisconnection, ctx.Err(), "handshake cancelled")
		}
		return nil, err
	}
	return sc, nil
}
