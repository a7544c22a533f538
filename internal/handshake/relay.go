// Package handshake: relay join (Phase A), peer hello + key agreement and the
// password login loop (Phase B). Every step blocks on the caller's goroutine;
// any failure is fatal for the attempt.
package handshake

import (
	"context"
	"crypto/rsa"
	"io"
	"net"
	"time"

	"dev.c0redev.rdlink/internal/crypto"
	"dev.c0redev.rdlink/internal/errs"
	"dev.c0redev.rdlink/internal/proto"
	"github.com/sirupsen/logrus"
)

// DialTimeout for the relay TCP connect.
const DialTimeout = 10 * time.Second

// RelayInfo: relay coordinates handed out by the directory.
type RelayInfo struct {
	ID     string
	Addr   string
	PubKey *rsa.PublicKey
}

// RelayInfoFrom extracts relay coordinates from a RelayResponse.
func RelayInfoFrom(r *proto.RelayResponse) (RelayInfo, error) {
	if r.RelayID == "" || r.RelayAddr == "" {
		return RelayInfo{}, errs.New(errs.KindRelay, "relay response without relay id/addr")
	}
	pub, err := crypto.ParsePublicKey(r.RelayPubKey)
	if err != nil {
		return RelayInfo{}, errs.Wrap(errs.KindRelay, err, "relay public key")
	}
	return RelayInfo{ID: r.RelayID, Addr: r.RelayAddr, PubKey: pub}, nil
}

// JoinRelay: send RelayJoin sealed to the relay key, read back the relay's
// random sealed under the key/nonce we just shared.
func JoinRelay(conn io.ReadWriter, relay RelayInfo, rnd io.Reader) (uint64, error) {
	keys, err := crypto.NewSessionKeys(rnd)
	if err != nil {
		return 0, errs.Wrap(errs.KindRelay, err, "join keys")
	}
	b, err := proto.Marshal(&proto.RelayJoin{RelayID: relay.ID, Key: keys.Key[:], Nonce: keys.Nonce[:]})
	if err != nil {
		return 0, errs.Wrap(errs.KindRelay, err, "join")
	}
	ct, err := crypto.PublicEncrypt(relay.PubKey, b)
	if err != nil {
		return 0, errs.Wrap(errs.KindRelay, err, "join")
	}
	if err := proto.WriteFrame(conn, proto.Wide, ct); err != nil {
		return 0, errs.Wrap(errs.KindRelay, err, "send join")
	}
	f, err := proto.ReadFrame(conn, proto.Wide)
	if err != nil {
		return 0, errs.Wrap(errs.KindRelay, err, "no relay reply")
	}
	pt, err := crypto.Decrypt(keys.Key[:], keys.Nonce[:], f.Payload, nil)
	if err != nil {
		return 0, errs.Wrap(errs.KindRelay, err, "relay reply")
	}
	var acc proto.RelayAccept
	if err := proto.Unmarshal(pt, &acc); err != nil {
		return 0, errs.Wrap(errs.KindRelay, err, "relay reply")
	}
	return acc.Rand, nil
}

// DialRelay connects to the relay and performs Phase A.
func DialRelay(ctx context.Context, relay RelayInfo, rnd io.Reader) (net.Conn, uint64, error) {
	d := net.Dialer{Timeout: DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", relay.Addr)
	if err != nil {
		return nil, 0, errs.Wrap(errs.KindIO, err, "dial relay "+relay.Addr)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	relayRand, err := JoinRelay(conn, relay, rnd)
	if err != nil {
		conn.Close()
		return nil, 0, err
	}
	logrus.WithFields(logrus.Fields{
		"component": "handshake",
		"relay_id":  relay.ID,
		"relay":     relay.Addr,
	}).Debug("joined relay")
	return conn, relayRand, nil
}
