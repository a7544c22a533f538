// Package relay: the meeting point. Peers join with an RSA-sealed RelayJoin,
// get a random back, and once both halves of a relay id are present the
// server pipes bytes between them without looking at them.
package relay

import (
	"context"
	"crypto/rsa"
	"io"
	"net"
	"sync"
	"time"

	"dev.c0redev.rdlink/internal/crypto"
	"dev.c0redev.rdlink/internal/errs"
	"dev.c0redev.rdlink/internal/metrics"
	"dev.c0redev.rdlink/internal/proto"
	"github.com/sirupsen/logrus"
)

// DefaultPairTimeout how long the first joiner waits for its partner.
const DefaultPairTimeout = 30 * time.Second

// AcceptJoin: server half of Phase A. Reads one Wide frame, opens the
// RelayJoin with priv and answers RelayAccept{relayRand} sealed under the
// joiner's key/nonce. Returns the relay id.
func AcceptJoin(conn io.ReadWriter, priv *rsa.PrivateKey, relayRand uint64) (string, error) {
	f, err := proto.ReadFrame(conn, proto.Wide)
	if err != nil {
		return "", errs.Wrap(errs.KindRelay, err, "read join")
	}
	pt, err := crypto.PrivateDecrypt(priv, f.Payload)
	if err != nil {
		return "", errs.Wrap(errs.KindRelay, err, "join")
	}
	var join proto.RelayJoin
	if err := proto.Unmarshal(pt, &join); err != nil {
		return "", errs.Wrap(errs.KindRelay, err, "join")
	}
	if join.RelayID == "" {
		return "", errs.New(errs.KindRelay, "join without relay id")
	}
	b, err := proto.Marshal(&proto.RelayAccept{Rand: relayRand})
	if err != nil {
		return "", errs.Wrap(errs.KindRelay, err, "accept")
	}
	ct, err := crypto.Encrypt(join.Key, join.Nonce, b, nil)
	if err != nil {
		return "", errs.Wrap(errs.KindRelay, err, "accept")
	}
	if err := proto.WriteFrame(conn, proto.Wide, ct); err != nil {
		return "", errs.Wrap(errs.KindRelay, err, "send accept")
	}
	return join.RelayID, nil
}

// Option configures a Server.
type Option func(*Server)

// WithPairTimeout overrides DefaultPairTimeout.
func WithPairTimeout(d time.Duration) Option {
	return func(s *Server) { s.pairTimeout = d }
}

// WithRand sets the source of per-join randoms.
func WithRand(fn func() (uint64, error)) Option {
	return func(s *Server) { s.randFn = fn }
}

// Server pairs joiners by relay id.
type Server struct {
	priv        *rsa.PrivateKey
	pairTimeout time.Duration
	randFn      func() (uint64, error)
	log         *logrus.Entry

	mu    sync.Mutex
	slots map[string]*slot
	wg    sync.WaitGroup
}

type slot struct {
	paired  bool
	partner chan net.Conn
}

// NewServer returns a relay keyed by priv.
func NewServer(priv *rsa.PrivateKey, opts ...Option) *Server {
	s := &Server{
		priv:        priv,
		pairTimeout: DefaultPairTimeout,
		randFn:      func() (uint64, error) { return crypto.RandomUint64(nil) },
		log:         logrus.WithField("component", "relay"),
		slots:       make(map[string]*slot),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Serve accepts until ctx is done or ln fails. Waits for live pipes to end.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	s.log.WithField("addr", ln.Addr().String()).Info("relay listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// Pending relay ids currently held open (waiting or piping).
func (s *Server) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	log := s.log.WithField("remote", conn.RemoteAddr().String())
	_ = conn.SetDeadline(time.Now().Add(s.pairTimeout))
	rnd, err := s.randFn()
	if err != nil {
		log.WithError(err).Error("random")
		conn.Close()
		return
	}
	id, err := AcceptJoin(conn, s.priv, rnd)
	if err != nil {
		metrics.RelayJoin("rejected")
		log.WithError(err).Debug("join rejected")
		conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})
	log = log.WithField("relay_id", id)

	s.mu.Lock()
	sl := s.slots[id]
	switch {
	case sl == nil:
		sl = &slot{partner: make(chan net.Conn, 1)}
		s.slots[id] = sl
		s.mu.Unlock()
		metrics.RelayJoin("waiting")
		log.Debug("waiting for partner")
		s.wait(ctx, id, sl, conn, log)
	case sl.paired:
		s.mu.Unlock()
		metrics.RelayJoin("busy")
		log.Warn("relay id already paired")
		conn.Close()
	default:
		sl.paired = true
		sl.partner <- conn
		s.mu.Unlock()
		metrics.RelayJoin("paired")
	}
}

func (s *Server) wait(ctx context.Context, id string, sl *slot, conn net.Conn, log *logrus.Entry) {
	t := time.NewTimer(s.pairTimeout)
	defer t.Stop()
	var other net.Conn
	select {
	case other = <-sl.partner:
	case <-t.C:
	case <-ctx.Done():
	}
	if other == nil {
		s.mu.Lock()
		if sl.paired {
			// partner arrived while we were giving up
			other = <-sl.partner
		} else {
			delete(s.slots, id)
		}
		s.mu.Unlock()
	}
	if other == nil {
		log.Info("no partner, dropping")
		conn.Close()
		return
	}
	defer func() {
		s.mu.Lock()
		delete(s.slots, id)
		s.mu.Unlock()
	}()
	log.Info("paired")
	pipe(ctx, conn, other)
	log.Debug("pair closed")
}

// pipe copies both ways until either side ends, then closes both.
func pipe(ctx context.Context, a, b net.Conn) {
	metrics.RelayPaired()
	metrics.RelayActive(1)
	defer metrics.RelayActive(-1)
	stop := context.AfterFunc(ctx, func() {
		a.Close()
		b.Close()
	})
	defer stop()
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			a.Close()
			b.Close()
		})
	}
	var wg sync.WaitGroup
	wg.Add(2)
	cp := func(dst, src net.Conn) {
		defer wg.Done()
		n, _ := io.Copy(dst, src)
		metrics.RelayBytes(n)
		closeBoth()
	}
	go cp(a, b)
	go cp(b, a)
	wg.Wait()
}
