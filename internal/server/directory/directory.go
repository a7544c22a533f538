// Package directory: the rendezvous server. Peers register over a secured
// stream, heartbeat with pings and ask for a relay to another online peer; the
// directory allocates a relay id and notifies both sides.
package directory

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dev.c0redev.rdlink/internal/crypto"
	"dev.c0redev.rdlink/internal/errs"
	"dev.c0redev.rdlink/internal/metrics"
	"dev.c0redev.rdlink/internal/proto"
	"dev.c0redev.rdlink/internal/server/auth"
	"dev.c0redev.rdlink/internal/server/router"
	"dev.c0redev.rdlink/internal/store"
)

const (
	// DefaultIdleTimeout drops a peer that sent nothing (not even a ping) for this long.
	DefaultIdleTimeout = 30 * time.Second
	// OutboxDepth notifications queued per peer before they are dropped.
	OutboxDepth = 64
	// touchEvery throttles last_seen writes from pings.
	touchEvery = 5 * time.Second
)

const writeTimeout = 10 * time.Second

// Option configures a Server.
type Option func(*Server)

// WithServerKeyHash requires registrations to present a key matching this bcrypt hash.
func WithServerKeyHash(hash string) Option {
	return func(s *Server) { s.keyHash = hash }
}

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idle = d }
}

// Server: registry of online peers backed by the store.
type Server struct {
	db      *store.DB
	keyHash string
	idle    time.Duration
	mu      sync.Mutex
	online  map[string]*session
	wg      sync.WaitGroup
	log     *logrus.Entry
}

type session struct {
	userID string
	pubKey []byte
	conn   net.Conn
	out    chan *proto.Message
	done   chan struct{}
}

// New server over db.
func New(db *store.DB, opts ...Option) *Server {
	s := &Server{
		db:     db,
		idle:   DefaultIdleTimeout,
		online: make(map[string]*session),
		log:    logrus.WithFields(logrus.Fields{"component": "directory"}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Serve accepts until ctx is done or ln fails. Waits for live sessions to end.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	s.log.WithField("addr", ln.Addr().String()).Info("directory listening")
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

// Online user ids, sorted.
func (s *Server) Online() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.online))
	for id := range s.online {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	log := s.log.WithField("remote", conn.RemoteAddr().String())

	_ = conn.SetDeadline(time.Now().Add(s.idle))
	sess, err := s.register(conn)
	if err != nil {
		log.WithError(err).Warn("registration rejected")
		return
	}
	_ = conn.SetDeadline(time.Time{})
	log = log.WithField("user_id", sess.userID)
	log.Info("peer online")
	metrics.PeerOnline(1)
	defer func() {
		s.mu.Lock()
		if s.online[sess.userID] == sess {
			delete(s.online, sess.userID)
		}
		s.mu.Unlock()
		close(sess.done)
		metrics.PeerOnline(-1)
		log.Info("peer offline")
	}()

	go s.writeLoop(sess, log)

	var lastTouch time.Time
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.idle))
		var msg proto.Message
		if err := proto.ReadRecord(conn, proto.Wide, &msg); err != nil {
			log.WithError(errs.FromIO(err)).Debug("rendezvous stream ended")
			return
		}
		switch {
		case msg.Ping != nil:
			if time.Since(lastTouch) >= touchEvery {
				lastTouch = time.Now()
				if err := s.db.TouchPeer(sess.userID); err != nil {
					log.WithError(err).Warn("touch peer")
				}
			}
		case msg.ConnectRequest != nil:
			s.connect(sess, msg.ConnectRequest.PeerID)
		default:
			log.WithField("kind", msg.Kind()).Debug("ignoring message")
		}
	}
}

// register reads RegisterPeer and answers it. On success the session is online.
func (s *Server) register(conn net.Conn) (*session, error) {
	var msg proto.Message
	if err := proto.ReadRecord(conn, proto.Wide, &msg); err != nil {
		return nil, errs.FromIO(err)
	}
	reply := func(res proto.RegisterResult, text string) error {
		metrics.Registration(res.String())
		return proto.WriteRecord(conn, proto.Wide, &proto.Message{
			RegisterPeerResponse: &proto.RegisterPeerResponse{Result: res, Message: text},
		})
	}
	rp := msg.RegisterPeer
	if rp == nil {
		_ = reply(proto.RegisterFail, "expected register_peer")
		return nil, errs.New(errs.KindMessage, "first message %q", msg.Kind())
	}
	if rp.UserID == "" {
		_ = reply(proto.RegisterFail, "user id required")
		return nil, errs.New(errs.KindMessage, "empty user id")
	}
	if _, err := crypto.ParsePublicKey(rp.PubKey); err != nil {
		_ = reply(proto.RegisterFail, "bad public key")
		return nil, err
	}
	if !auth.CheckServerKey(rp.ServerKey, s.keyHash) {
		_ = reply(proto.RegisterKeyNotMatch, "")
		return nil, errs.ErrServerKeyNotMatch
	}

	sess := &session{
		userID: rp.UserID,
		pubKey: rp.PubKey,
		conn:   conn,
		out:    make(chan *proto.Message, OutboxDepth),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	if _, dup := s.online[rp.UserID]; dup {
		s.mu.Unlock()
		_ = reply(proto.RegisterRepeat, "")
		return nil, errs.New(errs.KindIDRepeat, "%s", rp.UserID)
	}
	s.online[rp.UserID] = sess
	s.mu.Unlock()

	unregister := func() {
		s.mu.Lock()
		delete(s.online, rp.UserID)
		s.mu.Unlock()
	}
	if err := s.db.UpsertPeer(rp.UserID, rp.PubKey, rp.Cert, conn.RemoteAddr().String()); err != nil {
		unregister()
		_ = reply(proto.RegisterError, "registry unavailable")
		return nil, err
	}
	if err := reply(proto.RegisterSuccess, ""); err != nil {
		unregister()
		return nil, errs.FromIO(err)
	}
	return sess, nil
}

func (s *Server) writeLoop(sess *session, log *logrus.Entry) {
	for {
		select {
		case msg := <-sess.out:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := proto.WriteRecord(sess.conn, proto.Wide, msg); err != nil {
				log.WithError(err).Debug("write failed")
				sess.conn.Close()
				return
			}
		case <-sess.done:
			return
		}
	}
}

// send queues msg for sess without blocking the caller's read loop.
func (s *Server) send(sess *session, msg *proto.Message) bool {
	select {
	case <-sess.done:
		return false
	default:
	}
	select {
	case sess.out <- msg:
		return true
	case <-sess.done:
		return false
	default:
		s.log.WithField("user_id", sess.userID).Warn("outbox full, dropping notification")
		return false
	}
}

// connect brokers a relay between from and peerID.
func (s *Server) connect(from *session, peerID string) {
	log := s.log.WithFields(logrus.Fields{"user_id": from.userID, "peer": peerID})
	fail := func(res proto.RelayResult, text string) {
		metrics.ConnectRequest(res.String())
		log.WithField("result", res.String()).Info("connect request refused")
		s.send(from, &proto.Message{RelayResponse: &proto.RelayResponse{PeerID: peerID, Result: res, Message: text}})
	}
	if peerID == "" || peerID == from.userID {
		fail(proto.RelayFail, "invalid peer id")
		return
	}
	s.mu.Lock()
	target := s.online[peerID]
	s.mu.Unlock()
	if target == nil {
		fail(proto.RelayOffline, "")
		return
	}
	relays, err := s.db.ListRelays()
	if err != nil {
		log.WithError(err).Error("list relays")
		fail(proto.RelayFail, "registry unavailable")
		return
	}
	relay, err := router.SelectRelay(relays, time.Now())
	if err != nil {
		fail(proto.RelayFail, err.Error())
		return
	}
	relayID := uuid.NewString()

	toTarget := &proto.RelayResponse{
		PeerID:      from.userID,
		RelayID:     relayID,
		RelayAddr:   relay.Addr,
		RelayPubKey: relay.PubKey,
		PeerPubKey:  from.pubKey,
		Result:      proto.RelaySuccess,
		IsControl:   true,
	}
	if !s.send(target, &proto.Message{RelayResponse: toTarget}) {
		fail(proto.RelayOffline, "")
		return
	}
	toFrom := &proto.RelayResponse{
		PeerID:      peerID,
		RelayID:     relayID,
		RelayAddr:   relay.Addr,
		RelayPubKey: relay.PubKey,
		PeerPubKey:  target.pubKey,
		Result:      proto.RelaySuccess,
	}
	s.send(from, &proto.Message{RelayResponse: toFrom})
	if err := s.db.RecordSession(relayID, relay.Name, from.userID, peerID); err != nil {
		log.WithError(err).Warn("record session")
	}
	metrics.ConnectRequest(proto.RelaySuccess.String())
	log.WithFields(logrus.Fields{"relay": relay.Name, "relay_id": relayID}).Info("relay allocated")
}
