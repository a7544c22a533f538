// Package peer ties the pieces together for one peer: directory notifications
// start relay handshakes, and every authenticated stream becomes a channel
// manager handed to the application as a Session.
package peer

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"dev.c0redev.rdlink/internal/channel"
	"dev.c0redev.rdlink/internal/crypto"
	"dev.c0redev.rdlink/internal/errs"
	"dev.c0redev.rdlink/internal/handshake"
	"dev.c0redev.rdlink/internal/identity"
	"dev.c0redev.rdlink/internal/proto"
	"dev.c0redev.rdlink/internal/rendezvous"
)

const (
	// IncomingDepth remote-created channels waiting for the application.
	IncomingDepth = 32
	// SessionsDepth sessions waiting on Sessions().
	SessionsDepth = 16
)

const (
	retryMin    = 500 * time.Millisecond
	retryMax    = 30 * time.Second
	stableAfter = 10 * time.Second
)

// Session: an authenticated, multiplexed link to another peer.
type Session struct {
	*channel.Manager
	PeerID  string
	RelayID string
	// Control is true on the side that initiated (and controls) the session.
	Control  bool
	incoming chan channel.Endpoint
}

// Incoming channels the remote side created.
func (s *Session) Incoming() <-chan channel.Endpoint { return s.incoming }

// Config for a Node.
type Config struct {
	Identity  *identity.Identity
	ServerKey string
	// Password accepted from controlling peers. Empty refuses to be controlled.
	Password string
	// Prompter supplies passwords when this node controls another.
	Prompter    handshake.PasswordPrompter
	MaxAttempts int
	Heartbeat   time.Duration
}

// DialFunc opens the secured rendezvous stream.
type DialFunc func(ctx context.Context) (net.Conn, error)

type result struct {
	s   *Session
	err error
}

// Node: one registered peer, its directory client and its live sessions.
type Node struct {
	cfg      Config
	client   *rendezvous.Client
	sessions chan *Session
	log      *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	waiters map[string][]chan result
	active  map[*Session]struct{}
}

// New builds a node for cfg.Identity.
func New(cfg Config) (*Node, error) {
	if cfg.Identity == nil || cfg.Identity.Key == nil {
		return nil, errors.New("peer: identity required")
	}
	pub, err := cfg.Identity.PublicKeyDER()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:      cfg,
		sessions: make(chan *Session, SessionsDepth),
		log:      logrus.WithFields(logrus.Fields{"component": "peer", "user_id": cfg.Identity.UserID}),
		ctx:      ctx,
		cancel:   cancel,
		waiters:  make(map[string][]chan result),
		active:   make(map[*Session]struct{}),
	}
	var opts []rendezvous.Option
	if cfg.Heartbeat > 0 {
		opts = append(opts, rendezvous.WithHeartbeat(cfg.Heartbeat))
	}
	reg := rendezvous.Registration{UserID: cfg.Identity.UserID, ServerKey: cfg.ServerKey, PubKey: pub}
	n.client = rendezvous.New(reg, rendezvous.HandlerFuncs{
		OnServerRelay: n.onServerRelay,
		OnClientRelay: n.onClientRelay,
		OnError:       n.onNotice,
	}, opts...)
	return n, nil
}

// ID this node registers as.
func (n *Node) ID() string { return n.cfg.Identity.UserID }

// Sessions delivers sessions this node did not ask for through Connect:
// peers taking control of us.
func (n *Node) Sessions() <-chan *Session { return n.sessions }

// Run registers over conn and services the directory until ctx ends or the
// stream fails. Sessions outlive Run.
func (n *Node) Run(ctx context.Context, conn io.ReadWriteCloser) error {
	return n.client.Run(ctx, conn)
}

// Serve keeps a directory connection up, redialing with backoff. It returns
// when ctx ends or the directory rejects the server key.
func (n *Node) Serve(ctx context.Context, dial DialFunc) error {
	b := &backoff.Backoff{Min: retryMin, Max: retryMax, Factor: 2, Jitter: true}
	for {
		start := time.Now()
		conn, err := dial(ctx)
		if err == nil {
			err = n.Run(ctx, conn)
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errs.ErrServerKeyNotMatch) {
			return err
		}
		if time.Since(start) > stableAfter {
			b.Reset()
		}
		d := b.Duration()
		n.log.WithError(err).WithFields(logrus.Fields{"attempt": int(b.Attempt()), "retry_in": d}).Warn("directory connection lost")
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// Connect asks the directory for peerID and runs the controlling handshake.
// The Prompter is consulted for the password.
func (n *Node) Connect(ctx context.Context, peerID string) (*Session, error) {
	if n.cfg.Prompter == nil {
		return nil, errs.New(errs.KindLogin, "no password prompter")
	}
	ch := make(chan result, 1)
	n.mu.Lock()
	n.waiters[peerID] = append(n.waiters[peerID], ch)
	n.mu.Unlock()

	if err := n.client.Connect(ctx, peerID); err != nil {
		n.dropWaiter(peerID, ch)
		return nil, err
	}
	select {
	case r := <-ch:
		return r.s, r.err
	case <-ctx.Done():
		if !n.dropWaiter(peerID, ch) {
			// already claimed: a handshake is running for us
			go func() {
				if r := <-ch; r.s != nil {
					r.s.Abort()
				}
			}()
		}
		return nil, ctx.Err()
	}
}

// Close aborts every session and stops pending handshakes.
func (n *Node) Close() {
	n.cancel()
	n.mu.Lock()
	for s := range n.active {
		s.Abort()
	}
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *Node) dropWaiter(peerID string, ch chan result) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.waiters[peerID]
	for i, c := range list {
		if c == ch {
			n.waiters[peerID] = append(list[:i], list[i+1:]...)
			if len(n.waiters[peerID]) == 0 {
				delete(n.waiters, peerID)
			}
			return true
		}
	}
	return false
}

// claim pops the oldest waiter for peerID, nil if none.
func (n *Node) claim(peerID string) chan result {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.waiters[peerID]
	if len(list) == 0 {
		return nil
	}
	ch := list[0]
	if len(list) == 1 {
		delete(n.waiters, peerID)
	} else {
		n.waiters[peerID] = list[1:]
	}
	return ch
}

// onClientRelay: the directory granted our ConnectRequest.
func (n *Node) onClientRelay(r *proto.RelayResponse) {
	waiter := n.claim(r.PeerID)
	n.spawn(func() {
		s, err := n.control(r)
		if waiter != nil {
			waiter <- result{s: s, err: err}
			return
		}
		if err != nil {
			n.log.WithError(err).WithField("peer", r.PeerID).Warn("unsolicited control session failed")
			return
		}
		n.deliver(s)
	})
}

// onServerRelay: another peer wants to control us.
func (n *Node) onServerRelay(r *proto.RelayResponse) {
	log := n.log.WithFields(logrus.Fields{"peer": r.PeerID, "relay_id": r.RelayID})
	if n.cfg.Password == "" {
		log.Warn("refusing control request: no password configured")
		return
	}
	n.spawn(func() {
		s, err := n.controlled(r)
		if err != nil {
			log.WithError(err).Warn("incoming session failed")
			return
		}
		n.deliver(s)
	})
}

func (n *Node) onNotice(nt rendezvous.Notice) {
	var err error
	switch nt.Code {
	case rendezvous.NoticePeerOffline:
		err = errs.New(errs.KindPeer, "%s is offline", nt.PeerID)
	default:
		err = errs.New(errs.KindMessage, "%s", nt.Message)
	}
	if nt.PeerID != "" {
		if w := n.claim(nt.PeerID); w != nil {
			w <- result{err: err}
			return
		}
	}
	n.log.WithError(err).Warn("directory notice")
}

func (n *Node) spawn(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

func (n *Node) deliver(s *Session) {
	select {
	case n.sessions <- s:
	case <-n.ctx.Done():
		s.Abort()
	}
}

// control runs the initiator side over the granted relay.
func (n *Node) control(r *proto.RelayResponse) (*Session, error) {
	relay, err := handshake.RelayInfoFrom(r)
	if err != nil {
		return nil, err
	}
	peerKey, err := crypto.ParsePublicKey(r.PeerPubKey)
	if err != nil {
		return nil, errs.Wrap(errs.KindPeer, err, "peer key")
	}
	hs, err := handshake.Connect(n.ctx, relay, &handshake.Initiator{
		MyID:        n.cfg.Identity.UserID,
		PeerID:      r.PeerID,
		PeerKey:     peerKey,
		Prompter:    n.cfg.Prompter,
		MaxAttempts: n.cfg.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}
	return n.open(hs, true), nil
}

// controlled runs the acceptor side.
func (n *Node) controlled(r *proto.RelayResponse) (*Session, error) {
	relay, err := handshake.RelayInfoFrom(r)
	if err != nil {
		return nil, err
	}
	hs, err := handshake.Accept(n.ctx, relay, &handshake.Acceptor{
		MyID:        n.cfg.Identity.UserID,
		PeerID:      r.PeerID,
		PrivateKey:  n.cfg.Identity.Key,
		Password:    n.cfg.Password,
		MaxAttempts: n.cfg.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}
	return n.open(hs, false), nil
}

// open wraps an established stream in a channel manager and tracks it.
func (n *Node) open(hs *handshake.Session, control bool) *Session {
	h := &sessionHandler{
		incoming: make(chan channel.Endpoint, IncomingDepth),
		ready:    make(chan struct{}),
		log:      n.log.WithFields(logrus.Fields{"peer": hs.PeerID, "relay_id": hs.RelayID}),
	}
	s := &Session{
		PeerID:   hs.PeerID,
		RelayID:  hs.RelayID,
		Control:  control,
		incoming: h.incoming,
	}
	s.Manager = channel.New(hs, control, h)
	h.mgr = s.Manager
	close(h.ready)

	n.mu.Lock()
	n.active[s] = struct{}{}
	n.mu.Unlock()
	go func() {
		err := s.Wait()
		n.mu.Lock()
		delete(n.active, s)
		n.mu.Unlock()
		h.log.WithError(err).Info("session ended")
	}()
	return s
}

// sessionHandler queues remote-created channels for the application.
type sessionHandler struct {
	incoming chan channel.Endpoint
	ready    chan struct{}
	mgr      *channel.Manager
	log      *logrus.Entry
}

func (h *sessionHandler) ChannelCreated(ep channel.Endpoint) {
	select {
	case h.incoming <- ep:
	default:
		h.log.WithField("channel", ep.ChannelID()).Warn("incoming channel backlog full, destroying")
		go func() {
			<-h.ready
			_ = h.mgr.Destroy(ep.ChannelID())
		}()
	}
}

func (h *sessionHandler) ChannelDestroyed(id uint32, t proto.ChannelType) {
	h.log.WithFields(logrus.Fields{"channel": id, "type": t}).Debug("channel destroyed by peer")
}
