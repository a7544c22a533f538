// Package rendezvous: the peer side of the directory protocol. Registration is
// synchronous; afterwards one loop multiplexes queued requests, heartbeats and
// inbound notifications.
package rendezvous

import (
	"context"
	"io"
	"time"

	"dev.c0redev.rdlink/internal/errs"
	"dev.c0redev.rdlink/internal/proto"
	"github.com/sirupsen/logrus"
)

const (
	// HeartbeatInterval between pings.
	HeartbeatInterval = 500 * time.Millisecond
	// RequestQueueDepth outbound requests waiting for the loop.
	RequestQueueDepth = 64
)

// Registration identifies this peer to the directory.
type Registration struct {
	UserID    string
	ServerKey string
	Cert      []byte
	PubKey    []byte
}

// NoticeCode classifies an error notification.
type NoticeCode uint8

const (
	NoticeMessage NoticeCode = iota
	NoticePeerOffline
)

// Notice: a non-fatal directory error for the application.
type Notice struct {
	Code    NoticeCode
	PeerID  string
	Message string
}

// Handler receives directory notifications on the loop goroutine.
type Handler interface {
	// ServerRelay: a peer wants to control us; run the acceptor.
	ServerRelay(r *proto.RelayResponse)
	// ClientRelay: relay granted for our ConnectRequest; run the initiator.
	ClientRelay(r *proto.RelayResponse)
	Error(n Notice)
}

// HandlerFuncs adapts funcs to Handler; nil fields are skipped.
type HandlerFuncs struct {
	OnServerRelay func(r *proto.RelayResponse)
	OnClientRelay func(r *proto.RelayResponse)
	OnError       func(n Notice)
}

func (h HandlerFuncs) ServerRelay(r *proto.RelayResponse) {
	if h.OnServerRelay != nil {
		h.OnServerRelay(r)
	}
}

func (h HandlerFuncs) ClientRelay(r *proto.RelayResponse) {
	if h.OnClientRelay != nil {
		h.OnClientRelay(r)
	}
}

func (h HandlerFuncs) Error(n Notice) {
	if h.OnError != nil {
		h.OnError(n)
	}
}

// Client: one registration, many Run attempts (the caller owns reconnects).
type Client struct {
	reg       Registration
	handler   Handler
	requests  chan *proto.Message
	heartbeat time.Duration
	log       *logrus.Entry
}

// Option configures a Client.
type Option func(*Client)

// WithHeartbeat overrides HeartbeatInterval.
func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) { c.heartbeat = d }
}

// New client for reg. h may be nil.
func New(reg Registration, h Handler, opts ...Option) *Client {
	if h == nil {
		h = HandlerFuncs{}
	}
	c := &Client{
		reg:       reg,
		handler:   h,
		requests:  make(chan *proto.Message, RequestQueueDepth),
		heartbeat: HeartbeatInterval,
		log:       logrus.WithFields(logrus.Fields{"component": "rendezvous", "user_id": reg.UserID}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send queues msg for the loop. Messages queued while no loop runs wait for
// the next one.
func (c *Client) Send(ctx context.Context, msg *proto.Message) error {
	select {
	case c.requests <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect asks the directory for a relay to peerID.
func (c *Client) Connect(ctx context.Context, peerID string) error {
	return c.Send(ctx, &proto.Message{ConnectRequest: &proto.ConnectRequest{PeerID: peerID}})
}

// Register sends RegisterPeer and waits for the verdict. Any non-success is fatal.
func (c *Client) Register(rw io.ReadWriter) error {
	msg := &proto.Message{RegisterPeer: &proto.RegisterPeer{
		UserID:    c.reg.UserID,
		ServerKey: c.reg.ServerKey,
		Cert:      c.reg.Cert,
		PubKey:    c.reg.PubKey,
	}}
	if err := proto.WriteRecord(rw, proto.Wide, msg); err != nil {
		return err
	}
	var resp proto.Message
	if err := proto.ReadRecord(rw, proto.Wide, &resp); err != nil {
		return err
	}
	r := resp.RegisterPeerResponse
	if r == nil {
		return errs.New(errs.KindMessage, "expected register response, got %q", resp.Kind())
	}
	switch r.Result {
	case proto.RegisterSuccess:
		return nil
	case proto.RegisterFail, proto.RegisterError:
		return errs.New(errs.KindMessage, "%s", r.Message)
	case proto.RegisterRepeat:
		return errs.New(errs.KindIDRepeat, "%s", c.reg.UserID)
	case proto.RegisterKeyNotMatch:
		return errs.ErrServerKeyNotMatch
	}
	return errs.New(errs.KindMessage, "unknown %s", r.Result)
}

// Run registers over conn and services it until ctx ends or the stream fails.
// conn is closed on return. A cancelled ctx returns nil.
func (c *Client) Run(ctx context.Context, conn io.ReadWriteCloser) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	err := c.Register(conn)
	stop()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		c.log.WithError(err).Warn("registration failed")
		return err
	}
	c.log.Info("registered")

	inbound := make(chan *proto.Message)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go c.readLoop(conn, inbound, readErr, done)

	tick := time.NewTicker(c.heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.requests:
			if err := proto.WriteRecord(conn, proto.Wide, msg); err != nil {
				return err
			}
		case <-tick.C:
			ping := &proto.Message{Ping: &proto.Ping{SentAt: time.Now().UnixMilli()}}
			if err := proto.WriteRecord(conn, proto.Wide, ping); err != nil {
				return err
			}
		case msg := <-inbound:
			c.dispatch(msg)
		case err := <-readErr:
			if ctx.Err() != nil {
				return nil
			}
			c.log.WithError(err).Info("rendezvous stream ended")
			return err
		}
	}
}

// readLoop feeds the push decoder from conn and hands complete messages to Run.
func (c *Client) readLoop(r io.Reader, out chan<- *proto.Message, errc chan<- error, done <-chan struct{}) {
	dec := proto.NewDecoder(proto.Wide)
	buf := make([]byte, 32*1024)
	for {
		for {
			f, ready, err := dec.Next()
			if err != nil {
				errc <- err
				return
			}
			if !ready {
				break
			}
			var msg proto.Message
			if err := proto.Unmarshal(f.Payload, &msg); err != nil {
				errc <- err
				return
			}
			select {
			case out <- &msg:
			case <-done:
				return
			}
		}
		n, err := r.Read(buf)
		if n > 0 {
			_, _ = dec.Write(buf[:n])
		}
		if err != nil {
			errc <- errs.FromIO(err)
			return
		}
	}
}

func (c *Client) dispatch(msg *proto.Message) {
	switch {
	case msg.RelayResponse != nil:
		r := msg.RelayResponse
		log := c.log.WithFields(logrus.Fields{"peer": r.PeerID, "relay_id": r.RelayID})
		switch r.Result {
		case proto.RelaySuccess:
			if r.IsControl {
				log.Info("incoming control request")
				c.handler.ServerRelay(r)
			} else {
				log.Info("relay granted")
				c.handler.ClientRelay(r)
			}
		case proto.RelayOffline:
			c.handler.Error(Notice{Code: NoticePeerOffline, PeerID: r.PeerID, Message: "peer offline"})
		default:
			c.handler.Error(Notice{Code: NoticeMessage, PeerID: r.PeerID, Message: r.Message})
		}
	case msg.Error != nil:
		c.handler.Error(Notice{Code: NoticeMessage, Message: msg.Error.Message})
	case msg.Ping != nil:
	default:
		c.log.WithField("kind", msg.Kind()).Debug("ignoring message")
	}
}
